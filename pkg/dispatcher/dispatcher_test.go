package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/conveyor/pkg/phase"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeModes struct {
	modes map[string]types.Mode
}

func (f *fakeModes) Mode(name string) (types.Mode, bool) {
	m, ok := f.modes[name]
	return m, ok
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// terminalMode has a single setup phase that immediately fails (no git repo
// behind it), landing the task back in backlog without advancing — enough
// to exercise dispatch-and-reclaim without needing a real repo per worker.
func terminalMode() types.Mode {
	return types.Mode{
		Name: "terminal",
		Phases: map[string]types.Phase{
			"backlog": {Name: "backlog", Type: types.PhaseTypeSetup, Next: "agent"},
		},
	}
}

func TestDispatchClaimsAndRunsWorker(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{RepoPath: t.TempDir(), Mode: "terminal", Status: types.TaskStatusBacklog, MaxAttempts: 3}
	require.NoError(t, store.CreateTask(task))

	d := &Dispatcher{
		Store:             store,
		Executor:          &phase.Executor{Store: store},
		Modes:             &fakeModes{modes: map[string]types.Mode{"terminal": terminalMode()}},
		MaxParallelAgents: 2,
	}

	require.NoError(t, d.Dispatch(context.Background()))
	d.Wait()

	reloaded, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.IsDispatched(), "worker must clear the dispatch lock on exit")
}

func TestDispatchSkipsAlreadyDispatchedTask(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{RepoPath: t.TempDir(), Mode: "terminal", Status: types.TaskStatusBacklog, MaxAttempts: 3}
	require.NoError(t, store.CreateTask(task))

	ok, err := store.TryDispatch(task.ID)
	require.NoError(t, err)
	require.True(t, ok)

	d := &Dispatcher{
		Store:             store,
		Executor:          &phase.Executor{Store: store},
		Modes:             &fakeModes{modes: map[string]types.Mode{"terminal": terminalMode()}},
		MaxParallelAgents: 2,
	}

	require.NoError(t, d.Dispatch(context.Background()))
	d.Wait()
	assert.Equal(t, int64(0), d.ActiveAgents())
}

func TestDispatchRespectsParallelismCap(t *testing.T) {
	store := newTestStore(t)
	for i := 0; i < 3; i++ {
		task := &types.Task{RepoPath: t.TempDir(), Mode: "terminal", Status: types.TaskStatusBacklog, MaxAttempts: 3}
		require.NoError(t, store.CreateTask(task))
	}

	d := &Dispatcher{
		Store:             store,
		Executor:          &phase.Executor{Store: store},
		Modes:             &fakeModes{modes: map[string]types.Mode{"terminal": terminalMode()}},
		MaxParallelAgents: 1,
	}

	require.NoError(t, d.Dispatch(context.Background()))
	// Give the lone worker a moment to finish before asserting the lock
	// count, since Dispatch only claims — it does not itself block.
	time.Sleep(50 * time.Millisecond)
	d.Wait()

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	dispatchedStillSet := 0
	for _, ts := range tasks {
		if ts.IsDispatched() {
			dispatchedStillSet++
		}
	}
	assert.Equal(t, 0, dispatchedStillSet)
}
