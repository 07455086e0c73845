package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/conveyor/pkg/dispatcher"
	"github.com/cuemby/conveyor/pkg/events"
	"github.com/cuemby/conveyor/pkg/health"
	"github.com/cuemby/conveyor/pkg/phase"
	"github.com/cuemby/conveyor/pkg/proposal"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type fakeModes struct{ modes map[string]types.Mode }

func (f fakeModes) Mode(name string) (types.Mode, bool) { m, ok := f.modes[name]; return m, ok }

type fakeChecker struct{ healthy bool }

func (f fakeChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: f.healthy, CheckedAt: time.Now()}
}
func (f fakeChecker) Type() health.CheckType { return health.CheckTypeExec }

func newTestDispatcher(store storage.Store) *dispatcher.Dispatcher {
	return &dispatcher.Dispatcher{
		Store:             store,
		Executor:          &phase.Executor{Store: store},
		Modes:             fakeModes{modes: map[string]types.Mode{}},
		MaxParallelAgents: 1,
		FetchLimit:        10,
	}
}

func TestTickRunsDispatchAndDueJobs(t *testing.T) {
	store := newTestStore(t)
	s := New(&Scheduler{
		Store:           store,
		Dispatcher:      newTestDispatcher(store),
		ReleaseInterval: time.Hour,
	})

	ranSeed := false
	s.jobs = []*job{
		{name: "seed", minInterval: time.Hour, run: func(ctx context.Context) error { ranSeed = true; return nil }},
	}

	s.tick(context.Background())
	assert.True(t, ranSeed)
	assert.False(t, s.jobs[0].lastRun.IsZero())
}

func TestTickSkipsJobBeforeMinIntervalElapses(t *testing.T) {
	store := newTestStore(t)
	s := New(&Scheduler{Store: store, Dispatcher: newTestDispatcher(store)})

	runs := 0
	s.jobs = []*job{
		{name: "seed", minInterval: time.Hour, lastRun: time.Now(), run: func(ctx context.Context) error { runs++; return nil }},
	}

	s.tick(context.Background())
	assert.Equal(t, 0, runs)
}

func TestRecoverFromRestartClearsDispatchLocks(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{Title: "t", RepoPath: "/r", Mode: "default", Status: types.TaskStatusBacklog}
	require.NoError(t, store.CreateTask(task))
	dispatched, err := store.TryDispatch(task.ID)
	require.NoError(t, err)
	require.True(t, dispatched)

	s := New(&Scheduler{Store: store, Dispatcher: newTestDispatcher(store)})
	require.NoError(t, s.recoverFromRestart(context.Background(), nil))

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDispatched())
}

func TestRunRepoHealthExcludesAfterConsecutiveFailures(t *testing.T) {
	store := newTestStore(t)
	rh := &RepoHealthConfig{RepoPath: "/repo", Checker: fakeChecker{healthy: false}, FailureMax: 2}
	s := New(&Scheduler{Store: store, Dispatcher: newTestDispatcher(store), RepoHealth: []*RepoHealthConfig{rh}})

	require.NoError(t, s.runRepoHealth(context.Background()))
	assert.False(t, rh.excluded)
	require.NoError(t, s.runRepoHealth(context.Background()))
	assert.True(t, rh.excluded)

	rh.Checker = fakeChecker{healthy: true}
	require.NoError(t, s.runRepoHealth(context.Background()))
	assert.False(t, rh.excluded)
}

func TestRunProposalTriagePromotesAndDismisses(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateProposal(&types.Proposal{RepoPath: "/repo", Title: "good", Score: 0.9, Status: types.ProposalStatusProposed}))
	require.NoError(t, store.CreateProposal(&types.Proposal{RepoPath: "/repo", Title: "bad", Score: 0.1, Status: types.ProposalStatusProposed}))

	s := New(&Scheduler{
		Store:      store,
		Dispatcher: newTestDispatcher(store),
		RepoTriage: map[string]proposal.Thresholds{
			"/repo": {PromoteAt: 0.8, DismissBelow: 0.2, DefaultMode: "default"},
		},
	})

	require.NoError(t, s.runProposalTriage(context.Background()))

	promoted, err := store.ListProposalsByStatus(types.ProposalStatusApproved)
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, "good", promoted[0].Title)

	dismissed, err := store.ListProposalsByStatus(types.ProposalStatusAutoDismissed)
	require.NoError(t, err)
	require.Len(t, dismissed, 1)
	assert.Equal(t, "bad", dismissed[0].Title)
}

func TestRunProposalTriagePublishesPromotionEvent(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.CreateProposal(&types.Proposal{RepoPath: "/repo", Title: "good", Score: 0.9, Status: types.ProposalStatusProposed}))

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	s := New(&Scheduler{
		Store:      store,
		Dispatcher: newTestDispatcher(store),
		Events:     broker,
		RepoTriage: map[string]proposal.Thresholds{
			"/repo": {PromoteAt: 0.8, DismissBelow: 0.2, DefaultMode: "default"},
		},
	})

	require.NoError(t, s.runProposalTriage(context.Background()))

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventProposalPromoted, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected a proposal.promoted event")
	}
}

func TestStopDrainsBeforeReturning(t *testing.T) {
	store := newTestStore(t)
	s := New(&Scheduler{Store: store, Dispatcher: newTestDispatcher(store), TickInterval: time.Hour})
	require.NoError(t, s.Start(context.Background(), nil))
	s.Stop()
}
