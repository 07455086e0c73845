package phase

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/conveyor/pkg/agent"
	"github.com/cuemby/conveyor/pkg/sandbox"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLooksLikeTestCodeFailure(t *testing.T) {
	cases := []struct {
		name   string
		output string
		want   bool
	}{
		{"test file compile error", "foo_test.go:10: undefined: bar", true},
		{"path under tests dir", "error in /tests/fixture.json", true},
		{"panic in test file", "panic: assertion failed\n\tat handler_test.go:42", true},
		{"segfault", "signal SIGSEGV: segmentation fault", true},
		{"product code error", "main.go:12: undefined: baz", false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, looksLikeTestCodeFailure(c.output))
		})
	}
}

func TestTruncateTail(t *testing.T) {
	assert.Equal(t, "hello", truncateTail("hello", 10))
	assert.Equal(t, "llo", truncateTail("hello", 3))
}

func TestNeedsRecreate(t *testing.T) {
	dir := t.TempDir()
	assert.True(t, needsRecreate(filepath.Join(dir, "missing")))

	wt := filepath.Join(dir, "wt")
	require.NoError(t, os.MkdirAll(wt, 0755))
	assert.True(t, needsRecreate(wt)) // no .git at all

	require.NoError(t, os.WriteFile(filepath.Join(wt, ".git"), []byte("gitdir: ../.git/worktrees/wt"), 0644))
	assert.False(t, needsRecreate(wt))

	require.NoError(t, os.RemoveAll(filepath.Join(wt, ".git")))
	require.NoError(t, os.MkdirAll(filepath.Join(wt, ".git"), 0755))
	assert.True(t, needsRecreate(wt)) // corrupted: .git is a directory
}

func initBareRepoPair(t *testing.T) (origin, work string) {
	t.Helper()
	origin = t.TempDir()
	run := func(dir string, args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run(origin, "init", "--bare", "-b", "main")

	work = t.TempDir()
	run(work, "clone", origin, ".")
	run(work, "-c", "user.name=t", "-c", "user.email=t@t.test", "commit", "--allow-empty", "-m", "initial")
	run(work, "push", "origin", "main")
	return origin, work
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMode(testCmd string) types.Mode {
	return types.Mode{
		Name:          "default",
		InitialStatus: "implement",
		Policy: types.ModePolicy{
			UsesWorktrees:    true,
			UsesTestCommand:  testCmd != "",
			TestCommand:      testCmd,
			IntegrationStyle: "git_pr",
		},
		Phases: map[string]types.Phase{
			"implement": {
				Name: "implement",
				Type: types.PhaseTypeSetup,
				Next: "agent",
			},
			"agent": {
				Name:        "agent",
				Type:        types.PhaseTypeAgent,
				Next:        "done",
				Instruction: "do the work",
				Flags:       types.PhaseFlags{Commits: true, RunsTests: true, AllowNoChanges: false},
			},
		},
	}
}

func TestRunSetupCreatesWorktreeAndAdvances(t *testing.T) {
	_, work := initBareRepoPair(t)
	store := newTestStore(t)

	task := &types.Task{RepoPath: work, Mode: "default", Status: "implement", MaxAttempts: 3}
	require.NoError(t, store.CreateTask(task))

	executor := &Executor{Store: store}
	mode := testMode("")

	result, err := executor.Execute(context.Background(), task, mode)
	require.NoError(t, err)
	assert.False(t, result.Terminal)
	assert.Equal(t, types.TaskStatus("agent"), task.Status)
	assert.NotEmpty(t, task.Branch)

	wt := worktreePath(work, task.ID)
	info, statErr := os.Stat(wt)
	require.NoError(t, statErr)
	assert.True(t, info.IsDir())
}

type fakeDriver struct {
	result sandbox.Result
}

// Run simulates the agent producing a file change in the worktree it was
// handed, so the phase executor's commit step has something to stage.
func (f *fakeDriver) Run(ctx context.Context, spec sandbox.RunSpec) (sandbox.Result, error) {
	if len(spec.Binds) > 0 {
		_ = os.WriteFile(filepath.Join(spec.Binds[0].Source, "change.txt"), []byte("hi"), 0644)
	}
	return f.result, nil
}
func (f *fakeDriver) Kill(ctx context.Context, name string) error { return nil }
func (f *fakeDriver) Close() error                                { return nil }

func TestRunAgentPhaseCommitsAndAdvancesOnPassingTests(t *testing.T) {
	_, work := initBareRepoPair(t)
	store := newTestStore(t)

	task := &types.Task{RepoPath: work, Mode: "default", Status: "implement", MaxAttempts: 3}
	require.NoError(t, store.CreateTask(task))

	// The idempotence gate's test command fails until change.txt exists, so
	// the gate cannot shortcut to "merged" before the agent has run.
	mode := testMode("test -f change.txt")
	executor := &Executor{Store: store}
	_, err := executor.Execute(context.Background(), task, mode)
	require.NoError(t, err)
	require.Equal(t, types.TaskStatus("agent"), task.Status)

	driver := &fakeDriver{result: sandbox.Result{Stdout: `{"type":"result","result":"done","session_id":"s1"}` + "\n", ExitCode: 0}}
	executor.Agents = agent.NewRunner(nil, driver)
	executor.AgentTimeout = 5 * time.Second

	result, err := executor.Execute(context.Background(), task, mode)
	require.NoError(t, err)
	assert.True(t, result.Enqueue)
	assert.Equal(t, types.TaskStatusDone, task.Status)

	entries, err := store.ListQueueEntriesByRepo(work)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, types.QueueStatusQueued, entries[0].Status)
}
