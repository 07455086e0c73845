package integration

import (
	"context"
	"os/exec"
	"testing"

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

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-b", "main")
	run("-c", "user.name=t", "-c", "user.email=t@t.test", "commit", "--allow-empty", "-m", "initial")
	return dir
}

func TestExcludeMarksEntryAndIncrementsMetric(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{RepoPath: "/repo", Mode: "default", Status: types.TaskStatusDone}
	require.NoError(t, store.CreateTask(task))
	entry := &types.QueueEntry{TaskID: task.ID, Branch: "task-1", RepoPath: "/repo", Status: types.QueueStatusQueued}
	require.NoError(t, store.CreateQueueEntry(entry))

	c := &Coordinator{Store: store}
	require.NoError(t, c.exclude(entry, "branch missing"))

	reloaded, err := store.GetQueueEntry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusExcluded, reloaded.Status)
	assert.Equal(t, "branch missing", reloaded.FailureReason)
}

func TestMarkMergedUpdatesEntryAndTask(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{RepoPath: "/repo", Mode: "default", Status: types.TaskStatusDone}
	require.NoError(t, store.CreateTask(task))
	entry := &types.QueueEntry{TaskID: task.ID, Branch: "task-1", RepoPath: "/repo", Status: types.QueueStatusQueued}
	require.NoError(t, store.CreateQueueEntry(entry))

	c := &Coordinator{Store: store}
	require.NoError(t, c.markMerged(entry))

	reloadedEntry, err := store.GetQueueEntry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusMerged, reloadedEntry.Status)

	reloadedTask, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusMerged, reloadedTask.Status)
}

func TestRouteToRebaseSetsTaskStatus(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{RepoPath: "/repo", Mode: "default", Status: types.TaskStatusDone}
	require.NoError(t, store.CreateTask(task))
	entry := &types.QueueEntry{TaskID: task.ID, Branch: "task-1", RepoPath: "/repo"}

	c := &Coordinator{Store: store}
	require.NoError(t, c.routeToRebase(entry))

	reloaded, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.EqualValues(t, "rebase", reloaded.Status)
}

func TestRunSkipsRepoWithNoQueuedEntries(t *testing.T) {
	store := newTestStore(t)
	dir := initRepo(t)
	c := &Coordinator{Store: store, Repos: []RepoConfig{{Path: dir, BaseBranch: "main", AutoMergeEnable: true}}}
	require.NoError(t, c.Run(context.Background()))
}

func TestDriveEntryExcludesMissingBranch(t *testing.T) {
	store := newTestStore(t)
	dir := initRepo(t)

	task := &types.Task{RepoPath: dir, Mode: "default", Status: types.TaskStatusDone}
	require.NoError(t, store.CreateTask(task))
	entry := &types.QueueEntry{TaskID: task.ID, Branch: "nonexistent-branch", RepoPath: dir, Status: types.QueueStatusQueued}
	require.NoError(t, store.CreateQueueEntry(entry))

	c := &Coordinator{Store: store, Repos: []RepoConfig{{Path: dir, BaseBranch: "main", AutoMergeEnable: true}}}
	require.NoError(t, c.Run(context.Background()))

	reloaded, err := store.GetQueueEntry(entry.ID)
	require.NoError(t, err)
	assert.Equal(t, types.QueueStatusExcluded, reloaded.Status)
}
