package storage

import (
	"testing"

	"github.com/cuemby/conveyor/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	dir := t.TempDir()
	store, err := NewBoltStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGetTask(t *testing.T) {
	store := newTestStore(t)

	task := &types.Task{Title: "add retries", RepoPath: "/repo", Mode: "default", Status: types.TaskStatusBacklog, MaxAttempts: 3}
	require.NoError(t, store.CreateTask(task))
	assert.NotZero(t, task.ID)

	got, err := store.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, "add retries", got.Title)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestTryDispatchIsExclusive(t *testing.T) {
	store := newTestStore(t)
	task := &types.Task{Title: "x", Status: types.TaskStatusBacklog, MaxAttempts: 1}
	require.NoError(t, store.CreateTask(task))

	ok1, err := store.TryDispatch(task.ID)
	require.NoError(t, err)
	assert.True(t, ok1)

	ok2, err := store.TryDispatch(task.ID)
	require.NoError(t, err)
	assert.False(t, ok2, "a second dispatch attempt must be rejected while the lock is held")

	require.NoError(t, store.ClearDispatch(task.ID))

	ok3, err := store.TryDispatch(task.ID)
	require.NoError(t, err)
	assert.True(t, ok3, "dispatch should succeed again once cleared")
}

func TestClearAllDispatchedRecoversFromCrash(t *testing.T) {
	store := newTestStore(t)
	a := &types.Task{Title: "a", Status: types.TaskStatusBacklog, MaxAttempts: 1}
	b := &types.Task{Title: "b", Status: types.TaskStatusBacklog, MaxAttempts: 1}
	require.NoError(t, store.CreateTask(a))
	require.NoError(t, store.CreateTask(b))

	_, err := store.TryDispatch(a.ID)
	require.NoError(t, err)
	_, err = store.TryDispatch(b.ID)
	require.NoError(t, err)

	require.NoError(t, store.ClearAllDispatched())

	gotA, err := store.GetTask(a.ID)
	require.NoError(t, err)
	gotB, err := store.GetTask(b.ID)
	require.NoError(t, err)
	assert.False(t, gotA.IsDispatched())
	assert.False(t, gotB.IsDispatched())
}

func TestListActiveTasksExcludesTerminalAndOrdersByID(t *testing.T) {
	store := newTestStore(t)
	for _, status := range []types.TaskStatus{types.TaskStatusBacklog, types.TaskStatusMerged, types.TaskStatusBacklog, types.TaskStatusFailed} {
		task := &types.Task{Status: status, MaxAttempts: 1}
		require.NoError(t, store.CreateTask(task))
	}

	active, err := store.ListActiveTasks(0)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Less(t, active[0].ID, active[1].ID)
}

func TestQueueEntryLifecycle(t *testing.T) {
	store := newTestStore(t)
	entry := &types.QueueEntry{TaskID: 1, Branch: "task-1", RepoPath: "/repo", Status: types.QueueStatusQueued}
	require.NoError(t, store.CreateQueueEntry(entry))

	active, err := store.ListActiveQueueEntries()
	require.NoError(t, err)
	assert.Len(t, active, 1)

	entry.Status = types.QueueStatusMerged
	require.NoError(t, store.UpdateQueueEntry(entry))

	active, err = store.ListActiveQueueEntries()
	require.NoError(t, err)
	assert.Empty(t, active, "a merged entry is no longer active")
}

func TestStateKV(t *testing.T) {
	store := newTestStore(t)
	_, found, err := store.GetState("backlog_imported:/repo/BACKLOG.md")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetState("backlog_imported:/repo/BACKLOG.md", "true"))
	value, found, err := store.GetState("backlog_imported:/repo/BACKLOG.md")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "true", value)
}
