package seed

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBacklog = `Some preamble comment, ignored.

TASK_START
TITLE: Add retry logic to the fetcher
DESCRIPTION: The fetcher should retry transient network errors
up to three times before giving up.
TASK_END

TASK_START
TITLE: Fix flaky integration test
DESCRIPTION: test_integration.go occasionally times out in CI.
TASK_END

TASK_START
DESCRIPTION: this block has no title and should be skipped
TASK_END
`

func writeBacklog(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "BACKLOG.txt")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
	return path
}

func TestParseBacklogFile(t *testing.T) {
	path := writeBacklog(t, sampleBacklog)
	tasks, err := ParseBacklogFile(path)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "Add retry logic to the fetcher", tasks[0].Title)
	assert.Contains(t, tasks[0].Description, "retry transient network errors")
	assert.Equal(t, "Fix flaky integration test", tasks[1].Title)
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestImportFileIsIdempotent(t *testing.T) {
	path := writeBacklog(t, sampleBacklog)
	store := newTestStore(t)
	importer := &Importer{Store: store}

	count, err := importer.ImportFile(path, "/repo", "default")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = importer.ImportFile(path, "/repo", "default")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "second import must be a no-op")

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestImportWatchedSkipsReposWithoutBacklogFile(t *testing.T) {
	store := newTestStore(t)
	importer := &Importer{Store: store}
	err := importer.ImportWatched([]WatchedRepo{{Path: t.TempDir(), Mode: "default", BacklogFile: ""}})
	require.NoError(t, err)

	tasks, err := store.ListTasks()
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
