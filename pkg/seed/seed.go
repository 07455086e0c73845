// Package seed parses line-oriented backlog files (TASK_START/TASK_END
// blocks with TITLE:/DESCRIPTION: lines) and imports them into the backlog
// exactly once per watched repository, gated by a state-KV marker key.
package seed

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cuemby/conveyor/pkg/log"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
)

// BacklogTask is one parsed TASK_START/TASK_END block.
type BacklogTask struct {
	Title       string
	Description string
}

// ParseBacklogFile reads path and returns every well-formed TASK_START/
// TASK_END block it contains. Malformed blocks (missing TITLE, unterminated
// TASK_START) are skipped rather than failing the whole file, since a
// backlog file is hand-edited and partial corruption shouldn't block every
// other task in it.
func ParseBacklogFile(path string) ([]BacklogTask, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening backlog file: %w", err)
	}
	defer f.Close()

	var tasks []BacklogTask
	var current *BacklogTask
	var descLines []string
	inBlock := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "TASK_START":
			current = &BacklogTask{}
			descLines = nil
			inBlock = true
		case trimmed == "TASK_END":
			if inBlock && current != nil && current.Title != "" {
				current.Description = strings.TrimSpace(strings.Join(descLines, "\n"))
				tasks = append(tasks, *current)
			}
			current = nil
			inBlock = false
		case inBlock && strings.HasPrefix(trimmed, "TITLE:"):
			current.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "TITLE:"))
		case inBlock && strings.HasPrefix(trimmed, "DESCRIPTION:"):
			descLines = append(descLines, strings.TrimSpace(strings.TrimPrefix(trimmed, "DESCRIPTION:")))
		case inBlock && current != nil && current.Title != "":
			descLines = append(descLines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning backlog file: %w", err)
	}
	return tasks, nil
}

const importedKeyPrefix = "backlog_imported:"

// Importer applies parsed backlog files to persistent storage, idempotently.
type Importer struct {
	Store storage.Store
}

// ImportFile imports path into the backlog for repoPath under mode, unless
// the state-KV marker shows it was already imported.
func (i *Importer) ImportFile(path, repoPath, mode string) (int, error) {
	key := importedKeyPrefix + path
	_, imported, err := i.Store.GetState(key)
	if err != nil {
		return 0, fmt.Errorf("checking import marker: %w", err)
	}
	if imported {
		return 0, nil
	}

	tasks, err := ParseBacklogFile(path)
	if err != nil {
		return 0, err
	}

	logger := log.WithRepo(repoPath)
	count := 0
	var ids []string
	for _, bt := range tasks {
		task := &types.Task{
			Title:       bt.Title,
			Description: bt.Description,
			RepoPath:    repoPath,
			Mode:        mode,
			Status:      types.TaskStatusBacklog,
			MaxAttempts: 5,
			CreatedAt:   time.Now(),
			UpdatedAt:   time.Now(),
		}
		if err := i.Store.CreateTask(task); err != nil {
			logger.Error().Err(err).Str("title", bt.Title).Msg("failed to import backlog task")
			continue
		}
		ids = append(ids, fmt.Sprintf("%d", task.ID))
		count++
	}

	if err := i.Store.SetState(key, time.Now().Format(time.RFC3339)); err != nil {
		return count, fmt.Errorf("setting import marker: %w", err)
	}
	if err := i.Store.SetState(ImportedTaskIDsKey(path), strings.Join(ids, ",")); err != nil {
		return count, fmt.Errorf("recording imported task ids: %w", err)
	}
	logger.Info().Int("count", count).Str("path", path).Msg("imported backlog file")
	return count, nil
}

// ImportedTaskIDsKey is the state-KV key holding the comma-separated task
// ids a backlog file at path seeded, used by the Integration Coordinator to
// decide when the file is fully drained and safe to remove.
func ImportedTaskIDsKey(path string) string {
	return "backlog_task_ids:" + path
}

// WatchedRepo is one repository configured for backlog seeding.
type WatchedRepo struct {
	Path           string
	Mode           string
	BacklogFile    string // path relative to Path, empty disables seeding
}

// ImportWatched imports every watched repository's backlog file, skipping
// repos with no configured backlog file.
func (i *Importer) ImportWatched(repos []WatchedRepo) error {
	for _, repo := range repos {
		if repo.BacklogFile == "" {
			continue
		}
		path := repo.BacklogFile
		if !strings.HasPrefix(path, "/") {
			path = repo.Path + "/" + path
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if _, err := i.ImportFile(path, repo.Path, repo.Mode); err != nil {
			log.WithRepo(repo.Path).Error().Err(err).Msg("failed to import watched repo backlog")
		}
	}
	return nil
}
