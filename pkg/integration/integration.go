// Package integration is the Integration Coordinator: per watched
// repository, it drains the queue of branches awaiting merge, driving each
// one through a fast-forward base check, a rebase gate, PR creation, bounded
// mergeability polling, and a squash-merge — or marks it pending_review when
// auto-merge is disabled.
package integration

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/conveyor/pkg/log"
	"github.com/cuemby/conveyor/pkg/metrics"
	"github.com/cuemby/conveyor/pkg/review"
	"github.com/cuemby/conveyor/pkg/seed"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
	"github.com/cuemby/conveyor/pkg/vcs"
)

// maxUnknownRetries bounds how many ticks a PR may sit at mergeability
// UNKNOWN before the coordinator forces ahead anyway (decided open question,
// documented in DESIGN.md).
const maxUnknownRetries = 5

// RepoConfig is the per-repository policy the coordinator needs.
type RepoConfig struct {
	Path            string
	BaseBranch      string
	AutoMergeEnable bool
	// BacklogFile, if set, is the path (relative to Path unless absolute)
	// of the seeded backlog file to remove via a housekeeping PR once every
	// task it seeded has reached merged.
	BacklogFile string
}

// Coordinator drives one integration cycle across a set of repositories.
type Coordinator struct {
	Store storage.Store
	Repos []RepoConfig
}

// Run executes one integration pass over every configured repository.
func (c *Coordinator) Run(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.IntegrationCycleDuration)

	for _, repo := range c.Repos {
		if err := c.runRepo(ctx, repo); err != nil {
			log.WithRepo(repo.Path).Error().Err(err).Msg("integration cycle failed for repo")
		}
	}
	return nil
}

func (c *Coordinator) runRepo(ctx context.Context, repo RepoConfig) error {
	logger := log.WithRepo(repo.Path)
	g := vcs.New(repo.Path)
	gh := review.New(repo.Path)
	base := repo.BaseBranch
	if base == "" {
		base = "main"
	}

	// 1. Read queued entries sorted by task id.
	entries, err := c.Store.ListQueueEntriesByRepo(repo.Path)
	if err != nil {
		return fmt.Errorf("listing queue entries: %w", err)
	}
	var queued []*types.QueueEntry
	for _, e := range entries {
		if e.Status == types.QueueStatusQueued {
			queued = append(queued, e)
		}
	}
	if len(queued) == 0 {
		return nil
	}

	// 2. Checkout + fast-forward base.
	if _, err := g.Checkout(ctx, base); err != nil {
		return fmt.Errorf("checking out base: %w", err)
	}
	if _, err := g.Fetch(ctx, "origin"); err != nil {
		logger.Warn().Err(err).Msg("fetch failed before integration")
	}
	if _, err := g.Pull(ctx); err != nil {
		logger.Warn().Err(err).Msg("fast-forward pull failed")
	}

	for _, entry := range queued {
		if err := c.driveEntry(ctx, repo, g, gh, base, entry); err != nil {
			logger.Error().Int64("task_id", entry.TaskID).Err(err).Msg("failed to drive queue entry")
		}
	}

	if repo.BacklogFile != "" {
		if err := c.cleanupBacklogFile(ctx, repo, g, gh, base); err != nil {
			logger.Warn().Err(err).Msg("backlog cleanup housekeeping failed")
		}
	}
	return nil
}

// cleanupBacklogFile removes the repository's seeded backlog file via a
// housekeeping PR once every task it seeded has reached merged — the file
// has served its purpose and leaving it in the tree invites re-seeding
// confusion or stale duplicate proposals.
func (c *Coordinator) cleanupBacklogFile(ctx context.Context, repo RepoConfig, g *vcs.Git, gh *review.CLI, base string) error {
	const cleanupMarkerPrefix = "backlog_cleanup_done:"

	path := repo.BacklogFile
	if !strings.HasPrefix(path, "/") {
		path = repo.Path + "/" + path
	}

	if _, done, err := c.Store.GetState(cleanupMarkerPrefix + path); err != nil {
		return err
	} else if done {
		return nil
	}

	idList, ok, err := c.Store.GetState(seed.ImportedTaskIDsKey(path))
	if err != nil {
		return err
	}
	if !ok || idList == "" {
		return nil
	}

	allMerged := true
	for _, idStr := range strings.Split(idList, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(idStr), 10, 64)
		if err != nil {
			continue
		}
		task, err := c.Store.GetTask(id)
		if err != nil {
			return fmt.Errorf("loading seeded task %d: %w", id, err)
		}
		if task.Status != types.TaskStatusMerged {
			allMerged = false
			break
		}
	}
	if !allMerged {
		return nil
	}

	branch := "conveyor/remove-backlog-file"
	if _, err := g.Checkout(ctx, base); err != nil {
		return fmt.Errorf("checkout base for cleanup: %w", err)
	}
	if res, err := g.CreateBranch(ctx, branch); err != nil || !res.OK() {
		return fmt.Errorf("creating cleanup branch: %w", err)
	}
	if res, err := g.Remove(ctx, repo.BacklogFile); err != nil || !res.OK() {
		return fmt.Errorf("removing backlog file: %w", err)
	}
	if res, err := g.Commit(ctx, "conveyor: remove drained backlog file", "conveyor", "conveyor@localhost"); err != nil || !res.OK() {
		return fmt.Errorf("committing backlog removal: %w", err)
	}
	if _, err := g.Push(ctx, "origin", branch, false); err != nil {
		return fmt.Errorf("pushing cleanup branch: %w", err)
	}
	if res, err := gh.Create(ctx, base, branch, "conveyor: remove drained backlog file", "All tasks seeded from this backlog file have merged; removing it."); err != nil {
		return fmt.Errorf("creating cleanup PR: %w", err)
	} else if !res.OK() && !res.HasFailure(review.FailureNoCommitsBetween) {
		return fmt.Errorf("creating cleanup PR: %s", res.Combined())
	}

	return c.Store.SetState(cleanupMarkerPrefix+path, "true")
}

func (c *Coordinator) driveEntry(ctx context.Context, repo RepoConfig, g *vcs.Git, gh *review.CLI, base string, entry *types.QueueEntry) error {
	logger := log.WithRepo(repo.Path)

	// 3. Filter dead entries: branch missing → excluded.
	if rev, err := g.RevParse(ctx, "origin/"+entry.Branch); err != nil || !rev.OK() {
		return c.exclude(entry, "branch missing on remote")
	}

	// 4. Pre-push PR-state check.
	view, viewResult, err := gh.View(ctx, entry.Branch)
	if err == nil && viewResult.OK() && view != nil && view.State == review.PRStateMerged {
		return c.markMerged(entry)
	}

	// 5. Rebase gate: branch must be an ancestor-compatible rebase of base.
	ancestor, err := g.IsAncestor(ctx, "origin/"+base, "origin/"+entry.Branch)
	if err != nil {
		return fmt.Errorf("checking ancestor: %w", err)
	}
	if !ancestor {
		if err := c.routeToRebase(entry); err != nil {
			return err
		}
		return c.exclude(entry, "not a fast-forward of base, routed to rebase")
	}

	// 6. Force-push with "cannot lock ref" recreate fallback — the branch
	// is already on the remote as-is by construction of step 5, so this is
	// a no-op push to settle any local staleness.
	pushRes, err := g.Push(ctx, "origin", entry.Branch, true)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	if !pushRes.OK() && strings.Contains(pushRes.Combined(), "cannot lock ref") {
		_, _ = g.PushDelete(ctx, "origin", entry.Branch)
		if _, err := g.Push(ctx, "origin", entry.Branch, true); err != nil {
			return fmt.Errorf("push retry after ref-lock: %w", err)
		}
	}

	// 7. Ensure PR exists.
	if view == nil {
		createRes, err := gh.Create(ctx, base, entry.Branch, shellSafeTitle(entry), "opened by conveyor")
		if err != nil {
			return fmt.Errorf("creating PR: %w", err)
		}
		if !createRes.OK() {
			if createRes.HasFailure(review.FailureNoCommitsBetween) {
				return c.markMerged(entry)
			}
			return c.exclude(entry, "cannot create PR: "+createRes.Combined())
		}
		entry.FreshlyPushedAt = timePtr(time.Now())
		return c.Store.UpdateQueueEntry(entry)
	}

	if entry.FreshlyPushedAt != nil && time.Since(*entry.FreshlyPushedAt) < time.Minute {
		// Freshly-pushed PRs skip the merge-readiness check this tick.
		return nil
	}

	if !repo.AutoMergeEnable {
		entry.Status = types.QueueStatusPendingReview
		return c.Store.UpdateQueueEntry(entry)
	}

	// 8. Merge readiness.
	view, viewResult, err = gh.View(ctx, entry.Branch)
	if err != nil {
		return fmt.Errorf("viewing PR: %w", err)
	}
	if !viewResult.OK() {
		return c.exclude(entry, "cannot view PR: "+viewResult.Combined())
	}

	switch view.Mergeable {
	case review.MergeableUnknown:
		entry.UnknownRetries++
		if entry.UnknownRetries <= maxUnknownRetries {
			return c.Store.UpdateQueueEntry(entry)
		}
		logger.Warn().Int64("task_id", entry.TaskID).Msg("mergeability still unknown after retry budget, forcing merge attempt")
	case review.MergeableNo:
		if err := c.routeToRebase(entry); err != nil {
			return err
		}
		return c.exclude(entry, "not mergeable, routed to rebase")
	}

	// 9. Squash-merge + delete branch.
	entry.Status = types.QueueStatusMerging
	_ = c.Store.UpdateQueueEntry(entry)

	mergeRes, err := gh.Merge(ctx, entry.Branch)
	if err != nil {
		return fmt.Errorf("merging PR: %w", err)
	}
	if !mergeRes.OK() {
		if mergeRes.HasFailure(review.FailureNoCommitsBetween) {
			return c.markMerged(entry)
		}
		metrics.MergesTotal.WithLabelValues("failed").Inc()
		if mergeRes.HasFailure(review.FailureNotMergeable) || mergeRes.HasFailure(review.FailureCannotCreatePR) {
			if err := c.routeToRebase(entry); err != nil {
				return err
			}
			return c.exclude(entry, "merge failed, routed to rebase: "+mergeRes.Combined())
		}
		return c.exclude(entry, "merge failed: "+mergeRes.Combined())
	}

	if err := c.markMerged(entry); err != nil {
		return err
	}

	// 10. Pull base + housekeeping.
	if _, err := g.Checkout(ctx, base); err != nil {
		logger.Warn().Err(err).Msg("checkout base for housekeeping failed")
	}
	if _, err := g.Pull(ctx); err != nil {
		logger.Warn().Err(err).Msg("pull base for housekeeping failed")
	}
	metrics.MergesTotal.WithLabelValues("merged").Inc()
	return nil
}

func (c *Coordinator) exclude(entry *types.QueueEntry, reason string) error {
	entry.Status = types.QueueStatusExcluded
	entry.FailureReason = reason
	entry.UpdatedAt = time.Now()
	if err := c.Store.UpdateQueueEntry(entry); err != nil {
		return fmt.Errorf("marking entry excluded: %w", err)
	}
	metrics.MergesTotal.WithLabelValues("excluded").Inc()
	return nil
}

func (c *Coordinator) markMerged(entry *types.QueueEntry) error {
	entry.Status = types.QueueStatusMerged
	entry.UpdatedAt = time.Now()
	if err := c.Store.UpdateQueueEntry(entry); err != nil {
		return fmt.Errorf("marking entry merged: %w", err)
	}
	task, err := c.Store.GetTask(entry.TaskID)
	if err != nil {
		return fmt.Errorf("loading task for merge: %w", err)
	}
	task.Status = types.TaskStatusMerged
	task.UpdatedAt = time.Now()
	return c.Store.UpdateTask(task)
}

// routeToRebase sends the task back through the rebase phase; the queue
// entry itself is excluded from further driving by the caller once this
// succeeds, since the Phase Executor will re-enqueue it after a successful
// rebase.
func (c *Coordinator) routeToRebase(entry *types.QueueEntry) error {
	task, err := c.Store.GetTask(entry.TaskID)
	if err != nil {
		return fmt.Errorf("loading task for rebase routing: %w", err)
	}
	task.Status = "rebase"
	task.UpdatedAt = time.Now()
	return c.Store.UpdateTask(task)
}

func shellSafeTitle(entry *types.QueueEntry) string {
	return fmt.Sprintf("conveyor: task %d", entry.TaskID)
}

func timePtr(t time.Time) *time.Time { return &t }
