// Package phase is the Phase Executor: given a task and its mode, it looks
// up the phase matching the task's status and dispatches by phase type —
// setup, agent, or rebase — rather than matching on the phase name string.
package phase

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/cuemby/conveyor/pkg/agent"
	"github.com/cuemby/conveyor/pkg/log"
	"github.com/cuemby/conveyor/pkg/metrics"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
	"github.com/cuemby/conveyor/pkg/vcs"
	"github.com/rs/zerolog"
)

// errorTailBytes bounds how much of last_error is carried into the next
// prompt's {{ERROR}} substitution and how much is persisted at all.
const errorTailBytes = 4000

// Result is what the Dispatcher's worker does next after one phase run.
type Result struct {
	// Terminal is true once the task reached done/merged/failed and the
	// worker should exit rather than loop to the next phase.
	Terminal bool
	// Enqueue is set when a git_pr-mode task just produced a branch ready
	// for the Integration Coordinator.
	Enqueue bool
}

// Executor drives one phase of one task to completion.
type Executor struct {
	Store  storage.Store
	Agents *agent.Runner
	// AgentImage is the sandbox image regular agent phases run in; empty
	// runs on the host.
	AgentImage string
	// AgentEnv supplies OAuth token / model / author identity passed to
	// every agent invocation's environment.
	AgentEnv []string
	// AgentMemoryLimitBytes bounds each sandboxed agent container.
	AgentMemoryLimitBytes int64
	// AgentTimeout is the wall-clock deadline per agent invocation.
	AgentTimeout time.Duration
	// StreamSink, if non-nil, receives live agent output lines, tagged by
	// task id by the caller if it cares.
	StreamSink func(taskID int64, line string)
	// RepoBaseBranch maps a watched repository's path to its configured
	// base branch (e.g. "main" or "master"); a repo absent from the map
	// defaults to "main".
	RepoBaseBranch map[string]string
}

var qaFixPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\w+_test\.\w+\b`),
	regexp.MustCompile(`/tests?/`),
	regexp.MustCompile(`panic:.*_test\.`),
	regexp.MustCompile(`segmentation fault`),
}

// looksLikeTestCodeFailure applies the has_qa_fix_routing heuristic: a
// compile error mentioning a _test-suffixed file, a path under /tests/, a
// panic mentioning a test file, or a segmentation fault.
func looksLikeTestCodeFailure(output string) bool {
	for _, p := range qaFixPatterns {
		if p.MatchString(output) {
			return true
		}
	}
	return false
}

func truncateTail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// Execute runs the phase matching task.Status to completion (one attempt),
// persisting any state changes before returning.
func (e *Executor) Execute(ctx context.Context, task *types.Task, mode types.Mode) (Result, error) {
	logger := log.WithTaskID(task.ID).With().Str("status", string(task.Status)).Logger()

	ph, ok := mode.Phase(string(task.Status))
	if !ok {
		task.Status = types.TaskStatusFailed
		task.LastError = fmt.Sprintf("unknown phase %q for mode %q", task.Status, mode.Name)
		_ = e.Store.UpdateTask(task)
		logger.Error().Msg("structural failure: unknown phase")
		return Result{Terminal: true}, nil
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.PhaseDuration, string(ph.Type))

	switch ph.Type {
	case types.PhaseTypeSetup:
		return e.runSetup(ctx, task, mode, ph)
	case types.PhaseTypeAgent:
		return e.runAgent(ctx, task, mode, ph)
	case types.PhaseTypeRebase:
		return e.runRebase(ctx, task, mode, ph)
	default:
		task.Status = types.TaskStatusFailed
		task.LastError = fmt.Sprintf("unknown phase type %q", ph.Type)
		_ = e.Store.UpdateTask(task)
		return Result{Terminal: true}, nil
	}
}

func worktreePath(repoPath string, taskID int64) string {
	return filepath.Join(repoPath, ".worktrees", fmt.Sprintf("task-%d", taskID))
}

func branchName(taskID int64) string {
	return fmt.Sprintf("task-%d", taskID)
}

// runSetup creates the worktree for the task, cleaning up anything left
// from a prior failed attempt unconditionally — a healthy-but-stale
// worktree is removed the same way a corrupted one is, for a single
// uniform recovery path.
func (e *Executor) runSetup(ctx context.Context, task *types.Task, mode types.Mode, ph types.Phase) (Result, error) {
	logger := log.WithTaskID(task.ID)
	g := vcs.New(task.RepoPath)
	wt := worktreePath(task.RepoPath, task.ID)
	branch := branchName(task.ID)

	if _, err := g.Fetch(ctx, "origin"); err != nil {
		logger.Warn().Err(err).Msg("fetch failed during setup")
	}

	if _, err := os.Stat(wt); err == nil {
		if _, rmErr := g.WorktreeRemove(ctx, wt); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("worktree remove failed, forcing directory removal")
		}
		_, _ = g.WorktreePrune(ctx)
		_ = os.RemoveAll(wt)
	}
	_, _ = g.BranchDelete(ctx, branch)

	result, err := g.WorktreeAdd(ctx, wt, branch, "origin/"+e.baseBranch(task.RepoPath))
	if err != nil || !result.OK() {
		task.LastError = truncateTail(result.Combined(), errorTailBytes)
		_ = e.Store.UpdateTask(task)
		logger.Error().Str("stderr", result.Stderr).Msg("setup failed to create worktree")
		return Result{}, nil
	}

	task.Branch = branch
	task.Status = types.TaskStatus(ph.Next)
	task.UpdatedAt = time.Now()
	if err := e.Store.UpdateTask(task); err != nil {
		return Result{}, fmt.Errorf("persisting task after setup: %w", err)
	}
	return Result{}, nil
}

// baseBranch resolves repoPath's configured base branch, defaulting to
// "main" for repositories absent from RepoBaseBranch.
func (e *Executor) baseBranch(repoPath string) string {
	if b, ok := e.RepoBaseBranch[repoPath]; ok && b != "" {
		return b
	}
	return "main"
}

// runAgent executes the full agent-phase contract described in the
// component design: idempotence gate, prompt assembly, session continuity,
// invocation, persistence, artifact check, commit step, test step.
func (e *Executor) runAgent(ctx context.Context, task *types.Task, mode types.Mode, ph types.Phase) (Result, error) {
	logger := log.WithTaskID(task.ID)
	wt := worktreePath(task.RepoPath, task.ID)
	g := vcs.New(wt)

	// 1. Idempotence gate.
	if ph.Flags.RunsTests && mode.Policy.UsesTestCommand {
		res, testErr := runTestCommand(ctx, wt, mode.Policy.TestCommand)
		if testErr == nil && res.OK() {
			diff, _ := g.DiffStat(ctx, "origin/"+e.baseBranch(task.RepoPath))
			if strings.TrimSpace(diff.Stdout) != "" {
				return e.advanceToDoneOrEnqueue(task, mode, ph, wt, g, ctx)
			}
			task.Status = types.TaskStatusMerged
			task.UpdatedAt = time.Now()
			_ = e.Store.UpdateTask(task)
			return Result{Terminal: true}, nil
		}
	}

	// 2. Prompt assembly.
	instruction := ph.Instruction
	if ph.Flags.IncludeTaskContext {
		instruction = fmt.Sprintf("Task: %s\n\n%s\n\n%s", task.Title, task.Description, instruction)
	}
	if ph.Flags.IncludeFileListing {
		instruction = instruction + "\n\n" + fileListing(wt)
	}
	if ph.ErrorInstruction != "" && task.LastError != "" {
		instruction = instruction + "\n\n" + strings.ReplaceAll(ph.ErrorInstruction, "{{ERROR}}", truncateTail(task.LastError, errorTailBytes))
	}

	// 3. Session continuity.
	sessionID := task.SessionID
	if ph.Flags.FreshSession {
		sessionID = ""
	}

	image := ""
	if ph.Flags.UseDocker {
		image = e.AgentImage
	}

	var sink func(string)
	if e.StreamSink != nil {
		sink = func(line string) { e.StreamSink(task.ID, line) }
	}

	// 4. Invocation.
	outcome, err := e.Agents.Invoke(ctx, agent.Invocation{
		TaskID:           task.ID,
		WorkDir:          wt,
		SessionDir:       filepath.Join(task.RepoPath, ".sessions", fmt.Sprintf("task-%d", task.ID)),
		SystemPrompt:     ph.SystemPrompt,
		Instruction:      instruction,
		AllowedTools:     ph.AllowedTools,
		SessionID:        sessionID,
		Image:            image,
		Env:              e.AgentEnv,
		MemoryLimitBytes: e.AgentMemoryLimitBytes,
		Timeout:          e.AgentTimeout,
		StreamSink:       sink,
	})
	if err != nil {
		return Result{}, fmt.Errorf("agent invocation: %w", err)
	}

	// 5. Persistence.
	if outcome.NewSessionID != "" {
		task.SessionID = outcome.NewSessionID
	}
	_ = e.Store.AppendTaskOutput(&types.TaskOutput{
		TaskID:    task.ID,
		Phase:     string(task.Status),
		Text:      outcome.FinalText,
		CreatedAt: time.Now(),
	})

	// 6. Artifact check.
	if ph.RequiredArtifact != "" {
		if _, statErr := os.Stat(filepath.Join(wt, ph.RequiredArtifact)); statErr != nil && strings.TrimSpace(outcome.FinalText) == "" {
			return e.retryOrFail(task, mode, ph, fmt.Sprintf("required artifact %q missing and no text output", ph.RequiredArtifact), logger)
		}
	}

	// 7. Commit step.
	if ph.Flags.Commits {
		_, _ = g.Add(ctx, "-A")
		commitRes, commitErr := g.Commit(ctx, fmt.Sprintf("%s: %s", task.Status, task.Title), "conveyor-agent", "agent@conveyor.local")
		nothingToCommit := commitErr == nil && !commitRes.OK() && strings.Contains(commitRes.Combined(), "nothing to commit")
		if nothingToCommit {
			artifactPresent := ph.RequiredArtifact != ""
			if _, statErr := os.Stat(filepath.Join(wt, ph.RequiredArtifact)); statErr != nil {
				artifactPresent = false
			}
			if !artifactPresent && !ph.Flags.AllowNoChanges {
				return e.retryOrFail(task, mode, ph, "nothing to commit", logger)
			}
		}
	}

	// 8/9. Test step (or immediate advance if the phase runs no tests).
	if !ph.Flags.RunsTests {
		task.Status = types.TaskStatus(ph.Next)
		task.UpdatedAt = time.Now()
		if err := e.Store.UpdateTask(task); err != nil {
			return Result{}, fmt.Errorf("persisting task: %w", err)
		}
		if task.Status == types.TaskStatusDone && mode.Policy.IntegrationStyle == "git_pr" {
			return e.pushAndEnqueue(ctx, task, g)
		}
		return Result{}, nil
	}

	return e.advanceToDoneOrEnqueue(task, mode, ph, wt, g, ctx)
}

func (e *Executor) advanceToDoneOrEnqueue(task *types.Task, mode types.Mode, ph types.Phase, wt string, g *vcs.Git, ctx context.Context) (Result, error) {
	res, err := runTestCommand(ctx, wt, mode.Policy.TestCommand)
	logger := log.WithTaskID(task.ID)
	if err != nil {
		return Result{}, fmt.Errorf("running test command: %w", err)
	}
	if res.OK() {
		task.Status = types.TaskStatus(ph.Next)
		task.UpdatedAt = time.Now()
		if err := e.Store.UpdateTask(task); err != nil {
			return Result{}, fmt.Errorf("persisting task: %w", err)
		}
		if task.Status == types.TaskStatusDone && mode.Policy.IntegrationStyle == "git_pr" {
			return e.pushAndEnqueue(ctx, task, g)
		}
		return Result{}, nil
	}
	return e.retryOrFail(task, mode, ph, res.Combined(), logger)
}

// retryOrFail implements the failure edge of the test step: store
// last_error, increment attempt, fail at budget, else stay on the current
// phase for the retry. A failure that looks like test-code breakage under
// has_qa_fix_routing only clears the session; status is not moved to a
// separate QA-fix phase.
func (e *Executor) retryOrFail(task *types.Task, mode types.Mode, ph types.Phase, output string, logger zerolog.Logger) (Result, error) {
	task.LastError = truncateTail(output, errorTailBytes)
	task.Attempt++
	task.UpdatedAt = time.Now()

	if task.BudgetExhausted() {
		task.Status = types.TaskStatusFailed
		metrics.TasksFailedTotal.Inc()
		if err := e.Store.UpdateTask(task); err != nil {
			return Result{}, fmt.Errorf("persisting failed task: %w", err)
		}
		logger.Error().Int("attempt", task.Attempt).Msg("task failed: attempt budget exhausted")
		return Result{Terminal: true}, nil
	}

	if ph.Flags.HasQAFixRouting && ph.FixInstruction != "" && looksLikeTestCodeFailure(output) {
		// No distinct QA-fix phase exists to move status to: Phase carries
		// no such target field, so this stays on the current phase name and
		// only forces a fresh session. The next attempt's prompt assembly
		// still builds from ph.ErrorInstruction + the stored LastError, the
		// same as any other retry; ph.FixInstruction only gates this branch
		// (its text feeds runHostFixAgent's rebase-recovery path).
		task.SessionID = ""
		logger.Info().Msg("test failure looks like test-code, not product code: forcing a fresh session for the retry")
	}

	if err := e.Store.UpdateTask(task); err != nil {
		return Result{}, fmt.Errorf("persisting retried task: %w", err)
	}
	return Result{}, nil
}

// pushAndEnqueue pushes the task's branch and creates a queued entry for
// the Integration Coordinator, then removes the now-unneeded worktree.
func (e *Executor) pushAndEnqueue(ctx context.Context, task *types.Task, g *vcs.Git) (Result, error) {
	logger := log.WithTaskID(task.ID)
	if _, err := g.Push(ctx, "origin", task.Branch, false); err != nil {
		task.LastError = fmt.Sprintf("push failed: %v", err)
		_ = e.Store.UpdateTask(task)
		return Result{}, nil
	}

	entry := &types.QueueEntry{
		TaskID:    task.ID,
		Branch:    task.Branch,
		RepoPath:  task.RepoPath,
		Status:    types.QueueStatusQueued,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.Store.CreateQueueEntry(entry); err != nil {
		return Result{}, fmt.Errorf("enqueueing task: %w", err)
	}

	wt := worktreePath(task.RepoPath, task.ID)
	rootGit := vcs.New(task.RepoPath)
	if _, err := rootGit.WorktreeRemove(ctx, wt); err != nil {
		logger.Warn().Err(err).Msg("failed to remove worktree after enqueue")
	}
	_ = os.RemoveAll(wt)

	return Result{Enqueue: true}, nil
}

// runRebase handles a task the Integration Coordinator routed back for a
// rebase attempt: recreate the worktree if missing, fetch and rebase onto
// the base tip, spawn a host-side fix agent on conflict, verify the
// ancestor post-condition, then re-test and push.
func (e *Executor) runRebase(ctx context.Context, task *types.Task, mode types.Mode, ph types.Phase) (Result, error) {
	logger := log.WithTaskID(task.ID)
	wt := worktreePath(task.RepoPath, task.ID)

	if needsRecreate(wt) {
		rootGit := vcs.New(task.RepoPath)
		_ = os.RemoveAll(wt)
		if _, err := rootGit.WorktreeAdd(ctx, wt, task.Branch, task.Branch); err != nil {
			task.LastError = fmt.Sprintf("rebase worktree recreation failed: %v", err)
			_ = e.Store.UpdateTask(task)
			return Result{}, nil
		}
	}

	g := vcs.New(wt)
	if _, err := g.Fetch(ctx, "origin"); err != nil {
		logger.Warn().Err(err).Msg("fetch failed before rebase")
	}

	rebaseRes, err := g.Rebase(ctx, "origin/"+e.baseBranch(task.RepoPath))
	if err != nil {
		return Result{}, fmt.Errorf("rebase: %w", err)
	}

	if !rebaseRes.OK() {
		_, _ = g.RebaseAbort(ctx)
		if fixErr := e.runHostFixAgent(ctx, task, ph, wt, rebaseRes.Combined()); fixErr != nil {
			return e.retryOrFail(task, mode, ph, fixErr.Error(), logger)
		}
	}

	ancestor, err := g.IsAncestor(ctx, "origin/"+e.baseBranch(task.RepoPath), "HEAD")
	if err != nil {
		return Result{}, fmt.Errorf("checking ancestor: %w", err)
	}
	if !ancestor {
		return e.retryOrFail(task, mode, ph, "rebase did not produce an ancestor of base", logger)
	}

	testRes, err := runTestCommand(ctx, wt, mode.Policy.TestCommand)
	if err != nil {
		return Result{}, fmt.Errorf("running tests after rebase: %w", err)
	}
	if !testRes.OK() {
		if fixErr := e.runHostFixAgent(ctx, task, ph, wt, testRes.Combined()); fixErr != nil {
			return e.retryOrFail(task, mode, ph, fixErr.Error(), logger)
		}
		testRes, err = runTestCommand(ctx, wt, mode.Policy.TestCommand)
		if err != nil {
			return Result{}, fmt.Errorf("re-running tests after fix agent: %w", err)
		}
		if !testRes.OK() {
			return e.retryOrFail(task, mode, ph, testRes.Combined(), logger)
		}
	}

	pushRes, err := g.Push(ctx, "origin", task.Branch, true)
	if err != nil {
		return Result{}, fmt.Errorf("force push after rebase: %w", err)
	}
	if !pushRes.OK() && strings.Contains(pushRes.Combined(), "cannot lock ref") {
		_, _ = g.PushDelete(ctx, "origin", task.Branch)
		pushRes, err = g.Push(ctx, "origin", task.Branch, true)
		if err != nil {
			return Result{}, fmt.Errorf("force push retry after ref-lock: %w", err)
		}
	}
	if !pushRes.OK() {
		return e.retryOrFail(task, mode, ph, pushRes.Combined(), logger)
	}

	entry := &types.QueueEntry{
		TaskID:    task.ID,
		Branch:    task.Branch,
		RepoPath:  task.RepoPath,
		Status:    types.QueueStatusQueued,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	if err := e.Store.CreateQueueEntry(entry); err != nil {
		return Result{}, fmt.Errorf("re-enqueueing task after rebase: %w", err)
	}
	return Result{Enqueue: true}, nil
}

// needsRecreate reports whether the worktree is missing or has a corrupted
// .git (a directory rather than the file git worktrees normally leave).
func needsRecreate(wt string) bool {
	info, err := os.Stat(wt)
	if err != nil {
		return true
	}
	if !info.IsDir() {
		return true
	}
	gitInfo, err := os.Stat(filepath.Join(wt, ".git"))
	if err != nil {
		return true
	}
	return gitInfo.IsDir()
}

// runHostFixAgent spawns a single host-side recovery agent in the worktree
// left behind by a failed rebase or test run, passing the failure output as
// the {{ERROR}} substitution into the phase's fix instruction.
func (e *Executor) runHostFixAgent(ctx context.Context, task *types.Task, ph types.Phase, wt, failureOutput string) error {
	if ph.FixInstruction == "" {
		return fmt.Errorf("no fix instruction configured: %s", truncateTail(failureOutput, 500))
	}
	instruction := strings.ReplaceAll(ph.FixInstruction, "{{ERROR}}", truncateTail(failureOutput, errorTailBytes))
	outcome, err := e.Agents.Invoke(ctx, agent.Invocation{
		TaskID:       task.ID,
		WorkDir:      wt,
		SessionDir:   filepath.Join(task.RepoPath, ".sessions", fmt.Sprintf("task-%d-fix", task.ID)),
		SystemPrompt: ph.SystemPrompt,
		Instruction:  instruction,
		Image:        "", // host driver: must see the worktree a failed rebase left behind
		Env:          e.AgentEnv,
		Timeout:      e.AgentTimeout,
	})
	if err != nil {
		return err
	}
	if outcome.ExitCode != 0 {
		return fmt.Errorf("fix agent exited %d: %s", outcome.ExitCode, truncateTail(outcome.FinalText, 500))
	}
	return nil
}

// runTestCommand runs the mode's configured test command in dir via the
// shell, capturing stdout and stderr concurrently — the pipe deadlock rule
// applies here exactly as it does in pkg/vcs, and for the same reason
// exec.Cmd.Run drains both *bytes.Buffer targets on its own goroutines.
func runTestCommand(ctx context.Context, dir, command string) (vcs.Result, error) {
	if command == "" {
		return vcs.Result{ExitCode: 0}, nil
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := vcs.Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if exitErr, ok := err.(*exec.ExitError); ok {
		result.ExitCode = exitErr.ExitCode()
		return result, nil
	}
	if err != nil {
		return result, fmt.Errorf("running test command: %w", err)
	}
	return result, nil
}

func fileListing(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("Files:\n")
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(entry.Name())
		b.WriteString("\n")
	}
	return b.String()
}
