// Package scheduler is the Tick Loop: the single driver goroutine that
// wires the Task Dispatcher, the Integration Coordinator, and a handful of
// periodic background jobs (backlog seeding, proposal triage and
// auto-promotion, repository health checks, self-update) into one
// repeatedly-ticking cycle, with cooperative startup recovery and shutdown.
package scheduler

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/conveyor/pkg/agent"
	"github.com/cuemby/conveyor/pkg/dispatcher"
	"github.com/cuemby/conveyor/pkg/events"
	"github.com/cuemby/conveyor/pkg/health"
	"github.com/cuemby/conveyor/pkg/integration"
	"github.com/cuemby/conveyor/pkg/log"
	"github.com/cuemby/conveyor/pkg/metrics"
	"github.com/cuemby/conveyor/pkg/notify"
	"github.com/cuemby/conveyor/pkg/proposal"
	"github.com/cuemby/conveyor/pkg/sandbox"
	"github.com/cuemby/conveyor/pkg/seed"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/vcs"
	"github.com/rs/zerolog"
)

// job is one periodic background task gated by its own minimum interval.
type job struct {
	name        string
	minInterval time.Duration
	lastRun     time.Time
	run         func(ctx context.Context) error
}

// RepoHealthConfig pairs a repository with the health checkers that gate
// its seeding eligibility.
type RepoHealthConfig struct {
	RepoPath        string
	Checker         health.Checker
	FailureMax      int
	consecutiveFail int
	excluded        bool
}

// Scheduler is the Tick Loop driver.
type Scheduler struct {
	Store        storage.Store
	Dispatcher   *dispatcher.Dispatcher
	Integration  *integration.Coordinator
	Seed         *seed.Importer
	WatchedRepos []seed.WatchedRepo
	RepoTriage   map[string]proposal.Thresholds
	RepoHealth   []*RepoHealthConfig
	Notifier     notify.Notifier
	Events       *events.Broker

	// TickInterval governs how often the loop wakes to run the dispatcher
	// and fire any due periodic job.
	TickInterval time.Duration
	// ReleaseInterval is the minimum gap between Integration Coordinator
	// runs; enforced as a job's own min interval.
	ReleaseInterval time.Duration

	// SelfUpdate, if Enabled and RepoPath is non-empty, is checked on its
	// own interval; when it reports an advance, RestartRequested is
	// signalled and the caller (cmd/conveyor's serve loop) is expected to
	// exit the process for the host supervisor to restart it.
	SelfUpdate       SelfUpdateConfig
	RestartRequested chan struct{}

	logger zerolog.Logger
	mu     sync.Mutex
	jobs   []*job

	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// SelfUpdateConfig mirrors pkg/config.SelfUpdateConfig's fields with a
// time.Duration check interval; kept as its own type so pkg/scheduler does
// not need to import pkg/config.
type SelfUpdateConfig struct {
	Enabled       bool
	RepoPath      string
	BaseBranch    string
	UpdateScript  string
	CheckInterval time.Duration
}

// New builds a Scheduler with its periodic jobs registered.
func New(s *Scheduler) *Scheduler {
	s.logger = log.WithComponent("scheduler")
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	s.jobs = []*job{
		{name: "integration", minInterval: s.ReleaseInterval, run: s.runIntegration},
		{name: "seed", minInterval: 5 * time.Minute, run: s.runSeed},
		{name: "proposal_triage", minInterval: 5 * time.Minute, run: s.runProposalTriage},
		{name: "repo_health", minInterval: time.Minute, run: s.runRepoHealth},
	}
	if s.SelfUpdate.Enabled && s.SelfUpdate.RepoPath != "" {
		interval := s.SelfUpdate.CheckInterval
		if interval <= 0 {
			interval = 5 * time.Minute
		}
		s.jobs = append(s.jobs, &job{name: "self_update", minInterval: interval, run: s.runSelfUpdate})
	}
	return s
}

// Start begins the tick loop on its own goroutine after running startup
// recovery: clearing stale dispatch locks and killing orphaned sandbox
// containers left by an unclean prior shutdown.
func (s *Scheduler) Start(ctx context.Context, sandboxDriver sandbox.Driver) error {
	if err := s.recoverFromRestart(ctx, sandboxDriver); err != nil {
		s.logger.Error().Err(err).Msg("startup recovery failed, continuing anyway")
	}

	if s.Events != nil {
		s.Events.Start()
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
	return nil
}

// publish sends ev to the event broker if one is configured; a nil Events
// field means no collaborator is subscribed, and publishing is a no-op.
func (s *Scheduler) publish(eventType events.EventType, taskID int64, message string) {
	if s.Events == nil {
		return
	}
	s.Events.Publish(&events.Event{Type: eventType, TaskID: taskID, Message: message})
}

// recoverFromRestart clears every task's dispatch lock — recoverable on
// restart per the error handling design, since a crashed worker leaves its
// task's dispatched_at set with nobody left to clear it.
func (s *Scheduler) recoverFromRestart(ctx context.Context, sandboxDriver sandbox.Driver) error {
	if err := s.Store.ClearAllDispatched(); err != nil {
		return err
	}

	tasks, err := s.Store.ListActiveTasks(0)
	if err != nil {
		return err
	}
	if sandboxDriver == nil {
		return nil
	}
	for _, t := range tasks {
		name := agent.ContainerName(t.ID, fmt.Sprintf("task-%d", t.ID))
		_ = sandboxDriver.Kill(ctx, name)
	}
	return nil
}

// run is the driver loop: each iteration dispatches, fires any periodic job
// whose interval has elapsed, then sleeps for TickInterval. It never
// suspends except in that sleep, and shutdown is cooperative via stopCh.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	interval := s.TickInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	if err := s.Dispatcher.Dispatch(ctx); err != nil {
		s.logger.Error().Err(err).Msg("dispatch cycle failed")
	}

	now := time.Now()
	for _, j := range s.jobs {
		if j.run == nil {
			continue
		}
		if !j.lastRun.IsZero() && now.Sub(j.lastRun) < j.minInterval {
			continue
		}
		if err := j.run(ctx); err != nil {
			s.logger.Error().Err(err).Str("job", j.name).Msg("periodic job failed")
		}
		j.lastRun = now
	}
}

func (s *Scheduler) runIntegration(ctx context.Context) error {
	if s.Integration == nil {
		return nil
	}
	return s.Integration.Run(ctx)
}

func (s *Scheduler) runSeed(ctx context.Context) error {
	if s.Seed == nil {
		return nil
	}
	return s.Seed.ImportWatched(s.seedableRepos())
}

// seedableRepos returns WatchedRepos with any repository currently excluded
// by runRepoHealth filtered out, so a repo past its failure threshold stops
// getting new backlog tasks until its health check recovers.
func (s *Scheduler) seedableRepos() []seed.WatchedRepo {
	if len(s.RepoHealth) == 0 {
		return s.WatchedRepos
	}
	excluded := make(map[string]bool, len(s.RepoHealth))
	for _, rh := range s.RepoHealth {
		if rh.excluded {
			excluded[rh.RepoPath] = true
		}
	}
	if len(excluded) == 0 {
		return s.WatchedRepos
	}
	repos := make([]seed.WatchedRepo, 0, len(s.WatchedRepos))
	for _, r := range s.WatchedRepos {
		if excluded[r.Path] {
			continue
		}
		repos = append(repos, r)
	}
	return repos
}

func (s *Scheduler) runProposalTriage(ctx context.Context) error {
	for repoPath, thresholds := range s.RepoTriage {
		triage := proposal.Triage{Store: s.Store}
		promoted, dismissed, err := triage.Run(repoPath, thresholds)
		if err != nil {
			return err
		}
		if promoted > 0 || dismissed > 0 {
			s.logger.Info().Str("repo", repoPath).Int("promoted", promoted).Int("dismissed", dismissed).Msg("proposal triage complete")
		}
		if promoted > 0 {
			s.publish(events.EventProposalPromoted, 0, fmt.Sprintf("%d proposal(s) promoted in %s", promoted, repoPath))
		}
	}
	return nil
}

// runRepoHealth runs each configured repository's health checker and
// tracks consecutive failures; a repository past its failure threshold is
// excluded from seeding (no new tasks) but in-flight tasks are unaffected.
func (s *Scheduler) runRepoHealth(ctx context.Context) error {
	for _, rh := range s.RepoHealth {
		if rh.Checker == nil {
			continue
		}
		result := rh.Checker.Check(ctx)
		if result.Healthy {
			rh.consecutiveFail = 0
			if rh.excluded {
				rh.excluded = false
				s.logger.Info().Str("repo", rh.RepoPath).Msg("repository health recovered, resuming seeding")
			}
			continue
		}
		rh.consecutiveFail++
		if rh.FailureMax > 0 && rh.consecutiveFail >= rh.FailureMax && !rh.excluded {
			rh.excluded = true
			s.logger.Warn().Str("repo", rh.RepoPath).Int("failures", rh.consecutiveFail).Msg("repository excluded from seeding after consecutive health failures")
			s.publish(events.EventQueueExcluded, 0, fmt.Sprintf("%s excluded from seeding after %d consecutive health failures", rh.RepoPath, rh.consecutiveFail))
		}
	}
	return nil
}

// runSelfUpdate is the periodic-job wrapper around SelfUpdateCheck: when an
// update was applied, it signals RestartRequested (non-blocking — the
// caller is expected to be selecting on it) so cmd/conveyor's serve loop
// can exit for the host supervisor to restart the process.
func (s *Scheduler) runSelfUpdate(ctx context.Context) error {
	base := s.SelfUpdate.BaseBranch
	if base == "" {
		base = "main"
	}
	updated, err := s.SelfUpdateCheck(ctx, s.SelfUpdate.RepoPath, base, s.SelfUpdate.UpdateScript)
	if err != nil {
		return err
	}
	if !updated {
		return nil
	}
	s.logger.Info().Msg("self-update applied, requesting restart")
	if s.RestartRequested != nil {
		select {
		case s.RestartRequested <- struct{}{}:
		default:
		}
	}
	return nil
}

// SelfUpdateCheck checks whether selfRepoPath's remote base branch has
// advanced past the commit recorded at the last self-update, and if so runs
// updateScript and returns true so the caller can exit for the host
// supervisor to restart the process. This is deliberately minimal: Conveyor
// does not implement its own rebuild pipeline or supervisor.
func (s *Scheduler) SelfUpdateCheck(ctx context.Context, selfRepoPath, baseBranch, updateScript string) (bool, error) {
	const stateKey = "self_update:commit"

	g := vcs.New(selfRepoPath)
	if _, err := g.Fetch(ctx, "origin"); err != nil {
		return false, err
	}
	result, err := g.RevParse(ctx, "origin/"+baseBranch)
	if err != nil {
		return false, err
	}
	if !result.OK() {
		return false, nil
	}
	remoteHead := trimNewline(result.Stdout)

	lastSeen, _, err := s.Store.GetState(stateKey)
	if err != nil {
		return false, err
	}
	if lastSeen == remoteHead {
		return false, nil
	}
	if err := s.Store.SetState(stateKey, remoteHead); err != nil {
		return false, err
	}
	if lastSeen == "" {
		// First time recording a commit, not an update to act on.
		return false, nil
	}
	if updateScript == "" {
		return false, nil
	}

	return true, runUpdateScript(ctx, selfRepoPath, updateScript)
}

// runUpdateScript shells out to the configured rebuild-and-restart script.
// Conveyor does not implement its own build pipeline or process supervisor;
// it trusts the operator-provided script to rebuild the binary and replace
// the running process (e.g. via systemd or a container orchestrator
// restart policy), the same way the teacher left deploy orchestration to an
// external agent rather than reimplementing it in-process.
func runUpdateScript(ctx context.Context, workDir, script string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", script)
	cmd.Dir = workDir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("self-update script failed: %w (stderr: %s)", err, stderr.String())
	}
	return nil
}

func trimNewline(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// Stop requests cooperative shutdown: clears the running flag and waits up
// to 30 seconds for in-flight dispatcher workers to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh

	done := make(chan struct{})
	go func() {
		s.Dispatcher.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("shutdown timed out waiting for workers to drain")
	}

	if s.Events != nil {
		s.Events.Stop()
	}
}
