// Package agent is the Agent Runner: it assembles prompts, spawns the agent
// subprocess through a sandbox.Driver (or the host driver for recovery
// agents), streams its NDJSON event log, and enforces a wall-clock timeout
// via a watchdog goroutine that kills the subprocess by name on expiry.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/conveyor/pkg/log"
	"github.com/cuemby/conveyor/pkg/sandbox"
)

// Event is one line of the agent's NDJSON output stream.
type Event struct {
	Type      string `json:"type"`
	Result    string `json:"result,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// Invocation describes one call into the Agent Runner.
type Invocation struct {
	// TaskID identifies the task this invocation belongs to, used to name
	// the sandbox container and to tag the watchdog's log lines.
	TaskID int64
	// WorkDir is the worktree (or repo checkout) the agent operates in.
	WorkDir string
	// SessionDir is the per-task directory persisted across phases for
	// session continuity; created if absent.
	SessionDir string
	// SystemPrompt and Instruction make up the assembled prompt text; the
	// Phase Executor has already substituted {{ERROR}} and prepended task
	// context / file listings per the phase's flags.
	SystemPrompt string
	Instruction  string
	AllowedTools []string
	// SessionID, if non-empty, continues a prior session rather than
	// starting fresh.
	SessionID string
	// Image is the sandbox image to run the agent binary in; empty means
	// run on the host via driver.
	Image string
	Env   []string
	// MemoryLimitBytes bounds the sandbox container; ignored by the host
	// driver.
	MemoryLimitBytes int64
	// Timeout is the absolute wall-clock deadline for this invocation.
	Timeout time.Duration
	// StreamSink, if non-nil, receives each line of agent output live.
	StreamSink func(line string)
}

// Outcome is what the Phase Executor receives back from an invocation.
type Outcome struct {
	FinalText    string
	EventLog     []Event
	NewSessionID string
	ExitCode     int
	TimedOut     bool
}

// Runner drives agent invocations through a sandbox.Driver.
type Runner struct {
	Sandboxed sandbox.Driver
	Host      sandbox.Driver
}

// NewRunner builds a Runner from the two driver implementations: sandboxed
// for ordinary agent phases, host for rebase-conflict recovery agents that
// must see the worktree left behind by a failed rebase.
func NewRunner(sandboxed, host sandbox.Driver) *Runner {
	return &Runner{Sandboxed: sandboxed, Host: host}
}

const namePrefix = "conveyor-agent-"

// ContainerName returns the sandbox/host name this invocation's process is
// addressed by, used both at spawn time and by the watchdog's kill call.
func ContainerName(taskID int64, phase string) string {
	return fmt.Sprintf("%s%d-%s", namePrefix, taskID, phase)
}

// Invoke assembles the prompt, spawns the subprocess under a watchdog, folds
// its NDJSON stream, and returns the accumulated outcome. It never returns a
// Go error for the agent's own failure — a non-zero exit or a timeout is
// still a well-formed Outcome, per the scheduler's error handling design
// that reserves errors for environment-level failures.
func (r *Runner) Invoke(ctx context.Context, inv Invocation) (Outcome, error) {
	if err := os.MkdirAll(inv.SessionDir, 0755); err != nil {
		return Outcome{}, fmt.Errorf("creating session dir: %w", err)
	}

	prompt := assemblePrompt(inv)
	name := ContainerName(inv.TaskID, filepath.Base(inv.WorkDir))

	driver := r.Sandboxed
	if inv.Image == "" {
		driver = r.Host
	}

	runCtx, cancel := context.WithTimeout(ctx, inv.Timeout)
	defer cancel()

	watchdogLogger := log.WithTaskID(inv.TaskID)
	watchdogDone := make(chan struct{})
	watchdogExited := make(chan struct{})
	go func() {
		defer close(watchdogExited)
		select {
		case <-runCtx.Done():
			if runCtx.Err() == context.DeadlineExceeded {
				watchdogLogger.Warn().Str("container", name).Msg("agent invocation timed out, killing")
				killCtx, killCancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer killCancel()
				if err := driver.Kill(killCtx, name); err != nil {
					watchdogLogger.Error().Err(err).Msg("failed to kill timed-out agent")
				}
			}
		case <-watchdogDone:
		}
	}()

	spec := sandbox.RunSpec{
		Image:            inv.Image,
		Name:             name,
		Env:              append(append([]string{}, inv.Env...), "CONVEYOR_SESSION_DIR="+inv.SessionDir),
		Binds:            []sandbox.Mount{{Source: inv.WorkDir, Destination: "/workspace"}, {Source: inv.SessionDir, Destination: "/session"}},
		MemoryLimitBytes: inv.MemoryLimitBytes,
		Stdin:            []byte(prompt),
		StreamSink:       inv.StreamSink,
	}

	result, err := driver.Run(runCtx, spec)
	close(watchdogDone)
	<-watchdogExited

	timedOut := runCtx.Err() == context.DeadlineExceeded
	if err != nil && !timedOut {
		return Outcome{}, fmt.Errorf("agent invocation: %w", err)
	}

	outcome := foldEventLog(result.Stdout)
	outcome.ExitCode = result.ExitCode
	outcome.TimedOut = timedOut
	return outcome, nil
}

// assemblePrompt joins the system prompt, the instruction text, and the
// session-continuity directive into the single stdin payload the agent
// binary reads.
func assemblePrompt(inv Invocation) string {
	var b strings.Builder
	if inv.SystemPrompt != "" {
		b.WriteString(inv.SystemPrompt)
		b.WriteString("\n\n")
	}
	b.WriteString(inv.Instruction)
	if inv.SessionID != "" {
		b.WriteString("\n\n[continuing session ")
		b.WriteString(inv.SessionID)
		b.WriteString("]")
	}
	if len(inv.AllowedTools) > 0 {
		b.WriteString("\n\n[allowed tools: ")
		b.WriteString(strings.Join(inv.AllowedTools, ", "))
		b.WriteString("]")
	}
	return b.String()
}

// foldEventLog parses NDJSON output line by line: a result event overwrites
// the accumulated final text and may carry a new session id; a system event
// updates the session id only; invalid or empty lines are skipped rather
// than treated as a parse failure, since a single malformed line from a
// streaming agent should not discard everything collected so far.
func foldEventLog(stdout string) Outcome {
	var out Outcome
	scanner := bufio.NewScanner(strings.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out.EventLog = append(out.EventLog, ev)
		switch ev.Type {
		case "result":
			out.FinalText = ev.Result
			if ev.SessionID != "" {
				out.NewSessionID = ev.SessionID
			}
		case "system":
			if ev.SessionID != "" {
				out.NewSessionID = ev.SessionID
			}
		}
	}
	return out
}
