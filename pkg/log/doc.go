/*
Package log provides structured logging for Conveyor using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Architecture

Conveyor's logging system provides structured JSON logging with minimal overhead:

	┌──────────────────── LOGGING SYSTEM ──────────────────────┐
	│                                                            │
	│  ┌────────────────────────────────────────────┐          │
	│  │            Global Logger                    │          │
	│  │  - Zerolog instance                         │          │
	│  │  - Initialized via log.Init()               │          │
	│  │  - Thread-safe for concurrent use           │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │           Configuration                     │          │
	│  │  - Level: debug/info/warn/error             │          │
	│  │  - Format: JSON or console (human)          │          │
	│  │  - Output: stdout, file, or custom writer   │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │         Context Loggers                     │          │
	│  │  - WithComponent("scheduler")               │          │
	│  │  - WithTaskID(7)                            │          │
	│  │  - WithRepo("/srv/repos/app")               │          │
	│  │  - WithPhase("impl")                        │          │
	│  │  - WithQueueEntry(42)                       │          │
	│  └──────────────────┬─────────────────────────┘          │
	│                     │                                      │
	│  ┌──────────────────▼─────────────────────────┐          │
	│  │            Log Output                       │          │
	│  │                                              │          │
	│  │  JSON Format:                               │          │
	│  │  {                                           │          │
	│  │    "level": "info",                         │          │
	│  │    "component": "dispatcher",               │          │
	│  │    "task_id": 7,                            │          │
	│  │    "time": "2026-07-31T10:30:00Z",          │          │
	│  │    "message": "task dispatched"             │          │
	│  │  }                                           │          │
	│  │                                              │          │
	│  │  Console Format:                            │          │
	│  │  2026-07-31T10:30:00Z INF task dispatched task_id=7 │   │
	│  └────────────────────────────────────────────┘           │
	└────────────────────────────────────────────────────────┘

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all Conveyor packages
  - Thread-safe concurrent writes

Log Levels:
  - Debug: Detailed debugging information
  - Info: General informational messages
  - Warn: Warning messages (potential issues)
  - Error: Error messages (operation failed)
  - Fatal: Critical errors (process exits)

Configuration:
  - Level: Filter messages below threshold
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: Add component name (scheduler, dispatcher, integration)
  - WithTaskID: Add the task's integer id
  - WithRepo: Add the watched repository's path
  - WithPhase: Add the current phase name
  - WithQueueEntry: Add the integration queue entry's id

# Log Levels

Debug Level:
  - Purpose: Detailed debugging information
  - Usage: Development and troubleshooting
  - Example: "evaluating idempotence gate: tests pass, diff non-empty"

Info Level:
  - Purpose: General informational messages
  - Usage: Default production level
  - Example: "task dispatched" component=dispatcher task_id=7

Warn Level:
  - Purpose: Potential issues or unexpected conditions
  - Usage: Situations that may require attention but don't fail the task
  - Example: "fetch failed during setup" task_id=12

Error Level:
  - Purpose: Operation failures that need investigation
  - Usage: Failed phases, structural failures, subprocess errors
  - Example: "setup failed to create worktree" task_id=12

Fatal Level:
  - Purpose: Critical errors causing process termination
  - Usage: Unrecoverable startup errors only (e.g. config load failure)
  - Behavior: Logs message and exits process (os.Exit(1))

# Usage

Initializing the Logger:

	import "github.com/cuemby/conveyor/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

	// Custom output (file)
	file, _ := os.OpenFile("/var/log/conveyor.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     file,
	})

Simple Logging:

	log.Info("scheduler tick loop started")
	log.Debug("checking dispatch eligibility")
	log.Warn("repository health check failed")
	log.Error("integration cycle failed")
	log.Fatal("cannot start without config") // exits process

Structured Logging:

	log.Logger.Info().
		Int64("task_id", task.ID).
		Str("status", string(task.Status)).
		Msg("task advanced")

	log.Logger.Error().
		Err(err).
		Str("repo_path", repo.Path).
		Msg("integration cycle failed")

Component Loggers:

	schedulerLog := log.WithComponent("scheduler")
	schedulerLog.Info().Msg("tick loop started")

	dispatcherLog := log.WithComponent("dispatcher")
	dispatcherLog.Debug().Int64("task_id", task.ID).Msg("claiming task")

Context Logger Helpers:

	// Task-specific logs
	taskLog := log.WithTaskID(task.ID)
	taskLog.Info().Msg("phase executor starting agent phase")

	// Repository-specific logs
	repoLog := log.WithRepo(repo.Path)
	repoLog.Warn().Msg("health check failed")

	// Phase-specific logs (combine with task/repo context via .With())
	phaseLog := log.WithPhase("impl")
	phaseLog.Info().Msg("running test command")

	// Queue-entry-specific logs
	qLog := log.WithQueueEntry(entry.ID)
	qLog.Info().Msg("driving queue entry toward merge")

Complete Example:

	package main

	import (
		"errors"
		"os"

		"github.com/cuemby/conveyor/pkg/log"
	)

	func main() {
		log.Init(log.Config{
			Level:      log.InfoLevel,
			JSONOutput: true,
			Output:     os.Stdout,
		})

		log.Info("conveyor starting")

		dispatcherLog := log.WithComponent("dispatcher")
		dispatcherLog.Info().
			Int64("task_id", 7).
			Msg("dispatching task")

		err := errors.New("connection refused")
		log.Logger.Error().
			Err(err).
			Str("component", "vcs").
			Msg("git fetch failed")

		log.Info("conveyor stopped")
	}

# Integration Points

This package is used by the packages that drive work, and by cmd/conveyor:

  - pkg/scheduler: logs tick-loop iterations, periodic job failures, shutdown
  - pkg/dispatcher: logs claim/spawn/drain of worker goroutines
  - pkg/phase: logs phase transitions, QA-fix routing, retry/failure decisions
  - pkg/integration: logs per-repository merge-queue driving
  - pkg/agent: logs agent invocation lifecycle and watchdog kills
  - pkg/seed, pkg/proposal, pkg/notify: log imports, triage and notifications
  - pkg/vcs, pkg/review, pkg/sandbox do not log; they return results and
    errors, and their callers above log subprocess failures

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"scheduler","time":"2026-07-31T10:30:00Z","message":"tick loop started"}
	{"level":"info","component":"dispatcher","task_id":7,"time":"2026-07-31T10:30:01Z","message":"task dispatched"}
	{"level":"error","component":"phase","task_id":7,"error":"agent produced no output","time":"2026-07-31T10:30:02Z","message":"agent phase failed"}

Console Format (Development):

	2026-07-31T10:30:00Z INF tick loop started component=scheduler
	2026-07-31T10:30:01Z INF task dispatched component=dispatcher task_id=7
	2026-07-31T10:30:02Z ERR agent phase failed component=phase task_id=7 error="agent produced no output"

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance
  - Initialized once at application start
  - Accessible from all packages without passing
  - Simplifies logging in deeply nested calls

Context Logger Pattern:
  - Create child loggers with context fields (task id, repo path, phase)
  - Pass context loggers to functions
  - Automatically includes context in all logs
  - Avoids repetitive field specification

Structured Logging Pattern:
  - Use typed fields (.Str, .Int64, .Err)
  - Enables log aggregation and querying
  - Parseable by log analysis tools

Error Logging Pattern:
  - Always use .Err(err) for error objects
  - Consistent error format across the codebase

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data (task_id, repo_path, phase)
  - Create component- and task-specific loggers at the top of a function
  - Log errors with .Err() rather than string-formatting them in

Don't:
  - Log secrets (OAuth tokens, webhook URLs with embedded credentials)
  - Use Debug level in production
  - Concatenate strings where a typed field would do
  - Block indefinitely on log writes in the tick loop

# See Also

  - Zerolog documentation: https://github.com/rs/zerolog
  - Structured logging: https://www.thoughtworks.com/radar/techniques/structured-logging
  - 12-Factor App Logs: https://12factor.net/logs
*/
package log
