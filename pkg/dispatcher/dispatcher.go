// Package dispatcher is the Task Dispatcher: on each tick it fetches the
// top-N active tasks from storage and, for each one not already dispatched
// and while under the parallelism cap, atomically marks it dispatched and
// spawns a worker goroutine running the Phase Executor to completion.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cuemby/conveyor/pkg/log"
	"github.com/cuemby/conveyor/pkg/metrics"
	"github.com/cuemby/conveyor/pkg/phase"
	"github.com/cuemby/conveyor/pkg/storage"
	"github.com/cuemby/conveyor/pkg/types"
)

// ModeSet resolves a task's mode name to its configuration. Failing to
// resolve one is a structural failure handled the same way an unknown
// phase name is.
type ModeSet interface {
	Mode(name string) (types.Mode, bool)
}

// Dispatcher owns the active-agent counter and spawns workers.
type Dispatcher struct {
	Store    storage.Store
	Executor *phase.Executor
	Modes    ModeSet
	// MaxParallelAgents caps concurrent worker goroutines.
	MaxParallelAgents int
	// FetchLimit bounds how many active tasks are considered per tick;
	// zero means unbounded.
	FetchLimit int

	wg           sync.WaitGroup
	activeAgents int64
}

// ActiveAgents reports the current number of in-flight workers.
func (d *Dispatcher) ActiveAgents() int64 {
	return atomic.LoadInt64(&d.activeAgents)
}

// Dispatch runs one dispatch cycle: fetch eligible tasks, and for each one
// in ascending-id order, skip if the parallelism cap is hit, skip if
// already dispatched, else claim it and spawn a worker.
func (d *Dispatcher) Dispatch(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchLatency)

	tasks, err := d.Store.ListActiveTasks(d.FetchLimit)
	if err != nil {
		return err
	}

	for _, task := range tasks {
		if int(d.ActiveAgents()) >= d.MaxParallelAgents {
			break
		}
		if task.IsDispatched() {
			continue
		}

		ok, err := d.Store.TryDispatch(task.ID)
		if err != nil {
			log.WithTaskID(task.ID).Error().Err(err).Msg("try-dispatch failed")
			continue
		}
		if !ok {
			continue
		}

		atomic.AddInt64(&d.activeAgents, 1)
		metrics.ActiveAgents.Set(float64(d.ActiveAgents()))
		metrics.TasksDispatchedTotal.Inc()

		d.wg.Add(1)
		go d.runWorker(task.ID)
	}
	return nil
}

// runWorker owns task.ID for its lifetime: it drives the Phase Executor
// through successive phases until the task reaches a terminal state or a
// single phase run fails to advance, then clears the dispatch lock and
// decrements the counter unconditionally.
func (d *Dispatcher) runWorker(taskID int64) {
	defer d.wg.Done()
	defer func() {
		atomic.AddInt64(&d.activeAgents, -1)
		metrics.ActiveAgents.Set(float64(d.ActiveAgents()))
		if err := d.Store.ClearDispatch(taskID); err != nil {
			log.WithTaskID(taskID).Error().Err(err).Msg("failed to clear dispatch lock")
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.WithTaskID(taskID).Error().Interface("panic", r).Msg("worker panicked")
			if task, err := d.Store.GetTask(taskID); err == nil {
				task.LastError = fmt.Sprintf("worker panic: %v", r)
				_ = d.Store.UpdateTask(task)
			}
		}
	}()

	logger := log.WithTaskID(taskID)
	ctx := context.Background()

	for {
		task, err := d.Store.GetTask(taskID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to reload task")
			return
		}
		if task.IsTerminal() {
			return
		}

		mode, ok := d.Modes.Mode(task.Mode)
		if !ok {
			task.Status = types.TaskStatusFailed
			task.LastError = "unknown mode: " + task.Mode
			_ = d.Store.UpdateTask(task)
			logger.Error().Str("mode", task.Mode).Msg("structural failure: unknown mode")
			return
		}

		statusBefore := task.Status
		result, err := d.Executor.Execute(ctx, task, mode)
		if err != nil {
			logger.Error().Err(err).Msg("phase execution error")
			return
		}
		if result.Terminal {
			return
		}
		if result.Enqueue {
			return
		}

		reloaded, err := d.Store.GetTask(taskID)
		if err != nil {
			logger.Error().Err(err).Msg("failed to reload task after phase")
			return
		}
		if reloaded.Status == statusBefore {
			// The phase did not advance (e.g. a setup or rebase failure
			// left the task in place for the next tick's dispatch to
			// retry); a worker only loops across phases that already
			// persisted forward progress in this same pass.
			return
		}
	}
}

// Wait blocks until all spawned workers have exited; used by cooperative
// shutdown with an external timeout.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
