package storage

import (
	"github.com/cuemby/conveyor/pkg/types"
)

// Store defines the interface for scheduler state storage, implemented by a
// BoltDB-backed store.
type Store interface {
	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id int64) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	ListActiveTasks(limit int) ([]*types.Task, error)
	UpdateTask(task *types.Task) error
	DeleteTask(id int64) error

	// TryDispatch atomically sets DispatchedAt on a task if (and only if) it
	// is currently nil, returning ok=false without error if another worker
	// already holds the lock. This is the exactly-once dispatch guarantee.
	TryDispatch(id int64) (ok bool, err error)

	// ClearDispatch clears DispatchedAt unconditionally; called by a worker
	// on exit.
	ClearDispatch(id int64) error

	// ClearAllDispatched clears DispatchedAt on every task; called once at
	// process startup to recover from an unclean shutdown.
	ClearAllDispatched() error

	// Queue entries
	CreateQueueEntry(entry *types.QueueEntry) error
	GetQueueEntry(id int64) (*types.QueueEntry, error)
	ListQueueEntriesByRepo(repoPath string) ([]*types.QueueEntry, error)
	ListActiveQueueEntries() ([]*types.QueueEntry, error)
	UpdateQueueEntry(entry *types.QueueEntry) error
	DeleteQueueEntry(id int64) error

	// Proposals
	CreateProposal(p *types.Proposal) error
	GetProposal(id int64) (*types.Proposal, error)
	ListProposalsByStatus(status types.ProposalStatus) ([]*types.Proposal, error)
	UpdateProposal(p *types.Proposal) error

	// Task outputs
	AppendTaskOutput(out *types.TaskOutput) error
	ListTaskOutputs(taskID int64) ([]*types.TaskOutput, error)

	// State KV
	GetState(key string) (string, bool, error)
	SetState(key, value string) error

	// Utility
	Close() error
}
