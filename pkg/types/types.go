// Package types defines the core domain entities of the pipeline scheduler:
// tasks moving through configurable phases, the merge queue that drains them
// into a base branch, proposals awaiting triage, and the workflow
// configuration (modes and phases) that drives the Phase Executor.
package types

import "time"

// TaskStatus is either one of a Mode's phase names or a terminal state.
type TaskStatus string

const (
	TaskStatusBacklog TaskStatus = "backlog"
	TaskStatusDone    TaskStatus = "done"
	TaskStatusMerged  TaskStatus = "merged"
	TaskStatusFailed  TaskStatus = "failed"
)

// Task is the primary entity: one unit of code change moving through a Mode's
// phases until it is merged or shelved.
type Task struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	RepoPath     string     `json:"repo_path"`
	Mode         string     `json:"mode"`
	Status       TaskStatus `json:"status"`
	Branch       string     `json:"branch,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Attempt      int        `json:"attempt"`
	MaxAttempts  int        `json:"max_attempts"`
	LastError    string     `json:"last_error,omitempty"`
	NotifyChat   bool       `json:"notify_chat"`
	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// IsTerminal reports whether the task will never be dispatched again.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskStatusMerged || t.Status == TaskStatusFailed
}

// IsDispatched reports whether a worker currently owns this task.
func (t *Task) IsDispatched() bool {
	return t.DispatchedAt != nil
}

// BudgetExhausted reports whether one more failure would exceed max attempts.
func (t *Task) BudgetExhausted() bool {
	return t.Attempt >= t.MaxAttempts
}

// QueueStatus is the lifecycle state of one QueueEntry.
type QueueStatus string

const (
	QueueStatusQueued        QueueStatus = "queued"
	QueueStatusMerging       QueueStatus = "merging"
	QueueStatusPendingReview QueueStatus = "pending_review"
	QueueStatusMerged        QueueStatus = "merged"
	QueueStatusExcluded      QueueStatus = "excluded"
)

// QueueEntry is one (task, branch) pair awaiting integration into a repo's
// base branch.
type QueueEntry struct {
	ID              int64       `json:"id"`
	TaskID          int64       `json:"task_id"`
	Branch          string      `json:"branch"`
	RepoPath        string      `json:"repo_path"`
	Status          QueueStatus `json:"status"`
	FailureReason   string      `json:"failure_reason,omitempty"`
	UnknownRetries  int         `json:"unknown_retries"`
	PRNumber        int         `json:"pr_number,omitempty"`
	FreshlyPushedAt *time.Time  `json:"freshly_pushed_at,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Active reports whether the entry still needs driving by the Integration
// Coordinator.
func (q *QueueEntry) Active() bool {
	return q.Status != QueueStatusMerged && q.Status != QueueStatusExcluded
}

// ProposalStatus is the triage outcome of a candidate future Task.
type ProposalStatus string

const (
	ProposalStatusProposed      ProposalStatus = "proposed"
	ProposalStatusApproved      ProposalStatus = "approved"
	ProposalStatusAutoDismissed ProposalStatus = "auto_dismissed"
)

// Proposal is a candidate future Task surfaced by repository inspection,
// scored and triaged before (maybe) being promoted to the backlog.
type Proposal struct {
	ID             int64              `json:"id"`
	RepoPath       string             `json:"repo_path"`
	Title          string             `json:"title"`
	Description    string             `json:"description"`
	Score          float64            `json:"score"`
	Dimensions     map[string]float64 `json:"dimensions,omitempty"`
	Status         ProposalStatus     `json:"status"`
	PromotedTaskID int64              `json:"promoted_task_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// TaskOutput is one append-only record of a phase's text output and raw
// event-stream log, keyed by (task, phase).
type TaskOutput struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Phase     string    `json:"phase"`
	Text      string    `json:"text"`
	EventLog  string    `json:"event_log,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StateEntry is one row of the small persistent key/value map used for
// scheduler cursors (last-run timestamps, imported-backlog markers,
// self-update commit pointer).
type StateEntry struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PhaseType is the sum type a Phase's behavior dispatches on. Replaces
// dynamic string-name matching with a closed, exhaustively switchable enum.
type PhaseType string

const (
	PhaseTypeSetup  PhaseType = "setup"
	PhaseTypeAgent  PhaseType = "agent"
	PhaseTypeRebase PhaseType = "rebase"
)

// PhaseFlags are the policy switches that govern how the Phase Executor
// drives one Phase of the agent type.
type PhaseFlags struct {
	UseDocker          bool `yaml:"use_docker"`
	RunsTests          bool `yaml:"runs_tests"`
	Commits            bool `yaml:"commits"`
	FreshSession       bool `yaml:"fresh_session"`
	IncludeTaskContext bool `yaml:"include_task_context"`
	IncludeFileListing bool `yaml:"include_file_listing"`
	HasQAFixRouting    bool `yaml:"has_qa_fix_routing"`
	AllowNoChanges     bool `yaml:"allow_no_changes"`
}

// Phase is one named step of a Mode's workflow.
type Phase struct {
	Name             string     `yaml:"name"`
	Type             PhaseType  `yaml:"type"`
	Next             string     `yaml:"next"`
	Instruction      string     `yaml:"instruction"`
	ErrorInstruction string     `yaml:"error_instruction,omitempty"`
	FixInstruction   string     `yaml:"fix_instruction,omitempty"`
	SystemPrompt     string     `yaml:"system_prompt,omitempty"`
	AllowedTools     []string   `yaml:"allowed_tools,omitempty"`
	Flags            PhaseFlags `yaml:"flags"`
	RequiredArtifact string     `yaml:"required_artifact,omitempty"`
}

// ModePolicy is the set of whole-workflow flags that apply across all of a
// Mode's phases.
type ModePolicy struct {
	UsesWorktrees    bool   `yaml:"uses_worktrees"`
	UsesTestCommand  bool   `yaml:"uses_test_command"`
	TestCommand      string `yaml:"test_command,omitempty"`
	IntegrationStyle string `yaml:"integration_style"` // e.g. "git_pr"
	SeedSubMode      string `yaml:"seed_sub_mode,omitempty"`
}

// Mode is a named workflow: a set of Phases, ordered by their Next links,
// plus policy flags.
// Loaded once from configuration at startup; read-only thereafter.
type Mode struct {
	Name          string           `yaml:"name"`
	InitialStatus string           `yaml:"initial_status"`
	Phases        map[string]Phase `yaml:"phases"`
	Policy        ModePolicy       `yaml:"policy"`
}

// Phase looks up a phase by name; ok is false for an unknown name, the
// structural-failure case an unrecognized status represents.
func (m *Mode) Phase(name string) (Phase, bool) {
	p, ok := m.Phases[name]
	return p, ok
}
