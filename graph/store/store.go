// Package store provides persistence for runs, checkpoints, the dead letter
// queue, human approvals, and scheduled timers.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/flowforge/corerun/graph"
)

// ErrNotFound is returned when a requested identifier does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointStore persists durable snapshots of run progress,
// written after every node completes so a crashed run can resume from its
// last recorded checkpoint rather than from the start.
type CheckpointStore interface {
	// Save persists cp, overwriting any prior checkpoint with the same RunID.
	Save(ctx context.Context, cp graph.Checkpoint) error

	// Load retrieves the most recent checkpoint for runID.
	Load(ctx context.Context, runID string) (graph.Checkpoint, error)

	// CheckIdempotency reports whether key has a live (unexpired) cached
	// record, without returning its contents.
	CheckIdempotency(ctx context.Context, key string) (seen bool, err error)

	// StoreIdempotency records the outcome of a node dispatch under key.
	StoreIdempotency(ctx context.Context, key string, rec graph.IdempotencyRecord) error

	// GetIdempotency returns key's cached record, if any and unexpired.
	GetIdempotency(ctx context.Context, key string) (graph.IdempotencyRecord, bool, error)

	// DeleteIdempotency removes key's cached record, if any.
	DeleteIdempotency(ctx context.Context, key string) error
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// RunRecord is the run manager's view of a single workflow execution.
type RunRecord struct {
	RunID        string
	WorkflowName string
	Status       RunStatus
	Priority     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	Error        string
}

// RunStore persists run lifecycle records for the run manager.
type RunStore interface {
	Create(ctx context.Context, r RunRecord) error
	Update(ctx context.Context, r RunRecord) error
	Get(ctx context.Context, runID string) (RunRecord, error)
	List(ctx context.Context, status RunStatus) ([]RunRecord, error)
}

// DLQEntry is a node dispatch that exhausted retries (or failed
// irrecoverably) and was recorded in the dead letter queue; the engine
// still fails the run after enqueueing it.
type DLQEntry struct {
	ID           string
	RunID        string
	WorkflowName string
	NodeName     string
	Input        graph.State
	Error        string
	Attempts     int
	EnqueuedAt   time.Time
}

// DLQStore persists failed node dispatches for later inspection or replay.
type DLQStore interface {
	Enqueue(ctx context.Context, e DLQEntry) error
	List(ctx context.Context, limit int) ([]DLQEntry, error)
	Get(ctx context.Context, id string) (DLQEntry, error)
	Remove(ctx context.Context, id string) error
	Depth(ctx context.Context) (int, error)
}

// ApprovalStatus is the lifecycle state of a human approval request.
type ApprovalStatus string

const (
	ApprovalPending   ApprovalStatus = "pending"
	ApprovalApproved  ApprovalStatus = "approved"
	ApprovalRejected  ApprovalStatus = "rejected"
	ApprovalTimedOut  ApprovalStatus = "timed_out"
	ApprovalEscalated ApprovalStatus = "escalated"
)

// TimeoutAction names what happens to an ApprovalRecord whose Deadline
// passes without a response.
type TimeoutAction string

const (
	TimeoutApprove  TimeoutAction = "approve"
	TimeoutReject   TimeoutAction = "reject"
	TimeoutEscalate TimeoutAction = "escalate"
	TimeoutFail     TimeoutAction = "fail"
)

// ApprovalRecord is a pending or resolved human-in-the-loop request.
type ApprovalRecord struct {
	ID         string
	RunID      string
	NodeName   string
	Status     ApprovalStatus
	Payload    graph.State
	Response   graph.State
	Respondent string
	CreatedAt  time.Time
	Deadline   time.Time
	ResolvedAt time.Time

	// Type is the node-declared request category (e.g. "expense", "deploy"),
	// opaque to the store; notifiers may use it to format their message.
	Type string

	// Assignee is the single reviewer this request is addressed to. Mutually
	// exclusive in practice with AssigneeGroup, but the store doesn't enforce it.
	Assignee string
	// AssigneeGroup addresses the request to any member of a named group.
	AssigneeGroup string
	// Priority orders PendingForAssignee results: higher first. ListPending
	// does not order by it.
	Priority int

	// TimeoutAction chooses what happens when Deadline passes unresolved.
	// Defaults to TimeoutFail.
	TimeoutAction TimeoutAction
	// EscalateTo is the assignee a TimeoutEscalate timeout addresses the
	// derived request to.
	EscalateTo string

	// ParentID is set on a request created by delegation or escalation,
	// linking it back to the request it derived from.
	ParentID string
	// DelegatedTo is set on the original record once a response delegates
	// the decision onward; the original stays ApprovalPending.
	DelegatedTo string
}

// ApprovalStore persists human approval requests and their resolutions.
type ApprovalStore interface {
	Create(ctx context.Context, a ApprovalRecord) error
	Resolve(ctx context.Context, id string, status ApprovalStatus, response graph.State, respondent string) error
	Get(ctx context.Context, id string) (ApprovalRecord, error)
	ListPending(ctx context.Context) ([]ApprovalRecord, error)

	// PendingForAssignee returns pending requests addressed to assignee
	// directly or via AssigneeGroup, highest Priority first.
	PendingForAssignee(ctx context.Context, assignee string) ([]ApprovalRecord, error)

	// Delegate marks id as delegated to assignee (DelegatedTo set, Status
	// left ApprovalPending) and creates+persists a derived request addressed
	// to assignee with ParentID set to id.
	Delegate(ctx context.Context, id, assignee string, respondent string) (ApprovalRecord, error)

	// Escalate marks id ApprovalEscalated and creates+persists a derived
	// request addressed to escalateTo with ParentID set to id.
	Escalate(ctx context.Context, id, escalateTo string) (ApprovalRecord, error)
}

// TimerEntry is a scheduled future wake-up for a run (one-shot delay,
// absolute time, or cron-recurring).
type TimerEntry struct {
	ID         string
	RunID      string
	NodeName   string
	FireAt     time.Time
	CronSpec   string // non-empty for recurring timers
	Fired      bool
	CreatedAt  time.Time
}

// TimerStore persists scheduled timers for the timer manager.
type TimerStore interface {
	Create(ctx context.Context, t TimerEntry) error
	Due(ctx context.Context, asOf time.Time) ([]TimerEntry, error)
	MarkFired(ctx context.Context, id string, nextFireAt time.Time) error
	Remove(ctx context.Context, id string) error
	Pending(ctx context.Context) ([]TimerEntry, error)
}
