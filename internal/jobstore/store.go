// Package jobstore implements the durable record of every job: its
// state, streamed response accumulator, and usage counters.
//
// # Interface segregation
//
// Store is
// the minimal interface the queue and processors require; optional
// capabilities (bulk session cancellation, admin purge) are exposed on
// the concrete backends and reached via type assertion where needed.
package jobstore

import (
	"context"
	"time"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// Usage carries the final token/cost accounting passed to Finalize.
type Usage struct {
	TokensSent     int
	TokensReceived int
	TotalTokens    int
	Cost           money.Amount
}

// Store is the job store's contract, implemented by the memory and
// sqlite backends.
type Store interface {
	// Create inserts a new job with status Created. Fails if id collides.
	Create(ctx context.Context, j *job.Job) error

	// Get retrieves a job by id. Returns (nil, nil) if not found.
	Get(ctx context.Context, id string) (*job.Job, error)

	// GetBySession returns every job created under the given session.
	GetBySession(ctx context.Context, sessionID string) ([]*job.Job, error)

	// GetActive returns every job not yet in a terminal status.
	GetActive(ctx context.Context) ([]*job.Job, error)

	// SetStatus validates the transition is reachable from the job's
	// current status, stamps UpdatedAt, and stamps EndTime if the new
	// status is terminal. Returns an *InvalidTransitionError otherwise.
	SetStatus(ctx context.Context, id string, status job.Status, message string) error

	// AppendStream extends Response by chunk and increments the streaming
	// counters atomically. Fails unless the job is currently Running.
	AppendStream(ctx context.Context, id string, chunk string, tokenDelta int, charTotal int, metadata map[string]any) error

	// Finalize performs the single transition into a terminal status,
	// setting EndTime, ActualCost, and final token counts.
	Finalize(ctx context.Context, id string, final job.Status, usage Usage, modelUsed string, metadata map[string]any) error

	// CancelSession bulk-transitions every non-terminal job in a session
	// to Canceled, skipping any kind in exceptKinds. Returns the count
	// of jobs actually canceled.
	CancelSession(ctx context.Context, sessionID string, exceptKinds []job.Kind) (int, error)

	// MarkCanceledWithUsage finalizes a job as Canceled while preserving
	// whatever partial usage accrued before cancellation was observed.
	MarkCanceledWithUsage(ctx context.Context, id string, reason string, tokensSent, tokensReceived int, model string, cost money.Amount) error

	// Purge permanently deletes a job record. The only destructive
	// operation on Job; reserved for explicit admin use.
	Purge(ctx context.Context, id string) error
}

// InvalidTransitionError is returned by SetStatus/Finalize/MarkCanceledWithUsage
// when the requested change is not a legal edge in the job state machine.
// AppendStream on a job that is not Running returns NotRunningError instead.
type InvalidTransitionError struct {
	JobID string
	From  job.Status
	To    job.Status
}

func (e *InvalidTransitionError) Error() string {
	return "jobstore: invalid transition for job " + e.JobID + " from " + string(e.From) + " to " + string(e.To)
}

// NotRunningError is returned by AppendStream when the job is not
// currently in the Running status.
type NotRunningError struct {
	JobID  string
	Status job.Status
}

func (e *NotRunningError) Error() string {
	return "jobstore: job " + e.JobID + " is not running (status=" + string(e.Status) + ")"
}

// IDCollisionError is returned by Create when the id already exists.
type IDCollisionError struct {
	JobID string
}

func (e *IDCollisionError) Error() string {
	return "jobstore: job id already exists: " + e.JobID
}

// NotFoundError is returned by mutating operations (not Get, which
// returns nil, nil) when the job does not exist.
type NotFoundError struct {
	JobID string
}

func (e *NotFoundError) Error() string {
	return "jobstore: job not found: " + e.JobID
}

func now() time.Time { return time.Now().UTC() }
