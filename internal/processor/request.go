package processor

import (
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
)

// Request is handed to a Handler once the shared skeleton has loaded the
// job, confirmed it is not already canceled, and transitioned it through
// Preparing → Running.
type Request struct {
	Job     *job.Job
	Payload any // decoded via job.DecodePayload, concrete type depends on Job.Kind

	// Cancel is closed if the queue observes a cancellation request while
	// this job is in flight. Handlers must poll it at each suspension
	// point (before each external call, after each streamed chunk).
	Cancel <-chan struct{}
}

// Canceled reports whether a cancellation has been requested, without
// blocking.
func (r *Request) Canceled() bool {
	select {
	case <-r.Cancel:
		return true
	default:
		return false
	}
}

// Result is what a Handler returns to the shared skeleton, which performs
// the actual store mutation (AppendStream/Finalize/MarkCanceledWithUsage).
type Result struct {
	// Canceled, if true, instructs the skeleton to finalize via
	// MarkCanceledWithUsage instead of Finalize, preserving partial usage.
	Canceled bool

	// Deferred, if true, tells the skeleton to leave the job in Running
	// and perform no finalization at all. Only the FileFinderWorkflow
	// root handler sets this: ownership of the job's terminal status
	// passes to the workflow orchestrator, which finalizes the root
	// job itself once every stage completes.
	Deferred bool

	// Response is the full response text for non-streaming handlers.
	// Streaming handlers (which already called AppendStream per chunk)
	// leave this empty.
	Response string

	Usage     jobstore.Usage
	ModelUsed string
	Metadata  map[string]any

	// ErrorMessage/ErrorCategory, if ErrorMessage is non-empty, route the
	// skeleton to finalize the job as Failed rather than Completed.
	ErrorMessage  string
	ErrorCategory string
}
