package processor

import (
	"context"
	"log/slog"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
)

// Dispatcher implements jobqueue.Processor, running the skeleton every
// processor variant shares: load, check-canceled,
// Preparing→Running, invoke the kind-specific Handler, then finalize.
// Handlers only implement the part between Running and the structured
// result; Dispatcher owns every state transition.
type Dispatcher struct {
	store    jobstore.Store
	registry *Registry
	log      *slog.Logger
}

// NewDispatcher constructs a Dispatcher over a built Registry.
func NewDispatcher(store jobstore.Store, registry *Registry, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: store, registry: registry, log: log}
}

// Process implements jobqueue.Processor.
func (d *Dispatcher) Process(ctx context.Context, jobID string, cancel <-chan struct{}) {
	j, err := d.store.Get(ctx, jobID)
	if err != nil {
		d.log.Error("processor: failed to load job", "job_id", jobID, "error", err)
		return
	}
	if j == nil {
		d.log.Error("processor: job vanished before dispatch", "job_id", jobID)
		return
	}
	// Already canceled: nothing to do, and no side effects.
	if j.Status == job.StatusCanceled {
		return
	}

	if d.checkCanceled(ctx, jobID, cancel, "canceled before processor started") {
		return
	}

	handler, err := d.registry.Get(j.Kind)
	if err != nil {
		d.fail(ctx, jobID, err.Error(), "config")
		return
	}

	if err := d.store.SetStatus(ctx, jobID, job.StatusPreparing, ""); err != nil {
		d.log.Error("processor: failed to transition to preparing", "job_id", jobID, "error", err)
		return
	}

	if d.checkCanceled(ctx, jobID, cancel, "canceled during preparation") {
		return
	}

	if err := d.store.SetStatus(ctx, jobID, job.StatusRunning, ""); err != nil {
		d.log.Error("processor: failed to transition to running", "job_id", jobID, "error", err)
		return
	}

	req := &Request{Job: j, Cancel: cancel}
	if j.Payload != nil {
		payload, err := job.DecodePayload(j.Kind, j.Payload)
		if err != nil {
			d.fail(ctx, jobID, err.Error(), "validation")
			return
		}
		req.Payload = payload
	}

	result, err := handler.Process(ctx, req)
	if err != nil {
		d.fail(ctx, jobID, err.Error(), "external")
		return
	}

	if result.Deferred {
		return
	}

	if result.Canceled {
		if err := d.store.MarkCanceledWithUsage(ctx, jobID, result.ErrorMessage, result.Usage.TokensSent, result.Usage.TokensReceived, result.ModelUsed, result.Usage.Cost); err != nil {
			d.log.Error("processor: failed to mark canceled with usage", "job_id", jobID, "error", err)
		}
		return
	}

	if result.Response != "" {
		if err := d.store.AppendStream(ctx, jobID, result.Response, result.Usage.TokensReceived, len(result.Response), nil); err != nil {
			d.log.Error("processor: failed to append non-streaming response", "job_id", jobID, "error", err)
		}
	}

	final := job.StatusCompleted
	if result.ErrorMessage != "" {
		final = job.StatusFailed
	}
	if result.Metadata == nil {
		result.Metadata = make(map[string]any)
	}
	if result.ErrorCategory != "" {
		result.Metadata["error_category"] = result.ErrorCategory
	}
	if err := d.store.Finalize(ctx, jobID, final, result.Usage, result.ModelUsed, result.Metadata); err != nil {
		d.log.Error("processor: failed to finalize job", "job_id", jobID, "error", err)
	}
}

// checkCanceled observes cancel without blocking; if set, it finalizes
// the job as Canceled (preserving whatever usage has accrued so far,
// which at these two suspension points is always zero) and returns true.
func (d *Dispatcher) checkCanceled(ctx context.Context, jobID string, cancel <-chan struct{}, reason string) bool {
	select {
	case <-cancel:
		if err := d.store.MarkCanceledWithUsage(ctx, jobID, reason, 0, 0, "", jobstore.Usage{}.Cost); err != nil {
			d.log.Error("processor: failed to mark canceled", "job_id", jobID, "error", err)
		}
		return true
	default:
		return false
	}
}

func (d *Dispatcher) fail(ctx context.Context, jobID, message, category string) {
	if err := d.store.SetStatus(ctx, jobID, job.StatusFailed, message); err != nil {
		d.log.Error("processor: failed to mark job failed", "job_id", jobID, "error", err)
		return
	}
	d.log.Warn("processor: job failed", "job_id", jobID, "category", category, "message", message)
}
