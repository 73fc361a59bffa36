package rpcdispatch

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
	"github.com/helpful-bits/plantocode-orchestrator/internal/metrics"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
)

// JobEnqueuer is the subset of *jobqueue.Queue the jobs.* handlers need to
// move a freshly created row from Created to Queued.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, jobID string, priority int) error
	Cancel(jobID string) (wasQueued bool)
}

// JobHandlers implements the jobs.* method namespace: the entry point a
// client uses to materialize a row in the job store and hand it to the
// queue, following the same thin-wrapper shape as FSHandlers and
// FilesHandlers — the store and queue already carry every invariant, so
// the handler only translates wire params into their calls.
type JobHandlers struct {
	store  jobstore.Store
	queue  JobEnqueuer
	models *config.Resolver
}

// NewJobHandlers constructs the jobs.* handler set. models may be nil,
// in which case a client-supplied ModelID is used verbatim (the queue's
// own test harness constructs handlers this way).
func NewJobHandlers(store jobstore.Store, queue JobEnqueuer, models *config.Resolver) *JobHandlers {
	return &JobHandlers{store: store, queue: queue, models: models}
}

// Register wires jobs.* into d.
func (h *JobHandlers) Register(d *Dispatcher) {
	d.Register("jobs.create", h.create)
	d.Register("jobs.get", h.get)
	d.Register("jobs.cancel", h.cancel)
	d.Register("jobs.listBySession", h.listBySession)
	d.Register("jobs.cancelSession", h.cancelSession)
}

type createParams struct {
	SessionID         string          `json:"sessionId"`
	ProjectDirectory  string          `json:"projectDirectory"`
	WorkflowID        string          `json:"workflowId,omitempty"`
	WorkflowStageName string          `json:"workflowStageName,omitempty"`
	Kind              string          `json:"kind"`
	Priority          int             `json:"priority,omitempty"`
	Payload           json.RawMessage `json:"payload"`
	ModelID           string          `json:"modelId,omitempty"`
	Temperature       *float64        `json:"temperature,omitempty"`
	MaxOutputTokens   *int            `json:"maxOutputTokens,omitempty"`
}

type createResult struct {
	JobID string `json:"jobId"`
}

func (h *JobHandlers) create(ctx context.Context, params json.RawMessage) (any, error) {
	var p createParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: "invalid jobs.create params: " + err.Error()}
	}
	if p.SessionID == "" {
		return nil, &errors.ValidationError{Field: "sessionId", Message: "sessionId is required"}
	}
	if p.Kind == "" {
		return nil, &errors.ValidationError{Field: "kind", Message: "kind is required"}
	}

	j := &job.Job{
		ID:                uuid.NewString(),
		SessionID:         p.SessionID,
		ProjectDirectory:  p.ProjectDirectory,
		WorkflowID:        p.WorkflowID,
		WorkflowStageName: p.WorkflowStageName,
		Kind:              job.Kind(p.Kind),
		Status:            job.StatusCreated,
		Priority:          p.Priority,
		Payload:           p.Payload,
		ModelID:           p.ModelID,
		Temperature:       p.Temperature,
		MaxOutputTokens:   p.MaxOutputTokens,
	}
	// Model selection is resolved once, at enqueue time: a
	// client-supplied override wins, otherwise the server default for
	// this job kind applies — the same payload-override → session-setting
	// → server-default cascade the workflow orchestrator applies to its
	// own stage jobs, with no session-level setting at this entry point.
	if j.Kind.RequiresLLM() && h.models != nil {
		var override *config.ModelConfig
		if p.ModelID != "" {
			override = &config.ModelConfig{ModelID: p.ModelID, Temperature: p.Temperature, MaxOutputTokens: p.MaxOutputTokens}
		}
		mc, err := h.models.Resolve(config.TaskKind(p.Kind), override, nil)
		if err != nil {
			return nil, err
		}
		j.ModelID = mc.ModelID
		j.Temperature = mc.Temperature
		j.MaxOutputTokens = mc.MaxOutputTokens
	}

	if err := h.store.Create(ctx, j); err != nil {
		return nil, err
	}
	if err := h.queue.Enqueue(ctx, j.ID, p.Priority); err != nil {
		return nil, err
	}
	metrics.JobsEnqueued.WithLabelValues(string(j.Kind)).Inc()
	return createResult{JobID: j.ID}, nil
}

type jobIDParams struct {
	JobID string `json:"jobId"`
}

func (h *JobHandlers) get(ctx context.Context, params json.RawMessage) (any, error) {
	var p jobIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: "invalid jobs.get params: " + err.Error()}
	}
	j, err := h.store.Get(ctx, p.JobID)
	if err != nil {
		return nil, err
	}
	if j == nil {
		return nil, &errors.NotFoundError{Resource: "job", ID: p.JobID}
	}
	return j, nil
}

type cancelResult struct {
	WasQueued bool `json:"wasQueued"`
}

func (h *JobHandlers) cancel(ctx context.Context, params json.RawMessage) (any, error) {
	var p jobIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: "invalid jobs.cancel params: " + err.Error()}
	}
	return cancelResult{WasQueued: h.queue.Cancel(p.JobID)}, nil
}

type sessionIDParams struct {
	SessionID string `json:"sessionId"`
}

func (h *JobHandlers) listBySession(ctx context.Context, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: "invalid jobs.listBySession params: " + err.Error()}
	}
	return h.store.GetBySession(ctx, p.SessionID)
}

type cancelSessionResult struct {
	Count int `json:"count"`
}

// cancelSession bulk-cancels a session's non-terminal jobs, excluding
// implementation-plan and plan-merge kinds: both feed the same
// long-lived plan artifacts, which outlive the session that produced
// them.
func (h *JobHandlers) cancelSession(ctx context.Context, params json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &errors.ValidationError{Field: "params", Message: "invalid jobs.cancelSession params: " + err.Error()}
	}
	count, err := h.store.CancelSession(ctx, p.SessionID, []job.Kind{job.KindImplementationPlan, job.KindImplementationMerge})
	if err != nil {
		return nil, err
	}
	return cancelSessionResult{Count: count}, nil
}
