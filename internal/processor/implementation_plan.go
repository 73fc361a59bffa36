package processor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/promptcompose"
)

func init() {
	RegisterFactory(job.KindImplementationPlan, newImplementationPlanHandler)
}

// implementationPlanHandler is one of the job.IsLongLived kinds: it is
// excluded from cancel_session's bulk cancellation because its output
// feeds a durable plan artifact the user keeps returning to.
type implementationPlanHandler struct {
	providers ProviderResolver
	models    *config.Resolver
	prompts   promptcompose.Composer
}

func newImplementationPlanHandler(deps Dependencies) Handler {
	return &implementationPlanHandler{providers: deps.Providers, models: deps.Models, prompts: deps.Prompts}
}

func (h *implementationPlanHandler) Name() string { return "implementation-plan" }

func (h *implementationPlanHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindImplementationPlan
}

func (h *implementationPlanHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.ImplementationPlanPayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for implementation-plan", req.Payload)
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	contents := make(map[string]string, len(payload.VerifiedPaths))
	for _, p := range payload.VerifiedPaths {
		if req.Canceled() {
			return &Result{Canceled: true}, nil
		}
		full := filepath.Join(req.Job.ProjectDirectory, p)
		data, err := os.ReadFile(full)
		if err != nil {
			// A verified path that can no longer be read is surfaced to
			// the model as a gap rather than failing the whole plan.
			contents[p] = fmt.Sprintf("<unreadable: %v>", err)
			continue
		}
		contents[p] = string(data)
	}

	extra := map[string]string{
		"Instructions": "Produce a concrete, numbered implementation plan for the task, citing the files above by path.",
	}
	if payload.PlanTitle != "" {
		extra["Plan Title"] = payload.PlanTitle
	}

	prompt, err := h.prompts.Compose(ctx, promptcompose.Request{
		Kind:            job.KindImplementationPlan,
		TaskDescription: payload.TaskDescription,
		FileContents:    contents,
		Extra:           extra,
	})
	if err != nil {
		return nil, err
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	content, usage, err := runCompletion(ctx, h.providers, h.models, req.Job, prompt)
	if err != nil {
		return &Result{ErrorMessage: err.Error(), ErrorCategory: "external"}, nil
	}

	return &Result{Response: content, Usage: usage, ModelUsed: req.Job.ModelID}, nil
}
