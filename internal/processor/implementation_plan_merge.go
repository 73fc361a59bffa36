package processor

import (
	"context"
	"fmt"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
	"github.com/helpful-bits/plantocode-orchestrator/internal/promptcompose"
)

func init() {
	RegisterFactory(job.KindImplementationMerge, newImplementationPlanMergeHandler)
}

// implementationPlanMergeHandler merges two or more prior implementation
// plan jobs' Response text into a single reconciled plan. It is grouped
// with implementation-plan in job.IsLongLived for the same reason: the
// merge feeds the same long-lived plan artifact.
type implementationPlanMergeHandler struct {
	store     jobstore.Store
	providers ProviderResolver
	models    *config.Resolver
	prompts   promptcompose.Composer
}

func newImplementationPlanMergeHandler(deps Dependencies) Handler {
	return &implementationPlanMergeHandler{
		store:     deps.Store,
		providers: deps.Providers,
		models:    deps.Models,
		prompts:   deps.Prompts,
	}
}

func (h *implementationPlanMergeHandler) Name() string { return "implementation-plan-merge" }

func (h *implementationPlanMergeHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindImplementationMerge
}

func (h *implementationPlanMergeHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.ImplementationPlanMergePayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for plan-merge", req.Payload)
	}
	if len(payload.PlanIDs) < 2 {
		return &Result{ErrorMessage: "plan-merge requires at least two plan_ids", ErrorCategory: "validation"}, nil
	}

	plans := make(map[string]string, len(payload.PlanIDs))
	for _, id := range payload.PlanIDs {
		if req.Canceled() {
			return &Result{Canceled: true}, nil
		}
		plan, err := h.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if plan == nil || plan.Kind != job.KindImplementationPlan || plan.Status != job.StatusCompleted {
			return &Result{ErrorMessage: fmt.Sprintf("plan_id %q is not a completed implementation-plan job", id), ErrorCategory: "validation"}, nil
		}
		plans["plan:"+id] = plan.Response
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	prompt, err := h.prompts.Compose(ctx, promptcompose.Request{
		Kind:         job.KindImplementationMerge,
		FileContents: plans,
		Extra: map[string]string{
			"Instructions": "The sections above are independently generated implementation plans for the same task. Merge them into one coherent, de-duplicated plan, preserving every distinct step and resolving contradictions explicitly.",
		},
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
