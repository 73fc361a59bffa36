package processor

import (
	"context"
	"fmt"
	"strings"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/promptcompose"
)

func init() {
	factory := newPathFinderHandler
	RegisterFactory(job.KindPathFinder, factory)
	RegisterFactory(job.KindExtendedPathFinder, factory)
}

// pathFinderHandler serves both PathFinder and ExtendedPathFinder: the
// extended variant is given a larger initial
// path set by the stage data injector and otherwise runs identical logic.
type pathFinderHandler struct {
	providers ProviderResolver
	models    *config.Resolver
	prompts   promptcompose.Composer
}

func newPathFinderHandler(deps Dependencies) Handler {
	return &pathFinderHandler{providers: deps.Providers, models: deps.Models, prompts: deps.Prompts}
}

func (h *pathFinderHandler) Name() string { return "path-finder" }

func (h *pathFinderHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindPathFinder || kind == job.KindExtendedPathFinder
}

func (h *pathFinderHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.PathFinderPayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for path-finder", req.Payload)
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	prompt, err := h.prompts.Compose(ctx, promptcompose.Request{
		Kind:            req.Job.Kind,
		TaskDescription: payload.TaskDescription,
		Extra: map[string]string{
			"Candidate Paths":  strings.Join(payload.InitialPaths, "\n"),
			"Instructions": "List, one per line, the file paths from the candidates above that are actually relevant to the task. Do not invent paths that are not in the candidate list.",
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
