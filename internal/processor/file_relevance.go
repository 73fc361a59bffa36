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
	RegisterFactory(job.KindFileRelevance, newFileRelevanceHandler)
}

type fileRelevanceHandler struct {
	providers ProviderResolver
	models    *config.Resolver
	prompts   promptcompose.Composer
}

func newFileRelevanceHandler(deps Dependencies) Handler {
	return &fileRelevanceHandler{providers: deps.Providers, models: deps.Models, prompts: deps.Prompts}
}

func (h *fileRelevanceHandler) Name() string { return "file-relevance-assessment" }

func (h *fileRelevanceHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindFileRelevance
}

func (h *fileRelevanceHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.FileRelevancePayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for relevance-assessment", req.Payload)
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	prompt, err := h.prompts.Compose(ctx, promptcompose.Request{
		Kind:            job.KindFileRelevance,
		TaskDescription: payload.TaskDescription,
		Extra: map[string]string{
			"Locally Filtered Files": strings.Join(payload.LocallyFilteredFiles, "\n"),
			"Instructions": "Assess which of the files listed above are genuinely relevant to completing the task. " +
				"Respond with one relevant path per line; drop paths that merely matched the filter incidentally.",
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
