package processor

import (
	"context"
	"fmt"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/promptcompose"
)

func init() {
	RegisterFactory(job.KindRegexGeneration, newRegexGenerationHandler)
}

// regexGenerationHandler asks the model to propose the path/content
// regular expressions LocalFileFiltering will later execute. It never
// compiles or executes the regexes itself; that validation belongs to
// LocalFileFiltering's typed error path.
type regexGenerationHandler struct {
	providers ProviderResolver
	models    *config.Resolver
	prompts   promptcompose.Composer
}

func newRegexGenerationHandler(deps Dependencies) Handler {
	return &regexGenerationHandler{providers: deps.Providers, models: deps.Models, prompts: deps.Prompts}
}

func (h *regexGenerationHandler) Name() string { return "regex-generation" }

func (h *regexGenerationHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindRegexGeneration
}

func (h *regexGenerationHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.RegexGenerationPayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for regex-generation", req.Payload)
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	prompt, err := h.prompts.Compose(ctx, promptcompose.Request{
		Kind:            job.KindRegexGeneration,
		TaskDescription: payload.TaskDescription,
		DirectoryTree:   payload.DirectoryTree,
		Extra: map[string]string{
			"Instructions": "Propose path_pattern, content_pattern, neg_path_pattern and neg_content_pattern regular expressions (RE2 syntax) that isolate the files relevant to the task. Respond with a JSON object with those four keys; omit any that don't apply.",
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
