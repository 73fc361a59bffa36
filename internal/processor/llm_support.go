package processor

import (
	"context"
	"fmt"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// runCompletion is the shared non-streaming LLM call every direct-request
// handler (regex generation, path finding, path correction, relevance
// assessment, implementation planning, plan merging) delegates to;
// transcription goes through the Transcriber instead. Model selection is already resolved onto the job record
// by the time a processor sees it; processors only need Job.ModelID/Temperature/MaxOutputTokens
// and a composed prompt.
func runCompletion(ctx context.Context, providers ProviderResolver, models *config.Resolver, j *job.Job, prompt string) (string, jobstore.Usage, error) {
	provider, err := providers.Resolve(ctx, j.ModelID)
	if err != nil {
		return "", jobstore.Usage{}, fmt.Errorf("processor: resolving provider for model %q: %w", j.ModelID, err)
	}

	req := llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.MessageRoleUser, Content: prompt}},
		Model:       j.ModelID,
		Temperature: j.Temperature,
		MaxTokens:   j.MaxOutputTokens,
	}

	resp, err := provider.Complete(ctx, req)
	if err != nil {
		return "", jobstore.Usage{}, err
	}

	usage := jobstore.Usage{
		TokensSent:     resp.Usage.InputTokens,
		TokensReceived: resp.Usage.OutputTokens,
		TotalTokens:    resp.Usage.TotalTokens,
	}
	if models != nil {
		if pricing, err := models.Pricing(j.ModelID); err == nil {
			usage.Cost = pricing.Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
		}
	}
	return resp.Content, usage, nil
}
