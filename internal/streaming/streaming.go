// Package streaming implements the streaming handler that drains a
// provider's chunk channel into the job record one chunk at a time, so a
// client tailing the job sees output as it's generated rather than only
// on completion.
//
// This follows the llm.Provider.Stream contract directly; the three wire
// dialects this system distinguishes between (OpenAI/OpenRouter
// delta.content + trailing usage, Anthropic typed events, Google's
// provider-specific fields) are already normalized into llm.StreamChunk
// by the Provider implementations in pkg/llm/providers, so this package
// only has to consume the normalized shape.
package streaming

import (
	"context"
	"log/slog"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
	"github.com/helpful-bits/plantocode-orchestrator/internal/processor"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// ErrCanceled is the processor package's stream-canceled sentinel,
// re-exported here so callers that only import streaming don't also need
// to import processor just to compare errors.
var ErrCanceled = processor.ErrStreamCanceled

// TokenCounter counts tokens in a bare text fragment. The handler keeps
// a running received-token estimate with it so a canceled or usage-less
// stream still reports how many tokens it got.
type TokenCounter interface {
	CountText(text string) int
}

// Handler drains one provider stream into the job store.
type Handler struct {
	store  jobstore.Store
	models *config.Resolver
	tokens TokenCounter
	log    *slog.Logger
}

// New constructs a streaming Handler. tokens may be nil, in which case
// the received-token estimate for usage-less streams stays zero and
// only the provider's own usage block populates the counters.
func New(store jobstore.Store, models *config.Resolver, tokens TokenCounter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{store: store, models: models, tokens: tokens, log: log}
}

// Stream implements processor.Streamer. It is the single suspension point
// named for per-chunk cancellation ("after each streamed chunk"): cancel
// is polled before each AppendStream call, never mid-append.
func (h *Handler) Stream(ctx context.Context, j *job.Job, provider llm.Provider, req llm.CompletionRequest, cancel <-chan struct{}) (jobstore.Usage, string, error) {
	chunks, err := provider.Stream(ctx, req)
	if err != nil {
		return jobstore.Usage{}, "", err
	}

	var (
		usage     jobstore.Usage
		usageSeen bool
		estTokens int
		charTotal int
		modelUsed = req.Model
	)

	// finish fills the counters from the running estimate when no
	// provider usage block arrived. Cost stays unset in that case: an
	// estimate is good enough for counters, not for billing.
	finish := func() jobstore.Usage {
		if !usageSeen {
			usage.TokensReceived = estTokens
			usage.TotalTokens = estTokens
		}
		return usage
	}

	for chunk := range chunks {
		select {
		case <-cancel:
			return finish(), modelUsed, ErrCanceled
		default:
		}

		if chunk.Error != nil {
			return finish(), modelUsed, chunk.Error
		}

		if chunk.Delta.Content != "" {
			charTotal += len(chunk.Delta.Content)
			delta := 0
			if h.tokens != nil {
				delta = h.tokens.CountText(chunk.Delta.Content)
			}
			estTokens += delta
			if err := h.store.AppendStream(ctx, j.ID, chunk.Delta.Content, delta, charTotal, nil); err != nil {
				return finish(), modelUsed, err
			}
		}

		// Last observed usage block wins when a stream carries both
		// per-delta usage and a trailing summary.
		if chunk.Usage != nil {
			usageSeen = true
			usage.TokensSent = chunk.Usage.InputTokens
			usage.TokensReceived = chunk.Usage.OutputTokens
			usage.TotalTokens = chunk.Usage.TotalTokens
			if h.models != nil {
				if pricing, perr := h.models.Pricing(req.Model); perr == nil {
					usage.Cost = pricing.Cost(chunk.Usage.InputTokens, chunk.Usage.OutputTokens)
				}
			}
		}
	}

	select {
	case <-cancel:
		return finish(), modelUsed, ErrCanceled
	default:
	}

	return finish(), modelUsed, nil
}
