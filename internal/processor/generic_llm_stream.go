package processor

import (
	"context"
	"errors"
	"fmt"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// ErrStreamCanceled is returned by a Streamer when cancellation was
// observed mid-stream, letting the handler route to Result.Canceled
// (which preserves whatever partial usage accrued) rather than Failed.
var ErrStreamCanceled = errors.New("processor: stream canceled")

func init() {
	RegisterFactory(job.KindGenericLLMStream, newGenericLLMStreamHandler)
}

// genericLLMStreamHandler is the only processor that leaves Result.Response
// empty: the Streamer has already appended every chunk to the job record
// as it arrived, so the shared skeleton must not append a second, final
// copy of the same text.
type genericLLMStreamHandler struct {
	providers ProviderResolver
	stream    Streamer
}

func newGenericLLMStreamHandler(deps Dependencies) Handler {
	return &genericLLMStreamHandler{providers: deps.Providers, stream: deps.Stream}
}

func (h *genericLLMStreamHandler) Name() string { return "generic-llm-stream" }

func (h *genericLLMStreamHandler) CanHandle(kind job.Kind) bool {
	return kind == job.KindGenericLLMStream
}

func (h *genericLLMStreamHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	payload, ok := req.Payload.(*job.GenericLLMStreamPayload)
	if !ok {
		return nil, fmt.Errorf("processor: unexpected payload type %T for llm-stream", req.Payload)
	}

	if req.Canceled() {
		return &Result{Canceled: true}, nil
	}

	provider, err := h.providers.Resolve(ctx, req.Job.ModelID)
	if err != nil {
		return &Result{ErrorMessage: err.Error(), ErrorCategory: "config"}, nil
	}

	llmReq := llm.CompletionRequest{
		Messages:    []llm.Message{{Role: llm.MessageRoleUser, Content: payload.Prompt}},
		Model:       req.Job.ModelID,
		Temperature: req.Job.Temperature,
		MaxTokens:   req.Job.MaxOutputTokens,
	}

	usage, modelUsed, err := h.stream.Stream(ctx, req.Job, provider, llmReq, req.Cancel)
	if err != nil {
		if errors.Is(err, ErrStreamCanceled) {
			return &Result{Canceled: true, Usage: usage, ModelUsed: modelUsed, ErrorMessage: "canceled during streaming"}, nil
		}
		return &Result{ErrorMessage: err.Error(), ErrorCategory: "external"}, nil
	}

	return &Result{Usage: usage, ModelUsed: modelUsed}, nil
}
