package providerproxy

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/helpful-bits/plantocode-orchestrator/internal/reqctx"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// streamEvent is one SSE data payload for /v1/llm/stream.
type streamEvent struct {
	Type         string `json:"type"`
	Content      string `json:"content,omitempty"`
	FinishReason string `json:"finish_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Stream implements /v1/llm/stream: the same auth/estimate/reserve
// pipeline as Complete, but relays the provider's chunk stream to the
// client as Server-Sent Events instead of waiting for the full
// response.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	corrID := reqctx.NewCorrelationID()
	ctx = reqctx.ToContext(ctx, corrID)

	userID, req, err := h.authenticateAndDecode(ctx, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	pricing, reserved, fromFree, fromPaid, err := h.estimateAndReserve(ctx, userID, req.Model, req.Messages)
	if err != nil {
		h.writeError(w, err)
		return
	}

	provider, err := h.resolveDispatcher(req.Model)
	if err != nil {
		h.refundReservation(ctx, userID, fromFree, fromPaid, "refund:"+req.Model+":provider-not-found")
		h.writeError(w, err)
		return
	}

	chunks, err := provider.Stream(ctx, llm.CompletionRequest{
		Messages:    req.Messages,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Metadata:    map[string]string{"correlation_id": corrID.String()},
	})
	if err != nil {
		h.refundReservation(ctx, userID, fromFree, fromPaid, "refund:"+req.Model+":dispatch-failed")
		h.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Correlation-ID", corrID.String())

	var usage llm.TokenUsage
	var streamErr error

	for chunk := range chunks {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
		default:
		}
		if streamErr != nil {
			break
		}

		if chunk.Error != nil {
			streamErr = chunk.Error
			writeSSE(w, flusher, streamEvent{Type: "error", Error: chunk.Error.Error()})
			break
		}
		if chunk.Delta.Content != "" {
			writeSSE(w, flusher, streamEvent{Type: "delta", Content: chunk.Delta.Content})
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if chunk.FinishReason != "" {
			writeSSE(w, flusher, streamEvent{
				Type: "done", FinishReason: string(chunk.FinishReason),
				InputTokens: usage.InputTokens, OutputTokens: usage.OutputTokens,
			})
		}
	}

	if streamErr != nil {
		h.refundReservation(ctx, userID, fromFree, fromPaid, "refund:"+req.Model+":stream-failed")
		h.recordUsage(ctx, userID, req.Model, provider.Name(), "", 0, 0, money.Amount{}, true, streamErr.Error())
		return
	}

	actualCost := pricing.Cost(usage.InputTokens, usage.OutputTokens)
	h.reconcile(ctx, userID, reserved, actualCost, req.Model)
	h.recordUsage(ctx, userID, req.Model, provider.Name(), corrID.String(), usage.InputTokens, usage.OutputTokens, actualCost, false, "")
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, ev streamEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", b)
	flusher.Flush()
}
