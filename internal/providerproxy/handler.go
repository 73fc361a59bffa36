package providerproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/httpstatus"
	"github.com/helpful-bits/plantocode-orchestrator/internal/ledger"
	"github.com/helpful-bits/plantocode-orchestrator/internal/reqctx"
	pkgerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// tracer instruments the estimate -> reserve -> dispatch -> reconcile
// pipeline so a provider-latency regression shows up as a span, not just
// an aggregate duration metric.
var tracer = otel.Tracer("providerproxy")

// CompletionRequest is the JSON body desktop clients POST to
// /v1/llm/complete and /v1/llm/stream.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []llm.Message `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

// CompletionResponse is returned from /v1/llm/complete.
type CompletionResponse struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
	CostMicros   int64  `json:"cost_micros"`
	RequestID    string `json:"request_id"`
}

// reservationSlack is the fraction by which the pre-dispatch token
// estimate is padded before reserving credit, so a slightly
// under-estimated prompt doesn't fail reconciliation outright; the
// debit is trued up against actual usage in step 6 either way.
const reservationSlack = 1.10

// Complete handles a single non-streaming request:
// authenticate, rate-limit, estimate, reserve, dispatch, reconcile,
// record. It writes a JSON CompletionResponse on success or a JSON
// error body with the taxonomy-mapped status code on failure.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	corrID := reqctx.NewCorrelationID()
	ctx = reqctx.ToContext(ctx, corrID)

	userID, req, err := h.authenticateAndDecode(ctx, r)
	if err != nil {
		h.writeError(w, err)
		return
	}

	resp, err := h.dispatchCompletion(ctx, userID, req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	resp.RequestID = corrID.String()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// authenticateAndDecode runs auth and the per-user rate limiter, then
// decodes and validates the request body. Shared by Complete and Stream.
func (h *Handler) authenticateAndDecode(ctx context.Context, r *http.Request) (string, *CompletionRequest, error) {
	token := bearerToken(r.Header.Get("Authorization"))
	userID, err := h.Auth.Authenticate(ctx, token)
	if err != nil {
		var authErr *pkgerrors.AuthError
		if !errors.As(err, &authErr) {
			err = &pkgerrors.AuthError{Reason: err.Error()}
		}
		return "", nil, err
	}

	if lim := h.limiterFor(userID); lim != nil && !lim.Allow() {
		return "", nil, &pkgerrors.TooManyRequestsError{Limit: h.RateBurst, RetryAfter: time.Second}
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return "", nil, &pkgerrors.ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	if req.Model == "" {
		return "", nil, &pkgerrors.ValidationError{Field: "model", Message: "model is required"}
	}
	if len(req.Messages) == 0 {
		return "", nil, &pkgerrors.ValidationError{Field: "messages", Message: "at least one message is required"}
	}
	return userID, &req, nil
}

// dispatchCompletion runs the estimate -> reserve -> dispatch ->
// reconcile -> record pipeline shared by the non-streaming path. The
// streaming path in stream.go reuses estimateAndReserve and
// reconcileAndRecord directly since the dispatch step differs.
func (h *Handler) dispatchCompletion(ctx context.Context, userID string, req *CompletionRequest) (*CompletionResponse, error) {
	ctx, span := tracer.Start(ctx, "providerproxy.dispatch_completion", trace.WithAttributes(
		attribute.String("model", req.Model),
	))
	defer span.End()

	pricing, reserved, fromFree, fromPaid, err := h.estimateAndReserve(ctx, userID, req.Model, req.Messages)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reserve failed")
		return nil, err
	}

	provider, err := h.resolveDispatcher(req.Model)
	if err != nil {
		span.RecordError(err)
		h.refundReservation(ctx, userID, fromFree, fromPaid, "refund:"+req.Model+":provider-not-found")
		return nil, err
	}
	span.SetAttributes(attribute.String("provider", provider.Name()))

	resp, dispatchErr := provider.Complete(ctx, llm.CompletionRequest{
		Messages:    req.Messages,
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Metadata:    map[string]string{"correlation_id": reqctx.FromContextOrEmpty(ctx).String()},
	})
	if dispatchErr != nil {
		normalized := dispatchError(provider.Name(), dispatchErr)
		span.RecordError(normalized)
		span.SetStatus(codes.Error, "dispatch failed")
		h.refundReservation(ctx, userID, fromFree, fromPaid, "refund:"+req.Model+":dispatch-failed")
		h.recordUsage(ctx, userID, req.Model, provider.Name(), "", 0, 0, money.Amount{}, true, normalized.Error())
		return nil, normalized
	}

	actualCost := pricing.Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	h.reconcile(ctx, userID, reserved, actualCost, req.Model)
	h.recordUsage(ctx, userID, req.Model, provider.Name(), resp.RequestID,
		resp.Usage.InputTokens, resp.Usage.OutputTokens, actualCost, false, "")

	return &CompletionResponse{
		Content:      resp.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.InputTokens,
		OutputTokens: resp.Usage.OutputTokens,
		CostMicros:   actualCost.Micros(),
	}, nil
}

// estimateAndReserve implements steps 2-3: estimate input tokens,
// price the padded estimate, and debit the reservation from the user's
// ledger before any provider call is made.
func (h *Handler) estimateAndReserve(ctx context.Context, userID, modelID string, messages []llm.Message) (config.Pricing, money.Amount, money.Amount, money.Amount, error) {
	pricing, err := h.Models.Pricing(modelID)
	if err != nil {
		return config.Pricing{}, money.Amount{}, money.Amount{}, money.Amount{}, err
	}

	estimatedInput, err := h.Estimator.Estimate(ctx, modelID, messages)
	if err != nil {
		return config.Pricing{}, money.Amount{}, money.Amount{}, money.Amount{}, err
	}
	paddedInput := int(float64(estimatedInput) * reservationSlack)

	// Output is unknown ahead of dispatch; reserve against the estimated
	// input alone plus one padded-input's worth of output headroom,
	// corrected down to actual cost once the provider responds.
	reserved := pricing.Cost(paddedInput, paddedInput)

	fromFree, fromPaid, err := h.Ledger.DebitWithPriority(ctx, userID, reserved, "reserve:"+modelID)
	if err != nil {
		return config.Pricing{}, money.Amount{}, money.Amount{}, money.Amount{}, err
	}
	return pricing, reserved, fromFree, fromPaid, nil
}

// reconcile implements step 6: true up the reservation against the
// provider's actually-reported usage, crediting back an overcharge or
// debiting an undercharge.
func (h *Handler) reconcile(ctx context.Context, userID string, reserved, actual money.Amount, modelID string) {
	if actual.Cmp(reserved) == 0 {
		return
	}
	if actual.Cmp(reserved) < 0 {
		refund := reserved.Sub(actual)
		if err := h.Ledger.Credit(ctx, userID, refund, "reconcile-refund:"+modelID); err != nil {
			h.Log.Error("providerproxy: reconcile refund failed", "user", userID, "model", modelID, "error", err)
		}
		return
	}
	shortfall := actual.Sub(reserved)
	if _, _, err := h.Ledger.DebitWithPriority(ctx, userID, shortfall, "reconcile-shortfall:"+modelID); err != nil {
		// The provider call already succeeded and billed the user's
		// account for the reservation; an uncollectable shortfall is
		// surfaced through the reconciliation sweep rather than here.
		h.Log.Warn("providerproxy: reconcile shortfall uncollected", "user", userID, "model", modelID, "amount", shortfall, "error", err)
	}
}

// refundReservation reverses a debit made before a dispatch that never
// happened (provider not found) or that failed outright.
func (h *Handler) refundReservation(ctx context.Context, userID string, fromFree, fromPaid money.Amount, reference string) {
	total := fromFree.Add(fromPaid)
	if total.IsZero() {
		return
	}
	if err := h.Ledger.Credit(ctx, userID, total, reference); err != nil {
		h.Log.Error("providerproxy: refund failed", "user", userID, "reference", reference, "error", err)
	}
}

// recordUsage implements step 7, writing the audit row. Failures to
// record are logged but never fail the caller's already-completed request.
func (h *Handler) recordUsage(ctx context.Context, userID, modelID, provider, requestID string, inputTokens, outputTokens int, cost money.Amount, canceled bool, errMessage string) {
	metadata := ""
	if errMessage != "" {
		if b, err := json.Marshal(map[string]string{"error": errMessage}); err == nil {
			metadata = string(b)
		}
	}
	rec := ledger.APIUsageRecord{
		UserID:           userID,
		ServiceName:      modelID,
		Provider:         provider,
		RequestID:        requestID,
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
		TotalTokens:      inputTokens + outputTokens,
		Cost:             cost,
		Canceled:         canceled,
		Metadata:         metadata,
	}
	if err := h.Ledger.RecordAPIUsage(ctx, rec); err != nil {
		h.Log.Error("providerproxy: recording api usage failed", "user", userID, "model", modelID, "error", err)
	}
}

// errorBody is the JSON shape returned on any failed request.
type errorBody struct {
	Error    string `json:"error"`
	Category string `json:"category"`
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	status := httpstatus.For(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Category: httpstatus.Category(err)})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if strings.HasPrefix(header, prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return strings.TrimSpace(header)
}
