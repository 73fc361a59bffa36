package providerproxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/ledger"
	"github.com/helpful-bits/plantocode-orchestrator/internal/tokenestimate"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

type stubAuthenticator struct {
	userID string
	err    error
}

func (s stubAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.userID, nil
}

type stubEstimator struct{ tokens int }

func (s stubEstimator) Estimate(ctx context.Context, modelID string, messages []llm.Message) (int, error) {
	return s.tokens, nil
}

type stubProvider struct {
	name    string
	content string
	usage   llm.TokenUsage
	err     error
	chunks  []llm.StreamChunk
}

func (p *stubProvider) Name() string { return p.name }
func (p *stubProvider) Capabilities() llm.Capabilities {
	return llm.Capabilities{Streaming: true, Models: []llm.ModelInfo{{ID: "test-model"}}}
}
func (p *stubProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.CompletionResponse{Content: p.content, Model: req.Model, Usage: p.usage, RequestID: "req-1"}, nil
}
func (p *stubProvider) Stream(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	if p.err != nil {
		return nil, p.err
	}
	ch := make(chan llm.StreamChunk, len(p.chunks))
	for _, c := range p.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func newTestHandler(t *testing.T, provider llm.Provider, userID string) (*Handler, *ledger.SQLStore) {
	t.Helper()
	store, err := ledger.NewSQLiteStore(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	registry := llm.NewRegistry()
	require.NoError(t, registry.Register(provider))

	pricing := map[string]config.Pricing{
		"test-model": {InputPerMillion: money.FromFloat(1), OutputPerMillion: money.FromFloat(2)},
	}
	resolver := config.NewResolver(nil, config.ModelConfig{}, pricing)

	h := New(stubAuthenticator{userID: userID}, registry, resolver, store, stubEstimator{tokens: 100}, nil)
	return h, store
}

func TestHandler_CompleteDebitsReservesDispatchesAndReconciles(t *testing.T) {
	provider := &stubProvider{
		name:    "test-provider",
		content: "hello world",
		usage:   llm.TokenUsage{InputTokens: 50, OutputTokens: 20, TotalTokens: 70},
	}
	h, store := newTestHandler(t, provider, "user-1")

	require.NoError(t, store.Credit(context.Background(), "user-1", money.FromFloat(10), "seed"))

	body := strings.NewReader(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/llm/complete", body)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()

	h.Complete(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp CompletionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, "hello world", resp.Content)
	require.Equal(t, 50, resp.InputTokens)
	require.Equal(t, 20, resp.OutputTokens)

	account, err := store.Balance(context.Background(), "user-1")
	require.NoError(t, err)
	// Reserved against a padded 100-token estimate then reconciled down to
	// the actual 50/20 usage: balance reflects only the actual cost.
	require.True(t, account.Balance.Float64() < 10)

	usage, err := store.ListAPIUsage(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.Equal(t, "test-provider", usage[0].Provider)
	require.False(t, usage[0].Canceled)
}

func TestHandler_CompleteRejectsInsufficientCredit(t *testing.T) {
	provider := &stubProvider{name: "test-provider", content: "unreachable"}
	h, _ := newTestHandler(t, provider, "user-2")

	body := strings.NewReader(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/llm/complete", body)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()

	h.Complete(rec, req)

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
}

func TestHandler_CompleteRefundsOnDispatchFailure(t *testing.T) {
	provider := &stubProvider{name: "test-provider", err: errors.New("provider exploded")}
	h, store := newTestHandler(t, provider, "user-3")
	require.NoError(t, store.Credit(context.Background(), "user-3", money.FromFloat(10), "seed"))

	body := strings.NewReader(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/llm/complete", body)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()

	h.Complete(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)

	account, err := store.Balance(context.Background(), "user-3")
	require.NoError(t, err)
	require.Equal(t, money.FromFloat(10), account.Balance)

	usage, err := store.ListAPIUsage(context.Background(), "user-3", 10)
	require.NoError(t, err)
	require.Len(t, usage, 1)
	require.True(t, usage[0].Canceled)
}

func TestHandler_AuthFailureReturnsUnauthorized(t *testing.T) {
	provider := &stubProvider{name: "test-provider"}
	h, _ := newTestHandler(t, provider, "user-4")
	h.Auth = stubAuthenticator{err: errors.New("bad token")}

	body := strings.NewReader(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/llm/complete", body)
	rec := httptest.NewRecorder()

	h.Complete(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_WebhookIsIdempotent(t *testing.T) {
	provider := &stubProvider{name: "test-provider"}
	h, store := newTestHandler(t, provider, "user-5")

	payload := `{"event_id":"evt-1","event_type":"topup","user_id":"user-5","amount_micros":5000000}`

	req1 := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", strings.NewReader(payload))
	rec1 := httptest.NewRecorder()
	h.Webhook(rec1, req1)
	require.Equal(t, http.StatusOK, rec1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/webhooks/billing", strings.NewReader(payload))
	rec2 := httptest.NewRecorder()
	h.Webhook(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)

	account, err := store.Balance(context.Background(), "user-5")
	require.NoError(t, err)
	require.Equal(t, money.FromFloat(5), account.Balance)
}

func TestHandler_StreamRelaysChunksAndReconciles(t *testing.T) {
	provider := &stubProvider{
		name: "test-provider",
		chunks: []llm.StreamChunk{
			{Delta: llm.StreamDelta{Content: "foo"}},
			{Delta: llm.StreamDelta{Content: "bar"}},
			{FinishReason: llm.FinishReasonStop, Usage: &llm.TokenUsage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
		},
	}
	h, store := newTestHandler(t, provider, "user-6")
	require.NoError(t, store.Credit(context.Background(), "user-6", money.FromFloat(10), "seed"))

	body := strings.NewReader(`{"model":"test-model","messages":[{"role":"user","content":"hi"}]}`)
	req := httptest.NewRequest(http.MethodPost, "/v1/llm/stream", body)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()

	h.Stream(rec, req)

	require.Contains(t, rec.Body.String(), `"content":"foo"`)
	require.Contains(t, rec.Body.String(), `"content":"bar"`)
	require.Contains(t, rec.Body.String(), `"type":"done"`)

	usage, err := store.ListAPIUsage(context.Background(), "user-6", 10)
	require.NoError(t, err)
	require.Len(t, usage, 1)
}

func TestTokenEstimatorIsWired(t *testing.T) {
	// Confirms tokenestimate.Estimator satisfies the interface the
	// handler depends on without a concrete provider call.
	var _ tokenestimate.Estimator = tokenestimate.NewTiktokenEstimator()
}
