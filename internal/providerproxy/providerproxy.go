// Package providerproxy implements the server-side HTTP entry point
// desktop clients call instead of talking to an LLM provider directly.
// It composes auth -> estimate -> reserve -> dispatch -> extract ->
// reconcile -> record in one request path, so every provider call is
// metered against the caller's credit account and reconciled against the
// provider's reported usage before the response is considered done.
package providerproxy

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/ledger"
	"github.com/helpful-bits/plantocode-orchestrator/internal/tokenestimate"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// Authenticator resolves a bearer token to a user id. Token issuance
// itself (OAuth) happens elsewhere; this is the narrow interface the
// proxy depends on.
type Authenticator interface {
	// Authenticate validates token (including any token-binding claim
	// the implementation requires) and returns the owning user id.
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// Handler is the proxy's HTTP surface. One Handler instance is shared by
// the chi router cmd/orchestrator-server wires up for /v1/llm/* and
// /v1/webhooks/*.
type Handler struct {
	Auth      Authenticator
	Registry  *llm.Registry
	Models    *config.Resolver
	Ledger    ledger.Store
	Estimator tokenestimate.Estimator
	Log       *slog.Logger

	// FallbackProvider is the provider name (registered in Registry)
	// re-dispatched through on a retryable provider error. Canonically
	// OpenRouter.
	FallbackProvider string

	// RateLimit and RateBurst configure a per-user token-bucket limiter.
	// Zero RateLimit disables rate limiting entirely (the default, and
	// what tests use).
	RateLimit rate.Limit
	RateBurst int

	limitersMu sync.Mutex
	limiters   map[string]*rate.Limiter
}

// New constructs a Handler with the given collaborators. Callers set
// RateLimit/RateBurst afterward if they want per-user throttling.
func New(auth Authenticator, registry *llm.Registry, models *config.Resolver, store ledger.Store, estimator tokenestimate.Estimator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		Auth:      auth,
		Registry:  registry,
		Models:    models,
		Ledger:    store,
		Estimator: estimator,
		Log:       log,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// limiterFor returns (creating if necessary) the per-user token-bucket
// limiter, or nil if rate limiting is disabled.
func (h *Handler) limiterFor(userID string) *rate.Limiter {
	if h.RateLimit == 0 {
		return nil
	}
	h.limitersMu.Lock()
	defer h.limitersMu.Unlock()
	l, ok := h.limiters[userID]
	if !ok {
		burst := h.RateBurst
		if burst <= 0 {
			burst = 1
		}
		l = rate.NewLimiter(h.RateLimit, burst)
		h.limiters[userID] = l
	}
	return l
}
