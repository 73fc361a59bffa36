package providerproxy

import (
	pkgerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// resolveDispatcher builds the Provider a single request should be sent
// through: the model's owning provider, wrapped in a FailoverProvider
// when a fallback is configured so a retryable provider error re-dispatches
// to the fallback automatically rather than failing the request outright.
func (h *Handler) resolveDispatcher(modelID string) (llm.Provider, error) {
	primary, err := h.Registry.ResolveModel(modelID)
	if err != nil {
		return nil, err
	}
	if h.FallbackProvider == "" || primary.Name() == h.FallbackProvider {
		return primary, nil
	}
	if !h.Registry.IsActive(h.FallbackProvider) {
		return primary, nil
	}

	failover, err := h.Registry.CreateFailover(llm.FailoverConfig{
		CircuitBreakerThreshold: 5,
		OnFailover: func(from, to string, ferr error) {
			h.Log.Warn("providerproxy: failing over", "from", from, "to", to, "error", ferr)
		},
	}, primary.Name(), h.FallbackProvider)
	if err != nil {
		// A misconfigured fallback shouldn't block the primary path.
		return primary, nil
	}
	return failover, nil
}

// dispatchError normalizes a raw provider error into the taxonomy's
// ProviderError when the provider implementation didn't already.
func dispatchError(providerName string, err error) error {
	if err == nil {
		return nil
	}
	var pe *pkgerrors.ProviderError
	if ok := asProviderError(err, &pe); ok {
		return pe
	}
	return &pkgerrors.ProviderError{
		Provider: providerName,
		Message:  err.Error(),
		Cause:    err,
	}
}

func asProviderError(err error, target **pkgerrors.ProviderError) bool {
	for err != nil {
		if pe, ok := err.(*pkgerrors.ProviderError); ok {
			*target = pe
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
