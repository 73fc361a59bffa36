package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	pkgerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
)

var (
	// ErrAllProvidersFailed indicates all providers in the failover chain failed.
	ErrAllProvidersFailed = errors.New("all providers failed")

	// ErrCircuitOpen indicates the circuit breaker is open for a provider.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// FailoverConfig configures provider failover behavior.
type FailoverConfig struct {
	// ProviderOrder is the ordered list of provider names to try.
	ProviderOrder []string

	// CircuitBreakerThreshold is the number of consecutive failures before opening the circuit.
	// 0 disables circuit breaker.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long to keep the circuit open before trying again.
	CircuitBreakerTimeout time.Duration

	// OnFailover is called when failing over to the next provider.
	// Useful for logging and monitoring.
	OnFailover func(from, to string, err error)
}

// DefaultFailoverConfig returns sensible default failover settings.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		ProviderOrder:           []string{},
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
		OnFailover:              nil,
	}
}

// FailoverProvider implements automatic failover between multiple providers,
// tripping a per-provider circuit breaker so a consistently failing
// provider stops receiving traffic until its cooldown elapses.
type FailoverProvider struct {
	registry *Registry
	config   FailoverConfig

	breakersMu sync.Mutex
	breakers   map[string]*gobreaker.CircuitBreaker[interface{}]
}

// NewFailoverProvider creates a provider with automatic failover.
func NewFailoverProvider(registry *Registry, config FailoverConfig) (*FailoverProvider, error) {
	if len(config.ProviderOrder) == 0 {
		return nil, &pkgerrors.ConfigError{
			Key:    "failover.provider_order",
			Reason: "failover requires at least one provider",
		}
	}

	for _, name := range config.ProviderOrder {
		if _, err := registry.Get(name); err != nil {
			return nil, fmt.Errorf("validating failover provider %s: %w", name, err)
		}
	}

	return &FailoverProvider{
		registry: registry,
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker[interface{}]),
	}, nil
}

// Name returns the first (primary) provider's name with a "-failover" suffix.
func (f *FailoverProvider) Name() string {
	if len(f.config.ProviderOrder) > 0 {
		return f.config.ProviderOrder[0] + "-failover"
	}
	return "failover"
}

// Capabilities returns the capabilities of the primary provider.
func (f *FailoverProvider) Capabilities() Capabilities {
	provider, err := f.registry.Get(f.config.ProviderOrder[0])
	if err != nil {
		return Capabilities{}
	}
	return provider.Capabilities()
}

// breakerFor returns (creating if necessary) the circuit breaker guarding
// requests to the named provider. Returns nil when breaking is disabled.
func (f *FailoverProvider) breakerFor(providerName string) *gobreaker.CircuitBreaker[interface{}] {
	if f.config.CircuitBreakerThreshold <= 0 {
		return nil
	}

	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()

	if cb, ok := f.breakers[providerName]; ok {
		return cb
	}

	threshold := uint32(f.config.CircuitBreakerThreshold)
	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        providerName,
		MaxRequests: 1,
		Timeout:     f.config.CircuitBreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	f.breakers[providerName] = cb
	return cb
}

// Complete tries providers in order until one succeeds.
func (f *FailoverProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var lastErr error
	var attemptedProviders []string

	for _, providerName := range f.config.ProviderOrder {
		provider, err := f.registry.Get(providerName)
		if err != nil {
			lastErr = err
			attemptedProviders = append(attemptedProviders, providerName)
			continue
		}

		cb := f.breakerFor(providerName)
		var resp *CompletionResponse
		if cb != nil {
			result, cbErr := cb.Execute(func() (interface{}, error) {
				return provider.Complete(ctx, req)
			})
			if cbErr != nil {
				if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
					err = fmt.Errorf("%w for provider %s", ErrCircuitOpen, providerName)
				} else {
					err = cbErr
				}
			} else {
				resp = result.(*CompletionResponse)
			}
		} else {
			resp, err = provider.Complete(ctx, req)
		}

		if err == nil {
			return resp, nil
		}

		lastErr = err
		attemptedProviders = append(attemptedProviders, providerName)

		if !shouldFailover(err) {
			return nil, fmt.Errorf("provider %s: %w", providerName, err)
		}

		if f.config.OnFailover != nil && len(attemptedProviders) < len(f.config.ProviderOrder) {
			nextProvider := f.config.ProviderOrder[len(attemptedProviders)]
			f.config.OnFailover(providerName, nextProvider, err)
		}
	}

	return nil, wrapAllFailed(lastErr, attemptedProviders)
}

// Stream tries providers in order until one succeeds.
func (f *FailoverProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	var lastErr error
	var attemptedProviders []string

	for _, providerName := range f.config.ProviderOrder {
		provider, err := f.registry.Get(providerName)
		if err != nil {
			lastErr = err
			attemptedProviders = append(attemptedProviders, providerName)
			continue
		}

		cb := f.breakerFor(providerName)
		var chunks <-chan StreamChunk
		if cb != nil {
			result, cbErr := cb.Execute(func() (interface{}, error) {
				return provider.Stream(ctx, req)
			})
			if cbErr != nil {
				if errors.Is(cbErr, gobreaker.ErrOpenState) || errors.Is(cbErr, gobreaker.ErrTooManyRequests) {
					err = fmt.Errorf("%w for provider %s", ErrCircuitOpen, providerName)
				} else {
					err = cbErr
				}
			} else {
				chunks = result.(<-chan StreamChunk)
			}
		} else {
			chunks, err = provider.Stream(ctx, req)
		}

		if err == nil {
			return chunks, nil
		}

		lastErr = err
		attemptedProviders = append(attemptedProviders, providerName)

		if !shouldFailover(err) {
			return nil, fmt.Errorf("provider %s: %w", providerName, err)
		}

		if f.config.OnFailover != nil && len(attemptedProviders) < len(f.config.ProviderOrder) {
			nextProvider := f.config.ProviderOrder[len(attemptedProviders)]
			f.config.OnFailover(providerName, nextProvider, err)
		}
	}

	return nil, wrapAllFailed(lastErr, attemptedProviders)
}

func wrapAllFailed(lastErr error, attempted []string) error {
	var provErr *pkgerrors.ProviderError
	if !errors.As(lastErr, &provErr) {
		return &pkgerrors.ProviderError{
			Provider:   "failover",
			Message:    fmt.Sprintf("all providers failed (tried: %v)", attempted),
			Suggestion: "Check provider availability and configuration",
			Cause:      lastErr,
		}
	}
	return fmt.Errorf("%w (tried: %v): %w", ErrAllProvidersFailed, attempted, lastErr)
}

// CircuitBreakerStatus reports a provider's current breaker state.
type CircuitBreakerStatus struct {
	Open                bool
	ConsecutiveFailures int
}

// GetCircuitBreakerStatus returns the current circuit breaker state for all providers.
func (f *FailoverProvider) GetCircuitBreakerStatus() map[string]CircuitBreakerStatus {
	f.breakersMu.Lock()
	defer f.breakersMu.Unlock()

	status := make(map[string]CircuitBreakerStatus, len(f.breakers))
	for name, cb := range f.breakers {
		counts := cb.Counts()
		status[name] = CircuitBreakerStatus{
			Open:                cb.State() == gobreaker.StateOpen,
			ConsecutiveFailures: int(counts.ConsecutiveFailures),
		}
	}
	return status
}

// shouldFailover determines if an error should trigger failover to the next provider.
// Failover occurs for HTTP 5xx/429 errors, timeouts, and an already-open circuit;
// it never triggers for auth errors (401/403), which are configuration problems
// no amount of retrying across providers will fix.
func shouldFailover(err error) bool {
	if err == nil {
		return false
	}

	var provErr *pkgerrors.ProviderError
	if errors.As(err, &provErr) {
		if provErr.StatusCode == http.StatusUnauthorized || provErr.StatusCode == http.StatusForbidden {
			return false
		}
		return provErr.StatusCode >= 500 ||
			provErr.StatusCode == http.StatusTooManyRequests ||
			provErr.StatusCode == http.StatusRequestTimeout
	}

	var timeoutErr *pkgerrors.TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, ErrCircuitOpen) {
		return true
	}

	type temporary interface {
		Temporary() bool
	}
	if temp, ok := err.(temporary); ok {
		return temp.Temporary()
	}

	return false
}
