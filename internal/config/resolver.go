// Package config resolves effective model parameters and pricing for a
// job, following the cascade every processor resolves through: a per-job payload
// override, then a session's task-specific setting, then the server
// default for that task kind.
package config

import (
	"sync"

	coreerrors "github.com/helpful-bits/plantocode-orchestrator/pkg/errors"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/money"
)

// ModelConfig is the resolved set of parameters a processor needs to
// issue a request: which model, and its sampling/length knobs.
type ModelConfig struct {
	ModelID         string
	Temperature     *float64
	MaxOutputTokens *int
}

// merge overlays non-zero fields of override onto the receiver, used to
// implement the cascade without requiring every layer to be complete.
func (m ModelConfig) merge(override ModelConfig) ModelConfig {
	out := m
	if override.ModelID != "" {
		out.ModelID = override.ModelID
	}
	if override.Temperature != nil {
		out.Temperature = override.Temperature
	}
	if override.MaxOutputTokens != nil {
		out.MaxOutputTokens = override.MaxOutputTokens
	}
	return out
}

// Pricing is the published per-token cost for a model, expressed as
// cost per one million tokens (the unit most providers publish).
type Pricing struct {
	InputPerMillion  money.Amount
	OutputPerMillion money.Amount
}

// Cost computes the dollar cost of the given token counts under this
// pricing. Uses Float64 only at the boundary (ratio against 1e6); the
// result is re-quantized immediately back into Amount.
func (p Pricing) Cost(inputTokens, outputTokens int) money.Amount {
	inputCost := money.FromFloat(p.InputPerMillion.Float64() * float64(inputTokens) / 1_000_000)
	outputCost := money.FromFloat(p.OutputPerMillion.Float64() * float64(outputTokens) / 1_000_000)
	return inputCost.Add(outputCost)
}

// TaskKind identifies a category of work for server-default resolution.
// It is deliberately looser than job.Kind: several job kinds share one
// task-default entry (e.g. path-finder and extended-path-finder).
type TaskKind string

// Resolver holds server-wide defaults and published pricing, and applies
// the three-layer cascade. Safe for concurrent use; callers reload it
// wholesale (via Swap) rather than mutate it in place.
type Resolver struct {
	mu       sync.RWMutex
	defaults map[TaskKind]ModelConfig
	fallback ModelConfig // the "documented secondary default" for task-default lookups
	pricing  map[string]Pricing
}

// NewResolver constructs a Resolver from server defaults, a secondary
// fallback applied only when a task has no dedicated default, and
// published per-model pricing.
func NewResolver(defaults map[TaskKind]ModelConfig, fallback ModelConfig, pricing map[string]Pricing) *Resolver {
	return &Resolver{defaults: defaults, fallback: fallback, pricing: pricing}
}

// Resolve applies payload override → session task setting → server
// default, in that priority order. All three are optional except the
// server default, which is the resolver's responsibility to guarantee.
func (r *Resolver) Resolve(task TaskKind, payloadOverride, sessionSetting *ModelConfig) (ModelConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	base, ok := r.defaults[task]
	if !ok {
		if r.fallback.ModelID == "" {
			return ModelConfig{}, &coreerrors.ConfigError{
				Key:    string(task),
				Reason: "no server default configured for task and no secondary fallback model is set",
			}
		}
		base = r.fallback
	}

	if sessionSetting != nil {
		base = base.merge(*sessionSetting)
	}
	if payloadOverride != nil {
		base = base.merge(*payloadOverride)
	}

	if base.ModelID == "" {
		return ModelConfig{}, &coreerrors.ConfigError{
			Key:    string(task),
			Reason: "resolved configuration has no model id",
		}
	}
	return base, nil
}

// Pricing returns the published pricing for modelID. Missing pricing is
// a Config error per "missing model or pricing for a task;
// surface to caller, never defaulted silently".
func (r *Resolver) Pricing(modelID string) (Pricing, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.pricing[modelID]
	if !ok {
		return Pricing{}, &coreerrors.ConfigError{
			Key:    modelID,
			Reason: "no published pricing for model",
		}
	}
	return p, nil
}

// Swap atomically replaces the resolver's defaults, fallback, and
// pricing tables (e.g. after a config file reload via fsnotify).
func (r *Resolver) Swap(defaults map[TaskKind]ModelConfig, fallback ModelConfig, pricing map[string]Pricing) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = defaults
	r.fallback = fallback
	r.pricing = pricing
}
