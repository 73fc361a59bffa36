package processor

import (
	"context"

	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// RegistryResolver adapts an *llm.Registry into the ProviderResolver
// handlers depend on, so cmd/ wiring doesn't need a bespoke type per
// binary.
type RegistryResolver struct {
	Registry *llm.Registry
}

// Resolve implements ProviderResolver.
func (r RegistryResolver) Resolve(ctx context.Context, modelID string) (llm.Provider, error) {
	return r.Registry.ResolveModel(modelID)
}
