// Package processor implements the dispatch table from job kind to
// handler, plus the shared skeleton every handler follows.
// Registration uses a two-phase pattern
// (RegisterFactory at import time via init(), one handler instantiated
// per kind) adapted from provider-name keys to job.Kind keys.
package processor

import (
	"context"
	"fmt"
	"sync"

	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
)

// Handler is the capability set a processor variant implements: polymorphic
// over {name, can_handle(job), process(job, context)}.
type Handler interface {
	Name() string
	CanHandle(kind job.Kind) bool
	Process(ctx context.Context, req *Request) (*Result, error)
}

// Factory builds a Handler given the shared dependency bundle.
type Factory func(deps Dependencies) Handler

// Registry is a map from job.Kind to its single registered Handler.
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[job.Kind]Factory
	handlers  map[job.Kind]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[job.Kind]Factory),
		handlers:  make(map[job.Kind]Handler),
	}
}

// RegisterFactory registers a handler factory for a kind. Called from
// init() in each handler's file. Re-registering a kind overwrites the
// previous factory (idempotent).
func (r *Registry) RegisterFactory(kind job.Kind, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Build instantiates every registered factory against deps. Call once at
// startup after all handler packages have registered via init().
func (r *Registry) Build(deps Dependencies) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for kind, factory := range r.factories {
		r.handlers[kind] = factory(deps)
	}
}

// Get returns the handler registered for kind.
func (r *Registry) Get(kind job.Kind) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("processor: no handler registered for kind %q", kind)
	}
	return h, nil
}

// globalRegistry is a package-level singleton so that
// handler files can self-register via init() without a constructor
// argument.
var globalRegistry = NewRegistry()

// RegisterFactory registers a handler factory in the global registry.
func RegisterFactory(kind job.Kind, factory Factory) {
	globalRegistry.RegisterFactory(kind, factory)
}

// BuildGlobal instantiates every globally registered factory.
func BuildGlobal(deps Dependencies) *Registry {
	globalRegistry.Build(deps)
	return globalRegistry
}
