package processor

import (
	"context"
	"log/slog"

	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/fsdiscovery"
	"github.com/helpful-bits/plantocode-orchestrator/internal/job"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
	"github.com/helpful-bits/plantocode-orchestrator/internal/promptcompose"
	"github.com/helpful-bits/plantocode-orchestrator/internal/tokenestimate"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// ProviderResolver resolves a model id to the llm.Provider that serves it.
// RegistryResolver implements it with ResolveModel on an *llm.Registry.
type ProviderResolver interface {
	Resolve(ctx context.Context, modelID string) (llm.Provider, error)
}

// WorkflowStarter is the hook FileFinderWorkflow's root handler uses to
// hand control to the orchestrator without processor importing the workflow package
// directly (it is the other direction: workflow enqueues stage jobs that
// processor handles).
type WorkflowStarter interface {
	Start(ctx context.Context, rootJobID string) error
}

// Streamer is the streaming handler, invoked by GenericLlmStream. It owns
// every AppendStream call for the duration of the request, so the returned
// usage/model are reported back for Finalize without a further Response
// write (the skeleton never double-appends a streamed response).
type Streamer interface {
	Stream(ctx context.Context, j *job.Job, provider llm.Provider, req llm.CompletionRequest, cancel <-chan struct{}) (jobstore.Usage, string, error)
}

// Transcriber resolves an audio URI to text. It is a narrow seam rather
// than a concrete client: speech-to-text provider selection happens
// behind it.
type Transcriber interface {
	Transcribe(ctx context.Context, audioURI string) (string, error)
}

// Dependencies bundles every external collaborator a handler may need.
// Handlers type-assert only the pieces they use; most use a small subset.
type Dependencies struct {
	Store       jobstore.Store
	Models      *config.Resolver
	Prompts     promptcompose.Composer
	Estimator   tokenestimate.Estimator
	FS          fsdiscovery.Discoverer
	Providers   ProviderResolver
	Workflows   WorkflowStarter
	Stream      Streamer
	Transcriber Transcriber
	Log         *slog.Logger
}
