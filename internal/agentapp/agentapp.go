// Package agentapp wires the desktop agent's in-process collaborators
// together: the job store, job queue, processor registry, streaming
// handler, workflow orchestrator, and the client-facing RPC dispatcher
// that a server-side device-link connection relays remote calls through.
// A single struct built by New from a Config, started and stopped
// explicitly by the cmd/ binary.
package agentapp

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/helpful-bits/plantocode-orchestrator/internal/processor" // registers handler factories via init()
	_ "github.com/helpful-bits/plantocode-orchestrator/pkg/llm/providers" // registers provider factories via init()

	"github.com/helpful-bits/plantocode-orchestrator/internal/appwiring"
	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/fsdiscovery"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobqueue"
	"github.com/helpful-bits/plantocode-orchestrator/internal/jobstore"
	"github.com/helpful-bits/plantocode-orchestrator/internal/metrics"
	"github.com/helpful-bits/plantocode-orchestrator/internal/processor"
	"github.com/helpful-bits/plantocode-orchestrator/internal/promptcompose"
	"github.com/helpful-bits/plantocode-orchestrator/internal/rpcdispatch"
	"github.com/helpful-bits/plantocode-orchestrator/internal/streaming"
	"github.com/helpful-bits/plantocode-orchestrator/internal/telemetry"
	"github.com/helpful-bits/plantocode-orchestrator/internal/tokenestimate"
	"github.com/helpful-bits/plantocode-orchestrator/internal/workflow"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// Config configures the agent application.
type Config struct {
	// StoreDBPath is the SQLite file backing the job store. Empty uses
	// an in-memory database (tests, or a disposable session).
	StoreDBPath string

	// ModelConfigPath points at the YAML file internal/config.LoadFile
	// reads for server-default models and pricing. Required: New returns
	// an error when the file cannot be read or parsed.
	ModelConfigPath string

	// Concurrency is the job queue's worker pool size. Default 4.
	Concurrency int

	// PlanStoreDBPath is the bbolt file backing plans.* RPC methods.
	PlanStoreDBPath string

	Logger *slog.Logger
}

// queueRef breaks the construction cycle between the orchestrator (which
// needs to enqueue stage jobs) and the queue (whose OnComplete callback
// is the orchestrator's own hook): the orchestrator is built against this
// indirection first, and q is filled in once the real queue exists. Both
// directions are only ever called after New returns, by which point q is
// set.
type queueRef struct {
	q *jobqueue.Queue
}

func (r *queueRef) Enqueue(ctx context.Context, jobID string, priority int) error {
	return r.q.Enqueue(ctx, jobID, priority)
}

func (r *queueRef) Cancel(jobID string) bool {
	return r.q.Cancel(jobID)
}

// App bundles the desktop agent's running collaborators so the cmd/
// binary can shut them down in reverse dependency order.
type App struct {
	log               *slog.Logger
	Store             jobstore.Store
	Queue             *jobqueue.Queue
	Orch              *workflow.Orchestrator
	RPC               *rpcdispatch.Dispatcher
	planDB            *rpcdispatch.PlanStore
	shutdownTelemetry telemetry.Shutdown
}

// New constructs the desktop agent application. It opens the job store
// and plan store, loads model configuration, builds the processor
// registry, and wires the workflow orchestrator and RPC dispatcher. The
// queue's worker pool and stuck-job sweeper start here (jobqueue.New
// starts them); Close stops them.
func New(ctx context.Context, cfg Config) (*App, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, "orchestrator-agent", "")
	if err != nil {
		return nil, fmt.Errorf("agentapp: setting up telemetry: %w", err)
	}

	store, err := jobstore.NewSQLiteStore(ctx, jobstore.SQLiteConfig{Path: cfg.StoreDBPath})
	if err != nil {
		return nil, fmt.Errorf("agentapp: opening job store: %w", err)
	}

	models, err := config.LoadFile(cfg.ModelConfigPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("agentapp: loading model configuration: %w", err)
	}

	planDB, err := rpcdispatch.OpenPlanStore(cfg.PlanStoreDBPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("agentapp: opening plan store: %w", err)
	}

	providerRegistry := llm.DefaultRegistry()
	appwiring.ActivateProvidersFromEnv(providerRegistry, log)

	ref := &queueRef{}
	orch := workflow.New(store, ref, fsdiscovery.NewGitDiscoverer(), models, log)

	estimator := tokenestimate.NewTiktokenEstimator()
	deps := processor.Dependencies{
		Store:     store,
		Models:    models,
		Prompts:   promptcompose.NewSimpleComposer(),
		Estimator: estimator,
		FS:        fsdiscovery.NewGitDiscoverer(),
		Providers: processor.RegistryResolver{Registry: providerRegistry},
		Stream:    streaming.New(store, models, estimator, log),
		Workflows: orch,
		Log:       log,
	}
	registry := processor.BuildGlobal(deps)
	dispatcher := processor.NewDispatcher(store, registry, log)

	queue := jobqueue.New(ctx, store, dispatcher, jobqueue.Config{
		Concurrency: cfg.Concurrency,
		Logger:      log,
		OnComplete: func(ctx context.Context, jobID string) {
			recordJobCompletion(ctx, store, log, jobID)
			orch.OnJobCompleted(ctx, jobID)
		},
	})
	ref.q = queue

	go metrics.SampleGauges(ctx, queue, noopRelayGauge{}, 10*time.Second)

	rpc := rpcdispatch.New()
	rpcdispatch.NewFSHandlers().Register(rpc)
	rpcdispatch.NewFilesHandlers().Register(rpc)
	rpcdispatch.NewTerminalHandlers().Register(rpc)
	rpcdispatch.NewPlansHandlers(planDB).Register(rpc)
	rpcdispatch.NewJobHandlers(store, queue, models).Register(rpc)

	return &App{log: log, Store: store, Queue: queue, Orch: orch, RPC: rpc, planDB: planDB, shutdownTelemetry: shutdownTelemetry}, nil
}

// noopRelayGauge satisfies metrics.RelayGaugeSource for the desktop
// agent, which runs no relay server of its own (the hub lives
// server-side; see internal/serverapp).
type noopRelayGauge struct{}

func (noopRelayGauge) ConnectedDeviceCount() int { return 0 }

// recordJobCompletion reports a just-finished job's terminal status to
// the jobs_completed_total counter. Errors reading the job back are
// logged, not propagated, since this runs from the queue's completion
// hook where there is nothing left to return an error to.
func recordJobCompletion(ctx context.Context, store jobstore.Store, log *slog.Logger, jobID string) {
	j, err := store.Get(ctx, jobID)
	if err != nil || j == nil {
		log.Error("agentapp: reading completed job for metrics", "job_id", jobID, "error", err)
		return
	}
	metrics.JobsCompleted.WithLabelValues(string(j.Kind), string(j.Status)).Inc()
}

// Close stops the queue's worker pool and releases the store and plan
// store file handles, in that order so no in-flight job writes land
// after its backing files are closed.
func (a *App) Close() error {
	a.Queue.Shutdown()
	if err := a.planDB.Close(); err != nil {
		a.log.Error("agentapp: closing plan store", "error", err)
	}
	if err := a.shutdownTelemetry(context.Background()); err != nil {
		a.log.Error("agentapp: shutting down telemetry", "error", err)
	}
	if closer, ok := a.Store.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}
