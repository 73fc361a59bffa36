// Package serverapp wires the server-side collaborators together: the
// credit ledger, the LLM provider proxy, the device-link relay hub, and
// the RPC dispatcher's forwarding fallback that routes a remote client's
// unmatched method call through the relay to the owning desktop agent.
// It follows the same Config/New/http.Handler shape as
// internal/agentapp: one process's full collaborator graph composed in
// one place.
package serverapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	_ "github.com/helpful-bits/plantocode-orchestrator/pkg/llm/providers" // registers provider factories via init()

	"github.com/helpful-bits/plantocode-orchestrator/internal/appwiring"
	"github.com/helpful-bits/plantocode-orchestrator/internal/config"
	"github.com/helpful-bits/plantocode-orchestrator/internal/ledger"
	"github.com/helpful-bits/plantocode-orchestrator/internal/metrics"
	"github.com/helpful-bits/plantocode-orchestrator/internal/providerproxy"
	"github.com/helpful-bits/plantocode-orchestrator/internal/relay"
	"github.com/helpful-bits/plantocode-orchestrator/internal/rpcdispatch"
	"github.com/helpful-bits/plantocode-orchestrator/internal/telemetry"
	"github.com/helpful-bits/plantocode-orchestrator/internal/tokenestimate"
	"github.com/helpful-bits/plantocode-orchestrator/pkg/llm"
)

// Config configures the server application.
type Config struct {
	// LedgerDBPath is the database the credit ledger persists to.
	// Postgres is selected when LedgerPostgresDSN is non-empty;
	// otherwise this is a SQLite file path ("" for in-memory).
	LedgerDBPath      string
	LedgerPostgresDSN string

	// ModelConfigPath points at the YAML file internal/config.LoadFile
	// reads for server-default models, fallback model, and pricing.
	ModelConfigPath string

	// JWTSecret authenticates both the provider proxy's bearer tokens
	// and relay connections' X-Auth-Token header.
	JWTSecret []byte

	// FallbackProvider is the provider name the proxy re-dispatches a
	// failed request through on a retryable provider error. Canonically
	// "openrouter".
	FallbackProvider string

	// RateLimit and RateBurst configure the provider proxy's per-user
	// token-bucket limiter. Zero disables rate limiting.
	RateLimit rate.Limit
	RateBurst int

	// RelaySweepInterval and RelayMaxIdle bound how often the relay's
	// session sweeper runs and how long an idle connection survives.
	RelaySweepInterval time.Duration
	RelayMaxIdle       time.Duration

	// LedgerSweepInterval bounds how often the ledger's reconciliation
	// pass and free-credit expiry run. Zero disables both sweeps.
	LedgerSweepInterval time.Duration

	// RedisAddr, when non-empty, backs the relay hub's fleet-wide device
	// presence tracking (internal/relay.RedisPresence) so
	// ConnectedDeviceCount reflects every instance behind the load
	// balancer rather than just this process. Empty disables presence
	// tracking; ConnectedDeviceCount then reports this instance's own
	// connections only, which is correct for a single-instance deployment.
	RedisAddr string

	// InstanceID identifies this process in presence entries. Defaults to
	// the host's hostname when empty.
	InstanceID string

	Logger *slog.Logger
}

// App bundles the server's running collaborators and exposes the
// composed chi.Router the binary serves over HTTP.
type App struct {
	cfg    Config
	log    *slog.Logger
	Ledger *ledger.SQLStore
	Proxy  *providerproxy.Handler
	Relay  *relay.Server
	Router chi.Router

	stopSweep         context.CancelFunc
	cron              *cron.Cron
	shutdownTelemetry telemetry.Shutdown
	redis             *redis.Client
}

// relayValidator adapts providerproxy's JWTAuthenticator into
// relay.TokenValidator; both validate the same bearer token format, but
// the two packages intentionally don't import each other so the hub
// doesn't depend on the proxy's token-binding claim.
type relayValidator struct {
	auth *providerproxy.JWTAuthenticator
}

func (v relayValidator) Validate(ctx context.Context, token string) (string, error) {
	return v.auth.Authenticate(ctx, token)
}

// New constructs the server application: opens the ledger, loads model
// configuration, activates the LLM provider registry from environment
// credentials, and wires the provider proxy, relay hub, and HTTP router.
func New(ctx context.Context, cfg Config) (*App, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	shutdownTelemetry, err := telemetry.Setup(ctx, "orchestrator-server", "")
	if err != nil {
		return nil, fmt.Errorf("serverapp: setting up telemetry: %w", err)
	}

	var store *ledger.SQLStore
	if cfg.LedgerPostgresDSN != "" {
		store, err = ledger.NewPostgresStore(ctx, cfg.LedgerPostgresDSN)
	} else {
		store, err = ledger.NewSQLiteStore(ctx, cfg.LedgerDBPath)
	}
	if err != nil {
		return nil, fmt.Errorf("serverapp: opening ledger: %w", err)
	}

	models, err := config.LoadFile(cfg.ModelConfigPath)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("serverapp: loading model configuration: %w", err)
	}

	providerRegistry := llm.DefaultRegistry()
	appwiring.ActivateProvidersFromEnv(providerRegistry, log)

	auth := providerproxy.NewJWTAuthenticator(cfg.JWTSecret)

	proxy := providerproxy.New(auth, providerRegistry, models, store, tokenestimate.NewTiktokenEstimator(), log)
	proxy.FallbackProvider = cfg.FallbackProvider
	proxy.RateLimit = cfg.RateLimit
	proxy.RateBurst = cfg.RateBurst

	relayServer := relay.NewServer(log, relayValidator{auth: auth})

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			store.Close()
			return nil, fmt.Errorf("serverapp: connecting to redis: %w", err)
		}
		instanceID := cfg.InstanceID
		if instanceID == "" {
			instanceID, _ = os.Hostname()
		}
		relayServer.SetPresence(relay.NewRedisPresence(redisClient), instanceID)
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	interval := cfg.RelaySweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	maxIdle := cfg.RelayMaxIdle
	if maxIdle <= 0 {
		maxIdle = 10 * time.Minute
	}
	relayServer.StartSweeper(sweepCtx, interval, maxIdle)

	scheduler := cron.New()
	if cfg.LedgerSweepInterval > 0 {
		spec := fmt.Sprintf("@every %s", cfg.LedgerSweepInterval)
		if _, err := scheduler.AddFunc(spec, func() { sweepLedger(sweepCtx, store, log) }); err != nil {
			store.Close()
			cancel()
			return nil, fmt.Errorf("serverapp: scheduling ledger sweep: %w", err)
		}
	}
	scheduler.Start()
	go metrics.SampleGauges(sweepCtx, nil, relayServer, 10*time.Second)

	rpc := rpcdispatch.New()
	rpc.SetFallback(rpcdispatch.NewRelayForwardHandler(relayServer))

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Auth-Token", "X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	proxy.RegisterRoutes(router)
	router.Get("/relay/ws", relayServer.ServeHTTP)
	router.Post("/v1/rpc", newRPCHandler(rpc))
	router.Handle("/metrics", metrics.Handler())

	app := &App{
		cfg:               cfg,
		log:               log,
		Ledger:            store,
		Proxy:             proxy,
		Relay:             relayServer,
		Router:            router,
		stopSweep:         cancel,
		cron:              scheduler,
		shutdownTelemetry: shutdownTelemetry,
		redis:             redisClient,
	}
	return app, nil
}

// Close stops the cron scheduler and relay sweeper and closes the
// ledger's database handle.
func (a *App) Close() error {
	<-a.cron.Stop().Done()
	a.stopSweep()
	a.Relay.StopSweeper()
	if err := a.shutdownTelemetry(context.Background()); err != nil {
		a.log.Error("serverapp: shutting down telemetry", "error", err)
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error("serverapp: closing redis client", "error", err)
		}
	}
	return a.Ledger.Close()
}

// sweepLedger expires lapsed free-credit grants and reconciles every
// account's stored balance against its transaction history, logging
// (never auto-correcting) any discrepancy found. Run on the cron
// schedule configured by Config.LedgerSweepInterval.
func sweepLedger(ctx context.Context, store *ledger.SQLStore, log *slog.Logger) {
	if expired, err := store.ExpireFreeCredits(ctx); err != nil {
		log.Error("serverapp: expiring free credits", "error", err)
	} else if expired > 0 {
		log.Info("serverapp: expired free credit grants", "count", expired)
	}

	discrepancies, err := store.Reconcile(ctx)
	if err != nil {
		log.Error("serverapp: reconciling ledger", "error", err)
		return
	}
	for _, d := range discrepancies {
		metrics.LedgerDiscrepancies.Inc()
		log.Error("serverapp: ledger discrepancy detected",
			"user_id", d.UserID, "expected", d.ExpectedBalance, "actual", d.ActualBalance, "diff", d.DiscrepancyAmount)
	}
}

// newRPCHandler adapts rpcdispatch.Dispatcher to an HTTP endpoint for a
// remote client's {correlationId, method, params} call. The method is
// always forwarded through the relay since the server binary registers no
// local handlers of its own — every method the server exposes to a
// remote client terminates on a desktop agent.
func newRPCHandler(d *rpcdispatch.Dispatcher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcdispatch.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp := d.Dispatch(r.Context(), req)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}
