package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/helpful-bits/plantocode-orchestrator/internal/appwiring"
	"github.com/helpful-bits/plantocode-orchestrator/internal/log"
	"github.com/helpful-bits/plantocode-orchestrator/internal/serverapp"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		listenAddr        = flag.String("listen", ":8443", "Address to listen on")
		ledgerDBPath      = flag.String("ledger-db", "ledger.db", "SQLite path for the credit ledger")
		ledgerPostgresDSN = flag.String("ledger-postgres-dsn", "", "PostgreSQL DSN for the credit ledger (overrides -ledger-db)")
		modelConfigPath   = flag.String("model-config", "models.yaml", "Path to the model configuration file")
		fallbackProvider  = flag.String("fallback-provider", "openrouter", "Provider name used when a request's primary provider fails")
		rateLimitPerSec   = flag.Float64("rate-limit", 0, "Per-user requests/sec to the provider proxy (0 disables limiting)")
		rateBurst         = flag.Int("rate-burst", 5, "Per-user burst size for the provider proxy rate limiter")
		redisAddr         = flag.String("redis-addr", os.Getenv("REDIS_ADDR"), "Redis address for fleet-wide relay device presence (empty disables)")
		showVersion       = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchestrator-server %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	fmt.Println(appwiring.Header.Render("orchestrator-server") + " " + appwiring.Muted.Render(fmt.Sprintf("%s (%s, %s)", version, commit, buildDate)))

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	secret := os.Getenv("ORCHESTRATOR_JWT_SECRET")
	if secret == "" {
		logger.Error("ORCHESTRATOR_JWT_SECRET must be set")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := serverapp.New(ctx, serverapp.Config{
		LedgerDBPath:        *ledgerDBPath,
		LedgerPostgresDSN:   *ledgerPostgresDSN,
		ModelConfigPath:     *modelConfigPath,
		JWTSecret:           []byte(secret),
		FallbackProvider:    *fallbackProvider,
		RateLimit:           rate.Limit(*rateLimitPerSec),
		RateBurst:           *rateBurst,
		RelaySweepInterval:  5 * time.Minute,
		RelayMaxIdle:        10 * time.Minute,
		LedgerSweepInterval: 15 * time.Minute,
		RedisAddr:           *redisAddr,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("failed to start server", slog.Any("error", err))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              *listenAddr,
		Handler:           app.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", *listenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived signal %v, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", slog.Any("error", err))
		}
	}

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down http server", slog.Any("error", err))
	}
	if err := app.Close(); err != nil {
		logger.Error("error during shutdown", slog.Any("error", err))
	}
}
