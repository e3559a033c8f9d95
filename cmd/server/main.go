/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the ledger reconciliation server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env + environment)
  2. Configure logging
  3. Open the store (SQLite or PostgreSQL) and migrate
  4. Wire the engine and the HTTP router
  5. Start the audit scheduler
  6. Serve until SIGINT/SIGTERM

ENVIRONMENT:
  LEDGER_PORT, LEDGER_DB_DRIVER, LEDGER_DB_DSN, LEDGER_AUDIT_INTERVAL,
  LEDGER_AUDIT_WORKERS, LEDGER_REFRESH_RETRIES, LEDGER_RATE_LIMIT_RPS,
  LEDGER_RATE_LIMIT_BURST, LEDGER_CORS_ORIGINS, LOG_LEVEL, LOG_FORMAT.
  See config/config.go for defaults.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the audit scheduler (a sweep in flight is recorded as cancelled)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

EXAMPLES:
  # Local SQLite file
  LEDGER_DB_DSN=./data/ledger.db ./server

  # PostgreSQL
  LEDGER_DB_DRIVER=pgx LEDGER_DB_DSN=postgres://ledger@localhost/ledger ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
  - store/sqlstore/sqlstore.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/warp/ledger-engine/api"
	"github.com/warp/ledger-engine/config"
	"github.com/warp/ledger-engine/logging"
	"github.com/warp/ledger-engine/store/sqlstore"
)

func main() {
	if err := run(); err != nil {
		log.Error().Err(err).Msg("server exited")
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := logging.Setup(cfg.Log); err != nil {
		return fmt.Errorf("configuring logging: %w", err)
	}
	logger := logging.WithComponent("server")

	// Initialize store
	store, err := sqlstore.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()

	// Initialize handler
	handler := api.NewHandler(store)
	handler.Registry.MaxRetries = cfg.Ledger.RefreshRetries
	handler.Invoicing.MaxRetries = cfg.Ledger.RefreshRetries
	handler.Auditor.Workers = cfg.Audit.Workers

	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimit: api.RateLimiterConfig{
			RequestsPerSecond: cfg.RateLimit.RPS,
			BurstSize:         cfg.RateLimit.Burst,
		},
		Log: logging.WithComponent("http"),
	})

	scheduler := api.NewAuditScheduler(handler.Auditor, cfg.Audit.Interval)
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // audit endpoints walk every account
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.Database.Driver).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	logger.Info().Msg("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info().Msg("server stopped")
	return nil
}
