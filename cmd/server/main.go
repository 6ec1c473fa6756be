/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the celengan savings ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, flags)
  2. Build the zerolog logger
  3. Open the configured store (SQLite or PostgreSQL)
  4. Wire the QRIS gateway, payment service and sweep poller
  5. Configure HTTP router
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (default: 8080, env PORT)
  -db      SQLite database path (default: celengan.db, env DB_PATH)
           Use ":memory:" for in-memory database
  -driver  sqlite | postgres (env DB_DRIVER)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the payment poller (waits for a running sweep)
  4. Close database connection
  5. Exit

EXAMPLES:
  ./server -db="./data/celengan.db"
  DB_DRIVER=postgres DATABASE_URL=postgres://... ./server
  LOG_FORMAT=json LOG_LEVEL=debug ./server -port=3000

SEE ALSO:
  - config/config.go: Every setting and its env var
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/celengan/savings-ledger/api"
	"github.com/celengan/savings-ledger/config"
	"github.com/celengan/savings-ledger/ledger"
	"github.com/celengan/savings-ledger/logger"
	"github.com/celengan/savings-ledger/payment"
	"github.com/celengan/savings-ledger/payment/qris"
	"github.com/celengan/savings-ledger/store/postgres"
	"github.com/celengan/savings-ledger/store/sqlite"
)

// storage is what the server needs from a driver.
type storage interface {
	ledger.Store
	payment.AttemptStore
	io.Closer
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.NewWithOptions(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(2)
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	// Payments are optional; without gateway settings the QRIS routes answer 503.
	var payments *payment.Service
	handler := api.NewHandler(store, nil, log)
	if cfg.QRIS.Configured() {
		payments = payment.NewService(qris.New(cfg.QRIS), store, store, handler.Mutator, log)
		payments.TTL = cfg.AttemptTTL
		handler.Payments = payments

		poller, err := payment.NewPoller(payments, cfg.PollSchedule, log)
		if err != nil {
			return err
		}
		poller.Start()
		defer poller.Stop()
	} else {
		log.Warn().Msg("QRIS gateway not configured, payment endpoints disabled")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, api.RouterOptions{CORSOrigins: cfg.CORSOrigins}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Int("port", cfg.Port).
			Str("driver", cfg.Driver).
			Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (storage, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.DatabaseURL, log, postgres.WithLockTimeout(cfg.LockTimeout))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := sqlite.NewWithTimeout(cfg.DBPath, cfg.LockTimeout)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.DBPath).Msg("sqlite store opened")
		return s, nil
	}
}
