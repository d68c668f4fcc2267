/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the loan engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, then flags)
  2. Open the store (memory, SQLite or PostgreSQL)
  3. Connect the preview cache (Redis or memory)
  4. Connect event publishers (metrics, log, AMQP when configured)
  5. Configure HTTP router and serve until SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -port     HTTP server port (overrides PORT)
  -backend  memory | sqlite | postgres (overrides STORE_BACKEND)
  -db       SQLite database path (overrides SQLITE_PATH)
            Use ":memory:" for in-memory database

ENVIRONMENT:
  PORT, SHUTDOWN_TIMEOUT, STORE_BACKEND, SQLITE_PATH, DATABASE_URL,
  REDIS_ADDR, PREVIEW_TTL, AMQP_URL, AMQP_EXCHANGE, LOG_LEVEL, LOG_FORMAT
  See config/config.go for defaults.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  3. Close store, cache and broker connections
  4. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/loans.db"

  # Run against PostgreSQL with Redis previews
  STORE_BACKEND=postgres DATABASE_URL=postgres://... REDIS_ADDR=localhost:6379 ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/warp/loan-engine/api"
	"github.com/warp/loan-engine/cache"
	"github.com/warp/loan-engine/config"
	"github.com/warp/loan-engine/events"
	"github.com/warp/loan-engine/lending/store"
	"github.com/warp/loan-engine/observability"
	"github.com/warp/loan-engine/store/postgres"
	"github.com/warp/loan-engine/store/sqlite"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()

	// Flags
	flag.StringVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	flag.StringVar(&cfg.StoreBackend, "backend", cfg.StoreBackend, "Store backend: memory, sqlite or postgres")
	flag.StringVar(&cfg.SQLitePath, "db", cfg.SQLitePath, "SQLite database path")
	flag.Parse()

	logger := observability.NewLogger(observability.LogConfig{Level: cfg.LogLevel, Format: cfg.LogFormat})

	if err := cfg.Validate(); err != nil {
		logger.WithError(err).Fatal("Invalid configuration")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("Server failed")
	}
	logger.Info("Server stopped")
}

func run(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer closeStore()

	// Reconciliation previews
	var previews cache.PreviewStore = cache.NewMemoryPreviewStore(cfg.PreviewTTL)
	if cfg.RedisAddr != "" {
		client, err := cache.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer client.Close()
		previews = cache.NewRedisPreviewStore(client, cfg.PreviewTTL)
		logger.WithField("addr", cfg.RedisAddr).Info("Reconciliation previews in Redis")
	}

	// Domain events
	metrics := observability.NewMetrics()
	publishers := events.Fanout{metrics, events.LogPublisher{Logger: logger}}
	if cfg.AMQPURL != "" {
		amqp, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		defer amqp.Close()
		publishers = append(publishers, amqp)
		logger.WithField("exchange", cfg.AMQPExchange).Info("Publishing domain events to AMQP")
	}

	handler := api.NewHandler(st, previews, api.Options{
		Publisher:  publishers,
		Logger:     logger,
		Metrics:    metrics,
		PreviewTTL: cfg.PreviewTTL,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(handler, nil),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"port":    cfg.Port,
			"backend": cfg.StoreBackend,
		}).Info("Server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore opens the configured backend and returns its close function.
func openStore(ctx context.Context, cfg *config.Config) (api.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.BackendMemory:
		return store.NewTxMemory(), func() {}, nil
	case config.BackendPostgres:
		pg, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	default:
		if cfg.SQLitePath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
				return nil, nil, err
			}
		}
		lite, err := sqlite.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return lite, func() { lite.Close() }, nil
	}
}
