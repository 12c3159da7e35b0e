package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/prodimport/importer/internal/config"
	"github.com/prodimport/importer/internal/core"
	"github.com/prodimport/importer/internal/logging"
	"github.com/prodimport/importer/internal/queue"
	"github.com/prodimport/importer/internal/store"
	"github.com/prodimport/importer/internal/web"
	"github.com/prodimport/importer/internal/webhook"
	"github.com/prodimport/importer/internal/worker"
)

func main() {
	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	// Load and validate configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Setup structured logging based on config
	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"port", cfg.Server.Port,
		"db_max_conns", cfg.Database.MaxConns,
		"import_workers", cfg.Queue.ImportWorkers,
		"webhook_workers", cfg.Queue.WebhookWorkers,
	)

	// Parse and configure connection pool
	poolConfig, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		slog.Error("failed to parse database URL", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxConnIdleTime

	// Connect to database
	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("failed to ping database", "error", err)
		os.Exit(1)
	}

	// Log which database we connected to
	if u, err := url.Parse(cfg.Database.URL); err == nil {
		dbName := strings.TrimPrefix(u.Path, "/")
		slog.Info("connected to database", "name", dbName)
	} else {
		slog.Info("connected to database")
	}

	st := store.NewPostgres(pool)
	if err := st.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	// Durable work queue
	q, err := queue.OpenSQLite(cfg.Queue.Path)
	if err != nil {
		slog.Error("failed to open work queue", "error", err)
		os.Exit(1)
	}
	defer q.Close()

	// Spool directory for submitted files
	if err := os.MkdirAll(cfg.Import.UploadDir, 0o755); err != nil {
		slog.Error("failed to create upload dir", "dir", cfg.Import.UploadDir, "error", err)
		os.Exit(1)
	}

	// Wire the pipeline
	hooks := webhook.NewService(st, q, nil, cfg.Webhook.RetryBackoff)
	importer := core.NewImporter(st, hooks, core.ImporterOptions{
		BatchSize:   cfg.Import.BatchSize,
		MaxFileSize: cfg.Import.MaxFileSize,
	})
	service := core.NewService(st, q, importer)

	// Worker pools, one per logical queue
	poolOpts := worker.Options{
		PollInterval: cfg.Queue.PollInterval,
		Lease:        cfg.Queue.Lease,
	}
	importOpts := poolOpts
	importOpts.Concurrency = cfg.Queue.ImportWorkers
	webhookOpts := poolOpts
	webhookOpts.Concurrency = cfg.Queue.WebhookWorkers

	importPool := worker.NewPool(q, queue.ImportQueue, service.ImportHandler(), importOpts)
	webhookPool := worker.NewPool(q, queue.WebhookQueue, hooks.DeliveryHandler(), webhookOpts)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	importPool.Start(workerCtx)
	webhookPool.Start(workerCtx)
	go worker.StartJanitor(workerCtx, q, cfg.Queue.ReapInterval)

	// Ops HTTP surface
	server := web.NewServer(cfg.Server, map[string]web.Checker{
		"database": pool.Ping,
		"queue":    q.Ping,
	})

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Stop workers after the HTTP surface; in-flight items keep
		// their leases and are redelivered on the next start.
		cancelWorkers()
		importPool.Wait()
		webhookPool.Wait()
	}()

	slog.Info("server starting", "addr", cfg.Server.Addr())
	if err := server.Start(); err != nil {
		slog.Info("server stopped", "error", err)
	}
}
