// Command queue runs a durableq daemon: it opens the store, registers job
// types, starts a worker pool, and serves until a shutdown signal arrives.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rezkam/durableq/internal/clock"
	"github.com/rezkam/durableq/internal/config"
	"github.com/rezkam/durableq/internal/observability"
	"github.com/rezkam/durableq/internal/queue"
	sqlstorage "github.com/rezkam/durableq/internal/storage/sql"
)

func main() {
	ctx := context.Background()

	providers, err := observability.Setup(ctx, "durableq", os.Getenv("DURABLEQ_OTEL_ENABLED") == "true")
	if err != nil {
		log.Fatalf("failed to set up observability: %v", err)
	}
	slog.SetDefault(providers.Logger)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.ErrorContext(ctx, "failed to shut down telemetry providers", "error", err)
		}
	}()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	clk := clock.System{}

	registry := queue.NewRegistry()
	if err := registry.Register(echoJobDef()); err != nil {
		log.Fatalf("failed to register job type: %v", err)
	}

	var q *queue.Queue
	if cfg.Database.Driver == "sqlite" {
		store, err := sqlstorage.OpenSQLite(ctx, cfg.Database.SQLitePath, clk)
		if err != nil {
			log.Fatalf("failed to open store: %v", err)
		}
		q = queue.Open(store, clk, registry, queue.Config{})
	} else {
		store, err := sqlstorage.Open(ctx, sqlstorage.DBConfig{
			Driver:          cfg.Database.Driver,
			DSN:             cfg.Database.DSN,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
			ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime(),
		}, clk)
		if err != nil {
			log.Fatalf("failed to open store: %v", err)
		}
		q = queue.Open(store, clk, registry, queue.Config{})
	}
	// q.Close (below) owns the Store returned by OpenSQLite/Open and closes it.

	if _, err := q.StartWorker(queue.WorkerConfig{
		AcceptedTypes:  cfg.Worker.Types(),
		MinConcurrency: cfg.Worker.MinConcurrency,
		MaxConcurrency: cfg.Worker.MaxConcurrency,
	}); err != nil {
		log.Fatalf("failed to start worker: %v", err)
	}

	slog.InfoContext(ctx, "durableq daemon started", "driver", cfg.Database.Driver)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	slog.InfoContext(ctx, "shutdown signal received, draining workers")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := q.Close(shutdownCtx); err != nil {
		slog.ErrorContext(ctx, "error during shutdown", "error", err)
		os.Exit(1)
	}
	slog.InfoContext(ctx, "durableq daemon stopped")
}

// echoJobDef is a minimal built-in job type that logs its payload and
// succeeds, useful for smoke-testing a fresh deployment with queuectl submit.
func echoJobDef() queue.JobDef {
	return queue.JobDef{
		JobType: "echo",
		Weight:  1,
		Handler: func(ctx context.Context, job *queue.Job) error {
			slog.InfoContext(ctx, "echo job", "job_id", job.ExternalID, "payload", string(job.Payload))
			return nil
		},
	}
}
