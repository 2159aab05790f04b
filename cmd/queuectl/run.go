package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezkam/durableq/internal/clock"
	"github.com/rezkam/durableq/internal/queue"
	sqlstorage "github.com/rezkam/durableq/internal/storage/sql"
)

func newRunCmd() *cobra.Command {
	var (
		minConcurrency int32
		maxConcurrency int32
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a worker against the echo job type until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			clk := clock.System{}

			store, err := sqlstorage.OpenSQLite(ctx, sqlitePath, clk)
			if err != nil {
				return fmt.Errorf("open store at %s: %w", sqlitePath, err)
			}

			registry := queue.NewRegistry()
			if err := registry.Register(queue.JobDef{
				JobType: "echo",
				Weight:  1,
				Handler: func(ctx context.Context, job *queue.Job) error {
					slog.InfoContext(ctx, "echo job", "job_id", job.ExternalID, "payload", string(job.Payload))
					return nil
				},
			}); err != nil {
				store.Close()
				return err
			}

			q := queue.Open(store, clk, registry, queue.Config{})
			if _, err := q.StartWorker(queue.WorkerConfig{
				MinConcurrency: minConcurrency,
				MaxConcurrency: maxConcurrency,
			}); err != nil {
				q.Close(ctx) //nolint:errcheck
				return err
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			fmt.Println("worker running, press ctrl-c to stop")
			<-sigCh

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return q.Close(shutdownCtx)
		},
	}

	cmd.Flags().Int32Var(&minConcurrency, "min-concurrency", 0, "refill threshold (default: max/2)")
	cmd.Flags().Int32Var(&maxConcurrency, "max-concurrency", 0, "concurrency weight budget (default: max job weight)")

	return cmd
}
