package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rezkam/durableq/internal/core"
)

func newSubmitCmd() *cobra.Command {
	var (
		jobType  string
		priority int32
		weight   int32
		payload  string
		runIn    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			newJob := core.NewJob{
				JobType:  jobType,
				Priority: priority,
				Weight:   weight,
				Payload:  []byte(payload),
			}
			if runIn > 0 {
				when := time.Now().UTC().Add(runIn)
				newJob.RunAt = &when
			}

			ids, err := store.AddJobs(ctx, []core.NewJob{newJob.ApplyDefaults()})
			if err != nil {
				return fmt.Errorf("submit job: %w", err)
			}
			fmt.Println(ids[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&jobType, "type", "", "job type (must be registered with a running worker)")
	cmd.Flags().Int32Var(&priority, "priority", 0, "priority (higher runs first)")
	cmd.Flags().Int32Var(&weight, "weight", 1, "weight against a worker's concurrency budget")
	cmd.Flags().StringVar(&payload, "payload", "", "opaque payload bytes")
	cmd.Flags().DurationVar(&runIn, "run-in", 0, "delay before the job becomes ready (default: now)")
	cmd.MarkFlagRequired("type") //nolint:errcheck

	return cmd
}
