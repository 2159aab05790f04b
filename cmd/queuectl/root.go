// Command queuectl is an administrative CLI for a durableq store: submit
// jobs, inspect their status, or run a worker against the registered job
// types. Command tree shape follows the cobra conventions used elsewhere in
// the example pack (teranos-QNTX's display package), adapted to durableq's
// own flags and output.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rezkam/durableq/internal/clock"
	"github.com/rezkam/durableq/internal/core"
	sqlstorage "github.com/rezkam/durableq/internal/storage/sql"
)

var sqlitePath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "queuectl",
		Short: "Administer a durableq job queue",
	}
	root.PersistentFlags().StringVar(&sqlitePath, "db", "durableq.db", "path to the SQLite store")
	root.AddCommand(newSubmitCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newRunCmd())
	return root
}

func openStore(ctx context.Context) (core.Store, error) {
	store, err := sqlstorage.OpenSQLite(ctx, sqlitePath, clock.System{})
	if err != nil {
		return nil, fmt.Errorf("open store at %s: %w", sqlitePath, err)
	}
	return store, nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
