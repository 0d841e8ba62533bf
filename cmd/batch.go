package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var batchLimit int

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Process one batch of eligible records and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if batchLimit > 0 {
			cfg.Ingest.BatchSize = batchLimit
		}

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		sum, err := env.Coordinator.RunOnce(ctx)
		if err != nil {
			return eris.Wrap(err, "batch processing")
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sum)
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 0, "max records to claim (default from ingest.batch_size)")
	rootCmd.AddCommand(batchCmd)
}
