package main

import (
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/lease"
)

var runCmd = &cobra.Command{
	Use:   "run <record-id>",
	Short: "Process a single record under its lease",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "ingest")
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Coordinator.ProcessRecord(ctx, args[0])
		if errors.Is(err, lease.ErrBusy) {
			return eris.Errorf("record %s is being processed by another worker", args[0])
		}
		if err != nil {
			return err
		}

		zap.L().Info("run complete",
			zap.String("record_id", out.RecordID),
			zap.String("status", string(out.Status)),
			zap.String("decision", string(out.Decision)),
		)

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}
