package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/sells-group/provider-ingest/internal/pipeline"
)

var (
	resetLink      string
	resetCreateNew bool
)

var resetCmd = &cobra.Command{
	Use:   "reset <record-id>",
	Short: "Return a paused, failed or completed record to pending",
	Long: "Return a record to pending under a fresh run. With --link the record is tied to an existing provider; " +
		"with --create-new it becomes a new provider; with neither, identity is resolved again.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Reporter.Reset(ctx, args[0], pipeline.ResetDecision{
			LinkProviderID: resetLink,
			CreateNew:      resetCreateNew,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

func init() {
	resetCmd.Flags().StringVar(&resetLink, "link", "", "link the record to this provider id")
	resetCmd.Flags().BoolVar(&resetCreateNew, "create-new", false, "create a new provider for the record")
	resetCmd.MarkFlagsMutuallyExclusive("link", "create-new")
	rootCmd.AddCommand(resetCmd)
}
