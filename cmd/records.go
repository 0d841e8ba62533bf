package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/pipeline"
	"github.com/sells-group/provider-ingest/internal/store"
)

var (
	recordsStatus       string
	recordsTenant       string
	recordsLimit        int
	recordsSummary      bool
	recordsGeoUnmatched bool
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "List records by status, or summarize counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		filter := store.RecordFilter{TenantID: recordsTenant, Limit: recordsLimit, GeoUnmatched: recordsGeoUnmatched}
		if recordsStatus != "" {
			st, err := model.ParseRecordStatus(recordsStatus)
			if err != nil {
				return err
			}
			filter.Status = st
		}

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		if recordsSummary {
			counts, err := env.Reporter.Summary(ctx)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), pipeline.FormatSummary(counts))
			return err
		}

		recs, err := env.Reporter.List(ctx, filter)
		if err != nil {
			return err
		}
		return writeRecords(cmd.OutOrStdout(), recs)
	},
}

func writeRecords(w io.Writer, recs []model.ScrapedRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTENANT\tSTATUS\tREASON\tPROVIDER\tATTEMPTS\tDETAIL")
	for _, r := range recs {
		detail := r.InterventionReason
		if detail == "" {
			detail = r.FailureReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			r.ID, r.TenantID, r.Status, r.ReasonCode, r.ServiceProvider, r.AttemptCount, truncate(detail, 80))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func init() {
	recordsCmd.Flags().StringVar(&recordsStatus, "status", "", "filter by status (pending, processing, completed, paused_intervention, failed)")
	recordsCmd.Flags().StringVar(&recordsTenant, "tenant", "", "filter by tenant id")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 100, "max records to list")
	recordsCmd.Flags().BoolVar(&recordsSummary, "summary", false, "print counts per status instead of records")
	recordsCmd.Flags().BoolVar(&recordsGeoUnmatched, "geo-unmatched", false, "only records whose locality was not recognized")
	rootCmd.AddCommand(recordsCmd)
}
