package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/model"
)

const importChunk = 500

var (
	importTenant string
	importSource string
)

var importCmd = &cobra.Command{
	Use:   "import <file.jsonl>",
	Short: "Load scraped records from a JSON-lines file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrap(err, "import: open file")
		}
		defer f.Close()

		recs, err := readRecords(f, importTenant, importSource)
		if err != nil {
			return err
		}

		env, err := initEnv(ctx, "admin")
		if err != nil {
			return err
		}
		defer env.Close()

		var inserted int64
		for start := 0; start < len(recs); start += importChunk {
			end := min(start+importChunk, len(recs))
			n, err := env.Store.InsertRecords(ctx, recs[start:end])
			if err != nil {
				return eris.Wrapf(err, "import: insert records %d-%d", start, end)
			}
			inserted += n
		}

		zap.L().Info("import complete",
			zap.String("file", args[0]),
			zap.Int("read", len(recs)),
			zap.Int64("inserted", inserted),
		)
		_, err = fmt.Fprintf(cmd.OutOrStdout(), "read %d, inserted %d, skipped %d existing\n",
			len(recs), inserted, int64(len(recs))-inserted)
		return err
	},
}

// readRecords parses one JSON record per line. Blank lines are skipped.
// tenant and source fill records that leave those fields empty.
func readRecords(r io.Reader, tenant, source string) ([]model.ScrapedRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var recs []model.ScrapedRecord
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}

		var rec model.ScrapedRecord
		if err := json.Unmarshal([]byte(text), &rec); err != nil {
			return nil, eris.Wrapf(err, "import: line %d", line)
		}
		if rec.TenantID == "" {
			rec.TenantID = tenant
		}
		if rec.SourceName == "" {
			rec.SourceName = source
		}

		switch {
		case rec.TenantID == "":
			return nil, eris.Errorf("import: line %d: tenant_id is required", line)
		case rec.SourceName == "":
			return nil, eris.Errorf("import: line %d: source_name is required", line)
		case strings.TrimSpace(rec.RawContent) == "":
			return nil, eris.Errorf("import: line %d: raw_content is required", line)
		}

		// Pipeline state is never imported.
		recs = append(recs, model.ScrapedRecord{
			ID:         rec.ID,
			TenantID:   rec.TenantID,
			SourceName: rec.SourceName,
			SourceURL:  rec.SourceURL,
			RawContent: rec.RawContent,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "import: read file")
	}
	return recs, nil
}

func init() {
	importCmd.Flags().StringVar(&importTenant, "tenant", "", "tenant id for records that carry none")
	importCmd.Flags().StringVar(&importSource, "source", "", "source name for records that carry none")
	rootCmd.AddCommand(importCmd)
}
