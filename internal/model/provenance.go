package model

import "time"

// ProvenanceEntry records which ingestion run contributed which provider
// fields. Entries are append-only.
type ProvenanceEntry struct {
	Source            string    `json:"source"`
	SourceURL         string    `json:"source_url,omitempty"`
	RecordID          string    `json:"record_id,omitempty"`
	RunID             string    `json:"run_id"`
	ObservedAt        time.Time `json:"observed_at"`
	FieldsContributed []string  `json:"fields_contributed"`
}
