// Package store persists scraped records, providers, pipeline runs and
// record leases in Postgres or SQLite.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-ingest/internal/model"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a provider write loses an optimistic
	// concurrency race or collides with a unique key.
	ErrConflict = errors.New("store: conflict")
)

// RecordFilter specifies criteria for listing records.
type RecordFilter struct {
	Status   model.RecordStatus `json:"status,omitempty"`
	TenantID string             `json:"tenant_id,omitempty"`
	Limit    int                `json:"limit,omitempty"`
	Offset   int                `json:"offset,omitempty"`
	// GeoUnmatched keeps only records whose locality was not recognized.
	GeoUnmatched bool `json:"geo_unmatched,omitempty"`
}

// CandidateQuery selects providers to score against a record.
type CandidateQuery struct {
	TenantID string
	// Regions restricts to providers whose service area overlaps, plus
	// providers with no service area. Ignored when Unrestricted is set.
	Regions      []string
	Unrestricted bool
	Limit        int
}

// ProviderWrite is the single atomic provider mutation of a run.
type ProviderWrite struct {
	Provider *model.Provider
	Create   bool
	// ExpectedVersion guards updates. Ignored on create.
	ExpectedVersion int
	// Entry is nil when the run wrote no fields.
	Entry      *model.ProvenanceEntry
	Categories []string
	RunID      string
}

// Store defines the persistence interface for the ingestion pipeline.
type Store interface {
	// Records
	InsertRecords(ctx context.Context, recs []model.ScrapedRecord) (int64, error)
	GetRecord(ctx context.Context, id string) (*model.ScrapedRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.ScrapedRecord, error)
	ListEligible(ctx context.Context, now time.Time, limit int) ([]model.ScrapedRecord, error)
	UpdateRecord(ctx context.Context, rec *model.ScrapedRecord) error
	CountByStatus(ctx context.Context) (map[model.RecordStatus]int, error)
	PriorExtractions(ctx context.Context, rec *model.ScrapedRecord) ([]model.ExtractedFields, error)

	// Runs
	CreateRun(ctx context.Context, run *model.PipelineRun) error
	GetRun(ctx context.Context, id string) (*model.PipelineRun, error)
	SaveRun(ctx context.Context, run *model.PipelineRun) error

	// Providers
	GetProvider(ctx context.Context, id string) (*model.Provider, error)
	FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Provider, error)
	PersistProvider(ctx context.Context, w ProviderWrite) error

	// Leases
	AcquireLease(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error)
	RenewLease(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, key, token string) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// validateWrite checks a ProviderWrite before any SQL runs.
func validateWrite(w ProviderWrite) error {
	if w.Provider == nil || w.Provider.ID == "" {
		return eris.New("store: provider write without provider id")
	}
	if w.RunID == "" {
		return eris.New("store: provider write without run id")
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, eris.Wrap(err, "store: marshal json")
}

// stringSlice never encodes nil as JSON null.
func stringSlice(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func stringMap(v map[string]string) map[string]string {
	if v == nil {
		return map[string]string{}
	}
	return v
}

// decodeProviderJSON fills the JSON-encoded provider columns.
func decodeProviderJSON(p *model.Provider, area, meta []byte) error {
	if len(area) > 0 {
		if err := json.Unmarshal(area, &p.ServiceArea); err != nil {
			return eris.Wrap(err, "store: unmarshal service_area")
		}
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &p.Metadata); err != nil {
			return eris.Wrap(err, "store: unmarshal metadata")
		}
	}
	if len(p.Metadata) == 0 {
		p.Metadata = nil
	}
	if len(p.ServiceArea) == 0 {
		p.ServiceArea = nil
	}
	return nil
}

// extractedFromState pulls the extraction output out of a run's state JSON.
func extractedFromState(state []byte) (*model.ExtractedFields, error) {
	if len(state) == 0 {
		return nil, nil
	}
	var rs model.RunState
	if err := json.Unmarshal(state, &rs); err != nil {
		return nil, eris.Wrap(err, "store: unmarshal run state")
	}
	return rs.Extracted, nil
}

// priorContextLimit caps how many earlier records feed Load Context.
const priorContextLimit = 20
