// Package model defines the domain types shared by the ingestion pipeline.
package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// RecordStatus is the lifecycle state of a scraped record.
type RecordStatus string

const (
	StatusPending            RecordStatus = "pending"
	StatusProcessing         RecordStatus = "processing"
	StatusCompleted          RecordStatus = "completed"
	StatusPausedIntervention RecordStatus = "paused_intervention"
	StatusFailed             RecordStatus = "failed"
)

// Terminal reports whether no further pipeline work happens without an
// external action. PAUSED_INTERVENTION counts as (soft) terminal.
func (s RecordStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusPausedIntervention, StatusFailed:
		return true
	default:
		return false
	}
}

// ParseRecordStatus validates a status string.
func ParseRecordStatus(s string) (RecordStatus, error) {
	switch st := RecordStatus(s); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusPausedIntervention, StatusFailed:
		return st, nil
	default:
		return "", eris.Errorf("model: unknown record status %q", s)
	}
}

// ScrapedRecord is one ingestion unit produced by the scraper.
type ScrapedRecord struct {
	ID         string       `json:"id" db:"id"`
	TenantID   string       `json:"tenant_id" db:"tenant_id"`
	SourceName string       `json:"source_name" db:"source_name"`
	SourceURL  string       `json:"source_url" db:"source_url"`
	RawContent string       `json:"raw_content,omitempty" db:"raw_content"`
	Status     RecordStatus `json:"status" db:"status"`

	// ReasonCode is set when the record is paused or failed.
	ReasonCode ReasonCode `json:"reason_code,omitempty" db:"reason_code"`
	// InterventionReason is only present while paused for a human decision.
	InterventionReason string `json:"intervention_reason,omitempty" db:"intervention_reason"`
	// FailureReason is only present while failed.
	FailureReason string `json:"failure_reason,omitempty" db:"failure_reason"`

	WorkflowRunID   string     `json:"workflow_run_id,omitempty" db:"workflow_run_id"`
	ServiceProvider string     `json:"service_provider,omitempty" db:"service_provider"`
	AttemptCount    int        `json:"attempt_count" db:"attempt_count"`
	LastAttemptedAt *time.Time `json:"last_attempted_at,omitempty" db:"last_attempted_at"`
	// NextAttemptAt delays re-selection after a transient failure.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	// GeoUnmatched marks a locality the region table did not recognize,
	// kept for later review of the alias table.
	GeoUnmatched bool `json:"geo_unmatched,omitempty" db:"geo_unmatched"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Linked reports whether the record already resolved to a provider.
func (r *ScrapedRecord) Linked() bool {
	return r.ServiceProvider != ""
}

// SourceDescriptor identifies where a record came from.
func (r *ScrapedRecord) SourceDescriptor() SourceDescriptor {
	return SourceDescriptor{Name: r.SourceName, URL: r.SourceURL}
}

// SourceDescriptor is the source metadata passed alongside raw content.
type SourceDescriptor struct {
	Name string `json:"name"`
	URL  string `json:"url,omitempty"`
}

// ExtractedFields is the structured output of the extraction collaborator.
type ExtractedFields struct {
	BusinessName       string            `json:"business_name,omitempty"`
	Phone              string            `json:"phone,omitempty"`
	Website            string            `json:"website,omitempty"`
	LicenseNumber      string            `json:"license_number,omitempty"`
	Locality           string            `json:"locality,omitempty"`
	ServiceDescription string            `json:"service_description,omitempty"`
	CategoryKeywords   []string          `json:"category_keywords,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}
