package model

import "time"

// Provider field keys used in provenance entries.
const (
	FieldBusinessName  = "business_name"
	FieldPhone         = "phone"
	FieldWebsite       = "website"
	FieldLicenseNumber = "license_number"
	FieldServiceArea   = "service_area"
	FieldMetadata      = "metadata"
)

// Provider is the canonical business entity.
type Provider struct {
	ID            string `json:"id" db:"id"`
	TenantID      string `json:"tenant_id" db:"tenant_id"`
	BusinessName  string `json:"business_name" db:"business_name"`
	Phone         string `json:"phone,omitempty" db:"phone"`
	Website       string `json:"website,omitempty" db:"website"`
	LicenseNumber string `json:"license_number,omitempty" db:"license_number"`

	// ServiceArea holds canonical region identifiers.
	ServiceArea []string          `json:"service_area,omitempty" db:"service_area"`
	Metadata    map[string]string `json:"metadata,omitempty" db:"metadata"`
	EnrichedAt  *time.Time        `json:"enriched_at,omitempty" db:"enriched_at"`

	EnrichedSources []ProvenanceEntry `json:"enriched_sources"`
	Categories      []string          `json:"categories,omitempty"`

	// Version is bumped on every write and used for optimistic concurrency.
	Version int `json:"version" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (p *Provider) Clone() *Provider {
	if p == nil {
		return nil
	}
	c := *p
	c.ServiceArea = append([]string(nil), p.ServiceArea...)
	c.Categories = append([]string(nil), p.Categories...)
	c.EnrichedSources = append([]ProvenanceEntry(nil), p.EnrichedSources...)
	if p.Metadata != nil {
		c.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			c.Metadata[k] = v
		}
	}
	if p.EnrichedAt != nil {
		t := *p.EnrichedAt
		c.EnrichedAt = &t
	}
	return &c
}

// SourceOf returns the provenance entry that wrote the current value of
// field, i.e. the latest entry listing it. Nil when no entry contributed it.
func (p *Provider) SourceOf(field string) *ProvenanceEntry {
	for i := len(p.EnrichedSources) - 1; i >= 0; i-- {
		for _, f := range p.EnrichedSources[i].FieldsContributed {
			if f == field {
				return &p.EnrichedSources[i]
			}
		}
	}
	return nil
}

// HasRun reports whether a provenance entry for runID is already present.
func (p *Provider) HasRun(runID string) bool {
	for _, e := range p.EnrichedSources {
		if e.RunID == runID {
			return true
		}
	}
	return false
}
