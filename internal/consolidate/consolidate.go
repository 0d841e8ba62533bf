// Package consolidate merges newly extracted fields into a provider without
// ever discarding existing values.
package consolidate

import (
	"sort"
	"time"

	"github.com/sells-group/provider-ingest/internal/identity"
	"github.com/sells-group/provider-ingest/internal/model"
)

// Input is the normalized data one run contributes.
type Input struct {
	// ProviderID and TenantID are used only when creating.
	ProviderID string
	TenantID   string

	Fields             identity.Fields
	Regions            []string
	Metadata           map[string]string
	ServiceDescription string
	CategoryKeywords   []string
}

// Source identifies the run contributing the fields.
type Source struct {
	Name       string
	URL        string
	RecordID   string
	RunID      string
	ObservedAt time.Time
}

// Result is the provider state to persist.
type Result struct {
	Provider   *model.Provider
	Created    bool
	Written    []string
	Categories []string
}

// Consolidate creates a provider from in when existing is nil, otherwise
// merges in onto a copy of existing. A non-empty value overwrites only when
// it differs; empty values never clear a field. Service area and categories
// are set-unions. The provenance entry lists exactly the written fields and
// is omitted when nothing changed.
func Consolidate(existing *model.Provider, in Input, src Source) Result {
	res := Result{Categories: Categorize(in.ServiceDescription, in.CategoryKeywords)}

	var p *model.Provider
	if existing == nil {
		p = &model.Provider{
			ID:        in.ProviderID,
			TenantID:  in.TenantID,
			CreatedAt: src.ObservedAt,
		}
		res.Created = true
	} else {
		p = existing.Clone()
	}

	written := make([]string, 0, 6)
	set := func(field string, dst *string, v string) {
		if v == "" || *dst == v {
			return
		}
		*dst = v
		written = append(written, field)
	}
	set(model.FieldBusinessName, &p.BusinessName, in.Fields.BusinessName)
	set(model.FieldPhone, &p.Phone, in.Fields.Phone)
	set(model.FieldWebsite, &p.Website, in.Fields.Website)
	set(model.FieldLicenseNumber, &p.LicenseNumber, in.Fields.LicenseNumber)

	if area, changed := union(p.ServiceArea, in.Regions); changed {
		p.ServiceArea = area
		written = append(written, model.FieldServiceArea)
	}

	if mergeMetadata(p, in.Metadata) {
		written = append(written, model.FieldMetadata)
	}

	if cats, changed := union(p.Categories, res.Categories); changed {
		p.Categories = cats
	}

	if len(written) > 0 {
		observed := src.ObservedAt
		p.EnrichedAt = &observed
		p.UpdatedAt = observed
		p.EnrichedSources = append(p.EnrichedSources, model.ProvenanceEntry{
			Source:            src.Name,
			SourceURL:         src.URL,
			RecordID:          src.RecordID,
			RunID:             src.RunID,
			ObservedAt:        observed,
			FieldsContributed: append([]string(nil), written...),
		})
	}

	res.Provider = p
	res.Written = written
	return res
}

// union returns the sorted set-union of have and add, and whether add
// contributed anything new.
func union(have, add []string) ([]string, bool) {
	seen := make(map[string]struct{}, len(have)+len(add))
	out := make([]string, 0, len(have)+len(add))
	for _, v := range have {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	changed := false
	for _, v := range add {
		if _, ok := seen[v]; ok || v == "" {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
		changed = true
	}
	sort.Strings(out)
	return out, changed
}

func mergeMetadata(p *model.Provider, add map[string]string) bool {
	changed := false
	for k, v := range add {
		if k == "" || v == "" {
			continue
		}
		if cur, ok := p.Metadata[k]; ok && cur == v {
			continue
		}
		if p.Metadata == nil {
			p.Metadata = make(map[string]string, len(add))
		}
		p.Metadata[k] = v
		changed = true
	}
	return changed
}
