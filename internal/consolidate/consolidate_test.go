package consolidate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-ingest/internal/identity"
	"github.com/sells-group/provider-ingest/internal/model"
)

var observed = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func src(run string) Source {
	return Source{Name: "yelp", URL: "https://yelp.example/acme", RecordID: "rec-" + run, RunID: run, ObservedAt: observed}
}

func TestConsolidate_Create(t *testing.T) {
	res := Consolidate(nil, Input{
		ProviderID: "p-new",
		TenantID:   "t1",
		Fields: identity.Fields{
			BusinessName: "Acme Plumbing",
			Phone:        "7035551234",
		},
		Regions:            []string{"City of Alexandria"},
		ServiceDescription: "Emergency plumbing and drain cleaning",
	}, src("run-1"))

	require.NotNil(t, res.Provider)
	assert.True(t, res.Created)
	assert.Equal(t, "p-new", res.Provider.ID)
	assert.Equal(t, "t1", res.Provider.TenantID)
	assert.Equal(t, []string{model.FieldBusinessName, model.FieldPhone, model.FieldServiceArea}, res.Written)
	assert.Equal(t, []string{"City of Alexandria"}, res.Provider.ServiceArea)
	assert.Equal(t, []string{"cleaning", "plumbing"}, res.Categories)

	require.Len(t, res.Provider.EnrichedSources, 1)
	entry := res.Provider.EnrichedSources[0]
	assert.Equal(t, "run-1", entry.RunID)
	assert.Equal(t, res.Written, entry.FieldsContributed)
	require.NotNil(t, res.Provider.EnrichedAt)
	assert.Equal(t, observed, *res.Provider.EnrichedAt)
}

func TestConsolidate_MergeNeverClears(t *testing.T) {
	existing := &model.Provider{
		ID:            "p1",
		BusinessName:  "Acme Plumbing",
		Phone:         "7035551234",
		Website:       "acme.com",
		LicenseNumber: "VA123",
		ServiceArea:   []string{"Fairfax County"},
		Metadata:      map[string]string{"hours": "9-5"},
		EnrichedSources: []model.ProvenanceEntry{
			{Source: "bbb", RunID: "run-0", FieldsContributed: []string{model.FieldBusinessName}},
		},
	}

	res := Consolidate(existing, Input{
		Fields:   identity.Fields{BusinessName: "Acme Plumbing", Phone: "7035559999"},
		Regions:  []string{"City of Alexandria", "Fairfax County"},
		Metadata: map[string]string{"rating": "4.8", "hours": "9-5"},
	}, src("run-2"))

	p := res.Provider
	assert.False(t, res.Created)
	assert.Equal(t, "Acme Plumbing", p.BusinessName)
	assert.Equal(t, "7035559999", p.Phone)
	assert.Equal(t, "acme.com", p.Website)
	assert.Equal(t, "VA123", p.LicenseNumber)
	assert.Equal(t, []string{"City of Alexandria", "Fairfax County"}, p.ServiceArea)
	assert.Equal(t, map[string]string{"hours": "9-5", "rating": "4.8"}, p.Metadata)
	assert.Equal(t, []string{model.FieldPhone, model.FieldServiceArea, model.FieldMetadata}, res.Written)

	require.Len(t, p.EnrichedSources, 2)
	assert.Equal(t, res.Written, p.EnrichedSources[1].FieldsContributed)
	assert.Equal(t, "run-2", p.SourceOf(model.FieldPhone).RunID)
	assert.Equal(t, "run-0", p.SourceOf(model.FieldBusinessName).RunID)

	// The input provider is untouched.
	assert.Equal(t, "7035551234", existing.Phone)
	assert.Len(t, existing.EnrichedSources, 1)
}

func TestConsolidate_NoChangesNoProvenance(t *testing.T) {
	existing := &model.Provider{ID: "p1", BusinessName: "Acme", ServiceArea: []string{"A"}}
	res := Consolidate(existing, Input{
		Fields:  identity.Fields{BusinessName: "Acme"},
		Regions: []string{"A"},
	}, src("run-3"))

	assert.Empty(t, res.Written)
	assert.Empty(t, res.Provider.EnrichedSources)
	assert.Nil(t, res.Provider.EnrichedAt)
}

func TestConsolidate_CategoriesUnion(t *testing.T) {
	existing := &model.Provider{ID: "p1", BusinessName: "Acme", Categories: []string{"hvac"}}
	res := Consolidate(existing, Input{
		Fields:           identity.Fields{BusinessName: "Acme"},
		CategoryKeywords: []string{"Plumbing"},
	}, src("run-4"))

	assert.Equal(t, []string{"hvac", "plumbing"}, res.Provider.Categories)
	assert.Equal(t, []string{"plumbing"}, res.Categories)
}

func TestCategorize(t *testing.T) {
	assert.Nil(t, Categorize("", nil))
	assert.Nil(t, Categorize("we do taxes", nil))
	assert.Equal(t, []string{"hvac", "roofing"}, Categorize("Roof repair", []string{"Air Conditioning"}))
	assert.Equal(t, []string{"electrical"}, Categorize("Licensed ELECTRICIAN", nil))
}
