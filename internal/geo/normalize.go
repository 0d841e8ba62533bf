package geo

import (
	"strings"

	"go.uber.org/zap"
)

// Result is the outcome of normalizing one locality string.
type Result struct {
	// Regions is never empty. On a miss it holds the trimmed input as a
	// single pseudo-region.
	Regions []RegionID
	Matched bool
}

// Strings returns the regions as plain strings.
func (r Result) Strings() []string {
	out := make([]string, len(r.Regions))
	for i, id := range r.Regions {
		out[i] = string(id)
	}
	return out
}

// Normalizer maps free-text localities onto canonical regions.
type Normalizer struct {
	table *Table
}

// NewNormalizer creates a Normalizer over a loaded table.
func NewNormalizer(t *Table) *Normalizer {
	return &Normalizer{table: t}
}

// Normalize resolves text. A direct locality yields one region, a regional
// alias yields its full sorted expansion, and anything else is returned
// unchanged with Matched=false.
func (n *Normalizer) Normalize(text string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{Regions: []RegionID{""}}
	}

	if res, ok := n.lookup(foldKey(trimmed)); ok {
		return res
	}

	// "Alexandria, VA" style input: retry with the part before the first comma.
	if i := strings.IndexByte(trimmed, ','); i > 0 {
		if res, ok := n.lookup(foldKey(trimmed[:i])); ok {
			return res
		}
	}

	zap.L().Warn("geo: locality not in alias table", zap.String("locality", trimmed))
	return Result{Regions: []RegionID{RegionID(trimmed)}}
}

func (n *Normalizer) lookup(key string) (Result, bool) {
	if id, ok := n.table.localities[key]; ok {
		return Result{Regions: []RegionID{id}, Matched: true}, true
	}
	if exp, ok := n.table.aliases[key]; ok {
		regions := make([]RegionID, len(exp))
		copy(regions, exp)
		return Result{Regions: regions, Matched: true}, true
	}
	return Result{}, false
}
