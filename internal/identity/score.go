package identity

import (
	"math"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"github.com/sells-group/provider-ingest/internal/model"
)

// Score weights. They sum to 1.
const (
	WeightName    = 0.40
	WeightPhone   = 0.30
	WeightWebsite = 0.20
	WeightLicense = 0.10
)

// SubScores are the per-attribute similarities in [0, 1].
type SubScores struct {
	Name    float64 `json:"name"`
	Phone   float64 `json:"phone"`
	Website float64 `json:"website"`
	License float64 `json:"license"`
}

// MatchCandidate is a provider scored against a record.
type MatchCandidate struct {
	Provider *model.Provider `json:"-"`
	Score    float64         `json:"score"`
	Sub      SubScores       `json:"sub_scores"`
}

// NameSimilarity is 1 - levenshtein/maxLen over normalized names. Either
// name empty yields 0.
func NameSimilarity(a, b string) float64 {
	na, nb := NormalizeName(a), NormalizeName(b)
	if na == "" || nb == "" {
		return 0
	}
	if na == nb {
		return 1
	}
	maxLen := utf8.RuneCountInString(na)
	if l := utf8.RuneCountInString(nb); l > maxLen {
		maxLen = l
	}
	d := levenshtein.ComputeDistance(na, nb)
	return 1 - float64(d)/float64(maxLen)
}

// exact scores 1 only when both sides are present and equal.
func exact(a, b string) float64 {
	if a == "" || b == "" || a != b {
		return 0
	}
	return 1
}

// ScoreCandidate computes the weighted match score of f against p.
func ScoreCandidate(f Fields, p *model.Provider) MatchCandidate {
	sub := SubScores{
		Name:    NameSimilarity(f.BusinessName, p.BusinessName),
		Phone:   exact(f.Phone, NormalizePhone(p.Phone)),
		Website: exact(f.Website, NormalizeWebsite(p.Website)),
		License: exact(f.LicenseNumber, NormalizeLicense(p.LicenseNumber)),
	}
	total := WeightName*sub.Name +
		WeightPhone*sub.Phone +
		WeightWebsite*sub.Website +
		WeightLicense*sub.License
	return MatchCandidate{
		Provider: p,
		Score:    round4(total),
		Sub:      sub,
	}
}

// round4 removes float noise so threshold comparisons are stable.
func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
