package identity

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/provider-ingest/internal/model"
)

// Thresholds controls classification of the best candidate score.
type Thresholds struct {
	AutoLink   float64
	Intervene  float64
	TieEpsilon float64
	TopN       int
}

// DefaultThresholds returns the standard classification bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		AutoLink:   0.85,
		Intervene:  0.70,
		TieEpsilon: 0.01,
		TopN:       3,
	}
}

// Resolution is the outcome of resolving one record.
type Resolution struct {
	Decision   model.Decision
	BestMatch  *MatchCandidate
	Candidates []MatchCandidate
	Reason     string
}

// Resolver classifies candidates. It performs no I/O.
type Resolver struct {
	th Thresholds
}

// NewResolver creates a Resolver. A non-positive TopN falls back to 3.
func NewResolver(th Thresholds) *Resolver {
	if th.TopN <= 0 {
		th.TopN = 3
	}
	return &Resolver{th: th}
}

// Resolve scores every candidate and decides AUTO_LINK, INTERVENE or
// CREATE_NEW. Candidates are ordered by score desc then provider id asc, so
// the result does not depend on input order.
func (r *Resolver) Resolve(f Fields, candidates []model.Provider) Resolution {
	if len(candidates) == 0 {
		return Resolution{
			Decision: model.DecisionCreateNew,
			Reason:   "no candidate providers",
		}
	}

	scored := make([]MatchCandidate, len(candidates))
	for i := range candidates {
		scored[i] = ScoreCandidate(f, &candidates[i])
	}
	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Provider.ID < scored[j].Provider.ID
	})

	best := scored[0]
	res := Resolution{BestMatch: &best, Candidates: scored}

	switch {
	case best.Score >= r.th.AutoLink:
		if len(scored) > 1 && withinEpsilon(best.Score, scored[1].Score, r.th.TieEpsilon) {
			res.Decision = model.DecisionIntervene
			res.Reason = r.reason(fmt.Sprintf("tie: top candidates within %.2f", r.th.TieEpsilon), scored)
			return res
		}
		res.Decision = model.DecisionAutoLink
		res.Reason = fmt.Sprintf("matched provider %s with score %.2f", best.Provider.ID, best.Score)
	case best.Score >= r.th.Intervene:
		res.Decision = model.DecisionIntervene
		res.Reason = r.reason(fmt.Sprintf("ambiguous match: best score %.2f below auto-link %.2f", best.Score, r.th.AutoLink), scored)
	default:
		res.Decision = model.DecisionCreateNew
		res.Reason = fmt.Sprintf("best score %.2f below intervene %.2f", best.Score, r.th.Intervene)
	}
	return res
}

// withinEpsilon reports whether second is at most eps below best, compared
// at score precision so a gap of exactly eps counts as a tie.
func withinEpsilon(best, second, eps float64) bool {
	return round4(best-second) <= round4(eps)
}

// Classify maps a bare score onto a decision, ignoring tie-breaks.
func (r *Resolver) Classify(score float64) model.Decision {
	switch {
	case score >= r.th.AutoLink:
		return model.DecisionAutoLink
	case score >= r.th.Intervene:
		return model.DecisionIntervene
	default:
		return model.DecisionCreateNew
	}
}

func (r *Resolver) reason(head string, scored []MatchCandidate) string {
	n := r.th.TopN
	if n > len(scored) {
		n = len(scored)
	}
	var b strings.Builder
	b.WriteString(head)
	b.WriteString("; candidates:")
	for i := 0; i < n; i++ {
		c := scored[i]
		fmt.Fprintf(&b, " [%d] %s %q score=%.2f (name=%.2f phone=%.0f website=%.0f license=%.0f)",
			i+1, c.Provider.ID, c.Provider.BusinessName, c.Score,
			c.Sub.Name, c.Sub.Phone, c.Sub.Website, c.Sub.License)
	}
	return b.String()
}
