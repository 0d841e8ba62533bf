package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/consolidate"
	"github.com/sells-group/provider-ingest/internal/identity"
	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/resilience"
	"github.com/sells-group/provider-ingest/internal/store"
)

// verdict tells the driver what to do after a stage.
type verdict int

const (
	// advance checkpoints and moves to the next stage.
	advance verdict = iota
	// finished means the stage settled the record; the run is done.
	finished
	// yielded saves the record and run and stops without finishing.
	yielded
)

type stageFunc func(ctx context.Context, rc *runCtx) (verdict, error)

// runCtx is the mutable state of one Process call.
type runCtx struct {
	rec       *model.ScrapedRecord
	run       *model.PipelineRun
	log       *zap.Logger
	cancelled bool
}

// errAmbiguousRetry stops the conflict retry when re-resolution is no
// longer a confident decision.
var errAmbiguousRetry = errors.New("pipeline: re-resolution is ambiguous")

func (o *Orchestrator) extractStage(ctx context.Context, rc *runCtx) (verdict, error) {
	fields, err := o.extractor.Extract(ctx, rc.rec.RawContent, rc.rec.SourceDescriptor())
	if err != nil {
		return o.extractFailed(rc, err), nil
	}

	if strings.TrimSpace(fields.BusinessName) == "" {
		o.settle(rc, model.StatusFailed, model.ReasonValidationFailed, "extraction returned no business name")
		return finished, nil
	}

	rc.run.State.Extracted = fields
	rc.run.State.LastError = ""
	return advance, nil
}

// extractFailed applies the retry policy for a failed extraction call.
func (o *Orchestrator) extractFailed(rc *runCtx, err error) verdict {
	rc.run.State.LastError = err.Error()

	if resilience.IsPermanent(err) {
		rc.log.Warn("pipeline: extraction rejected", zap.Error(err))
		o.settle(rc, model.StatusFailed, model.ReasonExtractionRejected,
			fmt.Sprintf("extraction service rejected the content: %v", err))
		return finished
	}

	rc.rec.AttemptCount++
	if rc.rec.AttemptCount >= o.opts.MaxExtractionAttempts {
		rc.log.Warn("pipeline: extraction attempts exhausted",
			zap.Int("attempt_count", rc.rec.AttemptCount),
			zap.Error(err),
		)
		o.settle(rc, model.StatusFailed, model.ReasonExtractionUnavailable,
			fmt.Sprintf("extraction unavailable after %d attempts: %v", rc.rec.AttemptCount, err))
		return finished
	}

	delay := resilience.Backoff(rc.rec.AttemptCount-1, o.opts.RetryBackoff, 16*o.opts.RetryBackoff, 2)
	next := o.now().Add(delay)
	rc.rec.Status = model.StatusPending
	rc.rec.NextAttemptAt = &next
	rc.log.Info("pipeline: extraction failed transiently, will retry",
		zap.Int("attempt_count", rc.rec.AttemptCount),
		zap.Time("next_attempt_at", next),
		zap.Error(err),
	)
	return yielded
}

// loadContextStage fills fields the extraction left empty from earlier
// records of the same provider and source. It writes nothing but run state.
func (o *Orchestrator) loadContextStage(ctx context.Context, rc *runCtx) (verdict, error) {
	ef := rc.run.State.Extracted
	if ef == nil {
		o.settle(rc, model.StatusFailed, model.ReasonInternalError, "checkpoint has no extracted fields")
		return finished, nil
	}
	if !rc.rec.Linked() {
		return advance, nil
	}

	prior, err := o.store.PriorExtractions(ctx, rc.rec)
	if err != nil {
		return advance, eris.Wrap(err, "pipeline: load prior extractions")
	}

	var filled []string
	fill := func(field string, dst *string, pick func(model.ExtractedFields) string) {
		if *dst != "" {
			return
		}
		for _, p := range prior {
			if v := pick(p); v != "" {
				*dst = v
				filled = append(filled, field)
				return
			}
		}
	}
	fill(model.FieldPhone, &ef.Phone, func(p model.ExtractedFields) string { return p.Phone })
	fill(model.FieldWebsite, &ef.Website, func(p model.ExtractedFields) string { return p.Website })
	fill(model.FieldLicenseNumber, &ef.LicenseNumber, func(p model.ExtractedFields) string { return p.LicenseNumber })
	fill("locality", &ef.Locality, func(p model.ExtractedFields) string { return p.Locality })

	rc.run.State.Corroborated = filled
	if len(filled) > 0 {
		rc.log.Debug("pipeline: corroborated fields from prior records",
			zap.Strings("fields", filled),
			zap.Int("prior_records", len(prior)),
		)
	}
	return advance, nil
}

func (o *Orchestrator) geoStage(_ context.Context, rc *runCtx) (verdict, error) {
	st := &rc.run.State
	locality := strings.TrimSpace(st.Extracted.Locality)
	if locality == "" {
		st.Regions = nil
		st.GeoUnmatched = false
		rc.rec.GeoUnmatched = false
		return advance, nil
	}

	res := o.geo.Normalize(locality)
	st.Regions = res.Strings()
	st.GeoUnmatched = !res.Matched
	rc.rec.GeoUnmatched = st.GeoUnmatched
	if st.GeoUnmatched {
		rc.log.Warn("pipeline: locality unmatched, continuing", zap.String("locality", locality))
	}
	return advance, nil
}

func (o *Orchestrator) resolveStage(ctx context.Context, rc *runCtx) (verdict, error) {
	return advance, o.resolve(ctx, rc)
}

// resolve decides the target provider and records it in run state. A
// CREATE_NEW id is minted once and reused on replay.
func (o *Orchestrator) resolve(ctx context.Context, rc *runCtx) error {
	st := &rc.run.State
	prevDecision, prevID := st.Decision, st.ProviderID

	setCreate := func(reason string) {
		st.Decision = model.DecisionCreateNew
		st.Score = 0
		st.Reason = reason
		if prevDecision != model.DecisionCreateNew || prevID == "" {
			st.ProviderID = uuid.New().String()
		}
	}

	if rc.run.Override == model.OverrideCreateNew {
		setCreate("operator chose to create a new provider")
		o.logDecision(rc)
		return nil
	}

	if rc.rec.Linked() {
		p, err := o.store.GetProvider(ctx, rc.rec.ServiceProvider)
		switch {
		case err == nil && p.TenantID == rc.rec.TenantID:
			st.Decision = model.DecisionAutoLink
			st.ProviderID = p.ID
			st.Score = 1
			st.Reason = "record is linked to provider " + p.ID
			o.logDecision(rc)
			return nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return eris.Wrap(err, "pipeline: load linked provider")
		}
		rc.log.Warn("pipeline: linked provider unusable, resolving from scratch",
			zap.String("provider_id", rc.rec.ServiceProvider))
	}

	candidates, err := o.store.FindCandidates(ctx, store.CandidateQuery{
		TenantID:     rc.rec.TenantID,
		Regions:      st.Regions,
		Unrestricted: st.GeoUnmatched || len(st.Regions) == 0,
		Limit:        o.opts.MaxCandidates,
	})
	if err != nil {
		return eris.Wrap(err, "pipeline: find candidates")
	}

	res := identity.NewResolver(o.opts.Thresholds(rc.rec.TenantID)).
		Resolve(identity.FieldsFrom(st.Extracted), candidates)

	switch res.Decision {
	case model.DecisionCreateNew:
		setCreate(res.Reason)
		if res.BestMatch != nil {
			st.Score = res.BestMatch.Score
		}
	default:
		st.Decision = res.Decision
		st.ProviderID = res.BestMatch.Provider.ID
		st.Score = res.BestMatch.Score
		st.Reason = res.Reason
	}
	o.logDecision(rc)
	return nil
}

func (o *Orchestrator) logDecision(rc *runCtx) {
	st := rc.run.State
	rc.log.Info("pipeline: identity resolved",
		zap.String("decision", string(st.Decision)),
		zap.String("provider_id", st.ProviderID),
		zap.Float64("score", st.Score),
	)
}

func (o *Orchestrator) branchStage(_ context.Context, rc *runCtx) (verdict, error) {
	switch rc.run.State.Decision {
	case model.DecisionIntervene:
		o.settle(rc, model.StatusPausedIntervention, model.ReasonIdentityAmbiguous, rc.run.State.Reason)
		return finished, nil
	case model.DecisionAutoLink, model.DecisionCreateNew:
		return advance, nil
	default:
		o.settle(rc, model.StatusFailed, model.ReasonInternalError,
			fmt.Sprintf("checkpoint has unknown decision %q", rc.run.State.Decision))
		return finished, nil
	}
}

// persistStage writes the provider. A conflict re-resolves and retries once
// before the record fails with persistence_conflict.
func (o *Orchestrator) persistStage(ctx context.Context, rc *runCtx) (verdict, error) {
	attempt := 0
	err := resilience.Do(ctx, resilience.RetryConfig{
		MaxAttempts:    2,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     50 * time.Millisecond,
		ShouldRetry:    func(err error) bool { return errors.Is(err, store.ErrConflict) },
		OnRetry:        resilience.RetryLogger("store", "persist_provider"),
	}, func(ctx context.Context) error {
		attempt++
		if attempt > 1 {
			rc.run.State.ConflictRetries++
			if err := o.resolve(ctx, rc); err != nil {
				return err
			}
			if rc.run.State.Decision == model.DecisionIntervene {
				return errAmbiguousRetry
			}
		}
		return o.persist(ctx, rc)
	})

	switch {
	case err == nil:
		return advance, nil
	case errors.Is(err, errAmbiguousRetry):
		o.settle(rc, model.StatusPausedIntervention, model.ReasonIdentityAmbiguous, rc.run.State.Reason)
		return finished, nil
	case errors.Is(err, store.ErrConflict):
		rc.log.Warn("pipeline: provider write conflicted after retry", zap.Error(err))
		o.settle(rc, model.StatusFailed, model.ReasonPersistenceConflict,
			fmt.Sprintf("provider %s changed concurrently and the retry conflicted again", rc.run.State.ProviderID))
		return finished, nil
	default:
		return advance, err
	}
}

func (o *Orchestrator) persist(ctx context.Context, rc *runCtx) error {
	st := &rc.run.State

	existing, err := o.store.GetProvider(ctx, st.ProviderID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		existing = nil
		if st.Decision == model.DecisionAutoLink {
			return eris.Wrapf(store.ErrConflict, "pipeline: provider %s disappeared", st.ProviderID)
		}
	case err != nil:
		return eris.Wrap(err, "pipeline: load provider")
	}

	if existing != nil && existing.HasRun(rc.run.ID) {
		// Replay after a crash that followed a committed write.
		for _, e := range existing.EnrichedSources {
			if e.RunID == rc.run.ID {
				st.Written = e.FieldsContributed
			}
		}
		return nil
	}

	ef := st.Extracted
	res := consolidate.Consolidate(existing, consolidate.Input{
		ProviderID:         st.ProviderID,
		TenantID:           rc.rec.TenantID,
		Fields:             identity.FieldsFrom(ef),
		Regions:            st.Regions,
		Metadata:           ef.Metadata,
		ServiceDescription: ef.ServiceDescription,
		CategoryKeywords:   ef.CategoryKeywords,
	}, consolidate.Source{
		Name:       rc.rec.SourceName,
		URL:        rc.rec.SourceURL,
		RecordID:   rc.rec.ID,
		RunID:      rc.run.ID,
		ObservedAt: o.now(),
	})

	w := store.ProviderWrite{
		Provider:   res.Provider,
		Create:     res.Created,
		Categories: res.Categories,
		RunID:      rc.run.ID,
	}
	if existing != nil {
		w.ExpectedVersion = existing.Version
	}
	if len(res.Written) > 0 {
		entry := res.Provider.EnrichedSources[len(res.Provider.EnrichedSources)-1]
		w.Entry = &entry
	}

	if err := o.store.PersistProvider(ctx, w); err != nil {
		return eris.Wrapf(err, "pipeline: persist provider %s", st.ProviderID)
	}

	st.Written = res.Written
	st.Categories = res.Categories
	rc.log.Info("pipeline: provider persisted",
		zap.String("provider_id", st.ProviderID),
		zap.Bool("created", res.Created),
		zap.Strings("written", res.Written),
	)
	return nil
}

func (o *Orchestrator) statusStage(_ context.Context, rc *runCtx) (verdict, error) {
	o.settle(rc, model.StatusCompleted, model.ReasonNone, "")
	rc.rec.ServiceProvider = rc.run.State.ProviderID
	return finished, nil
}
