// Package pipeline drives a scraped record through the checkpointed
// ingestion stages and settles it in a terminal or retryable state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/extract"
	"github.com/sells-group/provider-ingest/internal/geo"
	"github.com/sells-group/provider-ingest/internal/identity"
	"github.com/sells-group/provider-ingest/internal/lease"
	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/resilience"
	"github.com/sells-group/provider-ingest/internal/store"
)

// Options holds the orchestrator's tunables.
type Options struct {
	// MaxExtractionAttempts bounds transient extraction failures before the
	// record fails with extraction_unavailable. Default: 3.
	MaxExtractionAttempts int
	// MaxStageErrors bounds unexpected stage errors within one run before
	// the record fails with internal_error. Default: 5.
	MaxStageErrors int
	// RetryBackoff is the base delay before a transiently failed record is
	// eligible again. It doubles per attempt up to 16x. Default: 60s.
	RetryBackoff time.Duration
	// MaxCandidates caps the providers scored per record. Default: 200.
	MaxCandidates int
	// Thresholds returns the resolver thresholds for a tenant.
	Thresholds func(tenantID string) identity.Thresholds
}

func (o Options) withDefaults() Options {
	if o.MaxExtractionAttempts <= 0 {
		o.MaxExtractionAttempts = 3
	}
	if o.MaxStageErrors <= 0 {
		o.MaxStageErrors = 5
	}
	if o.RetryBackoff < 0 {
		o.RetryBackoff = 0
	} else if o.RetryBackoff == 0 {
		o.RetryBackoff = 60 * time.Second
	}
	if o.MaxCandidates <= 0 {
		o.MaxCandidates = 200
	}
	if o.Thresholds == nil {
		o.Thresholds = func(string) identity.Thresholds { return identity.DefaultThresholds() }
	}
	return o
}

// Outcome reports how a call to Process left the record.
type Outcome struct {
	RecordID   string             `json:"record_id"`
	RunID      string             `json:"run_id,omitempty"`
	Status     model.RecordStatus `json:"status"`
	Reason     model.ReasonCode   `json:"reason,omitempty"`
	Decision   model.Decision     `json:"decision,omitempty"`
	ProviderID string             `json:"provider_id,omitempty"`
	// Skipped is set when the record was not eligible for processing.
	Skipped bool `json:"skipped,omitempty"`
	// Cancelled is set when the run stopped at a checkpoint boundary.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Orchestrator runs records through the stage sequence. It holds no
// per-record state and is safe for concurrent use.
type Orchestrator struct {
	store     store.Store
	extractor extract.Client
	geo       *geo.Normalizer
	opts      Options
	now       func() time.Time
	stages    map[model.Stage]stageFunc
}

// New creates an Orchestrator.
func New(st store.Store, extractor extract.Client, normalizer *geo.Normalizer, opts Options) *Orchestrator {
	o := &Orchestrator{
		store:     st,
		extractor: extractor,
		geo:       normalizer,
		opts:      opts.withDefaults(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	o.stages = map[model.Stage]stageFunc{
		model.StageExtract:     o.extractStage,
		model.StageLoadContext: o.loadContextStage,
		model.StageGeo:         o.geoStage,
		model.StageResolve:     o.resolveStage,
		model.StageBranch:      o.branchStage,
		model.StagePersist:     o.persistStage,
		model.StageStatus:      o.statusStage,
	}
	return o
}

// Process runs one record from its last checkpoint. The caller must hold
// the record's lease. Cancelling ctx stops the run at the next stage
// boundary and returns the record to PENDING, unless the cause is
// lease.ErrLost, in which case the record is left to its new holder.
func (o *Orchestrator) Process(ctx context.Context, recordID string) (*Outcome, error) {
	rec, err := o.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: load record %s", recordID)
	}

	out := &Outcome{RecordID: rec.ID, RunID: rec.WorkflowRunID, Status: rec.Status, ProviderID: rec.ServiceProvider}
	if !o.due(rec) {
		out.Skipped = true
		return out, nil
	}

	run, err := o.openRun(ctx, rec)
	if err != nil {
		return nil, err
	}
	out.RunID = run.ID

	log := zap.L().With(
		zap.String("record_id", rec.ID),
		zap.String("run_id", run.ID),
		zap.String("tenant_id", rec.TenantID),
	)

	now := o.now()
	rec.Status = model.StatusProcessing
	rec.WorkflowRunID = run.ID
	rec.LastAttemptedAt = &now
	if err := o.store.UpdateRecord(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "pipeline: mark processing")
	}
	log.Info("pipeline: run started", zap.String("stage", string(run.Cursor)), zap.Int("attempt_count", rec.AttemptCount))

	rc := &runCtx{rec: rec, run: run, log: log}
	if err := o.drive(ctx, rc); err != nil {
		return nil, err
	}

	out.Status = rec.Status
	out.Reason = rec.ReasonCode
	out.Decision = run.State.Decision
	out.ProviderID = rec.ServiceProvider
	out.Cancelled = rc.cancelled
	return out, nil
}

// due reports whether rec may be processed now. PROCESSING records are
// orphans of a crashed or cancelled holder and resume from their checkpoint.
func (o *Orchestrator) due(rec *model.ScrapedRecord) bool {
	switch rec.Status {
	case model.StatusProcessing:
		return true
	case model.StatusPending:
		return rec.NextAttemptAt == nil || !rec.NextAttemptAt.After(o.now())
	default:
		return false
	}
}

// openRun resumes the record's unfinished run or starts a new one.
func (o *Orchestrator) openRun(ctx context.Context, rec *model.ScrapedRecord) (*model.PipelineRun, error) {
	if rec.WorkflowRunID != "" {
		run, err := o.store.GetRun(ctx, rec.WorkflowRunID)
		switch {
		case err == nil && !run.Finished():
			return run, nil
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrapf(err, "pipeline: load run %s", rec.WorkflowRunID)
		}
	}

	run := &model.PipelineRun{RecordID: rec.ID, Cursor: model.StageExtract}
	if err := o.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: create run")
	}
	return run, nil
}

// drive executes stages from the run's cursor, checkpointing after each.
func (o *Orchestrator) drive(ctx context.Context, rc *runCtx) error {
	// Stages are never interrupted midway; cancellation is observed between them.
	stageCtx := context.WithoutCancel(ctx)

	for !rc.run.Finished() {
		if ctx.Err() != nil {
			return o.cancel(stageCtx, rc, context.Cause(ctx))
		}

		stage := rc.run.Cursor
		fn, ok := o.stages[stage]
		if !ok {
			o.settle(rc, model.StatusFailed, model.ReasonInternalError, "unknown stage "+string(stage))
			if err := o.finish(stageCtx, rc); err != nil {
				return err
			}
			break
		}

		start := time.Now()
		v, err := fn(stageCtx, rc)
		if err != nil {
			return o.stageFailed(stageCtx, rc, stage, err)
		}
		rc.log.Debug("pipeline: stage complete",
			zap.String("stage", string(stage)),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)

		switch v {
		case advance:
			rc.run.Cursor = stage.Next()
			if err := o.store.SaveRun(stageCtx, rc.run); err != nil {
				return eris.Wrapf(err, "pipeline: checkpoint after %s", stage)
			}
		case finished:
			if err := o.finish(stageCtx, rc); err != nil {
				return err
			}
		case yielded:
			if err := o.store.UpdateRecord(stageCtx, rc.rec); err != nil {
				return eris.Wrapf(err, "pipeline: update record after %s", stage)
			}
			if err := o.store.SaveRun(stageCtx, rc.run); err != nil {
				return eris.Wrapf(err, "pipeline: checkpoint after %s", stage)
			}
			return nil
		}
	}

	rc.log.Info("pipeline: run finished",
		zap.String("status", string(rc.rec.Status)),
		zap.String("reason", string(rc.rec.ReasonCode)),
		zap.String("decision", string(rc.run.State.Decision)),
		zap.String("provider_id", rc.rec.ServiceProvider),
	)
	return nil
}

// stageFailed handles an unexpected stage error. The record goes back to
// PENDING with backoff and resumes from the same checkpoint; once the run
// has seen MaxStageErrors it fails with internal_error. If the error cannot
// be recorded the record stays PROCESSING for crash recovery.
func (o *Orchestrator) stageFailed(ctx context.Context, rc *runCtx, stage model.Stage, err error) error {
	st := &rc.run.State
	st.StageErrors++
	st.LastError = fmt.Sprintf("%s: %v", stage, err)
	rc.log.Error("pipeline: stage failed",
		zap.String("stage", string(stage)),
		zap.Int("stage_errors", st.StageErrors),
		zap.Error(err),
	)

	if st.StageErrors >= o.opts.MaxStageErrors {
		o.settle(rc, model.StatusFailed, model.ReasonInternalError,
			fmt.Sprintf("stage %s failed %d times: %v", stage, st.StageErrors, err))
		if ferr := o.finish(ctx, rc); ferr != nil {
			return eris.Wrapf(ferr, "pipeline: fail record after stage %s", stage)
		}
		return nil
	}

	if saveErr := o.store.SaveRun(ctx, rc.run); saveErr != nil {
		rc.log.Warn("pipeline: failed to record stage error", zap.Error(saveErr))
		return eris.Wrapf(err, "pipeline: stage %s", stage)
	}
	next := o.now().Add(resilience.Backoff(st.StageErrors-1, o.opts.RetryBackoff, 16*o.opts.RetryBackoff, 2))
	rc.rec.Status = model.StatusPending
	rc.rec.NextAttemptAt = &next
	if updErr := o.store.UpdateRecord(ctx, rc.rec); updErr != nil {
		rc.log.Warn("pipeline: failed to reschedule record", zap.Error(updErr))
	}
	return eris.Wrapf(err, "pipeline: stage %s", stage)
}

// finish writes the settled record before marking the run done, so a crash
// in between leaves a terminal record rather than a finished run under a
// PROCESSING record.
func (o *Orchestrator) finish(ctx context.Context, rc *runCtx) error {
	rc.rec.GeoUnmatched = rc.run.State.GeoUnmatched
	if err := o.store.UpdateRecord(ctx, rc.rec); err != nil {
		return eris.Wrap(err, "pipeline: settle record")
	}
	now := o.now()
	rc.run.Cursor = model.StageDone
	rc.run.FinishedAt = &now
	if err := o.store.SaveRun(ctx, rc.run); err != nil {
		return eris.Wrap(err, "pipeline: finish run")
	}
	return nil
}

// cancel stops the run at a checkpoint. The record returns to PENDING
// without consuming an attempt, unless the lease was lost.
func (o *Orchestrator) cancel(ctx context.Context, rc *runCtx, cause error) error {
	rc.cancelled = true
	if errors.Is(cause, lease.ErrLost) {
		rc.log.Warn("pipeline: lease lost, abandoning run", zap.String("stage", string(rc.run.Cursor)))
		return nil
	}

	rc.rec.Status = model.StatusPending
	if err := o.store.UpdateRecord(ctx, rc.rec); err != nil {
		return eris.Wrap(err, "pipeline: revert cancelled record")
	}
	rc.log.Info("pipeline: run cancelled", zap.String("stage", string(rc.run.Cursor)), zap.Error(cause))
	return nil
}

// settle sets the record's outcome fields. Completed records carry no
// reason and failed records are never linked.
func (o *Orchestrator) settle(rc *runCtx, status model.RecordStatus, code model.ReasonCode, explanation string) {
	r := rc.rec
	r.Status = status
	r.ReasonCode = code
	r.InterventionReason = ""
	r.FailureReason = ""
	r.NextAttemptAt = nil

	switch status {
	case model.StatusPausedIntervention:
		r.InterventionReason = explanation
	case model.StatusFailed:
		r.FailureReason = explanation
		r.ServiceProvider = ""
	}
}
