package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/lease"
	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/store"
)

var (
	// ErrInvalidTransition is returned when a reset targets a record that is
	// not paused, failed or completed.
	ErrInvalidTransition = errors.New("pipeline: invalid status transition")
	// ErrInvalidDecision is returned for contradictory or cross-tenant decisions.
	ErrInvalidDecision = errors.New("pipeline: invalid reset decision")
)

// ResetDecision is the human decision attached to a reset. The zero value
// re-runs identity resolution from scratch.
type ResetDecision struct {
	// LinkProviderID manually links the record to an existing provider.
	LinkProviderID string `json:"link_provider_id,omitempty"`
	// CreateNew forces a new provider regardless of candidates.
	CreateNew bool `json:"create_new,omitempty"`
}

// RecordView is a record with its current run for operators.
type RecordView struct {
	Record *model.ScrapedRecord `json:"record"`
	Run    *model.PipelineRun   `json:"run,omitempty"`
}

// Reporter exposes record status and the human intervention actions.
type Reporter struct {
	store    store.Store
	leases   lease.Service
	leaseTTL time.Duration
}

// NewReporter creates a Reporter. Resets take the record lease so they
// never race a worker.
func NewReporter(st store.Store, leases lease.Service, leaseTTL time.Duration) *Reporter {
	if leaseTTL <= 0 {
		leaseTTL = 30 * time.Second
	}
	return &Reporter{store: st, leases: leases, leaseTTL: leaseTTL}
}

// Record returns a record and its latest run.
func (r *Reporter) Record(ctx context.Context, id string) (*RecordView, error) {
	rec, err := r.store.GetRecord(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: get record %s", id)
	}
	view := &RecordView{Record: rec}
	if rec.WorkflowRunID != "" {
		run, err := r.store.GetRun(ctx, rec.WorkflowRunID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, eris.Wrapf(err, "pipeline: get run %s", rec.WorkflowRunID)
		}
		view.Run = run
	}
	return view, nil
}

// List returns records matching filter.
func (r *Reporter) List(ctx context.Context, filter store.RecordFilter) ([]model.ScrapedRecord, error) {
	recs, err := r.store.ListRecords(ctx, filter)
	return recs, eris.Wrap(err, "pipeline: list records")
}

// Summary counts records per status.
func (r *Reporter) Summary(ctx context.Context) (map[model.RecordStatus]int, error) {
	counts, err := r.store.CountByStatus(ctx)
	return counts, eris.Wrap(err, "pipeline: count records")
}

// FormatSummary renders status counts in a stable order.
func FormatSummary(counts map[model.RecordStatus]int) string {
	order := []model.RecordStatus{
		model.StatusPending,
		model.StatusProcessing,
		model.StatusCompleted,
		model.StatusPausedIntervention,
		model.StatusFailed,
	}
	var b strings.Builder
	total := 0
	for _, st := range order {
		fmt.Fprintf(&b, "%-20s %d\n", st, counts[st])
		total += counts[st]
	}
	var extra []string
	for st := range counts {
		if _, err := model.ParseRecordStatus(string(st)); err != nil {
			extra = append(extra, string(st))
		}
	}
	sort.Strings(extra)
	for _, st := range extra {
		fmt.Fprintf(&b, "%-20s %d\n", st, counts[model.RecordStatus(st)])
		total += counts[model.RecordStatus(st)]
	}
	fmt.Fprintf(&b, "%-20s %d\n", "total", total)
	return b.String()
}

// Reset returns a paused, failed or completed record to PENDING under a
// fresh run. The new run reuses the previous extraction when there is one,
// so only context, geo and identity stages re-execute. A manual link keeps
// the record linked; otherwise the link is cleared.
func (r *Reporter) Reset(ctx context.Context, id string, d ResetDecision) (*model.ScrapedRecord, error) {
	if d.CreateNew && d.LinkProviderID != "" {
		return nil, eris.Wrap(ErrInvalidDecision, "pipeline: link and create_new are mutually exclusive")
	}

	l, err := r.leases.Acquire(ctx, id, r.leaseTTL)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: lock record %s", id)
	}
	defer func() {
		if err := r.leases.Release(context.WithoutCancel(ctx), l); err != nil {
			zap.L().Warn("pipeline: release reset lease", zap.String("record_id", id), zap.Error(err))
		}
	}()

	rec, err := r.store.GetRecord(ctx, id)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: get record %s", id)
	}
	switch rec.Status {
	case model.StatusPausedIntervention, model.StatusFailed, model.StatusCompleted:
	default:
		return nil, eris.Wrapf(ErrInvalidTransition, "pipeline: cannot reset %s record %s", rec.Status, id)
	}

	if d.LinkProviderID != "" {
		p, err := r.store.GetProvider(ctx, d.LinkProviderID)
		if err != nil {
			return nil, eris.Wrapf(err, "pipeline: get provider %s", d.LinkProviderID)
		}
		if p.TenantID != rec.TenantID {
			return nil, eris.Wrapf(ErrInvalidDecision, "pipeline: provider %s belongs to another tenant", p.ID)
		}
	}

	run := &model.PipelineRun{RecordID: rec.ID, Cursor: model.StageExtract}
	if d.CreateNew {
		run.Override = model.OverrideCreateNew
	}
	if rec.WorkflowRunID != "" {
		prev, err := r.store.GetRun(ctx, rec.WorkflowRunID)
		switch {
		case err == nil && prev.State.Extracted != nil:
			run.State.Extracted = prev.State.Extracted
			run.Cursor = model.StageLoadContext
		case err != nil && !errors.Is(err, store.ErrNotFound):
			return nil, eris.Wrapf(err, "pipeline: get run %s", rec.WorkflowRunID)
		}
	}
	if err := r.store.CreateRun(ctx, run); err != nil {
		return nil, eris.Wrap(err, "pipeline: create reset run")
	}

	prevStatus := rec.Status
	rec.Status = model.StatusPending
	rec.ReasonCode = model.ReasonNone
	rec.InterventionReason = ""
	rec.FailureReason = ""
	rec.WorkflowRunID = run.ID
	rec.ServiceProvider = d.LinkProviderID
	rec.AttemptCount = 0
	rec.NextAttemptAt = nil
	if err := r.store.UpdateRecord(ctx, rec); err != nil {
		return nil, eris.Wrap(err, "pipeline: reset record")
	}

	zap.L().Info("pipeline: record reset",
		zap.String("record_id", rec.ID),
		zap.String("from_status", string(prevStatus)),
		zap.String("run_id", run.ID),
		zap.String("link_provider_id", d.LinkProviderID),
		zap.Bool("create_new", d.CreateNew),
	)
	return rec, nil
}
