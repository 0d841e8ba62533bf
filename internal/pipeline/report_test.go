package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-ingest/internal/lease"
	"github.com/sells-group/provider-ingest/internal/model"
	"github.com/sells-group/provider-ingest/internal/resilience"
	"github.com/sells-group/provider-ingest/internal/store"
)

// pausedEnv leaves r1 paused between providers p-a and p-b.
func pausedEnv(t *testing.T) (*testEnv, *Reporter) {
	t.Helper()
	env := newEnv(t)
	env.seedProvider(t, model.Provider{
		ID: "p-a", BusinessName: "Bobs Plumbing LLC", Phone: "7035550100", LicenseNumber: "VA123",
	})
	env.seedProvider(t, model.Provider{
		ID: "p-b", BusinessName: "Bobs Plumbing Inc", Website: "bobsplumbing.com", LicenseNumber: "VA123",
	})
	env.seedRecord(t, "r1", "<bob/>")
	env.ex.On("Extract", mock.Anything, "<bob/>", mock.Anything).Return(&model.ExtractedFields{
		BusinessName:  "Bob's Plumbing",
		Phone:         "703-555-0100",
		Website:       "bobsplumbing.com",
		LicenseNumber: "VA-123",
	}, nil).Once()

	out, err := env.orch.Process(context.Background(), "r1")
	require.NoError(t, err)
	require.Equal(t, model.StatusPausedIntervention, out.Status)

	return env, NewReporter(env.store, lease.NewService(env.store), time.Minute)
}

func TestReset_ManualLink(t *testing.T) {
	env, rep := pausedEnv(t)
	ctx := context.Background()
	pausedRun := env.record(t, "r1").WorkflowRunID

	rec, err := rep.Reset(ctx, "r1", ResetDecision{LinkProviderID: "p-a"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, "p-a", rec.ServiceProvider)
	assert.Empty(t, rec.InterventionReason)
	assert.Empty(t, rec.ReasonCode)
	assert.NotEqual(t, pausedRun, rec.WorkflowRunID)

	run := env.run(t, "r1")
	assert.Equal(t, model.StageLoadContext, run.Cursor, "extraction is reused")
	require.NotNil(t, run.State.Extracted)

	out, err := env.orch.Process(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Equal(t, model.DecisionAutoLink, out.Decision)
	assert.Equal(t, "p-a", out.ProviderID)

	p := env.provider(t, "p-a")
	assert.Equal(t, 2, p.Version)
	assert.Equal(t, "bobsplumbing.com", p.Website)
	assert.Equal(t, 1, env.provider(t, "p-b").Version)
	env.ex.AssertExpectations(t)
}

func TestReset_CreateNew(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.seedProvider(t, model.Provider{
		ID: "p-a", BusinessName: "Bobs Plumbing LLC", Website: "bobsplumbing.com", LicenseNumber: "VA123",
	})
	env.seedRecord(t, "r1", "<bob/>")
	env.ex.On("Extract", mock.Anything, "<bob/>", mock.Anything).Return(&model.ExtractedFields{
		BusinessName: "Bob's Plumbing", Website: "bobsplumbing.com", LicenseNumber: "VA-123",
	}, nil).Once()
	out, err := env.orch.Process(ctx, "r1")
	require.NoError(t, err)
	require.Equal(t, model.StatusPausedIntervention, out.Status)

	rep := NewReporter(env.store, lease.NewService(env.store), time.Minute)
	_, err = rep.Reset(ctx, "r1", ResetDecision{CreateNew: true})
	require.NoError(t, err)
	assert.Equal(t, model.OverrideCreateNew, env.run(t, "r1").Override)

	out, err = env.orch.Process(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, out.Status)
	assert.Equal(t, model.DecisionCreateNew, out.Decision)
	assert.NotEqual(t, "p-a", out.ProviderID)
	assert.Len(t, env.providers(t), 2)
	assert.Equal(t, 1, env.provider(t, "p-a").Version)
}

// A phone already owned by another provider blocks a forced creation.
func TestReset_CreateNewWithTakenPhoneFails(t *testing.T) {
	env, rep := pausedEnv(t)
	ctx := context.Background()

	_, err := rep.Reset(ctx, "r1", ResetDecision{CreateNew: true})
	require.NoError(t, err)

	out, err := env.orch.Process(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.ReasonPersistenceConflict, out.Reason)
	assert.Len(t, env.providers(t), 2)
}

func TestReset_ReResolve(t *testing.T) {
	env, rep := pausedEnv(t)
	ctx := context.Background()

	_, err := rep.Reset(ctx, "r1", ResetDecision{})
	require.NoError(t, err)

	out, err := env.orch.Process(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPausedIntervention, out.Status, "same inputs, same ambiguity")
}

func TestReset_Rejections(t *testing.T) {
	env, rep := pausedEnv(t)
	ctx := context.Background()

	_, err := rep.Reset(ctx, "r1", ResetDecision{LinkProviderID: "p-a", CreateNew: true})
	assert.True(t, errors.Is(err, ErrInvalidDecision))

	_, err = rep.Reset(ctx, "r1", ResetDecision{LinkProviderID: "missing"})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	env.seedProvider(t, model.Provider{ID: "p-other", TenantID: "t2", BusinessName: "Elsewhere"})
	_, err = rep.Reset(ctx, "r1", ResetDecision{LinkProviderID: "p-other"})
	assert.True(t, errors.Is(err, ErrInvalidDecision))

	env.seedRecord(t, "r2", "<new/>")
	_, err = rep.Reset(ctx, "r2", ResetDecision{})
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	_, err = rep.Reset(ctx, "nope", ResetDecision{})
	assert.True(t, errors.Is(err, store.ErrNotFound))

	// Still paused after the rejected attempts.
	assert.Equal(t, model.StatusPausedIntervention, env.record(t, "r1").Status)
}

func TestReset_BusyWhileLeased(t *testing.T) {
	env, rep := pausedEnv(t)
	ctx := context.Background()

	held, err := lease.NewService(env.store).Acquire(ctx, "r1", time.Minute)
	require.NoError(t, err)
	_, err = rep.Reset(ctx, "r1", ResetDecision{})
	assert.True(t, errors.Is(err, lease.ErrBusy))

	require.NoError(t, lease.NewService(env.store).Release(ctx, held))
	_, err = rep.Reset(ctx, "r1", ResetDecision{})
	assert.NoError(t, err)
}

func TestReset_FailedRecordGetsFreshAttempts(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.seedRecord(t, "r1", "<acme/>")
	rec := env.record(t, "r1")
	rec.Status = model.StatusFailed
	rec.ReasonCode = model.ReasonExtractionUnavailable
	rec.FailureReason = "extraction unavailable after 3 attempts"
	rec.AttemptCount = 3
	require.NoError(t, env.store.UpdateRecord(ctx, rec))

	rep := NewReporter(env.store, lease.NewService(env.store), time.Minute)
	got, err := rep.Reset(ctx, "r1", ResetDecision{})
	require.NoError(t, err)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Empty(t, got.FailureReason)
	assert.Equal(t, model.StageExtract, env.run(t, "r1").Cursor)
}

func TestReset_LinkedRecordFailingExtractionIsUnlinked(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.seedProvider(t, model.Provider{ID: "p-a", BusinessName: "Acme Plumbing"})
	env.seedRecord(t, "r1", "<garbled/>")
	rec := env.record(t, "r1")
	rec.Status = model.StatusFailed
	rec.ReasonCode = model.ReasonExtractionUnavailable
	rec.FailureReason = "extraction unavailable after 3 attempts"
	require.NoError(t, env.store.UpdateRecord(ctx, rec))

	rep := NewReporter(env.store, lease.NewService(env.store), time.Minute)
	got, err := rep.Reset(ctx, "r1", ResetDecision{LinkProviderID: "p-a"})
	require.NoError(t, err)
	assert.Equal(t, "p-a", got.ServiceProvider)

	env.ex.On("Extract", mock.Anything, "<garbled/>", mock.Anything).
		Return(nil, resilience.NewPermanentError(errors.New("extract: status 422"), 422)).Once()
	out, err := env.orch.Process(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, out.Status)
	assert.Equal(t, model.ReasonExtractionRejected, out.Reason)
	assert.Empty(t, out.ProviderID)

	rec = env.record(t, "r1")
	assert.Empty(t, rec.ServiceProvider, "failed records are never linked")
	assert.Equal(t, 1, env.provider(t, "p-a").Version)
}

func TestReporter_RecordAndSummary(t *testing.T) {
	env, rep := pausedEnv(t)
	ctx := context.Background()
	env.seedRecord(t, "r2", "<new/>")

	view, err := rep.Record(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPausedIntervention, view.Record.Status)
	require.NotNil(t, view.Run)
	assert.Equal(t, model.DecisionIntervene, view.Run.State.Decision)

	view, err = rep.Record(ctx, "r2")
	require.NoError(t, err)
	assert.Nil(t, view.Run)

	paused, err := rep.List(ctx, store.RecordFilter{Status: model.StatusPausedIntervention})
	require.NoError(t, err)
	require.Len(t, paused, 1)
	assert.Equal(t, "r1", paused[0].ID)

	counts, err := rep.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusPausedIntervention])
	assert.Equal(t, 1, counts[model.StatusPending])

	out := FormatSummary(counts)
	assert.Contains(t, out, "paused_intervention  1")
	assert.Contains(t, out, "total                2")
}
