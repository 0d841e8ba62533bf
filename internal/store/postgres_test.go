package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/provider-ingest/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return NewPostgresWithPool(mock), mock
}

var recordColumnNames = []string{
	"id", "tenant_id", "source_name", "source_url", "raw_content", "status", "reason_code",
	"intervention_reason", "failure_reason", "workflow_run_id", "service_provider", "attempt_count",
	"last_attempted_at", "next_attempt_at", "created_at", "updated_at", "geo_unmatched",
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS scraped_records`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()
	provider := "p1"

	mock.ExpectQuery(`SELECT id, tenant_id, source_name.*FROM scraped_records WHERE id = \$1`).
		WithArgs("r1").
		WillReturnRows(mock.NewRows(recordColumnNames).AddRow(
			"r1", "t1", "yelp", "https://yelp.example/r1", "<html/>", "paused_intervention", "identity_ambiguous",
			"two candidates", "", "run-1", &provider, 1,
			&now, nil, now, now, true,
		))

	rec, err := s.GetRecord(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusPausedIntervention, rec.Status)
	assert.Equal(t, model.ReasonIdentityAmbiguous, rec.ReasonCode)
	assert.Equal(t, "p1", rec.ServiceProvider)
	assert.Equal(t, 1, rec.AttemptCount)
	require.NotNil(t, rec.LastAttemptedAt)
	assert.Nil(t, rec.NextAttemptAt)
	assert.True(t, rec.GeoUnmatched)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM scraped_records WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRecord_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scraped_records SET status = \$1`).
		WithArgs("completed", "", "", "", "run-1", pgxmock.AnyArg(), 0,
			pgxmock.AnyArg(), pgxmock.AnyArg(), false, pgxmock.AnyArg(), "gone").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRecord(context.Background(), &model.ScrapedRecord{
		ID: "gone", Status: model.StatusCompleted, WorkflowRunID: "run-1", ServiceProvider: "p1",
	})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListEligible(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`status = 'pending' .* NOT EXISTS .* record_leases`).
		WithArgs(now, 5).
		WillReturnRows(mock.NewRows(recordColumnNames))

	got, err := s.ListEligible(context.Background(), now, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CountByStatus(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM scraped_records GROUP BY status`).
		WillReturnRows(mock.NewRows([]string{"status", "count"}).
			AddRow("pending", int64(3)).
			AddRow("completed", int64(7)))

	counts, err := s.CountByStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, counts[model.StatusPending])
	assert.Equal(t, 7, counts[model.StatusCompleted])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testWrite(create bool) ProviderWrite {
	return ProviderWrite{
		Provider: &model.Provider{
			ID: "p1", TenantID: "t1", BusinessName: "Acme Plumbing", Phone: "7035551234",
			ServiceArea: []string{"City of Alexandria"},
		},
		Create:          create,
		ExpectedVersion: 3,
		Entry: &model.ProvenanceEntry{
			Source: "yelp", RunID: "run-1", ObservedAt: time.Now().UTC(),
			FieldsContributed: []string{model.FieldPhone},
		},
		Categories: []string{"plumbing"},
		RunID:      "run-1",
	}
}

func TestPostgresStore_PersistProvider_Create(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS \(SELECT 1 FROM provider_sources`).
		WithArgs("p1", "run-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO providers`).
		WithArgs("p1", "t1", "Acme Plumbing", "7035551234", "", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO provider_sources .* ON CONFLICT \(provider_id, run_id\) DO NOTHING`).
		WithArgs("p1", "run-1", "yelp", "", "", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO provider_categories .* DO NOTHING`).
		WithArgs("p1", "plumbing", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	w := testWrite(true)
	require.NoError(t, s.PersistProvider(context.Background(), w))
	assert.Equal(t, 1, w.Provider.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PersistProvider_ReplayIsNoop(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("p1", "run-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	require.NoError(t, s.PersistProvider(context.Background(), testWrite(true)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PersistProvider_StaleVersion(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("p1", "run-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`UPDATE providers SET .* WHERE id = \$9 AND version = \$10`).
		WithArgs("Acme Plumbing", "7035551234", "", "", pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), "p1", 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.PersistProvider(context.Background(), testWrite(false))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PersistProvider_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("p1", "run-1").
		WillReturnRows(mock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(`INSERT INTO providers`).
		WithArgs("p1", "t1", "Acme Plumbing", "7035551234", "", "",
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "uq_providers_tenant_phone"})
	mock.ExpectRollback()

	err := s.PersistProvider(context.Background(), testWrite(true))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Leases(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectExec(`INSERT INTO record_leases .* WHERE record_leases.expires_at <= \$4`).
		WithArgs("r1", "tok", now.Add(time.Minute), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO record_leases`).
		WithArgs("r1", "other", now.Add(time.Minute), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectExec(`UPDATE record_leases SET expires_at = \$1`).
		WithArgs(now.Add(time.Minute), "r1", "tok", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM record_leases WHERE key = \$1 AND token = \$2`).
		WithArgs("r1", "tok").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	ctx := context.Background()
	ok, err := s.AcquireLease(ctx, "r1", "tok", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "r1", "other", now, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewLease(ctx, "r1", "tok", now, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "r1", "tok"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
