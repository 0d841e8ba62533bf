package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/provider-ingest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as unix milliseconds so they compare correctly in SQL.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time; transactions never wait on each other for a lock upgrade.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS scraped_records (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL DEFAULT '',
	source_name         TEXT NOT NULL,
	source_url          TEXT NOT NULL DEFAULT '',
	raw_content         TEXT NOT NULL DEFAULT '',
	status              TEXT NOT NULL DEFAULT 'pending',
	reason_code         TEXT NOT NULL DEFAULT '',
	intervention_reason TEXT NOT NULL DEFAULT '',
	failure_reason      TEXT NOT NULL DEFAULT '',
	workflow_run_id     TEXT NOT NULL DEFAULT '',
	service_provider    TEXT,
	attempt_count       INTEGER NOT NULL DEFAULT 0,
	last_attempted_at   INTEGER,
	next_attempt_at     INTEGER,
	geo_unmatched       INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	updated_at          INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_scraped_records_status ON scraped_records(status, next_attempt_at);
CREATE INDEX IF NOT EXISTS idx_scraped_records_provider ON scraped_records(service_provider, source_name);

CREATE TABLE IF NOT EXISTS providers (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL DEFAULT '',
	business_name  TEXT NOT NULL,
	phone          TEXT NOT NULL DEFAULT '',
	website        TEXT NOT NULL DEFAULT '',
	license_number TEXT NOT NULL DEFAULT '',
	service_area   TEXT NOT NULL DEFAULT '[]',
	metadata       TEXT NOT NULL DEFAULT '{}',
	enriched_at    INTEGER,
	version        INTEGER NOT NULL DEFAULT 1,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_providers_tenant ON providers(tenant_id);
CREATE UNIQUE INDEX IF NOT EXISTS uq_providers_tenant_phone ON providers(tenant_id, phone) WHERE phone <> '';

CREATE TABLE IF NOT EXISTS provider_sources (
	provider_id        TEXT NOT NULL REFERENCES providers(id),
	run_id             TEXT NOT NULL,
	source             TEXT NOT NULL,
	source_url         TEXT NOT NULL DEFAULT '',
	record_id          TEXT NOT NULL DEFAULT '',
	observed_at        INTEGER NOT NULL,
	fields_contributed TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (provider_id, run_id)
);

CREATE TABLE IF NOT EXISTS provider_categories (
	provider_id TEXT NOT NULL REFERENCES providers(id),
	category    TEXT NOT NULL,
	created_at  INTEGER NOT NULL,
	PRIMARY KEY (provider_id, category)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	record_id   TEXT NOT NULL,
	cursor      TEXT NOT NULL,
	state       TEXT NOT NULL DEFAULT '{}',
	override    TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	finished_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_record ON pipeline_runs(record_id);

CREATE TABLE IF NOT EXISTS record_leases (
	key        TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func timePtr(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "sqlite: %s %s", kind, id)
	}
	return nil
}

func isSQLiteUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func scanSQLiteRecord(row rowScanner) (*model.ScrapedRecord, error) {
	var r model.ScrapedRecord
	var status, reason string
	var provider sql.NullString
	var last, next sql.NullInt64
	var created, updated int64
	err := row.Scan(&r.ID, &r.TenantID, &r.SourceName, &r.SourceURL, &r.RawContent, &status, &reason,
		&r.InterventionReason, &r.FailureReason, &r.WorkflowRunID, &provider, &r.AttemptCount,
		&last, &next, &created, &updated, &r.GeoUnmatched)
	if err != nil {
		return nil, err
	}
	r.Status = model.RecordStatus(status)
	r.ReasonCode = model.ReasonCode(reason)
	r.ServiceProvider = provider.String
	r.LastAttemptedAt = timePtr(last)
	r.NextAttemptAt = timePtr(next)
	r.CreatedAt = fromMillis(created)
	r.UpdatedAt = fromMillis(updated)
	return &r, nil
}

func (s *SQLiteStore) InsertRecords(ctx context.Context, recs []model.ScrapedRecord) (int64, error) {
	if len(recs) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert records: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := toMillis(time.Now())
	var inserted int64
	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Status == "" {
			r.Status = model.StatusPending
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO scraped_records (id, tenant_id, source_name, source_url, raw_content, status, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.TenantID, r.SourceName, r.SourceURL, r.RawContent, string(r.Status), now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert records: commit")
	}
	return inserted, nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.ScrapedRecord, error) {
	r, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM scraped_records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ScrapedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM scraped_records WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.GeoUnmatched {
		query += ` AND geo_unmatched = 1`
	}
	query += ` ORDER BY updated_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	return s.queryRecords(ctx, "list records", query, args...)
}

func (s *SQLiteStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]model.ScrapedRecord, error) {
	if limit <= 0 {
		limit = 1
	}
	ms := toMillis(now)
	return s.queryRecords(ctx, "list eligible", `SELECT `+recordColumns+` FROM scraped_records r
		WHERE (r.status = 'pending' AND (r.next_attempt_at IS NULL OR r.next_attempt_at <= ?))
		   OR (r.status = 'processing' AND NOT EXISTS (
				SELECT 1 FROM record_leases l WHERE l.key = r.id AND l.expires_at > ?))
		ORDER BY r.last_attempted_at IS NOT NULL, r.last_attempted_at, r.created_at, r.id
		LIMIT ?`, ms, ms, limit)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.ScrapedRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var out []model.ScrapedRecord
	for rows.Next() {
		r, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		out = append(out, *r)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *model.ScrapedRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scraped_records SET status = ?, reason_code = ?, intervention_reason = ?,
			failure_reason = ?, workflow_run_id = ?, service_provider = ?, attempt_count = ?,
			last_attempted_at = ?, next_attempt_at = ?, geo_unmatched = ?, updated_at = ?
		 WHERE id = ?`,
		string(rec.Status), string(rec.ReasonCode), rec.InterventionReason, rec.FailureReason,
		rec.WorkflowRunID, sql.NullString{String: rec.ServiceProvider, Valid: rec.ServiceProvider != ""},
		rec.AttemptCount, nullMillis(rec.LastAttemptedAt), nullMillis(rec.NextAttemptAt),
		rec.GeoUnmatched, toMillis(rec.UpdatedAt), rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %s", rec.ID)
	}
	return checkRowsAffected(res, "record", rec.ID)
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[model.RecordStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scraped_records GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: count by status")
	}
	defer rows.Close()

	counts := make(map[model.RecordStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan status count")
		}
		counts[model.RecordStatus(status)] = n
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: count by status iterate")
}

func (s *SQLiteStore) PriorExtractions(ctx context.Context, rec *model.ScrapedRecord) ([]model.ExtractedFields, error) {
	if rec.ServiceProvider == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT pr.state FROM scraped_records r
		 JOIN pipeline_runs pr ON pr.id = r.workflow_run_id
		 WHERE r.service_provider = ? AND r.source_name = ? AND r.tenant_id = ? AND r.id <> ?
		 ORDER BY r.updated_at DESC
		 LIMIT ?`,
		rec.ServiceProvider, rec.SourceName, rec.TenantID, rec.ID, priorContextLimit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: prior extractions")
	}
	defer rows.Close()

	var out []model.ExtractedFields
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan prior extraction")
		}
		ef, err := extractedFromState([]byte(state))
		if err != nil {
			return nil, err
		}
		if ef != nil {
			out = append(out, *ef)
		}
	}
	return out, eris.Wrap(rows.Err(), "sqlite: prior extractions iterate")
}

// Runs

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	run.StartedAt, run.UpdatedAt = now, now
	if run.Cursor == "" {
		run.Cursor = model.StageExtract
	}
	state, err := marshalJSON(run.State)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (id, record_id, cursor, state, override, started_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RecordID, string(run.Cursor), string(state), string(run.Override), toMillis(now), toMillis(now),
	)
	return eris.Wrapf(err, "sqlite: insert run for record %s", run.RecordID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	var run model.PipelineRun
	var cursor, override, state string
	var started, updated int64
	var finished sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, record_id, cursor, state, override, started_at, updated_at, finished_at
		 FROM pipeline_runs WHERE id = ?`, id,
	).Scan(&run.ID, &run.RecordID, &cursor, &state, &override, &started, &updated, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", id)
	}
	run.Cursor = model.Stage(cursor)
	run.Override = model.Override(override)
	run.StartedAt = fromMillis(started)
	run.UpdatedAt = fromMillis(updated)
	run.FinishedAt = timePtr(finished)
	if err := json.Unmarshal([]byte(state), &run.State); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run state")
	}
	return &run, nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *model.PipelineRun) error {
	state, err := marshalJSON(run.State)
	if err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET cursor = ?, state = ?, updated_at = ?, finished_at = ? WHERE id = ?`,
		string(run.Cursor), string(state), toMillis(run.UpdatedAt), nullMillis(run.FinishedAt), run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

// Providers

func scanSQLiteProvider(row rowScanner) (*model.Provider, error) {
	var p model.Provider
	var area, meta string
	var enriched sql.NullInt64
	var created, updated int64
	if err := row.Scan(&p.ID, &p.TenantID, &p.BusinessName, &p.Phone, &p.Website, &p.LicenseNumber,
		&area, &meta, &enriched, &p.Version, &created, &updated); err != nil {
		return nil, err
	}
	p.EnrichedAt = timePtr(enriched)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(updated)
	if err := decodeProviderJSON(&p, []byte(area), []byte(meta)); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLiteStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	p, err := scanSQLiteProvider(s.db.QueryRowContext(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: provider %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get provider %s", id)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source, source_url, record_id, run_id, observed_at, fields_contributed
		 FROM provider_sources WHERE provider_id = ? ORDER BY rowid`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: provider sources %s", id)
	}
	for rows.Next() {
		var e model.ProvenanceEntry
		var observed int64
		var fields string
		if err := rows.Scan(&e.Source, &e.SourceURL, &e.RecordID, &e.RunID, &observed, &fields); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan provider source")
		}
		e.ObservedAt = fromMillis(observed)
		if err := json.Unmarshal([]byte(fields), &e.FieldsContributed); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: unmarshal fields_contributed")
		}
		p.EnrichedSources = append(p.EnrichedSources, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: provider sources iterate")
	}

	catRows, err := s.db.QueryContext(ctx,
		`SELECT category FROM provider_categories WHERE provider_id = ? ORDER BY category`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: provider categories %s", id)
	}
	defer catRows.Close()
	for catRows.Next() {
		var c string
		if err := catRows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan provider category")
		}
		p.Categories = append(p.Categories, c)
	}
	return p, eris.Wrap(catRows.Err(), "sqlite: provider categories iterate")
}

func (s *SQLiteStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Provider, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + providerColumns + ` FROM providers WHERE tenant_id = ?`
	args := []any{q.TenantID}
	if !q.Unrestricted {
		regions, err := marshalJSON(stringSlice(q.Regions))
		if err != nil {
			return nil, err
		}
		query += ` AND (service_area = '[]' OR EXISTS (
			SELECT 1 FROM json_each(providers.service_area) a
			WHERE a.value IN (SELECT value FROM json_each(?))))`
		args = append(args, string(regions))
	}
	query += ` ORDER BY id LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find candidates")
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		p, err := scanSQLiteProvider(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan candidate")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: find candidates iterate")
}

// PersistProvider applies w in one transaction. A provenance row already
// present for (provider, run) makes the call a no-op.
func (s *SQLiteStore) PersistProvider(ctx context.Context, w ProviderWrite) error {
	if err := validateWrite(w); err != nil {
		return err
	}
	p := w.Provider

	area, err := marshalJSON(stringSlice(p.ServiceArea))
	if err != nil {
		return err
	}
	meta, err := marshalJSON(stringMap(p.Metadata))
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: persist provider: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var applied int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM provider_sources WHERE provider_id = ? AND run_id = ?`,
		p.ID, w.RunID,
	).Scan(&applied)
	if err != nil {
		return eris.Wrap(err, "sqlite: persist provider: check run")
	}
	if applied > 0 {
		return eris.Wrap(tx.Commit(), "sqlite: persist provider: commit")
	}

	now := toMillis(time.Now())
	switch {
	case w.Create:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO providers (id, tenant_id, business_name, phone, website, license_number,
				service_area, metadata, enriched_at, version, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
			p.ID, p.TenantID, p.BusinessName, p.Phone, p.Website, p.LicenseNumber,
			string(area), string(meta), nullMillis(p.EnrichedAt), now, now,
		)
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "sqlite: provider %s already exists", p.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert provider %s", p.ID)
		}
		p.Version = 1
	case w.Entry != nil:
		res, err := tx.ExecContext(ctx,
			`UPDATE providers SET business_name = ?, phone = ?, website = ?, license_number = ?,
				service_area = ?, metadata = ?, enriched_at = ?, version = version + 1, updated_at = ?
			 WHERE id = ? AND version = ?`,
			p.BusinessName, p.Phone, p.Website, p.LicenseNumber, string(area), string(meta),
			nullMillis(p.EnrichedAt), now, p.ID, w.ExpectedVersion,
		)
		if isSQLiteUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "sqlite: provider %s unique key", p.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "sqlite: update provider %s", p.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return eris.Wrapf(ErrConflict, "sqlite: provider %s version %d is stale", p.ID, w.ExpectedVersion)
		}
		p.Version = w.ExpectedVersion + 1
	}

	if w.Entry != nil {
		fields, err := marshalJSON(stringSlice(w.Entry.FieldsContributed))
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO provider_sources (provider_id, run_id, source, source_url, record_id, observed_at, fields_contributed)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (provider_id, run_id) DO NOTHING`,
			p.ID, w.RunID, w.Entry.Source, w.Entry.SourceURL, w.Entry.RecordID,
			toMillis(w.Entry.ObservedAt), string(fields),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert provenance for %s", p.ID)
		}
	}

	for _, c := range w.Categories {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO provider_categories (provider_id, category, created_at) VALUES (?, ?, ?)
			 ON CONFLICT (provider_id, category) DO NOTHING`,
			p.ID, c, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: attach category %s to %s", c, p.ID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: persist provider: commit")
}

// Leases

func (s *SQLiteStore) AcquireLease(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO record_leases (key, token, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		 WHERE record_leases.expires_at <= ?`,
		key, token, toMillis(now.Add(ttl)), toMillis(now),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: acquire lease %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) RenewLease(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE record_leases SET expires_at = ? WHERE key = ? AND token = ? AND expires_at > ?`,
		toMillis(now.Add(ttl)), key, token, toMillis(now),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: renew lease %s", key)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) ReleaseLease(ctx context.Context, key, token string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM record_leases WHERE key = ? AND token = ?`, key, token)
	return eris.Wrapf(err, "sqlite: release lease %s", key)
}
