package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/provider-ingest/internal/db"
	"github.com/sells-group/provider-ingest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const postgresMigration = `
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
	last_attempted_at   TIMESTAMPTZ,
	next_attempt_at     TIMESTAMPTZ,
	geo_unmatched       BOOLEAN NOT NULL DEFAULT false,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
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
	service_area   JSONB NOT NULL DEFAULT '[]',
	metadata       JSONB NOT NULL DEFAULT '{}',
	enriched_at    TIMESTAMPTZ,
	version        INTEGER NOT NULL DEFAULT 1,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_providers_tenant ON providers(tenant_id);
CREATE INDEX IF NOT EXISTS idx_providers_service_area ON providers USING GIN (service_area);
CREATE UNIQUE INDEX IF NOT EXISTS uq_providers_tenant_phone ON providers(tenant_id, phone) WHERE phone <> '';

CREATE TABLE IF NOT EXISTS provider_sources (
	seq                BIGSERIAL,
	provider_id        TEXT NOT NULL REFERENCES providers(id),
	run_id             TEXT NOT NULL,
	source             TEXT NOT NULL,
	source_url         TEXT NOT NULL DEFAULT '',
	record_id          TEXT NOT NULL DEFAULT '',
	observed_at        TIMESTAMPTZ NOT NULL,
	fields_contributed JSONB NOT NULL DEFAULT '[]',
	PRIMARY KEY (provider_id, run_id)
);

CREATE TABLE IF NOT EXISTS provider_categories (
	provider_id TEXT NOT NULL REFERENCES providers(id),
	category    TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (provider_id, category)
);

CREATE TABLE IF NOT EXISTS pipeline_runs (
	id          TEXT PRIMARY KEY,
	record_id   TEXT NOT NULL,
	cursor      TEXT NOT NULL,
	state       JSONB NOT NULL DEFAULT '{}',
	override    TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_pipeline_runs_record ON pipeline_runs(record_id);

CREATE TABLE IF NOT EXISTS record_leases (
	key        TEXT PRIMARY KEY,
	token      TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const recordColumns = `id, tenant_id, source_name, source_url, raw_content, status, reason_code,
	intervention_reason, failure_reason, workflow_run_id, service_provider, attempt_count,
	last_attempted_at, next_attempt_at, created_at, updated_at, geo_unmatched`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresRecord(row rowScanner) (*model.ScrapedRecord, error) {
	var r model.ScrapedRecord
	var status, reason string
	var provider *string
	err := row.Scan(&r.ID, &r.TenantID, &r.SourceName, &r.SourceURL, &r.RawContent, &status, &reason,
		&r.InterventionReason, &r.FailureReason, &r.WorkflowRunID, &provider, &r.AttemptCount,
		&r.LastAttemptedAt, &r.NextAttemptAt, &r.CreatedAt, &r.UpdatedAt, &r.GeoUnmatched)
	if err != nil {
		return nil, err
	}
	r.Status = model.RecordStatus(status)
	r.ReasonCode = model.ReasonCode(reason)
	if provider != nil {
		r.ServiceProvider = *provider
	}
	return &r, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) InsertRecords(ctx context.Context, recs []model.ScrapedRecord) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(recs))
	for i := range recs {
		r := &recs[i]
		if r.ID == "" {
			r.ID = uuid.New().String()
		}
		if r.Status == "" {
			r.Status = model.StatusPending
		}
		rows = append(rows, []any{r.ID, r.TenantID, r.SourceName, r.SourceURL, r.RawContent, string(r.Status), now, now})
	}
	n, err := db.InsertIgnore(ctx, s.pool, db.InsertConfig{
		Table:        "scraped_records",
		Columns:      []string{"id", "tenant_id", "source_name", "source_url", "raw_content", "status", "created_at", "updated_at"},
		ConflictKeys: []string{"id"},
	}, rows)
	return n, eris.Wrap(err, "postgres: insert records")
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.ScrapedRecord, error) {
	r, err := scanPostgresRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM scraped_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	return r, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ScrapedRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM scraped_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argIdx)
		args = append(args, filter.TenantID)
		argIdx++
	}
	if filter.GeoUnmatched {
		query += ` AND geo_unmatched`
	}
	query += ` ORDER BY updated_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	return s.queryRecords(ctx, "list records", query, args...)
}

func (s *PostgresStore) ListEligible(ctx context.Context, now time.Time, limit int) ([]model.ScrapedRecord, error) {
	if limit <= 0 {
		limit = 1
	}
	return s.queryRecords(ctx, "list eligible", `SELECT `+recordColumns+` FROM scraped_records r
		WHERE (r.status = 'pending' AND (r.next_attempt_at IS NULL OR r.next_attempt_at <= $1))
		   OR (r.status = 'processing' AND NOT EXISTS (
				SELECT 1 FROM record_leases l WHERE l.key = r.id AND l.expires_at > $1))
		ORDER BY r.last_attempted_at NULLS FIRST, r.created_at, r.id
		LIMIT $2`, now, limit)
}

func (s *PostgresStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.ScrapedRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.ScrapedRecord
	for rows.Next() {
		r, err := scanPostgresRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		out = append(out, *r)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, rec *model.ScrapedRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE scraped_records SET status = $1, reason_code = $2, intervention_reason = $3,
			failure_reason = $4, workflow_run_id = $5, service_provider = $6, attempt_count = $7,
			last_attempted_at = $8, next_attempt_at = $9, geo_unmatched = $10, updated_at = $11
		 WHERE id = $12`,
		string(rec.Status), string(rec.ReasonCode), rec.InterventionReason, rec.FailureReason,
		rec.WorkflowRunID, nullString(rec.ServiceProvider), rec.AttemptCount,
		rec.LastAttemptedAt, rec.NextAttemptAt, rec.GeoUnmatched, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %s", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: record %s", rec.ID)
	}
	return nil
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[model.RecordStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM scraped_records GROUP BY status`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: count by status")
	}
	defer rows.Close()

	counts := make(map[model.RecordStatus]int)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, eris.Wrap(err, "postgres: scan status count")
		}
		counts[model.RecordStatus(status)] = int(n)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: count by status iterate")
}

func (s *PostgresStore) PriorExtractions(ctx context.Context, rec *model.ScrapedRecord) ([]model.ExtractedFields, error) {
	if rec.ServiceProvider == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT pr.state FROM scraped_records r
		 JOIN pipeline_runs pr ON pr.id = r.workflow_run_id
		 WHERE r.service_provider = $1 AND r.source_name = $2 AND r.tenant_id = $3 AND r.id <> $4
		 ORDER BY r.updated_at DESC
		 LIMIT $5`,
		rec.ServiceProvider, rec.SourceName, rec.TenantID, rec.ID, priorContextLimit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: prior extractions")
	}
	defer rows.Close()

	var out []model.ExtractedFields
	for rows.Next() {
		var state []byte
		if err := rows.Scan(&state); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prior extraction")
		}
		ef, err := extractedFromState(state)
		if err != nil {
			return nil, err
		}
		if ef != nil {
			out = append(out, *ef)
		}
	}
	return out, eris.Wrap(rows.Err(), "postgres: prior extractions iterate")
}

// Runs

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.PipelineRun) error {
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
	_, err = s.pool.Exec(ctx,
		`INSERT INTO pipeline_runs (id, record_id, cursor, state, override, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.RecordID, string(run.Cursor), state, string(run.Override), now, now,
	)
	return eris.Wrapf(err, "postgres: insert run for record %s", run.RecordID)
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*model.PipelineRun, error) {
	var run model.PipelineRun
	var cursor, override string
	var state []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, record_id, cursor, state, override, started_at, updated_at, finished_at
		 FROM pipeline_runs WHERE id = $1`, id,
	).Scan(&run.ID, &run.RecordID, &cursor, &state, &override, &run.StartedAt, &run.UpdatedAt, &run.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: run %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", id)
	}
	run.Cursor = model.Stage(cursor)
	run.Override = model.Override(override)
	if err := json.Unmarshal(state, &run.State); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run state")
	}
	return &run, nil
}

func (s *PostgresStore) SaveRun(ctx context.Context, run *model.PipelineRun) error {
	state, err := marshalJSON(run.State)
	if err != nil {
		return err
	}
	run.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE pipeline_runs SET cursor = $1, state = $2, updated_at = $3, finished_at = $4 WHERE id = $5`,
		string(run.Cursor), state, run.UpdatedAt, run.FinishedAt, run.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "postgres: run %s", run.ID)
	}
	return nil
}

// Providers

const providerColumns = `id, tenant_id, business_name, phone, website, license_number,
	service_area, metadata, enriched_at, version, created_at, updated_at`

func scanPostgresProvider(row rowScanner) (*model.Provider, error) {
	var p model.Provider
	var area, meta []byte
	if err := row.Scan(&p.ID, &p.TenantID, &p.BusinessName, &p.Phone, &p.Website, &p.LicenseNumber,
		&area, &meta, &p.EnrichedAt, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeProviderJSON(&p, area, meta); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) GetProvider(ctx context.Context, id string) (*model.Provider, error) {
	p, err := scanPostgresProvider(s.pool.QueryRow(ctx,
		`SELECT `+providerColumns+` FROM providers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: provider %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get provider %s", id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT source, source_url, record_id, run_id, observed_at, fields_contributed
		 FROM provider_sources WHERE provider_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: provider sources %s", id)
	}
	for rows.Next() {
		var e model.ProvenanceEntry
		var fields []byte
		if err := rows.Scan(&e.Source, &e.SourceURL, &e.RecordID, &e.RunID, &e.ObservedAt, &fields); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan provider source")
		}
		if err := json.Unmarshal(fields, &e.FieldsContributed); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: unmarshal fields_contributed")
		}
		p.EnrichedSources = append(p.EnrichedSources, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: provider sources iterate")
	}

	catRows, err := s.pool.Query(ctx,
		`SELECT category FROM provider_categories WHERE provider_id = $1 ORDER BY category`, id)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: provider categories %s", id)
	}
	defer catRows.Close()
	for catRows.Next() {
		var c string
		if err := catRows.Scan(&c); err != nil {
			return nil, eris.Wrap(err, "postgres: scan provider category")
		}
		p.Categories = append(p.Categories, c)
	}
	return p, eris.Wrap(catRows.Err(), "postgres: provider categories iterate")
}

func (s *PostgresStore) FindCandidates(ctx context.Context, q CandidateQuery) ([]model.Provider, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}

	query := `SELECT ` + providerColumns + ` FROM providers WHERE tenant_id = $1`
	args := []any{q.TenantID}
	if !q.Unrestricted {
		query += ` AND (service_area = '[]'::jsonb OR service_area ?| $2)`
		args = append(args, stringSlice(q.Regions))
	}
	query += fmt.Sprintf(` ORDER BY id LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find candidates")
	}
	defer rows.Close()

	var out []model.Provider
	for rows.Next() {
		p, err := scanPostgresProvider(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan candidate")
		}
		out = append(out, *p)
	}
	return out, eris.Wrap(rows.Err(), "postgres: find candidates iterate")
}

// PersistProvider applies w in one transaction. A provenance row already
// present for (provider, run) makes the call a no-op.
func (s *PostgresStore) PersistProvider(ctx context.Context, w ProviderWrite) error {
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: persist provider: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var applied bool
	err = tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM provider_sources WHERE provider_id = $1 AND run_id = $2)`,
		p.ID, w.RunID,
	).Scan(&applied)
	if err != nil {
		return eris.Wrap(err, "postgres: persist provider: check run")
	}
	if applied {
		return eris.Wrap(tx.Commit(ctx), "postgres: persist provider: commit")
	}

	now := time.Now().UTC()
	switch {
	case w.Create:
		_, err = tx.Exec(ctx,
			`INSERT INTO providers (id, tenant_id, business_name, phone, website, license_number,
				service_area, metadata, enriched_at, version, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $10)`,
			p.ID, p.TenantID, p.BusinessName, p.Phone, p.Website, p.LicenseNumber,
			area, meta, p.EnrichedAt, now,
		)
		if isPgUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: provider %s already exists", p.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: insert provider %s", p.ID)
		}
		p.Version = 1
	case w.Entry != nil:
		tag, err := tx.Exec(ctx,
			`UPDATE providers SET business_name = $1, phone = $2, website = $3, license_number = $4,
				service_area = $5, metadata = $6, enriched_at = $7, version = version + 1, updated_at = $8
			 WHERE id = $9 AND version = $10`,
			p.BusinessName, p.Phone, p.Website, p.LicenseNumber, area, meta, p.EnrichedAt, now,
			p.ID, w.ExpectedVersion,
		)
		if isPgUniqueViolation(err) {
			return eris.Wrapf(ErrConflict, "postgres: provider %s unique key", p.ID)
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: update provider %s", p.ID)
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(ErrConflict, "postgres: provider %s version %d is stale", p.ID, w.ExpectedVersion)
		}
		p.Version = w.ExpectedVersion + 1
	}

	if w.Entry != nil {
		fields, err := marshalJSON(stringSlice(w.Entry.FieldsContributed))
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO provider_sources (provider_id, run_id, source, source_url, record_id, observed_at, fields_contributed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (provider_id, run_id) DO NOTHING`,
			p.ID, w.RunID, w.Entry.Source, w.Entry.SourceURL, w.Entry.RecordID, w.Entry.ObservedAt, fields,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert provenance for %s", p.ID)
		}
	}

	for _, c := range w.Categories {
		_, err = tx.Exec(ctx,
			`INSERT INTO provider_categories (provider_id, category, created_at) VALUES ($1, $2, $3)
			 ON CONFLICT (provider_id, category) DO NOTHING`,
			p.ID, c, now,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: attach category %s to %s", c, p.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: persist provider: commit")
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Leases

func (s *PostgresStore) AcquireLease(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO record_leases (key, token, expires_at) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
		 WHERE record_leases.expires_at <= $4`,
		key, token, now.Add(ttl), now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: acquire lease %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) RenewLease(ctx context.Context, key, token string, now time.Time, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE record_leases SET expires_at = $1 WHERE key = $2 AND token = $3 AND expires_at > $4`,
		now.Add(ttl), key, token, now,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: renew lease %s", key)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, key, token string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM record_leases WHERE key = $1 AND token = $2`, key, token)
	return eris.Wrapf(err, "postgres: release lease %s", key)
}
