package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/provider-ingest/internal/extract"
	"github.com/sells-group/provider-ingest/internal/geo"
	"github.com/sells-group/provider-ingest/internal/lease"
	"github.com/sells-group/provider-ingest/internal/pipeline"
	"github.com/sells-group/provider-ingest/internal/resilience"
	"github.com/sells-group/provider-ingest/internal/store"
	"github.com/sells-group/provider-ingest/internal/worker"
)

// ingestEnv holds the store and services needed by the commands.
type ingestEnv struct {
	Store       store.Store
	Leases      lease.Service
	Reporter    *pipeline.Reporter
	Coordinator *worker.Coordinator // nil outside ingest mode
}

// Close releases resources held by the environment.
func (e *ingestEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

func initExtractor() extract.Client {
	opts := []extract.Option{
		extract.WithTimeout(cfg.Extraction.Timeout()),
		extract.WithRateLimit(cfg.Extraction.RatePerSec),
	}
	if cfg.Extraction.BreakerThreshold > 0 {
		opts = append(opts, extract.WithBreaker(resilience.NewBreaker(
			"extract", cfg.Extraction.BreakerThreshold, cfg.Extraction.BreakerCooldown(),
		)))
	}
	return extract.NewHTTPClient(cfg.Extraction.BaseURL, cfg.Extraction.APIKey, opts...)
}

// initEnv validates config for mode, opens and migrates the store, and
// builds the services. In "ingest" mode it also wires the extraction
// client, orchestrator and coordinator. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*ingestEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	leases := lease.NewService(st)
	env := &ingestEnv{
		Store:    st,
		Leases:   leases,
		Reporter: pipeline.NewReporter(st, leases, cfg.Lease.TTL()),
	}
	if mode != "ingest" {
		return env, nil
	}

	table, err := geo.LoadTable(cfg.Geo.AliasFile)
	if err != nil {
		env.Close()
		return nil, err
	}
	zap.L().Debug("geo alias table loaded", zap.Int("regions", table.Regions()))

	orch := pipeline.New(st, initExtractor(), geo.NewNormalizer(table), pipeline.Options{
		MaxExtractionAttempts: cfg.Ingest.MaxExtractionAttempts,
		MaxStageErrors:        cfg.Ingest.MaxStageErrors,
		RetryBackoff:          cfg.Ingest.RetryBackoff(),
		MaxCandidates:         cfg.Ingest.MaxCandidates,
		Thresholds:            cfg.Resolve.Thresholds,
	})
	env.Coordinator = worker.New(st, orch, leases, worker.Config{
		BatchSize:    cfg.Ingest.BatchSize,
		Concurrency:  cfg.Ingest.Concurrency,
		LeaseTTL:     cfg.Lease.TTL(),
		PollInterval: cfg.Ingest.PollInterval(),
	})
	return env, nil
}
