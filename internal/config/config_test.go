package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, int32(10), cfg.Store.MaxConns)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30, cfg.Extraction.TimeoutSecs)
	assert.Equal(t, 30*time.Second, cfg.Extraction.Timeout())
	assert.Equal(t, 5, cfg.Extraction.BreakerThreshold)
	assert.Equal(t, 30*time.Second, cfg.Extraction.BreakerCooldown())
	assert.InDelta(t, 5.0, cfg.Extraction.RatePerSec, 0.0001)
	assert.Equal(t, 1, cfg.Ingest.BatchSize)
	assert.Equal(t, 1, cfg.Ingest.Concurrency)
	assert.Equal(t, 30, cfg.Ingest.PollIntervalSecs)
	assert.Equal(t, 3, cfg.Ingest.MaxExtractionAttempts)
	assert.Equal(t, 5, cfg.Ingest.MaxStageErrors)
	assert.Equal(t, 60, cfg.Ingest.RetryBackoffSecs)
	assert.Equal(t, 200, cfg.Ingest.MaxCandidates)
	assert.InDelta(t, 0.85, cfg.Resolve.AutoLinkThreshold, 0.0001)
	assert.InDelta(t, 0.70, cfg.Resolve.InterveneThreshold, 0.0001)
	assert.InDelta(t, 0.01, cfg.Resolve.TieEpsilon, 0.0001)
	assert.Equal(t, 3, cfg.Resolve.TopN)
	assert.Equal(t, 120, cfg.Lease.TTLSecs)
	assert.Empty(t, cfg.Geo.AliasFile)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
  database_url: ingest.db
log:
  level: debug
  format: console
ingest:
  batch_size: 25
  concurrency: 4
resolve:
  tenants:
    acme:
      auto_link_threshold: 0.9
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "ingest.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 25, cfg.Ingest.BatchSize)
	assert.Equal(t, 4, cfg.Ingest.Concurrency)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Ingest.MaxExtractionAttempts)

	th := cfg.Resolve.Thresholds("ACME")
	assert.InDelta(t, 0.9, th.AutoLink, 0.0001)
	assert.InDelta(t, 0.70, th.Intervene, 0.0001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644))

	t.Setenv("INGEST_STORE_DRIVER", "postgres")
	t.Setenv("INGEST_LOG_LEVEL", "warn")
	t.Setenv("INGEST_INGEST_BATCH_SIZE", "7")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 7, cfg.Ingest.BatchSize)
}

func TestLoadBadFile(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("store: [unclosed"), 0o644))

	_, err := Load()
	assert.Error(t, err)
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.NotNil(t, zap.L())
	require.NoError(t, InitLogger(LogConfig{Level: "info", Format: "json"}))
	assert.Error(t, InitLogger(LogConfig{Level: "invalid", Format: "json"}))
}

func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "file.db"
	cfg.Extraction.BaseURL = "http://extract"
	cfg.Extraction.TimeoutSecs = 30
	cfg.Ingest = IngestConfig{
		BatchSize: 1, Concurrency: 1, PollIntervalSecs: 30,
		MaxExtractionAttempts: 3, MaxStageErrors: 5, RetryBackoffSecs: 60, MaxCandidates: 200,
	}
	cfg.Resolve = ResolveConfig{AutoLinkThreshold: 0.85, InterveneThreshold: 0.70, TieEpsilon: 0.01, TopN: 3}
	cfg.Lease.TTLSecs = 120
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_AllModesPass(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"ingest", "serve", "admin"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_UnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be postgres or sqlite")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_IngestBounds(t *testing.T) {
	cfg := validDefaults()
	cfg.Ingest.Concurrency = 0
	cfg.Ingest.BatchSize = 0
	cfg.Lease.TTLSecs = 1
	cfg.Ingest.MaxStageErrors = 0

	err := cfg.Validate("ingest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ingest.concurrency must be between 1 and 50")
	assert.Contains(t, err.Error(), "ingest.batch_size must be between 1 and 1000")
	assert.Contains(t, err.Error(), "lease.ttl_secs")
	assert.Contains(t, err.Error(), "ingest.max_stage_errors must be >= 1")

	// serve does not care about ingest settings
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0
	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate_Thresholds(t *testing.T) {
	cfg := validDefaults()
	cfg.Resolve.InterveneThreshold = 0.9
	err := cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intervene_threshold < auto_link_threshold")

	cfg = validDefaults()
	cfg.Resolve.Tenants = map[string]TenantOverride{"acme": {InterveneThreshold: 0.95}}
	err = cfg.Validate("admin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "resolve.tenants.acme")
}

func TestThresholds_FallbackToGlobal(t *testing.T) {
	r := validDefaults().Resolve
	r.Tenants = map[string]TenantOverride{"acme": {TieEpsilon: 0.05}}

	other := r.Thresholds("other")
	assert.InDelta(t, 0.85, other.AutoLink, 0.0001)
	assert.InDelta(t, 0.01, other.TieEpsilon, 0.0001)
	assert.Equal(t, 3, other.TopN)

	acme := r.Thresholds("acme")
	assert.InDelta(t, 0.05, acme.TieEpsilon, 0.0001)
	assert.InDelta(t, 0.85, acme.AutoLink, 0.0001)
}
