package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/provider-ingest/internal/identity"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Extraction ExtractionConfig `yaml:"extraction" mapstructure:"extraction"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Resolve    ResolveConfig    `yaml:"resolve" mapstructure:"resolve"`
	Lease      LeaseConfig      `yaml:"lease" mapstructure:"lease"`
	Geo        GeoConfig        `yaml:"geo" mapstructure:"geo"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ExtractionConfig holds settings for the external extraction service.
type ExtractionConfig struct {
	BaseURL             string  `yaml:"base_url" mapstructure:"base_url"`
	APIKey              string  `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs         int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec          float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	BreakerThreshold    int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSecs int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// Timeout returns the per-call extraction timeout.
func (e ExtractionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSecs) * time.Second
}

// BreakerCooldown returns how long the extraction breaker stays open.
func (e ExtractionConfig) BreakerCooldown() time.Duration {
	return time.Duration(e.BreakerCooldownSecs) * time.Second
}

// IngestConfig configures record selection and processing.
type IngestConfig struct {
	BatchSize             int `yaml:"batch_size" mapstructure:"batch_size"`
	Concurrency           int `yaml:"concurrency" mapstructure:"concurrency"`
	PollIntervalSecs      int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
	MaxExtractionAttempts int `yaml:"max_extraction_attempts" mapstructure:"max_extraction_attempts"`
	MaxStageErrors        int `yaml:"max_stage_errors" mapstructure:"max_stage_errors"`
	RetryBackoffSecs      int `yaml:"retry_backoff_secs" mapstructure:"retry_backoff_secs"`
	MaxCandidates         int `yaml:"max_candidates" mapstructure:"max_candidates"`
}

// PollInterval returns the worker poll interval.
func (i IngestConfig) PollInterval() time.Duration {
	return time.Duration(i.PollIntervalSecs) * time.Second
}

// RetryBackoff returns the base delay before a transiently failed record is
// eligible again.
func (i IngestConfig) RetryBackoff() time.Duration {
	return time.Duration(i.RetryBackoffSecs) * time.Second
}

// ResolveConfig holds identity-resolution thresholds with per-tenant
// overrides. Zero-valued override fields inherit the global value.
type ResolveConfig struct {
	AutoLinkThreshold  float64                   `yaml:"auto_link_threshold" mapstructure:"auto_link_threshold"`
	InterveneThreshold float64                   `yaml:"intervene_threshold" mapstructure:"intervene_threshold"`
	TieEpsilon         float64                   `yaml:"tie_epsilon" mapstructure:"tie_epsilon"`
	TopN               int                       `yaml:"top_n" mapstructure:"top_n"`
	Tenants            map[string]TenantOverride `yaml:"tenants" mapstructure:"tenants"`
}

// TenantOverride replaces thresholds for a single tenant.
type TenantOverride struct {
	AutoLinkThreshold  float64 `yaml:"auto_link_threshold" mapstructure:"auto_link_threshold"`
	InterveneThreshold float64 `yaml:"intervene_threshold" mapstructure:"intervene_threshold"`
	TieEpsilon         float64 `yaml:"tie_epsilon" mapstructure:"tie_epsilon"`
}

// Thresholds returns the resolver thresholds for tenantID.
func (r ResolveConfig) Thresholds(tenantID string) identity.Thresholds {
	th := identity.Thresholds{
		AutoLink:   r.AutoLinkThreshold,
		Intervene:  r.InterveneThreshold,
		TieEpsilon: r.TieEpsilon,
		TopN:       r.TopN,
	}
	// viper lowercases map keys.
	o, ok := r.Tenants[strings.ToLower(tenantID)]
	if !ok {
		return th
	}
	if o.AutoLinkThreshold > 0 {
		th.AutoLink = o.AutoLinkThreshold
	}
	if o.InterveneThreshold > 0 {
		th.Intervene = o.InterveneThreshold
	}
	if o.TieEpsilon > 0 {
		th.TieEpsilon = o.TieEpsilon
	}
	return th
}

// LeaseConfig configures record leases.
type LeaseConfig struct {
	TTLSecs int `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// TTL returns the lease time-to-live.
func (l LeaseConfig) TTL() time.Duration {
	return time.Duration(l.TTLSecs) * time.Second
}

// GeoConfig points at an optional alias table override.
type GeoConfig struct {
	AliasFile string `yaml:"alias_file" mapstructure:"alias_file"`
}

// ServerConfig configures the admin API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("extraction.base_url", "http://localhost:8090")
	v.SetDefault("extraction.api_key", "")
	v.SetDefault("extraction.timeout_secs", 30)
	v.SetDefault("extraction.rate_per_sec", 5.0)
	v.SetDefault("extraction.breaker_threshold", 5)
	v.SetDefault("extraction.breaker_cooldown_secs", 30)
	v.SetDefault("ingest.batch_size", 1)
	v.SetDefault("ingest.concurrency", 1)
	v.SetDefault("ingest.poll_interval_secs", 30)
	v.SetDefault("ingest.max_extraction_attempts", 3)
	v.SetDefault("ingest.max_stage_errors", 5)
	v.SetDefault("ingest.retry_backoff_secs", 60)
	v.SetDefault("ingest.max_candidates", 200)
	v.SetDefault("resolve.auto_link_threshold", 0.85)
	v.SetDefault("resolve.intervene_threshold", 0.70)
	v.SetDefault("resolve.tie_epsilon", 0.01)
	v.SetDefault("resolve.top_n", 3)
	v.SetDefault("lease.ttl_secs", 120)
	v.SetDefault("geo.alias_file", "")
	v.SetDefault("server.port", 8080)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings required by mode: "ingest" (batch, worker,
// run), "serve" or "admin" (reset, records, import, migrate).
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "ingest":
		errs = append(errs, c.validateStore()...)
		if c.Extraction.BaseURL == "" {
			errs = append(errs, "extraction.base_url is required")
		}
		errs = append(errs, c.validateIngest()...)
	case "serve":
		errs = append(errs, c.validateStore()...)
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, "server.port must be > 0 and <= 65535")
		}
	case "admin":
		errs = append(errs, c.validateStore()...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	errs = append(errs, c.validateResolve()...)

	if len(errs) > 0 {
		return eris.New(fmt.Sprintf("config: validation failed for %s: %s", mode, strings.Join(errs, "; ")))
	}
	return nil
}

func (c *Config) validateStore() []string {
	var errs []string
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be postgres or sqlite, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	return errs
}

func (c *Config) validateIngest() []string {
	var errs []string
	if c.Ingest.BatchSize < 1 || c.Ingest.BatchSize > 1000 {
		errs = append(errs, "ingest.batch_size must be between 1 and 1000")
	}
	if c.Ingest.Concurrency < 1 || c.Ingest.Concurrency > 50 {
		errs = append(errs, "ingest.concurrency must be between 1 and 50")
	}
	if c.Ingest.MaxExtractionAttempts < 1 {
		errs = append(errs, "ingest.max_extraction_attempts must be >= 1")
	}
	if c.Ingest.MaxStageErrors < 1 {
		errs = append(errs, "ingest.max_stage_errors must be >= 1")
	}
	if c.Ingest.PollIntervalSecs < 1 {
		errs = append(errs, "ingest.poll_interval_secs must be >= 1")
	}
	if c.Ingest.RetryBackoffSecs < 0 {
		errs = append(errs, "ingest.retry_backoff_secs must be >= 0")
	}
	if c.Ingest.MaxCandidates < 1 {
		errs = append(errs, "ingest.max_candidates must be >= 1")
	}
	if c.Extraction.TimeoutSecs < 1 {
		errs = append(errs, "extraction.timeout_secs must be >= 1")
	}
	if c.Lease.TTLSecs < 3 {
		errs = append(errs, "lease.ttl_secs must be >= 3")
	}
	return errs
}

func (c *Config) validateResolve() []string {
	var errs []string
	r := c.Resolve
	if r.InterveneThreshold <= 0 || r.AutoLinkThreshold > 1 || r.InterveneThreshold >= r.AutoLinkThreshold {
		errs = append(errs, "resolve thresholds must satisfy 0 < intervene_threshold < auto_link_threshold <= 1")
	}
	if r.TieEpsilon < 0 {
		errs = append(errs, "resolve.tie_epsilon must be >= 0")
	}
	if r.TopN < 1 {
		errs = append(errs, "resolve.top_n must be >= 1")
	}
	for tenant := range r.Tenants {
		th := r.Thresholds(tenant)
		if th.Intervene >= th.AutoLink {
			errs = append(errs, fmt.Sprintf("resolve.tenants.%s: intervene_threshold must be below auto_link_threshold", tenant))
		}
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
