// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example CB_FAILURE_THRESHOLD becomes
// cb_failure_threshold in YAML.
//
// The upstream catalog lives under the `upstreams:` YAML key only — each
// entry carries a base URL, credential, weight, priority, capabilities, and
// optional model/migration/quota policies.
//
// Redis and ClickHouse are optional: without REDIS_URL the spending-quota
// filter is disabled, and without CLICKHOUSE_DSN the stats endpoint is off.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// Upstreams is the initial upstream catalog, loaded from the YAML
	// `upstreams:` key. May be empty; upstreams can be registered at runtime
	// through the admin API.
	Upstreams []routing.Upstream

	// Redis holds the connection URL for the spending-quota tracker.
	// Empty disables quota filtering.
	Redis RedisConfig

	// ClickHouse holds the DSN for request-log aggregation.
	// Empty disables the stats endpoint and durable decision logs.
	ClickHouse ClickHouseConfig

	// CircuitBreaker controls the global breaker thresholds. Per-upstream
	// overrides are part of the upstream entries.
	CircuitBreaker CircuitBreakerConfig

	// Affinity controls the session affinity store.
	Affinity AffinityConfig

	// Selection controls the latency penalty applied to the weighted draw.
	Selection SelectionConfig

	// Failover controls the upstream retry loop.
	Failover FailoverConfig

	// HealthProbe controls the background upstream prober.
	HealthProbe HealthProbeConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// ClickHouseConfig holds ClickHouse connection configuration.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// URL. Example: clickhouse://localhost:9000/router
	DSN string
}

// CircuitBreakerConfig controls the global circuit breaker settings.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that trip the
	// breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open probe successes
	// required to close the breaker. Default: 2.
	SuccessThreshold int

	// OpenDuration is how long the breaker stays open before the first probe
	// is admitted. Default: 30s.
	OpenDuration time.Duration

	// ProbeInterval is the minimum spacing between half-open probes.
	// Default: 10s.
	ProbeInterval time.Duration
}

// AffinityConfig controls the session affinity store.
type AffinityConfig struct {
	// SlidingTTL is the idle expiry of a session binding. Default: 5m.
	SlidingTTL time.Duration

	// MaxTTL is the absolute lifetime of a binding. Default: 30m.
	MaxTTL time.Duration

	// Capacity is the maximum number of live bindings before LRU eviction.
	// Default: 10000.
	Capacity int

	// CleanupInterval is the sweep cadence for expired bindings. Default: 1m.
	CleanupInterval time.Duration
}

// SelectionConfig controls the latency penalty on the weighted draw.
type SelectionConfig struct {
	// LatencyPenaltyDenomMS is the denominator of the latency penalty.
	// Default: 500.
	LatencyPenaltyDenomMS int64

	// LatencyPenaltyCap bounds the penalty. Default: 0.5.
	LatencyPenaltyCap float64
}

// FailoverConfig controls the upstream retry loop.
type FailoverConfig struct {
	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Default: 3.
	MaxRetries int

	// UpstreamTimeout is the per-attempt HTTP timeout. Default: 30s.
	UpstreamTimeout time.Duration
}

// HealthProbeConfig controls the background upstream prober.
type HealthProbeConfig struct {
	// Interval between probe rounds. Default: 30s.
	Interval time.Duration

	// Timeout per probe. Default: 5s.
	Timeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	// Circuit breaker defaults.
	v.SetDefault("CB_FAILURE_THRESHOLD", routing.DefaultFailureThreshold)
	v.SetDefault("CB_SUCCESS_THRESHOLD", routing.DefaultSuccessThreshold)
	v.SetDefault("CB_OPEN_DURATION", "30s")
	v.SetDefault("CB_PROBE_INTERVAL", "10s")

	// Affinity defaults.
	v.SetDefault("AFFINITY_SLIDING_TTL", "5m")
	v.SetDefault("AFFINITY_MAX_TTL", "30m")
	v.SetDefault("AFFINITY_CAPACITY", 10_000)
	v.SetDefault("AFFINITY_CLEANUP_INTERVAL", "1m")

	// Selection defaults.
	v.SetDefault("LATENCY_PENALTY_DENOM_MS", routing.DefaultLatencyPenaltyDenomMS)
	v.SetDefault("LATENCY_PENALTY_CAP", routing.DefaultLatencyPenaltyCap)

	// Failover defaults.
	v.SetDefault("MAX_RETRIES", 3)
	v.SetDefault("UPSTREAM_TIMEOUT", "30s")

	// Health probe defaults.
	v.SetDefault("HEALTH_PROBE_INTERVAL", "30s")
	v.SetDefault("HEALTH_PROBE_TIMEOUT", "5s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: v.GetInt("CB_FAILURE_THRESHOLD"),
			SuccessThreshold: v.GetInt("CB_SUCCESS_THRESHOLD"),
			OpenDuration:     v.GetDuration("CB_OPEN_DURATION"),
			ProbeInterval:    v.GetDuration("CB_PROBE_INTERVAL"),
		},

		Affinity: AffinityConfig{
			SlidingTTL:      v.GetDuration("AFFINITY_SLIDING_TTL"),
			MaxTTL:          v.GetDuration("AFFINITY_MAX_TTL"),
			Capacity:        v.GetInt("AFFINITY_CAPACITY"),
			CleanupInterval: v.GetDuration("AFFINITY_CLEANUP_INTERVAL"),
		},

		Selection: SelectionConfig{
			LatencyPenaltyDenomMS: v.GetInt64("LATENCY_PENALTY_DENOM_MS"),
			LatencyPenaltyCap:     v.GetFloat64("LATENCY_PENALTY_CAP"),
		},

		Failover: FailoverConfig{
			MaxRetries:      v.GetInt("MAX_RETRIES"),
			UpstreamTimeout: v.GetDuration("UPSTREAM_TIMEOUT"),
		},

		HealthProbe: HealthProbeConfig{
			Interval: v.GetDuration("HEALTH_PROBE_INTERVAL"),
			Timeout:  v.GetDuration("HEALTH_PROBE_TIMEOUT"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := v.UnmarshalKey("upstreams", &cfg.Upstreams); err != nil {
		return nil, fmt.Errorf("config: invalid upstreams block: %w", err)
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("config: CB_FAILURE_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.FailureThreshold)
	}
	if c.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("config: CB_SUCCESS_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.SuccessThreshold)
	}
	if c.CircuitBreaker.OpenDuration <= 0 {
		return fmt.Errorf("config: CB_OPEN_DURATION must be a positive duration")
	}
	if c.Affinity.Capacity < 1 {
		return fmt.Errorf("config: AFFINITY_CAPACITY must be ≥ 1, got %d", c.Affinity.Capacity)
	}
	if c.Failover.MaxRetries < 1 {
		return fmt.Errorf("config: MAX_RETRIES must be ≥ 1, got %d", c.Failover.MaxRetries)
	}

	// Upstream entries are fully validated at registration; here we only
	// reject what would make registration fail unhelpfully late.
	seen := make(map[string]bool, len(c.Upstreams))
	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.ID == "" {
			return fmt.Errorf("config: upstreams[%d]: id is required", i)
		}
		if seen[u.ID] {
			return fmt.Errorf("config: duplicate upstream id %q", u.ID)
		}
		seen[u.ID] = true
		if !routing.ValidProviderType(u.ProviderType) {
			return fmt.Errorf("config: upstream %s: invalid provider_type %q", u.ID, u.ProviderType)
		}
		if u.BaseURL == "" {
			return fmt.Errorf("config: upstream %s: base_url is required", u.ID)
		}
		if err := routing.ValidateRedirects(u.ModelRedirects); err != nil {
			return fmt.Errorf("config: upstream %s: %w", u.ID, err)
		}
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
