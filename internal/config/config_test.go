package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != 8080 {
		t.Errorf("default port should be 8080, got %d", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("default log level should be info, got %s", cfg.LogLevel)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 || cfg.CircuitBreaker.SuccessThreshold != 2 {
		t.Errorf("unexpected breaker defaults %+v", cfg.CircuitBreaker)
	}
	if cfg.CircuitBreaker.OpenDuration != 30*time.Second || cfg.CircuitBreaker.ProbeInterval != 10*time.Second {
		t.Errorf("unexpected breaker durations %+v", cfg.CircuitBreaker)
	}
	if cfg.Affinity.SlidingTTL != 5*time.Minute || cfg.Affinity.MaxTTL != 30*time.Minute {
		t.Errorf("unexpected affinity TTLs %+v", cfg.Affinity)
	}
	if cfg.Affinity.Capacity != 10_000 || cfg.Affinity.CleanupInterval != time.Minute {
		t.Errorf("unexpected affinity tuning %+v", cfg.Affinity)
	}
	if cfg.Selection.LatencyPenaltyDenomMS != 500 || cfg.Selection.LatencyPenaltyCap != 0.5 {
		t.Errorf("unexpected selection defaults %+v", cfg.Selection)
	}
	if cfg.Failover.MaxRetries != 3 || cfg.Failover.UpstreamTimeout != 30*time.Second {
		t.Errorf("unexpected failover defaults %+v", cfg.Failover)
	}
	if cfg.Redis.URL != "" || cfg.ClickHouse.DSN != "" {
		t.Error("redis and clickhouse should default to disabled")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("CB_FAILURE_THRESHOLD", "7")
	t.Setenv("CB_OPEN_DURATION", "45s")
	t.Setenv("AFFINITY_CAPACITY", "500")
	t.Setenv("MAX_RETRIES", "2")

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Port != 9090 {
		t.Errorf("PORT override not applied, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LOG_LEVEL override not applied, got %s", cfg.LogLevel)
	}
	if cfg.CircuitBreaker.FailureThreshold != 7 {
		t.Errorf("CB_FAILURE_THRESHOLD override not applied, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
	if cfg.CircuitBreaker.OpenDuration != 45*time.Second {
		t.Errorf("CB_OPEN_DURATION override not applied, got %s", cfg.CircuitBreaker.OpenDuration)
	}
	if cfg.Affinity.Capacity != 500 {
		t.Errorf("AFFINITY_CAPACITY override not applied, got %d", cfg.Affinity.Capacity)
	}
	if cfg.Failover.MaxRetries != 2 {
		t.Errorf("MAX_RETRIES override not applied, got %d", cfg.Failover.MaxRetries)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"bad log level", "LOG_LEVEL", "verbose"},
		{"zero failure threshold", "CB_FAILURE_THRESHOLD", "0"},
		{"zero success threshold", "CB_SUCCESS_THRESHOLD", "0"},
		{"zero affinity capacity", "AFFINITY_CAPACITY", "0"},
		{"zero max retries", "MAX_RETRIES", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			t.Setenv(tc.key, tc.value)
			if _, err := Load(); err == nil {
				t.Errorf("%s=%s should be rejected", tc.key, tc.value)
			}
		})
	}
}

func writeConfigYAML(t *testing.T, content string) {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoad_UpstreamsFromYAML(t *testing.T) {
	writeConfigYAML(t, `
upstreams:
  - id: anth-primary
    name: Anthropic Primary
    provider_type: anthropic
    base_url: https://api.anthropic.com
    api_key: sk-ant-test
    active: true
    weight: 90
    priority: 1
    capabilities: [anthropic_messages]
    migration:
      enabled: true
      metric: tokens
      threshold: 10000
  - id: anth-fallback
    provider_type: anthropic
    base_url: https://fallback.example.com
    active: true
    weight: 10
    priority: 2
    quota:
      daily_limit_usd: 250
`)

	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}

	if len(cfg.Upstreams) != 2 {
		t.Fatalf("expected 2 upstreams, got %d", len(cfg.Upstreams))
	}

	u := cfg.Upstreams[0]
	if u.ID != "anth-primary" || u.ProviderType != routing.ProviderAnthropic {
		t.Errorf("unexpected first upstream %+v", u)
	}
	if u.EncryptedAPIKey != "sk-ant-test" {
		t.Errorf("api_key should map to the credential field, got %q", u.EncryptedAPIKey)
	}
	if u.Migration == nil || !u.Migration.Enabled || u.Migration.Metric != routing.MigrateByTokens || u.Migration.Threshold != 10_000 {
		t.Errorf("migration policy not decoded, got %+v", u.Migration)
	}
	if len(u.Capabilities) != 1 || u.Capabilities[0] != routing.CapAnthropicMessages {
		t.Errorf("capabilities not decoded, got %v", u.Capabilities)
	}

	if q := cfg.Upstreams[1].Quota; q == nil || q.DailyLimitUSD != 250 {
		t.Errorf("quota policy not decoded, got %+v", q)
	}
}

func TestLoad_RejectsBadUpstreams(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"duplicate id", `
upstreams:
  - {id: a, provider_type: anthropic, base_url: "https://a"}
  - {id: a, provider_type: anthropic, base_url: "https://b"}
`},
		{"missing id", `
upstreams:
  - {provider_type: anthropic, base_url: "https://a"}
`},
		{"bad provider type", `
upstreams:
  - {id: a, provider_type: mystery, base_url: "https://a"}
`},
		{"missing base url", `
upstreams:
  - {id: a, provider_type: anthropic}
`},
		{"redirect cycle", `
upstreams:
  - id: a
    provider_type: openai
    base_url: "https://a"
    model_redirects:
      gpt-4: gpt-4o
      gpt-4o: gpt-4
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			writeConfigYAML(t, tc.yaml)
			if _, err := Load(); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
