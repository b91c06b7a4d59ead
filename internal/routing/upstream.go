// Package routing is the request-routing core of the gateway.
//
// It decides, per request, which registered upstream instance receives the
// call. Selection combines tiered priority grouping, weighted random
// distribution with a latency penalty, a per-upstream circuit breaker, and
// in-memory session affinity for prompt-cache reuse. Request outcomes feed
// back into the breaker and the affinity token accounting.
//
// The package owns no I/O: the upstream catalog, quota tracker, and
// persistence hooks are injected as small interfaces so they can be replaced
// with mock doubles in unit tests.
package routing

import "strings"

// ProviderType classifies an upstream's wire protocol and model family.
type ProviderType string

const (
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderGoogle    ProviderType = "google"
	ProviderCustom    ProviderType = "custom"
)

// ValidProviderType reports whether pt is one of the closed set of provider
// types. Admin operations reject anything else before write.
func ValidProviderType(pt ProviderType) bool {
	switch pt {
	case ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderCustom:
		return true
	}
	return false
}

// Capability identifies a supported request family on an upstream.
type Capability string

const (
	CapAnthropicMessages    Capability = "anthropic_messages"
	CapOpenAIChatCompatible Capability = "openai_chat_compatible"
	CapOpenAIExtended       Capability = "openai_extended"
	CapCodexResponses       Capability = "codex_responses"
	CapGeminiNativeGenerate Capability = "gemini_native_generate"
)

// MigrationMetric selects which quantity a migration policy compares against
// its threshold.
type MigrationMetric string

const (
	// MigrateByTokens compares the session's cumulative input tokens.
	MigrateByTokens MigrationMetric = "tokens"
	// MigrateByLength compares the current request's content length.
	MigrateByLength MigrationMetric = "length"
)

// MigrationPolicy controls whether sessions bound to lower-rank upstreams may
// be re-bound to this upstream while the conversation is still small.
type MigrationPolicy struct {
	Enabled   bool            `mapstructure:"enabled" json:"enabled"`
	Metric    MigrationMetric `mapstructure:"metric" json:"metric"`
	Threshold int64           `mapstructure:"threshold" json:"threshold"`
}

// QuotaPolicy caps the daily spend routed through an upstream. Upstreams
// without a policy trivially pass the quota filter.
type QuotaPolicy struct {
	DailyLimitUSD float64 `mapstructure:"daily_limit_usd" json:"daily_limit_usd"`
}

// Upstream is a registered backend instance addressable by base URL and
// credentials. Instances are created and mutated only through the admin path;
// the selector receives copies captured at query time, so Weight and Priority
// are immutable for the lifetime of one selection.
type Upstream struct {
	ID   string `mapstructure:"id" json:"id"`
	Name string `mapstructure:"name" json:"name"`

	ProviderType ProviderType `mapstructure:"provider_type" json:"provider_type"`
	BaseURL      string       `mapstructure:"base_url" json:"base_url"`

	// EncryptedAPIKey is opaque to the core; decryption is delegated to the
	// credential layer (see KeyResolver in internal/health and internal/proxy).
	EncryptedAPIKey string `mapstructure:"api_key" json:"-"`

	Active   bool `mapstructure:"active" json:"active"`
	Weight   int  `mapstructure:"weight" json:"weight"`
	Priority int  `mapstructure:"priority" json:"priority"`

	Capabilities []Capability `mapstructure:"capabilities" json:"capabilities"`

	// AllowedModels restricts which model names may be routed here.
	// Empty means all models are allowed.
	AllowedModels []string `mapstructure:"allowed_models" json:"allowed_models,omitempty"`

	// ModelRedirects rewrites a requested model to an upstream-specific one.
	// Validated against cycles at admin time; resolution is depth-bounded.
	ModelRedirects map[string]string `mapstructure:"model_redirects" json:"model_redirects,omitempty"`

	Migration *MigrationPolicy `mapstructure:"migration" json:"migration,omitempty"`
	Quota     *QuotaPolicy     `mapstructure:"quota" json:"quota,omitempty"`
}

// AllowsModel reports whether model may be routed to this upstream.
func (u *Upstream) AllowsModel(model string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if strings.EqualFold(m, model) {
			return true
		}
	}
	return false
}

// HasCapability reports whether the upstream carries the given route capability.
func (u *Upstream) HasCapability(c Capability) bool {
	for _, got := range u.Capabilities {
		if got == c {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so a caller holding the result cannot observe
// later admin mutations mid-selection.
func (u *Upstream) Clone() *Upstream {
	cp := *u
	cp.Capabilities = append([]Capability(nil), u.Capabilities...)
	cp.AllowedModels = append([]string(nil), u.AllowedModels...)
	if u.ModelRedirects != nil {
		cp.ModelRedirects = make(map[string]string, len(u.ModelRedirects))
		for k, v := range u.ModelRedirects {
			cp.ModelRedirects[k] = v
		}
	}
	if u.Migration != nil {
		m := *u.Migration
		cp.Migration = &m
	}
	if u.Quota != nil {
		q := *u.Quota
		cp.Quota = &q
	}
	return &cp
}

// Candidate pairs an upstream with the last measured request latency, as
// returned by the catalog join. LatencyMS is -1 when no measurement exists.
// Latency only biases the weighted draw; it never gates a candidate.
type Candidate struct {
	Upstream  *Upstream
	LatencyMS int64
}
