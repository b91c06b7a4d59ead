// Package proxy is the HTTP surface of the routing core.
//
// The Gateway receives an incoming LLM API request, resolves the provider
// type from the model name, extracts the session identity, asks the selector
// for an upstream, and forwards the request — re-entering the selector with
// the failed upstream excluded when an attempt fails.
//
// Key design constraints:
//   - Routing overhead < 2 ms P50. No blocking I/O on the selection path.
//   - Decision logger, metrics, and quota tracker are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Request bodies are forwarded as received; only the model field is
//     rewritten when a redirect applies.
package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

const (
	defaultMaxRetries      = 3
	defaultUpstreamTimeout = 30 * time.Second

	// anonymousKeyID scopes affinity for unauthenticated requests. Auth is
	// enforced upstream of this core; sessions still pin per client key when
	// one is present.
	anonymousKeyID = "anonymous"
)

// KeyResolver decrypts an upstream's stored API key for forwarding.
type KeyResolver func(u *routing.Upstream) string

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of upstream attempts per request
	// (including the first). Must be ≥ 1. Default: 3.
	MaxRetries int

	// UpstreamTimeout is the per-attempt upstream request timeout.
	// Default: 30s.
	UpstreamTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// DecisionLogger receives the routing-decision record per request.
	DecisionLogger *logger.Logger

	// Keys decrypts upstream credentials for forwarding. When nil, requests
	// are forwarded without an injected key.
	Keys KeyResolver

	// RequestLogs enables the operator stats endpoint. Optional.
	RequestLogs *store.RequestLogs

	// CORSOrigins restricts cross-origin access. Empty or ["*"] allows all.
	CORSOrigins []string
}

// Gateway dispatches requests through the routing core — all dependencies are
// injected via the constructor so they can be replaced with doubles in tests.
type Gateway struct {
	selector *routing.Selector
	reporter *routing.Reporter
	breaker  *routing.CircuitBreaker
	health   *routing.HealthTracker
	catalog  *store.Memory

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	maxRetries      int
	upstreamTimeout time.Duration

	decisions   *logger.Logger
	keys        KeyResolver
	requestLogs *store.RequestLogs
	corsOrigins []string

	client upstreamClient
}

// upstreamClient abstracts fasthttp.Client for tests.
type upstreamClient interface {
	DoTimeout(req *fasthttp.Request, resp *fasthttp.Response, timeout time.Duration) error
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	selector *routing.Selector,
	reporter *routing.Reporter,
	breaker *routing.CircuitBreaker,
	health *routing.HealthTracker,
	catalog *store.Memory,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = defaultMaxRetries
	}

	upstreamTimeout := opts.UpstreamTimeout
	if upstreamTimeout <= 0 {
		upstreamTimeout = defaultUpstreamTimeout
	}

	keys := opts.Keys
	if keys == nil {
		keys = func(*routing.Upstream) string { return "" }
	}

	return &Gateway{
		selector:        selector,
		reporter:        reporter,
		breaker:         breaker,
		health:          health,
		catalog:         catalog,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		maxRetries:      maxRetries,
		upstreamTimeout: upstreamTimeout,
		decisions:       opts.DecisionLogger,
		keys:            keys,
		requestLogs:     opts.RequestLogs,
		corsOrigins:     opts.CORSOrigins,
		client: &fasthttp.Client{
			MaxIdleConnDuration: time.Minute,
			ReadTimeout:         upstreamTimeout,
			WriteTimeout:        upstreamTimeout,
		},
	}
}

// dispatch is the core handler shared by all proxy routes. The capability
// names the inbound API surface and drives session extraction.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, route string, capability routing.Capability) {
	start := time.Now()

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)
	body := ctx.PostBody()

	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	pt, ok := routing.ProviderTypeFor(model)
	if !ok {
		g.log.InfoContext(ctx, "unknown_model_prefix",
			slog.String("request_id", reqID),
			slog.String("model", model),
		)
		apierr.WriteUnknownModel(ctx, model)
		return
	}

	apiKeyID := g.clientKeyID(ctx)
	sessionID, sessionSource := routing.ExtractSessionID(capability, headerFunc(ctx), body)

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("route", route),
		slog.String("model", model),
		slog.String("provider_type", string(pt)),
		slog.Bool("has_session", sessionID != ""),
		slog.String("session_source", sessionSource),
	)

	input := routing.SelectionInput{
		ProviderType: pt,
		Model:        model,
	}
	if sessionID != "" {
		input.Affinity = &routing.AffinityContext{
			APIKeyID:      apiKeyID,
			SessionID:     sessionID,
			Scope:         string(capability),
			ContentLength: int64(len(body)),
		}
	}

	g.forwardWithFailover(ctx, reqID, apiKeyID, input, body, start)
}

// clientKeyID returns a deterministic SHA-256 hash of the caller's bearer
// token, used as the affinity key-id component. Unauthenticated requests
// share the anonymous scope.
func (g *Gateway) clientKeyID(ctx *fasthttp.RequestCtx) string {
	raw := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	token := parseBearerToken(raw)
	if token == "" {
		return anonymousKeyID
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func parseBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// headerFunc adapts fasthttp header access to the extractor's interface.
func headerFunc(ctx *fasthttp.RequestCtx) routing.HeaderFunc {
	return func(name string) string {
		return string(ctx.Request.Header.Peek(name))
	}
}

// logDecision enqueues the routing-decision record. Never blocks.
func (g *Gateway) logDecision(requestID, apiKeyID string, d *routing.Decision, status int, latency time.Duration) {
	if g.decisions == nil || d == nil {
		return
	}
	reqUUID, _ := uuid.Parse(requestID)
	g.decisions.Log(logger.DecisionLog{
		ID:        reqUUID,
		APIKeyID:  apiKeyID,
		Decision:  d,
		Status:    uint16(status),
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now(),
	})
}
