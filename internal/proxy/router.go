package proxy

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full route table with the middleware chain applied.
// Exposed separately from Start so tests can drive it directly.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.POST("/v1/responses", g.handleResponses)
	r.POST("/v1/messages", g.handleMessages)

	r.GET("/health", g.handleHealth)

	r.GET("/admin/upstreams", g.handleListUpstreams)
	r.PUT("/admin/upstreams", g.handlePutUpstream)
	r.DELETE("/admin/upstreams/{id}", g.handleDeactivateUpstream)
	r.GET("/admin/upstreams/{id}/stats", g.handleUpstreamStats)
	r.GET("/admin/circuit/{id}", g.handleCircuitState)
	r.POST("/admin/circuit/{id}/reset", g.handleCircuitReset)
	r.POST("/admin/circuit/{id}/trip", g.handleCircuitTrip)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return chain(r.Handler,
		g.recoverPanics,
		g.observe,
		g.cors,
		apiHeaders,
	)
}

// Start starts the HTTP server on addr (e.g. ":8080").
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

func (g *Gateway) handleChatCompletions(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "chat_completions", routing.CapOpenAIChatCompatible)
}

func (g *Gateway) handleResponses(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "responses", routing.CapCodexResponses)
}

func (g *Gateway) handleMessages(ctx *fasthttp.RequestCtx) {
	g.dispatch(ctx, "messages", routing.CapAnthropicMessages)
}

// handleHealth returns the per-upstream health snapshot. Always 200: the
// router itself being up is the signal; upstream state is informational.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	snap := map[string]any{"status": "ok"}
	if g.health != nil {
		snap["upstreams"] = g.health.Snapshot()
	}
	writeJSON(ctx, snap)
}

func (g *Gateway) handleListUpstreams(ctx *fasthttp.RequestCtx) {
	ups, err := g.catalog.ListUpstreams(ctx)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, map[string]any{"upstreams": ups})
}

func (g *Gateway) handlePutUpstream(ctx *fasthttp.RequestCtx) {
	var u routing.Upstream
	if err := json.Unmarshal(ctx.PostBody(), &u); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"invalid JSON: "+err.Error(),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	raw := make([]string, len(u.Capabilities))
	for i, c := range u.Capabilities {
		raw[i] = string(c)
	}
	u.Capabilities = routing.NormalizeCapabilities(raw)

	if err := g.catalog.PutUpstream(&u); err != nil {
		code := apierr.CodeInvalidRequest
		var cre *routing.CircularRedirectError
		if errors.As(err, &cre) {
			code = apierr.CodeCircularRedirect
		}
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(), apierr.TypeInvalidRequest, code)
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok", "id": u.ID})
}

func (g *Gateway) handleDeactivateUpstream(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	if !g.catalog.DeactivateUpstream(id) {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"unknown upstream "+id, apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	writeJSON(ctx, map[string]string{"status": "ok"})
}

// handleUpstreamStats serves the ClickHouse aggregation for one upstream over
// a trailing window (?window=1h, default 1h).
func (g *Gateway) handleUpstreamStats(ctx *fasthttp.RequestCtx) {
	if g.requestLogs == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"request log aggregation is not configured",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	id, _ := ctx.UserValue("id").(string)
	window := time.Hour
	if raw := string(ctx.QueryArgs().Peek("window")); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			window = d
		}
	}

	stats, err := g.requestLogs.Aggregate(ctx, id, window)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return
	}
	writeJSON(ctx, stats)
}

func (g *Gateway) handleCircuitState(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	snap := g.breaker.Snapshot(id)
	writeJSON(ctx, map[string]any{
		"upstream_id": id,
		"state":       snap.State.Label(),
		"snapshot":    snap,
	})
}

func (g *Gateway) handleCircuitReset(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	g.breaker.ForceClose(id)
	writeJSON(ctx, map[string]string{"status": "ok", "state": "closed"})
}

func (g *Gateway) handleCircuitTrip(ctx *fasthttp.RequestCtx) {
	id, _ := ctx.UserValue("id").(string)
	g.breaker.ForceOpen(id)
	writeJSON(ctx, map[string]string{"status": "ok", "state": "open"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
