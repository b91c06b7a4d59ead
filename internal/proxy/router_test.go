package proxy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

// serve runs one request through the full route table with middleware applied.
func serve(g *Gateway, method, path, body string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	if body != "" {
		ctx.Request.Header.SetContentType("application/json")
		ctx.Request.SetBodyString(body)
	}
	g.Handler(nil)(ctx)
	return ctx
}

func TestRouter_Health(t *testing.T) {
	g, _, _ := newTestGateway(t, GatewayOptions{}, proxyUpstream("up-1", routing.ProviderAnthropic, 1))
	g.health.RecordSuccess("up-1", 90*time.Millisecond)

	ctx := serve(g, "GET", "/health", "")
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("health endpoint is always 200, got %d", ctx.Response.StatusCode())
	}

	var out struct {
		Status    string                           `json:"status"`
		Upstreams map[string]routing.HealthRecord `json:"upstreams"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ok" {
		t.Errorf("expected ok, got %s", out.Status)
	}
	if rec, ok := out.Upstreams["up-1"]; !ok || !rec.Healthy || rec.LatencyMS != 90 {
		t.Errorf("health snapshot should carry the upstream record, got %+v", out.Upstreams)
	}

	if len(ctx.Response.Header.Peek("X-Request-ID")) == 0 {
		t.Error("middleware chain should assign a request id")
	}
}

func TestRouter_AdminPutAndList(t *testing.T) {
	g, _, _ := newTestGateway(t, GatewayOptions{})

	put := serve(g, "PUT", "/admin/upstreams", `{
		"id": "new-1",
		"name": "New Upstream",
		"provider_type": "anthropic",
		"base_url": "https://new.example.com",
		"active": true,
		"weight": 100,
		"priority": 1,
		"capabilities": ["anthropic_messages", "bogus_capability"]
	}`)
	if put.Response.StatusCode() != 200 {
		t.Fatalf("registration should succeed, got %d: %s", put.Response.StatusCode(), put.Response.Body())
	}

	list := serve(g, "GET", "/admin/upstreams", "")
	var out struct {
		Upstreams []routing.Upstream `json:"upstreams"`
	}
	if err := json.Unmarshal(list.Response.Body(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Upstreams) != 1 || out.Upstreams[0].ID != "new-1" {
		t.Fatalf("expected the registered upstream, got %+v", out.Upstreams)
	}
	// Unknown capabilities are dropped at registration.
	if caps := out.Upstreams[0].Capabilities; len(caps) != 1 || caps[0] != routing.CapAnthropicMessages {
		t.Errorf("capabilities should be normalized on write, got %v", caps)
	}
}

func TestRouter_AdminPutRejectsBadPayload(t *testing.T) {
	g, _, _ := newTestGateway(t, GatewayOptions{})

	if ctx := serve(g, "PUT", "/admin/upstreams", `not json`); ctx.Response.StatusCode() != 400 {
		t.Errorf("malformed JSON should be 400, got %d", ctx.Response.StatusCode())
	}

	ctx := serve(g, "PUT", "/admin/upstreams", `{
		"id": "cyclic",
		"provider_type": "openai",
		"base_url": "https://c.example.com",
		"model_redirects": {"gpt-4": "gpt-4o", "gpt-4o": "gpt-4"}
	}`)
	if ctx.Response.StatusCode() != 400 {
		t.Fatalf("redirect cycle should be 400, got %d", ctx.Response.StatusCode())
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "circular_model_redirect" {
		t.Errorf("cycle rejection should carry its own code, got %s", env.Error.Code)
	}
}

func TestRouter_AdminDeactivate(t *testing.T) {
	g, _, _ := newTestGateway(t, GatewayOptions{}, proxyUpstream("up-1", routing.ProviderAnthropic, 1))

	if ctx := serve(g, "DELETE", "/admin/upstreams/up-1", ""); ctx.Response.StatusCode() != 200 {
		t.Errorf("deactivation should succeed, got %d", ctx.Response.StatusCode())
	}
	if ctx := serve(g, "DELETE", "/admin/upstreams/ghost", ""); ctx.Response.StatusCode() != 404 {
		t.Errorf("unknown upstream should be 404, got %d", ctx.Response.StatusCode())
	}

	u, _ := g.catalog.GetUpstream("up-1")
	if u.Active {
		t.Error("upstream should be inactive after deactivation")
	}
}

func TestRouter_AdminCircuitOps(t *testing.T) {
	g, _, cb := newTestGateway(t, GatewayOptions{}, proxyUpstream("up-1", routing.ProviderAnthropic, 1))

	if ctx := serve(g, "POST", "/admin/circuit/up-1/trip", ""); ctx.Response.StatusCode() != 200 {
		t.Fatalf("trip should succeed, got %d", ctx.Response.StatusCode())
	}
	if cb.State("up-1") != routing.StateOpen {
		t.Error("trip should open the breaker")
	}

	state := serve(g, "GET", "/admin/circuit/up-1", "")
	var out struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal(state.Response.Body(), &out); err != nil {
		t.Fatal(err)
	}
	if out.State != "open" {
		t.Errorf("state endpoint should report open, got %s", out.State)
	}

	if ctx := serve(g, "POST", "/admin/circuit/up-1/reset", ""); ctx.Response.StatusCode() != 200 {
		t.Fatalf("reset should succeed, got %d", ctx.Response.StatusCode())
	}
	if cb.State("up-1") != routing.StateClosed {
		t.Error("reset should close the breaker")
	}
}

func TestRouter_StatsUnconfigured(t *testing.T) {
	g, _, _ := newTestGateway(t, GatewayOptions{}, proxyUpstream("up-1", routing.ProviderAnthropic, 1))

	if ctx := serve(g, "GET", "/admin/upstreams/up-1/stats", ""); ctx.Response.StatusCode() != 404 {
		t.Errorf("stats without a log backend should be 404, got %d", ctx.Response.StatusCode())
	}
}

func TestRouter_ProxyRouteThroughFullChain(t *testing.T) {
	g, fc, _ := newTestGateway(t, GatewayOptions{}, proxyUpstream("anth-1", routing.ProviderAnthropic, 1))
	fc.responses = []fakeResponse{{status: 200, body: `{"id":"msg_1"}`}}

	ctx := serve(g, "POST", "/v1/messages", `{"model":"claude-opus-4"}`)
	if ctx.Response.StatusCode() != 200 {
		t.Fatalf("expected 200 through the full chain, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	if len(ctx.Response.Header.Peek("X-Request-ID")) == 0 {
		t.Error("request id middleware should run on proxy routes")
	}
	if got := string(ctx.Response.Header.Peek("X-Content-Type-Options")); got != "nosniff" {
		t.Error("security headers should run on proxy routes")
	}
}
