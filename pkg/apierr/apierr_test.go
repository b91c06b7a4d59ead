package apierr

import (
	"encoding/json"
	"testing"

	"github.com/valyala/fasthttp"
)

func decodeError(t *testing.T, ctx *fasthttp.RequestCtx) APIError {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("response body should be the error envelope: %v", err)
	}
	return env.Error
}

func TestWrite(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	Write(ctx, fasthttp.StatusBadRequest, "field 'model' is required", TypeInvalidRequest, CodeInvalidRequest)

	if ctx.Response.StatusCode() != 400 {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if ct := string(ctx.Response.Header.ContentType()); ct != "application/json" {
		t.Errorf("expected json content type, got %s", ct)
	}

	e := decodeError(t, ctx)
	if e.Message != "field 'model' is required" || e.Type != TypeInvalidRequest || e.Code != CodeInvalidRequest {
		t.Errorf("unexpected error payload %+v", e)
	}
}

func TestWriteNoHealthyUpstream(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteNoHealthyUpstream(ctx, "anthropic", map[string]int{
		"circuit_open":   2,
		"quota_exceeded": 1,
	})

	if ctx.Response.StatusCode() != 503 {
		t.Errorf("expected 503, got %d", ctx.Response.StatusCode())
	}

	e := decodeError(t, ctx)
	if e.Code != CodeNoHealthyUpstream {
		t.Errorf("expected %s, got %s", CodeNoHealthyUpstream, e.Code)
	}
	if e.Details["provider_type"] != "anthropic" {
		t.Errorf("details should carry the provider type, got %v", e.Details)
	}
	excluded, ok := e.Details["excluded"].(map[string]any)
	if !ok || excluded["circuit_open"] != float64(2) {
		t.Errorf("details should carry exclusion counts, got %v", e.Details)
	}
}

func TestWriteNoAuthorizedUpstream(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteNoAuthorizedUpstream(ctx, "openai")

	if ctx.Response.StatusCode() != 403 {
		t.Errorf("expected 403, got %d", ctx.Response.StatusCode())
	}
	if e := decodeError(t, ctx); e.Code != CodeNoAuthorizedRoute {
		t.Errorf("expected %s, got %s", CodeNoAuthorizedRoute, e.Code)
	}
}

func TestWriteProviderError(t *testing.T) {
	// 429 passes through with Retry-After.
	ctx := &fasthttp.RequestCtx{}
	WriteProviderError(ctx, 429, "rate limited")
	if ctx.Response.StatusCode() != 429 {
		t.Errorf("expected 429, got %d", ctx.Response.StatusCode())
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("expected Retry-After: 60, got %q", got)
	}

	// Everything else maps to 502.
	ctx = &fasthttp.RequestCtx{}
	WriteProviderError(ctx, 503, "upstream down")
	if ctx.Response.StatusCode() != 502 {
		t.Errorf("expected 502, got %d", ctx.Response.StatusCode())
	}
	if e := decodeError(t, ctx); e.Type != TypeProviderError {
		t.Errorf("expected provider_error, got %s", e.Type)
	}
}

func TestWriteTimeout(t *testing.T) {
	ctx := &fasthttp.RequestCtx{}
	WriteTimeout(ctx)

	if ctx.Response.StatusCode() != 504 {
		t.Errorf("expected 504, got %d", ctx.Response.StatusCode())
	}
	if e := decodeError(t, ctx); e.Code != CodeRequestTimeout {
		t.Errorf("expected %s, got %s", CodeRequestTimeout, e.Code)
	}
}
