// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"fmt"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionError   = "permission_error"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeRequestTimeout      = "request_timeout"
	CodeInvalidRequest      = "invalid_request"
	CodeNoHealthyUpstream   = "no_healthy_upstream"
	CodeNoAuthorizedRoute   = "no_authorized_route"
	CodeCircularRedirect    = "circular_model_redirect"
	CodeUnknownProviderType = "unknown_provider_type"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`

		// Details carries machine-readable context for routing failures:
		// provider type and per-reason exclusion counts.
		Details map[string]any `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	writeFull(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

func writeFull(ctx *fasthttp.RequestCtx, status int, apiErr APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: apiErr})
	ctx.SetBody(body)
}

// WriteNoHealthyUpstream writes the 503 returned when selection finds no
// routable upstream. reasons carries per-exclusion-reason counts
// (circuit_open, quota_exceeded, ...) so callers can tell an outage from a
// misconfiguration.
func WriteNoHealthyUpstream(ctx *fasthttp.RequestCtx, providerType string, reasons map[string]int) {
	details := map[string]any{
		"provider_type": providerType,
	}
	if len(reasons) > 0 {
		details["excluded"] = reasons
	}
	writeFull(ctx, fasthttp.StatusServiceUnavailable, APIError{
		Message: fmt.Sprintf("no healthy upstream available for provider type %q", providerType),
		Type:    TypeServerError,
		Code:    CodeNoHealthyUpstream,
		Details: details,
	})
}

// WriteNoAuthorizedUpstream writes the 403 returned when the key's upstream
// allow-list leaves nothing to route to.
func WriteNoAuthorizedUpstream(ctx *fasthttp.RequestCtx, providerType string) {
	writeFull(ctx, fasthttp.StatusForbidden, APIError{
		Message: fmt.Sprintf("no authorized upstream for provider type %q", providerType),
		Type:    TypePermissionError,
		Code:    CodeNoAuthorizedRoute,
		Details: map[string]any{"provider_type": providerType},
	})
}

// WriteUnknownModel writes the 400 returned when the model name maps to no
// provider type.
func WriteUnknownModel(ctx *fasthttp.RequestCtx, model string) {
	Write(ctx, fasthttp.StatusBadRequest,
		fmt.Sprintf("model %q does not map to a known provider type", model),
		TypeInvalidRequest, CodeUnknownProviderType)
}

// WriteProviderError maps a provider HTTP status to the appropriate gateway status.
//
//	Provider 429  → 429 + Retry-After: 60
//	Provider 5xx  → 502
//	Timeout       → 504
//	Default       → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "upstream request timed out", TypeProviderError, CodeRequestTimeout)
}
