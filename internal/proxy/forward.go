package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/pkg/apierr"
)

// forwardWithFailover runs the selection → forward → report loop. Each failed
// attempt re-enters the selector with the failed upstream in the exclusion
// set; the loop is bounded by g.maxRetries.
//
// The outcome of every attempt is reported to the breaker exactly once, for
// the upstream that served it.
func (g *Gateway) forwardWithFailover(
	ctx *fasthttp.RequestCtx,
	reqID, apiKeyID string,
	input routing.SelectionInput,
	body []byte,
	start time.Time,
) {
	var (
		excludeIDs   []string
		lastStatus   int
		lastErr      error
		lastDecision *routing.Decision
		prevUpstream string
	)

	for attempt := 0; attempt < g.maxRetries; attempt++ {
		input.ExcludeIDs = excludeIDs

		sel, err := g.selector.Select(ctx, input)
		if err != nil {
			g.writeSelectionError(ctx, reqID, input.ProviderType, err)
			return
		}

		u := sel.Upstream
		d := sel.Decision

		resolved, hopped := routing.ResolveModel(input.Model, u.ModelRedirects)
		d.ResolvedModel = resolved
		d.ModelRedirectApplied = hopped
		lastDecision = d

		outBody := body
		if hopped {
			if rewritten, err := sjson.SetBytes(body, "model", resolved); err == nil {
				outBody = rewritten
			}
		}

		if prevUpstream != "" {
			g.log.InfoContext(ctx, "failover",
				slog.String("request_id", reqID),
				slog.String("from", prevUpstream),
				slog.String("to", u.ID),
			)
			if g.metrics != nil {
				g.metrics.RecordFailover(prevUpstream, u.ID)
			}
		}

		attemptStart := time.Now()
		status, respBody, contentType, err := g.forward(ctx, u, outBody)
		latency := time.Since(attemptStart)

		g.reporter.ReportResponse(u.ID, status, latency, err)

		if err != nil {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(u.ID, routing.ClassifyError(err), latency)
			}
			g.log.WarnContext(ctx, "upstream_attempt_failed",
				slog.String("request_id", reqID),
				slog.String("upstream_id", u.ID),
				slog.String("upstream", u.Name),
				slog.String("reason", routing.ClassifyError(err)),
				slog.Int64("latency_ms", latency.Milliseconds()),
				slog.String("error", err.Error()),
			)
			excludeIDs = append(excludeIDs, u.ID)
			prevUpstream = u.ID
			lastErr = err
			lastStatus = 0
			continue
		}

		if status == fasthttp.StatusTooManyRequests || status >= 500 {
			if g.metrics != nil {
				g.metrics.ObserveUpstreamAttempt(u.ID, fmt.Sprintf("http_%d", status), latency)
			}
			g.log.WarnContext(ctx, "upstream_attempt_failed",
				slog.String("request_id", reqID),
				slog.String("upstream_id", u.ID),
				slog.String("upstream", u.Name),
				slog.String("reason", fmt.Sprintf("http_%d", status)),
				slog.Int64("latency_ms", latency.Milliseconds()),
			)
			excludeIDs = append(excludeIDs, u.ID)
			prevUpstream = u.ID
			lastStatus = status
			lastErr = nil
			continue
		}

		// Terminal: 2xx pass-through, or a client error (other than 429) that
		// retrying elsewhere would not change.
		if g.metrics != nil {
			outcome := "success"
			if status >= 400 {
				outcome = fmt.Sprintf("http_%d", status)
			}
			g.metrics.ObserveUpstreamAttempt(u.ID, outcome, latency)
			g.metrics.RecordSelection(string(input.ProviderType), sel.Tier, exclusionCounts(d))
			if sel.AffinityHit {
				g.metrics.RecordAffinity("hit")
			}
			if sel.AffinityMigrated {
				g.metrics.RecordAffinity("migrated")
			}
		}

		if status >= 200 && status < 300 {
			inTok, outTok := extractUsage(input.ProviderType, respBody)
			g.reporter.ReportUsage(input.Affinity, inTok)
			if g.metrics != nil {
				g.metrics.AddTokens(u.ID, inTok, outTok)
			}
		}

		g.logDecision(reqID, apiKeyID, d, status, time.Since(start))

		ctx.SetStatusCode(status)
		if contentType != "" {
			ctx.SetContentType(contentType)
		}
		ctx.Response.Header.Set("X-Upstream", u.Name)
		ctx.SetBody(respBody)
		return
	}

	// Every permitted attempt failed.
	if g.metrics != nil {
		g.metrics.RecordFailoverExhausted(string(input.ProviderType))
	}
	g.log.ErrorContext(ctx, "failover_exhausted",
		slog.String("request_id", reqID),
		slog.String("provider_type", string(input.ProviderType)),
		slog.Int("attempts", g.maxRetries),
	)

	switch {
	case errors.Is(lastErr, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	case lastErr != nil:
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			lastErr.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	default:
		apierr.WriteProviderError(ctx, lastStatus,
			fmt.Sprintf("all upstreams failed after %d attempt(s)", g.maxRetries))
	}
	g.logDecision(reqID, apiKeyID, lastDecision, ctx.Response.StatusCode(), time.Since(start))
}

// writeSelectionError maps selector errors to client responses.
func (g *Gateway) writeSelectionError(ctx *fasthttp.RequestCtx, reqID string, pt routing.ProviderType, err error) {
	var nhe *routing.NoHealthyUpstreamError
	switch {
	case errors.As(err, &nhe):
		if g.metrics != nil {
			g.metrics.RecordSelectionFailure(string(pt), nhe.Reason)
		}
		g.log.WarnContext(ctx, "no_healthy_upstream",
			slog.String("request_id", reqID),
			slog.String("provider_type", string(pt)),
			slog.String("reason", nhe.Reason),
		)
		apierr.WriteNoHealthyUpstream(ctx, string(pt), nhe.Reasons)

	case errors.Is(err, routing.ErrNoAuthorizedUpstream):
		if g.metrics != nil {
			g.metrics.RecordSelectionFailure(string(pt), "not_authorized")
		}
		apierr.WriteNoAuthorizedUpstream(ctx, string(pt))

	default:
		g.log.ErrorContext(ctx, "selection_error",
			slog.String("request_id", reqID),
			slog.String("provider_type", string(pt)),
			slog.String("error", err.Error()),
		)
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"upstream selection failed", apierr.TypeServerError, apierr.CodeInternalError)
	}
}

// forward sends one request to u and returns the upstream's response.
func (g *Gateway) forward(ctx *fasthttp.RequestCtx, u *routing.Upstream, body []byte) (status int, respBody []byte, contentType string, err error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(strings.TrimSuffix(u.BaseURL, "/") + string(ctx.Path()))
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	g.setAuthHeaders(req, u)
	if v := ctx.Request.Header.Peek("anthropic-version"); len(v) > 0 {
		req.Header.SetBytesV("anthropic-version", v)
	}

	if err := g.client.DoTimeout(req, resp, g.upstreamTimeout); err != nil {
		if errors.Is(err, fasthttp.ErrTimeout) {
			return 0, nil, "", context.DeadlineExceeded
		}
		return 0, nil, "", err
	}

	// The response buffer is pooled; copy before release.
	out := append([]byte(nil), resp.Body()...)
	return resp.StatusCode(), out, string(resp.Header.ContentType()), nil
}

// setAuthHeaders injects the upstream credential using each provider family's
// header convention.
func (g *Gateway) setAuthHeaders(req *fasthttp.Request, u *routing.Upstream) {
	key := g.keys(u)
	if key == "" {
		return
	}
	switch u.ProviderType {
	case routing.ProviderAnthropic:
		req.Header.Set("x-api-key", key)
	case routing.ProviderGoogle:
		req.Header.Set("x-goog-api-key", key)
	default:
		req.Header.Set("Authorization", "Bearer "+key)
	}
}

// extractUsage pulls input/output token counts from a successful upstream
// response body, per provider wire format. Anthropic's cached prefix reads
// count toward input so affinity accounting sees the full prompt size.
func extractUsage(pt routing.ProviderType, body []byte) (inputTokens, outputTokens int64) {
	switch pt {
	case routing.ProviderAnthropic:
		inputTokens = gjson.GetBytes(body, "usage.input_tokens").Int() +
			gjson.GetBytes(body, "usage.cache_read_input_tokens").Int()
		outputTokens = gjson.GetBytes(body, "usage.output_tokens").Int()
	case routing.ProviderGoogle:
		inputTokens = gjson.GetBytes(body, "usageMetadata.promptTokenCount").Int()
		outputTokens = gjson.GetBytes(body, "usageMetadata.candidatesTokenCount").Int()
	default:
		inputTokens = gjson.GetBytes(body, "usage.prompt_tokens").Int()
		if inputTokens == 0 {
			inputTokens = gjson.GetBytes(body, "usage.input_tokens").Int()
		}
		outputTokens = gjson.GetBytes(body, "usage.completion_tokens").Int()
		if outputTokens == 0 {
			outputTokens = gjson.GetBytes(body, "usage.output_tokens").Int()
		}
	}
	return inputTokens, outputTokens
}

// exclusionCounts aggregates a decision's exclusions per reason.
func exclusionCounts(d *routing.Decision) map[string]int {
	counts := make(map[string]int, 4)
	for _, e := range d.Excluded {
		counts[e.Reason]++
	}
	return counts
}
