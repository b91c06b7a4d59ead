package routing

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Reporter is the glue between the HTTP lifecycle and the breaker/affinity
// state. The transport invokes ReportResponse exactly once per chosen
// upstream, and ReportUsage when the response carries token accounting.
type Reporter struct {
	breaker  *CircuitBreaker
	affinity *AffinityStore // optional
	health   *HealthTracker // optional
}

// NewReporter creates a Reporter. affinity and health may be nil.
func NewReporter(breaker *CircuitBreaker, affinity *AffinityStore, health *HealthTracker) *Reporter {
	return &Reporter{breaker: breaker, affinity: affinity, health: health}
}

// ReportResponse classifies one terminal response and feeds the breaker.
//
//   - 2xx → circuit success.
//   - 5xx, 429, timeouts, connection errors, cancellation → circuit failure.
//   - Other 4xx → transport-level client error; neither success nor failure.
//
// A cancelled request still counts as a failure so the breaker is not left
// with an inflated admission count for half-open probes. Health records are
// updated as organic observations; they never influence routing.
func (r *Reporter) ReportResponse(upstreamID string, status int, latency time.Duration, err error) {
	switch {
	case err != nil:
		r.breaker.RecordFailure(upstreamID, ClassifyError(err))
		if r.health != nil {
			r.health.RecordFailure(upstreamID, err.Error())
		}
	case status >= 200 && status < 300:
		r.breaker.RecordSuccess(upstreamID)
		if r.health != nil {
			r.health.RecordSuccess(upstreamID, latency)
		}
	case status == 429 || status >= 500:
		r.breaker.RecordFailure(upstreamID, fmt.Sprintf("http_%d", status))
		if r.health != nil {
			r.health.RecordFailure(upstreamID, fmt.Sprintf("upstream returned %d", status))
		}
	}
}

// ReportUsage adds the observed total input tokens (including cache reads) to
// the session's cumulative count.
func (r *Reporter) ReportUsage(aff *AffinityContext, inputTokens int64) {
	if r.affinity == nil || !aff.complete() || inputTokens <= 0 {
		return
	}
	r.affinity.AddInputTokens(aff.APIKeyID, aff.Scope, aff.SessionID, inputTokens)
}

// CircuitFailure reports whether an observed (status, err) pair counts
// against the upstream's circuit. 4xx other than 429 never does.
func CircuitFailure(status int, err error) bool {
	if err != nil {
		return true
	}
	return status == 429 || status >= 500
}

// ClassifyError converts an error into a short category string used in log
// fields, metrics labels, and breaker diagnostics.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "connection"
	}
	return "unknown"
}
