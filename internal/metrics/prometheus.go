// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_selections_total{provider_type,tier}
	selectionsTotal *prometheus.CounterVec

	// router_selection_exclusions_total{provider_type,reason}
	exclusionsTotal *prometheus.CounterVec

	// router_selection_failures_total{provider_type,reason}
	selectionFailures *prometheus.CounterVec

	// router_affinity_events_total{event} — hit, miss, migrated, evicted
	affinityEvents *prometheus.CounterVec

	// router_upstream_attempts_total{upstream,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_upstream_attempt_duration_seconds{upstream,outcome}
	upstreamDuration *prometheus.HistogramVec

	// circuit_breaker_state{upstream} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// router_circuit_breaker_transitions_total{upstream,to_state}
	cbTransitions *prometheus.CounterVec

	// router_circuit_breaker_rejections_total{upstream,state}
	cbRejections *prometheus.CounterVec

	// router_failover_events_total{from,to}
	failoverEvents *prometheus.CounterVec

	// router_failover_exhausted_total{provider_type}
	failoverExhausted *prometheus.CounterVec

	// router_upstream_health{upstream}
	upstreamHealth *prometheus.GaugeVec

	// router_tokens_total{upstream,direction}
	tokensTotal *prometheus.CounterVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes selection + upstream)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		selectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_selections_total",
				Help: "Successful upstream selections by provider type and priority tier",
			},
			[]string{"provider_type", "tier"},
		),

		exclusionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_selection_exclusions_total",
				Help: "Candidates excluded during selection, by reason",
			},
			[]string{"provider_type", "reason"},
		),

		selectionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_selection_failures_total",
				Help: "Selections that produced no upstream, by failure reason",
			},
			[]string{"provider_type", "reason"},
		),

		affinityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_affinity_events_total",
				Help: "Session affinity events (hit, miss, migrated, evicted)",
			},
			[]string{"event"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_upstream_attempts_total",
				Help: "Total upstream attempts (includes failovers)",
			},
			[]string{"upstream", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_upstream_attempt_duration_seconds",
				Help:    "Upstream attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"upstream", "outcome"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"upstream"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"upstream", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"upstream", "state"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_events_total",
				Help: "Failover events between upstreams",
			},
			[]string{"from", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_exhausted_total",
				Help: "Requests that exhausted failover attempts without success",
			},
			[]string{"provider_type"},
		),

		upstreamHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_upstream_health",
				Help: "Upstream probe health (1=ok, 0=degraded)",
			},
			[]string{"upstream"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"upstream", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.selectionsTotal,
		r.exclusionsTotal,
		r.selectionFailures,
		r.affinityEvents,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.circuitBreakerState,
		r.cbTransitions,
		r.cbRejections,
		r.failoverEvents,
		r.failoverExhausted,
		r.upstreamHealth,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordSelection records a successful selection and its exclusion breakdown.
func (r *Registry) RecordSelection(providerType string, tier int, exclusions map[string]int) {
	r.selectionsTotal.WithLabelValues(providerType, strconv.Itoa(tier)).Inc()
	for reason, n := range exclusions {
		r.exclusionsTotal.WithLabelValues(providerType, reason).Add(float64(n))
	}
}

// RecordSelectionFailure records a selection that produced no upstream.
func (r *Registry) RecordSelectionFailure(providerType, reason string) {
	r.selectionFailures.WithLabelValues(providerType, reason).Inc()
}

func (r *Registry) RecordAffinity(event string) {
	r.affinityEvents.WithLabelValues(event).Inc()
}

// ObserveUpstreamAttempt records one upstream attempt.
func (r *Registry) ObserveUpstreamAttempt(upstream, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(upstream, outcome).Inc()
	r.upstreamDuration.WithLabelValues(upstream, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordFailover(from, to string) {
	r.failoverEvents.WithLabelValues(from, to).Inc()
}

func (r *Registry) RecordFailoverExhausted(providerType string) {
	r.failoverExhausted.WithLabelValues(providerType).Inc()
}

func (r *Registry) AddTokens(upstream string, inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(upstream, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(upstream, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetUpstreamHealth(upstream string, ok bool) {
	if ok {
		r.upstreamHealth.WithLabelValues(upstream).Set(1)
		return
	}
	r.upstreamHealth.WithLabelValues(upstream).Set(0)
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (r *Registry) SetCircuitBreaker(upstream string, state int64) {
	r.circuitBreakerState.WithLabelValues(upstream).Set(float64(state))

	r.cbMu.Lock()
	prev, ok := r.lastCBState[upstream]
	if !ok || prev != float64(state) {
		r.lastCBState[upstream] = float64(state)
		toState := strconv.FormatInt(state, 10)
		r.cbTransitions.WithLabelValues(upstream, toState).Inc()
	}
	r.cbMu.Unlock()
}

func (r *Registry) RecordCircuitBreakerRejection(upstream, state string) {
	r.cbRejections.WithLabelValues(upstream, state).Inc()
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
