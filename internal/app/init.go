package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-router/internal/health"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/quota"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// initInfra establishes optional external connections. Both Redis and
// ClickHouse are optional; the router degrades to in-process behaviour
// without them.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.DSN != "" {
		a.log.Info("connecting to clickhouse", slog.String("dsn", redactURL(a.cfg.ClickHouse.DSN)))

		logs, err := store.NewRequestLogs(ctx, a.cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.requestLogs = logs
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initCatalog builds the upstream catalog from configuration and runs the
// one-time capability reconciliation over it.
func (a *App) initCatalog(ctx context.Context) error {
	a.catalog = store.NewMemory()

	for i := range a.cfg.Upstreams {
		u := a.cfg.Upstreams[i]
		if err := a.catalog.PutUpstream(&u); err != nil {
			return fmt.Errorf("upstream %s: %w", u.ID, err)
		}
	}

	a.reconciler = routing.NewCapabilityReconciler(a.catalog, a.log)
	if err := a.reconciler.Run(ctx); err != nil {
		// A failed reconciliation is retried on the next trigger; startup
		// proceeds with the raw capability arrays.
		a.log.Warn("capability reconciliation failed", slog.String("error", err.Error()))
	}

	a.log.Info("catalog loaded", slog.Int("upstreams", len(a.cfg.Upstreams)))
	return nil
}

// initServices creates the routing core: breaker, affinity, health tracking,
// quota filter, metrics registry, and the async decision logger.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.breaker = routing.NewCircuitBreaker(routing.BreakerConfig{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		SuccessThreshold: a.cfg.CircuitBreaker.SuccessThreshold,
		OpenDuration:     a.cfg.CircuitBreaker.OpenDuration,
		ProbeInterval:    a.cfg.CircuitBreaker.ProbeInterval,
	})
	a.breaker.SetSink(a.catalog)
	a.breaker.OnTransition(func(upstreamID string, to routing.CircuitState) {
		a.prom.SetCircuitBreaker(upstreamID, int64(to))
	})

	a.affinity = routing.NewAffinityStore(ctx, routing.AffinityConfig{
		SlidingTTL:      a.cfg.Affinity.SlidingTTL,
		MaxTTL:          a.cfg.Affinity.MaxTTL,
		CleanupInterval: a.cfg.Affinity.CleanupInterval,
		Capacity:        a.cfg.Affinity.Capacity,
	})

	a.tracker = routing.NewHealthTracker(a.catalog)

	if a.rdb != nil {
		a.quota = quota.NewTracker(a.rdb)
		a.log.Info("spending quota filter enabled")
	}

	opts := routing.SelectorOptions{
		Affinity: a.affinity,
		Config: routing.SelectorConfig{
			LatencyPenaltyDenomMS: a.cfg.Selection.LatencyPenaltyDenomMS,
			LatencyPenaltyCap:     a.cfg.Selection.LatencyPenaltyCap,
		},
	}
	if a.quota != nil {
		opts.Quota = a.quota
	}
	a.selector = routing.NewSelector(a.catalog, a.breaker, opts)
	a.reporter = routing.NewReporter(a.breaker, a.affinity, a.tracker)

	decisions, err := logger.New(ctx, a.log, requestLogSink(a.requestLogs))
	if err != nil {
		return fmt.Errorf("decision logger: %w", err)
	}
	a.decisions = decisions

	a.prober = health.NewProber(ctx, a.catalog, a.tracker, a.keyResolver(), a.log, health.Options{
		Interval: a.cfg.HealthProbe.Interval,
		Timeout:  a.cfg.HealthProbe.Timeout,
	})

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	a.gw = proxy.NewGateway(
		a.baseCtx,
		a.selector,
		a.reporter,
		a.breaker,
		a.tracker,
		a.catalog,
		proxy.GatewayOptions{
			Logger:          a.log,
			MaxRetries:      a.cfg.Failover.MaxRetries,
			UpstreamTimeout: a.cfg.Failover.UpstreamTimeout,
			Metrics:         a.prom,
			DecisionLogger:  a.decisions,
			Keys:            proxy.KeyResolver(a.keyResolver()),
			RequestLogs:     a.requestLogs,
			CORSOrigins:     a.cfg.CORSOrigins,
		},
	)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// keyResolver returns the credential resolver shared by the prober and the
// forwarder. The open-source build stores keys as configured; the managed
// build swaps in a KMS-backed resolver here.
func (a *App) keyResolver() func(u *routing.Upstream) string {
	return func(u *routing.Upstream) string {
		return u.EncryptedAPIKey
	}
}

// requestLogSink adapts the optional ClickHouse store to the logger's sink
// interface without handing it a typed-nil interface value.
func requestLogSink(logs *store.RequestLogs) logger.RequestLogSink {
	if logs == nil {
		return nil
	}
	return logs
}
