// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Redis, ClickHouse when configured)
//  2. initCatalog  — upstream catalog + capability reconciliation
//  3. initServices — breaker, affinity, health, quota, metrics, logging
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-router/internal/config"
	"github.com/nulpointcorp/llm-router/internal/health"
	"github.com/nulpointcorp/llm-router/internal/logger"
	"github.com/nulpointcorp/llm-router/internal/metrics"
	"github.com/nulpointcorp/llm-router/internal/proxy"
	"github.com/nulpointcorp/llm-router/internal/quota"
	"github.com/nulpointcorp/llm-router/internal/routing"
	"github.com/nulpointcorp/llm-router/internal/store"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb         *redis.Client
	requestLogs *store.RequestLogs

	catalog    *store.Memory
	reconciler *routing.CapabilityReconciler

	breaker  *routing.CircuitBreaker
	affinity *routing.AffinityStore
	tracker  *routing.HealthTracker
	quota    *quota.Tracker
	selector *routing.Selector
	reporter *routing.Reporter
	prober   *health.Prober

	decisions *logger.Logger
	prom      *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"catalog", a.initCatalog},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("upstreams", len(a.cfg.Upstreams)),
		slog.Bool("quota_enabled", a.quota != nil),
		slog.Bool("stats_enabled", a.requestLogs != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Start(addr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.decisions != nil {
		if err := a.decisions.Close(); err != nil {
			a.log.Error("decision logger close error", slog.String("error", err.Error()))
		}
		a.decisions = nil
	}
	if a.affinity != nil {
		a.affinity.Close()
		a.affinity = nil
	}
	if a.requestLogs != nil {
		if err := a.requestLogs.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.requestLogs = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
