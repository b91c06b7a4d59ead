// Package health runs background reachability probes against registered
// upstreams and records the results in the routing health tracker.
//
// Probes are cheap list-models calls issued through the official provider
// SDKs; custom upstreams get a plain HTTP GET against their base URL. Results
// are display-only — the selector never gates on them.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicopt "github.com/anthropics/anthropic-sdk-go/option"
	openaiSDK "github.com/openai/openai-go/v3"
	openaiopt "github.com/openai/openai-go/v3/option"
	"google.golang.org/genai"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 5 * time.Second
)

// KeyResolver decrypts an upstream's stored API key. Credential handling is
// delegated to the caller; the prober only consumes the plaintext.
type KeyResolver func(u *routing.Upstream) string

// Catalog is the store surface the prober scans.
type Catalog interface {
	ListUpstreams(ctx context.Context) ([]*routing.Upstream, error)
}

// Options tunes the prober. Zero values use the defaults.
type Options struct {
	Interval time.Duration // default 30s
	Timeout  time.Duration // per-probe timeout, default 5s
}

// Prober periodically probes every active upstream and writes the outcome
// and measured latency into the tracker.
type Prober struct {
	catalog Catalog
	tracker *routing.HealthTracker
	keys    KeyResolver
	log     *slog.Logger

	interval time.Duration
	timeout  time.Duration

	httpClient *http.Client
	baseCtx    context.Context
	done       chan struct{}
	wg         sync.WaitGroup
}

// NewProber creates a Prober and immediately starts background probes.
// The first probe runs synchronously so records are never "unknown" at
// startup. Stop with Close or by cancelling ctx.
func NewProber(ctx context.Context, catalog Catalog, tracker *routing.HealthTracker, keys KeyResolver, log *slog.Logger, opts Options) *Prober {
	if ctx == nil {
		panic("health: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}
	if keys == nil {
		keys = func(*routing.Upstream) string { return "" }
	}

	p := &Prober{
		catalog:  catalog,
		tracker:  tracker,
		keys:     keys,
		log:      log,
		interval: opts.Interval,
		timeout:  opts.Timeout,
		baseCtx:  ctx,
		done:     make(chan struct{}),
	}
	if p.interval <= 0 {
		p.interval = defaultProbeInterval
	}
	if p.timeout <= 0 {
		p.timeout = defaultProbeTimeout
	}
	p.httpClient = &http.Client{Timeout: p.timeout}

	p.probe()

	p.wg.Add(1)
	go p.run(ctx)

	return p
}

// Close stops the background probe goroutine.
func (p *Prober) Close() {
	close(p.done)
	p.wg.Wait()
}

func (p *Prober) run(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.probe()
		case <-ctx.Done():
			return
		case <-p.done:
			return
		}
	}
}

func (p *Prober) probe() {
	ups, err := p.catalog.ListUpstreams(p.baseCtx)
	if err != nil {
		p.log.Warn("health_probe_list_failed", slog.String("error", err.Error()))
		return
	}

	var wg sync.WaitGroup
	for _, u := range ups {
		if !u.Active {
			continue
		}
		wg.Add(1)
		go func(u *routing.Upstream) {
			defer wg.Done()
			p.probeUpstream(u)
		}(u)
	}
	wg.Wait()
}

func (p *Prober) probeUpstream(u *routing.Upstream) {
	ctx, cancel := context.WithTimeout(p.baseCtx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.ping(ctx, u)
	latency := time.Since(start)

	if err != nil {
		p.tracker.RecordFailure(u.ID, err.Error())
		p.log.WarnContext(ctx, "upstream_probe_failed",
			slog.String("upstream_id", u.ID),
			slog.String("upstream", u.Name),
			slog.String("provider_type", string(u.ProviderType)),
			slog.String("error", err.Error()),
		)
		return
	}
	p.tracker.RecordSuccess(u.ID, latency)
}

func (p *Prober) ping(ctx context.Context, u *routing.Upstream) error {
	switch u.ProviderType {
	case routing.ProviderAnthropic:
		return p.pingAnthropic(ctx, u)
	case routing.ProviderOpenAI:
		return p.pingOpenAI(ctx, u)
	case routing.ProviderGoogle:
		return p.pingGoogle(ctx, u)
	default:
		return p.pingHTTP(ctx, u)
	}
}

func (p *Prober) pingAnthropic(ctx context.Context, u *routing.Upstream) error {
	opts := []anthropicopt.RequestOption{
		anthropicopt.WithAPIKey(p.keys(u)),
		anthropicopt.WithHTTPClient(p.httpClient),
	}
	if u.BaseURL != "" {
		opts = append(opts, anthropicopt.WithBaseURL(u.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	if _, err := client.Models.List(ctx, anthropic.ModelListParams{Limit: anthropic.Int(1)}); err != nil {
		return fmt.Errorf("anthropic probe: %w", err)
	}
	return nil
}

func (p *Prober) pingOpenAI(ctx context.Context, u *routing.Upstream) error {
	opts := []openaiopt.RequestOption{
		openaiopt.WithAPIKey(p.keys(u)),
		openaiopt.WithHTTPClient(p.httpClient),
	}
	if u.BaseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(u.BaseURL))
	}
	client := openaiSDK.NewClient(opts...)

	if _, err := client.Models.List(ctx); err != nil {
		return fmt.Errorf("openai probe: %w", err)
	}
	return nil
}

func (p *Prober) pingGoogle(ctx context.Context, u *routing.Upstream) error {
	cfg := &genai.ClientConfig{
		APIKey:     p.keys(u),
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if u.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: u.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return fmt.Errorf("google probe: client: %w", err)
	}

	if _, err := client.Models.List(ctx, &genai.ListModelsConfig{PageSize: 1}); err != nil {
		return fmt.Errorf("google probe: %w", err)
	}
	return nil
}

// pingHTTP probes custom upstreams with a bare GET against the base URL.
// Any HTTP response counts as reachable; only transport errors fail.
func (p *Prober) pingHTTP(ctx context.Context, u *routing.Upstream) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.BaseURL, nil)
	if err != nil {
		return fmt.Errorf("custom probe: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("custom probe: %w", err)
	}
	_ = resp.Body.Close()
	return nil
}
