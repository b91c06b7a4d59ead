package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// canonicalCapabilityOrder fixes the order in which capabilities are
// persisted, so equality checks and diffs are stable.
var canonicalCapabilityOrder = []Capability{
	CapAnthropicMessages,
	CapOpenAIChatCompatible,
	CapOpenAIExtended,
	CapCodexResponses,
	CapGeminiNativeGenerate,
}

// NormalizeCapabilities canonicalizes a raw capability list: whitespace is
// trimmed, unknown tokens are dropped, duplicates collapse, and the result is
// sorted into the fixed canonical order. Idempotent.
func NormalizeCapabilities(raw []string) []Capability {
	seen := make(map[Capability]bool, len(raw))
	for _, r := range raw {
		c := Capability(strings.TrimSpace(r))
		if knownCapability(c) {
			seen[c] = true
		}
	}
	out := make([]Capability, 0, len(seen))
	for _, c := range canonicalCapabilityOrder {
		if seen[c] {
			out = append(out, c)
		}
	}
	return out
}

func knownCapability(c Capability) bool {
	for _, k := range canonicalCapabilityOrder {
		if c == k {
			return true
		}
	}
	return false
}

func capabilitiesEqual(a, b []Capability) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CapabilityStore is the catalog surface the reconciler needs.
type CapabilityStore interface {
	ListUpstreams(ctx context.Context) ([]*Upstream, error)
	UpdateRouteCapabilities(ctx context.Context, upstreamID string, caps []Capability) error
}

// CapabilityReconciler performs the one-time background reconciliation that
// canonicalizes every upstream's persisted capability array. Concurrent
// triggers are deduplicated; a failed run is not marked complete and is
// retried on the next trigger. Running twice on a clean catalog writes
// nothing.
type CapabilityReconciler struct {
	store CapabilityStore
	log   *slog.Logger

	group singleflight.Group
	done  atomic.Bool
}

// NewCapabilityReconciler creates a reconciler over store.
func NewCapabilityReconciler(store CapabilityStore, log *slog.Logger) *CapabilityReconciler {
	if log == nil {
		log = slog.Default()
	}
	return &CapabilityReconciler{store: store, log: log}
}

// Run executes the reconciliation at most once per process lifetime.
// Safe to call from multiple goroutines; only one scan runs at a time.
func (r *CapabilityReconciler) Run(ctx context.Context) error {
	if r.done.Load() {
		return nil
	}
	_, err, _ := r.group.Do("reconcile", func() (any, error) {
		if r.done.Load() {
			return nil, nil
		}
		if err := r.reconcile(ctx); err != nil {
			return nil, err
		}
		r.done.Store(true)
		return nil, nil
	})
	return err
}

func (r *CapabilityReconciler) reconcile(ctx context.Context) error {
	ups, err := r.store.ListUpstreams(ctx)
	if err != nil {
		return fmt.Errorf("capabilities: list upstreams: %w", err)
	}

	written := 0
	for _, u := range ups {
		raw := make([]string, len(u.Capabilities))
		for i, c := range u.Capabilities {
			raw[i] = string(c)
		}
		canonical := NormalizeCapabilities(raw)
		if capabilitiesEqual(u.Capabilities, canonical) {
			continue
		}
		if err := r.store.UpdateRouteCapabilities(ctx, u.ID, canonical); err != nil {
			return fmt.Errorf("capabilities: update %s: %w", u.ID, err)
		}
		written++
		r.log.InfoContext(ctx, "route_capabilities_normalized",
			slog.String("upstream_id", u.ID),
			slog.Int("before", len(u.Capabilities)),
			slog.Int("after", len(canonical)),
		)
	}

	if written > 0 {
		r.log.InfoContext(ctx, "capability_reconciliation_complete", slog.Int("updated", written))
	}
	return nil
}
