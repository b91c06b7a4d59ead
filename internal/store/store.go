// Package store provides the persistence backends the routing core consumes.
//
// Two backends ship here:
//   - Memory     — in-process catalog + state store; authoritative for a
//     single-instance deployment and for tests.
//   - RequestLogs — ClickHouse-backed request-log aggregation for operator
//     dashboards (availability, latency percentiles).
//
// Memory implements the consumer-side interfaces declared in the routing
// package (UpstreamCatalog, CapabilityStore, CircuitStateSink, HealthSink),
// so a relational or distributed backend can be substituted without touching
// the selector.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

// Memory is the in-process catalog and state store.
type Memory struct {
	mu        sync.RWMutex
	upstreams map[string]*routing.Upstream
	health    map[string]routing.HealthRecord
	circuits  map[string]routing.BreakerSnapshot
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		upstreams: make(map[string]*routing.Upstream),
		health:    make(map[string]routing.HealthRecord),
		circuits:  make(map[string]routing.BreakerSnapshot),
	}
}

// PutUpstream registers or replaces an upstream. Admin path only.
func (m *Memory) PutUpstream(u *routing.Upstream) error {
	if u.ID == "" {
		return fmt.Errorf("store: upstream id must not be empty")
	}
	if !routing.ValidProviderType(u.ProviderType) {
		return fmt.Errorf("store: invalid provider type %q for upstream %s", u.ProviderType, u.ID)
	}
	if u.Weight < 0 {
		return fmt.Errorf("store: upstream %s weight must be >= 0, got %d", u.ID, u.Weight)
	}
	if u.Priority < 0 {
		return fmt.Errorf("store: upstream %s priority must be >= 0, got %d", u.ID, u.Priority)
	}
	if err := routing.ValidateRedirects(u.ModelRedirects); err != nil {
		return fmt.Errorf("store: upstream %s: %w", u.ID, err)
	}

	m.mu.Lock()
	m.upstreams[u.ID] = u.Clone()
	m.mu.Unlock()
	return nil
}

// DeactivateUpstream soft-deletes an upstream by clearing its active flag.
func (m *Memory) DeactivateUpstream(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.upstreams[id]
	if !ok {
		return false
	}
	u.Active = false
	return true
}

// FindByProviderType returns copies of all active upstreams of the given
// provider type, each joined with its last measured latency (-1 when no
// health record exists). Copies make weight and priority immutable for the
// lifetime of one selection.
func (m *Memory) FindByProviderType(_ context.Context, pt routing.ProviderType) ([]routing.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []routing.Candidate
	for _, u := range m.upstreams {
		if !u.Active || u.ProviderType != pt {
			continue
		}
		latency := int64(-1)
		if rec, ok := m.health[u.ID]; ok && rec.LatencyMS > 0 {
			latency = rec.LatencyMS
		}
		out = append(out, routing.Candidate{Upstream: u.Clone(), LatencyMS: latency})
	}
	return out, nil
}

// ListUpstreams returns copies of all upstreams, active or not.
func (m *Memory) ListUpstreams(_ context.Context) ([]*routing.Upstream, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*routing.Upstream, 0, len(m.upstreams))
	for _, u := range m.upstreams {
		out = append(out, u.Clone())
	}
	return out, nil
}

// GetUpstream returns a copy of the upstream with the given id.
func (m *Memory) GetUpstream(id string) (*routing.Upstream, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.upstreams[id]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// UpdateRouteCapabilities persists a canonicalized capability array.
// Idempotent: writing the stored value is a no-op.
func (m *Memory) UpdateRouteCapabilities(_ context.Context, id string, caps []routing.Capability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.upstreams[id]
	if !ok {
		return fmt.Errorf("store: unknown upstream %s", id)
	}
	u.Capabilities = append([]routing.Capability(nil), caps...)
	return nil
}

// SaveHealth implements routing.HealthSink.
func (m *Memory) SaveHealth(upstreamID string, rec routing.HealthRecord) {
	m.mu.Lock()
	m.health[upstreamID] = rec
	m.mu.Unlock()
}

// GetHealth returns the persisted health record for upstreamID.
func (m *Memory) GetHealth(upstreamID string) (routing.HealthRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.health[upstreamID]
	return rec, ok
}

// Save implements routing.CircuitStateSink (unconditional write).
func (m *Memory) Save(upstreamID string, snap routing.BreakerSnapshot) {
	m.mu.Lock()
	m.circuits[upstreamID] = snap
	m.mu.Unlock()
}

// SaveConditional implements routing.CircuitStateSink. The write succeeds
// only when the stored snapshot matches expected (or no snapshot exists yet),
// so a distributed backend can reject stale writers.
func (m *Memory) SaveConditional(upstreamID string, expected, next routing.BreakerSnapshot) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.circuits[upstreamID]; ok && cur != expected {
		return false
	}
	m.circuits[upstreamID] = next
	return true
}

// GetCircuit returns the persisted breaker snapshot for upstreamID.
func (m *Memory) GetCircuit(upstreamID string) (routing.BreakerSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.circuits[upstreamID]
	return snap, ok
}
