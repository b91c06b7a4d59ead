package routing

import (
	"sync"
	"time"
)

// HealthRecord is the last known probe/observation result for one upstream.
// Purely informational for operators: the selector never reads the Healthy
// flag (outage detection is the circuit breaker's job). Only LatencyMS feeds
// back into routing, and only as a soft weight penalty via the catalog join.
type HealthRecord struct {
	Healthy       bool      `json:"healthy"`
	LastCheckAt   time.Time `json:"last_check_at,omitzero"`
	LastSuccessAt time.Time `json:"last_success_at,omitzero"`
	FailureCount  int       `json:"failure_count"`
	LatencyMS     int64     `json:"latency_ms"`
	LastError     string    `json:"last_error,omitempty"`
}

// HealthSink receives health record updates for persistence. Optional.
type HealthSink interface {
	SaveHealth(upstreamID string, rec HealthRecord)
}

// HealthTracker records per-upstream health observations from background
// probes and organic request outcomes. Safe for concurrent use.
type HealthTracker struct {
	mu      sync.RWMutex
	records map[string]HealthRecord

	sink HealthSink
	now  func() time.Time
}

// NewHealthTracker creates an empty tracker. sink may be nil.
func NewHealthTracker(sink HealthSink) *HealthTracker {
	return &HealthTracker{
		records: make(map[string]HealthRecord),
		sink:    sink,
		now:     time.Now,
	}
}

// RecordSuccess stores a successful observation with its measured latency.
func (t *HealthTracker) RecordSuccess(upstreamID string, latency time.Duration) {
	now := t.now()

	t.mu.Lock()
	rec := t.records[upstreamID]
	rec.Healthy = true
	rec.LastCheckAt = now
	rec.LastSuccessAt = now
	rec.FailureCount = 0
	rec.LatencyMS = latency.Milliseconds()
	rec.LastError = ""
	t.records[upstreamID] = rec
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.SaveHealth(upstreamID, rec)
	}
}

// RecordFailure stores a failed observation.
func (t *HealthTracker) RecordFailure(upstreamID string, errMsg string) {
	now := t.now()

	t.mu.Lock()
	rec := t.records[upstreamID]
	rec.Healthy = false
	rec.LastCheckAt = now
	rec.FailureCount++
	rec.LastError = errMsg
	t.records[upstreamID] = rec
	t.mu.Unlock()

	if t.sink != nil {
		t.sink.SaveHealth(upstreamID, rec)
	}
}

// Get returns the record for upstreamID, if any.
func (t *HealthTracker) Get(upstreamID string) (HealthRecord, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	rec, ok := t.records[upstreamID]
	return rec, ok
}

// Snapshot returns a copy of all records, keyed by upstream id.
func (t *HealthTracker) Snapshot() map[string]HealthRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]HealthRecord, len(t.records))
	for k, v := range t.records {
		out[k] = v
	}
	return out
}
