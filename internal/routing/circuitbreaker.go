package routing

import (
	"fmt"
	"sync"
	"time"
)

// CircuitState is the operational state of one upstream's breaker.
//
//	StateClosed   — normal operation; permits are always granted.
//	StateOpen     — the upstream is failing; permits are rejected until the
//	                open duration elapses.
//	StateHalfOpen — recovery; one probe is admitted per probe interval.
type CircuitState int

const (
	StateClosed   CircuitState = 0
	StateOpen     CircuitState = 1
	StateHalfOpen CircuitState = 2
)

// Label returns the wire name of the state: "closed", "open", or "half_open".
func (s CircuitState) Label() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default breaker tuning. Overridable globally via BreakerConfig and
// per-upstream via SetOverride.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 2
	DefaultOpenDuration     = 30 * time.Second
	DefaultProbeInterval    = 10 * time.Second
)

// BreakerConfig holds circuit breaker tuning parameters. Zero values fall
// back to the package-level defaults.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures in Closed that
	// trips the breaker. Default: 5.
	FailureThreshold int

	// SuccessThreshold is the number of consecutive half-open probe successes
	// required to close the breaker. Default: 2.
	SuccessThreshold int

	// OpenDuration is how long the breaker stays open before the first probe
	// is admitted. Default: 30s.
	OpenDuration time.Duration

	// ProbeInterval is the minimum spacing between admitted half-open probes.
	// Default: 10s.
	ProbeInterval time.Duration
}

func (c *BreakerConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c *BreakerConfig) successThreshold() int {
	if c.SuccessThreshold > 0 {
		return c.SuccessThreshold
	}
	return DefaultSuccessThreshold
}

func (c *BreakerConfig) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return DefaultOpenDuration
}

func (c *BreakerConfig) probeInterval() time.Duration {
	if c.ProbeInterval > 0 {
		return c.ProbeInterval
	}
	return DefaultProbeInterval
}

// merged returns cfg with zero fields filled from base.
func (c *BreakerConfig) merged(base BreakerConfig) BreakerConfig {
	out := base
	if c == nil {
		return out
	}
	if c.FailureThreshold > 0 {
		out.FailureThreshold = c.FailureThreshold
	}
	if c.SuccessThreshold > 0 {
		out.SuccessThreshold = c.SuccessThreshold
	}
	if c.OpenDuration > 0 {
		out.OpenDuration = c.OpenDuration
	}
	if c.ProbeInterval > 0 {
		out.ProbeInterval = c.ProbeInterval
	}
	return out
}

// CircuitOpenError is the signaling condition returned by AcquirePermit when
// an upstream may not serve a request. The selector converts it into a
// candidate exclusion; it is never surfaced to the end client.
type CircuitOpenError struct {
	UpstreamID string
	Remaining  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for upstream %s (retry in %s)", e.UpstreamID, e.Remaining.Round(time.Second))
}

// BreakerSnapshot is a point-in-time observation of one breaker, exposed for
// admin dashboards and persisted through the state sink.
type BreakerSnapshot struct {
	State         CircuitState `json:"state"`
	FailureCount  int          `json:"failure_count"`
	SuccessCount  int          `json:"success_count"`
	OpenedAt      time.Time    `json:"opened_at,omitzero"` // set only while open
	LastProbeAt   time.Time    `json:"last_probe_at,omitzero"`
	LastFailureAt time.Time    `json:"last_failure_at,omitzero"`
}

// CircuitStateSink persists breaker transitions so an external backend can
// observe them. Save is invoked after every state change; SaveConditional is
// used for normal transitions so a distributed backend can reject stale
// writers, Save for admin overrides.
type CircuitStateSink interface {
	Save(upstreamID string, snap BreakerSnapshot)
	SaveConditional(upstreamID string, expected, next BreakerSnapshot) bool
}

// upstreamBreaker holds per-upstream breaker state. All fields are guarded by
// mu; AcquirePermit holds mu across the read-decide-record sequence so a
// half-open admission is visible to concurrent callers before the probe
// completes.
type upstreamBreaker struct {
	mu sync.Mutex

	state         CircuitState
	failureCount  int
	successCount  int
	openedAt      time.Time
	lastProbeAt   time.Time
	lastFailureAt time.Time

	override *BreakerConfig
}

func (b *upstreamBreaker) snapshotLocked() BreakerSnapshot {
	return BreakerSnapshot{
		State:         b.state,
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		OpenedAt:      b.openedAt,
		LastProbeAt:   b.lastProbeAt,
		LastFailureAt: b.lastFailureAt,
	}
}

// CircuitBreaker manages independent breakers for each upstream instance.
// Breakers are created lazily on first reference and never deleted except via
// explicit admin reset. Safe for concurrent use; contention is upstream-scoped.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*upstreamBreaker

	cfg  BreakerConfig
	sink CircuitStateSink // optional, nil-safe

	// onTransition is an optional hook fired after each state change
	// (used for metrics). Called outside the per-upstream critical section.
	onTransition func(upstreamID string, to CircuitState)

	now func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with the given global defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*upstreamBreaker),
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetSink attaches a persistence sink. Must be called before concurrent use.
func (cb *CircuitBreaker) SetSink(s CircuitStateSink) { cb.sink = s }

// OnTransition registers a state-change hook. Must be called before
// concurrent use.
func (cb *CircuitBreaker) OnTransition(fn func(upstreamID string, to CircuitState)) {
	cb.onTransition = fn
}

func (cb *CircuitBreaker) get(upstreamID string) *upstreamBreaker {
	cb.mu.RLock()
	b := cb.breakers[upstreamID]
	cb.mu.RUnlock()
	if b != nil {
		return b
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if b = cb.breakers[upstreamID]; b == nil {
		b = &upstreamBreaker{state: StateClosed}
		cb.breakers[upstreamID] = b
	}
	return b
}

func (cb *CircuitBreaker) config(b *upstreamBreaker) BreakerConfig {
	return b.override.merged(cb.cfg)
}

// SetOverride installs a per-upstream configuration override merged over the
// global defaults. Pass nil to clear.
func (cb *CircuitBreaker) SetOverride(upstreamID string, override *BreakerConfig) {
	b := cb.get(upstreamID)
	b.mu.Lock()
	b.override = override
	b.mu.Unlock()
}

// AcquirePermit reports whether upstreamID may serve a request right now.
//
//   - Closed    → nil.
//   - Open      → transitions to HalfOpen and admits when the open duration
//     has elapsed; otherwise *CircuitOpenError with the remaining wait.
//   - HalfOpen  → admits one probe per probe interval; otherwise
//     *CircuitOpenError.
//
// The admission is recorded (lastProbeAt) under the per-upstream lock, so at
// most one prober proceeds per interval even under concurrent callers.
func (cb *CircuitBreaker) AcquirePermit(upstreamID string) error {
	b := cb.get(upstreamID)

	b.mu.Lock()

	now := cb.now()
	cfg := cb.config(b)

	switch b.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		elapsed := now.Sub(b.openedAt)
		if elapsed < cfg.openDuration() {
			remaining := cfg.openDuration() - elapsed
			b.mu.Unlock()
			return &CircuitOpenError{UpstreamID: upstreamID, Remaining: remaining}
		}
		expected := b.snapshotLocked()
		b.state = StateHalfOpen
		b.successCount = 0
		b.openedAt = time.Time{}
		b.lastProbeAt = now
		cb.persistLocked(upstreamID, b, expected)
		b.mu.Unlock()
		cb.fireTransition(upstreamID, StateHalfOpen)
		return nil

	case StateHalfOpen:
		since := now.Sub(b.lastProbeAt)
		if since < cfg.probeInterval() {
			remaining := cfg.probeInterval() - since
			b.mu.Unlock()
			return &CircuitOpenError{UpstreamID: upstreamID, Remaining: remaining}
		}
		expected := b.snapshotLocked()
		b.lastProbeAt = now
		cb.persistLocked(upstreamID, b, expected)
		b.mu.Unlock()
		return nil
	}

	b.mu.Unlock()
	return nil
}

// Admissible is the non-mutating variant of AcquirePermit used by the
// selector's tier filter. It never consumes a probe slot.
func (cb *CircuitBreaker) Admissible(upstreamID string) bool {
	b := cb.get(upstreamID)
	b.mu.Lock()
	defer b.mu.Unlock()

	now := cb.now()
	cfg := cb.config(b)

	switch b.state {
	case StateOpen:
		return now.Sub(b.openedAt) >= cfg.openDuration()
	case StateHalfOpen:
		return now.Sub(b.lastProbeAt) >= cfg.probeInterval()
	}
	return true
}

// RecordSuccess observes a successful response from upstreamID.
// A closed breaker stays untouched (no write amplification); a half-open
// breaker closes once enough consecutive probes succeed.
func (cb *CircuitBreaker) RecordSuccess(upstreamID string) {
	b := cb.get(upstreamID)

	b.mu.Lock()

	if b.state == StateClosed && b.failureCount == 0 {
		b.mu.Unlock()
		return
	}

	expected := b.snapshotLocked()
	transitioned := false

	switch b.state {
	case StateClosed:
		// Success after partial failures resets the consecutive counter.
		b.failureCount = 0
	case StateHalfOpen:
		cfg := cb.config(b)
		b.successCount++
		if b.successCount >= cfg.successThreshold() {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
			b.openedAt = time.Time{}
			transitioned = true
		}
	case StateOpen:
		// A stray success while open (e.g. a long in-flight request finishing
		// after the breaker tripped) does not close the circuit.
	}

	cb.persistLocked(upstreamID, b, expected)
	b.mu.Unlock()
	if transitioned {
		cb.fireTransition(upstreamID, StateClosed)
	}
}

// RecordFailure observes a failed response from upstreamID. errorKind is a
// short category string ("timeout", "http_503", ...) recorded for diagnostics.
func (cb *CircuitBreaker) RecordFailure(upstreamID, errorKind string) {
	b := cb.get(upstreamID)

	b.mu.Lock()

	now := cb.now()
	cfg := cb.config(b)
	expected := b.snapshotLocked()
	var to CircuitState = -1

	b.lastFailureAt = now

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= cfg.failureThreshold() {
			b.state = StateOpen
			b.openedAt = now
			to = StateOpen
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
		b.successCount = 0
		to = StateOpen
	case StateOpen:
		// Already open; only the failure timestamp moves.
	}

	cb.persistLocked(upstreamID, b, expected)
	b.mu.Unlock()
	if to >= 0 {
		cb.fireTransition(upstreamID, to)
	}
	_ = errorKind
}

// ForceOpen trips the breaker immediately (admin operation).
func (cb *CircuitBreaker) ForceOpen(upstreamID string) {
	b := cb.get(upstreamID)
	b.mu.Lock()
	b.state = StateOpen
	b.openedAt = cb.now()
	b.successCount = 0
	if cb.sink != nil {
		cb.sink.Save(upstreamID, b.snapshotLocked())
	}
	b.mu.Unlock()
	cb.fireTransition(upstreamID, StateOpen)
}

// ForceClose resets the breaker to a clean closed state (admin operation).
func (cb *CircuitBreaker) ForceClose(upstreamID string) {
	b := cb.get(upstreamID)
	b.mu.Lock()
	b.state = StateClosed
	b.failureCount = 0
	b.successCount = 0
	b.openedAt = time.Time{}
	b.lastProbeAt = time.Time{}
	if cb.sink != nil {
		cb.sink.Save(upstreamID, b.snapshotLocked())
	}
	b.mu.Unlock()
	cb.fireTransition(upstreamID, StateClosed)
}

// Snapshot returns the current observation for upstreamID.
func (cb *CircuitBreaker) Snapshot(upstreamID string) BreakerSnapshot {
	b := cb.get(upstreamID)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

// State returns the current CircuitState for upstreamID.
func (cb *CircuitBreaker) State(upstreamID string) CircuitState {
	return cb.Snapshot(upstreamID).State
}

// StateLabel returns the wire name of the current state for upstreamID.
func (cb *CircuitBreaker) StateLabel(upstreamID string) string {
	return cb.State(upstreamID).Label()
}

// persistLocked writes the current state through the sink while b.mu is held.
// The in-memory state is authoritative; a rejected conditional write only
// means an external observer saw a newer version.
func (cb *CircuitBreaker) persistLocked(upstreamID string, b *upstreamBreaker, expected BreakerSnapshot) {
	if cb.sink == nil {
		return
	}
	next := b.snapshotLocked()
	if next == expected {
		return
	}
	if !cb.sink.SaveConditional(upstreamID, expected, next) {
		cb.sink.Save(upstreamID, next)
	}
}

func (cb *CircuitBreaker) fireTransition(upstreamID string, to CircuitState) {
	if cb.onTransition != nil {
		cb.onTransition(upstreamID, to)
	}
}
