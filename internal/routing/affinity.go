package routing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Affinity store defaults. All overridable via AffinityConfig.
const (
	DefaultSlidingTTL      = 5 * time.Minute
	DefaultMaxTTL          = 30 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultAffinityCap     = 10_000
)

// AffinityConfig tunes the session affinity store. Zero values fall back to
// the package defaults.
type AffinityConfig struct {
	// SlidingTTL expires an entry that has not been accessed recently. Default: 5m.
	SlidingTTL time.Duration
	// MaxTTL expires an entry regardless of access, bounding how long a
	// session can stay pinned. Default: 30m.
	MaxTTL time.Duration
	// CleanupInterval is the period of the background reap sweep. Default: 1m.
	CleanupInterval time.Duration
	// Capacity is the maximum number of entries; the least-recently-accessed
	// entry is evicted on overflow. Default: 10000.
	Capacity int
}

func (c AffinityConfig) slidingTTL() time.Duration {
	if c.SlidingTTL > 0 {
		return c.SlidingTTL
	}
	return DefaultSlidingTTL
}

func (c AffinityConfig) maxTTL() time.Duration {
	if c.MaxTTL > 0 {
		return c.MaxTTL
	}
	return DefaultMaxTTL
}

func (c AffinityConfig) cleanupInterval() time.Duration {
	if c.CleanupInterval > 0 {
		return c.CleanupInterval
	}
	return DefaultCleanupInterval
}

func (c AffinityConfig) capacity() int {
	if c.Capacity > 0 {
		return c.Capacity
	}
	return DefaultAffinityCap
}

// AffinityEntry is a cached binding of one client session to one upstream,
// kept so consecutive requests of a conversation land on the same instance
// and reuse its prompt cache.
type AffinityEntry struct {
	UpstreamID     string
	CreatedAt      time.Time // absolute birth; never refreshed
	LastAccessedAt time.Time // sliding window; refreshed on every touch
	ContentLength  int64     // request size that created/refreshed the binding
	InputTokens    int64     // cumulative input tokens across the session
}

// AffinityKey derives the map key for one (api key, scope, session) tuple.
// SHA-256 is used as an opaque collision-resistant identifier; no further
// security property is required.
func AffinityKey(apiKeyID, scope, sessionID string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%s", apiKeyID, scope, sessionID)))
	return hex.EncodeToString(sum[:])
}

// AffinityStore is the in-process session affinity map.
//
// All operations are serialized under a single mutex; the cleanup sweep holds
// it only for one O(entries) pass. State is per-gateway-instance — a
// multi-instance deployment would externalize this behind the same interface.
type AffinityStore struct {
	mu      sync.Mutex
	entries map[string]*AffinityEntry

	cfg  AffinityConfig
	done chan struct{}
	wg   sync.WaitGroup

	now func() time.Time
}

// NewAffinityStore creates the store and starts the background reap sweep.
// The sweep stops when ctx is cancelled or Close is called.
func NewAffinityStore(ctx context.Context, cfg AffinityConfig) *AffinityStore {
	s := &AffinityStore{
		entries: make(map[string]*AffinityEntry),
		cfg:     cfg,
		done:    make(chan struct{}),
		now:     time.Now,
	}
	s.wg.Add(1)
	go s.sweep(ctx)
	return s
}

// Get returns the entry bound to the tuple, refreshing its sliding window.
// Expired entries are treated as absent and removed lazily.
func (s *AffinityStore) Get(apiKeyID, scope, sessionID string) (AffinityEntry, bool) {
	key := AffinityKey(apiKeyID, scope, sessionID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return AffinityEntry{}, false
	}
	if s.expiredLocked(e, now) {
		delete(s.entries, key)
		return AffinityEntry{}, false
	}

	e.LastAccessedAt = now
	return *e, true
}

// Set binds the tuple to upstreamID. When the key already exists the entry's
// birth time and cumulative token count are preserved; only the binding,
// content length, and sliding window move.
func (s *AffinityStore) Set(apiKeyID, scope, sessionID, upstreamID string, contentLength int64) {
	key := AffinityKey(apiKeyID, scope, sessionID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries[key]; ok && !s.expiredLocked(e, now) {
		e.UpstreamID = upstreamID
		e.ContentLength = contentLength
		e.LastAccessedAt = now
		return
	}

	s.entries[key] = &AffinityEntry{
		UpstreamID:     upstreamID,
		CreatedAt:      now,
		LastAccessedAt: now,
		ContentLength:  contentLength,
	}

	if len(s.entries) > s.cfg.capacity() {
		s.evictOldestLocked()
	}
}

// AddInputTokens adds n to the session's cumulative input-token count and
// refreshes the sliding window. A missing or expired entry is a no-op.
func (s *AffinityStore) AddInputTokens(apiKeyID, scope, sessionID string, n int64) {
	if n <= 0 {
		return
	}
	key := AffinityKey(apiKeyID, scope, sessionID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || s.expiredLocked(e, now) {
		return
	}
	e.InputTokens += n
	e.LastAccessedAt = now
}

// Len returns the number of entries currently held (including entries that
// may have expired but not yet been reaped).
func (s *AffinityStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close stops the background sweep goroutine.
func (s *AffinityStore) Close() {
	close(s.done)
	s.wg.Wait()
}

func (s *AffinityStore) expiredLocked(e *AffinityEntry, now time.Time) bool {
	return now.Sub(e.LastAccessedAt) > s.cfg.slidingTTL() ||
		now.Sub(e.CreatedAt) > s.cfg.maxTTL()
}

// evictOldestLocked removes the entry with the smallest LastAccessedAt.
func (s *AffinityStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	for k, e := range s.entries {
		if oldestKey == "" || e.LastAccessedAt.Before(oldest) {
			oldestKey = k
			oldest = e.LastAccessedAt
		}
	}
	if oldestKey != "" {
		delete(s.entries, oldestKey)
	}
}

func (s *AffinityStore) sweep(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.cleanupInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reapExpired()
		case <-ctx.Done():
			return
		case <-s.done:
			return
		}
	}
}

func (s *AffinityStore) reapExpired() {
	now := s.now()
	s.mu.Lock()
	for k, e := range s.entries {
		if s.expiredLocked(e, now) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// EvaluateMigration decides whether a session currently bound to current
// should be re-bound to a higher-rank candidate. Migration is only attempted
// while the session is still small enough that re-establishing the prompt
// cache on the better tier is cheap.
//
// Returns nil when no candidate qualifies. A migration target always has a
// strictly lower priority value (higher rank) than current.
func EvaluateMigration(current *Upstream, candidates []*Upstream, contentLength, cumulativeTokens int64) *Upstream {
	var best *Upstream
	for _, c := range candidates {
		if c.Priority >= current.Priority {
			continue
		}
		if c.Migration == nil || !c.Migration.Enabled {
			continue
		}
		if best == nil || c.Priority < best.Priority {
			best = c
		}
	}
	if best == nil {
		return nil
	}

	switch best.Migration.Metric {
	case MigrateByTokens:
		if cumulativeTokens < best.Migration.Threshold {
			return best
		}
	case MigrateByLength:
		if contentLength > 0 && contentLength < best.Migration.Threshold {
			return best
		}
	}
	return nil
}
