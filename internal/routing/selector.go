package routing

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
)

// Latency penalty defaults: a candidate's weight is scaled by
// max(0.1, 1 − min(latency_ms/denominator, cap)). Latency biases the draw
// toward faster replicas within a tier; it never excludes a candidate.
const (
	DefaultLatencyPenaltyDenomMS = 500
	DefaultLatencyPenaltyCap     = 0.5
	minLatencyScore              = 0.1
)

// UpstreamCatalog is the store surface the selector queries. Implementations
// return active upstreams only, as copies captured at query time, each joined
// with the last measured latency.
type UpstreamCatalog interface {
	FindByProviderType(ctx context.Context, pt ProviderType) ([]Candidate, error)
}

// QuotaTracker answers whether an upstream's spending quota is exhausted.
// Upstreams without a quota policy are never passed to it.
type QuotaTracker interface {
	Exceeded(ctx context.Context, u *Upstream) bool
}

// ErrNoAuthorizedUpstream is returned when the API key's allow-list leaves no
// candidate for the requested provider type. Maps to 403 at the transport.
var ErrNoAuthorizedUpstream = errors.New("routing: no authorized upstream for provider type")

// NoHealthyUpstreamError is returned when the candidate set is empty or every
// priority tier exhausts. Reasons carries per-exclusion-reason counts for the
// structured 503 body.
type NoHealthyUpstreamError struct {
	ProviderType ProviderType
	Reason       string // "no_candidates" | "tiers_exhausted"
	Reasons      map[string]int
}

func (e *NoHealthyUpstreamError) Error() string {
	return fmt.Sprintf("routing: no healthy upstream for provider type %q (%s)", e.ProviderType, e.Reason)
}

// AffinityContext carries the session identity of a request. Selection only
// consults affinity when the context is complete.
type AffinityContext struct {
	APIKeyID      string
	SessionID     string
	Scope         string // route capability the session is pinned under
	ContentLength int64
}

func (a *AffinityContext) complete() bool {
	return a != nil && a.APIKeyID != "" && a.SessionID != "" && a.Scope != ""
}

// SelectionInput describes one routing request.
type SelectionInput struct {
	ProviderType ProviderType

	// Model is the requested model, used for per-upstream allow-list
	// filtering. Empty skips the filter.
	Model string

	// ExcludeIDs removes upstreams that already failed this request (failover).
	ExcludeIDs []string

	// AllowedUpstreamIDs, when non-empty, restricts candidates to the API
	// key's authorized set.
	AllowedUpstreamIDs []string

	Affinity *AffinityContext
}

// SelectionCounters summarizes how the candidate set was narrowed.
type SelectionCounters struct {
	CandidatesConsidered int
	CircuitFiltered      int
	QuotaFiltered        int
	ExclusionFiltered    int
}

// SelectedUpstream is the outcome of one selection.
type SelectedUpstream struct {
	Upstream *Upstream
	Tier     int

	Counters         SelectionCounters
	AffinityHit      bool
	AffinityMigrated bool

	// Decision is the routing-decision record for the request log. The
	// transport fills in the resolved model before emitting it.
	Decision *Decision
}

// SelectorConfig tunes the latency penalty. Zero values use the defaults.
type SelectorConfig struct {
	LatencyPenaltyDenomMS int64
	LatencyPenaltyCap     float64
}

func (c SelectorConfig) denomMS() float64 {
	if c.LatencyPenaltyDenomMS > 0 {
		return float64(c.LatencyPenaltyDenomMS)
	}
	return DefaultLatencyPenaltyDenomMS
}

func (c SelectorConfig) penaltyCap() float64 {
	if c.LatencyPenaltyCap > 0 {
		return c.LatencyPenaltyCap
	}
	return DefaultLatencyPenaltyCap
}

// SelectorOptions holds the selector's optional collaborators.
type SelectorOptions struct {
	// Affinity enables session affinity. Nil disables it.
	Affinity *AffinityStore

	// Quota enables spending-quota filtering. Nil disables it.
	Quota QuotaTracker

	Config SelectorConfig

	// Rand overrides the random source for the weighted draw. Tests inject a
	// seeded source for deterministic distribution assertions.
	Rand *rand.Rand
}

// Selector picks one upstream per request: candidates are grouped into
// priority tiers, filtered by circuit/quota/failover state, and drawn by
// weighted random within the best non-empty tier. Session affinity, when a
// complete context is supplied, short-circuits tiered selection.
type Selector struct {
	catalog  UpstreamCatalog
	breaker  *CircuitBreaker
	affinity *AffinityStore
	quota    QuotaTracker
	cfg      SelectorConfig

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSelector creates a Selector. catalog and breaker are required.
func NewSelector(catalog UpstreamCatalog, breaker *CircuitBreaker, opts SelectorOptions) *Selector {
	return &Selector{
		catalog:  catalog,
		breaker:  breaker,
		affinity: opts.Affinity,
		quota:    opts.Quota,
		cfg:      opts.Config,
		rng:      opts.Rand,
	}
}

// Select runs the routing algorithm for one request.
//
// Errors: ErrNoAuthorizedUpstream when the allow-list intersection is empty;
// *NoHealthyUpstreamError when no candidate exists or every tier exhausts.
// *CircuitOpenError never escapes: it is converted into exclusions.
func (s *Selector) Select(ctx context.Context, input SelectionInput) (*SelectedUpstream, error) {
	cands, err := s.catalog.FindByProviderType(ctx, input.ProviderType)
	if err != nil {
		return nil, fmt.Errorf("selector: catalog query: %w", err)
	}

	d := &Decision{
		OriginalModel:  input.Model,
		ResolvedModel:  input.Model,
		ProviderType:   input.ProviderType,
		CandidateCount: len(cands),
		Candidates:     make([]CandidateRecord, 0, len(cands)),
	}
	if input.Affinity != nil && input.Affinity.SessionID != "" {
		sid := input.Affinity.SessionID
		d.SessionID = &sid
	}
	for _, c := range cands {
		d.Candidates = append(d.Candidates, CandidateRecord{
			ID:           c.Upstream.ID,
			Name:         c.Upstream.Name,
			Weight:       c.Upstream.Weight,
			CircuitState: s.breaker.StateLabel(c.Upstream.ID),
		})
	}

	counters := SelectionCounters{CandidatesConsidered: len(cands)}

	if len(input.AllowedUpstreamIDs) > 0 {
		allowed := make(map[string]bool, len(input.AllowedUpstreamIDs))
		for _, id := range input.AllowedUpstreamIDs {
			allowed[id] = true
		}
		kept := cands[:0]
		for _, c := range cands {
			if allowed[c.Upstream.ID] {
				kept = append(kept, c)
			}
		}
		cands = kept
		if len(cands) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoAuthorizedUpstream, input.ProviderType)
		}
	}

	if input.Model != "" {
		kept := cands[:0]
		for _, c := range cands {
			if !c.Upstream.AllowsModel(input.Model) {
				d.Excluded = append(d.Excluded, ExclusionRecord{
					ID: c.Upstream.ID, Name: c.Upstream.Name, Reason: ReasonModelNotAllowed,
				})
				continue
			}
			kept = append(kept, c)
		}
		cands = kept
	}

	d.FinalCandidateCount = len(cands)

	if len(cands) == 0 {
		return nil, &NoHealthyUpstreamError{
			ProviderType: input.ProviderType,
			Reason:       "no_candidates",
			Reasons:      d.exclusionCounts(),
		}
	}

	bindNew := false
	if input.Affinity.complete() && s.affinity != nil {
		sel, bound := s.selectByAffinity(cands, input, d, &counters)
		if sel != nil {
			return sel, nil
		}
		bindNew = !bound
	}

	sel, err := s.selectTiered(ctx, cands, input, d, counters)
	if err != nil {
		return nil, err
	}
	if bindNew {
		// First request of the session: bind it to the tiered pick so
		// subsequent requests stick. The fallback from an existing binding
		// (excluded, deactivated, or circuit-rejected) never rebinds.
		aff := input.Affinity
		s.affinity.Set(aff.APIKeyID, aff.Scope, aff.SessionID, sel.Upstream.ID, aff.ContentLength)
	}
	return sel, nil
}

// selectByAffinity attempts the affinity short-circuit. A nil selection means
// the request must fall back to tiered selection; the bool reports whether an
// entry existed, since falling back from a live binding must not mutate it.
func (s *Selector) selectByAffinity(cands []Candidate, input SelectionInput, d *Decision, counters *SelectionCounters) (*SelectedUpstream, bool) {
	aff := input.Affinity
	entry, ok := s.affinity.Get(aff.APIKeyID, aff.Scope, aff.SessionID)
	if !ok {
		return nil, false
	}

	excluded := make(map[string]bool, len(input.ExcludeIDs))
	for _, id := range input.ExcludeIDs {
		excluded[id] = true
	}
	if excluded[entry.UpstreamID] {
		// The binding already failed this request; failover re-selection must
		// not return it again.
		return nil, true
	}

	var bound *Upstream
	for _, c := range cands {
		if c.Upstream.ID == entry.UpstreamID {
			bound = c.Upstream
			break
		}
	}
	if bound == nil {
		// Bound upstream deactivated or removed since binding; treat the
		// entry as unavailable without deleting it.
		return nil, true
	}

	// Speculative permit on the bound upstream before any other check.
	if err := s.breaker.AcquirePermit(bound.ID); err != nil {
		return nil, true
	}

	pool := make([]*Upstream, 0, len(cands))
	for _, c := range cands {
		if !excluded[c.Upstream.ID] {
			pool = append(pool, c.Upstream)
		}
	}

	if target := EvaluateMigration(bound, pool, aff.ContentLength, entry.InputTokens); target != nil {
		if err := s.breaker.AcquirePermit(target.ID); err == nil {
			s.affinity.Set(aff.APIKeyID, aff.Scope, aff.SessionID, target.ID, aff.ContentLength)
			d.SelectedUpstreamID = target.ID
			d.SelectedUpstreamName = target.Name
			d.SelectedTier = target.Priority
			d.AffinityHit = true
			d.AffinityMigrated = true
			return &SelectedUpstream{
				Upstream:         target,
				Tier:             target.Priority,
				Counters:         *counters,
				AffinityHit:      true,
				AffinityMigrated: true,
				Decision:         d,
			}, true
		}
		// Target circuit rejected the migration probe; stay on the binding.
	}

	d.SelectedUpstreamID = bound.ID
	d.SelectedUpstreamName = bound.Name
	d.SelectedTier = bound.Priority
	d.AffinityHit = true
	return &SelectedUpstream{
		Upstream:    bound,
		Tier:        bound.Priority,
		Counters:    *counters,
		AffinityHit: true,
		Decision:    d,
	}, true
}

func (s *Selector) selectTiered(ctx context.Context, cands []Candidate, input SelectionInput, d *Decision, counters SelectionCounters) (*SelectedUpstream, error) {
	exclude := make(map[string]bool, len(input.ExcludeIDs))
	for _, id := range input.ExcludeIDs {
		exclude[id] = true
	}

	byPriority := make(map[int][]Candidate)
	for _, c := range cands {
		byPriority[c.Upstream.Priority] = append(byPriority[c.Upstream.Priority], c)
	}
	priorities := make([]int, 0, len(byPriority))
	for p := range byPriority {
		priorities = append(priorities, p)
	}
	sort.Ints(priorities)

	for _, priority := range priorities {
		tier := byPriority[priority]

		remaining := make([]Candidate, 0, len(tier))
		for _, c := range tier {
			u := c.Upstream
			switch {
			case !s.breaker.Admissible(u.ID):
				counters.CircuitFiltered++
				d.Excluded = append(d.Excluded, ExclusionRecord{ID: u.ID, Name: u.Name, Reason: ReasonCircuitOpen})
			case u.Quota != nil && s.quota != nil && s.quota.Exceeded(ctx, u):
				counters.QuotaFiltered++
				d.Excluded = append(d.Excluded, ExclusionRecord{ID: u.ID, Name: u.Name, Reason: ReasonQuotaExceeded})
			case exclude[u.ID]:
				counters.ExclusionFiltered++
				d.Excluded = append(d.Excluded, ExclusionRecord{ID: u.ID, Name: u.Name, Reason: ReasonExcludedByFailover})
			default:
				remaining = append(remaining, c)
			}
		}

		// Retry the weighted draw within the tier, removing each candidate
		// whose permit is rejected; the loop is bounded by the tier size.
		for len(remaining) > 0 {
			i := s.pickWeighted(remaining)
			chosen := remaining[i].Upstream

			if err := s.breaker.AcquirePermit(chosen.ID); err != nil {
				var co *CircuitOpenError
				if !errors.As(err, &co) {
					return nil, fmt.Errorf("selector: acquire permit: %w", err)
				}
				counters.CircuitFiltered++
				d.Excluded = append(d.Excluded, ExclusionRecord{ID: chosen.ID, Name: chosen.Name, Reason: ReasonCircuitOpen})
				remaining = append(remaining[:i], remaining[i+1:]...)
				continue
			}

			d.SelectedUpstreamID = chosen.ID
			d.SelectedUpstreamName = chosen.Name
			d.SelectedTier = priority
			return &SelectedUpstream{
				Upstream: chosen,
				Tier:     priority,
				Counters: counters,
				Decision: d,
			}, nil
		}

		d.TiersExhausted++
	}

	return nil, &NoHealthyUpstreamError{
		ProviderType: input.ProviderType,
		Reason:       "tiers_exhausted",
		Reasons:      d.exclusionCounts(),
	}
}

// latencyScore clamps into [0.1, 1.0]; unknown latency (< 0) scores 1.0.
func (s *Selector) latencyScore(latencyMS int64) float64 {
	if latencyMS < 0 {
		return 1.0
	}
	penalty := float64(latencyMS) / s.cfg.denomMS()
	if c := s.cfg.penaltyCap(); penalty > c {
		penalty = c
	}
	score := 1.0 - penalty
	if score < minLatencyScore {
		score = minLatencyScore
	}
	return score
}

// pickWeighted draws one index from tier, weighting each candidate by
// weight × latency score. An all-zero tier degenerates to uniform.
func (s *Selector) pickWeighted(tier []Candidate) int {
	if len(tier) == 1 {
		return 0
	}

	effective := make([]float64, len(tier))
	total := 0.0
	for i, c := range tier {
		effective[i] = float64(c.Upstream.Weight) * s.latencyScore(c.LatencyMS)
		total += effective[i]
	}

	if total <= 0 {
		return s.randIntN(len(tier))
	}

	draw := s.randFloat64() * total
	acc := 0.0
	for i, e := range effective {
		acc += e
		if draw < acc {
			return i
		}
	}
	return len(tier) - 1
}

func (s *Selector) randIntN(n int) int {
	if s.rng == nil {
		return rand.IntN(n)
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.IntN(n)
}

func (s *Selector) randFloat64() float64 {
	if s.rng == nil {
		return rand.Float64()
	}
	s.rngMu.Lock()
	defer s.rngMu.Unlock()
	return s.rng.Float64()
}
