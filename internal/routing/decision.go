package routing

// Exclusion reasons recorded in a routing decision.
const (
	ReasonCircuitOpen        = "circuit_open"
	ReasonModelNotAllowed    = "model_not_allowed"
	ReasonQuotaExceeded      = "quota_exceeded"
	ReasonExcludedByFailover = "excluded_by_failover"
)

// CandidateRecord is one considered upstream in a routing decision.
type CandidateRecord struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Weight       int    `json:"weight"`
	CircuitState string `json:"circuit_state"`
}

// ExclusionRecord is one filtered-out upstream with the reason it was dropped.
type ExclusionRecord struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Decision is the routing-decision record produced once per request and
// consumed by the request log. Immutable once emitted to the logger.
type Decision struct {
	OriginalModel        string       `json:"original_model"`
	ResolvedModel        string       `json:"resolved_model"`
	ModelRedirectApplied bool         `json:"model_redirect_applied"`
	ProviderType         ProviderType `json:"provider_type"`

	SelectedUpstreamID   string `json:"selected_upstream_id"`
	SelectedUpstreamName string `json:"selected_upstream_name,omitempty"`
	SelectedTier         int    `json:"selected_tier"`

	CandidateCount      int               `json:"candidate_count"`
	FinalCandidateCount int               `json:"final_candidate_count"`
	Candidates          []CandidateRecord `json:"candidates"`
	Excluded            []ExclusionRecord `json:"excluded"`

	TiersExhausted int `json:"tiers_exhausted"`

	AffinityHit      bool    `json:"affinity_hit"`
	AffinityMigrated bool    `json:"affinity_migrated"`
	SessionID        *string `json:"session_id"`
}

// exclusionCounts aggregates the excluded list per reason, for the 503 body
// and for metrics.
func (d *Decision) exclusionCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range d.Excluded {
		counts[e.Reason]++
	}
	return counts
}
