package routing

import (
	"fmt"
	"strings"
)

// providerPrefixes maps well-known model name prefixes to provider types.
// The table is deliberately small: anything that doesn't match must be routed
// by explicit configuration, not guessed.
var providerPrefixes = []struct {
	prefix string
	pt     ProviderType
}{
	{"claude-", ProviderAnthropic},
	{"gpt-", ProviderOpenAI},
	{"gemini-", ProviderGoogle},
}

// ProviderTypeFor resolves a model name to its provider type by
// case-insensitive prefix match. ok is false when no prefix matches.
func ProviderTypeFor(model string) (ProviderType, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, p := range providerPrefixes {
		if strings.HasPrefix(m, p.prefix) {
			return p.pt, true
		}
	}
	return "", false
}

// maxRedirectDepth bounds redirect chains at resolve time. Cycles are
// rejected at admin time, so the bound only guards against very long chains.
const maxRedirectDepth = 10

// CircularRedirectError reports a redirect map whose chain starting at Start
// revisits a node. Returned by ValidateRedirects on the admin path only.
type CircularRedirectError struct {
	Start string
	At    string
}

func (e *CircularRedirectError) Error() string {
	return fmt.Sprintf("circular model redirect: chain starting at %q revisits %q", e.Start, e.At)
}

// ValidateRedirects rejects any redirect map containing a cycle, including
// self-loops. Each key is walked with its own visited set; depth is unbounded
// here because cycles, not long chains, are the failure mode.
func ValidateRedirects(redirects map[string]string) error {
	for start := range redirects {
		visited := map[string]bool{start: true}
		cur := start
		for {
			next, ok := redirects[cur]
			if !ok {
				break
			}
			if visited[next] {
				return &CircularRedirectError{Start: start, At: next}
			}
			visited[next] = true
			cur = next
		}
	}
	return nil
}

// ResolveModel follows redirects from model for at most maxRedirectDepth hops.
// Returns the final model name and whether at least one hop occurred.
// Resolution is idempotent for any validated map.
func ResolveModel(model string, redirects map[string]string) (string, bool) {
	cur := model
	hopped := false
	for i := 0; i < maxRedirectDepth; i++ {
		next, ok := redirects[cur]
		if !ok {
			break
		}
		cur = next
		hopped = true
	}
	return cur, hopped
}
