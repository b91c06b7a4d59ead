package routing

import (
	"errors"
	"testing"
)

func TestProviderTypeFor(t *testing.T) {
	cases := []struct {
		model string
		want  ProviderType
		ok    bool
	}{
		{"claude-sonnet-4-20250514", ProviderAnthropic, true},
		{"gpt-4o-mini", ProviderOpenAI, true},
		{"gemini-2.0-flash", ProviderGoogle, true},
		{"CLAUDE-OPUS-4", ProviderAnthropic, true}, // case-insensitive
		{"  gpt-4o  ", ProviderOpenAI, true},       // surrounding whitespace
		{"llama-3-70b", "", false},
		{"", "", false},
		{"claude", "", false}, // prefix requires the trailing dash
	}

	for _, tc := range cases {
		got, ok := ProviderTypeFor(tc.model)
		if ok != tc.ok || got != tc.want {
			t.Errorf("ProviderTypeFor(%q) = (%q, %v), want (%q, %v)", tc.model, got, ok, tc.want, tc.ok)
		}
	}
}

func TestValidateRedirects(t *testing.T) {
	if err := ValidateRedirects(nil); err != nil {
		t.Errorf("nil map should be valid, got %v", err)
	}
	if err := ValidateRedirects(map[string]string{
		"gpt-4":   "gpt-4o",
		"gpt-4o":  "gpt-4o-2024-11-20",
		"gpt-3.5": "gpt-4o",
	}); err != nil {
		t.Errorf("acyclic chain should be valid, got %v", err)
	}
}

func TestValidateRedirects_SelfLoop(t *testing.T) {
	err := ValidateRedirects(map[string]string{"gpt-4": "gpt-4"})
	var cErr *CircularRedirectError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected CircularRedirectError, got %v", err)
	}
	if cErr.At != "gpt-4" {
		t.Errorf("error should name the revisited node, got %q", cErr.At)
	}
}

func TestValidateRedirects_Cycle(t *testing.T) {
	err := ValidateRedirects(map[string]string{
		"a": "b",
		"b": "c",
		"c": "a",
	})
	if err == nil {
		t.Fatal("three-node cycle should be rejected")
	}
	var cErr *CircularRedirectError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected CircularRedirectError, got %T", err)
	}
}

func TestResolveModel(t *testing.T) {
	redirects := map[string]string{
		"gpt-4":  "gpt-4o",
		"gpt-4o": "gpt-4o-2024-11-20",
	}

	got, hopped := ResolveModel("gpt-4", redirects)
	if got != "gpt-4o-2024-11-20" || !hopped {
		t.Errorf("expected full chain resolution, got (%q, %v)", got, hopped)
	}

	got, hopped = ResolveModel("claude-opus-4", redirects)
	if got != "claude-opus-4" || hopped {
		t.Errorf("unmapped model should pass through unchanged, got (%q, %v)", got, hopped)
	}

	got, hopped = ResolveModel("gpt-4", nil)
	if got != "gpt-4" || hopped {
		t.Errorf("nil map should be a no-op, got (%q, %v)", got, hopped)
	}
}

func TestResolveModel_DepthBound(t *testing.T) {
	// A chain longer than the hop bound stops at the bound instead of
	// walking forever. Such maps are rejected at admin time; this guards
	// the resolve path anyway.
	redirects := map[string]string{}
	for i := 0; i < 20; i++ {
		redirects[modelName(i)] = modelName(i + 1)
	}

	got, hopped := ResolveModel(modelName(0), redirects)
	if !hopped {
		t.Fatal("chain should have hopped")
	}
	if got != modelName(maxRedirectDepth) {
		t.Errorf("resolution should stop after %d hops, got %q", maxRedirectDepth, got)
	}
}

func modelName(i int) string {
	return string(rune('a'+i/10)) + string(rune('0'+i%10))
}
