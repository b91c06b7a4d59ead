package routing

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func TestNormalizeCapabilities(t *testing.T) {
	got := NormalizeCapabilities([]string{
		"codex_responses",
		"  anthropic_messages  ", // whitespace trimmed
		"openai_chat_compatible",
		"anthropic_messages", // duplicate collapses
		"totally_unknown",    // dropped
		"",
	})

	want := []Capability{CapAnthropicMessages, CapOpenAIChatCompatible, CapCodexResponses}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestNormalizeCapabilities_Idempotent(t *testing.T) {
	raw := []string{"gemini_native_generate", "openai_extended", "anthropic_messages"}
	once := NormalizeCapabilities(raw)

	again := make([]string, len(once))
	for i, c := range once {
		again[i] = string(c)
	}
	twice := NormalizeCapabilities(again)

	if !capabilitiesEqual(once, twice) {
		t.Errorf("normalization must be idempotent: %v vs %v", once, twice)
	}
}

func TestNormalizeCapabilities_Empty(t *testing.T) {
	if got := NormalizeCapabilities(nil); len(got) != 0 {
		t.Errorf("nil input should normalize to empty, got %v", got)
	}
	if got := NormalizeCapabilities([]string{"bogus"}); len(got) != 0 {
		t.Errorf("all-unknown input should normalize to empty, got %v", got)
	}
}

// reconStore is a CapabilityStore double that counts calls.
type reconStore struct {
	mu      sync.Mutex
	ups     []*Upstream
	listErr error
	lists   int
	updates map[string][]Capability
}

func (s *reconStore) ListUpstreams(_ context.Context) ([]*Upstream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists++
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]*Upstream, len(s.ups))
	for i, u := range s.ups {
		out[i] = u.Clone()
	}
	return out, nil
}

func (s *reconStore) UpdateRouteCapabilities(_ context.Context, id string, caps []Capability) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updates == nil {
		s.updates = make(map[string][]Capability)
	}
	s.updates[id] = caps
	return nil
}

func TestCapabilityReconciler_NormalizesDirtyEntries(t *testing.T) {
	dirty := testUpstream("dirty", 100, 1)
	dirty.Capabilities = []Capability{CapCodexResponses, CapAnthropicMessages, "junk"}
	clean := testUpstream("clean", 100, 1)
	clean.Capabilities = []Capability{CapAnthropicMessages}

	store := &reconStore{ups: []*Upstream{dirty, clean}}
	r := NewCapabilityReconciler(store, nil)

	if err := r.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	got, ok := store.updates["dirty"]
	if !ok {
		t.Fatal("dirty entry should have been rewritten")
	}
	want := []Capability{CapAnthropicMessages, CapCodexResponses}
	if !capabilitiesEqual(got, want) {
		t.Errorf("expected canonical %v, got %v", want, got)
	}
	if _, ok := store.updates["clean"]; ok {
		t.Error("already-canonical entry must not be rewritten")
	}
}

func TestCapabilityReconciler_RunsOnce(t *testing.T) {
	store := &reconStore{ups: []*Upstream{testUpstream("u", 100, 1)}}
	r := NewCapabilityReconciler(store, nil)

	for i := 0; i < 5; i++ {
		if err := r.Run(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.lists != 1 {
		t.Errorf("reconciliation should scan the catalog exactly once, got %d scans", store.lists)
	}
}

func TestCapabilityReconciler_RetriesAfterFailure(t *testing.T) {
	store := &reconStore{listErr: errors.New("catalog unavailable")}
	r := NewCapabilityReconciler(store, nil)

	if err := r.Run(context.Background()); err == nil {
		t.Fatal("failed scan should surface an error")
	}

	// Recover the store; the next trigger retries.
	store.mu.Lock()
	store.listErr = nil
	store.mu.Unlock()

	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("retry after recovery should succeed, got %v", err)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.lists != 2 {
		t.Errorf("expected 2 scans (failure + retry), got %d", store.lists)
	}
}

func TestCapabilityReconciler_ConcurrentTriggers(t *testing.T) {
	store := &reconStore{ups: []*Upstream{testUpstream("u", 100, 1)}}
	r := NewCapabilityReconciler(store, nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.Run(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	if store.lists != 1 {
		t.Errorf("concurrent triggers should collapse into one scan, got %d", store.lists)
	}
}
