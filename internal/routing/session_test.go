package routing

import (
	"strings"
	"testing"
)

func headerMap(m map[string]string) HeaderFunc {
	return func(name string) string { return m[name] }
}

func TestExtractSessionID_AnthropicMetadata(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-20250514",
		"metadata": {"user_id": "user_abc123_session_3b241101-e2bb-4255-8caf-4136c566a964"}
	}`)

	id, source := ExtractSessionID(CapAnthropicMessages, nil, body)
	if id != "3b241101-e2bb-4255-8caf-4136c566a964" {
		t.Errorf("expected the embedded uuid, got %q", id)
	}
	if source != SessionSourceBody {
		t.Errorf("anthropic session ids come from the body, got %q", source)
	}
}

func TestExtractSessionID_AnthropicCaseAndPrefix(t *testing.T) {
	// Uppercase marker and hex are accepted; the id is lowercased.
	body := []byte(`{"metadata":{"user_id":"SESSION_3B241101-E2BB-4255-8CAF-4136C566A964"}}`)
	id, _ := ExtractSessionID(CapAnthropicMessages, nil, body)
	if id != "3b241101-e2bb-4255-8caf-4136c566a964" {
		t.Errorf("expected lowercased uuid, got %q", id)
	}

	// "_session_" must be a token boundary, not a substring of another word.
	body = []byte(`{"metadata":{"user_id":"mysession_3b241101-e2bb-4255-8caf-4136c566a964"}}`)
	if id, _ := ExtractSessionID(CapAnthropicMessages, nil, body); id != "" {
		t.Errorf("marker inside another token should not match, got %q", id)
	}
}

func TestExtractSessionID_AnthropicAbsent(t *testing.T) {
	cases := []string{
		`{}`,
		`{"metadata":{}}`,
		`{"metadata":{"user_id":"user_abc123"}}`,
		`{"metadata":{"user_id":42}}`,
		`{"metadata":{"user_id":"session_notauuid"}}`,
		`not json at all`,
	}
	for _, body := range cases {
		if id, src := ExtractSessionID(CapAnthropicMessages, nil, []byte(body)); id != "" || src != "" {
			t.Errorf("body %q should yield no session id, got (%q, %q)", body, id, src)
		}
	}
}

func TestExtractSessionID_OpenAIHeaderOrder(t *testing.T) {
	h := headerMap(map[string]string{
		"x-session-id": "from-x",
		"session_id":   "from-underscore",
	})

	id, source := ExtractSessionID(CapOpenAIChatCompatible, h, nil)
	if id != "from-underscore" {
		t.Errorf("session_id outranks x-session-id, got %q", id)
	}
	if source != SessionSourceHeader {
		t.Errorf("expected header source, got %q", source)
	}
}

func TestExtractSessionID_OpenAIHeaderBeforeBody(t *testing.T) {
	h := headerMap(map[string]string{"x-session-id": "header-wins"})
	body := []byte(`{"prompt_cache_key": "body-loses"}`)

	id, _ := ExtractSessionID(CapOpenAIChatCompatible, h, body)
	if id != "header-wins" {
		t.Errorf("headers are checked before body paths, got %q", id)
	}
}

func TestExtractSessionID_OpenAIBodyPaths(t *testing.T) {
	cases := []struct {
		body string
		want string
	}{
		{`{"prompt_cache_key":"pck-1","metadata":{"session_id":"meta-1"}}`, "pck-1"},
		{`{"metadata":{"session_id":"meta-1"},"previous_response_id":"resp-1"}`, "meta-1"},
		{`{"previous_response_id":"resp-1"}`, "resp-1"},
		{`{"prompt_cache_key":"  padded  "}`, "padded"},
		{`{"prompt_cache_key":""}`, ""},
		{`{"prompt_cache_key":7}`, ""},
		{`{}`, ""},
	}

	for _, tc := range cases {
		id, _ := ExtractSessionID(CapCodexResponses, nil, []byte(tc.body))
		if id != tc.want {
			t.Errorf("body %s: expected %q, got %q", tc.body, tc.want, id)
		}
	}
}

func TestExtractSessionID_RejectsOverlongID(t *testing.T) {
	long := strings.Repeat("a", 129)
	h := headerMap(map[string]string{"session_id": long})

	if id, _ := ExtractSessionID(CapOpenAIChatCompatible, h, nil); id != "" {
		t.Error("identifiers longer than the bound should be rejected, not truncated")
	}

	ok := strings.Repeat("a", 128)
	h = headerMap(map[string]string{"session_id": ok})
	if id, _ := ExtractSessionID(CapOpenAIChatCompatible, h, nil); id != ok {
		t.Error("identifiers at the bound should be accepted")
	}
}

func TestExtractSessionID_GeminiHasNoConvention(t *testing.T) {
	h := headerMap(map[string]string{"session_id": "s-1"})
	body := []byte(`{"prompt_cache_key":"pck"}`)

	if id, src := ExtractSessionID(CapGeminiNativeGenerate, h, body); id != "" || src != "" {
		t.Errorf("gemini routes carry no session convention, got (%q, %q)", id, src)
	}
}
