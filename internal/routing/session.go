package routing

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Session id extraction sources.
const (
	SessionSourceHeader = "header"
	SessionSourceBody   = "body"
)

// maxSessionIDLen bounds accepted session identifiers. Longer values are
// rejected rather than truncated so a malformed client cannot split one
// logical session across bindings.
const maxSessionIDLen = 128

// anthropicSessionRe matches the session UUID embedded in Anthropic's
// metadata.user_id convention, e.g. "user_abc_session_<uuid>".
var anthropicSessionRe = regexp.MustCompile(`(?i)(^|_)session_([0-9a-f-]{36})`)

// openAISessionHeaders are the header candidates checked in order for the
// OpenAI-compatible capabilities.
var openAISessionHeaders = []string{
	"session_id",
	"session-id",
	"x-session-id",
	"x-session_id",
	"x_session_id",
}

// openAISessionBodyPaths are the body candidates checked after the headers.
var openAISessionBodyPaths = []string{
	"prompt_cache_key",
	"metadata.session_id",
	"previous_response_id",
}

// HeaderFunc returns the value of a request header, or "" when absent.
// fasthttp's RequestHeader.Peek adapts directly.
type HeaderFunc func(name string) string

// ExtractSessionID extracts a session identifier from the request per the
// route capability's convention. Returns ("", "") when no usable identifier
// is present. The second return names the source: "header" or "body".
//
// Pure function: it never mutates headers or body.
func ExtractSessionID(capability Capability, header HeaderFunc, body []byte) (string, string) {
	switch capability {
	case CapAnthropicMessages:
		return extractAnthropicSession(body)
	case CapOpenAIChatCompatible, CapOpenAIExtended, CapCodexResponses:
		return extractOpenAISession(header, body)
	}
	return "", ""
}

func extractAnthropicSession(body []byte) (string, string) {
	userID := gjson.GetBytes(body, "metadata.user_id")
	if userID.Type != gjson.String {
		return "", ""
	}
	m := anthropicSessionRe.FindStringSubmatch(userID.Str)
	if m == nil {
		return "", ""
	}
	return strings.ToLower(m[2]), SessionSourceBody
}

func extractOpenAISession(header HeaderFunc, body []byte) (string, string) {
	if header != nil {
		for _, name := range openAISessionHeaders {
			if id, ok := acceptSessionID(header(name)); ok {
				return id, SessionSourceHeader
			}
		}
	}
	for _, path := range openAISessionBodyPaths {
		v := gjson.GetBytes(body, path)
		if v.Type != gjson.String {
			continue
		}
		if id, ok := acceptSessionID(v.Str); ok {
			return id, SessionSourceBody
		}
	}
	return "", ""
}

// acceptSessionID trims and validates a candidate identifier.
func acceptSessionID(raw string) (string, bool) {
	id := strings.TrimSpace(raw)
	if id == "" || len(id) > maxSessionIDLen {
		return "", false
	}
	return id, true
}
