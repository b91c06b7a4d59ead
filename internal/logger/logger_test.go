package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

type recordingSink struct {
	mu      sync.Mutex
	inserts []sinkInsert
	err     error
}

type sinkInsert struct {
	upstreamID string
	status     int
	latencyMS  int64
}

func (s *recordingSink) Insert(_ context.Context, upstreamID string, status int, latencyMS int64, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.inserts = append(s.inserts, sinkInsert{upstreamID, status, latencyMS})
	return nil
}

func decisionEntry(upstreamID string, status uint16) DecisionLog {
	return DecisionLog{
		ID:       uuid.New(),
		APIKeyID: "key-1",
		Decision: &routing.Decision{
			OriginalModel:      "claude-opus-4",
			ResolvedModel:      "claude-opus-4",
			ProviderType:       routing.ProviderAnthropic,
			SelectedUpstreamID: upstreamID,
		},
		Status:    status,
		LatencyMs: 42,
		CreatedAt: time.Now(),
	}
}

func TestLogger_FlushesToSinkOnClose(t *testing.T) {
	sink := &recordingSink{}
	l, err := New(context.Background(), slog.New(slog.DiscardHandler), sink)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		l.Log(decisionEntry("up-1", 200))
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.inserts) != 5 {
		t.Fatalf("close should drain all queued entries, got %d", len(sink.inserts))
	}
	if sink.inserts[0].upstreamID != "up-1" || sink.inserts[0].status != 200 || sink.inserts[0].latencyMS != 42 {
		t.Errorf("unexpected insert %+v", sink.inserts[0])
	}
}

func TestLogger_SkipsSinkWithoutSelection(t *testing.T) {
	sink := &recordingSink{}
	l, err := New(context.Background(), slog.New(slog.DiscardHandler), sink)
	if err != nil {
		t.Fatal(err)
	}

	// A 503 with no selected upstream is logged but not inserted.
	e := decisionEntry("", 503)
	l.Log(e)
	l.Close()

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.inserts) != 0 {
		t.Errorf("entries without a selection must not reach the sink, got %d", len(sink.inserts))
	}
}

func TestLogger_SinkErrorIsNonFatal(t *testing.T) {
	sink := &recordingSink{err: errors.New("insert failed")}
	l, err := New(context.Background(), slog.New(slog.DiscardHandler), sink)
	if err != nil {
		t.Fatal(err)
	}

	l.Log(decisionEntry("up-1", 200))
	if err := l.Close(); err != nil {
		t.Errorf("a failing sink must not fail the logger, got %v", err)
	}
}

func TestLogger_EmitsStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	var mu sync.Mutex
	handler := slog.NewJSONHandler(&lockedWriter{buf: &buf, mu: &mu}, nil)

	l, err := New(context.Background(), slog.New(handler), nil)
	if err != nil {
		t.Fatal(err)
	}

	l.Log(decisionEntry("up-1", 200))
	l.Close()

	mu.Lock()
	out := buf.String()
	mu.Unlock()
	if out == "" {
		t.Fatal("expected a log line")
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("log line should be JSON: %v", err)
	}
	if rec["msg"] != "routing_decision" {
		t.Errorf("expected routing_decision message, got %v", rec["msg"])
	}
	if rec["upstream_id"] != "up-1" {
		t.Errorf("expected upstream_id field, got %v", rec["upstream_id"])
	}
	// The full decision is embedded as a JSON string field.
	decision, _ := rec["decision"].(string)
	var d routing.Decision
	if err := json.Unmarshal([]byte(decision), &d); err != nil {
		t.Fatalf("decision field should round-trip: %v", err)
	}
	if d.SelectedUpstreamID != "up-1" {
		t.Errorf("embedded decision should carry the selection, got %+v", d)
	}
}

func TestLogger_CloseIsIdempotent(t *testing.T) {
	l, err := New(context.Background(), slog.New(slog.DiscardHandler), nil)
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
	l.Close()
}

func TestLogger_NilContext(t *testing.T) {
	if _, err := New(nil, nil, nil); err == nil { //nolint:staticcheck
		t.Error("nil context should be rejected")
	}
}

type lockedWriter struct {
	buf *bytes.Buffer
	mu  *sync.Mutex
}

func (w *lockedWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}
