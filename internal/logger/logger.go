// Package logger implements a non-blocking, batched routing decision logger.
//
// Decision records are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the routing hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// DecisionLog is one completed routing decision plus its terminal outcome.
type DecisionLog struct {
	ID        uuid.UUID
	APIKeyID  string
	Decision  *routing.Decision
	Status    uint16
	LatencyMs int64
	CreatedAt time.Time
}

// RequestLogSink receives flushed entries for durable storage. Optional;
// typically backed by ClickHouse.
type RequestLogSink interface {
	Insert(ctx context.Context, upstreamID string, status int, latencyMS int64, createdAt time.Time) error
}

type Logger struct {
	ch        chan DecisionLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    RequestLogSink // optional
}

// New starts the flush goroutine. sink may be nil; entries are then only
// emitted through slog.
func New(ctx context.Context, slogger *slog.Logger, sink RequestLogSink) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan DecisionLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
		sink:    sink,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry without blocking. Dropped on overflow.
func (l *Logger) Log(entry DecisionLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the channel, flushes the final batch, and stops the goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]DecisionLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.emit(ctx, e)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) emit(ctx context.Context, e DecisionLog) {
	d := e.Decision
	if d == nil {
		d = &routing.Decision{}
	}

	decisionJSON, err := json.Marshal(d)
	if err != nil {
		decisionJSON = []byte("{}")
	}

	l.log.InfoContext(ctx, "routing_decision",
		slog.String("id", e.ID.String()),
		slog.String("api_key_id", e.APIKeyID),
		slog.String("provider_type", string(d.ProviderType)),
		slog.String("model", d.OriginalModel),
		slog.String("resolved_model", d.ResolvedModel),
		slog.String("upstream_id", d.SelectedUpstreamID),
		slog.Int("tier", d.SelectedTier),
		slog.Bool("affinity_hit", d.AffinityHit),
		slog.Bool("affinity_migrated", d.AffinityMigrated),
		slog.Uint64("status", uint64(e.Status)),
		slog.Int64("latency_ms", e.LatencyMs),
		slog.String("decision", string(decisionJSON)),
		slog.Time("created_at", normalizeTime(e.CreatedAt)),
	)

	if l.sink != nil && d.SelectedUpstreamID != "" {
		if err := l.sink.Insert(ctx, d.SelectedUpstreamID, int(e.Status), e.LatencyMs, normalizeTime(e.CreatedAt)); err != nil {
			l.log.WarnContext(ctx, "request_log_insert_failed",
				slog.String("id", e.ID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
