package store

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// AggregateStats is the operator-facing summary over one upstream's request
// log window: availability plus latency percentiles.
type AggregateStats struct {
	UpstreamID   string  `json:"upstream_id"`
	RequestCount uint64  `json:"request_count"`
	SuccessCount uint64  `json:"success_count"`
	Availability float64 `json:"availability"`
	P50LatencyMS float64 `json:"p50_latency_ms"`
	P95LatencyMS float64 `json:"p95_latency_ms"`
	P99LatencyMS float64 `json:"p99_latency_ms"`
}

// RequestLogs aggregates routing request logs stored in ClickHouse.
// Percentiles use ClickHouse's native quantile() so the heavy lifting stays
// in the analytics store; the core only defines the aggregation shape.
type RequestLogs struct {
	conn  driver.Conn
	table string
}

const defaultRequestLogTable = "gateway_request_logs"

// NewRequestLogs connects to ClickHouse using the given DSN
// (clickhouse://host:9000/db) and verifies the connection with a ping.
func NewRequestLogs(ctx context.Context, dsn string) (*RequestLogs, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse clickhouse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("store: clickhouse open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("store: clickhouse ping: %w", err)
	}

	return &RequestLogs{conn: conn, table: defaultRequestLogTable}, nil
}

// Aggregate computes availability and p50/p95/p99 latency for upstreamID over
// the trailing window.
func (r *RequestLogs) Aggregate(ctx context.Context, upstreamID string, window time.Duration) (AggregateStats, error) {
	query := fmt.Sprintf(`
		SELECT
			count()                                   AS request_count,
			countIf(status >= 200 AND status < 300)   AS success_count,
			quantile(0.50)(latency_ms)                AS p50,
			quantile(0.95)(latency_ms)                AS p95,
			quantile(0.99)(latency_ms)                AS p99
		FROM %s
		WHERE upstream_id = ? AND created_at >= now() - INTERVAL ? SECOND`,
		r.table,
	)

	stats := AggregateStats{UpstreamID: upstreamID}
	row := r.conn.QueryRow(ctx, query, upstreamID, int64(window.Seconds()))
	if err := row.Scan(
		&stats.RequestCount,
		&stats.SuccessCount,
		&stats.P50LatencyMS,
		&stats.P95LatencyMS,
		&stats.P99LatencyMS,
	); err != nil {
		return AggregateStats{}, fmt.Errorf("store: aggregate %s: %w", upstreamID, err)
	}

	if stats.RequestCount > 0 {
		stats.Availability = float64(stats.SuccessCount) / float64(stats.RequestCount)
	}
	return stats, nil
}

// Insert appends one request-log row. Used by the decision logger's flush
// path; errors are surfaced so the caller can count drops.
func (r *RequestLogs) Insert(ctx context.Context, upstreamID string, status int, latencyMS int64, createdAt time.Time) error {
	query := fmt.Sprintf(
		"INSERT INTO %s (upstream_id, status, latency_ms, created_at) VALUES (?, ?, ?, ?)",
		r.table,
	)
	if err := r.conn.Exec(ctx, query, upstreamID, int32(status), latencyMS, createdAt); err != nil {
		return fmt.Errorf("store: insert request log: %w", err)
	}
	return nil
}

// Close releases the ClickHouse connection.
func (r *RequestLogs) Close() error {
	return r.conn.Close()
}
