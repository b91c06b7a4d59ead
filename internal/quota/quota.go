// Package quota tracks per-upstream daily spend in Redis and answers the
// selector's quota filter.
//
// Counters are updated with an atomic Lua script (increment + expiry in one
// round trip). When Redis is unavailable every check degrades to "not
// exceeded" — routing availability wins over quota accuracy, matching the
// gateway's graceful-degradation policy for auxiliary backends.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

// addSpendScript atomically adds to the day's spend counter and sets its
// expiry so stale keys age out two days after their window closes.
// KEYS[1] = counter key
// ARGV[1] = spend delta (USD, float as string)
// ARGV[2] = TTL in seconds
// Returns the new counter value.
var addSpendScript = redis.NewScript(`
		local total = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
		redis.call('EXPIRE', KEYS[1], ARGV[2])
		return total
`)

const (
	spendKeyPrefix = "quota:spend:"
	spendKeyTTL    = 48 * time.Hour
	queryTimeout   = 500 * time.Millisecond
)

// Tracker implements routing.QuotaTracker over Redis daily spend counters.
type Tracker struct {
	rdb *redis.Client
	now func() time.Time
}

// NewTracker creates a Tracker over an existing Redis client. The caller owns
// the client lifecycle.
func NewTracker(rdb *redis.Client) *Tracker {
	return &Tracker{rdb: rdb, now: time.Now}
}

func (t *Tracker) key(upstreamID string, day time.Time) string {
	return spendKeyPrefix + upstreamID + ":" + day.UTC().Format("2006-01-02")
}

// AddSpend records usd of spend against upstreamID for today.
func (t *Tracker) AddSpend(ctx context.Context, upstreamID string, usd float64) error {
	if usd <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	key := t.key(upstreamID, t.now())
	if err := addSpendScript.Run(ctx, t.rdb,
		[]string{key},
		fmt.Sprintf("%.6f", usd), int64(spendKeyTTL.Seconds()),
	).Err(); err != nil {
		return fmt.Errorf("quota: add spend for %s: %w", upstreamID, err)
	}
	return nil
}

// Spent returns today's recorded spend for upstreamID. Returns 0 when Redis
// is unavailable or no counter exists.
func (t *Tracker) Spent(ctx context.Context, upstreamID string) float64 {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	val, err := t.rdb.Get(ctx, t.key(upstreamID, t.now())).Float64()
	if err != nil {
		return 0
	}
	return val
}

// Exceeded reports whether u's daily spending quota is exhausted. Upstreams
// without a quota policy trivially pass. Redis errors degrade to false so a
// quota backend outage never blocks routing.
func (t *Tracker) Exceeded(ctx context.Context, u *routing.Upstream) bool {
	if u.Quota == nil || u.Quota.DailyLimitUSD <= 0 {
		return false
	}
	return t.Spent(ctx, u.ID) >= u.Quota.DailyLimitUSD
}
