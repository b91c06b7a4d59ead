package quota

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/llm-router/internal/routing"
)

func newTestTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	tr := NewTracker(rdb)
	tr.now = func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	}
	return tr, mr
}

func TestTracker_AddSpendAndSpent(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if got := tr.Spent(ctx, "up-1"); got != 0 {
		t.Errorf("fresh upstream should have zero spend, got %v", got)
	}

	if err := tr.AddSpend(ctx, "up-1", 12.5); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddSpend(ctx, "up-1", 7.25); err != nil {
		t.Fatal(err)
	}
	if err := tr.AddSpend(ctx, "up-1", 0); err != nil { // no-op
		t.Fatal(err)
	}

	if got := tr.Spent(ctx, "up-1"); got != 19.75 {
		t.Errorf("expected 19.75 accumulated, got %v", got)
	}
	if got := tr.Spent(ctx, "up-2"); got != 0 {
		t.Errorf("other upstreams are unaffected, got %v", got)
	}
}

func TestTracker_CounterExpiry(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.AddSpend(ctx, "up-1", 5); err != nil {
		t.Fatal(err)
	}

	key := tr.key("up-1", tr.now())
	ttl := mr.TTL(key)
	if ttl <= 0 || ttl > spendKeyTTL {
		t.Errorf("counter should expire within %s, got %s", spendKeyTTL, ttl)
	}
}

func TestTracker_DayBoundary(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	if err := tr.AddSpend(ctx, "up-1", 50); err != nil {
		t.Fatal(err)
	}

	// Next day: the counter starts fresh.
	tr.now = func() time.Time {
		return time.Date(2025, 6, 2, 0, 0, 1, 0, time.UTC)
	}
	if got := tr.Spent(ctx, "up-1"); got != 0 {
		t.Errorf("spend should be scoped to the UTC day, got %v", got)
	}
}

func TestTracker_Exceeded(t *testing.T) {
	tr, _ := newTestTracker(t)
	ctx := context.Background()

	capped := &routing.Upstream{ID: "capped", Quota: &routing.QuotaPolicy{DailyLimitUSD: 100}}
	uncapped := &routing.Upstream{ID: "uncapped"}

	if tr.Exceeded(ctx, capped) {
		t.Error("no spend yet, quota should not be exceeded")
	}
	if tr.Exceeded(ctx, uncapped) {
		t.Error("upstream without a policy never exceeds")
	}

	if err := tr.AddSpend(ctx, "capped", 100); err != nil {
		t.Fatal(err)
	}
	if !tr.Exceeded(ctx, capped) {
		t.Error("spend at the limit should count as exceeded")
	}
}

func TestTracker_DegradesWhenRedisDown(t *testing.T) {
	tr, mr := newTestTracker(t)
	ctx := context.Background()

	if err := tr.AddSpend(ctx, "capped", 500); err != nil {
		t.Fatal(err)
	}
	mr.Close()

	capped := &routing.Upstream{ID: "capped", Quota: &routing.QuotaPolicy{DailyLimitUSD: 100}}

	// Redis outage must never block routing: the check degrades to false.
	if tr.Exceeded(ctx, capped) {
		t.Error("quota check should degrade to not-exceeded when redis is down")
	}
	if got := tr.Spent(ctx, "capped"); got != 0 {
		t.Errorf("spent should degrade to 0 when redis is down, got %v", got)
	}
	if err := tr.AddSpend(ctx, "capped", 5); err == nil {
		t.Error("AddSpend should surface the error for the caller to log")
	}
}
