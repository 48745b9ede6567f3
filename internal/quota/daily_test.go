package quota

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestDailyLimiterRollsOverAtMidnight(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	now := time.Date(2026, 5, 1, 23, 0, 0, 0, time.UTC)
	l := NewDailyLimiter(rdb, 2).WithClock(func() time.Time { return now })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := l.Allow(ctx, "u1")
		if err != nil || !ok {
			t.Fatalf("battle %d should be allowed: %v", i, err)
		}
		if err := l.Record(ctx, "u1", "u2"); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}
	if ok, _ := l.Allow(ctx, "u1"); ok {
		t.Fatalf("third battle allowed")
	}
	if n, _ := l.Used(ctx, "u2"); n != 2 {
		t.Fatalf("u2 used = %d", n)
	}

	now = now.Add(2 * time.Hour)
	if ok, _ := l.Allow(ctx, "u1"); !ok {
		t.Fatalf("limit should reset on a new day")
	}
}

func TestZeroLimitDisablesCheck(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	l := NewDailyLimiter(rdb, 0)
	_ = l.Record(context.Background(), "u1")
	if ok, err := l.Allow(context.Background(), "u1"); err != nil || !ok {
		t.Fatalf("disabled limiter refused: %v", err)
	}
}
