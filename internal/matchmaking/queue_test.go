package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T, opts ...Option) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewQueue(rdb, opts...), mr
}

func TestFindMatchQueuesThenPairs(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	res, err := q.FindMatch(ctx, "u1", 100, 10)
	if err != nil {
		t.Fatalf("FindMatch u1: %v", err)
	}
	if !res.Waiting || res.Opponent != nil {
		t.Fatalf("expected waiting, got %+v", res)
	}

	// outside tolerance
	res, err = q.FindMatch(ctx, "u2", 150, 10)
	if err != nil || !res.Waiting {
		t.Fatalf("u2 should wait: %+v %v", res, err)
	}

	res, err = q.FindMatch(ctx, "u3", 105, 10)
	if err != nil {
		t.Fatalf("FindMatch u3: %v", err)
	}
	if res.Waiting || res.Opponent == nil || res.Opponent.UserID != "u1" {
		t.Fatalf("u3 should pair with u1, got %+v", res)
	}
	if wp, _ := q.Get(ctx, "u1"); wp != nil {
		t.Fatalf("u1 still queued")
	}
	if n, _ := q.Len(ctx); n != 1 {
		t.Fatalf("len = %d, want 1 (u2)", n)
	}
}

func TestFindMatchIsFIFOAmongCandidates(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q, _ := newTestQueue(t, WithClock(clock))
	ctx := context.Background()

	for i, id := range []string{"old", "mid", "new"} {
		now = now.Add(time.Duration(i+1) * time.Second)
		if _, err := q.FindMatch(ctx, id, 50+i*100, 0); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}
	res, err := q.FindMatch(ctx, "x", 150, 1000)
	if err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	if res.Opponent == nil || res.Opponent.UserID != "old" {
		t.Fatalf("expected oldest waiter, got %+v", res)
	}
}

func TestRepeatFindMatchKeepsPosition(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	first, _ := q.FindMatch(ctx, "u1", 10, 0)
	now = now.Add(time.Minute)
	again, err := q.FindMatch(ctx, "u1", 10, 0)
	if err != nil || !again.Waiting {
		t.Fatalf("repeat: %+v %v", again, err)
	}
	if !again.Self.EnqueuedAt.Equal(first.Self.EnqueuedAt) {
		t.Fatalf("enqueue time refreshed: %v -> %v", first.Self.EnqueuedAt, again.Self.EnqueuedAt)
	}
}

func TestLeaveIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.FindMatch(ctx, "u1", 10, 5); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := q.Leave(ctx, "u1"); err != nil {
			t.Fatalf("Leave #%d: %v", i, err)
		}
	}
	if n, _ := q.Len(ctx); n != 0 {
		t.Fatalf("len = %d", n)
	}
	if err := q.Leave(ctx, " "); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("blank user: %v", err)
	}
}

func TestFindMatchRejectsBadArgs(t *testing.T) {
	q, _ := newTestQueue(t)
	if _, err := q.FindMatch(context.Background(), "u1", 10, -1); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("negative tolerance: %v", err)
	}
	if _, err := q.FindMatch(context.Background(), "", 10, 1); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("empty user: %v", err)
	}
}

func TestSweepEvictsOldEntries(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q, _ := newTestQueue(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()

	_, _ = q.FindMatch(ctx, "stale", 10, 0)
	now = now.Add(10 * time.Minute)
	_, _ = q.FindMatch(ctx, "fresh", 500, 0)

	ids, err := q.Sweep(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(ids) != 1 || ids[0] != "stale" {
		t.Fatalf("swept %v", ids)
	}
	list, _ := q.List(ctx)
	if len(list) != 1 || list[0].UserID != "fresh" || list[0].Strength != 500 {
		t.Fatalf("remaining %+v", list)
	}
}

func TestConcurrentFindMatchPairsEachUserOnce(t *testing.T) {
	q, _ := newTestQueue(t, WithMaxRetries(50))
	ctx := context.Background()

	const n = 12
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		matched = map[string]int{}
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				res, err := q.FindMatch(ctx, id, 100, 10)
				if errors.Is(err, ErrConflict) {
					continue
				}
				if err != nil {
					t.Errorf("FindMatch %s: %v", id, err)
					return
				}
				if res.Opponent != nil {
					mu.Lock()
					matched[id]++
					matched[res.Opponent.UserID]++
					mu.Unlock()
				}
				return
			}
		}(fmt.Sprintf("user-%02d", i))
	}
	wg.Wait()

	for id, c := range matched {
		if c != 1 {
			t.Fatalf("%s paired %d times", id, c)
		}
	}
	left, _ := q.Len(ctx)
	if int(left)+len(matched) != n {
		t.Fatalf("matched=%d waiting=%d, want total %d", len(matched), left, n)
	}
	if left != 0 {
		t.Fatalf("even number of compatible players left %d waiting", left)
	}
}

func TestRestoreKeepsOriginalPosition(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	q, _ := newTestQueue(t, WithClock(clock))
	ctx := context.Background()

	if _, err := q.FindMatch(ctx, "early", 100, 0); err != nil {
		t.Fatalf("enqueue early: %v", err)
	}
	now = now.Add(time.Second)
	res, err := q.FindMatch(ctx, "caller", 100, 0)
	if err != nil || res.Opponent == nil {
		t.Fatalf("pair: %+v %v", res, err)
	}
	now = now.Add(time.Second)
	if _, err := q.FindMatch(ctx, "late", 500, 0); err != nil {
		t.Fatalf("enqueue late: %v", err)
	}

	if err := q.Restore(ctx, *res.Opponent); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	list, _ := q.List(ctx)
	if len(list) != 2 || list[0].UserID != "early" || list[0].Strength != 100 || !list[0].EnqueuedAt.Equal(res.Opponent.EnqueuedAt) {
		t.Fatalf("list = %+v", list)
	}

	// an entry the user made in the meantime wins
	if err := q.Restore(ctx, WaitingPlayer{UserID: "late", Strength: 1, EnqueuedAt: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Restore late: %v", err)
	}
	wp, _ := q.Get(ctx, "late")
	if wp == nil || wp.Strength != 500 || !wp.EnqueuedAt.Equal(now) {
		t.Fatalf("late = %+v", wp)
	}
	if err := q.Restore(ctx, WaitingPlayer{}); !errors.Is(err, ErrInvalidArgs) {
		t.Fatalf("empty restore: %v", err)
	}
}
