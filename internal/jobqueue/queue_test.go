package jobqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, opts Options) (*Queue, *fakeClock) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	return New(NewStore(rdb), opts), clock
}

type greet struct {
	Name string `json:"name"`
}

func TestDispatchAndRunOnceCompletes(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	var got string
	q.Register("greet", func(ctx context.Context, j *Job) error {
		var p greet
		if err := j.Decode(&p); err != nil {
			return err
		}
		got = p.Name
		return nil
	})

	id, err := q.Dispatch(ctx, "greet", greet{Name: "kim"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	n, err := q.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RunOnce: n=%d err=%v", n, err)
	}
	if got != "kim" {
		t.Fatalf("payload not delivered: %q", got)
	}
	j, err := q.Get(ctx, id)
	if err != nil || j == nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != StatusCompleted || j.Attempts != 1 {
		t.Fatalf("status=%s attempts=%d", j.Status, j.Attempts)
	}
}

func TestFailingJobRetriesWithBackoffThenFails(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 3})
	ctx := context.Background()

	calls := 0
	q.Register("flaky", func(ctx context.Context, j *Job) error {
		calls++
		return errors.New("upstream down")
	})
	id, err := q.Dispatch(ctx, "flaky", map[string]int{"n": 1})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	var lastDelay time.Duration
	for attempt := 1; attempt <= 3; attempt++ {
		if n, err := q.RunOnce(ctx); err != nil || n != 1 {
			t.Fatalf("attempt %d: n=%d err=%v", attempt, n, err)
		}
		j, _ := q.Get(ctx, id)
		if j.Attempts != attempt {
			t.Fatalf("attempts = %d, want %d", j.Attempts, attempt)
		}
		if attempt < 3 {
			if j.Status != StatusPending || j.Error != "upstream down" {
				t.Fatalf("attempt %d: status=%s err=%q", attempt, j.Status, j.Error)
			}
			delay := j.AvailableAt.Sub(clock.Now())
			if delay < lastDelay {
				t.Fatalf("backoff decreased: %v < %v", delay, lastDelay)
			}
			lastDelay = delay

			// not due yet
			if n, _ := q.RunOnce(ctx); n != 0 {
				t.Fatalf("job claimed before availableAt")
			}
			clock.Advance(delay)
		} else if j.Status != StatusFailed {
			t.Fatalf("final status = %s", j.Status)
		}
	}
	if calls != 3 {
		t.Fatalf("handler calls = %d", calls)
	}

	failed, err := q.ListFailed(ctx, 10)
	if err != nil || len(failed) != 1 || failed[0].ID != id {
		t.Fatalf("ListFailed: %v %v", failed, err)
	}
}

func TestUnknownTypeAndFatalFailImmediately(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 5})
	ctx := context.Background()

	q.Register("broken", func(ctx context.Context, j *Job) error {
		return Fatal(errors.New("bad payload"))
	})
	unknown, _ := q.Dispatch(ctx, "nobody.handles.this", nil)
	fatal, _ := q.Dispatch(ctx, "broken", nil)

	if _, err := q.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	for _, id := range []string{unknown, fatal} {
		j, _ := q.Get(ctx, id)
		if j.Status != StatusFailed || j.Attempts != 1 {
			t.Fatalf("%s: status=%s attempts=%d", id, j.Status, j.Attempts)
		}
	}
}

func TestPanickingHandlerIsRetried(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxAttempts: 2})
	ctx := context.Background()
	q.Register("boom", func(ctx context.Context, j *Job) error { panic("nil map") })

	id, _ := q.Dispatch(ctx, "boom", nil)
	if _, err := q.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	j, _ := q.Get(ctx, id)
	if j.Status != StatusPending {
		t.Fatalf("status = %s", j.Status)
	}
}

func TestDispatchWithJobIDIsIdempotent(t *testing.T) {
	q, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	a, err := q.Dispatch(ctx, "x", nil, WithJobID("round:b1:2"))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	b, err := q.Dispatch(ctx, "x", nil, WithJobID("round:b1:2"), WithDelay(time.Minute))
	if err != nil {
		t.Fatalf("Dispatch#2: %v", err)
	}
	if a != b {
		t.Fatalf("ids differ: %s %s", a, b)
	}
	n, _ := q.Store().PendingCount(ctx)
	if n != 1 {
		t.Fatalf("pending = %d", n)
	}
}

func TestDelayedJobWaitsUntilDue(t *testing.T) {
	q, clock := newTestQueue(t, Options{})
	ctx := context.Background()
	ran := false
	q.Register("later", func(ctx context.Context, j *Job) error { ran = true; return nil })

	if _, err := q.Dispatch(ctx, "later", nil, WithDelay(30*time.Second)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if n, _ := q.RunOnce(ctx); n != 0 || ran {
		t.Fatalf("delayed job ran early")
	}
	clock.Advance(30 * time.Second)
	if n, _ := q.RunOnce(ctx); n != 1 || !ran {
		t.Fatalf("delayed job did not run when due")
	}
}

func TestRecoverStaleLeases(t *testing.T) {
	q, clock := newTestQueue(t, Options{Lease: time.Minute, MaxAttempts: 2})
	ctx := context.Background()

	id, _ := q.Dispatch(ctx, "orphan", nil)
	// simulate a worker that claimed and died
	jobs, err := q.Store().Claim(ctx, clock.Now(), 10, time.Minute)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("Claim: %v %v", jobs, err)
	}
	if n, _ := q.RecoverStale(ctx); n != 0 {
		t.Fatalf("lease not yet expired, recovered %d", n)
	}
	clock.Advance(2 * time.Minute)
	if n, err := q.RecoverStale(ctx); err != nil || n != 1 {
		t.Fatalf("RecoverStale: n=%d err=%v", n, err)
	}
	j, _ := q.Get(ctx, id)
	if j.Status != StatusPending {
		t.Fatalf("status = %s", j.Status)
	}

	// second crash exhausts the budget
	if _, err := q.Store().Claim(ctx, clock.Now(), 10, time.Minute); err != nil {
		t.Fatalf("Claim#2: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := q.RecoverStale(ctx); err != nil {
		t.Fatalf("RecoverStale#2: %v", err)
	}
	j, _ = q.Get(ctx, id)
	if j.Status != StatusFailed {
		t.Fatalf("status after exhausted lease = %s", j.Status)
	}
}

func TestRequeueAndPurge(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	fail := true
	q.Register("once", func(ctx context.Context, j *Job) error {
		if fail {
			return errors.New("nope")
		}
		return nil
	})

	id, _ := q.Dispatch(ctx, "once", nil)
	_, _ = q.RunOnce(ctx)
	if err := q.Requeue(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Requeue missing: %v", err)
	}

	fail = false
	if err := q.Requeue(ctx, id); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if err := q.Requeue(ctx, id); !errors.Is(err, ErrNotFailed) {
		t.Fatalf("Requeue pending: %v", err)
	}
	_, _ = q.RunOnce(ctx)
	j, _ := q.Get(ctx, id)
	if j.Status != StatusCompleted {
		t.Fatalf("status = %s", j.Status)
	}

	clock.Advance(48 * time.Hour)
	n, err := q.Purge(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("Purge: n=%d err=%v", n, err)
	}
	if j, _ := q.Get(ctx, id); j != nil {
		t.Fatalf("job still present after purge")
	}
}

func TestListFailedReadsOnlyFailedIndex(t *testing.T) {
	q, clock := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()
	q.Register("ok", func(ctx context.Context, j *Job) error { return nil })
	q.Register("bad", func(ctx context.Context, j *Job) error { return errors.New("boom") })

	var failed []string
	for i := 0; i < 6; i++ {
		typ := "ok"
		if i%2 == 1 {
			typ = "bad"
		}
		id, err := q.Dispatch(ctx, typ, nil)
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		if typ == "bad" {
			failed = append(failed, id)
		}
		_, _ = q.RunOnce(ctx)
		clock.Advance(time.Second)
	}

	rdb := q.store.rdb
	if n, _ := rdb.ZCard(ctx, q.store.keyFailed()).Result(); n != 3 {
		t.Fatalf("failed index = %d", n)
	}
	list, err := q.ListFailed(ctx, 2)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(list) != 2 || list[0].ID != failed[2] || list[1].ID != failed[1] {
		t.Fatalf("list = %+v", list)
	}

	if err := q.Requeue(ctx, failed[2]); err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if list, _ := q.ListFailed(ctx, 10); len(list) != 2 || list[0].ID != failed[1] {
		t.Fatalf("after requeue = %+v", list)
	}

	clock.Advance(48 * time.Hour)
	if _, err := q.Purge(ctx, 24*time.Hour); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if n, _ := rdb.ZCard(ctx, q.store.keyFailed()).Result(); n != 0 {
		t.Fatalf("failed index after purge = %d", n)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	q, _ := newTestQueue(t, Options{MaxBackoff: 10 * time.Second})
	if d := q.Backoff(1); d != 2*time.Second {
		t.Fatalf("Backoff(1) = %v", d)
	}
	if d := q.Backoff(3); d != 8*time.Second {
		t.Fatalf("Backoff(3) = %v", d)
	}
	if d := q.Backoff(4); d != 10*time.Second {
		t.Fatalf("Backoff(4) = %v", d)
	}
	if d := q.Backoff(100); d != 10*time.Second {
		t.Fatalf("Backoff(100) = %v", d)
	}
}

func TestStartedWorkerProcessesInline(t *testing.T) {
	q, _ := newTestQueue(t, Options{PollInterval: time.Hour, Now: time.Now})
	done := make(chan string, 1)
	q.Register("ping", func(ctx context.Context, j *Job) error {
		done <- j.ID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	id, err := q.Dispatch(ctx, "ping", nil)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	select {
	case got := <-done:
		if got != id {
			t.Fatalf("processed %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("job was not processed without polling")
	}
}
