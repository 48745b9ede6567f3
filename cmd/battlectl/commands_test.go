package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/arenabuilder"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/config"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/jobqueue"
)

func testOpener(t *testing.T) opener {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cfg := &config.AppConfig{
		MatchTolerance: 50,
		QueueTimeout:   time.Minute,
		InvitationTTL:  time.Minute,
		FanoutMode:     "log",
	}
	return func(ctx context.Context) (*arenabuilder.Deps, error) {
		return arenabuilder.New(ctx, cfg, nil, arenabuilder.WithRedisClient(rdb))
	}
}

func run(t *testing.T, open opener, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestFailedJobCanBeRequeued(t *testing.T) {
	open := testOpener(t)
	ctx := context.Background()
	d, err := open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	id, err := d.Jobs.Dispatch(ctx, "legacy.unknown", map[string]string{"x": "y"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if _, err := d.Jobs.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	out, err := run(t, open, "jobs", "failed")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	if !strings.Contains(out, id) || !strings.Contains(out, "legacy.unknown") {
		t.Fatalf("failed list = %q", out)
	}

	if out, err := run(t, open, "jobs", "requeue", id); err != nil || !strings.Contains(out, "requeued "+id) {
		t.Fatalf("requeue = %q, %v", out, err)
	}
	j, err := d.Jobs.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if j.Status != jobqueue.StatusPending {
		t.Fatalf("status = %s", j.Status)
	}
	if _, err := run(t, open, "jobs", "requeue", id); err == nil {
		t.Fatalf("requeue of a pending job should fail")
	}

	out, err = run(t, open, "jobs", "get", id)
	if err != nil || !strings.Contains(out, `"status": "pending"`) {
		t.Fatalf("jobs get = %q, %v", out, err)
	}
}

func TestQueueListAndBattleShow(t *testing.T) {
	open := testOpener(t)
	ctx := context.Background()
	d, err := open(ctx)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := d.Service.FindMatch(ctx, "solo", 0); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	out, err := run(t, open, "queue", "list")
	if err != nil || !strings.HasPrefix(out, "solo\tstrength=100") {
		t.Fatalf("queue list = %q, %v", out, err)
	}

	m, err := d.Service.FindMatch(ctx, "rival", 0)
	if err != nil || m.Battle == nil {
		t.Fatalf("pair: %+v %v", m, err)
	}
	out, err = run(t, open, "battle", "show", m.Battle.ID)
	if err != nil || !strings.Contains(out, `"current_round": 1`) {
		t.Fatalf("battle show = %q, %v", out, err)
	}
}

func TestProfileInvalidateNeedsCache(t *testing.T) {
	if _, err := run(t, testOpener(t), "profile", "invalidate", "u1"); err == nil {
		t.Fatalf("expected error without a profile cache")
	}
}

func TestWatchNeedsUser(t *testing.T) {
	if _, err := run(t, testOpener(t), "watch"); err == nil || !strings.Contains(err.Error(), "--user") {
		t.Fatalf("err = %v", err)
	}
}
