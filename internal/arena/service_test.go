package arena

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/combat"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/fanout"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/invitation"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/jobqueue"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/matchmaking"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/profile"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/quota"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type env struct {
	svc   *Service
	jobs  *jobqueue.Queue
	rec   *fanout.Recorder
	queue *matchmaking.Queue
	clock *testClock
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	clock := &testClock{t: time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)}
	rec := &fanout.Recorder{}
	jobs := jobqueue.New(jobqueue.NewStore(rdb), jobqueue.Options{Now: clock.Now, BatchSize: 50})
	engine := combat.NewEngine(rdb, jobs, rec,
		combat.WithClock(clock.Now),
		combat.WithRandom(func() float64 { return 0.99 }),
	)
	queue := matchmaking.NewQueue(rdb, matchmaking.WithClock(clock.Now))
	limiter := quota.NewDailyLimiter(rdb, 10).WithClock(clock.Now)
	dir := profile.NewStaticDirectory(
		profile.Profile{UserID: "u100", DisplayName: "Hundred", Strength: 100},
		profile.Profile{UserID: "u105", DisplayName: "HundredFive", Strength: 105},
		profile.Profile{UserID: "u300", Strength: 300},
	)
	invites := invitation.NewManager(rdb, engine, jobs, rec,
		invitation.WithClock(clock.Now),
		invitation.WithTTL(time.Minute),
		invitation.WithDirectory(dir),
		invitation.WithLimiter(limiter),
		invitation.WithMatchmaking(queue),
	)
	svc, err := NewService(Deps{
		Queue:       queue,
		Invitations: invites,
		Engine:      engine,
		Jobs:        jobs,
		Publisher:   rec,
		Directory:   dir,
		Limiter:     limiter,
		Now:         clock.Now,
	}, Config{Tolerance: 10, QueueTimeout: time.Minute, SweepInterval: 10 * time.Second})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &env{svc: svc, jobs: jobs, rec: rec, queue: queue, clock: clock}
}

func (e *env) runJobs(t *testing.T) {
	t.Helper()
	if _, err := e.jobs.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
}

func (e *env) pair(t *testing.T) *combat.Battle {
	t.Helper()
	ctx := context.Background()
	if _, err := e.svc.FindMatch(ctx, "u100", 10); err != nil {
		t.Fatalf("FindMatch u100: %v", err)
	}
	out, err := e.svc.FindMatch(ctx, "u105", 10)
	if err != nil || out.Battle == nil {
		t.Fatalf("FindMatch u105: %+v %v", out, err)
	}
	return out.Battle
}

// Scenario A: strengths 100 and 105 with tolerance 10 pair on the second call.
func TestScenarioQueuePairing(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	first, err := e.svc.FindMatch(ctx, "u100", 10)
	if err != nil || !first.Waiting {
		t.Fatalf("first FindMatch: %+v %v", first, err)
	}
	if st, _ := e.svc.QueueStatus(ctx, "u100"); st == nil || st.Strength != 100 {
		t.Fatalf("queue status = %+v", st)
	}
	second, err := e.svc.FindMatch(ctx, "u105", 10)
	if err != nil || second.Waiting {
		t.Fatalf("second FindMatch: %+v %v", second, err)
	}
	if second.Opponent.UserID != "u100" || second.Battle.Status != combat.StatusInProgress {
		t.Fatalf("outcome = %+v", second)
	}
	if second.Battle.Player1ID != "u100" || second.Battle.Player1Name != "Hundred" || second.Battle.Player2CP != 105 {
		t.Fatalf("battle = %+v", second.Battle)
	}
	if n, _ := e.queue.Len(ctx); n != 0 {
		t.Fatalf("queue entries left: %d", n)
	}
	for _, u := range []string{"u100", "u105"} {
		if len(e.rec.Find(fanout.UserChannel(u), fanout.EventMatchFound)) != 1 {
			t.Fatalf("match event missing for %s", u)
		}
	}
	if _, err := e.svc.FindMatch(ctx, "u100", 10); !errors.Is(err, combat.ErrAlreadyInBattle) {
		t.Fatalf("queue while fighting: %v", err)
	}

	far, err := e.svc.FindMatch(ctx, "u300", 10)
	if err != nil || !far.Waiting {
		t.Fatalf("out of tolerance: %+v %v", far, err)
	}
}

func TestPairingWithBusyOpponentIsRetryable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.FindMatch(ctx, "u100", 10); err != nil {
		t.Fatalf("FindMatch u100: %v", err)
	}
	eng := e.svc.Engine()
	side, err := eng.Create(ctx, combat.Participant{UserID: "u100"}, combat.Participant{UserID: "u300"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := eng.Start(ctx, side.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err = e.svc.FindMatch(ctx, "u105", 10)
	if !errors.Is(err, matchmaking.ErrConflict) {
		t.Fatalf("FindMatch u105: %v", err)
	}
	if n, _ := e.queue.Len(ctx); n != 0 {
		t.Fatalf("busy opponent put back in queue: %d", n)
	}
	if active, _ := eng.ActiveBattleForUser(ctx, "u105"); active != nil {
		t.Fatalf("caller got a battle: %+v", active)
	}
	if len(e.rec.Find(fanout.UserChannel("u105"), fanout.EventMatchFound)) != 0 {
		t.Fatalf("match.found sent for a battle that never started")
	}

	out, err := e.svc.FindMatch(ctx, "u105", 10)
	if err != nil || !out.Waiting {
		t.Fatalf("retry = %+v, %v", out, err)
	}
}

// Scenario B: inviting yourself is a validation error and stores nothing.
func TestScenarioSelfInvite(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.SendInvitation(ctx, "u100", "u100", "s1"); !errors.Is(err, invitation.ErrSelfInvite) {
		t.Fatalf("self invite: %v", err)
	}
	if pending, _ := e.svc.PendingInvitations(ctx, "u100"); len(pending) != 0 {
		t.Fatalf("pending = %+v", pending)
	}
	if len(e.rec.Events()) != 0 {
		t.Fatalf("events published for a rejected send")
	}
}

// Scenario C: a rejection blocks re-invites for the same session only.
func TestScenarioSessionRejection(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	inv, err := e.svc.SendInvitation(ctx, "u100", "u105", "tab-1")
	if err != nil {
		t.Fatalf("SendInvitation: %v", err)
	}
	if inv.FromStrength != 100 || inv.ToStrength != 105 {
		t.Fatalf("strengths = %d/%d", inv.FromStrength, inv.ToStrength)
	}
	if _, err := e.svc.RejectInvitation(ctx, inv.ID, "u105"); err != nil {
		t.Fatalf("RejectInvitation: %v", err)
	}
	if _, err := e.svc.SendInvitation(ctx, "u100", "u105", "tab-1"); !errors.Is(err, invitation.ErrRejectedThisSession) {
		t.Fatalf("same session: %v", err)
	}
	again, err := e.svc.SendInvitation(ctx, "u100", "u105", "tab-2")
	if err != nil {
		t.Fatalf("new session: %v", err)
	}

	b, err := e.svc.AcceptInvitation(ctx, again.ID, "u105")
	if err != nil {
		t.Fatalf("AcceptInvitation: %v", err)
	}
	if b.Player1Name != "Hundred" || b.Player2Name != "HundredFive" {
		t.Fatalf("names = %s/%s", b.Player1Name, b.Player2Name)
	}

	// the expiry job fires later and leaves the accepted invitation alone
	e.clock.Advance(2 * time.Minute)
	e.runJobs(t)
	j, _ := e.jobs.Get(ctx, "inv-expire:"+again.ID)
	if j == nil || j.Status != jobqueue.StatusCompleted {
		t.Fatalf("expiry job = %+v", j)
	}
}

// Scenario D: five idle rounds end the battle by max rounds, driven only by round timers.
func TestScenarioIdleRoundsEndByMaxRounds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.pair(t)
	rules := e.svc.Engine().Rules()

	for round := 1; round <= rules.MaxRounds; round++ {
		e.clock.Advance(rules.RoundDuration)
		e.runJobs(t)
		view, err := e.svc.Battle(ctx, b.ID, "u100")
		if err != nil {
			t.Fatalf("Battle: %v", err)
		}
		last := view.State.RoundHistory[len(view.State.RoundHistory)-1]
		if !last.Stalemate || last.Player1Damage != 0 || last.Player2Damage != 0 {
			t.Fatalf("round %d = %+v", round, last)
		}
	}

	view, _ := e.svc.Battle(ctx, b.ID, "u105")
	if view.Battle.Status != combat.StatusCompleted || view.Battle.Reason != combat.ReasonMaxRounds {
		t.Fatalf("battle = %+v", view.Battle)
	}
	if view.Battle.WinnerID != "u100" {
		t.Fatalf("tie should go to player1, got %s", view.Battle.WinnerID)
	}
	if len(view.State.RoundHistory) != rules.MaxRounds {
		t.Fatalf("rounds = %d", len(view.State.RoundHistory))
	}

	e.runJobs(t)
	if d, _ := e.svc.Discount(ctx, "u100"); d == nil || d.Percent != rules.FeeDiscountPercent {
		t.Fatalf("discount = %+v", d)
	}
	hist, _ := e.svc.History(ctx, "u105", 0)
	if len(hist) != 1 || hist[0].Reason != string(combat.ReasonMaxRounds) {
		t.Fatalf("history = %+v", hist)
	}
	if len(e.rec.Find(fanout.UserChannel("u100"), fanout.EventBattleReward)) != 1 {
		t.Fatalf("reward event missing")
	}
	if _, err := e.svc.Battle(ctx, b.ID, "u300"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("outsider view: %v", err)
	}
}

func TestReadyJobAndLateTimerResolveOnce(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	b := e.pair(t)

	for _, u := range []string{"u100", "u105"} {
		if _, err := e.svc.SubmitAction(ctx, b.ID, u, combat.ActionAttack); err != nil {
			t.Fatalf("SubmitAction %s: %v", u, err)
		}
		if _, err := e.svc.Ready(ctx, b.ID, u); err != nil {
			t.Fatalf("Ready %s: %v", u, err)
		}
	}
	e.clock.Advance(time.Second)
	e.runJobs(t)
	resolve, _ := e.jobs.Get(ctx, "resolve:"+b.ID+":1")
	if resolve == nil || resolve.Status != jobqueue.StatusCompleted {
		t.Fatalf("resolve job = %+v", resolve)
	}

	// round 2 was armed a second later, so only the round 1 timer is due here
	e.clock.Advance(e.svc.Engine().Rules().RoundDuration - time.Second)
	e.runJobs(t)
	timer, _ := e.jobs.Get(ctx, "round:"+b.ID+":1")
	if timer == nil || timer.Status != jobqueue.StatusCompleted {
		t.Fatalf("late timer should complete as a no-op: %+v", timer)
	}
	view, _ := e.svc.Battle(ctx, b.ID, "u100")
	if len(view.State.RoundHistory) != 1 || view.State.CurrentRound != 2 {
		t.Fatalf("state = %+v", view.State)
	}
}

func TestSweepTimesOutAbandonedWaiters(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.svc.FindMatch(ctx, "u300", 10); err != nil {
		t.Fatalf("FindMatch: %v", err)
	}
	e.clock.Advance(2 * time.Minute)
	id, err := e.svc.DispatchMaintenance(ctx, JobSweepQueue, 10*time.Second)
	if err != nil {
		t.Fatalf("DispatchMaintenance: %v", err)
	}
	if dup, _ := e.svc.DispatchMaintenance(ctx, JobSweepQueue, 10*time.Second); dup != id {
		t.Fatalf("same slot dispatched twice: %s vs %s", id, dup)
	}
	e.runJobs(t)
	if st, _ := e.svc.QueueStatus(ctx, "u300"); st != nil {
		t.Fatalf("stale waiter not evicted")
	}
	if len(e.rec.Find(fanout.UserChannel("u300"), fanout.EventQueueTimedOut)) != 1 {
		t.Fatalf("timed_out event missing")
	}
}

func TestMaintenanceJobsRun(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for _, typ := range []string{JobPurgeJobs, JobRecoverJobs} {
		id, err := e.svc.DispatchMaintenance(ctx, typ, time.Hour)
		if err != nil {
			t.Fatalf("dispatch %s: %v", typ, err)
		}
		e.runJobs(t)
		j, _ := e.jobs.Get(ctx, id)
		if j == nil || j.Status != jobqueue.StatusCompleted {
			t.Fatalf("%s job = %+v", typ, j)
		}
	}

	sc, err := e.svc.NewScheduler()
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	sc.Start()
	if err := sc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestExpireJobForUnknownInvitationFails(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.jobs.Dispatch(ctx, invitation.JobExpire, invitation.ExpireJob{InvitationID: "ghost"})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	e.runJobs(t)
	j, _ := e.jobs.Get(ctx, id)
	if j == nil || j.Status != jobqueue.StatusFailed || j.Attempts != 1 {
		t.Fatalf("job = %+v", j)
	}
}
