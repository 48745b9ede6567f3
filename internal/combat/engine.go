package combat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/domain"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/fanout"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/jobqueue"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

// Dispatcher enqueues durable follow-up work.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobType string, payload any, opts ...jobqueue.DispatchOption) (string, error)
}

// Engine runs battles whose authoritative state lives in Redis.
type Engine struct {
	rdb   *redis.Client
	jobs  Dispatcher
	pub   fanout.Publisher
	repo  Repository
	rules Rules
	now   func() time.Time

	rngMu sync.Mutex
	rng   func() float64

	maxRetries int
}

type Option func(*Engine)

func WithRules(r Rules) Option              { return func(e *Engine) { e.rules = r } }
func WithRepository(r Repository) Option    { return func(e *Engine) { e.repo = r } }
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithRandom injects the crit roll source; values must be in [0,1).
func WithRandom(fn func() float64) Option { return func(e *Engine) { e.rng = fn } }

func NewEngine(rdb *redis.Client, jobs Dispatcher, pub fanout.Publisher, opts ...Option) *Engine {
	src := rand.New(rand.NewSource(time.Now().UnixNano()))
	e := &Engine{
		rdb:        rdb,
		jobs:       jobs,
		pub:        pub,
		rules:      DefaultRules(),
		now:        time.Now,
		rng:        src.Float64,
		maxRetries: 5,
	}
	for _, o := range opts {
		o(e)
	}
	if e.repo == nil {
		e.repo = NewMemoryRepository()
	}
	if e.pub == nil {
		e.pub = fanout.LogPublisher{}
	}
	return e
}

func (e *Engine) Rules() Rules { return e.rules }

func metaKey(id string) string               { return "battle:" + id }
func stateKey(id string) string              { return "battle:" + id + ":state" }
func actionsKey(id, slot string) string      { return "battle:" + id + ":actions:" + slot }
func roundsKey(id string) string             { return "battle:" + id + ":rounds" }
func logKey(id string) string                { return "battle:" + id + ":log" }
func rewardedKey(id string) string           { return "battle:" + id + ":rewarded" }
func activeKey(userID string) string         { return "battle:active:" + userID }
func discountKey(userID string) string       { return "discount:" + userID }
func roundJobID(id string, round int) string { return "round:" + id + ":" + strconv.Itoa(round) }

func (e *Engine) roll() bool {
	e.rngMu.Lock()
	v := e.rng()
	e.rngMu.Unlock()
	return v < e.rules.CriticalChance
}

// Create stores a new battle in the waiting state.
func (e *Engine) Create(ctx context.Context, p1, p2 Participant) (*Battle, error) {
	p1.UserID, p2.UserID = strings.TrimSpace(p1.UserID), strings.TrimSpace(p2.UserID)
	if p1.UserID == "" || p2.UserID == "" || p1.UserID == p2.UserID {
		return nil, ErrInvalidArgs
	}
	b := &Battle{
		ID:          uuid.NewString(),
		Player1ID:   p1.UserID,
		Player2ID:   p2.UserID,
		Player1Name: nameOr(p1),
		Player2Name: nameOr(p2),
		Player1CP:   p1.Strength,
		Player2CP:   p2.Strength,
		Status:      StatusWaiting,
		CreatedAt:   e.now().UTC(),
	}
	raw, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	ok, err := e.rdb.SetNX(ctx, metaKey(b.ID), raw, 0).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	obslog.L().Info("battle_created",
		zap.String("battle_id", b.ID),
		zap.String("player1_id", b.Player1ID),
		zap.String("player2_id", b.Player2ID),
	)
	return b, nil
}

func nameOr(p Participant) string {
	if n := strings.TrimSpace(p.Name); n != "" {
		return n
	}
	return p.UserID
}

// Start arms the first round timer, then moves a waiting battle to in_progress
// and initialises its state. A timer left behind by a failed start is a no-op.
func (e *Engine) Start(ctx context.Context, battleID string) (*Battle, error) {
	cur, err := e.load(ctx, e.rdb, battleID)
	if err != nil {
		return nil, err
	}
	if cur == nil {
		return nil, ErrBattleNotFound
	}
	if cur.Status != StatusWaiting {
		return nil, ErrBattleNotActive
	}
	if err := e.armRoundTimer(ctx, battleID, 1); err != nil {
		return nil, fmt.Errorf("arm round timer: %w", err)
	}
	mk, a1, a2 := metaKey(battleID), activeKey(cur.Player1ID), activeKey(cur.Player2ID)

	var started *Battle
	err = e.watch(ctx, func(tx *redis.Tx) error {
		b, err := e.load(ctx, tx, battleID)
		if err != nil {
			return err
		}
		if b == nil {
			return ErrBattleNotFound
		}
		if b.Status != StatusWaiting {
			return ErrBattleNotActive
		}
		for _, k := range []string{a1, a2} {
			other, err := tx.Get(ctx, k).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if other != "" && other != battleID {
				return ErrAlreadyInBattle
			}
		}
		now := e.now().UTC()
		b.Status = StatusInProgress
		b.StartedAt = &now
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		hp := e.rules.StartHealth
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, mk, raw, 0)
			p.Set(ctx, a1, battleID, 0)
			p.Set(ctx, a2, battleID, 0)
			p.HSet(ctx, stateKey(battleID),
				"round", 1, "applied", 0, "claim", 0, "closed", 0,
				"p1_hp", hp, "p2_hp", hp,
				"p1_energy", 0, "p1_defense", 0, "p2_energy", 0, "p2_defense", 0,
				"p1_active", 0, "p2_active", 0, "p1_ready", 0, "p2_ready", 0,
			)
			return nil
		})
		if err != nil {
			return err
		}
		started = b
		return nil
	}, mk, a1, a2)
	if err != nil {
		return nil, err
	}

	obslog.L().Info("battle_started", zap.String("battle_id", battleID))
	for _, ch := range []string{fanout.UserChannel(started.Player1ID), fanout.UserChannel(started.Player2ID), fanout.BattleChannel(battleID)} {
		e.pub.Publish(ctx, ch, fanout.EventBattleStarted, started)
	}
	return started, nil
}

// Cancel ends a battle that never started.
func (e *Engine) Cancel(ctx context.Context, battleID string, reason Reason) error {
	mk := metaKey(battleID)
	err := e.watch(ctx, func(tx *redis.Tx) error {
		b, err := e.load(ctx, tx, battleID)
		if err != nil {
			return err
		}
		if b == nil {
			return ErrBattleNotFound
		}
		if b.Status != StatusWaiting {
			return ErrBattleNotActive
		}
		now := e.now().UTC()
		b.Status = StatusCancelled
		b.Reason = reason
		b.EndedAt = &now
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, mk, raw, 0)
			return nil
		})
		return err
	}, mk)
	if err == nil {
		obslog.L().Info("battle_cancelled", zap.String("battle_id", battleID), zap.String("reason", string(reason)))
	}
	return err
}

// ActionResult reports the pool a click landed in.
type ActionResult struct {
	Round  int    `json:"round"`
	Action Action `json:"action"`
	Stored int    `json:"stored"`
}

// SubmitAction adds one click of energy to the caller's attack or defense pool.
func (e *Engine) SubmitAction(ctx context.Context, battleID, userID string, action Action) (*ActionResult, error) {
	if !action.Valid() {
		return nil, ErrInvalidAction
	}
	b, slot, err := e.activeSlot(ctx, battleID, userID)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	res, err := actionScript.Run(ctx, e.rdb,
		[]string{stateKey(battleID), actionsKey(battleID, slot)},
		slot, string(action), now.UnixMilli(), e.rules.EnergyPerClick, e.rules.MaxStoredEnergy,
		e.rules.StartHealth, e.rules.MinClickInterval.Milliseconds(), now.Format(time.RFC3339Nano),
	).Int64Slice()
	if err != nil {
		return nil, err
	}
	switch res[0] {
	case -1:
		return nil, ErrBattleNotActive
	case -2:
		return nil, ErrClickTooFast
	}
	out := &ActionResult{Round: int(res[1]), Action: action, Stored: int(res[0])}
	// 부정행위 분석용 클릭 로그
	obslog.L().Debug("battle_click",
		zap.String("battle_id", battleID),
		zap.String("user_id", userID),
		zap.String("action", string(action)),
		zap.Int("round", out.Round),
		zap.Int("stored", out.Stored),
		zap.Time("at", now),
	)
	e.pub.Publish(ctx, fanout.BattleChannel(b.ID), fanout.EventBattleEnergy, map[string]any{
		"battle_id": b.ID,
		"user_id":   userID,
		"action":    action,
		"round":     out.Round,
		"stored":    out.Stored,
	})
	return out, nil
}

// Ready marks the caller done for the current round. Once both are ready the round resolves immediately.
func (e *Engine) Ready(ctx context.Context, battleID, userID string) (bool, error) {
	_, slot, err := e.activeSlot(ctx, battleID, userID)
	if err != nil {
		return false, err
	}
	res, err := readyScript.Run(ctx, e.rdb, []string{stateKey(battleID)}, slot, e.rules.StartHealth).Int64Slice()
	if err != nil {
		return false, err
	}
	if res[0] == -1 {
		return false, ErrBattleNotActive
	}
	both := res[0] == 1
	if both {
		round := int(res[1])
		_, err := e.jobs.Dispatch(ctx, JobResolveRound, RoundJob{BattleID: battleID, Round: round},
			jobqueue.WithJobID("resolve:"+battleID+":"+strconv.Itoa(round)))
		if err != nil {
			return true, fmt.Errorf("dispatch resolve: %w", err)
		}
	}
	return both, nil
}

func (e *Engine) activeSlot(ctx context.Context, battleID, userID string) (*Battle, string, error) {
	b, err := e.load(ctx, e.rdb, battleID)
	if err != nil {
		return nil, "", err
	}
	if b == nil {
		return nil, "", ErrBattleNotFound
	}
	slot := b.Slot(userID)
	if slot == "" {
		return nil, "", ErrNotParticipant
	}
	if b.Status != StatusInProgress {
		return nil, "", ErrBattleNotActive
	}
	return b, slot, nil
}

// ResolveRound resolves round N at most once. A second caller for the same
// round gets ErrRoundResolved.
func (e *Engine) ResolveRound(ctx context.Context, battleID string, round int) (*RoundResult, error) {
	if round <= 0 {
		return nil, ErrInvalidArgs
	}
	b, err := e.load(ctx, e.rdb, battleID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBattleNotFound
	}
	switch {
	case b.Status == StatusWaiting:
		return nil, ErrBattleNotActive
	case b.Status.Terminal():
		if _, err := e.finalize(ctx, b); err != nil {
			return nil, err
		}
		return nil, ErrRoundResolved
	}

	c1, c2 := e.roll(), e.roll()
	claim, err := claimScript.Run(ctx, e.rdb, []string{stateKey(battleID)},
		round, e.rules.StartHealth, boolArg(c1), boolArg(c2)).StringSlice()
	if err != nil {
		return nil, err
	}
	switch claim[0] {
	case "claimed", "resume":
	default:
		if ferr := e.resumeFollowUps(ctx, b); ferr != nil {
			return nil, ferr
		}
		return nil, ErrRoundResolved
	}

	snap, err := parseSnapshot(claim[1])
	if err != nil {
		return nil, jobqueue.Fatal(err)
	}
	out := e.rules.resolve(snap)
	resJSON, err := json.Marshal(out.Result)
	if err != nil {
		return nil, err
	}
	args := []any{
		round, out.Result.Player1HealthLeft, out.Result.Player2HealthLeft, string(resJSON),
		boolArg(out.Terminal), string(out.Status), string(out.Reason), out.Winner,
	}
	for _, line := range out.Log {
		args = append(args, line)
	}
	applied, err := applyScript.Run(ctx, e.rdb,
		[]string{stateKey(battleID), roundsKey(battleID), logKey(battleID)}, args...).Int()
	if err != nil {
		return nil, err
	}
	if applied == 0 {
		if ferr := e.resumeFollowUps(ctx, b); ferr != nil {
			return nil, ferr
		}
		return nil, ErrRoundResolved
	}

	obslog.L().Info("battle_round_resolved",
		zap.String("battle_id", battleID),
		zap.Int("round", round),
		zap.Int("p1_damage", out.Result.Player1Damage),
		zap.Int("p2_damage", out.Result.Player2Damage),
		zap.Int("p1_health", out.Result.Player1HealthLeft),
		zap.Int("p2_health", out.Result.Player2HealthLeft),
		zap.Bool("terminal", out.Terminal),
		zap.String("resume", claim[0]),
	)
	e.pub.Publish(ctx, fanout.BattleChannel(battleID), fanout.EventRoundResolved, map[string]any{
		"battle_id": battleID,
		"result":    out.Result,
		"terminal":  out.Terminal,
	})

	if out.Terminal {
		if _, err := e.finalize(ctx, b); err != nil {
			return &out.Result, err
		}
		return &out.Result, nil
	}
	return &out.Result, e.armRoundTimer(ctx, battleID, round+1)
}

// resumeFollowUps re-issues whatever a crashed resolver may have skipped:
// finalization for a closed battle or the timer of the current round.
func (e *Engine) resumeFollowUps(ctx context.Context, b *Battle) error {
	vals, err := e.rdb.HMGet(ctx, stateKey(b.ID), "closed", "round").Result()
	if err != nil {
		return err
	}
	if str(vals[0]) == "1" {
		_, err := e.finalize(ctx, b)
		return err
	}
	if r, _ := strconv.Atoi(str(vals[1])); r > 0 {
		return e.armRoundTimer(ctx, b.ID, r)
	}
	return nil
}

func (e *Engine) armRoundTimer(ctx context.Context, battleID string, round int) error {
	_, err := e.jobs.Dispatch(ctx, JobRoundTimeout, RoundJob{BattleID: battleID, Round: round},
		jobqueue.WithJobID(roundJobID(battleID, round)),
		jobqueue.WithDelay(e.rules.RoundDuration),
	)
	return err
}

// finalize copies the terminal outcome recorded in the state hash onto the
// battle record, releases both players and schedules the reward.
func (e *Engine) finalize(ctx context.Context, cur *Battle) (*Battle, error) {
	vals, err := e.rdb.HMGet(ctx, stateKey(cur.ID), "closed", "outcome", "reason", "winner").Result()
	if err != nil {
		return nil, err
	}
	if str(vals[0]) != "1" {
		return cur, nil
	}
	mk, a1, a2 := metaKey(cur.ID), activeKey(cur.Player1ID), activeKey(cur.Player2ID)

	var (
		final   *Battle
		changed bool
	)
	err = e.watch(ctx, func(tx *redis.Tx) error {
		b, err := e.load(ctx, tx, cur.ID)
		if err != nil {
			return err
		}
		if b == nil {
			return ErrBattleNotFound
		}
		if b.Status != StatusInProgress {
			final = b
			return nil
		}
		now := e.now().UTC()
		b.Status = Status(str(vals[1]))
		b.Reason = Reason(str(vals[2]))
		switch str(vals[3]) {
		case "1":
			b.WinnerID = b.Player1ID
		case "2":
			b.WinnerID = b.Player2ID
		}
		if b.WinnerID != "" {
			b.FeeDiscountPercent = e.rules.FeeDiscountPercent
		}
		b.EndedAt = &now
		raw, err := json.Marshal(b)
		if err != nil {
			return err
		}
		release := make([]string, 0, 2)
		for _, k := range []string{a1, a2} {
			v, err := tx.Get(ctx, k).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return err
			}
			if v == b.ID {
				release = append(release, k)
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, mk, raw, 0)
			if len(release) > 0 {
				p.Del(ctx, release...)
			}
			return nil
		})
		if err != nil {
			return err
		}
		final, changed = b, true
		return nil
	}, mk, a1, a2)
	if err != nil {
		return nil, err
	}

	if final.Status == StatusCompleted || final.Status == StatusTimeout {
		if _, err := e.jobs.Dispatch(ctx, JobReward, RewardJob{BattleID: final.ID}, jobqueue.WithJobID("reward:"+final.ID)); err != nil {
			return final, fmt.Errorf("dispatch reward: %w", err)
		}
	}
	if changed {
		obslog.L().Info("battle_finished",
			zap.String("battle_id", final.ID),
			zap.String("status", string(final.Status)),
			zap.String("reason", string(final.Reason)),
			zap.String("winner_id", final.WinnerID),
		)
		for _, ch := range []string{fanout.UserChannel(final.Player1ID), fanout.UserChannel(final.Player2ID), fanout.BattleChannel(final.ID)} {
			e.pub.Publish(ctx, ch, fanout.EventBattleCompleted, final)
		}
	}
	return final, nil
}

// GrantReward persists the history row and grants the winner's fee discount. Safe to replay.
func (e *Engine) GrantReward(ctx context.Context, battleID string) (*Discount, error) {
	b, err := e.load(ctx, e.rdb, battleID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, jobqueue.Fatal(ErrBattleNotFound)
	}
	if b.Status != StatusCompleted && b.Status != StatusTimeout {
		return nil, jobqueue.Fatal(ErrBattleNotActive)
	}

	rec, err := e.record(ctx, b)
	if err != nil {
		return nil, err
	}
	if err := e.repo.SaveResult(ctx, rec); err != nil {
		return nil, fmt.Errorf("save battle result: %w", err)
	}
	if b.WinnerID == "" || b.FeeDiscountPercent <= 0 {
		return nil, nil
	}

	dk, rk := discountKey(b.WinnerID), rewardedKey(b.ID)
	var granted *Discount
	err = e.watch(ctx, func(tx *redis.Tx) error {
		done, err := tx.Exists(ctx, rk).Result()
		if err != nil {
			return err
		}
		if done == 1 {
			return nil
		}
		now := e.now().UTC()
		base := now
		if raw, err := tx.Get(ctx, dk).Bytes(); err == nil {
			var cur Discount
			if json.Unmarshal(raw, &cur) == nil && cur.ExpiresAt.After(now) {
				base = cur.ExpiresAt
			}
		} else if !errors.Is(err, redis.Nil) {
			return err
		}
		expires := base.Add(e.rules.FeeDiscountDuration)
		if limit := now.Add(e.rules.FeeDiscountMaxStack); e.rules.FeeDiscountMaxStack > 0 && expires.After(limit) {
			expires = limit
		}
		d := &Discount{UserID: b.WinnerID, Percent: b.FeeDiscountPercent, ExpiresAt: expires}
		raw, err := json.Marshal(d)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, dk, raw, expires.Sub(now))
			p.Set(ctx, rk, "1", 0)
			return nil
		})
		if err != nil {
			return err
		}
		granted = d
		return nil
	}, dk, rk)
	if err != nil {
		return nil, err
	}
	if granted != nil {
		obslog.L().Info("battle_reward_granted",
			zap.String("battle_id", b.ID),
			zap.String("user_id", granted.UserID),
			zap.Int("percent", granted.Percent),
			zap.Time("expires_at", granted.ExpiresAt),
		)
		e.pub.Publish(ctx, fanout.UserChannel(granted.UserID), fanout.EventBattleReward, map[string]any{
			"battle_id": b.ID,
			"discount":  granted,
		})
	}
	return granted, nil
}

func (e *Engine) record(ctx context.Context, b *Battle) (*domain.BattleRecord, error) {
	vals, err := e.rdb.HMGet(ctx, stateKey(b.ID), "applied", "p1_hp", "p2_hp").Result()
	if err != nil {
		return nil, err
	}
	rec := &domain.BattleRecord{
		BattleID:           b.ID,
		Player1ID:          b.Player1ID,
		Player1Name:        b.Player1Name,
		Player2ID:          b.Player2ID,
		Player2Name:        b.Player2Name,
		WinnerID:           b.WinnerID,
		Status:             string(b.Status),
		Reason:             string(b.Reason),
		Player1CP:          b.Player1CP,
		Player2CP:          b.Player2CP,
		FeeDiscountPercent: b.FeeDiscountPercent,
	}
	rec.Rounds, _ = strconv.Atoi(str(vals[0]))
	rec.Player1Health, _ = strconv.Atoi(str(vals[1]))
	rec.Player2Health, _ = strconv.Atoi(str(vals[2]))
	if b.StartedAt != nil {
		rec.StartedAt = *b.StartedAt
	}
	if b.EndedAt != nil {
		rec.EndedAt = *b.EndedAt
	} else {
		rec.EndedAt = e.now().UTC()
	}
	if !rec.StartedAt.IsZero() {
		rec.Duration = rec.EndedAt.Sub(rec.StartedAt)
	}
	return rec, nil
}

// Get returns a battle or ErrBattleNotFound.
func (e *Engine) Get(ctx context.Context, battleID string) (*Battle, error) {
	b, err := e.load(ctx, e.rdb, battleID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, ErrBattleNotFound
	}
	return b, nil
}

// State assembles the full battle state for polling clients.
func (e *Engine) State(ctx context.Context, battleID string) (*BattleState, error) {
	pipe := e.rdb.Pipeline()
	hCmd := pipe.HGetAll(ctx, stateKey(battleID))
	a1Cmd := pipe.LRange(ctx, actionsKey(battleID, "p1"), 0, -1)
	a2Cmd := pipe.LRange(ctx, actionsKey(battleID, "p2"), 0, -1)
	rCmd := pipe.LRange(ctx, roundsKey(battleID), 0, -1)
	lCmd := pipe.LRange(ctx, logKey(battleID), 0, -1)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	h := hCmd.Val()
	if len(h) == 0 {
		// 첫 행동 전에는 기본값
		return &BattleState{
			BattleID:      battleID,
			CurrentRound:  1,
			Player1Health: e.rules.StartHealth,
			Player2Health: e.rules.StartHealth,
		}, nil
	}
	st := &BattleState{
		BattleID:                   battleID,
		CurrentRound:               atoi(h["round"]),
		Player1Health:              atoi(h["p1_hp"]),
		Player2Health:              atoi(h["p2_hp"]),
		Player1StoredEnergy:        atoi(h["p1_energy"]),
		Player2StoredEnergy:        atoi(h["p2_energy"]),
		Player1StoredDefenseEnergy: atoi(h["p1_defense"]),
		Player2StoredDefenseEnergy: atoi(h["p2_defense"]),
		BattleLog:                  lCmd.Val(),
	}
	st.Player1Actions = decodeEntries(a1Cmd.Val())
	st.Player2Actions = decodeEntries(a2Cmd.Val())
	for _, raw := range rCmd.Val() {
		var r RoundResult
		if json.Unmarshal([]byte(raw), &r) == nil {
			st.RoundHistory = append(st.RoundHistory, r)
		}
	}
	return st, nil
}

// ActiveBattleForUser returns the in-progress battle of a user, or nil.
func (e *Engine) ActiveBattleForUser(ctx context.Context, userID string) (*Battle, error) {
	id, err := e.rdb.Get(ctx, activeKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b, err := e.load(ctx, e.rdb, id)
	if err != nil || b == nil || b.Status != StatusInProgress {
		return nil, err
	}
	return b, nil
}

// IsParticipant reports whether userID plays in battleID.
func (e *Engine) IsParticipant(ctx context.Context, userID, battleID string) bool {
	b, err := e.load(ctx, e.rdb, battleID)
	return err == nil && b.Slot(userID) != ""
}

func (e *Engine) History(ctx context.Context, userID string, limit int) ([]*domain.BattleRecord, error) {
	return e.repo.RecentByUser(ctx, userID, limit)
}

// Discount returns the user's active fee discount, or nil.
func (e *Engine) Discount(ctx context.Context, userID string) (*Discount, error) {
	raw, err := e.rdb.Get(ctx, discountKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d Discount
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, err
	}
	if !d.ExpiresAt.After(e.now()) {
		return nil, nil
	}
	return &d, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (e *Engine) load(ctx context.Context, c getter, battleID string) (*Battle, error) {
	raw, err := c.Get(ctx, metaKey(strings.TrimSpace(battleID))).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var b Battle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// watch runs fn under WATCH, retrying optimistic failures a bounded number of times.
func (e *Engine) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < e.maxRetries; i++ {
		err := e.rdb.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrConflict
}

func parseSnapshot(s string) (snapshot, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 11 {
		return snapshot{}, fmt.Errorf("malformed round snapshot %q", s)
	}
	n := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return snapshot{}, fmt.Errorf("malformed round snapshot %q: %w", s, err)
		}
		n[i] = v
	}
	return snapshot{
		Round:    n[0],
		P1Energy: n[1], P1Defense: n[2],
		P2Energy: n[3], P2Defense: n[4],
		P1Active: n[5] == 1, P2Active: n[6] == 1,
		P1Health: n[7], P2Health: n[8],
		P1Critical: n[9] == 1, P2Critical: n[10] == 1,
	}, nil
}

func decodeEntries(raw []string) []ActionEntry {
	out := make([]ActionEntry, 0, len(raw))
	for _, r := range raw {
		var a ActionEntry
		if json.Unmarshal([]byte(r), &a) == nil {
			out = append(out, a)
		}
	}
	return out
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
