package matchmaking

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

const (
	keyQueue    = "mm:queue"
	keyStrength = "mm:strength"

	defaultMaxRetries = 8
)

// Queue pairs waiting players by strength proximity. Waiters live in a sorted
// set scored by enqueue time (FIFO scan) with strengths in a side hash.
type Queue struct {
	rdb        *redis.Client
	now        func() time.Time
	maxRetries int
}

type Option func(*Queue)

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithMaxRetries(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxRetries = n
		}
	}
}

func NewQueue(rdb *redis.Client, opts ...Option) *Queue {
	q := &Queue{rdb: rdb, now: time.Now, maxRetries: defaultMaxRetries}
	for _, o := range opts {
		o(q)
	}
	return q
}

// FindMatch pairs the caller with the oldest waiter within tolerance, removing
// both entries in one transaction. Without a candidate the caller is queued;
// calling again while queued keeps the original position.
func (q *Queue) FindMatch(ctx context.Context, userID string, strength, tolerance int) (*MatchResult, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" || tolerance < 0 || strength < 0 {
		return nil, ErrInvalidArgs
	}

	for attempt := 0; attempt < q.maxRetries; attempt++ {
		var res *MatchResult
		err := q.rdb.Watch(ctx, func(tx *redis.Tx) error {
			entries, err := tx.ZRangeWithScores(ctx, keyQueue, 0, -1).Result()
			if err != nil {
				return err
			}
			strengths, err := tx.HGetAll(ctx, keyStrength).Result()
			if err != nil {
				return err
			}

			var self, opp *WaitingPlayer
			for _, z := range entries {
				id, _ := z.Member.(string)
				wp := &WaitingPlayer{
					UserID:     id,
					Strength:   atoi(strengths[id]),
					EnqueuedAt: time.UnixMilli(int64(z.Score)).UTC(),
				}
				if id == userID {
					self = wp
					continue
				}
				if opp == nil && abs(strength-wp.Strength) <= tolerance {
					opp = wp
				}
			}

			if opp != nil {
				_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.ZRem(ctx, keyQueue, opp.UserID, userID)
					p.HDel(ctx, keyStrength, opp.UserID, userID)
					return nil
				})
				if err != nil {
					return err
				}
				res = &MatchResult{Opponent: opp}
				return nil
			}

			if self != nil {
				res = &MatchResult{Waiting: true, Self: self}
				return nil
			}

			now := q.now().UTC()
			_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
				p.ZAdd(ctx, keyQueue, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
				p.HSet(ctx, keyStrength, userID, strength)
				return nil
			})
			if err != nil {
				return err
			}
			res = &MatchResult{Waiting: true, Self: &WaitingPlayer{UserID: userID, Strength: strength, EnqueuedAt: now.Truncate(time.Millisecond)}}
			return nil
		}, keyQueue, keyStrength)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if res.Opponent != nil {
			obslog.L().Info("matchmaking_paired",
				zap.String("user_id", userID),
				zap.String("opponent_id", res.Opponent.UserID),
				zap.Int("strength", strength),
				zap.Int("opponent_strength", res.Opponent.Strength),
				zap.Int("attempt", attempt),
			)
		}
		return res, nil
	}
	obslog.L().Warn("matchmaking_conflict", zap.String("user_id", userID), zap.Int("retries", q.maxRetries))
	return nil, ErrConflict
}

// Leave removes the user's entry. Removing an absent entry is not an error.
func (q *Queue) Leave(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidArgs
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, keyQueue, userID)
		p.HDel(ctx, keyStrength, userID)
		return nil
	})
	return err
}

// Restore puts a paired waiter back at their original position after the
// battle could not start. An entry the user created since is left alone.
func (q *Queue) Restore(ctx context.Context, wp WaitingPlayer) error {
	id := strings.TrimSpace(wp.UserID)
	if id == "" {
		return ErrInvalidArgs
	}
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAddNX(ctx, keyQueue, redis.Z{Score: float64(wp.EnqueuedAt.UnixMilli()), Member: id})
		p.HSetNX(ctx, keyStrength, id, wp.Strength)
		return nil
	})
	if err == nil {
		obslog.L().Info("matchmaking_restored", zap.String("user_id", id), zap.Time("enqueued_at", wp.EnqueuedAt))
	}
	return err
}

var sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
end
return ids
`)

// Sweep evicts entries enqueued more than olderThan ago and returns their user ids.
func (q *Queue) Sweep(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := q.now().Add(-olderThan).UnixMilli()
	ids, err := sweepScript.Run(ctx, q.rdb, []string{keyQueue, keyStrength}, cutoff).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		obslog.L().Info("matchmaking_swept", zap.Int("count", len(ids)), zap.Duration("older_than", olderThan))
	}
	return ids, nil
}

// Get returns the user's waiting entry or nil.
func (q *Queue) Get(ctx context.Context, userID string) (*WaitingPlayer, error) {
	score, err := q.rdb.ZScore(ctx, keyQueue, userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s, err := q.rdb.HGet(ctx, keyStrength, userID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	return &WaitingPlayer{UserID: userID, Strength: atoi(s), EnqueuedAt: time.UnixMilli(int64(score)).UTC()}, nil
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, keyQueue).Result()
}

// List returns all waiters in FIFO order.
func (q *Queue) List(ctx context.Context) ([]WaitingPlayer, error) {
	entries, err := q.rdb.ZRangeWithScores(ctx, keyQueue, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	strengths, err := q.rdb.HGetAll(ctx, keyStrength).Result()
	if err != nil {
		return nil, err
	}
	out := make([]WaitingPlayer, 0, len(entries))
	for _, z := range entries {
		id, _ := z.Member.(string)
		out = append(out, WaitingPlayer{UserID: id, Strength: atoi(strengths[id]), EnqueuedAt: time.UnixMilli(int64(z.Score)).UTC()})
	}
	return out, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
