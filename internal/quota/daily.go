package quota

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DailyLimiter counts battles per user per UTC day.
type DailyLimiter struct {
	rdb   *redis.Client
	limit int
	now   func() time.Time
}

// NewDailyLimiter returns a limiter; limit <= 0 disables the check.
func NewDailyLimiter(rdb *redis.Client, limit int) *DailyLimiter {
	return &DailyLimiter{rdb: rdb, limit: limit, now: time.Now}
}

// WithClock swaps the clock; used in tests.
func (l *DailyLimiter) WithClock(now func() time.Time) *DailyLimiter {
	l.now = now
	return l
}

func (l *DailyLimiter) Limit() int { return l.limit }

func (l *DailyLimiter) key(userID string) string {
	return "battle:daily:" + userID + ":" + l.now().UTC().Format("20060102")
}

// Used returns how many battles the user started today.
func (l *DailyLimiter) Used(ctx context.Context, userID string) (int, error) {
	v, err := l.rdb.Get(ctx, l.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

// Allow reports whether the user may start another battle today.
func (l *DailyLimiter) Allow(ctx context.Context, userID string) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	n, err := l.Used(ctx, userID)
	if err != nil {
		return false, err
	}
	return n < l.limit, nil
}

// Record counts one started battle for every given user.
func (l *DailyLimiter) Record(ctx context.Context, userIDs ...string) error {
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, id := range userIDs {
			k := l.key(id)
			p.Incr(ctx, k)
			p.Expire(ctx, k, 48*time.Hour)
		}
		return nil
	})
	return err
}
