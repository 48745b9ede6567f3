package profile

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

// CachedDirectory fronts another Directory with a Redis TTL cache.
// Entries are dropped explicitly with Invalidate when the platform reports a change.
type CachedDirectory struct {
	next Directory
	rdb  *redis.Client
	ttl  time.Duration
}

func NewCachedDirectory(next Directory, rdb *redis.Client, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl}
}

func cacheKey(userID string) string { return "profile:" + userID }

func (c *CachedDirectory) Lookup(ctx context.Context, userID string) (*Profile, error) {
	raw, err := c.rdb.Get(ctx, cacheKey(userID)).Bytes()
	switch {
	case err == nil:
		var p Profile
		if jerr := json.Unmarshal(raw, &p); jerr == nil {
			return &p, nil
		}
	case !errors.Is(err, redis.Nil):
		obslog.L().Warn("profile_cache_read_failed", zap.String("user_id", userID), zap.Error(err))
	}

	p, err := c.next.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b, jerr := json.Marshal(p); jerr == nil {
		if serr := c.rdb.Set(ctx, cacheKey(userID), b, c.ttl).Err(); serr != nil {
			obslog.L().Warn("profile_cache_write_failed", zap.String("user_id", userID), zap.Error(serr))
		}
	}
	return p, nil
}

// Invalidate drops cached profiles.
func (c *CachedDirectory) Invalidate(ctx context.Context, userIDs ...string) error {
	if len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, cacheKey(id))
	}
	return c.rdb.Del(ctx, keys...).Err()
}
