package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store keeps jobs in Redis: one hash per job plus sorted sets indexing
// pending (by availableAt), processing (by lease deadline) and finished
// (by completion time) ids, with failed ids also kept in their own index for
// operators. Every state change is a single Lua script.
type Store struct {
	rdb    *redis.Client
	prefix string
}

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb, prefix: "jobs:"} }

func (s *Store) keyJob(id string) string { return s.prefix + "job:" + strings.TrimSpace(id) }
func (s *Store) keyJobPrefix() string    { return s.prefix + "job:" }
func (s *Store) keyPending() string      { return s.prefix + "pending" }
func (s *Store) keyProcessing() string   { return s.prefix + "processing" }
func (s *Store) keyFinished() string     { return s.prefix + "finished" }
func (s *Store) keyFailed() string       { return s.prefix + "failed" }
func ms(t time.Time) int64               { return t.UnixMilli() }
func fromMS(v int64) time.Time           { return time.UnixMilli(v).UTC() }

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then return 0 end
redis.call('HSET', KEYS[1], 'id', ARGV[1], 'type', ARGV[2], 'payload', ARGV[3], 'status', 'pending',
  'attempts', '0', 'max_attempts', ARGV[4], 'available_at', ARGV[5], 'error', '',
  'created_at', ARGV[6], 'updated_at', ARGV[6])
redis.call('ZADD', KEYS[2], ARGV[5], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', '0', ARGV[2])
local out = {}
for _, id in ipairs(ids) do
  if redis.call('ZREM', KEYS[1], id) == 1 then
    local key = ARGV[3] .. id
    if redis.call('HGET', key, 'status') == 'pending' then
      redis.call('HSET', key, 'status', 'processing', 'updated_at', ARGV[1])
      redis.call('HINCRBY', key, 'attempts', 1)
      redis.call('ZADD', KEYS[2], ARGV[4], id)
      table.insert(out, id)
    end
  end
end
return out
`)

var claimOneScript = redis.NewScript(`
local score = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not score then return 0 end
if tonumber(score) > tonumber(ARGV[2]) then return 0 end
redis.call('ZREM', KEYS[1], ARGV[1])
if redis.call('HGET', KEYS[3], 'status') ~= 'pending' then return 0 end
redis.call('HSET', KEYS[3], 'status', 'processing', 'updated_at', ARGV[2])
redis.call('HINCRBY', KEYS[3], 'attempts', 1)
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'error', ARGV[3], 'updated_at', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
if ARGV[2] == 'failed' then redis.call('ZADD', KEYS[4], ARGV[4], ARGV[1]) end
return 1
`)

var retryScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'pending', 'available_at', ARGV[2], 'error', ARGV[3], 'updated_at', ARGV[4])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local n = 0
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'status') == 'processing' then
    local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
    local maxAttempts = tonumber(redis.call('HGET', key, 'max_attempts') or '1')
    if attempts >= maxAttempts then
      redis.call('HSET', key, 'status', 'failed', 'error', 'lease expired', 'updated_at', ARGV[1])
      redis.call('ZADD', KEYS[3], ARGV[1], id)
      redis.call('ZADD', KEYS[4], ARGV[1], id)
    else
      redis.call('HSET', key, 'status', 'pending', 'available_at', ARGV[1], 'updated_at', ARGV[1])
      redis.call('ZADD', KEYS[2], ARGV[1], id)
    end
    n = n + 1
  end
end
return n
`)

var purgeScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  redis.call('DEL', ARGV[2] .. id)
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZREM', KEYS[2], id)
end
return #ids
`)

var requeueScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'failed' then return 0 end
redis.call('HSET', KEYS[1], 'status', 'pending', 'attempts', '0', 'error', '', 'available_at', ARGV[2], 'updated_at', ARGV[2])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[1])
return 1
`)

// Create persists a new pending job. It reports false when a job with the same id already exists.
func (s *Store) Create(ctx context.Context, j *Job) (bool, error) {
	if j == nil || strings.TrimSpace(j.ID) == "" || strings.TrimSpace(j.Type) == "" {
		return false, ErrInvalidJob
	}
	n, err := createScript.Run(ctx, s.rdb,
		[]string{s.keyJob(j.ID), s.keyPending()},
		j.ID, j.Type, string(j.Payload), j.MaxAttempts, ms(j.AvailableAt), ms(j.CreatedAt),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Claim moves up to limit due jobs to processing and returns them with attempts already incremented.
func (s *Store) Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*Job, error) {
	if limit <= 0 {
		limit = 1
	}
	ids, err := claimScript.Run(ctx, s.rdb,
		[]string{s.keyPending(), s.keyProcessing()},
		ms(now), limit, s.keyJobPrefix(), ms(now.Add(lease)),
	).StringSlice()
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := s.Get(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, j)
	}
	return out, nil
}

// ClaimByID claims one specific due job; nil means someone else got it first or it is not due.
func (s *Store) ClaimByID(ctx context.Context, id string, now time.Time, lease time.Duration) (*Job, error) {
	n, err := claimOneScript.Run(ctx, s.rdb,
		[]string{s.keyPending(), s.keyProcessing(), s.keyJob(id)},
		id, ms(now), ms(now.Add(lease)),
	).Int()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return s.Get(ctx, id)
}

// Complete marks a processing job completed. It reports false if the job was not processing.
func (s *Store) Complete(ctx context.Context, id string, now time.Time) (bool, error) {
	return s.finish(ctx, id, StatusCompleted, "", now)
}

// Fail marks a processing job permanently failed.
func (s *Store) Fail(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	return s.finish(ctx, id, StatusFailed, reason, now)
}

func (s *Store) finish(ctx context.Context, id string, st Status, reason string, now time.Time) (bool, error) {
	n, err := finishScript.Run(ctx, s.rdb,
		[]string{s.keyJob(id), s.keyProcessing(), s.keyFinished(), s.keyFailed()},
		id, string(st), reason, ms(now),
	).Int()
	return n == 1, err
}

// Retry returns a processing job to pending, due at availableAt.
func (s *Store) Retry(ctx context.Context, id string, availableAt time.Time, reason string, now time.Time) (bool, error) {
	n, err := retryScript.Run(ctx, s.rdb,
		[]string{s.keyJob(id), s.keyProcessing(), s.keyPending()},
		id, ms(availableAt), reason, ms(now),
	).Int()
	return n == 1, err
}

// RecoverStale releases jobs whose processing lease expired (worker crash) back to pending.
func (s *Store) RecoverStale(ctx context.Context, now time.Time) (int, error) {
	return recoverScript.Run(ctx, s.rdb,
		[]string{s.keyProcessing(), s.keyPending(), s.keyFinished(), s.keyFailed()},
		ms(now), s.keyJobPrefix(),
	).Int()
}

// Purge deletes completed and failed jobs finished before cutoff.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	return purgeScript.Run(ctx, s.rdb, []string{s.keyFinished(), s.keyFailed()}, ms(cutoff), s.keyJobPrefix()).Int()
}

// Requeue resets a failed job so that it runs again with a fresh retry budget.
func (s *Store) Requeue(ctx context.Context, id string, now time.Time) error {
	n, err := requeueScript.Run(ctx, s.rdb,
		[]string{s.keyJob(id), s.keyFinished(), s.keyPending(), s.keyFailed()},
		id, ms(now),
	).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		j, gerr := s.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if j == nil {
			return ErrJobNotFound
		}
		return ErrNotFailed
	}
	return nil
}

// Get loads a job; a missing job returns (nil, nil).
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	m, err := s.rdb.HGetAll(ctx, s.keyJob(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return decodeJob(m), nil
}

// ListFailed returns the most recently failed jobs, newest first.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.rdb.ZRevRange(ctx, s.keyFailed(), 0, int64(limit-1)).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, s.keyJob(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]*Job, 0, len(ids))
	for _, c := range cmds {
		if m := c.Val(); len(m) > 0 {
			out = append(out, decodeJob(m))
		}
	}
	return out, nil
}

// PendingCount reports how many jobs wait in the pending index (due or not).
func (s *Store) PendingCount(ctx context.Context) (int64, error) {
	return s.rdb.ZCard(ctx, s.keyPending()).Result()
}

func decodeJob(m map[string]string) *Job {
	j := &Job{
		ID:     m["id"],
		Type:   m["type"],
		Status: Status(m["status"]),
		Error:  m["error"],
	}
	if p := m["payload"]; p != "" {
		j.Payload = json.RawMessage(p)
	}
	j.Attempts, _ = strconv.Atoi(m["attempts"])
	j.MaxAttempts, _ = strconv.Atoi(m["max_attempts"])
	j.AvailableAt = parseMS(m["available_at"])
	j.CreatedAt = parseMS(m["created_at"])
	j.UpdatedAt = parseMS(m["updated_at"])
	return j
}

func parseMS(v string) time.Time {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return fromMS(n)
}

// IsNil reports a redis.Nil miss; exported for callers sharing the client.
func IsNil(err error) bool { return errors.Is(err, redis.Nil) }
