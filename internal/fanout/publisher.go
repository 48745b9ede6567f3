package fanout

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

// Publisher delivers events fire-and-forget. Implementations log failures and
// never return them: a commit that already happened is not rolled back.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, payload any)
}

func encode(channel, event string, payload any, at time.Time) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(Envelope{Channel: channel, Event: event, Payload: raw, At: at.UTC()})
}

// RedisPublisher sends envelopes over Redis PUBLISH.
type RedisPublisher struct {
	rdb *redis.Client
}

func NewRedisPublisher(rdb *redis.Client) *RedisPublisher { return &RedisPublisher{rdb: rdb} }

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, payload any) {
	msg, err := encode(channel, event, payload, time.Now())
	if err != nil {
		obslog.L().Warn("fanout_encode_failed", zap.String("channel", channel), zap.String("event", event), zap.Error(err))
		return
	}
	receivers, err := p.rdb.Publish(ctx, channel, msg).Result()
	if err != nil {
		obslog.L().Warn("fanout_publish_failed", zap.String("channel", channel), zap.String("event", event), zap.Error(err))
		return
	}
	obslog.L().Debug("fanout_published", zap.String("channel", channel), zap.String("event", event), zap.Int64("receivers", receivers))
}

// LogPublisher only logs; used for dry runs.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, channel, event string, payload any) {
	obslog.L().Info("fanout_dryrun", zap.String("channel", channel), zap.String("event", event), zap.Any("payload", payload))
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Envelope
}

func (r *Recorder) Publish(_ context.Context, channel, event string, payload any) {
	msg, err := encode(channel, event, payload, time.Now())
	if err != nil {
		return
	}
	var env Envelope
	_ = json.Unmarshal(msg, &env)
	r.mu.Lock()
	r.events = append(r.events, env)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Envelope, len(r.events))
	copy(out, r.events)
	return out
}

// Find returns events with the given name on the given channel.
func (r *Recorder) Find(channel, event string) []Envelope {
	var out []Envelope
	for _, e := range r.Events() {
		if e.Channel == channel && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
