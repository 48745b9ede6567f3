package invitation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// 해결된 초대는 일주일 보관
const ttlResolved = 7 * 24 * time.Hour

type Store struct{ rdb *redis.Client }

func NewStore(rdb *redis.Client) *Store { return &Store{rdb: rdb} }

func (s *Store) keyInv(id string) string         { return "inv:" + strings.TrimSpace(id) }
func (s *Store) keyPending(userID string) string { return "inv:pending:" + strings.TrimSpace(userID) }
func (s *Store) keyRejected(from, to string) string {
	return "inv:rejected:" + strings.TrimSpace(from) + ":" + strings.TrimSpace(to)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) load(ctx context.Context, c getter, id string) (*Invitation, error) {
	raw, err := c.Get(ctx, s.keyInv(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var inv Invitation
	if err := json.Unmarshal(raw, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Insert stores a new pending invitation and indexes it for the recipient.
func (s *Store) Insert(ctx context.Context, inv *Invitation) (bool, error) {
	raw, err := json.Marshal(inv)
	if err != nil {
		return false, err
	}
	var ok *redis.BoolCmd
	_, err = s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		ok = p.SetNX(ctx, s.keyInv(inv.ID), raw, 0)
		p.SAdd(ctx, s.keyPending(inv.ToUserID), inv.ID)
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok.Val(), nil
}

// resolve writes a terminal invitation inside a WATCH transaction and drops it from the pending index.
func (s *Store) resolve(ctx context.Context, p redis.Pipeliner, inv *Invitation, rejection *SessionRejection) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	p.Set(ctx, s.keyInv(inv.ID), raw, ttlResolved)
	p.SRem(ctx, s.keyPending(inv.ToUserID), inv.ID)
	if rejection != nil && rejection.SessionToken != "" {
		p.SAdd(ctx, s.keyRejected(rejection.FromUserID, rejection.ToUserID), rejection.SessionToken)
	}
	return nil
}

// reopen rewrites an invitation whose accept was rolled back; a pending one goes back into the index.
func (s *Store) reopen(ctx context.Context, p redis.Pipeliner, inv *Invitation) error {
	raw, err := json.Marshal(inv)
	if err != nil {
		return err
	}
	if inv.Status != StatusPending {
		p.Set(ctx, s.keyInv(inv.ID), raw, ttlResolved)
		return nil
	}
	p.Set(ctx, s.keyInv(inv.ID), raw, 0)
	p.SAdd(ctx, s.keyPending(inv.ToUserID), inv.ID)
	return nil
}

// WasRejected reports whether to declined from during the given session.
func (s *Store) WasRejected(ctx context.Context, from, to, session string) (bool, error) {
	if strings.TrimSpace(session) == "" {
		return false, nil
	}
	return s.rdb.SIsMember(ctx, s.keyRejected(from, to), session).Result()
}

// Pending lists invitations waiting on userID, oldest first.
func (s *Store) Pending(ctx context.Context, userID string) ([]*Invitation, error) {
	ids, err := s.rdb.SMembers(ctx, s.keyPending(userID)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*Invitation, 0, len(ids))
	for _, id := range ids {
		inv, err := s.load(ctx, s.rdb, id)
		if err != nil {
			return nil, err
		}
		if inv == nil || inv.Status != StatusPending {
			// 인덱스 정리
			_ = s.rdb.SRem(ctx, s.keyPending(userID), id).Err()
			continue
		}
		out = append(out, inv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
