package invitation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/combat"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/fanout"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/jobqueue"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/profile"
)

// Battles is the slice of the combat engine an accepted invitation drives.
type Battles interface {
	Create(ctx context.Context, p1, p2 combat.Participant) (*combat.Battle, error)
	Start(ctx context.Context, battleID string) (*combat.Battle, error)
	Cancel(ctx context.Context, battleID string, reason combat.Reason) error
	ActiveBattleForUser(ctx context.Context, userID string) (*combat.Battle, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, jobType string, payload any, opts ...jobqueue.DispatchOption) (string, error)
}

// Limiter caps battles per user and day.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, error)
	Record(ctx context.Context, userIDs ...string) error
}

// QueueLeaver removes users from matchmaking once they are in a battle.
type QueueLeaver interface {
	Leave(ctx context.Context, userID string) error
}

type Manager struct {
	rdb     *redis.Client
	store   *Store
	battles Battles
	jobs    Dispatcher
	pub     fanout.Publisher

	dir     profile.Directory
	limiter Limiter
	queue   QueueLeaver
	ttl     time.Duration
	now     func() time.Time

	maxRetries int
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option    { return func(m *Manager) { m.now = now } }
func WithDirectory(d profile.Directory) Option { return func(m *Manager) { m.dir = d } }
func WithLimiter(l Limiter) Option             { return func(m *Manager) { m.limiter = l } }
func WithMatchmaking(q QueueLeaver) Option     { return func(m *Manager) { m.queue = q } }

// WithTTL sets how long an invitation stays pending; non-positive values keep the default.
func WithTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.ttl = d
		}
	}
}

func NewManager(rdb *redis.Client, battles Battles, jobs Dispatcher, pub fanout.Publisher, opts ...Option) *Manager {
	m := &Manager{
		rdb:        rdb,
		store:      NewStore(rdb),
		battles:    battles,
		jobs:       jobs,
		pub:        pub,
		ttl:        5 * time.Minute,
		now:        time.Now,
		maxRetries: 5,
	}
	for _, o := range opts {
		o(m)
	}
	if m.pub == nil {
		m.pub = fanout.LogPublisher{}
	}
	return m
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Send stores a pending invitation, notifies the recipient and schedules its expiry.
func (m *Manager) Send(ctx context.Context, req SendRequest) (*Invitation, error) {
	from, to := strings.TrimSpace(req.FromUserID), strings.TrimSpace(req.ToUserID)
	if from == "" || to == "" {
		return nil, ErrInvalidArgs
	}
	if from == to {
		return nil, ErrSelfInvite
	}
	rejected, err := m.store.WasRejected(ctx, from, to, req.SessionToken)
	if err != nil {
		return nil, err
	}
	if rejected {
		return nil, ErrRejectedThisSession
	}
	if err := m.checkQuota(ctx, from); err != nil {
		return nil, err
	}

	inv := &Invitation{
		ID:           uuid.NewString(),
		FromUserID:   from,
		ToUserID:     to,
		FromStrength: req.FromStrength,
		ToStrength:   req.ToStrength,
		Status:       StatusPending,
		SessionToken: strings.TrimSpace(req.SessionToken),
		CreatedAt:    m.now().UTC(),
	}
	ok, err := m.store.Insert(ctx, inv)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}
	obslog.L().Info("invitation_sent",
		zap.String("invitation_id", inv.ID),
		zap.String("from_user_id", from),
		zap.String("to_user_id", to),
	)
	m.pub.Publish(ctx, fanout.UserChannel(to), fanout.EventInvitationReceived, inv.Public())

	if _, err := m.jobs.Dispatch(ctx, JobExpire, ExpireJob{InvitationID: inv.ID},
		jobqueue.WithJobID("inv-expire:"+inv.ID), jobqueue.WithDelay(m.ttl)); err != nil {
		return inv, fmt.Errorf("schedule invitation expiry: %w", err)
	}
	return inv, nil
}

func (m *Manager) checkQuota(ctx context.Context, userIDs ...string) error {
	if m.limiter == nil {
		return nil
	}
	for _, id := range userIDs {
		ok, err := m.limiter.Allow(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return ErrDailyLimit
		}
	}
	return nil
}

// Accept turns a pending invitation into a running battle. The battle is
// created first and cancelled again if the invitation was resolved meanwhile.
// A busy player leaves the invitation pending; if the start still loses a
// race the invitation is reopened.
func (m *Manager) Accept(ctx context.Context, invitationID, byUserID string) (*combat.Battle, error) {
	inv, err := m.Get(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.ToUserID != strings.TrimSpace(byUserID) {
		return nil, ErrNotRecipient
	}
	if inv.Status != StatusPending {
		return nil, ErrInvitationResolved
	}
	if err := m.checkQuota(ctx, inv.FromUserID, inv.ToUserID); err != nil {
		return nil, err
	}
	for _, id := range []string{inv.FromUserID, inv.ToUserID} {
		busy, err := m.battles.ActiveBattleForUser(ctx, id)
		if err != nil {
			return nil, err
		}
		if busy != nil {
			return nil, combat.ErrAlreadyInBattle
		}
	}

	p1 := m.participant(ctx, inv.FromUserID, inv.FromStrength)
	p2 := m.participant(ctx, inv.ToUserID, inv.ToStrength)
	b, err := m.battles.Create(ctx, p1, p2)
	if err != nil {
		return nil, err
	}

	_, err = m.transition(ctx, inv.ID, func(cur *Invitation, now time.Time) (*SessionRejection, error) {
		cur.Status = StatusAccepted
		cur.ResolvedAt = &now
		cur.BattleID = b.ID
		return nil, nil
	})
	if err != nil {
		if cerr := m.battles.Cancel(ctx, b.ID, combat.ReasonInvitationLost); cerr != nil {
			obslog.L().Warn("invitation_battle_cancel_failed", zap.String("battle_id", b.ID), zap.Error(cerr))
		}
		obslog.L().Info("invitation_accept_lost",
			zap.String("invitation_id", inv.ID),
			zap.String("battle_id", b.ID),
			zap.Error(err),
		)
		return nil, err
	}

	started, err := m.battles.Start(ctx, b.ID)
	if err != nil {
		if cerr := m.battles.Cancel(ctx, b.ID, combat.ReasonInvitationLost); cerr != nil {
			obslog.L().Warn("invitation_battle_cancel_failed", zap.String("battle_id", b.ID), zap.Error(cerr))
		}
		if rerr := m.reopen(ctx, inv.ID, b.ID); rerr != nil {
			obslog.L().Warn("invitation_reopen_failed", zap.String("invitation_id", inv.ID), zap.Error(rerr))
		}
		return nil, fmt.Errorf("start battle: %w", err)
	}

	if m.queue != nil {
		for _, id := range []string{inv.FromUserID, inv.ToUserID} {
			if err := m.queue.Leave(ctx, id); err != nil {
				obslog.L().Warn("matchmaking_leave_failed", zap.String("user_id", id), zap.Error(err))
			}
		}
	}
	if m.limiter != nil {
		if err := m.limiter.Record(ctx, inv.FromUserID, inv.ToUserID); err != nil {
			obslog.L().Warn("daily_quota_record_failed", zap.String("battle_id", b.ID), zap.Error(err))
		}
	}

	obslog.L().Info("invitation_accepted",
		zap.String("invitation_id", inv.ID),
		zap.String("battle_id", started.ID),
	)
	payload := map[string]any{"invitation_id": inv.ID, "battle": started}
	m.pub.Publish(ctx, fanout.UserChannel(inv.FromUserID), fanout.EventInvitationAccepted, payload)
	m.pub.Publish(ctx, fanout.UserChannel(inv.ToUserID), fanout.EventInvitationAccepted, payload)
	return started, nil
}

func (m *Manager) participant(ctx context.Context, userID string, strength int) combat.Participant {
	p := combat.Participant{UserID: userID, Name: userID, Strength: strength}
	if m.dir == nil {
		return p
	}
	prof, err := m.dir.Lookup(ctx, userID)
	if err != nil {
		if !errors.Is(err, profile.ErrNotFound) {
			obslog.L().Warn("profile_lookup_failed", zap.String("user_id", userID), zap.Error(err))
		}
		return p
	}
	p.Name = prof.Name()
	return p
}

// Reject records a session rejection so the sender cannot re-invite during the same session.
func (m *Manager) Reject(ctx context.Context, invitationID, byUserID string) (*Invitation, error) {
	inv, err := m.Get(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.ToUserID != strings.TrimSpace(byUserID) {
		return nil, ErrNotRecipient
	}
	out, err := m.transition(ctx, inv.ID, func(cur *Invitation, now time.Time) (*SessionRejection, error) {
		cur.Status = StatusRejected
		cur.ResolvedAt = &now
		return &SessionRejection{FromUserID: cur.FromUserID, ToUserID: cur.ToUserID, SessionToken: cur.SessionToken}, nil
	})
	if err != nil {
		return nil, err
	}
	obslog.L().Info("invitation_rejected", zap.String("invitation_id", out.ID))
	m.pub.Publish(ctx, fanout.UserChannel(out.FromUserID), fanout.EventInvitationRejected, out.Public())
	return out, nil
}

// Expire runs from the delayed expiry job. Already resolved invitations are left untouched.
func (m *Manager) Expire(ctx context.Context, invitationID string) (bool, error) {
	out, err := m.transition(ctx, invitationID, func(cur *Invitation, now time.Time) (*SessionRejection, error) {
		cur.Status = StatusExpired
		cur.ResolvedAt = &now
		return nil, nil
	})
	if errors.Is(err, ErrInvitationResolved) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	obslog.L().Info("invitation_expired", zap.String("invitation_id", out.ID))
	m.pub.Publish(ctx, fanout.UserChannel(out.FromUserID), fanout.EventInvitationExpired, out.Public())
	m.pub.Publish(ctx, fanout.UserChannel(out.ToUserID), fanout.EventInvitationExpired, out.Public())
	return true, nil
}

// transition moves a pending invitation to a terminal status exactly once.
func (m *Manager) transition(ctx context.Context, id string, mutate func(*Invitation, time.Time) (*SessionRejection, error)) (*Invitation, error) {
	key := m.store.keyInv(id)
	var out *Invitation
	fn := func(tx *redis.Tx) error {
		cur, err := m.store.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil {
			return ErrInvitationNotFound
		}
		if cur.Status != StatusPending {
			return ErrInvitationResolved
		}
		rej, err := mutate(cur, m.now().UTC())
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return m.store.resolve(ctx, p, cur, rej)
		})
		if err != nil {
			return err
		}
		out = cur
		return nil
	}
	for i := 0; i < m.maxRetries; i++ {
		err := m.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return nil, ErrConflict
}

// reopen undoes an accept whose battle never started. Past its deadline the
// invitation expires instead, since the expiry job may already have run.
func (m *Manager) reopen(ctx context.Context, id, battleID string) error {
	key := m.store.keyInv(id)
	var out *Invitation
	fn := func(tx *redis.Tx) error {
		cur, err := m.store.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if cur == nil || cur.Status != StatusAccepted || cur.BattleID != battleID {
			return nil
		}
		now := m.now().UTC()
		cur.BattleID = ""
		if now.Before(cur.CreatedAt.Add(m.ttl)) {
			cur.Status = StatusPending
			cur.ResolvedAt = nil
		} else {
			cur.Status = StatusExpired
			cur.ResolvedAt = &now
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			return m.store.reopen(ctx, p, cur)
		})
		if err != nil {
			return err
		}
		out = cur
		return nil
	}
	for i := 0; i < m.maxRetries; i++ {
		err := m.rdb.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil || out == nil {
			return err
		}
		obslog.L().Info("invitation_reopened", zap.String("invitation_id", id), zap.String("status", string(out.Status)))
		if out.Status == StatusExpired {
			m.pub.Publish(ctx, fanout.UserChannel(out.FromUserID), fanout.EventInvitationExpired, out.Public())
			m.pub.Publish(ctx, fanout.UserChannel(out.ToUserID), fanout.EventInvitationExpired, out.Public())
		}
		return nil
	}
	return ErrConflict
}

// Get returns an invitation or ErrInvitationNotFound.
func (m *Manager) Get(ctx context.Context, invitationID string) (*Invitation, error) {
	inv, err := m.store.load(ctx, m.rdb, invitationID)
	if err != nil {
		return nil, err
	}
	if inv == nil {
		return nil, ErrInvitationNotFound
	}
	return inv, nil
}

func (m *Manager) ListPending(ctx context.Context, toUserID string) ([]*Invitation, error) {
	if strings.TrimSpace(toUserID) == "" {
		return nil, ErrInvalidArgs
	}
	return m.store.Pending(ctx, toUserID)
}
