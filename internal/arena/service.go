package arena

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/combat"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/domain"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/fanout"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/invitation"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/jobqueue"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/matchmaking"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/profile"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/quota"
)

// ErrForbidden hides battles from users who do not play in them.
var ErrForbidden = errors.New("battle belongs to other users")

const maxHistoryLimit = 50

type Config struct {
	Tolerance     int
	QueueTimeout  time.Duration
	JobRetention  time.Duration
	SweepInterval time.Duration
}

// Deps wires the components a Service orchestrates.
type Deps struct {
	Queue       *matchmaking.Queue
	Invitations *invitation.Manager
	Engine      *combat.Engine
	Jobs        *jobqueue.Queue
	Publisher   fanout.Publisher
	Directory   profile.Directory
	Limiter     *quota.DailyLimiter
	Now         func() time.Time
}

// Service is the entry point for HTTP handlers and the job worker.
type Service struct {
	queue   *matchmaking.Queue
	invites *invitation.Manager
	engine  *combat.Engine
	jobs    *jobqueue.Queue
	pub     fanout.Publisher
	dir     profile.Directory
	limiter *quota.DailyLimiter
	cfg     Config
	now     func() time.Time
}

func NewService(d Deps, cfg Config) (*Service, error) {
	if d.Queue == nil || d.Invitations == nil || d.Engine == nil || d.Jobs == nil || d.Directory == nil {
		return nil, fmt.Errorf("arena: missing dependency")
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 50
	}
	if cfg.QueueTimeout <= 0 {
		cfg.QueueTimeout = 5 * time.Minute
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = 7 * 24 * time.Hour
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}
	pub := d.Publisher
	if pub == nil {
		pub = fanout.LogPublisher{}
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	s := &Service{
		queue:   d.Queue,
		invites: d.Invitations,
		engine:  d.Engine,
		jobs:    d.Jobs,
		pub:     pub,
		dir:     d.Directory,
		limiter: d.Limiter,
		cfg:     cfg,
		now:     now,
	}
	s.registerJobs()
	return s, nil
}

func (s *Service) Engine() *combat.Engine    { return s.engine }
func (s *Service) Jobs() *jobqueue.Queue     { return s.jobs }
func (s *Service) Queue() *matchmaking.Queue { return s.queue }
func (s *Service) Config() Config            { return s.cfg }

// MatchOutcome is either a queued caller or a started battle.
type MatchOutcome struct {
	Waiting  bool                       `json:"waiting"`
	Entry    *matchmaking.WaitingPlayer `json:"entry,omitempty"`
	Opponent *profile.Profile           `json:"opponent,omitempty"`
	Battle   *combat.Battle             `json:"battle,omitempty"`
}

// FindMatch queues the caller or pairs them and starts the battle.
func (s *Service) FindMatch(ctx context.Context, userID string, tolerance int) (*MatchOutcome, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, matchmaking.ErrInvalidArgs
	}
	if tolerance <= 0 {
		tolerance = s.cfg.Tolerance
	}
	if active, err := s.engine.ActiveBattleForUser(ctx, userID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, combat.ErrAlreadyInBattle
	}
	if err := s.allow(ctx, userID); err != nil {
		return nil, err
	}
	me, err := s.dir.Lookup(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("lookup profile: %w", err)
	}

	res, err := s.queue.FindMatch(ctx, userID, me.Strength, tolerance)
	if err != nil {
		return nil, err
	}
	if res.Waiting {
		return &MatchOutcome{Waiting: true, Entry: res.Self}, nil
	}

	opp := s.lookupOrBare(ctx, res.Opponent.UserID, res.Opponent.Strength)
	b, err := s.engine.Create(ctx,
		combat.Participant{UserID: opp.UserID, Name: opp.Name(), Strength: res.Opponent.Strength},
		combat.Participant{UserID: userID, Name: me.Name(), Strength: me.Strength},
	)
	if err != nil {
		return nil, err
	}
	started, err := s.engine.Start(ctx, b.ID)
	if err != nil {
		if cerr := s.engine.Cancel(ctx, b.ID, combat.ReasonPlayerBusy); cerr != nil {
			obslog.L().Warn("arena_cancel_failed", zap.String("battle_id", b.ID), zap.Error(cerr))
		}
		return nil, s.unpair(ctx, *res.Opponent, err)
	}
	if s.limiter != nil {
		if err := s.limiter.Record(ctx, opp.UserID, userID); err != nil {
			obslog.L().Warn("daily_quota_record_failed", zap.String("battle_id", started.ID), zap.Error(err))
		}
	}

	obslog.L().Info("arena_match_started",
		zap.String("battle_id", started.ID),
		zap.String("player1_id", started.Player1ID),
		zap.String("player2_id", started.Player2ID),
	)
	s.pub.Publish(ctx, fanout.UserChannel(opp.UserID), fanout.EventMatchFound, map[string]any{"opponent": me, "battle": started})
	s.pub.Publish(ctx, fanout.UserChannel(userID), fanout.EventMatchFound, map[string]any{"opponent": opp, "battle": started})
	return &MatchOutcome{Opponent: opp, Battle: started}, nil
}

// unpair handles a pairing whose battle failed to start. The opponent goes
// back to their old queue slot unless they are the one already fighting;
// the caller gets a retryable conflict in that case.
func (s *Service) unpair(ctx context.Context, opp matchmaking.WaitingPlayer, cause error) error {
	busy, err := s.engine.ActiveBattleForUser(ctx, opp.UserID)
	if err != nil {
		obslog.L().Warn("arena_unpair_lookup_failed", zap.String("user_id", opp.UserID), zap.Error(err))
	}
	if busy != nil {
		obslog.L().Info("arena_opponent_busy", zap.String("user_id", opp.UserID), zap.String("battle_id", busy.ID))
		return fmt.Errorf("opponent busy: %w", matchmaking.ErrConflict)
	}
	if rerr := s.queue.Restore(ctx, opp); rerr != nil {
		obslog.L().Warn("arena_restore_failed", zap.String("user_id", opp.UserID), zap.Error(rerr))
	}
	return cause
}

func (s *Service) lookupOrBare(ctx context.Context, userID string, strength int) *profile.Profile {
	p, err := s.dir.Lookup(ctx, userID)
	if err != nil {
		obslog.L().Warn("profile_lookup_failed", zap.String("user_id", userID), zap.Error(err))
		return &profile.Profile{UserID: userID, Strength: strength}
	}
	return p
}

func (s *Service) allow(ctx context.Context, userID string) error {
	if s.limiter == nil {
		return nil
	}
	ok, err := s.limiter.Allow(ctx, userID)
	if err != nil {
		return err
	}
	if !ok {
		return invitation.ErrDailyLimit
	}
	return nil
}

func (s *Service) LeaveQueue(ctx context.Context, userID string) error {
	return s.queue.Leave(ctx, userID)
}

// QueueStatus returns the caller's waiting entry, or nil.
func (s *Service) QueueStatus(ctx context.Context, userID string) (*matchmaking.WaitingPlayer, error) {
	return s.queue.Get(ctx, userID)
}

// SendInvitation resolves both strengths from the directory before sending.
func (s *Service) SendInvitation(ctx context.Context, fromUserID, toUserID, sessionToken string) (*invitation.Invitation, error) {
	req := invitation.SendRequest{FromUserID: fromUserID, ToUserID: toUserID, SessionToken: sessionToken}
	if strings.TrimSpace(fromUserID) != "" && strings.TrimSpace(toUserID) != "" && fromUserID != toUserID {
		from, err := s.dir.Lookup(ctx, fromUserID)
		if err != nil {
			return nil, fmt.Errorf("lookup profile: %w", err)
		}
		to, err := s.dir.Lookup(ctx, toUserID)
		if err != nil {
			return nil, fmt.Errorf("lookup profile: %w", err)
		}
		req.FromStrength, req.ToStrength = from.Strength, to.Strength
	}
	return s.invites.Send(ctx, req)
}

func (s *Service) AcceptInvitation(ctx context.Context, invitationID, userID string) (*combat.Battle, error) {
	return s.invites.Accept(ctx, invitationID, userID)
}

func (s *Service) RejectInvitation(ctx context.Context, invitationID, userID string) (*invitation.Invitation, error) {
	return s.invites.Reject(ctx, invitationID, userID)
}

func (s *Service) PendingInvitations(ctx context.Context, userID string) ([]*invitation.Invitation, error) {
	return s.invites.ListPending(ctx, userID)
}

func (s *Service) SubmitAction(ctx context.Context, battleID, userID string, action combat.Action) (*combat.ActionResult, error) {
	return s.engine.SubmitAction(ctx, battleID, userID, action)
}

func (s *Service) Ready(ctx context.Context, battleID, userID string) (bool, error) {
	return s.engine.Ready(ctx, battleID, userID)
}

// BattleView is the polling fallback for clients without a live socket.
type BattleView struct {
	Battle *combat.Battle      `json:"battle"`
	State  *combat.BattleState `json:"state"`
}

// Battle returns a battle and its live state to one of its participants.
func (s *Service) Battle(ctx context.Context, battleID, userID string) (*BattleView, error) {
	b, err := s.engine.Get(ctx, battleID)
	if err != nil {
		return nil, err
	}
	if b.Slot(userID) == "" {
		return nil, ErrForbidden
	}
	st, err := s.engine.State(ctx, battleID)
	if err != nil {
		return nil, err
	}
	return &BattleView{Battle: b, State: st}, nil
}

// CanWatch reports whether userID may subscribe to a battle channel.
func (s *Service) CanWatch(ctx context.Context, userID, battleID string) bool {
	return s.engine.IsParticipant(ctx, userID, battleID)
}

func (s *Service) History(ctx context.Context, userID string, limit int) ([]*domain.BattleRecord, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return s.engine.History(ctx, userID, limit)
}

func (s *Service) Discount(ctx context.Context, userID string) (*combat.Discount, error) {
	return s.engine.Discount(ctx, userID)
}
