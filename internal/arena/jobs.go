package arena

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/combat"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/fanout"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/invitation"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/jobqueue"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

// Maintenance job types, dispatched by the scheduler.
const (
	JobSweepQueue  = "matchmaking.sweep"
	JobPurgeJobs   = "jobs.purge"
	JobRecoverJobs = "jobs.recover"
)

func (s *Service) registerJobs() {
	s.jobs.Register(combat.JobRoundTimeout, s.handleRound)
	s.jobs.Register(combat.JobResolveRound, s.handleRound)
	s.jobs.Register(combat.JobReward, s.handleReward)
	s.jobs.Register(invitation.JobExpire, s.handleInvitationExpire)
	s.jobs.Register(JobSweepQueue, s.handleSweep)
	s.jobs.Register(JobPurgeJobs, s.handlePurge)
	s.jobs.Register(JobRecoverJobs, s.handleRecover)
}

// handleRound serves both the round deadline and the both-ready trigger.
// Whichever runs second sees ErrRoundResolved, which counts as done.
func (s *Service) handleRound(ctx context.Context, j *jobqueue.Job) error {
	var p combat.RoundJob
	if err := j.Decode(&p); err != nil {
		return err
	}
	_, err := s.engine.ResolveRound(ctx, p.BattleID, p.Round)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, combat.ErrRoundResolved), errors.Is(err, combat.ErrBattleNotActive):
		obslog.L().Debug("round_job_noop", zap.String("job_id", j.ID), zap.String("battle_id", p.BattleID), zap.Int("round", p.Round))
		return nil
	case errors.Is(err, combat.ErrBattleNotFound), errors.Is(err, combat.ErrInvalidArgs):
		return jobqueue.Fatal(err)
	default:
		return err
	}
}

func (s *Service) handleReward(ctx context.Context, j *jobqueue.Job) error {
	var p combat.RewardJob
	if err := j.Decode(&p); err != nil {
		return err
	}
	_, err := s.engine.GrantReward(ctx, p.BattleID)
	return err
}

func (s *Service) handleInvitationExpire(ctx context.Context, j *jobqueue.Job) error {
	var p invitation.ExpireJob
	if err := j.Decode(&p); err != nil {
		return err
	}
	_, err := s.invites.Expire(ctx, p.InvitationID)
	if errors.Is(err, invitation.ErrInvitationNotFound) {
		return jobqueue.Fatal(err)
	}
	return err
}

// handleSweep evicts stale waiters and tells them the search timed out.
func (s *Service) handleSweep(ctx context.Context, _ *jobqueue.Job) error {
	ids, err := s.queue.Sweep(ctx, s.cfg.QueueTimeout)
	if err != nil {
		return err
	}
	for _, id := range ids {
		s.pub.Publish(ctx, fanout.UserChannel(id), fanout.EventQueueTimedOut, map[string]any{
			"user_id": id,
			"waited":  s.cfg.QueueTimeout.String(),
		})
	}
	return nil
}

func (s *Service) handlePurge(ctx context.Context, _ *jobqueue.Job) error {
	n, err := s.jobs.Purge(ctx, s.cfg.JobRetention)
	if n > 0 {
		obslog.L().Info("jobs_purged", zap.Int("count", n))
	}
	return err
}

func (s *Service) handleRecover(ctx context.Context, _ *jobqueue.Job) error {
	_, err := s.jobs.RecoverStale(ctx)
	return err
}
