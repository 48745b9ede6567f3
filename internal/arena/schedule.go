package arena

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/jobqueue"
	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

const purgeInterval = time.Hour

// Scheduler dispatches maintenance jobs on fixed intervals. Every server may
// run one: the job id is derived from the interval slot, so a slot is
// dispatched once no matter how many schedulers fire.
type Scheduler struct {
	cron gocron.Scheduler
}

func (s *Service) NewScheduler() (*Scheduler, error) {
	cron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	plan := []struct {
		jobType string
		every   time.Duration
	}{
		{JobSweepQueue, s.cfg.SweepInterval},
		{JobRecoverJobs, s.cfg.SweepInterval},
		{JobPurgeJobs, purgeInterval},
	}
	for _, p := range plan {
		jobType, every := p.jobType, p.every
		_, err := cron.NewJob(
			gocron.DurationJob(every),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if _, err := s.DispatchMaintenance(ctx, jobType, every); err != nil {
					obslog.L().Warn("maintenance_dispatch_failed", zap.String("type", jobType), zap.Error(err))
				}
			}),
			gocron.WithName(jobType),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			_ = cron.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", jobType, err)
		}
	}
	return &Scheduler{cron: cron}, nil
}

func (sc *Scheduler) Start() { sc.cron.Start() }

func (sc *Scheduler) Stop() error { return sc.cron.Shutdown() }

// DispatchMaintenance enqueues one maintenance job for the current interval slot.
func (s *Service) DispatchMaintenance(ctx context.Context, jobType string, every time.Duration) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("interval must be positive")
	}
	slot := s.now().UTC().Truncate(every).Unix()
	return s.jobs.Dispatch(ctx, jobType, struct{}{},
		jobqueue.WithJobID(fmt.Sprintf("%s:%d", jobType, slot)),
		jobqueue.WithMaxAttempts(1),
	)
}
