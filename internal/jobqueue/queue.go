package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/obslog"
)

// HandlerFunc runs one attempt of a job. Returning nil completes the job.
type HandlerFunc func(ctx context.Context, job *Job) error

type Options struct {
	PollInterval time.Duration
	BatchSize    int
	MaxAttempts  int
	Lease        time.Duration
	MaxBackoff   time.Duration
	Now          func() time.Time
}

func (o *Options) normalize() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Queue is the worker side of the durable job store. It is constructed
// explicitly and driven by Start/Stop; RunOnce processes a single batch.
type Queue struct {
	store *Store
	opts  Options

	hmu      sync.RWMutex
	handlers map[string]HandlerFunc

	wake     chan struct{}
	inflight atomic.Int32

	lmu     sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(store *Store, opts Options) *Queue {
	opts.normalize()
	registerMetrics()
	return &Queue{
		store:    store,
		opts:     opts,
		handlers: make(map[string]HandlerFunc),
		wake:     make(chan struct{}, 1),
	}
}

// Store exposes the underlying store for operator tooling.
func (q *Queue) Store() *Store { return q.store }

// Register binds a handler to a job type. Registering twice replaces the handler.
func (q *Queue) Register(jobType string, h HandlerFunc) {
	q.hmu.Lock()
	q.handlers[strings.TrimSpace(jobType)] = h
	q.hmu.Unlock()
}

func (q *Queue) handler(jobType string) (HandlerFunc, bool) {
	q.hmu.RLock()
	defer q.hmu.RUnlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

// Dispatch persists a job and returns its id. With WithJobID a duplicate
// dispatch is a no-op returning the same id.
func (q *Queue) Dispatch(ctx context.Context, jobType string, payload any, opts ...DispatchOption) (string, error) {
	var o dispatchOptions
	for _, fn := range opts {
		fn(&o)
	}
	jobType = strings.TrimSpace(jobType)
	if jobType == "" {
		return "", ErrInvalidJob
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", jobType, err)
	}
	id := strings.TrimSpace(o.id)
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := o.maxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.opts.MaxAttempts
	}
	now := q.opts.Now()
	delay := o.delay
	if delay < 0 {
		delay = 0
	}
	job := &Job{
		ID:          id,
		Type:        jobType,
		Payload:     raw,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		AvailableAt: now.Add(delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	created, err := q.store.Create(ctx, job)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	if !created {
		obslog.L().Debug("job_dispatch_duplicate", zap.String("job_id", id), zap.String("type", jobType))
		return id, nil
	}
	obslog.L().Debug("job_dispatched",
		zap.String("job_id", id),
		zap.String("type", jobType),
		zap.Duration("delay", delay),
	)
	if delay == 0 && q.processInline(id) {
		return id, nil
	}
	q.notify()
	return id, nil
}

func (q *Queue) notify() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// processInline hands an undelayed job straight to a worker goroutine when the worker is idle.
func (q *Queue) processInline(id string) bool {
	q.lmu.Lock()
	defer q.lmu.Unlock()
	if !q.running || q.inflight.Load() > 0 {
		return false
	}
	ctx := q.runCtx
	q.inflight.Add(1)
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.inflight.Add(-1)
		j, err := q.store.ClaimByID(ctx, id, q.opts.Now(), q.opts.Lease)
		if err != nil {
			obslog.L().Warn("job_inline_claim_failed", zap.String("job_id", id), zap.Error(err))
			q.notify()
			return
		}
		if j == nil {
			return
		}
		q.process(ctx, j)
	}()
	return true
}

// Start launches the poll loop. Calling Start on a running queue does nothing.
func (q *Queue) Start(ctx context.Context) {
	q.lmu.Lock()
	defer q.lmu.Unlock()
	if q.running {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.runCtx = runCtx
	q.cancel = cancel
	q.running = true
	q.wg.Add(1)
	go q.loop(runCtx)
	obslog.L().Info("job_worker_started",
		zap.Duration("poll_interval", q.opts.PollInterval),
		zap.Int("batch_size", q.opts.BatchSize),
	)
}

// Stop cancels the poll loop and waits for in-flight jobs.
func (q *Queue) Stop() {
	q.lmu.Lock()
	if !q.running {
		q.lmu.Unlock()
		return
	}
	q.running = false
	cancel := q.cancel
	q.lmu.Unlock()

	cancel()
	q.wg.Wait()
	obslog.L().Info("job_worker_stopped")
}

func (q *Queue) loop(ctx context.Context) {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-q.wake:
		}
		for {
			n, err := q.RunOnce(ctx)
			if err != nil {
				if ctx.Err() == nil {
					obslog.L().Warn("job_poll_failed", zap.Error(err))
				}
				break
			}
			if n < q.opts.BatchSize {
				break
			}
		}
	}
}

// RunOnce claims one batch of due jobs and processes them sequentially.
func (q *Queue) RunOnce(ctx context.Context) (int, error) {
	q.inflight.Add(1)
	defer q.inflight.Add(-1)

	jobs, err := q.store.Claim(ctx, q.opts.Now(), q.opts.BatchSize, q.opts.Lease)
	for _, j := range jobs {
		if j == nil {
			continue
		}
		q.process(ctx, j)
	}
	return len(jobs), err
}

func (q *Queue) process(ctx context.Context, j *Job) {
	log := obslog.L().With(
		zap.String("job_id", j.ID),
		zap.String("type", j.Type),
		zap.Int("attempt", j.Attempts),
	)
	h, ok := q.handler(j.Type)
	if !ok {
		q.fail(ctx, j, ErrUnknownJobType)
		log.Error("job_unknown_type")
		observe(j.Type, resultFailed, 0)
		return
	}

	started := time.Now()
	err := q.invoke(ctx, h, j)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		if _, cerr := q.store.Complete(ctx, j.ID, q.opts.Now()); cerr != nil {
			log.Warn("job_complete_write_failed", zap.Error(cerr))
		}
		observe(j.Type, resultCompleted, elapsed)
		log.Debug("job_completed", zap.Duration("took", elapsed))
	case IsFatal(err):
		q.fail(ctx, j, err)
		observe(j.Type, resultFailed, elapsed)
		log.Error("job_failed_fatal", zap.Error(err))
	case j.Attempts < j.MaxAttempts:
		now := q.opts.Now()
		next := now.Add(q.Backoff(j.Attempts))
		if _, rerr := q.store.Retry(ctx, j.ID, next, err.Error(), now); rerr != nil {
			log.Warn("job_retry_write_failed", zap.Error(rerr))
		}
		observe(j.Type, resultRetried, elapsed)
		log.Warn("job_retry_scheduled", zap.Error(err), zap.Time("available_at", next))
	default:
		q.fail(ctx, j, err)
		observe(j.Type, resultFailed, elapsed)
		log.Error("job_failed", zap.Error(err), zap.Int("max_attempts", j.MaxAttempts))
	}
}

func (q *Queue) invoke(ctx context.Context, h HandlerFunc, j *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, j)
}

func (q *Queue) fail(ctx context.Context, j *Job, cause error) {
	if _, err := q.store.Fail(ctx, j.ID, cause.Error(), q.opts.Now()); err != nil {
		obslog.L().Warn("job_fail_write_failed", zap.String("job_id", j.ID), zap.Error(err))
	}
}

// Backoff is the delay before the retry following the given attempt: 2^attempts seconds, capped.
func (q *Queue) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return q.opts.MaxBackoff
	}
	d := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	if d > q.opts.MaxBackoff {
		return q.opts.MaxBackoff
	}
	return d
}

// RecoverStale returns jobs with expired processing leases to pending.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	n, err := q.store.RecoverStale(ctx, q.opts.Now())
	if n > 0 {
		obslog.L().Warn("job_leases_recovered", zap.Int("count", n))
		q.notify()
	}
	return n, err
}

// Purge drops completed and failed jobs older than the retention window.
func (q *Queue) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	if olderThan <= 0 {
		return 0, errors.New("retention must be positive")
	}
	return q.store.Purge(ctx, q.opts.Now().Add(-olderThan))
}

func (q *Queue) Get(ctx context.Context, id string) (*Job, error) { return q.store.Get(ctx, id) }

func (q *Queue) ListFailed(ctx context.Context, limit int) ([]*Job, error) {
	return q.store.ListFailed(ctx, limit)
}

// Requeue gives a failed job a fresh retry budget and wakes the worker.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.Requeue(ctx, id, q.opts.Now()); err != nil {
		return err
	}
	q.notify()
	return nil
}
