package jobqueue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a durable job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Job is the persisted unit of deferred work. Payload is opaque to the queue.
type Job struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	AvailableAt time.Time       `json:"available_at"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if j == nil || len(j.Payload) == 0 {
		return Fatal(errors.New("empty job payload"))
	}
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Fatal(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

var (
	ErrUnknownJobType = errors.New("no handler registered for job type")
	ErrJobNotFound    = errors.New("job not found")
	ErrNotFailed      = errors.New("job is not in failed state")
	ErrInvalidJob     = errors.New("invalid job")
)

type fatalError struct{ err error }

func (f *fatalError) Error() string { return "fatal: " + f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// Fatal marks a handler error as non-retryable; the job fails without consuming its retry budget.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err (or anything it wraps) was marked with Fatal.
func IsFatal(err error) bool {
	var f *fatalError
	return errors.As(err, &f) || errors.Is(err, ErrUnknownJobType)
}

// DispatchOption tweaks a single Dispatch call.
type DispatchOption func(*dispatchOptions)

type dispatchOptions struct {
	delay       time.Duration
	maxAttempts int
	id          string
}

// WithDelay postpones the first attempt.
func WithDelay(d time.Duration) DispatchOption {
	return func(o *dispatchOptions) { o.delay = d }
}

// WithMaxAttempts overrides the queue default retry budget.
func WithMaxAttempts(n int) DispatchOption {
	return func(o *dispatchOptions) { o.maxAttempts = n }
}

// WithJobID makes dispatch idempotent: a second dispatch with the same id is a no-op.
func WithJobID(id string) DispatchOption {
	return func(o *dispatchOptions) { o.id = id }
}
