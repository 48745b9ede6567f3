package matchmaking

import (
	"errors"
	"time"
)

// WaitingPlayer is one queue entry. A user has at most one.
type WaitingPlayer struct {
	UserID     string    `json:"user_id"`
	Strength   int       `json:"strength"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// MatchResult is either Waiting (caller is queued) or carries the paired Opponent.
type MatchResult struct {
	Waiting  bool           `json:"waiting"`
	Self     *WaitingPlayer `json:"self,omitempty"`
	Opponent *WaitingPlayer `json:"opponent,omitempty"`
}

var (
	ErrInvalidArgs = errors.New("invalid matchmaking arguments")
	ErrConflict    = errors.New("matchmaking contention, retry")
)
