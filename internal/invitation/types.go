package invitation

import (
	"errors"
	"time"
)

// Status is the lifecycle of an invitation. Only pending can transition.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Invitation is stored as JSON in Redis under inv:<id>.
type Invitation struct {
	ID           string     `json:"id"`
	FromUserID   string     `json:"from_user_id"`
	ToUserID     string     `json:"to_user_id"`
	FromStrength int        `json:"from_strength"`
	ToStrength   int        `json:"to_strength"`
	Status       Status     `json:"status"`
	SessionToken string     `json:"session_token,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	BattleID     string     `json:"battle_id,omitempty"`
}

// Public is a copy safe to show the other party: the sender's session token is dropped.
func (inv *Invitation) Public() *Invitation {
	cp := *inv
	cp.SessionToken = ""
	return &cp
}

// SessionRejection remembers that ToUserID declined FromUserID during one session.
type SessionRejection struct {
	FromUserID   string `json:"from_user_id"`
	ToUserID     string `json:"to_user_id"`
	SessionToken string `json:"session_token"`
}

type SendRequest struct {
	FromUserID   string
	ToUserID     string
	FromStrength int
	ToStrength   int
	SessionToken string
}

// JobExpire is dispatched with the invitation TTL as delay.
const JobExpire = "invitation.expire"

type ExpireJob struct {
	InvitationID string `json:"invitation_id"`
}

var (
	ErrInvalidArgs         = errors.New("invalid invitation arguments")
	ErrSelfInvite          = errors.New("cannot invite yourself")
	ErrRejectedThisSession = errors.New("invitation was already rejected in this session")
	ErrDailyLimit          = errors.New("daily battle limit reached")
	ErrInvitationNotFound  = errors.New("invitation not found")
	ErrInvitationResolved  = errors.New("invitation is no longer pending")
	ErrNotRecipient        = errors.New("only the invited user can answer")
	ErrConflict            = errors.New("invitation was modified concurrently")
)
