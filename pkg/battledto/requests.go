package battledto

import "time"

type QueueRequest struct {
	Tolerance int `json:"tolerance"`
}

type InvitationRequest struct {
	ToUserID string `json:"to_user_id"`
}

type ActionRequest struct {
	Action string `json:"action"`
}

type ReadyResponse struct {
	BothReady bool `json:"both_ready"`
}

type QueueStatusResponse struct {
	Waiting    bool      `json:"waiting"`
	Strength   int       `json:"strength,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at,omitempty"`
}

// InvitationView is an invitation without the sender's session token.
type InvitationView struct {
	ID           string     `json:"id"`
	FromUserID   string     `json:"from_user_id"`
	ToUserID     string     `json:"to_user_id"`
	FromStrength int        `json:"from_strength"`
	ToStrength   int        `json:"to_strength"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	BattleID     string     `json:"battle_id,omitempty"`
}

type InvitationsResponse struct {
	Invitations []InvitationView `json:"invitations"`
}

type DiscountResponse struct {
	Active    bool       `json:"active"`
	Percent   int        `json:"percent,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type ActionResponse struct {
	Round  int    `json:"round"`
	Action string `json:"action"`
	Stored int    `json:"stored"`
}
