package fanout

import (
	"encoding/json"
	"strings"
	"time"
)

const (
	EventInvitationReceived = "invitation.received"
	EventInvitationAccepted = "invitation.accepted"
	EventInvitationRejected = "invitation.rejected"
	EventInvitationExpired  = "invitation.expired"

	EventMatchFound    = "matchmaking.matched"
	EventQueueTimedOut = "matchmaking.timed_out"

	EventBattleStarted   = "battle.started"
	EventBattleEnergy    = "battle.energy"
	EventRoundResolved   = "battle.round_resolved"
	EventBattleCompleted = "battle.completed"
	EventBattleReward    = "battle.reward"
)

const (
	userPrefix   = "battle:user:"
	battlePrefix = "battle:match:"
)

// UserChannel is the private channel of one user.
func UserChannel(userID string) string { return userPrefix + strings.TrimSpace(userID) }

// BattleChannel is shared by both participants (and spectators) of a battle.
func BattleChannel(battleID string) string { return battlePrefix + strings.TrimSpace(battleID) }

// Envelope is the wire form of every published event.
type Envelope struct {
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}
