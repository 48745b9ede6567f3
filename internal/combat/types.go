package combat

import (
	"errors"
	"time"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusTimeout
}

type Action string

const (
	ActionAttack Action = "attack"
	ActionDefend Action = "defend"
)

func (a Action) Valid() bool { return a == ActionAttack || a == ActionDefend }

// Reason explains a terminal state.
type Reason string

const (
	ReasonKnockout         Reason = "knockout"
	ReasonMaxRounds        Reason = "max_rounds"
	ReasonOpponentInactive Reason = "opponent_inactive"
	ReasonInvitationLost   Reason = "invitation_lost"
	ReasonPlayerBusy       Reason = "player_busy"
)

// Participant is one side of a battle as seen at creation time.
type Participant struct {
	UserID   string `json:"user_id"`
	Name     string `json:"name"`
	Strength int    `json:"strength"`
}

// Battle is the authoritative match record.
type Battle struct {
	ID                 string     `json:"id"`
	Player1ID          string     `json:"player1_id"`
	Player2ID          string     `json:"player2_id"`
	Player1Name        string     `json:"player1_name"`
	Player2Name        string     `json:"player2_name"`
	Status             Status     `json:"status"`
	WinnerID           string     `json:"winner_id,omitempty"`
	Player1CP          int        `json:"player1_cp"`
	Player2CP          int        `json:"player2_cp"`
	FeeDiscountPercent int        `json:"fee_discount_percent,omitempty"`
	Reason             Reason     `json:"reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
}

// Slot returns "p1" or "p2" for a participant, "" otherwise.
func (b *Battle) Slot(userID string) string {
	switch {
	case b == nil || userID == "":
		return ""
	case userID == b.Player1ID:
		return "p1"
	case userID == b.Player2ID:
		return "p2"
	default:
		return ""
	}
}

// Opponent returns the other participant's id.
func (b *Battle) Opponent(userID string) string {
	if userID == b.Player1ID {
		return b.Player2ID
	}
	return b.Player1ID
}

type ActionEntry struct {
	Round     int       `json:"round"`
	Action    Action    `json:"action"`
	Timestamp time.Time `json:"timestamp"`
}

// RoundResult is appended once per resolved round.
type RoundResult struct {
	Round             int  `json:"round"`
	Player1Damage     int  `json:"player1_damage"` // dealt by player1
	Player2Damage     int  `json:"player2_damage"`
	Player1Critical   bool `json:"player1_critical"`
	Player2Critical   bool `json:"player2_critical"`
	Player1Energy     int  `json:"player1_energy"`
	Player2Energy     int  `json:"player2_energy"`
	Player1Defense    int  `json:"player1_defense"`
	Player2Defense    int  `json:"player2_defense"`
	Player1HealthLeft int  `json:"player1_health"`
	Player2HealthLeft int  `json:"player2_health"`
	Stalemate         bool `json:"stalemate,omitempty"`
}

type BattleState struct {
	BattleID                   string        `json:"battle_id"`
	CurrentRound               int           `json:"current_round"`
	Player1Health              int           `json:"player1_health"`
	Player2Health              int           `json:"player2_health"`
	Player1StoredEnergy        int           `json:"player1_stored_energy"`
	Player2StoredEnergy        int           `json:"player2_stored_energy"`
	Player1StoredDefenseEnergy int           `json:"player1_stored_defense_energy"`
	Player2StoredDefenseEnergy int           `json:"player2_stored_defense_energy"`
	Player1Actions             []ActionEntry `json:"player1_actions"`
	Player2Actions             []ActionEntry `json:"player2_actions"`
	BattleLog                  []string      `json:"battle_log"`
	RoundHistory               []RoundResult `json:"round_history"`
}

// Discount is an active fee multiplier granted to a winner.
type Discount struct {
	UserID    string    `json:"user_id"`
	Percent   int       `json:"percent"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Job types driven by the durable queue.
const (
	JobRoundTimeout = "battle.round_timeout"
	JobResolveRound = "battle.resolve_round"
	JobReward       = "battle.reward"
)

// RoundJob is the payload of round timeout and resolve jobs.
type RoundJob struct {
	BattleID string `json:"battle_id"`
	Round    int    `json:"round"`
}

type RewardJob struct {
	BattleID string `json:"battle_id"`
}

var (
	ErrBattleNotFound  = errors.New("battle not found")
	ErrBattleNotActive = errors.New("battle is not in progress")
	ErrNotParticipant  = errors.New("user is not a participant of this battle")
	ErrInvalidAction   = errors.New("invalid action")
	ErrInvalidArgs     = errors.New("invalid battle arguments")
	ErrClickTooFast    = errors.New("actions submitted too quickly")
	ErrRoundResolved   = errors.New("round already resolved")
	ErrConflict        = errors.New("battle was modified concurrently")
	ErrAlreadyInBattle = errors.New("user already has an active battle")
)
