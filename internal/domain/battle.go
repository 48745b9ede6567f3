package domain

import "time"

// BattleRecord is the durable history row written once a battle ends.
type BattleRecord struct {
	BattleID           string
	Player1ID          string
	Player1Name        string
	Player2ID          string
	Player2Name        string
	WinnerID           string
	Status             string
	Reason             string
	Rounds             int
	Player1Health      int
	Player2Health      int
	Player1CP          int
	Player2CP          int
	FeeDiscountPercent int
	StartedAt          time.Time
	EndedAt            time.Time
	Duration           time.Duration
}

// Involves reports whether the user played in the battle.
func (r *BattleRecord) Involves(userID string) bool {
	return r != nil && userID != "" && (r.Player1ID == userID || r.Player2ID == userID)
}
