package battledto

import "time"

// BattleSummary is the battle record as shown to clients, with the terminal reason rendered.
type BattleSummary struct {
	ID                 string     `json:"id"`
	Player1ID          string     `json:"player1_id"`
	Player1Name        string     `json:"player1_name"`
	Player2ID          string     `json:"player2_id"`
	Player2Name        string     `json:"player2_name"`
	Status             string     `json:"status"`
	WinnerID           string     `json:"winner_id,omitempty"`
	Player1CP          int        `json:"player1_cp"`
	Player2CP          int        `json:"player2_cp"`
	FeeDiscountPercent int        `json:"fee_discount_percent,omitempty"`
	Reason             string     `json:"reason,omitempty"`
	ReasonText         string     `json:"reason_text,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	EndedAt            *time.Time `json:"ended_at,omitempty"`
}

// BattleResponse wraps a summary with the live state for polling clients.
type BattleResponse struct {
	Battle BattleSummary `json:"battle"`
	State  any           `json:"state,omitempty"`
}

type HistoryEntry struct {
	BattleID     string        `json:"battle_id"`
	OpponentID   string        `json:"opponent_id"`
	OpponentName string        `json:"opponent_name"`
	Won          bool          `json:"won"`
	Status       string        `json:"status"`
	Reason       string        `json:"reason,omitempty"`
	ReasonText   string        `json:"reason_text,omitempty"`
	Rounds       int           `json:"rounds"`
	HealthLeft   int           `json:"health_left"`
	OpponentLeft int           `json:"opponent_health_left"`
	EndedAt      time.Time     `json:"ended_at"`
	Duration     time.Duration `json:"duration_ns"`
}

type HistoryResponse struct {
	Battles []HistoryEntry `json:"battles"`
}

type Opponent struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Strength    int    `json:"strength"`
}

// MatchResponse is either a queued caller (Waiting) or a started battle.
type MatchResponse struct {
	Waiting    bool           `json:"waiting"`
	Strength   int            `json:"strength,omitempty"`
	EnqueuedAt *time.Time     `json:"enqueued_at,omitempty"`
	Opponent   *Opponent      `json:"opponent,omitempty"`
	Battle     *BattleSummary `json:"battle,omitempty"`
}
