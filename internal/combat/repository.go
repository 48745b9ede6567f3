package combat

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/syntaxsurge/escrowzy-okx-sub005/internal/domain"
)

// Repository stores finished battles for history lookups.
type Repository interface {
	SaveResult(ctx context.Context, rec *domain.BattleRecord) error
	RecentByUser(ctx context.Context, userID string, limit int) ([]*domain.BattleRecord, error)
}

func historyLimit(n int) int {
	if n <= 0 || n > 100 {
		return 20
	}
	return n
}

// PostgresRepository persists history rows with lib/pq.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(databaseURL string) (*PostgresRepository, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresRepository{db: db}, nil
}

// NewPostgresRepositoryFromDB wraps an existing pool.
func NewPostgresRepositoryFromDB(db *sql.DB) *PostgresRepository { return &PostgresRepository{db: db} }

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS battle_results (
  battle_id TEXT PRIMARY KEY,
  player1_id TEXT NOT NULL,
  player1_name TEXT NOT NULL DEFAULT '',
  player2_id TEXT NOT NULL,
  player2_name TEXT NOT NULL DEFAULT '',
  winner_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  reason TEXT NOT NULL DEFAULT '',
  rounds INTEGER NOT NULL DEFAULT 0,
  player1_health INTEGER NOT NULL DEFAULT 0,
  player2_health INTEGER NOT NULL DEFAULT 0,
  player1_cp INTEGER NOT NULL DEFAULT 0,
  player2_cp INTEGER NOT NULL DEFAULT 0,
  fee_discount_percent INTEGER NOT NULL DEFAULT 0,
  started_at TIMESTAMPTZ,
  ended_at TIMESTAMPTZ NOT NULL,
  duration_ms BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS battle_results_p1_idx ON battle_results (player1_id, ended_at DESC);
CREATE INDEX IF NOT EXISTS battle_results_p2_idx ON battle_results (player2_id, ended_at DESC);`

// EnsureSchema creates the history table when missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, schemaSQL)
	return err
}

// SaveResult upserts a finished battle; replays of the reward job rewrite the same row.
func (r *PostgresRepository) SaveResult(ctx context.Context, rec *domain.BattleRecord) error {
	if r == nil || r.db == nil || rec == nil {
		return nil
	}
	var started any
	if !rec.StartedAt.IsZero() {
		started = rec.StartedAt
	}
	q := `INSERT INTO battle_results (
        battle_id, player1_id, player1_name, player2_id, player2_name,
        winner_id, status, reason, rounds, player1_health, player2_health,
        player1_cp, player2_cp, fee_discount_percent, started_at, ended_at, duration_ms
      ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
      ) ON CONFLICT (battle_id) DO UPDATE SET
        player1_name=EXCLUDED.player1_name,
        player2_name=EXCLUDED.player2_name,
        winner_id=EXCLUDED.winner_id,
        status=EXCLUDED.status,
        reason=EXCLUDED.reason,
        rounds=EXCLUDED.rounds,
        player1_health=EXCLUDED.player1_health,
        player2_health=EXCLUDED.player2_health,
        player1_cp=EXCLUDED.player1_cp,
        player2_cp=EXCLUDED.player2_cp,
        fee_discount_percent=EXCLUDED.fee_discount_percent,
        started_at=EXCLUDED.started_at,
        ended_at=EXCLUDED.ended_at,
        duration_ms=EXCLUDED.duration_ms`

	_, err := r.db.ExecContext(ctx, q,
		rec.BattleID,
		rec.Player1ID, rec.Player1Name,
		rec.Player2ID, rec.Player2Name,
		rec.WinnerID, rec.Status, rec.Reason, rec.Rounds,
		rec.Player1Health, rec.Player2Health,
		rec.Player1CP, rec.Player2CP, rec.FeeDiscountPercent,
		started, rec.EndedAt, rec.Duration.Milliseconds(),
	)
	return err
}

// RecentByUser returns the user's battles, newest first. limit outside (0,100] means 20.
func (r *PostgresRepository) RecentByUser(ctx context.Context, userID string, limit int) ([]*domain.BattleRecord, error) {
	limit = historyLimit(limit)
	rows, err := r.db.QueryContext(ctx, `SELECT
        battle_id, player1_id, player1_name, player2_id, player2_name,
        winner_id, status, reason, rounds, player1_health, player2_health,
        player1_cp, player2_cp, fee_discount_percent, started_at, ended_at, duration_ms
      FROM battle_results
      WHERE player1_id = $1 OR player2_id = $1
      ORDER BY ended_at DESC, battle_id DESC
      LIMIT $2`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.BattleRecord, 0)
	for rows.Next() {
		var (
			rec      domain.BattleRecord
			started  sql.NullTime
			duration int64
		)
		if err := rows.Scan(
			&rec.BattleID, &rec.Player1ID, &rec.Player1Name, &rec.Player2ID, &rec.Player2Name,
			&rec.WinnerID, &rec.Status, &rec.Reason, &rec.Rounds, &rec.Player1Health, &rec.Player2Health,
			&rec.Player1CP, &rec.Player2CP, &rec.FeeDiscountPercent, &started, &rec.EndedAt, &duration,
		); err != nil {
			return nil, err
		}
		if started.Valid {
			rec.StartedAt = started.Time
		}
		rec.Duration = time.Duration(duration) * time.Millisecond
		out = append(out, &rec)
	}
	return out, rows.Err()
}
