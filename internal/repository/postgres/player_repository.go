package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PlayerRepository persists per-player state that must survive a
// session: currently just the last known room.
type PlayerRepository struct {
	pool *pgxpool.Pool
}

// NewPlayerRepository creates a new player repository
func NewPlayerRepository(pool *pgxpool.Pool) *PlayerRepository {
	return &PlayerRepository{pool: pool}
}

// SaveLocation records the player's current room.
func (r *PlayerRepository) SaveLocation(ctx context.Context, playerID, roomID string) error {
	query := `
		INSERT INTO player_locations (player_id, room_id, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (player_id)
		DO UPDATE SET room_id = $2, updated_at = NOW()
	`

	_, err := r.pool.Exec(ctx, query, playerID, roomID)
	return err
}

// LoadLocation returns the player's last known room. An unknown player
// returns "" with no error.
func (r *PlayerRepository) LoadLocation(ctx context.Context, playerID string) (string, error) {
	query := `SELECT room_id FROM player_locations WHERE player_id = $1`

	var roomID string
	err := r.pool.QueryRow(ctx, query, playerID).Scan(&roomID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return roomID, nil
}

// DeleteLocation forgets a player's persisted room.
func (r *PlayerRepository) DeleteLocation(ctx context.Context, playerID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM player_locations WHERE player_id = $1`, playerID)
	return err
}

// CountByRoom returns how many players last parked in each room,
// for admin tooling.
func (r *PlayerRepository) CountByRoom(ctx context.Context) (map[string]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT room_id, COUNT(*) FROM player_locations GROUP BY room_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var roomID string
		var n int
		if err := rows.Scan(&roomID, &n); err != nil {
			return nil, err
		}
		counts[roomID] = n
	}
	return counts, rows.Err()
}
