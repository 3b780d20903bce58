// internal/database/game.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mwhitaker/gambit/internal/models"
)

// GameRecord mirrors a row in the games table.
type GameRecord struct {
	ID            uuid.UUID  `json:"id"`
	LobbyID       uuid.UUID  `json:"lobby_id"`
	WhiteID       uuid.UUID  `json:"white_id"`
	BlackID       uuid.UUID  `json:"black_id"`
	WhiteUsername string     `json:"white_username"`
	BlackUsername string     `json:"black_username"`
	TimeControl   int        `json:"time_control"`
	Increment     int        `json:"increment"`
	Rated         bool       `json:"rated"`
	Status        string     `json:"status"`
	WinnerColor   string     `json:"winner_color,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	FinalFEN      string     `json:"final_fen,omitempty"`
	MoveCount     int        `json:"move_count"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time,omitempty"`
}

// UpsertGameStart records a game going live. Usernames are snapshotted so
// guest games remain readable after the guest identity is gone. The conflict
// arm fills the identity columns without touching status, in case the
// historian's stub row for the first move got there first.
func UpsertGameStart(ctx context.Context, gameID, lobbyID uuid.UUID, white, black models.PlayerInfo, cfg models.RoomConfig) error {
	q := `
		INSERT INTO games (id, lobby_id, white_id, black_id, white_username, black_username,
		                   time_control, increment, rated, status, start_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'in_progress', NOW())
		ON CONFLICT (id)
		DO UPDATE SET lobby_id=EXCLUDED.lobby_id,
		              white_id=EXCLUDED.white_id, black_id=EXCLUDED.black_id,
		              white_username=EXCLUDED.white_username, black_username=EXCLUDED.black_username,
		              time_control=EXCLUDED.time_control, increment=EXCLUDED.increment, rated=EXCLUDED.rated
	`
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q,
			gameID, lobbyID, white.ID, black.ID, white.Username, black.Username,
			cfg.TimeControlMinutes, cfg.IncrementSeconds, cfg.Rated,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("tx upsert game start: %w", err)
	}
	return nil
}

// FinalizeGame stamps the terminal result onto the games row.
func FinalizeGame(ctx context.Context, gameID uuid.UUID, winnerColor, reason, finalFEN string, moveCount int) error {
	q := `
		UPDATE games
		SET status='completed', winner_color=$1, reason=$2, final_fen=$3, move_count=$4, end_time=NOW()
		WHERE id=$5
	`
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, winnerColor, reason, finalFEN, moveCount, gameID)
		return e
	})
	if err != nil {
		return fmt.Errorf("tx finalize game: %w", err)
	}
	return nil
}

func GetGameByID(ctx context.Context, id uuid.UUID) (*GameRecord, error) {
	var g GameRecord
	q := `
	SELECT id, lobby_id, white_id, black_id, white_username, black_username,
	       time_control, increment, rated, status,
	       COALESCE(winner_color, ''), COALESCE(reason, ''), COALESCE(final_fen, ''),
	       COALESCE(move_count, 0), start_time, end_time
	FROM games
	WHERE id=$1
	`
	err := DB.QueryRow(ctx, q, id).Scan(
		&g.ID, &g.LobbyID, &g.WhiteID, &g.BlackID, &g.WhiteUsername, &g.BlackUsername,
		&g.TimeControl, &g.Increment, &g.Rated, &g.Status,
		&g.WinnerColor, &g.Reason, &g.FinalFEN,
		&g.MoveCount, &g.StartTime, &g.EndTime,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

// ListRecentGamesByUser returns the user's most recent games, newest first.
func ListRecentGamesByUser(ctx context.Context, userID uuid.UUID, limit int) ([]GameRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	q := `
	SELECT id, lobby_id, white_id, black_id, white_username, black_username,
	       time_control, increment, rated, status,
	       COALESCE(winner_color, ''), COALESCE(reason, ''), COALESCE(final_fen, ''),
	       COALESCE(move_count, 0), start_time, end_time
	FROM games
	WHERE white_id=$1 OR black_id=$1
	ORDER BY start_time DESC
	LIMIT $2
	`
	rows, err := DB.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GameRecord
	for rows.Next() {
		var g GameRecord
		if err := rows.Scan(
			&g.ID, &g.LobbyID, &g.WhiteID, &g.BlackID, &g.WhiteUsername, &g.BlackUsername,
			&g.TimeControl, &g.Increment, &g.Rated, &g.Status,
			&g.WinnerColor, &g.Reason, &g.FinalFEN,
			&g.MoveCount, &g.StartTime, &g.EndTime,
		); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}
