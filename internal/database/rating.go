package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mwhitaker/gambit/internal/models"
)

// CommitMatchResults persists both players' post-game Glicko2 state and the
// rating change records in a single transaction.
func CommitMatchResults(ctx context.Context, gameID uuid.UUID, white, black *models.User, oldWhiteRating, oldBlackRating int) error {
	err := pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		updQ := `UPDATE users SET rating=$1, phi=$2, sigma=$3 WHERE id=$4`
		if _, e1 := tx.Exec(ctx, updQ, white.Rating, white.Phi, white.Sigma, white.ID); e1 != nil {
			return e1
		}
		if _, e2 := tx.Exec(ctx, updQ, black.Rating, black.Phi, black.Sigma, black.ID); e2 != nil {
			return e2
		}
		_, e3 := tx.Exec(ctx, `
			INSERT INTO ratings (user_id, game_id, old_rating, new_rating)
			VALUES ($1, $2, $3, $4), ($5, $6, $7, $8)
		`,
			white.ID, gameID, oldWhiteRating, white.Rating,
			black.ID, gameID, oldBlackRating, black.Rating,
		)
		return e3
	})
	if err != nil {
		return fmt.Errorf("failed to commit match results: %w", err)
	}
	return nil
}
