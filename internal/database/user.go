package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mwhitaker/gambit/internal/auth"
	"github.com/mwhitaker/gambit/internal/models"
	"github.com/mwhitaker/gambit/internal/rating"
)

func CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		id, err := uuid.NewRandom()
		if err != nil {
			return fmt.Errorf("failed to generate user id: %w", err)
		}
		user.ID = id
	}

	hash, err := auth.CreateHash(user.Password, auth.Params)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	user.Password = hash

	if user.Rating == 0 {
		user.Rating = rating.InitialRating
		user.Phi = rating.InitialDeviation
		user.Sigma = rating.InitialVolatility
	}

	q := `INSERT INTO users (id, email, password, username, is_ephemeral, is_admin, rating, phi, sigma)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, execErr := tx.Exec(ctx, q,
			user.ID, user.Email, user.Password, user.Username,
			user.IsEphemeral, user.IsAdmin,
			user.Rating, user.Phi, user.Sigma,
		)
		return execErr
	})
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// EnsureGuestUser inserts a row for a minted guest identity so rated-game
// lookups and the historian have a user to reference. The synthesized email
// keeps the unique constraint satisfied across guests; replays are no-ops.
func EnsureGuestUser(ctx context.Context, id uuid.UUID, username string) error {
	q := `INSERT INTO users (id, email, password, username, is_ephemeral, is_admin, rating, phi, sigma)
	      VALUES ($1, $2, '', $3, TRUE, FALSE, $4, $5, $6)
	      ON CONFLICT (id) DO NOTHING`

	_, err := DB.Exec(ctx, q,
		id, fmt.Sprintf("guest-%s@gambit.local", id), username,
		rating.InitialRating, rating.InitialDeviation, rating.InitialVolatility,
	)
	if err != nil {
		return fmt.Errorf("failed to ensure guest user: %w", err)
	}
	return nil
}

func GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	q := `
	SELECT id, email, password, username, is_ephemeral, is_admin,
	       rating, phi, sigma
	FROM users
	WHERE email=$1
	`
	err := DB.QueryRow(ctx, q, email).Scan(
		&u.ID, &u.Email, &u.Password, &u.Username,
		&u.IsEphemeral, &u.IsAdmin,
		&u.Rating, &u.Phi, &u.Sigma,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	q := `
	SELECT id, email, password, username, is_ephemeral, is_admin,
	       rating, phi, sigma
	FROM users
	WHERE id=$1
	`
	err := DB.QueryRow(ctx, q, id).Scan(
		&u.ID, &u.Email, &u.Password, &u.Username,
		&u.IsEphemeral, &u.IsAdmin,
		&u.Rating, &u.Phi, &u.Sigma,
	)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func AuthenticateUser(ctx context.Context, email, password string) (string, error) {
	user, err := GetUserByEmail(ctx, email)
	if err != nil {
		return "", fmt.Errorf("user not found or db error: %w", err)
	}

	match, err := auth.ComparePasswordAndHash(password, user.Password)
	if err != nil || !match {
		return "", fmt.Errorf("invalid credentials")
	}

	token, err := auth.CreateJWT(user.ID.String())
	if err != nil {
		return "", fmt.Errorf("failed to create jwt: %w", err)
	}

	return token, nil
}

// UpdateUserCredentials rewrites a user's email, password hash, username,
// and ephemeral flag, used when a guest claims a permanent account.
func UpdateUserCredentials(ctx context.Context, u *models.User) error {
	hashed, err := auth.CreateHash(u.Password, auth.Params)
	if err != nil {
		return err
	}

	q := `UPDATE users SET email = $1, password = $2, username = $3, is_ephemeral = $4 WHERE id = $5`
	err = pgx.BeginTxFunc(ctx, DB, pgx.TxOptions{}, func(tx pgx.Tx) error {
		_, e := tx.Exec(ctx, q, u.Email, hashed, u.Username, u.IsEphemeral, u.ID)
		return e
	})
	if err != nil {
		return fmt.Errorf("failed to update user credentials: %w", err)
	}
	return nil
}
