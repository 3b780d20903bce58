package models

import "github.com/google/uuid"

type User struct {
	ID       uuid.UUID `json:"id"`
	Email    string    `json:"email"`
	Password string    `json:"password,omitempty"`
	Username string    `json:"username"`

	IsEphemeral bool `json:"is_ephemeral"`
	IsAdmin     bool `json:"is_admin"`

	Rating int `json:"rating"`

	// Glicko2 state backing the displayed rating.
	Phi   float64 `json:"phi"`
	Sigma float64 `json:"sigma"`
}
