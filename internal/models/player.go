package models

import "github.com/google/uuid"

// PlayerInfo is the public projection of a participant, embedded in room
// rosters and game announcements.
type PlayerInfo struct {
	ID       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Rating   int       `json:"rating"`
}
