// internal/models/room_config.go
package models

import "time"

// RoomConfig captures the settings a room is created with, including
// time control, rating mode and visibility.
type RoomConfig struct {
	// Name is the display label shown in room listings.
	Name string `json:"name"`

	// Mode is the play mode label, e.g. "casual" or "blitz".
	Mode string `json:"mode"`

	// MaxPlayers caps seated occupants. Spectators are not counted against it.
	MaxPlayers int `json:"max_players"`

	// TimeControlMinutes is each side's starting clock budget.
	TimeControlMinutes int `json:"time_control"`

	// IncrementSeconds is credited to a side's clock after each of its moves.
	IncrementSeconds int `json:"increment"`

	// Rated indicates the result feeds the Glicko2 ratings.
	Rated bool `json:"rated"`

	// Private hides the room from listings; it is joinable by share code only.
	Private bool `json:"private"`
}

// InitialClock returns each side's starting time budget.
func (c RoomConfig) InitialClock() time.Duration {
	return time.Duration(c.TimeControlMinutes) * time.Minute
}

// Increment returns the per-move clock credit.
func (c RoomConfig) Increment() time.Duration {
	return time.Duration(c.IncrementSeconds) * time.Second
}
