// internal/lobby/lobby.go

// Package lobby groups participants waiting for a game: an ordered set of
// seated occupants plus any number of spectators. Join order decides host
// succession and, on promotion, the white and black seats.
package lobby

import (
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitaker/gambit/internal/models"
	"github.com/mwhitaker/gambit/internal/protocol"
)

// State is a lobby's lifecycle phase.
type State string

const (
	StateWaiting    State = "waiting"
	StateInProgress State = "in_progress"
	StateFinished   State = "finished"
)

// ErrRoomFull is returned when every seat is taken. Spectating is still open.
var ErrRoomFull = errors.New("room is full")

var validModes = map[string]bool{
	"casual":    true,
	"blitz":     true,
	"rapid":     true,
	"classical": true,
}

// Lobby is an ephemeral room of participants. All mutable state is guarded
// by Mu; methods with the Unsafe suffix assume the caller holds it.
type Lobby struct {
	ID     uuid.UUID
	Name   string
	Code   string // share code for private rooms, immutable after creation
	HostID uuid.UUID
	Config models.RoomConfig
	State  State

	// GameID links the running game once the lobby is promoted.
	GameID uuid.UUID

	// occupants hold seats in join order. The head is the host; on promotion
	// the first two take white and black.
	occupants  []uuid.UUID
	spectators map[uuid.UUID]struct{}

	CreatedAt time.Time

	// OnEmpty is called after the last occupant leaves, typically assigned by
	// the code that creates & stores this lobby, e.g. via
	//   lobby.OnEmpty = func(lobbyID uuid.UUID) { store.DeleteLobby(lobbyID) }
	OnEmpty func(lobbyID uuid.UUID)

	Mu sync.Mutex
}

// New builds a lobby with the host seated first. Config defaults: casual
// mode, two seats, ten minutes with no increment. Private lobbies get a
// share code.
func New(hostID uuid.UUID, cfg models.RoomConfig) *Lobby {
	id, _ := uuid.NewRandom()

	if !validModes[cfg.Mode] {
		cfg.Mode = "casual"
	}
	// A game needs two seats; rooms may hold more waiting players.
	if cfg.MaxPlayers < 2 {
		cfg.MaxPlayers = 2
	}
	if cfg.TimeControlMinutes <= 0 {
		cfg.TimeControlMinutes = 10
	}
	if cfg.IncrementSeconds < 0 {
		cfg.IncrementSeconds = 0
	}

	l := &Lobby{
		ID:         id,
		Name:       cfg.Name,
		HostID:     hostID,
		Config:     cfg,
		State:      StateWaiting,
		occupants:  []uuid.UUID{hostID},
		spectators: make(map[uuid.UUID]struct{}),
		CreatedAt:  time.Now(),
	}
	if cfg.Private {
		l.Code = newRoomCode()
	}
	return l
}

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// newRoomCode returns a short shareable code like "CHESS-4F7K".
func newRoomCode() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	out := make([]byte, len(b))
	for i, v := range b {
		out[i] = codeAlphabet[int(v)%len(codeAlphabet)]
	}
	return "CHESS-" + string(out)
}

// AddOccupantUnsafe seats the participant. Re-seating a current occupant is
// a no-op. Returns ErrRoomFull when no seat is open.
func (l *Lobby) AddOccupantUnsafe(id uuid.UUID) error {
	if l.HasOccupantUnsafe(id) {
		return nil
	}
	if len(l.occupants) >= l.Config.MaxPlayers {
		return ErrRoomFull
	}
	l.occupants = append(l.occupants, id)
	if len(l.occupants) == 1 {
		l.HostID = id
	}
	return nil
}

// AddSpectatorUnsafe attaches a spectator. Spectators are unbounded.
func (l *Lobby) AddSpectatorUnsafe(id uuid.UUID) {
	l.spectators[id] = struct{}{}
}

// RemoveSpectatorUnsafe detaches a spectator, reporting whether it was one.
func (l *Lobby) RemoveSpectatorUnsafe(id uuid.UUID) bool {
	if _, ok := l.spectators[id]; !ok {
		return false
	}
	delete(l.spectators, id)
	return true
}

// RemoveOccupantUnsafe frees the participant's seat. When the host leaves
// and others remain, the host role passes to the longest-seated occupant.
// empty reports that the last seat is now free.
func (l *Lobby) RemoveOccupantUnsafe(id uuid.UUID) (hostChanged, empty, found bool) {
	idx := -1
	for i, oid := range l.occupants {
		if oid == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, len(l.occupants) == 0, false
	}
	l.occupants = append(l.occupants[:idx], l.occupants[idx+1:]...)
	if len(l.occupants) == 0 {
		return false, true, true
	}
	if id == l.HostID {
		l.HostID = l.occupants[0]
		return true, false, true
	}
	return false, false, true
}

// PromoteUnsafe flips a filled Waiting lobby to InProgress and links the
// game. The first two occupants by join order take the white and black
// seats. A lobby already promoted, or not yet full, reports ok=false; racing
// promotions therefore collapse to a single winner.
func (l *Lobby) PromoteUnsafe(gameID uuid.UUID) (white, black uuid.UUID, ok bool) {
	if l.State != StateWaiting || len(l.occupants) < 2 {
		return uuid.Nil, uuid.Nil, false
	}
	l.State = StateInProgress
	l.GameID = gameID
	return l.occupants[0], l.occupants[1], true
}

// FinishUnsafe marks the lobby's game as over.
func (l *Lobby) FinishUnsafe() {
	l.State = StateFinished
}

// SeatsFilledUnsafe reports whether both seats are taken.
func (l *Lobby) SeatsFilledUnsafe() bool {
	return len(l.occupants) >= 2
}

func (l *Lobby) HasOccupantUnsafe(id uuid.UUID) bool {
	for _, oid := range l.occupants {
		if oid == id {
			return true
		}
	}
	return false
}

func (l *Lobby) IsSpectatorUnsafe(id uuid.UUID) bool {
	_, ok := l.spectators[id]
	return ok
}

// OccupantsUnsafe returns the seats in join order.
func (l *Lobby) OccupantsUnsafe() []uuid.UUID {
	out := make([]uuid.UUID, len(l.occupants))
	copy(out, l.occupants)
	return out
}

func (l *Lobby) SpectatorsUnsafe() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(l.spectators))
	for id := range l.spectators {
		out = append(out, id)
	}
	return out
}

// MemberIDsUnsafe returns occupants followed by spectators.
func (l *Lobby) MemberIDsUnsafe() []uuid.UUID {
	return append(l.OccupantsUnsafe(), l.SpectatorsUnsafe()...)
}

func (l *Lobby) SpectatorCountUnsafe() int {
	return len(l.spectators)
}

// StatePayloadUnsafe builds the room snapshot sent as room_joined, resolving
// display info through the lookup. Callers add recipient-specific fields
// (your_color, game) to the returned map before routing.
func (l *Lobby) StatePayloadUnsafe(info func(uuid.UUID) (models.PlayerInfo, bool)) map[string]interface{} {
	players := make([]models.PlayerInfo, 0, len(l.occupants))
	for _, id := range l.occupants {
		if pi, ok := info(id); ok {
			players = append(players, pi)
		}
	}
	payload := map[string]interface{}{
		"type":            protocol.MsgRoomJoined,
		"room_id":         l.ID.String(),
		"name":            l.Name,
		"host_id":         l.HostID.String(),
		"mode":            l.Config.Mode,
		"max_players":     l.Config.MaxPlayers,
		"time_control":    l.Config.TimeControlMinutes,
		"increment":       l.Config.IncrementSeconds,
		"rated":           l.Config.Rated,
		"players":         players,
		"spectator_count": len(l.spectators),
		"state":           string(l.State),
	}
	if l.Code != "" {
		payload["room_code"] = l.Code
	}
	return payload
}

// ListingPayloadUnsafe is the compact row used by the public room listing.
func (l *Lobby) ListingPayloadUnsafe(info func(uuid.UUID) (models.PlayerInfo, bool)) map[string]interface{} {
	hostName := ""
	if pi, ok := info(l.HostID); ok {
		hostName = pi.Username
	}
	return map[string]interface{}{
		"room_id":      l.ID.String(),
		"name":         l.Name,
		"host_name":    hostName,
		"mode":         l.Config.Mode,
		"players":      len(l.occupants),
		"max_players":  l.Config.MaxPlayers,
		"spectators":   len(l.spectators),
		"time_control": l.Config.TimeControlMinutes,
		"increment":    l.Config.IncrementSeconds,
		"rated":        l.Config.Rated,
		"state":        string(l.State),
	}
}
