// internal/broadcast/broadcast.go

// Package broadcast fans messages out to sets of live connections. Target
// resolution is pure: it maps a target over a read-only view of the
// connection and placement tables to a list of connection ids. Delivery
// happens afterwards, one non-blocking send per connection.
package broadcast

import (
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Scope int

const (
	ScopeEveryone Scope = iota
	ScopeParticipant
	ScopeLobby
	ScopeGame
)

func (s Scope) String() string {
	switch s {
	case ScopeEveryone:
		return "everyone"
	case ScopeParticipant:
		return "participant"
	case ScopeLobby:
		return "lobby"
	case ScopeGame:
		return "game"
	}
	return "unknown"
}

// Target names a set of recipients. ID is the participant, lobby, or game id
// depending on the scope, and unused for ScopeEveryone.
type Target struct {
	Scope Scope
	ID    uuid.UUID
}

func Everyone() Target                  { return Target{Scope: ScopeEveryone} }
func ToParticipant(id uuid.UUID) Target { return Target{Scope: ScopeParticipant, ID: id} }
func ToLobby(lobbyID uuid.UUID) Target  { return Target{Scope: ScopeLobby, ID: lobbyID} }
func ToGame(gameID uuid.UUID) Target    { return Target{Scope: ScopeGame, ID: gameID} }

// View is the read-only state a resolution runs against.
type View interface {
	// ConnIDs lists every live connection.
	ConnIDs() []uuid.UUID
	// ParticipantConn returns the live connection bound to a participant.
	ParticipantConn(playerID uuid.UUID) (uuid.UUID, bool)
	// LobbyMemberIDs lists a lobby's occupants and spectators.
	LobbyMemberIDs(lobbyID uuid.UUID) []uuid.UUID
	// GameMemberIDs lists a game's seated players and spectators.
	GameMemberIDs(gameID uuid.UUID) []uuid.UUID
	// PlacedIn reports whether the participant's placement still points at
	// the room.
	PlacedIn(playerID, roomID uuid.UUID) bool
}

// Resolve maps a target to the connection ids that should receive the
// message. Unknown rooms, absent participants, and members without a live
// connection resolve silently to nothing.
func Resolve(t Target, v View) []uuid.UUID {
	switch t.Scope {
	case ScopeEveryone:
		return v.ConnIDs()
	case ScopeParticipant:
		if connID, ok := v.ParticipantConn(t.ID); ok {
			return []uuid.UUID{connID}
		}
		return nil
	case ScopeLobby:
		return roomConns(v, t.ID, v.LobbyMemberIDs(t.ID))
	case ScopeGame:
		return roomConns(v, t.ID, v.GameMemberIDs(t.ID))
	}
	return nil
}

// roomConns keeps the members whose placement still points at the room and
// maps them to live connections. Membership lists can lag the directory by a
// beat, so the placement check is the authority.
func roomConns(v View, roomID uuid.UUID, members []uuid.UUID) []uuid.UUID {
	conns := make([]uuid.UUID, 0, len(members))
	for _, pid := range members {
		if !v.PlacedIn(pid, roomID) {
			continue
		}
		if connID, ok := v.ParticipantConn(pid); ok {
			conns = append(conns, connID)
		}
	}
	return conns
}

// Router pairs the resolver with the registry's send path.
type Router struct {
	View   View
	Send   func(connID uuid.UUID, msg map[string]interface{}) bool
	Logger *logrus.Logger
}

// Route resolves the target and delivers the message to each connection. A
// failed send is logged and skipped; it never stops the fan-out.
func (r *Router) Route(target Target, msg map[string]interface{}) {
	for _, connID := range Resolve(target, r.View) {
		if !r.Send(connID, msg) && r.Logger != nil {
			r.Logger.WithFields(logrus.Fields{
				"conn_id": connID,
				"scope":   target.Scope.String(),
				"type":    msg["type"],
			}).Debug("dropped frame during fan-out")
		}
	}
}
