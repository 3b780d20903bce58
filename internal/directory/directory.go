// internal/directory/directory.go

// Package directory is the authoritative table of known participants and
// where each one currently is: idle, seated in a lobby, playing a game, or
// offline inside the reconnect grace window.
package directory

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mwhitaker/gambit/internal/models"
)

// DefaultGrace is how long a disconnected participant is remembered before
// removal, unless DISCONNECT_GRACE_SEC overrides it.
const DefaultGrace = 5 * time.Minute

type PlacementKind int

const (
	Idle PlacementKind = iota
	InLobby
	InGame
	Offline
)

func (k PlacementKind) String() string {
	switch k {
	case Idle:
		return "idle"
	case InLobby:
		return "in_lobby"
	case InGame:
		return "in_game"
	case Offline:
		return "offline"
	}
	return "unknown"
}

// Placement locates a participant. RoomID is the lobby or game id for the
// InLobby and InGame kinds and Nil otherwise.
type Placement struct {
	Kind   PlacementKind
	RoomID uuid.UUID
}

// Participant is one known identity, registered or guest.
type Participant struct {
	ID       uuid.UUID
	Username string
	Rating   int
	Guest    bool

	// ConnID is the live connection bound to this identity, Nil while offline.
	ConnID uuid.UUID

	Placement Placement
}

// Info returns the public projection used in rosters and announcements.
func (p Participant) Info() models.PlayerInfo {
	return models.PlayerInfo{ID: p.ID, Username: p.Username, Rating: p.Rating}
}

type entry struct {
	p Participant

	// stashed is the placement held at the moment of disconnect; it is what a
	// reconnect inside the grace window restores.
	stashed Placement
}

// Directory guards the participant table. Removal timers are keyed by
// participant id so a reconnect can cancel the pending reap.
type Directory struct {
	mu      sync.Mutex
	players map[uuid.UUID]*entry
	timers  map[uuid.UUID]*time.Timer

	logger *logrus.Logger
}

func New(logger *logrus.Logger) *Directory {
	return &Directory{
		players: make(map[uuid.UUID]*entry),
		timers:  make(map[uuid.UUID]*time.Timer),
		logger:  logger,
	}
}

// Upsert inserts the participant or refreshes the identity fields of an
// existing one. Placement of an existing participant is not touched; ConnID
// is updated only when the given one is non-Nil.
func (d *Directory) Upsert(p Participant) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.players[p.ID]; ok {
		e.p.Username = p.Username
		e.p.Rating = p.Rating
		e.p.Guest = p.Guest
		if p.ConnID != uuid.Nil {
			e.p.ConnID = p.ConnID
		}
		return
	}
	d.players[p.ID] = &entry{p: p}
}

// Get returns a snapshot of the participant.
func (d *Directory) Get(id uuid.UUID) (Participant, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.players[id]
	if !ok {
		return Participant{}, false
	}
	return e.p, true
}

// SetPlacement moves the participant. For an offline participant the new
// placement becomes the restore target instead, so room changes that happen
// during the grace window (host handoff, game end) are reflected when the
// player returns.
func (d *Directory) SetPlacement(id uuid.UUID, pl Placement) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.players[id]
	if !ok {
		return false
	}
	if e.p.Placement.Kind == Offline {
		e.stashed = pl
		return true
	}
	e.p.Placement = pl
	return true
}

// SetRating updates the displayed rating, e.g. after a rated game commits.
func (d *Directory) SetRating(id uuid.UUID, rating int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.players[id]; ok {
		e.p.Rating = rating
	}
}

// BindConn attaches a connection to the participant and returns the conn id
// it displaces, Nil when there was none.
func (d *Directory) BindConn(id, connID uuid.UUID) (uuid.UUID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.players[id]
	if !ok {
		return uuid.Nil, false
	}
	old := e.p.ConnID
	e.p.ConnID = connID
	return old, true
}

// ConnOf returns the live connection bound to the participant.
func (d *Directory) ConnOf(id uuid.UUID) (uuid.UUID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.players[id]
	if !ok || e.p.ConnID == uuid.Nil {
		return uuid.Nil, false
	}
	return e.p.ConnID, true
}

// MarkOffline records a disconnect: the current placement is stashed as the
// restore target, the participant goes Offline, and the connection binding is
// cleared. Returns the stashed placement. Idempotent for an already-offline
// participant.
func (d *Directory) MarkOffline(id uuid.UUID) (Placement, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.players[id]
	if !ok {
		return Placement{}, false
	}
	if e.p.Placement.Kind == Offline {
		return e.stashed, true
	}
	e.stashed = e.p.Placement
	e.p.Placement = Placement{Kind: Offline}
	e.p.ConnID = uuid.Nil
	return e.stashed, true
}

/// Restore re-attaches a connection to a known participant: any pending
// removal is cancelled and, if the participant was offline, the stashed
// placement is reinstated. Returns the refreshed snapshot and the superseded
// conn id (Nil when none).
func (d *Directory) Restore(id, connID uuid.UUID) (Participant, uuid.UUID, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.players[id]
	if !ok {
		return Participant{}, uuid.Nil, false
	}
	if t, exists := d.timers[id]; exists {
		t.Stop()
		delete(d.timers, id)
	}
	old := e.p.ConnID
	e.p.ConnID = connID
	if e.p.Placement.Kind == Offline {
		e.p.Placement = e.stashed
		e.stashed = Placement{}
	}
	return e.p, old, true
}

// ScheduleRemoval arms the deferred removal for a disconnected participant.
// When the grace window elapses with the participant still offline, onExpire
// runs with the stashed placement so the caller can unwind room membership
// and then Remove. A participant whose stashed placement is InGame is never
// reaped here; the game-end path re-arms removal once the game is over.
func (d *Directory) ScheduleRemoval(id uuid.UUID, grace time.Duration, onExpire func(id uuid.UUID, last Placement)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.players[id]; !ok {
		return
	}
	if t, exists := d.timers[id]; exists {
		t.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(grace, func() {
		d.mu.Lock()
		if d.timers[id] != timer {
			// A reconnect or a newer schedule superseded this timer.
			d.mu.Unlock()
			return
		}
		delete(d.timers, id)
		e, ok := d.players[id]
		if !ok || e.p.Placement.Kind != Offline {
			d.mu.Unlock()
			return
		}
		last := e.stashed
		if last.Kind == InGame {
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		if d.logger != nil {
			d.logger.WithFields(logrus.Fields{
				"player_id": id,
				"last":      last.Kind.String(),
			}).Debug("disconnect grace expired, removing participant")
		}
		if onExpire != nil {
			onExpire(id, last)
		}
	})
	d.timers[id] = timer
}

// CancelRemoval stops a pending removal. Reports whether one was pending.
func (d *Directory) CancelRemoval(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(d.timers, id)
	return true
}

// Remove drops the participant and any pending removal timer.
func (d *Directory) Remove(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.timers[id]; ok {
		t.Stop()
		delete(d.timers, id)
	}
	delete(d.players, id)
}

// Count returns the number of known participants.
func (d *Directory) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.players)
}
