// internal/handlers/coordinator.go
package handlers

import (
	"context"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/mwhitaker/gambit/internal/broadcast"
	"github.com/mwhitaker/gambit/internal/database"
	"github.com/mwhitaker/gambit/internal/directory"
	"github.com/mwhitaker/gambit/internal/game"
	"github.com/mwhitaker/gambit/internal/lobby"
	"github.com/mwhitaker/gambit/internal/models"
	"github.com/mwhitaker/gambit/internal/protocol"
	"github.com/mwhitaker/gambit/internal/rating"
	"github.com/mwhitaker/gambit/internal/registry"
)

// Coordinator owns the server's live state: connections, identities, rooms,
// and sessions. It implements broadcast.View, so room-scoped frames resolve
// against the directory's placements.
//
// Lock ordering: session -> directory/registry, lobby -> directory. The
// coordinator never holds a lobby lock while taking a session lock.
type Coordinator struct {
	Registry  *registry.Registry
	Directory *directory.Directory
	Lobbies   *lobby.Store
	Games     *game.Store
	Router    *broadcast.Router
	Logger    *logrus.Logger

	// Grace is how long a disconnected participant keeps their identity
	// and lobby seat before removal.
	Grace time.Duration
}

func NewCoordinator(logger *logrus.Logger) *Coordinator {
	c := &Coordinator{
		Registry:  registry.New(logger),
		Directory: directory.New(logger),
		Lobbies:   lobby.NewStore(),
		Games:     game.NewStore(),
		Logger:    logger,
		Grace:     graceFromEnv(),
	}
	c.Router = &broadcast.Router{View: c, Send: c.Registry.Send, Logger: logger}
	return c
}

// graceFromEnv reads DISCONNECT_GRACE_SEC, falling back to the directory
// default.
func graceFromEnv() time.Duration {
	if v := os.Getenv("DISCONNECT_GRACE_SEC"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return directory.DefaultGrace
}

// ConnIDs implements broadcast.View.
func (c *Coordinator) ConnIDs() []uuid.UUID {
	return c.Registry.ConnIDs()
}

// ParticipantConn implements broadcast.View.
func (c *Coordinator) ParticipantConn(playerID uuid.UUID) (uuid.UUID, bool) {
	return c.Directory.ConnOf(playerID)
}

// LobbyMemberIDs implements broadcast.View.
func (c *Coordinator) LobbyMemberIDs(lobbyID uuid.UUID) []uuid.UUID {
	lob, ok := c.Lobbies.GetLobby(lobbyID)
	if !ok {
		return nil
	}
	lob.Mu.Lock()
	defer lob.Mu.Unlock()
	return lob.MemberIDsUnsafe()
}

// GameMemberIDs implements broadcast.View.
func (c *Coordinator) GameMemberIDs(gameID uuid.UUID) []uuid.UUID {
	sess, ok := c.Games.GetGame(gameID)
	if !ok {
		return nil
	}
	return sess.MemberIDs()
}

// PlacedIn implements broadcast.View. Offline participants are not placed
// anywhere; their stashed placement is invisible until they restore.
func (c *Coordinator) PlacedIn(playerID, roomID uuid.UUID) bool {
	p, ok := c.Directory.Get(playerID)
	if !ok {
		return false
	}
	if p.Placement.Kind != directory.InLobby && p.Placement.Kind != directory.InGame {
		return false
	}
	return p.Placement.RoomID == roomID
}

// playerInfo resolves a roster entry through the directory. It matches the
// lookup signature the lobby payload builders take.
func (c *Coordinator) playerInfo(id uuid.UUID) (models.PlayerInfo, bool) {
	p, ok := c.Directory.Get(id)
	if !ok {
		return models.PlayerInfo{}, false
	}
	return p.Info(), true
}

func (c *Coordinator) sendError(connID uuid.UUID, code, message string) {
	c.Registry.Send(connID, protocol.ErrorMessage(code, message))
}

// wireSession installs the delivery closures and the end callback. A session
// fires events while holding its own lock, passing recipients it resolved
// itself; the closures only touch the registry and directory, so the session
// lock is never re-entered.
func (c *Coordinator) wireSession(sess *game.Session) {
	sess.BroadcastFn = func(recipients []uuid.UUID, msg map[string]interface{}) {
		for _, pid := range recipients {
			c.Router.Route(broadcast.ToParticipant(pid), msg)
		}
	}
	sess.BroadcastToPlayerFn = func(playerID uuid.UUID, msg map[string]interface{}) {
		c.Router.Route(broadcast.ToParticipant(playerID), msg)
	}
	sess.OnGameEnd = c.onGameEnd
}

// startGameFromLobby promotes a Waiting lobby with two or more occupants
// into a live session. Racing calls collapse: the loser observes the
// promoted state and returns nil. The caller must not hold the lobby lock.
func (c *Coordinator) startGameFromLobby(lob *lobby.Lobby) *game.Session {
	lob.Mu.Lock()
	seats := lob.OccupantsUnsafe()
	if lob.State != lobby.StateWaiting || len(seats) < 2 {
		lob.Mu.Unlock()
		return nil
	}
	whiteInfo, okW := c.playerInfo(seats[0])
	blackInfo, okB := c.playerInfo(seats[1])
	if !okW || !okB {
		lob.Mu.Unlock()
		c.Logger.Warnf("Lobby %s: cannot start, seated player missing from directory", lob.ID)
		return nil
	}

	sess := game.NewSession(lob.ID, whiteInfo, blackInfo, lob.Config)
	if _, _, ok := lob.PromoteUnsafe(sess.ID); !ok {
		lob.Mu.Unlock()
		return nil
	}
	// Occupants past the first two seats watch the game.
	watchers := append(lob.SpectatorsUnsafe(), seats[2:]...)
	lob.Mu.Unlock()

	c.wireSession(sess)
	sess.SeedSpectators(watchers)
	c.Games.AddGame(sess)

	// SetPlacement retargets the stash of anyone inside the grace window,
	// so a seat that disconnected while waiting still lands in the game.
	for _, id := range sess.MemberIDs() {
		c.Directory.SetPlacement(id, directory.Placement{Kind: directory.InGame, RoomID: sess.ID})
	}

	go c.recordGameStart(sess)

	c.Logger.Infof("Lobby %s: game %s started, %s vs %s",
		lob.ID, sess.ID, whiteInfo.Username, blackInfo.Username)
	c.Router.Route(broadcast.ToGame(sess.ID), sess.StartPayload())
	return sess
}

// startRematch spins up the colour-swapped successor session and announces
// it. The announcement to the old table goes per participant since their
// placements no longer point at the finished game.
func (c *Coordinator) startRematch(old *game.Session, white, black models.PlayerInfo) *game.Session {
	sess := game.NewSession(old.LobbyID, white, black, old.Config)
	c.wireSession(sess)
	sess.SeedSpectators(old.SpectatorIDs())
	c.Games.AddGame(sess)

	accepted := map[string]interface{}{
		"type":        protocol.MsgRematchAccepted,
		"new_game_id": sess.ID.String(),
	}
	for _, pid := range old.MemberIDs() {
		c.Router.Route(broadcast.ToParticipant(pid), accepted)
	}

	for _, id := range sess.MemberIDs() {
		c.Directory.SetPlacement(id, directory.Placement{Kind: directory.InGame, RoomID: sess.ID})
	}

	go c.recordGameStart(sess)

	c.Logger.Infof("Game %s: rematch started as game %s, %s vs %s",
		old.ID, sess.ID, white.Username, black.Username)
	c.Router.Route(broadcast.ToGame(sess.ID), sess.StartPayload())
	return sess
}

// recordGameStart upserts the games row so the historian can attach moves.
func (c *Coordinator) recordGameStart(sess *game.Session) {
	if database.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := database.UpsertGameStart(ctx, sess.ID, sess.LobbyID, sess.White, sess.Black, sess.Config); err != nil {
		c.Logger.Warnf("Game %s: failed to record start: %v", sess.ID, err)
	}
}

// onGameEnd unwinds room state once a session reports a result. The session
// invokes it after releasing its lock.
func (c *Coordinator) onGameEnd(sess *game.Session) {
	winner, reason, ok := sess.Result()
	if !ok {
		return
	}
	c.Logger.Infof("Game %s: ended, winner=%q reason=%s", sess.ID, winner, reason)

	go c.persistResult(sess, winner, reason)

	if lob, exists := c.Lobbies.GetLobby(sess.LobbyID); exists {
		lob.Mu.Lock()
		lob.FinishUnsafe()
		lob.Mu.Unlock()
		c.Lobbies.DeleteLobby(lob.ID)
	}

	for _, id := range sess.MemberIDs() {
		c.releaseFromRoom(id)
	}

	// The finished session lingers for the rematch window, then drops.
	sessID := sess.ID
	time.AfterFunc(game.RematchWindow, func() {
		c.Games.DeleteGame(sessID)
	})
}

// releaseFromRoom returns a participant to Idle. For someone still inside
// the disconnect grace the Idle placement lands in their stash and the
// removal timer is re-armed, since game membership no longer shields them.
func (c *Coordinator) releaseFromRoom(id uuid.UUID) {
	p, ok := c.Directory.Get(id)
	if !ok {
		return
	}
	c.Directory.SetPlacement(id, directory.Placement{Kind: directory.Idle})
	if p.Placement.Kind == directory.Offline {
		c.Directory.ScheduleRemoval(id, c.Grace, c.onGraceExpired)
	}
}

// persistResult writes the final game row and, for rated games between two
// registered players, the rating updates.
func (c *Coordinator) persistResult(sess *game.Session, winner, reason string) {
	if database.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := database.FinalizeGame(ctx, sess.ID, winner, reason, sess.FinalFEN(), sess.MoveCount()); err != nil {
		c.Logger.Warnf("Game %s: failed to finalize: %v", sess.ID, err)
	}

	if !sess.Config.Rated || reason == game.ReasonAborted {
		return
	}
	white, err := database.GetUserByID(ctx, sess.White.ID)
	if err != nil {
		c.Logger.Warnf("Game %s: skipping rating update, white lookup failed: %v", sess.ID, err)
		return
	}
	black, err := database.GetUserByID(ctx, sess.Black.ID)
	if err != nil {
		c.Logger.Warnf("Game %s: skipping rating update, black lookup failed: %v", sess.ID, err)
		return
	}
	if white.IsEphemeral || black.IsEphemeral {
		return
	}

	score := 0.5
	switch winner {
	case game.ColorWhite:
		score = 1.0
	case game.ColorBlack:
		score = 0.0
	}
	oldWhite, oldBlack := white.Rating, black.Rating
	newWhite, newBlack := rating.UpdateMatch(*white, *black, score)
	if err := database.CommitMatchResults(ctx, sess.ID, &newWhite, &newBlack, oldWhite, oldBlack); err != nil {
		c.Logger.Warnf("Game %s: failed to commit rating updates: %v", sess.ID, err)
		return
	}
	c.Directory.SetRating(newWhite.ID, newWhite.Rating)
	c.Directory.SetRating(newBlack.ID, newBlack.Rating)
	c.Logger.Infof("Game %s: ratings updated, %s %d->%d, %s %d->%d",
		sess.ID, newWhite.Username, oldWhite, newWhite.Rating,
		newBlack.Username, oldBlack, newBlack.Rating)
}

// removeFromLobby executes the leave flow for a lobby member: spectators
// detach with a spectator_left note, occupants trigger player_left with host
// succession, and the last occupant out tears the lobby down. The caller is
// responsible for the leaver's placement.
func (c *Coordinator) removeFromLobby(playerID, lobbyID uuid.UUID) {
	lob, exists := c.Lobbies.GetLobby(lobbyID)
	if !exists {
		return
	}

	lob.Mu.Lock()
	if lob.IsSpectatorUnsafe(playerID) {
		lob.RemoveSpectatorUnsafe(playerID)
		note := map[string]interface{}{
			"type":            protocol.MsgSpectatorLeft,
			"spectator_id":    playerID.String(),
			"spectator_count": lob.SpectatorCountUnsafe(),
		}
		lob.Mu.Unlock()
		c.Router.Route(broadcast.ToLobby(lobbyID), note)
		return
	}

	hostChanged, empty, found := lob.RemoveOccupantUnsafe(playerID)
	newHost := lob.HostID
	lob.Mu.Unlock()
	if !found {
		return
	}
	if empty {
		if lob.OnEmpty != nil {
			lob.OnEmpty(lob.ID)
		} else {
			c.Lobbies.DeleteLobby(lob.ID)
		}
		c.Logger.Infof("Lobby %s: last occupant left, removed", lob.ID)
		return
	}

	note := map[string]interface{}{
		"type":      protocol.MsgPlayerLeft,
		"player_id": playerID.String(),
	}
	if hostChanged {
		note["new_host_id"] = newHost.String()
	}
	c.Router.Route(broadcast.ToLobby(lobbyID), note)
}

// handleDisconnect runs after a connection's read loop exits. The identity
// outlives the socket for the grace window.
func (c *Coordinator) handleDisconnect(connID, playerID uuid.UUID) {
	c.Registry.Unregister(connID)
	if playerID == uuid.Nil {
		return
	}
	// A newer connection may have superseded this one already.
	if current, ok := c.Directory.ConnOf(playerID); ok && current != connID {
		return
	}
	if _, ok := c.Directory.MarkOffline(playerID); !ok {
		return
	}
	c.Logger.Infof("Participant %s offline, holding placement for %s", playerID, c.Grace)
	c.Directory.ScheduleRemoval(playerID, c.Grace, c.onGraceExpired)
}

// onGraceExpired reaps a participant who never came back. Stashed game
// placements never reach here; lobby seats unwind through the normal leave
// flow.
func (c *Coordinator) onGraceExpired(id uuid.UUID, last directory.Placement) {
	c.Logger.Infof("Participant %s: grace expired, removing (last placement %s)", id, last.Kind)
	if last.Kind == directory.InLobby {
		c.removeFromLobby(id, last.RoomID)
	}
	c.Directory.Remove(id)
}
