// internal/handlers/actions.go
package handlers

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mwhitaker/gambit/internal/broadcast"
	"github.com/mwhitaker/gambit/internal/directory"
	"github.com/mwhitaker/gambit/internal/game"
	"github.com/mwhitaker/gambit/internal/lobby"
	"github.com/mwhitaker/gambit/internal/models"
	"github.com/mwhitaker/gambit/internal/protocol"
	"github.com/mwhitaker/gambit/internal/registry"
)

// maxChatRunes caps a chat message; longer texts are cut, not rejected.
const maxChatRunes = 500

func (c *Coordinator) handleCreateLobby(conn *registry.Conn, playerID uuid.UUID, msg protocol.ClientMessage) {
	if p, ok := c.Directory.Get(playerID); ok && p.Placement.Kind != directory.Idle {
		c.sendError(conn.ID, protocol.CodeAlreadyPlaced, "leave your current room first")
		return
	}

	cfg := models.RoomConfig{
		Name:               msg.Name,
		Mode:               msg.Mode,
		MaxPlayers:         msg.MaxPlayers,
		TimeControlMinutes: msg.TimeControl,
		IncrementSeconds:   msg.Increment,
		Rated:              msg.Rated,
		Private:            msg.Private,
	}
	lob := lobby.New(playerID, cfg)
	lob.OnEmpty = func(lobbyID uuid.UUID) { c.Lobbies.DeleteLobby(lobbyID) }
	c.Lobbies.AddLobby(lob)
	c.Directory.SetPlacement(playerID, directory.Placement{Kind: directory.InLobby, RoomID: lob.ID})
	c.Logger.Infof("Participant %s created lobby %s (%q)", playerID, lob.ID, lob.Name)

	created := map[string]interface{}{
		"type":       protocol.MsgRoomCreated,
		"room_id":    lob.ID.String(),
		"share_link": "/play/room/" + lob.ID.String(),
	}
	if lob.Code != "" {
		created["room_code"] = lob.Code
	}
	c.Registry.Send(conn.ID, created)

	lob.Mu.Lock()
	snap := lob.StatePayloadUnsafe(c.playerInfo)
	lob.Mu.Unlock()
	snap["your_color"] = game.ColorWhite
	c.Registry.Send(conn.ID, snap)
}

func (c *Coordinator) handleJoinLobby(conn *registry.Conn, playerID uuid.UUID, msg protocol.ClientMessage) {
	lob := c.resolveLobby(msg)
	if lob == nil {
		c.sendError(conn.ID, protocol.CodeNotFound, "room not found")
		return
	}
	p, ok := c.Directory.Get(playerID)
	if !ok {
		return
	}

	if p.Placement.Kind == directory.InLobby || p.Placement.Kind == directory.InGame {
		lob.Mu.Lock()
		sameRoom := p.Placement.RoomID == lob.ID ||
			(lob.GameID != uuid.Nil && p.Placement.RoomID == lob.GameID)
		lob.Mu.Unlock()
		if sameRoom {
			// Idempotent rejoin; just re-sync.
			c.sendRoomSnapshot(conn.ID, p)
			return
		}
		c.sendError(conn.ID, protocol.CodeAlreadyPlaced, "leave your current room first")
		return
	}

	lob.Mu.Lock()
	switch {
	case lob.State == lobby.StateInProgress:
		gameID := lob.GameID
		lob.Mu.Unlock()
		c.joinRunningGame(conn, playerID, gameID, msg.AsSpectator)
		return
	case lob.State != lobby.StateWaiting:
		lob.Mu.Unlock()
		c.sendError(conn.ID, protocol.CodeNotFound, "room not found")
		return
	case msg.AsSpectator:
		lob.AddSpectatorUnsafe(playerID)
		note := map[string]interface{}{
			"type":            protocol.MsgSpectatorJoined,
			"spectator_id":    playerID.String(),
			"spectator_count": lob.SpectatorCountUnsafe(),
		}
		snap := lob.StatePayloadUnsafe(c.playerInfo)
		lob.Mu.Unlock()
		c.Directory.SetPlacement(playerID, directory.Placement{Kind: directory.InLobby, RoomID: lob.ID})
		c.Registry.Send(conn.ID, snap)
		c.Router.Route(broadcast.ToLobby(lob.ID), note)
		return
	}

	// Seat path.
	if err := lob.AddOccupantUnsafe(playerID); err != nil {
		lob.Mu.Unlock()
		c.sendError(conn.ID, protocol.CodeRoomFull, "no open seats; join as a spectator")
		return
	}
	occupants := lob.OccupantsUnsafe()
	joinedInfo, _ := c.playerInfo(playerID)
	note := map[string]interface{}{
		"type":   protocol.MsgPlayerJoined,
		"player": joinedInfo,
	}
	color := seatColor(occupants, playerID)
	if color != "" {
		note["color"] = color
	}
	snap := lob.StatePayloadUnsafe(c.playerInfo)
	autoStart := len(occupants) == 2 && lob.Config.MaxPlayers == 2
	lob.Mu.Unlock()

	c.Directory.SetPlacement(playerID, directory.Placement{Kind: directory.InLobby, RoomID: lob.ID})
	if color != "" {
		snap["your_color"] = color
	}
	c.Registry.Send(conn.ID, snap)
	c.Router.Route(broadcast.ToLobby(lob.ID), note)

	// Two-seat rooms promote the moment the second seat fills; larger rooms
	// wait for the host's start_game.
	if autoStart {
		c.startGameFromLobby(lob)
	}
}

// joinRunningGame admits a late arrival to a promoted room. Seats are gone
// by then, so only spectating is on offer.
func (c *Coordinator) joinRunningGame(conn *registry.Conn, playerID, gameID uuid.UUID, asSpectator bool) {
	sess, ok := c.Games.GetGame(gameID)
	if !ok {
		c.sendError(conn.ID, protocol.CodeNotFound, "room not found")
		return
	}
	if !asSpectator {
		c.sendError(conn.ID, protocol.CodeRoomFull, "game already started; join as a spectator")
		return
	}
	sess.AddSpectator(playerID)
	c.Directory.SetPlacement(playerID, directory.Placement{Kind: directory.InGame, RoomID: sess.ID})
	c.Registry.Send(conn.ID, c.gameRoomSnapshot(sess))
}

func (c *Coordinator) resolveLobby(msg protocol.ClientMessage) *lobby.Lobby {
	if msg.RoomCode != "" {
		if lob, ok := c.Lobbies.GetLobbyByCode(msg.RoomCode); ok {
			return lob
		}
		return nil
	}
	id, err := uuid.Parse(msg.LobbyID)
	if err != nil {
		return nil
	}
	lob, ok := c.Lobbies.GetLobby(id)
	if !ok {
		return nil
	}
	return lob
}

func (c *Coordinator) handleLeaveLobby(conn *registry.Conn, playerID uuid.UUID) {
	p, ok := c.Directory.Get(playerID)
	if !ok {
		return
	}
	switch p.Placement.Kind {
	case directory.InLobby:
		c.removeFromLobby(playerID, p.Placement.RoomID)
		c.Directory.SetPlacement(playerID, directory.Placement{Kind: directory.Idle})
	case directory.InGame:
		sess, ok := c.Games.GetGame(p.Placement.RoomID)
		if !ok {
			c.Directory.SetPlacement(playerID, directory.Placement{Kind: directory.Idle})
			return
		}
		if sess.IsSpectator(playerID) {
			sess.RemoveSpectator(playerID)
			c.Directory.SetPlacement(playerID, directory.Placement{Kind: directory.Idle})
			return
		}
		// Walking out on a live game forfeits it. Game end resets placements.
		if err := sess.HandleAbandon(playerID); err != nil {
			c.Directory.SetPlacement(playerID, directory.Placement{Kind: directory.Idle})
		}
	default:
		c.sendError(conn.ID, protocol.CodeNotFound, "you are not in a room")
	}
}

func (c *Coordinator) handleStartGame(conn *registry.Conn, playerID uuid.UUID) {
	p, ok := c.Directory.Get(playerID)
	if !ok || p.Placement.Kind != directory.InLobby {
		c.sendError(conn.ID, protocol.CodeNotFound, "you are not in a lobby")
		return
	}
	lob, ok := c.Lobbies.GetLobby(p.Placement.RoomID)
	if !ok {
		c.sendError(conn.ID, protocol.CodeNotFound, "you are not in a lobby")
		return
	}
	lob.Mu.Lock()
	isHost := lob.HostID == playerID
	lob.Mu.Unlock()
	if !isHost {
		c.Logger.Debugf("Lobby %s: ignoring start_game from non-host %s", lob.ID, playerID)
		return
	}
	if c.startGameFromLobby(lob) == nil {
		// Already promoted, or still short of two seats. Both are benign.
		c.Logger.Debugf("Lobby %s: start_game from %s was a no-op", lob.ID, playerID)
	}
}

func (c *Coordinator) handleGameAction(conn *registry.Conn, playerID uuid.UUID, msg protocol.ClientMessage) {
	sess, ok := c.sessionFor(playerID)
	if !ok {
		c.sendError(conn.ID, protocol.CodeNotFound, "no active game")
		return
	}

	var err error
	switch msg.Type {
	case protocol.MsgMakeMove:
		err = sess.HandleMove(playerID, msg.From, msg.To, msg.Promotion)
	case protocol.MsgResign:
		err = sess.HandleResign(playerID)
	case protocol.MsgOfferDraw:
		err = sess.HandleDrawOffer(playerID)
	case protocol.MsgAcceptDraw:
		err = sess.HandleDrawAccept(playerID)
	case protocol.MsgDeclineDraw:
		err = sess.HandleDrawDecline(playerID)
	}
	if err != nil {
		c.sendGameError(conn.ID, err)
	}
}

// sessionFor resolves the live session a participant is placed in.
func (c *Coordinator) sessionFor(playerID uuid.UUID) (*game.Session, bool) {
	p, ok := c.Directory.Get(playerID)
	if !ok || p.Placement.Kind != directory.InGame {
		return nil, false
	}
	sess, ok := c.Games.GetGame(p.Placement.RoomID)
	if !ok {
		return nil, false
	}
	return sess, true
}

// sendGameError maps session errors onto protocol error frames. Errors go
// to the acting player only; the room never sees them.
func (c *Coordinator) sendGameError(connID uuid.UUID, err error) {
	var invalid *game.InvalidMoveError
	switch {
	case errors.As(err, &invalid):
		c.Registry.Send(connID, protocol.InvalidMoveMessage(invalid.Error(), invalid.LegalMoves))
	case errors.Is(err, game.ErrWrongTurn):
		c.Registry.Send(connID, protocol.ErrorMessage(protocol.CodeWrongTurn, err.Error()))
	case errors.Is(err, game.ErrGameOver):
		c.Registry.Send(connID, protocol.ErrorMessage(protocol.CodeGameOver, err.Error()))
	default:
		c.Registry.Send(connID, protocol.ErrorMessage(protocol.CodeNotFound, err.Error()))
	}
}

// handleRematch covers both the offer and the acceptance. Neither frame
// carries a game id; the player's most recent finished seat decides which
// table the rematch concerns.
func (c *Coordinator) handleRematch(conn *registry.Conn, playerID uuid.UUID, accept bool) {
	sess, live := c.sessionFor(playerID)
	if !live {
		sess = c.Games.GetTerminalGameBySeat(playerID)
	}
	if sess == nil {
		c.sendError(conn.ID, protocol.CodeNotFound, "no finished game to rematch")
		return
	}

	if !accept {
		if err := sess.OfferRematch(playerID); err != nil {
			c.sendGameError(conn.ID, err)
		}
		return
	}

	white, black, err := sess.AcceptRematch(playerID)
	if err != nil {
		c.sendGameError(conn.ID, err)
		return
	}
	for _, seat := range []models.PlayerInfo{white, black} {
		if p, ok := c.Directory.Get(seat.ID); !ok || p.Placement.Kind != directory.Idle {
			c.sendError(conn.ID, protocol.CodeAlreadyPlaced, "a seat is no longer available")
			return
		}
	}
	c.startRematch(sess, white, black)
}

func (c *Coordinator) handleChat(conn *registry.Conn, playerID uuid.UUID, msg protocol.ClientMessage) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if runes := []rune(text); len(runes) > maxChatRunes {
		text = string(runes[:maxChatRunes])
	}
	p, ok := c.Directory.Get(playerID)
	if !ok {
		return
	}

	frame := map[string]interface{}{
		"type":      protocol.MsgChatMessage,
		"player_id": p.ID.String(),
		"username":  p.Username,
		"text":      text,
		"timestamp": time.Now().UnixMilli(),
	}
	switch p.Placement.Kind {
	case directory.InLobby:
		c.Router.Route(broadcast.ToLobby(p.Placement.RoomID), frame)
	case directory.InGame:
		c.Router.Route(broadcast.ToGame(p.Placement.RoomID), frame)
	default:
		c.sendError(conn.ID, protocol.CodeNotFound, "join a room to chat")
	}
}

// sendRoomSnapshot re-syncs a participant's room view after connect or an
// idempotent rejoin. Idle participants get nothing.
func (c *Coordinator) sendRoomSnapshot(connID uuid.UUID, p directory.Participant) {
	switch p.Placement.Kind {
	case directory.InLobby:
		lob, ok := c.Lobbies.GetLobby(p.Placement.RoomID)
		if !ok {
			return
		}
		lob.Mu.Lock()
		snap := lob.StatePayloadUnsafe(c.playerInfo)
		color := seatColor(lob.OccupantsUnsafe(), p.ID)
		lob.Mu.Unlock()
		if color != "" {
			snap["your_color"] = color
		}
		c.Registry.Send(connID, snap)
	case directory.InGame:
		sess, ok := c.Games.GetGame(p.Placement.RoomID)
		if !ok {
			return
		}
		snap := c.gameRoomSnapshot(sess)
		if sess.White.ID == p.ID {
			snap["your_color"] = game.ColorWhite
		} else if sess.Black.ID == p.ID {
			snap["your_color"] = game.ColorBlack
		}
		c.Registry.Send(connID, snap)
	}
}

// gameRoomSnapshot builds the room_joined view for a live game, falling
// back to session data when the originating lobby is already gone, as after
// a rematch.
func (c *Coordinator) gameRoomSnapshot(sess *game.Session) map[string]interface{} {
	if lob, ok := c.Lobbies.GetLobby(sess.LobbyID); ok {
		lob.Mu.Lock()
		snap := lob.StatePayloadUnsafe(c.playerInfo)
		lob.Mu.Unlock()
		snap["game"] = sess.Snapshot()
		return snap
	}
	return map[string]interface{}{
		"type":            protocol.MsgRoomJoined,
		"room_id":         sess.LobbyID.String(),
		"name":            sess.Config.Name,
		"mode":            sess.Config.Mode,
		"max_players":     sess.Config.MaxPlayers,
		"time_control":    sess.Config.TimeControlMinutes,
		"increment":       sess.Config.IncrementSeconds,
		"rated":           sess.Config.Rated,
		"players":         []models.PlayerInfo{sess.White, sess.Black},
		"spectator_count": sess.SpectatorCount(),
		"state":           string(lobby.StateInProgress),
		"game":            sess.Snapshot(),
	}
}

// seatColor maps a seat to its colour by join order: the first two occupants
// take white and black on promotion.
func seatColor(occupants []uuid.UUID, id uuid.UUID) string {
	for i, occ := range occupants {
		if occ != id {
			continue
		}
		switch i {
		case 0:
			return game.ColorWhite
		case 1:
			return game.ColorBlack
		}
		return ""
	}
	return ""
}
