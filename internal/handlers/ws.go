// internal/handlers/ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/mwhitaker/gambit/internal/auth"
	"github.com/mwhitaker/gambit/internal/database"
	"github.com/mwhitaker/gambit/internal/directory"
	"github.com/mwhitaker/gambit/internal/middleware"
	"github.com/mwhitaker/gambit/internal/protocol"
	"github.com/mwhitaker/gambit/internal/rating"
	"github.com/mwhitaker/gambit/internal/registry"
)

// WSHandler serves the single multiplexed websocket endpoint. Every room and
// game operation arrives here as a typed frame; the first useful frame must
// be a connect.
func WSHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		remoteAddr := r.RemoteAddr

		ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"gambit"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			c.Logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer ws.Close(websocket.StatusInternalError, "handler finished")

		if ws.Subprotocol() != "gambit" {
			ws.Close(BadSubprotocolError, "client must speak the gambit subprotocol")
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		conn := registry.NewConn(cancel, remoteAddr)
		c.Registry.Register(conn)
		middleware.LogWebSocketConnect(c.Logger, remoteAddr, conn.ID)

		cookieToken := extractCookieToken(r.Header.Get("Cookie"), "auth_token")

		go writePump(ctx, ws, conn, c)

		// Blocks until the connection closes or errors.
		playerID, readErr := readPump(ctx, ws, conn, c, cookieToken)

		c.handleDisconnect(conn.ID, playerID)
		middleware.LogWebSocketDisconnect(c.Logger, remoteAddr, conn.ID, playerID, readErr)
	}
}

// readPump drains inbound frames until the socket dies. It returns the
// player identity bound by the connect handshake, Nil if none ever was.
// Unparseable or unknown frames are logged and skipped; they never close
// the connection.
func readPump(ctx context.Context, ws *websocket.Conn, conn *registry.Conn, c *Coordinator, cookieToken string) (uuid.UUID, error) {
	bound := uuid.Nil
	for {
		select {
		case <-ctx.Done():
			return bound, ctx.Err()
		default:
			// Proceed with reading
		}

		typ, data, err := ws.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				c.Logger.Infof("Conn %s: websocket closed normally", conn.ID)
			} else if strings.Contains(err.Error(), "context canceled") {
				// Superseded or shut down; nothing to log
			} else {
				c.Logger.Warnf("Conn %s: read error: %v (CloseStatus: %d)", conn.ID, err, closeStatus)
			}
			return bound, err
		}

		if typ != websocket.MessageText {
			c.Logger.Warnf("Conn %s: ignoring non-text message type %d", conn.ID, typ)
			continue
		}

		var msg protocol.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Logger.Warnf("Conn %s: ignoring malformed frame: %v", conn.ID, err)
			continue
		}

		bound = c.dispatch(conn, bound, msg, cookieToken)
	}
}

// writePump drains the connection's outbound buffer onto the socket and
// keeps the link alive with pings.
func writePump(ctx context.Context, ws *websocket.Conn, conn *registry.Conn, c *Coordinator) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer ws.Close(websocket.StatusGoingAway, "write pump stopping")

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-conn.OutChan:
			if !ok {
				// Unregistered; the connection is going away.
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				c.Logger.Warnf("Conn %s: failed to marshal outgoing msg: %v", conn.ID, err)
				continue
			}

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = ws.Write(writeCtx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.Logger.Warnf("Conn %s: failed to write to websocket: %v", conn.ID, err)
				return
			}
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				c.Logger.Warnf("Conn %s: ping failed: %v. Assuming disconnect.", conn.ID, err)
				return
			}
		}
	}
}

// dispatch routes one inbound frame and returns the connection's bound
// player id, which only the connect handler changes.
func (c *Coordinator) dispatch(conn *registry.Conn, bound uuid.UUID, msg protocol.ClientMessage, cookieToken string) uuid.UUID {
	switch msg.Type {
	case protocol.MsgConnect:
		return c.handleConnect(conn, bound, msg, cookieToken)
	case protocol.MsgPing:
		c.Registry.Send(conn.ID, map[string]interface{}{"type": protocol.MsgPong})
		return bound
	}

	if bound == uuid.Nil {
		c.sendError(conn.ID, protocol.CodeNotFound, "connect first")
		return bound
	}

	switch msg.Type {
	case protocol.MsgCreateLobby:
		c.handleCreateLobby(conn, bound, msg)
	case protocol.MsgJoinLobby:
		c.handleJoinLobby(conn, bound, msg)
	case protocol.MsgLeaveLobby:
		c.handleLeaveLobby(conn, bound)
	case protocol.MsgStartGame:
		c.handleStartGame(conn, bound)
	case protocol.MsgMakeMove, protocol.MsgResign,
		protocol.MsgOfferDraw, protocol.MsgAcceptDraw, protocol.MsgDeclineDraw:
		c.handleGameAction(conn, bound, msg)
	case protocol.MsgRequestRematch:
		c.handleRematch(conn, bound, false)
	case protocol.MsgAcceptRematch:
		c.handleRematch(conn, bound, true)
	case protocol.MsgSendMessage:
		c.handleChat(conn, bound, msg)
	default:
		c.Logger.Warnf("Conn %s: ignoring unknown message type %q", conn.ID, msg.Type)
	}
	return bound
}

// handleConnect binds an identity to the connection. Resolution order: a JWT
// from the frame or the auth_token cookie, then a reclaimable player_id,
// then a freshly minted guest. Auth failures degrade to a guest rather than
// closing the socket.
func (c *Coordinator) handleConnect(conn *registry.Conn, bound uuid.UUID, msg protocol.ClientMessage, cookieToken string) uuid.UUID {
	if bound != uuid.Nil {
		// Repeat connect on a bound connection just re-syncs the client.
		if p, ok := c.Directory.Get(bound); ok {
			c.sendConnected(conn.ID, p)
			c.sendRoomSnapshot(conn.ID, p)
		}
		return bound
	}

	token := msg.Token
	if token == "" {
		token = cookieToken
	}

	var p directory.Participant
	switch {
	case token != "":
		p = c.identityFromToken(token)
	case msg.PlayerID != "":
		p = c.identityFromPlayerID(msg.PlayerID)
	default:
		p = c.newGuest()
	}

	p = c.attach(p, conn)
	c.sendConnected(conn.ID, p)
	c.sendRoomSnapshot(conn.ID, p)
	return p.ID
}

// identityFromToken resolves a JWT to a directory identity. Bad or stale
// tokens fall back to a fresh guest.
func (c *Coordinator) identityFromToken(token string) directory.Participant {
	idStr, err := auth.AuthenticateJWT(token)
	if err != nil {
		c.Logger.Warnf("connect: rejected token: %v", err)
		return c.newGuest()
	}
	uid, err := uuid.Parse(idStr)
	if err != nil {
		return c.newGuest()
	}
	if known, ok := c.Directory.Get(uid); ok {
		return known
	}
	if database.DB != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if u, err := database.GetUserByID(ctx, uid); err == nil {
			return directory.Participant{
				ID:       u.ID,
				Username: u.Username,
				Rating:   u.Rating,
				Guest:    u.IsEphemeral,
			}
		}
		c.Logger.Warnf("connect: token user %s not found, minting guest", uid)
	}
	p := c.newGuest()
	p.ID = uid
	return p
}

// identityFromPlayerID reclaims a guest identity still known to the
// directory, typically one inside the disconnect grace. Unknown ids mint a
// fresh guest instead of honoring the requested id.
func (c *Coordinator) identityFromPlayerID(raw string) directory.Participant {
	uid, err := uuid.Parse(raw)
	if err != nil {
		return c.newGuest()
	}
	if known, ok := c.Directory.Get(uid); ok {
		return known
	}
	return c.newGuest()
}

func (c *Coordinator) newGuest() directory.Participant {
	id, _ := uuid.NewRandom()
	return directory.Participant{
		ID:       id,
		Username: "Player_" + id.String()[:8],
		Rating:   rating.InitialRating,
		Guest:    true,
	}
}

// attach reclaims or creates the directory entry and binds this connection,
// superseding any previous socket for the same identity.
func (c *Coordinator) attach(p directory.Participant, conn *registry.Conn) directory.Participant {
	if existing, ok := c.Directory.Get(p.ID); ok && existing.Placement.Kind == directory.Offline {
		restored, stale, ok := c.Directory.Restore(p.ID, conn.ID)
		if ok {
			if stale != uuid.Nil && stale != conn.ID {
				c.Registry.Unregister(stale)
			}
			c.Registry.Bind(conn.ID, restored.ID)
			c.Logger.Infof("Participant %s (%s) reconnected within grace", restored.ID, restored.Username)
			return restored
		}
	}

	_, known := c.Directory.Get(p.ID)
	if !known {
		c.Directory.Upsert(p)
	}
	if displaced, ok := c.Directory.BindConn(p.ID, conn.ID); ok && displaced != uuid.Nil && displaced != conn.ID {
		// Same identity on a second socket; the old one loses.
		c.Registry.Unregister(displaced)
		c.Logger.Infof("Participant %s superseded connection %s", p.ID, displaced)
	}
	c.Registry.Bind(conn.ID, p.ID)

	if !known && p.Guest {
		go c.ensureGuestRow(p)
	}
	if fresh, ok := c.Directory.Get(p.ID); ok {
		return fresh
	}
	return p
}

// ensureGuestRow gives a minted guest a users row so rated lookups and move
// journaling can reference it.
func (c *Coordinator) ensureGuestRow(p directory.Participant) {
	if database.DB == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := database.EnsureGuestUser(ctx, p.ID, p.Username); err != nil {
		c.Logger.Warnf("Participant %s: guest row insert failed: %v", p.ID, err)
	}
}

func (c *Coordinator) sendConnected(connID uuid.UUID, p directory.Participant) {
	c.Registry.Send(connID, map[string]interface{}{
		"type":      protocol.MsgConnected,
		"player_id": p.ID.String(),
		"username":  p.Username,
		"rating":    p.Rating,
	})
}
