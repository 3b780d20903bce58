// internal/protocol/messages.go

// Package protocol defines the websocket frame vocabulary: the single
// inbound message shape, the outbound message type identifiers, and the
// recoverable error codes.
package protocol

// Inbound message types.
const (
	MsgConnect        = "connect"
	MsgCreateLobby    = "create_lobby"
	MsgJoinLobby      = "join_lobby"
	MsgLeaveLobby     = "leave_lobby"
	MsgStartGame      = "start_game"
	MsgMakeMove       = "make_move"
	MsgOfferDraw      = "offer_draw"
	MsgAcceptDraw     = "accept_draw"
	MsgDeclineDraw    = "decline_draw"
	MsgResign         = "resign"
	MsgRequestRematch = "request_rematch"
	MsgAcceptRematch  = "accept_rematch"
	MsgSendMessage    = "send_message"
	MsgPing           = "ping"
)

// Outbound message types.
const (
	MsgConnected       = "connected"
	MsgRoomCreated     = "room_created"
	MsgRoomJoined      = "room_joined"
	MsgPlayerJoined    = "player_joined"
	MsgPlayerLeft      = "player_left"
	MsgGameStarted     = "game_started"
	MsgMoveMade        = "move_made"
	MsgGameEnded       = "game_ended"
	MsgDrawOffered     = "draw_offered"
	MsgDrawDeclined    = "draw_declined"
	MsgRematchOffered  = "rematch_offered"
	MsgRematchAccepted = "rematch_accepted"
	MsgChatMessage     = "chat_message"
	MsgSpectatorJoined = "spectator_joined"
	MsgSpectatorLeft   = "spectator_left"
	MsgError           = "error"
	MsgPong            = "pong"
)

// ClientMessage is the inbound frame shape. Type selects the operation;
// the remaining fields are populated per type and ignored otherwise.
type ClientMessage struct {
	Type string `json:"type"`

	// connect
	Token    string `json:"token,omitempty"`
	PlayerID string `json:"player_id,omitempty"`

	// create_lobby
	Name        string `json:"name,omitempty"`
	Mode        string `json:"mode,omitempty"`
	MaxPlayers  int    `json:"max_players,omitempty"`
	TimeControl int    `json:"time_control,omitempty"`
	Increment   int    `json:"increment,omitempty"`
	Rated       bool   `json:"rated,omitempty"`
	Private     bool   `json:"private,omitempty"`

	// join_lobby
	LobbyID     string `json:"lobby_id,omitempty"`
	RoomCode    string `json:"room_code,omitempty"`
	AsSpectator bool   `json:"as_spectator,omitempty"`

	// make_move
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Promotion string `json:"promotion,omitempty"`

	// send_message
	Text string `json:"text,omitempty"`
}
