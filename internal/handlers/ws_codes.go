// internal/handlers/ws_codes.go
package handlers

import "github.com/coder/websocket"

// Custom WebSocket close codes used by the /ws handler. These provide more
// specific closure reasons than standard codes. Recoverable problems travel
// as error frames instead; a close code means the handshake itself was
// unusable.
const (
	BadSubprotocolError websocket.StatusCode = 4000 // Client connected with an unsupported subprotocol.
	ServerShutdownError websocket.StatusCode = 4001 // Server is shutting down and will not process further frames.
)
