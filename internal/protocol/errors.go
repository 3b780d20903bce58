// internal/protocol/errors.go
package protocol

// Error codes carried on error frames. Every code is recoverable; the
// connection stays open after sending one.
const (
	CodeNotFound      = "not_found"      // target lobby, game, or player does not exist
	CodeRoomFull      = "room_full"      // all seats taken; spectating is still possible
	CodeWrongTurn     = "wrong_turn"     // move attempted out of turn
	CodeInvalidMove   = "invalid_move"   // move not legal in the current position
	CodeGameOver      = "game_over"      // action attempted on a finished game
	CodeAlreadyPlaced = "already_placed" // sender is already seated in a lobby or game
)

// ErrorMessage builds an error frame with the given code.
func ErrorMessage(code, message string) map[string]interface{} {
	return map[string]interface{}{
		"type":    MsgError,
		"code":    code,
		"message": message,
	}
}

// InvalidMoveMessage builds an invalid_move error frame carrying the legal
// destinations for the piece the sender tried to move.
func InvalidMoveMessage(message string, legalMoves []string) map[string]interface{} {
	return map[string]interface{}{
		"type":        MsgError,
		"code":        CodeInvalidMove,
		"message":     message,
		"legal_moves": legalMoves,
	}
}
