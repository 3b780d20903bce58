// internal/game/session.go

// Package game runs live chess sessions. A Session owns the engine state,
// the per-side clocks, draw and rematch negotiation, and the single terminal
// transition. Sessions never touch the network: the coordinator injects
// broadcast closures and an end-of-game callback at creation time.
package game

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"

	"github.com/mwhitaker/gambit/internal/cache"
	"github.com/mwhitaker/gambit/internal/models"
	"github.com/mwhitaker/gambit/internal/protocol"
)

// Session lifecycle statuses. The terminal transition is monotonic: once
// finished, a session never changes its result again.
const (
	StatusInProgress = "in_progress"
	StatusFinished   = "finished"
)

// Seat colors as they appear on the wire.
const (
	ColorWhite = "white"
	ColorBlack = "black"
)

// Terminal reasons carried in game_ended frames.
const (
	ReasonCheckmate   = "checkmate"
	ReasonStalemate   = "stalemate"
	ReasonDraw        = "draw"
	ReasonResignation = "resignation"
	ReasonTimeout     = "timeout"
	ReasonAgreement   = "agreement"
	ReasonAbandonment = "abandonment"
	ReasonAborted     = "aborted"
)

// RematchWindow is how long a finished session stays in the store so either
// seat can still request a rematch.
const RematchWindow = 5 * time.Minute

var (
	// ErrGameOver rejects play on a session that already reached a result.
	ErrGameOver = errors.New("game is already over")

	// ErrWrongTurn rejects moves from spectators, from players outside the
	// game, and from the seat whose opponent is to move.
	ErrWrongTurn = errors.New("not your turn")

	// ErrNoDrawOffer rejects accept/decline without an open offer from the
	// opponent.
	ErrNoDrawOffer = errors.New("no pending draw offer")

	// ErrNoRematchOffer rejects accept_rematch without an open request from
	// the opponent.
	ErrNoRematchOffer = errors.New("no pending rematch request")

	// ErrNotTerminal rejects rematch negotiation while the game is live.
	ErrNotTerminal = errors.New("game is still in progress")
)

// InvalidMoveError carries the legal destination squares for the piece the
// player tried to move so the client can hint at them.
type InvalidMoveError struct {
	Move       string
	LegalMoves []string
}

func (e *InvalidMoveError) Error() string {
	return fmt.Sprintf("illegal move %s", e.Move)
}

// MoveDetail is one applied move in both notations.
type MoveDetail struct {
	UCI string `json:"uci"`
	SAN string `json:"san"`
}

// OnGameEndFunc handles a finished session: persistence, rating updates,
// lobby unlinking. It is invoked exactly once, after the session lock has
// been released, so it may take lobby and directory locks freely.
type OnGameEndFunc func(s *Session)

// Session holds the entire state for one game of chess in memory.
type Session struct {
	ID      uuid.UUID
	LobbyID uuid.UUID

	White  models.PlayerInfo
	Black  models.PlayerInfo
	Config models.RoomConfig

	eng   *nchess.Game
	Moves []MoveDetail

	// Remaining time per side as of lastMoveAt. The side to move burns
	// clock lazily: flag fall is detected on its next action, never by a
	// background ticker.
	WhiteTime  time.Duration
	BlackTime  time.Duration
	lastMoveAt time.Time

	Status       string
	Winner       string // ColorWhite, ColorBlack, or "" when drawn
	Reason       string
	drawOffer    string    // color with an open draw offer
	rematchOffer uuid.UUID // player with an open rematch request

	spectators map[uuid.UUID]struct{}

	moveIndex int // historian journal ordering

	StartedAt time.Time
	EndedAt   time.Time

	// BroadcastFn delivers one frame to the given participants. Recipients
	// are resolved under the session lock before the call; the closure must
	// not call back into this session.
	BroadcastFn func(recipients []uuid.UUID, msg map[string]interface{})

	// BroadcastToPlayerFn delivers one frame to a single participant.
	BroadcastToPlayerFn func(playerID uuid.UUID, msg map[string]interface{})

	// OnGameEnd is invoked once when the session reaches a result.
	OnGameEnd OnGameEndFunc

	Mu sync.Mutex
}

// NewSession seats white and black at the standard starting position and
// arms the clocks. The caller stores the session and announces game_started.
func NewSession(lobbyID uuid.UUID, white, black models.PlayerInfo, cfg models.RoomConfig) *Session {
	id, _ := uuid.NewRandom()
	now := time.Now()
	return &Session{
		ID:         id,
		LobbyID:    lobbyID,
		White:      white,
		Black:      black,
		Config:     cfg,
		eng:        nchess.NewGame(),
		WhiteTime:  cfg.InitialClock(),
		BlackTime:  cfg.InitialClock(),
		lastMoveAt: now,
		Status:     StatusInProgress,
		spectators: make(map[uuid.UUID]struct{}),
		StartedAt:  now,
	}
}

func (s *Session) timedUnsafe() bool {
	return s.Config.InitialClock() > 0
}

// seatColorUnsafe maps a participant to a seat color, or "" for non-seats.
func (s *Session) seatColorUnsafe(playerID uuid.UUID) string {
	switch playerID {
	case s.White.ID:
		return ColorWhite
	case s.Black.ID:
		return ColorBlack
	}
	return ""
}

func (s *Session) seatUnsafe(color string) models.PlayerInfo {
	if color == ColorWhite {
		return s.White
	}
	return s.Black
}

func opponentColor(color string) string {
	if color == ColorWhite {
		return ColorBlack
	}
	return ColorWhite
}

func (s *Session) turnColorUnsafe() string {
	if s.eng.Position().Turn() == nchess.White {
		return ColorWhite
	}
	return ColorBlack
}

// remainingUnsafe reports both clocks as of now. While the game runs, the
// side to move is charged for the time since the last move.
func (s *Session) remainingUnsafe(now time.Time) (white, black time.Duration) {
	white, black = s.WhiteTime, s.BlackTime
	if !s.timedUnsafe() || s.Status != StatusInProgress {
		return white, black
	}
	elapsed := now.Sub(s.lastMoveAt)
	if s.turnColorUnsafe() == ColorWhite {
		white -= elapsed
	} else {
		black -= elapsed
	}
	if white < 0 {
		white = 0
	}
	if black < 0 {
		black = 0
	}
	return white, black
}

// memberIDsUnsafe snapshots both seats plus all spectators.
func (s *Session) memberIDsUnsafe() []uuid.UUID {
	ids := make([]uuid.UUID, 0, 2+len(s.spectators))
	ids = append(ids, s.White.ID, s.Black.ID)
	for id := range s.spectators {
		ids = append(ids, id)
	}
	return ids
}

// MemberIDs snapshots seats and spectators for broadcast resolution.
func (s *Session) MemberIDs() []uuid.UUID {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.memberIDsUnsafe()
}

// fireEvent broadcasts a frame to every session member. Assumes lock is
// held; the injected closure only maps participant ids to connections.
func (s *Session) fireEvent(msg map[string]interface{}) {
	if s.BroadcastFn != nil {
		s.BroadcastFn(s.memberIDsUnsafe(), msg)
	} else {
		log.Printf("Warning: BroadcastFn is nil for game %s, cannot broadcast %v.", s.ID, msg["type"])
	}
}

// fireEventToPlayer sends a frame to a single participant. Assumes lock is
// held.
func (s *Session) fireEventToPlayer(playerID uuid.UUID, msg map[string]interface{}) {
	if s.BroadcastToPlayerFn != nil {
		s.BroadcastToPlayerFn(playerID, msg)
	} else {
		log.Printf("Warning: BroadcastToPlayerFn is nil for game %s, cannot send %v to player %s.", s.ID, msg["type"], playerID)
	}
}

// notifyEnded runs the end-of-game callback. Callers invoke it after
// releasing the lock so the callback can take lobby or directory locks.
func (s *Session) notifyEnded() {
	if s.OnGameEnd != nil {
		s.OnGameEnd(s)
	}
}

// journalMoveUnsafe queues the applied move for the historian. Assumes lock
// is held; the Redis push happens on its own goroutine.
func (s *Session) journalMoveUnsafe(playerID uuid.UUID, detail MoveDetail, fen string, white, black time.Duration) {
	s.moveIndex++
	record := cache.MoveRecord{
		GameID:      s.ID,
		MoveIndex:   s.moveIndex,
		PlayerID:    playerID,
		UCI:         detail.UCI,
		SAN:         detail.SAN,
		FEN:         fen,
		WhiteTimeMs: white.Milliseconds(),
		BlackTimeMs: black.Milliseconds(),
		Timestamp:   time.Now().UnixMilli(),
	}
	go func(rec cache.MoveRecord) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if cache.Rdb == nil {
			return
		}
		if err := cache.PublishMove(ctx, rec); err != nil {
			log.Printf("Error journaling move %d for game %s: %v", rec.MoveIndex, s.ID, err)
		}
	}(record)
}

// endUnsafe records the result. First writer wins; later terminal paths
// observe the finished status and back off. Assumes lock is held.
func (s *Session) endUnsafe(winner, reason string) bool {
	if s.Status == StatusFinished {
		return false
	}
	now := time.Now()
	s.WhiteTime, s.BlackTime = s.remainingUnsafe(now)
	s.Status = StatusFinished
	s.Winner = winner
	s.Reason = reason
	s.drawOffer = ""
	s.EndedAt = now
	log.Printf("Game %s: finished, winner=%q reason=%s after %d moves.", s.ID, winner, reason, len(s.Moves))
	return true
}

func (s *Session) gameEndedPayloadUnsafe() map[string]interface{} {
	msg := map[string]interface{}{
		"type":   protocol.MsgGameEnded,
		"reason": s.Reason,
	}
	if s.Winner != "" {
		msg["winner"] = s.Winner
	}
	return msg
}

// HandleMove validates and applies one move. Every error maps to a
// recoverable wire error for the mover; the session stays consistent and
// playable (or cleanly finished) either way.
func (s *Session) HandleMove(playerID uuid.UUID, from, to, promotion string) error {
	from = strings.ToLower(strings.TrimSpace(from))
	to = strings.ToLower(strings.TrimSpace(to))
	promotion = strings.ToLower(strings.TrimSpace(promotion))

	s.Mu.Lock()

	if s.Status == StatusFinished {
		s.Mu.Unlock()
		return ErrGameOver
	}
	color := s.seatColorUnsafe(playerID)
	if color == "" || color != s.turnColorUnsafe() {
		s.Mu.Unlock()
		return ErrWrongTurn
	}

	now := time.Now()
	if s.timedUnsafe() {
		white, black := s.remainingUnsafe(now)
		remaining := white
		if color == ColorBlack {
			remaining = black
		}
		if remaining <= 0 {
			// Flag fell before this move arrived. The move is not applied;
			// the mover loses on time.
			s.endUnsafe(opponentColor(color), ReasonTimeout)
			s.fireEvent(s.gameEndedPayloadUnsafe())
			s.Mu.Unlock()
			s.notifyEnded()
			return ErrGameOver
		}
	}

	pos := s.eng.Position()
	uci := from + to + promotion
	mv, err := nchess.UCINotation{}.Decode(pos, uci)
	if err != nil {
		hints := s.legalDestinationsUnsafe(from)
		s.Mu.Unlock()
		return &InvalidMoveError{Move: uci, LegalMoves: hints}
	}

	// SAN and the captured piece come from the position before the move.
	san := nchess.AlgebraicNotation{}.Encode(pos, mv)
	captured := capturedPiece(pos, mv)

	if err := s.eng.Move(mv, nil); err != nil {
		hints := s.legalDestinationsUnsafe(from)
		s.Mu.Unlock()
		return &InvalidMoveError{Move: uci, LegalMoves: hints}
	}

	if s.timedUnsafe() {
		elapsed := now.Sub(s.lastMoveAt)
		if color == ColorWhite {
			s.WhiteTime = s.WhiteTime - elapsed + s.Config.Increment()
		} else {
			s.BlackTime = s.BlackTime - elapsed + s.Config.Increment()
		}
	}
	s.lastMoveAt = now
	s.drawOffer = ""

	detail := MoveDetail{UCI: uci, SAN: san}
	s.Moves = append(s.Moves, detail)

	fen := s.eng.FEN()
	outcome := s.eng.Outcome()
	method := s.eng.Method()
	isCheckmate := outcome != nchess.NoOutcome && method == nchess.Checkmate
	isStalemate := outcome == nchess.Draw && method == nchess.Stalemate

	white, black := s.remainingUnsafe(now)
	s.journalMoveUnsafe(playerID, detail, fen, white, black)

	msg := map[string]interface{}{
		"type":         protocol.MsgMoveMade,
		"from":         from,
		"to":           to,
		"fen":          fen,
		"san":          san,
		"is_check":     mv.HasTag(nchess.Check),
		"is_checkmate": isCheckmate,
		"is_stalemate": isStalemate,
		"white_time":   white.Milliseconds(),
		"black_time":   black.Milliseconds(),
		"current_turn": s.turnColorUnsafe(),
	}
	if promotion != "" {
		msg["promotion"] = promotion
	}
	if captured != "" {
		msg["captured_piece"] = captured
	}
	s.fireEvent(msg)

	ended := false
	if outcome != nchess.NoOutcome {
		switch {
		case outcome == nchess.WhiteWon:
			ended = s.endUnsafe(ColorWhite, ReasonCheckmate)
		case outcome == nchess.BlackWon:
			ended = s.endUnsafe(ColorBlack, ReasonCheckmate)
		case isStalemate:
			ended = s.endUnsafe("", ReasonStalemate)
		default:
			ended = s.endUnsafe("", ReasonDraw)
		}
		if ended {
			s.fireEvent(s.gameEndedPayloadUnsafe())
		}
	}

	s.Mu.Unlock()
	if ended {
		s.notifyEnded()
	}
	return nil
}

// legalDestinationsUnsafe lists the destination squares currently legal for
// the piece on from. Assumes lock is held.
func (s *Session) legalDestinationsUnsafe(from string) []string {
	var hints []string
	for _, m := range s.eng.ValidMoves() {
		if m.S1().String() == from {
			hints = append(hints, m.S2().String())
		}
	}
	return hints
}

// capturedPiece names the piece about to be taken, if any. pos is the
// position before the move.
func capturedPiece(pos *nchess.Position, mv *nchess.Move) string {
	if p := pos.Board().Piece(mv.S2()); p != nchess.NoPiece {
		return pieceName(p.Type())
	}
	if mv.HasTag(nchess.EnPassant) {
		return "pawn"
	}
	return ""
}

func pieceName(t nchess.PieceType) string {
	switch t {
	case nchess.King:
		return "king"
	case nchess.Queen:
		return "queen"
	case nchess.Rook:
		return "rook"
	case nchess.Bishop:
		return "bishop"
	case nchess.Knight:
		return "knight"
	case nchess.Pawn:
		return "pawn"
	}
	return ""
}

// HandleResign ends the game in the opponent's favor.
func (s *Session) HandleResign(playerID uuid.UUID) error {
	s.Mu.Lock()
	if s.Status == StatusFinished {
		s.Mu.Unlock()
		return ErrGameOver
	}
	color := s.seatColorUnsafe(playerID)
	if color == "" {
		s.Mu.Unlock()
		return ErrWrongTurn
	}
	ended := s.endUnsafe(opponentColor(color), ReasonResignation)
	if ended {
		s.fireEvent(s.gameEndedPayloadUnsafe())
	}
	s.Mu.Unlock()
	if ended {
		s.notifyEnded()
	}
	return nil
}

// HandleAbandon scores a live game against a seat that walked away. A game
// with no moves played is aborted instead of scored.
func (s *Session) HandleAbandon(playerID uuid.UUID) error {
	s.Mu.Lock()
	if s.Status == StatusFinished {
		s.Mu.Unlock()
		return ErrGameOver
	}
	color := s.seatColorUnsafe(playerID)
	if color == "" {
		s.Mu.Unlock()
		return ErrWrongTurn
	}
	var ended bool
	if len(s.Moves) == 0 {
		ended = s.endUnsafe("", ReasonAborted)
	} else {
		ended = s.endUnsafe(opponentColor(color), ReasonAbandonment)
	}
	if ended {
		s.fireEvent(s.gameEndedPayloadUnsafe())
	}
	s.Mu.Unlock()
	if ended {
		s.notifyEnded()
	}
	return nil
}

// HandleDrawOffer records an open offer and notifies the room. A repeated
// offer from the same side is a no-op; a counter-offer from the other side
// replaces the open one.
func (s *Session) HandleDrawOffer(playerID uuid.UUID) error {
	s.Mu.Lock()
	if s.Status == StatusFinished {
		s.Mu.Unlock()
		return ErrGameOver
	}
	color := s.seatColorUnsafe(playerID)
	if color == "" {
		s.Mu.Unlock()
		return ErrWrongTurn
	}
	if s.drawOffer == color {
		s.Mu.Unlock()
		return nil
	}
	s.drawOffer = color
	s.fireEvent(map[string]interface{}{
		"type":     protocol.MsgDrawOffered,
		"by_color": color,
	})
	s.Mu.Unlock()
	return nil
}

// HandleDrawAccept ends the game by agreement. Only the side facing an open
// offer from the opponent can accept.
func (s *Session) HandleDrawAccept(playerID uuid.UUID) error {
	s.Mu.Lock()
	if s.Status == StatusFinished {
		s.Mu.Unlock()
		return ErrGameOver
	}
	color := s.seatColorUnsafe(playerID)
	if color == "" {
		s.Mu.Unlock()
		return ErrWrongTurn
	}
	if s.drawOffer == "" || s.drawOffer == color {
		s.Mu.Unlock()
		return ErrNoDrawOffer
	}
	ended := s.endUnsafe("", ReasonAgreement)
	if ended {
		s.fireEvent(s.gameEndedPayloadUnsafe())
	}
	s.Mu.Unlock()
	if ended {
		s.notifyEnded()
	}
	return nil
}

// HandleDrawDecline clears the open offer and tells the room.
func (s *Session) HandleDrawDecline(playerID uuid.UUID) error {
	s.Mu.Lock()
	if s.Status == StatusFinished {
		s.Mu.Unlock()
		return ErrGameOver
	}
	color := s.seatColorUnsafe(playerID)
	if color == "" {
		s.Mu.Unlock()
		return ErrWrongTurn
	}
	if s.drawOffer == "" || s.drawOffer == color {
		s.Mu.Unlock()
		return ErrNoDrawOffer
	}
	s.drawOffer = ""
	s.fireEvent(map[string]interface{}{
		"type": protocol.MsgDrawDeclined,
	})
	s.Mu.Unlock()
	return nil
}

// OfferRematch opens a rematch request on a finished game.
func (s *Session) OfferRematch(playerID uuid.UUID) error {
	s.Mu.Lock()
	if s.Status != StatusFinished {
		s.Mu.Unlock()
		return ErrNotTerminal
	}
	color := s.seatColorUnsafe(playerID)
	if color == "" {
		s.Mu.Unlock()
		return ErrWrongTurn
	}
	s.rematchOffer = playerID
	s.fireEvent(map[string]interface{}{
		"type":     protocol.MsgRematchOffered,
		"by_color": color,
	})
	s.Mu.Unlock()
	return nil
}

// AcceptRematch validates the accept and hands back colour-swapped seats
// for the successor game. The caller creates and announces the new session.
func (s *Session) AcceptRematch(playerID uuid.UUID) (white, black models.PlayerInfo, err error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Status != StatusFinished {
		return models.PlayerInfo{}, models.PlayerInfo{}, ErrNotTerminal
	}
	color := s.seatColorUnsafe(playerID)
	if color == "" {
		return models.PlayerInfo{}, models.PlayerInfo{}, ErrWrongTurn
	}
	if s.rematchOffer == uuid.Nil || s.rematchOffer == playerID {
		return models.PlayerInfo{}, models.PlayerInfo{}, ErrNoRematchOffer
	}
	s.rematchOffer = uuid.Nil
	return s.Black, s.White, nil
}

// AddSpectator registers a watcher and tells the room.
func (s *Session) AddSpectator(playerID uuid.UUID) {
	s.Mu.Lock()
	if _, ok := s.spectators[playerID]; ok {
		s.Mu.Unlock()
		return
	}
	s.spectators[playerID] = struct{}{}
	s.fireEvent(map[string]interface{}{
		"type":            protocol.MsgSpectatorJoined,
		"spectator_id":    playerID,
		"spectator_count": len(s.spectators),
	})
	s.Mu.Unlock()
}

// RemoveSpectator drops a watcher and tells the room.
func (s *Session) RemoveSpectator(playerID uuid.UUID) {
	s.Mu.Lock()
	if _, ok := s.spectators[playerID]; !ok {
		s.Mu.Unlock()
		return
	}
	delete(s.spectators, playerID)
	s.fireEvent(map[string]interface{}{
		"type":            protocol.MsgSpectatorLeft,
		"spectator_id":    playerID,
		"spectator_count": len(s.spectators),
	})
	s.Mu.Unlock()
}

// SeedSpectators carries watchers into the session without notifications,
// used when a lobby promotes or a rematch inherits the old audience.
func (s *Session) SeedSpectators(ids []uuid.UUID) {
	s.Mu.Lock()
	for _, id := range ids {
		if id == s.White.ID || id == s.Black.ID {
			continue
		}
		s.spectators[id] = struct{}{}
	}
	s.Mu.Unlock()
}

// SpectatorIDs returns a snapshot of the current watchers.
func (s *Session) SpectatorIDs() []uuid.UUID {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.spectators))
	for id := range s.spectators {
		ids = append(ids, id)
	}
	return ids
}

func (s *Session) IsSpectator(playerID uuid.UUID) bool {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	_, ok := s.spectators[playerID]
	return ok
}

func (s *Session) SpectatorCount() int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return len(s.spectators)
}

// StartPayload announces the session to seats and spectators.
func (s *Session) StartPayload() map[string]interface{} {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	white, black := s.remainingUnsafe(time.Now())
	return map[string]interface{}{
		"type":         protocol.MsgGameStarted,
		"game_id":      s.ID,
		"white_player": s.White,
		"black_player": s.Black,
		"fen":          s.eng.FEN(),
		"white_time":   white.Milliseconds(),
		"black_time":   black.Milliseconds(),
	}
}

// SnapshotUnsafe summarizes live game state for room_joined payloads.
// Assumes lock is held.
func (s *Session) SnapshotUnsafe() map[string]interface{} {
	white, black := s.remainingUnsafe(time.Now())
	sans := make([]string, len(s.Moves))
	for i, d := range s.Moves {
		sans[i] = d.SAN
	}
	return map[string]interface{}{
		"game_id":      s.ID,
		"fen":          s.eng.FEN(),
		"moves":        sans,
		"current_turn": s.turnColorUnsafe(),
		"white_time":   white.Milliseconds(),
		"black_time":   black.Milliseconds(),
		"status":       s.Status,
	}
}

// Snapshot is SnapshotUnsafe behind the lock.
func (s *Session) Snapshot() map[string]interface{} {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.SnapshotUnsafe()
}

// Result reports the terminal outcome. ok is false while the game runs.
func (s *Session) Result() (winner, reason string, ok bool) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	if s.Status != StatusFinished {
		return "", "", false
	}
	return s.Winner, s.Reason, true
}

// FinalFEN returns the last position reached.
func (s *Session) FinalFEN() string {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return s.eng.FEN()
}

func (s *Session) MoveCount() int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return len(s.Moves)
}
