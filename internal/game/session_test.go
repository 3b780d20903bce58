// internal/game/session_test.go
package game

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwhitaker/gambit/internal/models"
	"github.com/mwhitaker/gambit/internal/protocol"
)

// mockBroadcaster collects frames instead of sending them over WS.
type mockBroadcaster struct {
	mu           sync.Mutex
	frames       []map[string]interface{} // frames fanned out to members
	recipients   [][]uuid.UUID            // recipient snapshot per frame
	playerFrames map[uuid.UUID][]map[string]interface{}
}

func newMockBroadcaster() *mockBroadcaster {
	return &mockBroadcaster{
		playerFrames: make(map[uuid.UUID][]map[string]interface{}),
	}
}

func (mb *mockBroadcaster) broadcastFn(recipients []uuid.UUID, msg map[string]interface{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.frames = append(mb.frames, msg)
	mb.recipients = append(mb.recipients, recipients)
}

func (mb *mockBroadcaster) broadcastToPlayerFn(playerID uuid.UUID, msg map[string]interface{}) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.playerFrames[playerID] = append(mb.playerFrames[playerID], msg)
}

func (mb *mockBroadcaster) framesOfType(kind string) []map[string]interface{} {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range mb.frames {
		if f["type"] == kind {
			out = append(out, f)
		}
	}
	return out
}

func (mb *mockBroadcaster) frameTypes() []string {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	out := make([]string, len(mb.frames))
	for i, f := range mb.frames {
		out[i], _ = f["type"].(string)
	}
	return out
}

func (mb *mockBroadcaster) count() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.frames)
}

// setupTestSession seats two players on a 5+0 clock with mock broadcasters.
func setupTestSession(t *testing.T) (*Session, models.PlayerInfo, models.PlayerInfo, *mockBroadcaster) {
	t.Helper()
	white := models.PlayerInfo{ID: uuid.New(), Username: "wendy", Rating: 1500}
	black := models.PlayerInfo{ID: uuid.New(), Username: "boris", Rating: 1500}
	cfg := models.RoomConfig{Mode: "blitz", MaxPlayers: 2, TimeControlMinutes: 5}

	s := NewSession(uuid.New(), white, black, cfg)
	mb := newMockBroadcaster()
	s.BroadcastFn = mb.broadcastFn
	s.BroadcastToPlayerFn = mb.broadcastToPlayerFn

	require.Equal(t, StatusInProgress, s.Status)
	return s, white, black, mb
}

func mustMove(t *testing.T, s *Session, playerID uuid.UUID, from, to string) {
	t.Helper()
	require.NoError(t, s.HandleMove(playerID, from, to, ""))
}

// playScholarsMate drives the session to a white checkmate in seven plies.
func playScholarsMate(t *testing.T, s *Session, white, black models.PlayerInfo) {
	t.Helper()
	mustMove(t, s, white.ID, "e2", "e4")
	mustMove(t, s, black.ID, "e7", "e5")
	mustMove(t, s, white.ID, "d1", "h5")
	mustMove(t, s, black.ID, "b8", "c6")
	mustMove(t, s, white.ID, "f1", "c4")
	mustMove(t, s, black.ID, "g8", "f6")
	mustMove(t, s, white.ID, "h5", "f7")
}

func TestWhiteMovesFirst(t *testing.T) {
	s, white, black, mb := setupTestSession(t)

	err := s.HandleMove(black.ID, "e7", "e5", "")
	assert.ErrorIs(t, err, ErrWrongTurn, "black must not move before white")
	assert.Equal(t, 0, mb.count(), "a rejected move must not broadcast")

	mustMove(t, s, white.ID, "e2", "e4")

	made := mb.framesOfType(protocol.MsgMoveMade)
	require.Len(t, made, 1)
	assert.Equal(t, "e2", made[0]["from"])
	assert.Equal(t, "e4", made[0]["to"])
	assert.Equal(t, "e4", made[0]["san"])
	assert.Equal(t, ColorBlack, made[0]["current_turn"])
	assert.Equal(t, false, made[0]["is_check"])
	assert.NotEmpty(t, made[0]["fen"])
}

func TestTurnsAlternate(t *testing.T) {
	s, white, black, _ := setupTestSession(t)

	mustMove(t, s, white.ID, "e2", "e4")
	assert.ErrorIs(t, s.HandleMove(white.ID, "d2", "d4", ""), ErrWrongTurn)
	mustMove(t, s, black.ID, "e7", "e5")
	mustMove(t, s, white.ID, "g1", "f3")
}

func TestSpectatorCannotMove(t *testing.T) {
	s, _, _, _ := setupTestSession(t)
	watcher := uuid.New()
	s.AddSpectator(watcher)

	assert.ErrorIs(t, s.HandleMove(watcher, "e2", "e4", ""), ErrWrongTurn)
}

// Two racing frames for the same turn: exactly one applies, the loser gets a
// recoverable wrong_turn error.
func TestConcurrentMovesExactlyOneApplies(t *testing.T) {
	s, white, _, mb := setupTestSession(t)

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- s.HandleMove(white.ID, "e2", "e4", "")
	}()
	go func() {
		defer wg.Done()
		errs <- s.HandleMove(white.ID, "d2", "d4", "")
	}()
	wg.Wait()
	close(errs)

	var okCount, wrongTurn int
	for err := range errs {
		switch {
		case err == nil:
			okCount++
		case err == ErrWrongTurn:
			wrongTurn++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, 1, wrongTurn)
	assert.Equal(t, 1, s.MoveCount())
	assert.Len(t, mb.framesOfType(protocol.MsgMoveMade), 1)
}

func TestIllegalMoveReturnsDestinationHints(t *testing.T) {
	s, white, _, mb := setupTestSession(t)

	err := s.HandleMove(white.ID, "e2", "e5", "")
	var invalid *InvalidMoveError
	require.ErrorAs(t, err, &invalid)
	assert.ElementsMatch(t, []string{"e3", "e4"}, invalid.LegalMoves)
	assert.Equal(t, 0, mb.count(), "an illegal move must not broadcast")

	// The session stays playable after a rejected move.
	mustMove(t, s, white.ID, "e2", "e4")
}

func TestCheckmateEndsGameOnce(t *testing.T) {
	s, white, black, mb := setupTestSession(t)

	var endCalls int32
	s.OnGameEnd = func(*Session) { atomic.AddInt32(&endCalls, 1) }

	playScholarsMate(t, s, white, black)

	made := mb.framesOfType(protocol.MsgMoveMade)
	require.Len(t, made, 7)
	mate := made[6]
	assert.Equal(t, true, mate["is_checkmate"])
	assert.Equal(t, true, mate["is_check"])
	assert.Contains(t, mate["san"], "Qxf7")
	assert.Equal(t, "pawn", mate["captured_piece"])

	ended := mb.framesOfType(protocol.MsgGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ColorWhite, ended[0]["winner"])
	assert.Equal(t, ReasonCheckmate, ended[0]["reason"])

	winner, reason, over := s.Result()
	require.True(t, over)
	assert.Equal(t, ColorWhite, winner)
	assert.Equal(t, ReasonCheckmate, reason)
	assert.Equal(t, int32(1), atomic.LoadInt32(&endCalls))

	// The final move_made frame lands before game_ended.
	types := mb.frameTypes()
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, protocol.MsgMoveMade, types[len(types)-2])
	assert.Equal(t, protocol.MsgGameEnded, types[len(types)-1])
}

func TestMoveAfterGameOverRejected(t *testing.T) {
	s, white, black, mb := setupTestSession(t)
	playScholarsMate(t, s, white, black)
	before := mb.count()

	assert.ErrorIs(t, s.HandleMove(black.ID, "a7", "a6", ""), ErrGameOver)
	assert.Equal(t, before, mb.count(), "a post-terminal move must not broadcast")
}

func TestResignScoresOpponentWin(t *testing.T) {
	s, white, black, mb := setupTestSession(t)

	assert.ErrorIs(t, s.HandleResign(uuid.New()), ErrWrongTurn, "only seats can resign")

	mustMove(t, s, white.ID, "e2", "e4")
	require.NoError(t, s.HandleResign(black.ID))

	ended := mb.framesOfType(protocol.MsgGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ColorWhite, ended[0]["winner"])
	assert.Equal(t, ReasonResignation, ended[0]["reason"])

	assert.ErrorIs(t, s.HandleResign(white.ID), ErrGameOver)
}

// Racing terminal transitions: the first writer wins and the end callback
// fires exactly once.
func TestTerminalTransitionFirstWriterWins(t *testing.T) {
	s, white, black, mb := setupTestSession(t)

	var endCalls int32
	s.OnGameEnd = func(*Session) { atomic.AddInt32(&endCalls, 1) }

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs <- s.HandleResign(white.ID)
	}()
	go func() {
		defer wg.Done()
		errs <- s.HandleResign(black.ID)
	}()
	wg.Wait()
	close(errs)

	var okCount int
	for err := range errs {
		if err == nil {
			okCount++
		} else {
			assert.ErrorIs(t, err, ErrGameOver)
		}
	}
	assert.Equal(t, 1, okCount)
	assert.Equal(t, int32(1), atomic.LoadInt32(&endCalls))
	assert.Len(t, mb.framesOfType(protocol.MsgGameEnded), 1)

	_, reason, over := s.Result()
	require.True(t, over)
	assert.Equal(t, ReasonResignation, reason)
}

func TestDrawOfferAcceptEndsByAgreement(t *testing.T) {
	s, white, black, mb := setupTestSession(t)

	assert.ErrorIs(t, s.HandleDrawAccept(black.ID), ErrNoDrawOffer)

	require.NoError(t, s.HandleDrawOffer(white.ID))
	offered := mb.framesOfType(protocol.MsgDrawOffered)
	require.Len(t, offered, 1)
	assert.Equal(t, ColorWhite, offered[0]["by_color"])

	// The offering side cannot accept its own offer.
	assert.ErrorIs(t, s.HandleDrawAccept(white.ID), ErrNoDrawOffer)

	require.NoError(t, s.HandleDrawAccept(black.ID))
	ended := mb.framesOfType(protocol.MsgGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonAgreement, ended[0]["reason"])
	_, hasWinner := ended[0]["winner"]
	assert.False(t, hasWinner, "agreed draws carry no winner")
}

func TestDrawDeclineClearsOffer(t *testing.T) {
	s, white, black, mb := setupTestSession(t)

	require.NoError(t, s.HandleDrawOffer(white.ID))
	require.NoError(t, s.HandleDrawDecline(black.ID))
	assert.Len(t, mb.framesOfType(protocol.MsgDrawDeclined), 1)

	assert.ErrorIs(t, s.HandleDrawAccept(black.ID), ErrNoDrawOffer)
	assert.ErrorIs(t, s.HandleDrawDecline(black.ID), ErrNoDrawOffer)
}

func TestMoveClearsPendingDrawOffer(t *testing.T) {
	s, white, black, _ := setupTestSession(t)

	require.NoError(t, s.HandleDrawOffer(white.ID))
	mustMove(t, s, white.ID, "e2", "e4")

	assert.ErrorIs(t, s.HandleDrawAccept(black.ID), ErrNoDrawOffer,
		"an offer does not survive a move")
}

func TestFlagFallLosesOnTime(t *testing.T) {
	s, white, _, mb := setupTestSession(t)

	s.Mu.Lock()
	s.WhiteTime = 10 * time.Millisecond
	s.lastMoveAt = time.Now().Add(-time.Second)
	s.Mu.Unlock()

	err := s.HandleMove(white.ID, "e2", "e4", "")
	assert.ErrorIs(t, err, ErrGameOver)
	assert.Equal(t, 0, s.MoveCount(), "the flagged move is not applied")

	ended := mb.framesOfType(protocol.MsgGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ColorBlack, ended[0]["winner"])
	assert.Equal(t, ReasonTimeout, ended[0]["reason"])

	s.Mu.Lock()
	assert.Equal(t, time.Duration(0), s.WhiteTime)
	s.Mu.Unlock()
}

func TestUntimedGameNeverFlags(t *testing.T) {
	white := models.PlayerInfo{ID: uuid.New(), Username: "wendy"}
	black := models.PlayerInfo{ID: uuid.New(), Username: "boris"}
	s := NewSession(uuid.New(), white, black, models.RoomConfig{Mode: "casual"})
	s.BroadcastFn = newMockBroadcaster().broadcastFn

	s.Mu.Lock()
	s.lastMoveAt = time.Now().Add(-time.Hour)
	s.Mu.Unlock()

	require.NoError(t, s.HandleMove(white.ID, "e2", "e4", ""))
}

func TestIncrementCreditedAfterMove(t *testing.T) {
	white := models.PlayerInfo{ID: uuid.New(), Username: "wendy"}
	black := models.PlayerInfo{ID: uuid.New(), Username: "boris"}
	cfg := models.RoomConfig{Mode: "blitz", TimeControlMinutes: 5, IncrementSeconds: 2}
	s := NewSession(uuid.New(), white, black, cfg)
	mb := newMockBroadcaster()
	s.BroadcastFn = mb.broadcastFn

	require.NoError(t, s.HandleMove(white.ID, "e2", "e4", ""))

	made := mb.framesOfType(protocol.MsgMoveMade)
	require.Len(t, made, 1)
	whiteMs, ok := made[0]["white_time"].(int64)
	require.True(t, ok)
	assert.Greater(t, whiteMs, (5 * time.Minute).Milliseconds(),
		"increment lands after the elapsed time is charged")
}

func TestAbandonScoresOpponentWin(t *testing.T) {
	s, white, black, mb := setupTestSession(t)

	mustMove(t, s, white.ID, "e2", "e4")
	require.NoError(t, s.HandleAbandon(black.ID))

	ended := mb.framesOfType(protocol.MsgGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ColorWhite, ended[0]["winner"])
	assert.Equal(t, ReasonAbandonment, ended[0]["reason"])
}

func TestAbandonBeforeFirstMoveAborts(t *testing.T) {
	s, white, _, mb := setupTestSession(t)

	require.NoError(t, s.HandleAbandon(white.ID))

	ended := mb.framesOfType(protocol.MsgGameEnded)
	require.Len(t, ended, 1)
	assert.Equal(t, ReasonAborted, ended[0]["reason"])
	_, hasWinner := ended[0]["winner"]
	assert.False(t, hasWinner, "aborted games are not scored")
}

func TestRematchSwapsColors(t *testing.T) {
	s, white, black, mb := setupTestSession(t)

	assert.ErrorIs(t, s.OfferRematch(white.ID), ErrNotTerminal)

	mustMove(t, s, white.ID, "e2", "e4")
	require.NoError(t, s.HandleResign(black.ID))

	require.NoError(t, s.OfferRematch(black.ID))
	offered := mb.framesOfType(protocol.MsgRematchOffered)
	require.Len(t, offered, 1)
	assert.Equal(t, ColorBlack, offered[0]["by_color"])

	// The requester cannot accept their own request.
	_, _, err := s.AcceptRematch(black.ID)
	assert.ErrorIs(t, err, ErrNoRematchOffer)

	newWhite, newBlack, err := s.AcceptRematch(white.ID)
	require.NoError(t, err)
	assert.Equal(t, black.ID, newWhite.ID)
	assert.Equal(t, white.ID, newBlack.ID)

	// The request is consumed by the accept.
	_, _, err = s.AcceptRematch(white.ID)
	assert.ErrorIs(t, err, ErrNoRematchOffer)
}

func TestSpectatorNotifications(t *testing.T) {
	s, white, black, mb := setupTestSession(t)
	watcher := uuid.New()

	s.AddSpectator(watcher)
	joined := mb.framesOfType(protocol.MsgSpectatorJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, watcher, joined[0]["spectator_id"])
	assert.Equal(t, 1, joined[0]["spectator_count"])
	assert.ElementsMatch(t, []uuid.UUID{white.ID, black.ID, watcher}, s.MemberIDs())

	// Re-adding the same watcher is silent.
	s.AddSpectator(watcher)
	assert.Len(t, mb.framesOfType(protocol.MsgSpectatorJoined), 1)

	s.RemoveSpectator(watcher)
	left := mb.framesOfType(protocol.MsgSpectatorLeft)
	require.Len(t, left, 1)
	assert.Equal(t, 0, left[0]["spectator_count"])
	assert.False(t, s.IsSpectator(watcher))
}

func TestMoveFramesReachSpectators(t *testing.T) {
	s, white, _, mb := setupTestSession(t)
	watcher := uuid.New()
	s.AddSpectator(watcher)

	mustMove(t, s, white.ID, "e2", "e4")

	mb.mu.Lock()
	defer mb.mu.Unlock()
	last := mb.recipients[len(mb.recipients)-1]
	assert.Contains(t, last, watcher)
	assert.Contains(t, last, white.ID)
}

func TestSnapshotReflectsHistory(t *testing.T) {
	s, white, black, _ := setupTestSession(t)
	mustMove(t, s, white.ID, "e2", "e4")
	mustMove(t, s, black.ID, "e7", "e5")

	snap := s.Snapshot()
	assert.Equal(t, s.ID, snap["game_id"])
	assert.Equal(t, []string{"e4", "e5"}, snap["moves"])
	assert.Equal(t, ColorWhite, snap["current_turn"])
	assert.Equal(t, StatusInProgress, snap["status"])
}

func TestStartPayloadAnnouncesSeats(t *testing.T) {
	s, white, black, _ := setupTestSession(t)

	payload := s.StartPayload()
	assert.Equal(t, protocol.MsgGameStarted, payload["type"])
	assert.Equal(t, s.ID, payload["game_id"])
	assert.Equal(t, white, payload["white_player"])
	assert.Equal(t, black, payload["black_player"])
	assert.Contains(t, payload["fen"], " w ")
	assert.Equal(t, (5 * time.Minute).Milliseconds(), payload["white_time"])
}

func TestStoreLobbyIndex(t *testing.T) {
	store := NewStore()
	s, _, _, _ := setupTestSession(t)

	store.AddGame(s)
	got, ok := store.GetGame(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)

	assert.Same(t, s, store.GetGameByLobbyID(s.LobbyID))
	assert.Nil(t, store.GetGameByLobbyID(uuid.New()))

	store.DeleteGame(s.ID)
	_, ok = store.GetGame(s.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, store.Count())
}
