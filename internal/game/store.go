// internal/game/store.go
package game

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store tracks every live and recently finished session in memory.
type Store struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
}

func NewStore() *Store {
	return &Store{
		sessions: make(map[uuid.UUID]*Session),
	}
}

func (s *Store) AddGame(sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
}

func (s *Store) GetGame(id uuid.UUID) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, exists := s.sessions[id]
	return sess, exists
}

func (s *Store) DeleteGame(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// GetGameByLobbyID returns the session spawned from a given lobby, or nil if
// none is found. Each Session stores its LobbyID for this lookup.
func (s *Store) GetGameByLobbyID(lobbyID uuid.UUID) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.LobbyID == lobbyID {
			return sess
		}
	}
	return nil
}

// GetTerminalGameBySeat finds the most recently finished session in which
// the player held a seat. Rematch frames carry no game id, so resolution
// walks the store.
func (s *Store) GetTerminalGameBySeat(playerID uuid.UUID) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Session
	var bestEnded time.Time
	for _, sess := range s.sessions {
		sess.Mu.Lock()
		terminal := sess.Status == StatusFinished
		seated := sess.White.ID == playerID || sess.Black.ID == playerID
		endedAt := sess.EndedAt
		sess.Mu.Unlock()

		if terminal && seated && (best == nil || endedAt.After(bestEnded)) {
			best = sess
			bestEnded = endedAt
		}
	}
	return best
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
