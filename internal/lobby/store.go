// internal/lobby/store.go
package lobby

import (
	"log"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Store manages active ephemeral lobbies in memory.
// It provides thread-safe access to add, retrieve, and delete lobbies.
type Store struct {
	mu      sync.Mutex           // Protects access to the lobbies map.
	lobbies map[uuid.UUID]*Lobby // Map of lobby ID to Lobby object pointer.
}

// NewStore initializes and returns an empty Store.
func NewStore() *Store {
	return &Store{
		lobbies: make(map[uuid.UUID]*Lobby),
	}
}

// AddLobby adds a new lobby instance to the store.
// It's recommended to configure the lobby's OnEmpty callback before adding it
// to ensure automatic cleanup when the last occupant leaves.
func (s *Store) AddLobby(lobby *Lobby) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lobbies[lobby.ID]; exists {
		log.Printf("Store WARNING: Attempted to add lobby %s which already exists.", lobby.ID)
		return // Avoid overwriting existing lobby.
	}
	s.lobbies[lobby.ID] = lobby
}

// DeleteLobby removes a lobby instance from the store by its ID.
// This is typically called via the lobby's OnEmpty callback.
func (s *Store) DeleteLobby(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lobbies[id]; exists {
		delete(s.lobbies, id)
		log.Printf("Store: Deleted lobby %s.", id)
	} else {
		log.Printf("Store WARNING: Attempted to delete non-existent lobby %s.", id)
	}
}

// GetLobby retrieves a lobby instance from the store by its ID.
func (s *Store) GetLobby(id uuid.UUID) (*Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.lobbies[id]
	return l, ok
}

// GetLobbyByCode finds a lobby by its share code, case-insensitively. Codes
// are immutable after creation so no lobby lock is needed here.
func (s *Store) GetLobbyByCode(code string) (*Lobby, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lobbies {
		if l.Code != "" && strings.EqualFold(l.Code, code) {
			return l, true
		}
	}
	return nil, false
}

// GetLobbies returns a copy of the map containing all active lobbies.
// Returning a copy prevents race conditions if the caller iterates over the
// map while another goroutine modifies the store.
func (s *Store) GetLobbies() map[uuid.UUID]*Lobby {
	s.mu.Lock()
	defer s.mu.Unlock()
	lobbiesCopy := make(map[uuid.UUID]*Lobby, len(s.lobbies))
	for k, v := range s.lobbies {
		lobbiesCopy[k] = v
	}
	return lobbiesCopy
}

// Count returns the number of active lobbies.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lobbies)
}
