// internal/handlers/api.go
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mwhitaker/gambit/internal/lobby"
)

// HealthHandler reports liveness and coarse state counts.
func HealthHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"connections": c.Registry.Count(),
			"players":     c.Directory.Count(),
			"lobbies":     c.Lobbies.Count(),
			"games":       c.Games.Count(),
		})
	}
}

// ListLobbiesHandler returns the public room listing, both waiting rooms
// and running games open to spectators. Private rooms are joinable by share
// code only and never appear here.
func ListLobbiesHandler(c *Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows := make([]map[string]interface{}, 0)
		for _, lob := range c.Lobbies.GetLobbies() {
			lob.Mu.Lock()
			if !lob.Config.Private && lob.State != lobby.StateFinished {
				rows = append(rows, lob.ListingPayloadUnsafe(c.playerInfo))
			}
			lob.Mu.Unlock()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"lobbies": rows})
	}
}
