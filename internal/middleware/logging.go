// internal/middleware/logging.go

package middleware

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// LogMiddleware is an HTTP middleware that logs incoming requests using Logrus.
// Logs the method, path, and duration of each request. The response writer is
// passed through unwrapped so websocket upgrades keep their Hijacker.
func LogMiddleware(logger *logrus.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			path := r.URL.Path
			method := r.Method

			next.ServeHTTP(w, r)

			duration := time.Since(start)
			logger.WithFields(logrus.Fields{
				"method":   method,
				"path":     path,
				"duration": duration,
				"remote":   r.RemoteAddr,
			}).Info("HTTP Request")
		})
	}
}

// LogWebSocketConnect logs a new websocket session once the upgrade succeeds.
func LogWebSocketConnect(logger *logrus.Logger, remoteAddr string, connID uuid.UUID) {
	logger.WithFields(logrus.Fields{
		"remote":  remoteAddr,
		"conn_id": connID,
	}).Info("WebSocket connected")
}

// LogWebSocketDisconnect logs the end of a websocket session, with the player
// identity when the session got as far as a connect handshake.
func LogWebSocketDisconnect(logger *logrus.Logger, remoteAddr string, connID, playerID uuid.UUID, err error) {
	fields := logrus.Fields{
		"remote":  remoteAddr,
		"conn_id": connID,
	}
	if playerID != uuid.Nil {
		fields["player_id"] = playerID
	}
	if err != nil {
		fields["error"] = err
	}
	logger.WithFields(fields).Info("WebSocket disconnected")
}
