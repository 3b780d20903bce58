// cmd/server/main.go
package main

import (
	"log"
	"net/http"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/mwhitaker/gambit/internal/auth"
	"github.com/mwhitaker/gambit/internal/cache"
	"github.com/mwhitaker/gambit/internal/database"
	"github.com/mwhitaker/gambit/internal/handlers"
	"github.com/mwhitaker/gambit/internal/middleware"
)

func main() {
	auth.Init()
	database.ConnectDB()

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	if err := cache.ConnectRedis(); err != nil {
		logger.Warnf("Redis unavailable, move journaling disabled: %v", err)
	}

	c := handlers.NewCoordinator(logger)

	mux := http.NewServeMux()
	logged := middleware.LogMiddleware(logger)

	// The single multiplexed websocket endpoint.
	mux.Handle("/ws", logged(handlers.WSHandler(c)))

	// user endpoints
	mux.Handle("POST /user/register", logged(http.HandlerFunc(handlers.CreateUserHandler)))
	mux.Handle("POST /user/login", logged(http.HandlerFunc(handlers.LoginHandler)))
	mux.Handle("POST /user/claim", logged(http.HandlerFunc(handlers.ClaimGuestHandler)))
	mux.Handle("GET /user/games", logged(http.HandlerFunc(handlers.UserGamesHandler)))

	// room listing and game history
	mux.Handle("GET /lobbies", logged(handlers.ListLobbiesHandler(c)))
	mux.Handle("GET /games/{id}", logged(http.HandlerFunc(handlers.GetGameHandler)))

	mux.Handle("GET /health", logged(handlers.HealthHandler(c)))

	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	logger.Infof("Running on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server exited: %v", err)
	}
}
