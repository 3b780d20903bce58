// cmd/historian/main.go

// The historian drains the move journal from Redis into Postgres. It runs
// separately from the game server so persistence lag never slows live games.
package main

import (
	"os"
	"os/signal"
	"syscall"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/mwhitaker/gambit/internal/database"
	"github.com/mwhitaker/gambit/internal/historian"
)

func main() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	database.ConnectDB()
	if database.DB == nil {
		logger.Fatal("historian requires a database; set PG_HOST")
	}

	hs := historian.New(logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		hs.Stop()
	}()

	// Blocks until Stop; the final batch flush happens before it returns.
	hs.Run()
}
