// cmd/server/main.go
package main

import (
	"context"
	"net/http"
	"os"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"

	"github.com/promptmaster/promptmaster/internal/ai"
	"github.com/promptmaster/promptmaster/internal/cache"
	"github.com/promptmaster/promptmaster/internal/game"
	"github.com/promptmaster/promptmaster/internal/handlers"
	"github.com/promptmaster/promptmaster/internal/lobby"
	"github.com/promptmaster/promptmaster/internal/middleware"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if os.Getenv("DEBUG") != "" {
		logger.SetLevel(logrus.DebugLevel)
	}

	cache.ConnectRedis()
	store := cache.NewRedisStore(cache.Rdb)

	hub := handlers.NewHub(logger)
	orch := game.NewOrchestrator(store, ai.NewImageClientFromEnv(), ai.NewScoreClientFromEnv(), hub, logger)
	lm := lobby.NewManager(store, hub, orch, logger)

	// Background sweep retires seats whose disconnect outlived the
	// grace window.
	go lm.RunSweeper(context.Background(), 5*time.Second)

	mux := http.NewServeMux()

	mux.Handle("/lobby/create", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.CreateLobbyHandler(logger, lm),
	)))
	mux.Handle("/lobby/join", middleware.LogMiddleware(logger)(http.HandlerFunc(
		handlers.JoinLobbyHandler(logger, lm),
	)))
	mux.Handle("/health", middleware.LogMiddleware(logger)(handlers.HealthHandler()))

	mux.Handle("/ws", http.HandlerFunc(
		handlers.WSHandler(logger, hub, lm, orch),
	))

	addr := ":" + getEnv("PORT", "4000")
	logger.Infof("promptmaster server listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatalf("server exited: %v", err)
	}
}

// getEnv retrieves an environment variable's value or returns a default.
func getEnv(key, defVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defVal
}
