package main

import (
	"net/http"
	"os"
	"strconv"

	"github.com/multichat-dev/multichat/internal/api"
	"github.com/multichat-dev/multichat/internal/auth"
	"github.com/multichat-dev/multichat/internal/chat"
	"github.com/multichat-dev/multichat/internal/db"
	"github.com/multichat-dev/multichat/internal/llm"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	dbPath := envOr("DATABASE_PATH", "multichat.db")
	database, err := db.New(dbPath)
	if err != nil {
		logger.Fatal("failed to initialize database",
			zap.Error(err),
			zap.String("dbPath", dbPath))
	}
	defer database.Close()

	client := llm.New(
		os.Getenv("OPENAI_BASE_URL"),
		os.Getenv("OPENAI_API_KEY"),
		logger,
	)

	titles := chat.NewTitleScheduler(database, client, chat.DefaultTitleDelay, logger)
	defer titles.Stop()

	orchestrator := chat.NewOrchestrator(database, client, titles, logger)

	maxUsers, err := strconv.Atoi(envOr("MAX_USERS", "10"))
	if err != nil {
		logger.Fatal("invalid MAX_USERS", zap.Error(err))
	}
	authService := auth.NewService(database, []byte(envOr("JWT_SECRET", "your-secret-key")), maxUsers)

	handler := api.NewHandler(orchestrator, authService, logger)

	mux := http.NewServeMux()
	handler.Register(mux)

	addr := envOr("ADDR", ":8100")
	logger.Info("Starting server", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Fatal("failed to start server", zap.Error(err))
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
