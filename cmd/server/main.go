package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/javierchua/ask-javier/internal/api"
	"github.com/javierchua/ask-javier/internal/config"
	"github.com/javierchua/ask-javier/internal/core"
	"github.com/javierchua/ask-javier/internal/llm"
	"github.com/javierchua/ask-javier/internal/ratelimit"
	"github.com/javierchua/ask-javier/internal/store"
)

const databaseName = "ask-javier-db"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	dbStore, err := store.NewMongoStore(ctx, cfg.MongoURI, databaseName, logger)
	if err != nil {
		logger.Fatal("failed to connect to document store", zap.Error(err))
	}
	defer dbStore.Close(context.Background())

	// Index creation is idempotent and happens exactly once per process,
	// here, rather than lazily per request.
	if err := dbStore.EnsureIndexes(ctx); err != nil {
		logger.Fatal("failed to ensure store indexes", zap.Error(err))
	}

	ledger, err := ratelimit.NewLedger(dbStore.Database(), logger)
	if err != nil {
		logger.Fatal("failed to initialize quota ledger", zap.Error(err))
	}
	if err := ledger.EnsureIndexes(ctx); err != nil {
		logger.Fatal("failed to ensure quota indexes", zap.Error(err))
	}

	llmService, err := llm.New(context.Background(), cfg.GeminiAPIKey, cfg.TitleSystemPrompt, logger)
	if err != nil {
		logger.Fatal("failed to initialize LLM service", zap.Error(err))
	}
	defer llmService.Close()

	chatService := core.NewChatService(dbStore, ledger, llmService, cfg, logger)
	apiHandler := api.NewAPIHandler(chatService, cfg, logger)
	router := api.NewRouter(apiHandler)

	srv := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.HTTPPort),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Streamed replies can run long.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("starting server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("forced shutdown", zap.Error(err))
	}
	logger.Info("server exited gracefully")
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "DEBUG" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
