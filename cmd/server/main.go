package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/avvvet/partsbuddy/internal/app"
	"github.com/avvvet/partsbuddy/internal/config"
	"github.com/avvvet/partsbuddy/internal/logging"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	// Load .env file if it exists (for development)
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("❌ Failed to create logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("🚀 Starting PartsBuddy service...")
	logger.Info("📋 Service", zap.String("name", cfg.ServiceName))
	logger.Info("📡 Transports", zap.String("http", cfg.HTTPAddr), zap.String("nats", cfg.NatsURL))
	logger.Info("💾 Cache", zap.String("redis", cfg.RedisURL), zap.String("key_scope", cfg.CacheKeyScope))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("❌ Failed to build pipeline", zap.Error(err))
	}

	logger.Info("✅ PartsBuddy service is running!")

	serveErr := application.Serve(ctx)
	if serveErr != nil {
		logger.Error("❌ Server stopped with error", zap.Error(serveErr))
	}

	logger.Info("🔄 Shutting down gracefully...")
	if err := application.Close(); err != nil {
		logger.Warn("⚠️ Error closing pipeline", zap.Error(err))
	}

	logger.Info("👋 PartsBuddy service stopped")
	if serveErr != nil {
		_ = logger.Sync()
		os.Exit(1)
	}
}
