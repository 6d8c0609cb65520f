// Parley backend server — normalizes agent event streams, fans them out to
// WebSocket clients, and persists finished messages.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/parley-ai/parley/pkg/agent"
	"github.com/parley-ai/parley/pkg/api"
	"github.com/parley-ai/parley/pkg/broker"
	"github.com/parley-ai/parley/pkg/config"
	"github.com/parley-ai/parley/pkg/events"
	"github.com/parley-ai/parley/pkg/pipeline"
	"github.com/parley-ai/parley/pkg/store"
	"github.com/parley-ai/parley/pkg/version"
	"github.com/parley-ai/parley/pkg/ws"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "./deploy/config"),
		"Path to configuration directory")
	flag.Parse()

	// Load .env file from config directory
	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	} else {
		slog.Info("Loaded environment", "path", envPath)
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting Parley",
		"version", version.Get().String(),
		"http_port", cfg.HTTPPort)

	ctx := context.Background()

	// 1. Redis: broker fan-out and ephemeral session state
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() {
		if err := redisClient.Close(); err != nil {
			slog.Error("Error closing Redis client", "error", err)
		}
	}()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		slog.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
		os.Exit(1)
	}
	pingCancel()
	slog.Info("Connected to Redis", "addr", cfg.RedisAddr)

	pubsub := broker.NewRedis(redisClient)
	sessionState := ws.NewRedisState(redisClient)

	// 2. AWS clients: DynamoDB store and Bedrock agent source
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
	if err != nil {
		slog.Error("Failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	dynamoClient := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoEndpoint != "" {
			o.BaseEndpoint = &cfg.DynamoEndpoint
		}
	})
	st := store.NewDynamo(dynamoClient, cfg.DynamoTable)
	slog.Info("DynamoDB store initialized", "table", cfg.DynamoTable)

	bedrockClient := bedrockruntime.NewFromConfig(awsCfg)
	source := agent.NewBedrock(bedrockClient, cfg.BedrockModelID)
	slog.Info("Bedrock agent source initialized", "model_id", cfg.BedrockModelID)

	// 3. Event pipeline
	processor := events.NewProcessor(pubsub)
	runner := pipeline.NewRunner(processor, st)
	service := pipeline.NewService(runner, source, st)

	// 4. WebSocket session manager
	manager := ws.NewManager(pubsub, sessionState, cfg.WSWriteTimeout)
	manager.SetStarter(service)

	// 5. HTTP server
	httpServer := api.NewServer(st, manager)
	httpServer.SetBrokerPinger(pubsub)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	slog.Info("Parley started successfully")

	// 6. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 7. Graceful shutdown: finish active generations first so their final
	// messages reach the store, then drain connections, then stop HTTP.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()

	if err := service.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Generation shutdown incomplete", "error", err)
	} else {
		slog.Info("Active generations stopped gracefully")
	}

	manager.Shutdown(shutdownCtx)
	slog.Info("WebSocket connections closed")

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
