// Package config loads service configuration from environment variables with
// sensible local-development defaults. The .env file is loaded by main before
// this package reads the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the process needs to wire itself up.
type Config struct {
	// HTTP
	HTTPPort        string
	ShutdownTimeout time.Duration

	// Redis (broker + ephemeral session state)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// DynamoDB (durable store)
	AWSRegion      string
	DynamoTable    string
	DynamoEndpoint string // local override, e.g. DynamoDB Local

	// Bedrock (agent source)
	BedrockModelID string

	// WebSocket
	WSWriteTimeout time.Duration
}

// LoadFromEnv reads configuration from the environment.
func LoadFromEnv() (Config, error) {
	redisDB, err := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	shutdownTimeout, err := parseDuration("SHUTDOWN_TIMEOUT", "30s")
	if err != nil {
		return Config{}, err
	}
	wsWriteTimeout, err := parseDuration("WS_WRITE_TIMEOUT", "10s")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPPort:        getEnvOrDefault("HTTP_PORT", "8080"),
		ShutdownTimeout: shutdownTimeout,
		RedisAddr:       getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         redisDB,
		AWSRegion:       getEnvOrDefault("AWS_REGION", "us-east-1"),
		DynamoTable:     getEnvOrDefault("DYNAMO_TABLE", "parley"),
		DynamoEndpoint:  os.Getenv("DYNAMO_ENDPOINT"),
		BedrockModelID:  getEnvOrDefault("BEDROCK_MODEL_ID", "anthropic.claude-3-5-sonnet-20241022-v2:0"),
		WSWriteTimeout:  wsWriteTimeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that cannot run.
func (c Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT must not be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR must not be empty")
	}
	if c.DynamoTable == "" {
		return fmt.Errorf("DYNAMO_TABLE must not be empty")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("WS_WRITE_TIMEOUT must be positive")
	}
	return nil
}

func parseDuration(key, defaultVal string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnvOrDefault(key, defaultVal))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
