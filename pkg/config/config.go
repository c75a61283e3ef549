// Copyright 2025 Certen Protocol
//
// Configuration for the checkpoint core service, read from environment
// variables with safe defaults for operational knobs and no defaults for
// security/identity-sensitive values. Grounded on the teacher's
// pkg/config/config.go: same Load/Validate/getEnv* helper shape, narrowed
// to the variables this core actually reads (spec section 6,
// "Configuration parameters": max_transactions_per_checkpoint,
// max_checkpoint_size_bytes).

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"os"
)

// Config holds all configuration for the checkpoint core service.
type Config struct {
	// Identity
	ValidatorName string // this authority's name in the committee (spec 4.3)
	DataDir       string // base directory for the KV store and fork-diagnostic dumps

	// Chunking limits (spec section 6)
	MaxTransactionsPerCheckpoint int
	MaxCheckpointSizeBytes       int

	// Server configuration
	MetricsAddr string
	HealthAddr  string

	// BLS signing key (hex-encoded, 32-byte scalar)
	BLSPrivateKeyHex string

	// Logging
	LogLevel string

	// Aggregator/Builder cadence
	RetryDelay   time.Duration
	PollInterval time.Duration
}

// Load reads configuration from environment variables. Call Validate()
// afterward to ensure all required configuration is present.
func Load() (*Config, error) {
	cfg := &Config{
		ValidatorName: getEnv("CHECKPOINT_VALIDATOR_NAME", ""),
		DataDir:       getEnv("CHECKPOINT_DB_PATH", "./data"),

		MaxTransactionsPerCheckpoint: getEnvInt("CHECKPOINT_MAX_TRANSACTIONS_PER_CHECKPOINT", 10000),
		MaxCheckpointSizeBytes:       getEnvInt("CHECKPOINT_MAX_SIZE_BYTES", 8*1024*1024),

		MetricsAddr: getEnv("CHECKPOINT_METRICS_ADDR", "0.0.0.0:9090"),
		HealthAddr:  getEnv("CHECKPOINT_HEALTH_ADDR", "0.0.0.0:8081"),

		BLSPrivateKeyHex: getEnv("CHECKPOINT_BLS_PRIVATE_KEY", ""),

		LogLevel: getEnv("CHECKPOINT_LOG_LEVEL", "info"),

		RetryDelay:   time.Duration(getEnvInt("CHECKPOINT_RETRY_INTERVAL_MS", 1000)) * time.Millisecond,
		PollInterval: getEnvDuration("CHECKPOINT_POLL_INTERVAL", time.Second),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and sane.
// This must be called after Load() before starting the service.
func (c *Config) Validate() error {
	var errs []string

	if c.ValidatorName == "" {
		errs = append(errs, "CHECKPOINT_VALIDATOR_NAME is required but not set")
	}
	if c.BLSPrivateKeyHex == "" {
		errs = append(errs, "CHECKPOINT_BLS_PRIVATE_KEY is required but not set")
	}
	if c.MaxTransactionsPerCheckpoint <= 0 {
		errs = append(errs, "CHECKPOINT_MAX_TRANSACTIONS_PER_CHECKPOINT must be positive")
	}
	if c.MaxCheckpointSizeBytes <= 0 {
		errs = append(errs, "CHECKPOINT_MAX_SIZE_BYTES must be positive")
	}
	if c.DataDir == "" {
		errs = append(errs, "CHECKPOINT_DB_PATH is required but not set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
