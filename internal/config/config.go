// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/mbd888/upiguard/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis connection string (optional, uses in-memory feature store if not set)

	// Scoring
	ModelDir       string  // Directory holding serialized model weights (optional)
	DelayThreshold float64 // Score at or above which transactions are delayed
	BlockThreshold float64 // Score at or above which transactions are blocked

	// Settlement
	SweepInterval     time.Duration // How often the auto-refund sweep runs
	DelayTimeout      time.Duration // How long a delayed transaction waits before auto-refund
	DefaultDailyLimit int64         // Per-user daily spend limit in paise

	// Rate limiting
	RateLimitRPM int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "json"
	DefaultDelayThreshold = 0.30
	DefaultBlockThreshold = 0.60
	DefaultSweepInterval  = time.Minute
	DefaultDelayTimeout   = 5 * time.Minute
	DefaultDailyLimit     = "10000.00"
	DefaultRateLimit      = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	dailyLimit, ok := money.Parse(getEnv("DEFAULT_DAILY_LIMIT", DefaultDailyLimit))
	if !ok {
		return nil, fmt.Errorf("DEFAULT_DAILY_LIMIT must be a decimal amount")
	}

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:          os.Getenv("REDIS_URL"),    // Optional, uses in-memory if not set
		ModelDir:          os.Getenv("MODEL_DIR"),
		DelayThreshold:    getEnvFloat("DELAY_THRESHOLD", DefaultDelayThreshold),
		BlockThreshold:    getEnvFloat("BLOCK_THRESHOLD", DefaultBlockThreshold),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		DelayTimeout:      getEnvDuration("DELAY_TIMEOUT", DefaultDelayTimeout),
		DefaultDailyLimit: dailyLimit,
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is internally consistent
func (c *Config) Validate() error {
	if c.DelayThreshold < 0 || c.DelayThreshold > 1 {
		return fmt.Errorf("DELAY_THRESHOLD must be in [0, 1]")
	}
	if c.BlockThreshold < 0 || c.BlockThreshold > 1 {
		return fmt.Errorf("BLOCK_THRESHOLD must be in [0, 1]")
	}
	if c.DelayThreshold >= c.BlockThreshold {
		return fmt.Errorf("DELAY_THRESHOLD must be below BLOCK_THRESHOLD")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.DelayTimeout <= 0 {
		return fmt.Errorf("DELAY_TIMEOUT must be positive")
	}
	if c.DefaultDailyLimit <= 0 {
		return fmt.Errorf("DEFAULT_DAILY_LIMIT must be positive")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
