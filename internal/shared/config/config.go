package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway
type Config struct {
	// Server
	Port            string
	Env             string
	ServerTimeout   time.Duration
	CleanupInterval time.Duration

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Rate Limiting. DefaultRateLimit is the requests-per-minute fallback
	// applied to any API key that doesn't set its own RateLimitRequests.
	DefaultRateLimit int

	// Caching
	CacheTTLSeconds int
	CacheEnabled    bool

	// Admission / scheduling (spec.md §6 Bootstrapping inputs)
	KeySecretPrefix    string
	GlobalPepper       string
	SessionTTL         time.Duration
	AdminBootstrapPath string
	PriceTablePath     string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		Env:                getEnv("ENV", "development"),
		ServerTimeout:      time.Duration(getEnvInt("SERVER_TIMEOUT_SECONDS", 600)) * time.Second,
		CleanupInterval:    time.Duration(getEnvInt("CLEANUP_INTERVAL_SECONDS", 3600)) * time.Second,
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),
		DefaultRateLimit:   getEnvInt("DEFAULT_RATE_LIMIT", 100),
		CacheTTLSeconds:    getEnvInt("CACHE_TTL_SECONDS", 3600),
		CacheEnabled:       getEnvBool("CACHE_ENABLED", true),
		KeySecretPrefix:    getEnv("KEY_SECRET_PREFIX", "sk-gw-"),
		GlobalPepper:       getEnv("GLOBAL_PEPPER", ""),
		SessionTTL:         time.Duration(getEnvInt("SESSION_TTL_SECONDS", 3600)) * time.Second,
		AdminBootstrapPath: getEnv("ADMIN_BOOTSTRAP_PATH", "./config/admin.json"),
		PriceTablePath:     getEnv("PRICE_TABLE_PATH", "./config/prices.json"),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.GlobalPepper == "" {
		return nil, fmt.Errorf("GLOBAL_PEPPER is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
