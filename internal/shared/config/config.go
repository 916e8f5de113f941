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
	Port     string
	Env      string
	LogLevel string

	// Database
	DatabaseDriver string
	DatabaseURL    string
	AutoMigrate    bool

	// Redis (optional)
	RedisURL string

	// Upstream provider
	UpstreamBaseURL string

	// Scheduling
	PoolRefreshTTL    time.Duration
	CallTimeout       time.Duration
	StreamReadTimeout time.Duration

	// Call log
	CallLogQueueSize int

	// Rate Limiting
	DefaultRateLimit int
}

// Supported database drivers
var drivers = map[string]bool{
	"postgres": true,
	"mysql":    true,
	"sqlite":   true,
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               getEnv("ENV", "development"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		DatabaseDriver:    getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		AutoMigrate:       getEnvBool("AUTO_MIGRATE", true),
		RedisURL:          getEnv("REDIS_URL", ""),
		UpstreamBaseURL:   getEnv("UPSTREAM_BASE_URL", "https://api.openai.com/v1"),
		PoolRefreshTTL:    getEnvDuration("POOL_REFRESH_TTL", 5*time.Minute),
		CallTimeout:       getEnvDuration("CALL_TIMEOUT", 30*time.Second),
		StreamReadTimeout: getEnvDuration("STREAM_READ_TIMEOUT", 60*time.Second),
		CallLogQueueSize:  getEnvInt("CALL_LOG_QUEUE_SIZE", 1024),
		DefaultRateLimit:  getEnvInt("DEFAULT_RATE_LIMIT", 100),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if !drivers[c.DatabaseDriver] {
		return fmt.Errorf("unsupported DATABASE_DRIVER %q (postgres, mysql or sqlite)", c.DatabaseDriver)
	}
	if c.PoolRefreshTTL <= 0 || c.CallTimeout <= 0 || c.StreamReadTimeout <= 0 {
		return fmt.Errorf("POOL_REFRESH_TTL, CALL_TIMEOUT and STREAM_READ_TIMEOUT must be positive")
	}
	if c.CallLogQueueSize < 0 {
		c.CallLogQueueSize = 0
	}
	return nil
}

// StoreSettings is the subset of configuration the admin CLI needs
type StoreSettings struct {
	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
}

// LoadStoreSettings reads the store and Redis settings without validating the
// rest of the gateway configuration. Flags may override the result.
func LoadStoreSettings() StoreSettings {
	_ = godotenv.Load()
	return StoreSettings{
		DatabaseDriver: getEnv("DATABASE_DRIVER", "postgres"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		RedisURL:       getEnv("REDIS_URL", ""),
	}
}

// IsProduction reports whether the gateway runs with production defaults
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

// getEnvDuration accepts values like "30s" or "5m"; a bare integer is read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
