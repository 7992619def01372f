// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// StorageBackend represents the span storage implementation type.
type StorageBackend string

const (
	// StorageMemory uses in-memory storage (for development/testing).
	StorageMemory StorageBackend = "memory"
	// StoragePostgres uses PostgreSQL storage (for production).
	StoragePostgres StorageBackend = "postgres"
)

// PropagationMode controls when token/cost roll-up runs relative to the ingest response.
type PropagationMode string

const (
	// PropagationSync runs roll-up before the export request is answered.
	PropagationSync PropagationMode = "sync"
	// PropagationAsync runs roll-up in the background after the spans are written.
	PropagationAsync PropagationMode = "async"
)

// Base contains configuration shared by the ingest server and its tooling.
type Base struct {
	// Service identification
	ServiceName string
	Environment string // development, staging, production
	Version     string

	// Server
	GRPCPort       int
	HTTPPort       int
	MaxBodyBytes   int64
	RequestTimeout time.Duration

	// Storage backend
	StorageBackend StorageBackend

	// Database (used when StorageBackend is "postgres")
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Rate limiting. An empty RedisURL disables the limiter (every check fails open).
	RedisURL         string
	RateLimit        int
	RateLimitWindow  time.Duration
	RateLimitTimeout time.Duration

	// Token/cost propagation
	PropagationMode    PropagationMode
	PropagationTimeout time.Duration

	// Authentication. KeyCacheTTL bounds how long a resolved key is served
	// from Redis; zero disables the cache.
	APIKeysFile string
	KeyCacheTTL time.Duration

	// Observability
	LogLevel  string
	LogFormat string // json, text

	// Tracing of the server itself. Off by default so exported spans never loop back.
	TracingEnabled  bool
	TracingEndpoint string
	TracingSampling float64
}

// Load loads base configuration from environment variables.
func Load(serviceName string) (*Base, error) {
	cfg := &Base{
		ServiceName: serviceName,
		Environment: getEnv("AIQA_ENV", "development"),
		Version:     getEnv("AIQA_VERSION", "dev"),

		GRPCPort:       getEnvInt("AIQA_GRPC_PORT", 4317),
		HTTPPort:       getEnvInt("AIQA_HTTP_PORT", 4318),
		MaxBodyBytes:   int64(getEnvInt("AIQA_MAX_BODY_BYTES", 16*1024*1024)),
		RequestTimeout: getEnvDuration("AIQA_REQUEST_TIMEOUT", time.Minute),

		StorageBackend: parseStorageBackend(getEnv("AIQA_STORAGE_BACKEND", "memory")),

		DBHost:     getEnv("AIQA_DB_HOST", "localhost"),
		DBPort:     getEnvInt("AIQA_DB_PORT", 5432),
		DBUser:     getEnv("AIQA_DB_USER", "aiqa"),
		DBPassword: getEnv("AIQA_DB_PASSWORD", ""),
		DBName:     getEnv("AIQA_DB_NAME", "aiqa"),
		DBSSLMode:  getEnv("AIQA_DB_SSLMODE", "disable"),

		RedisURL:         getEnv("AIQA_REDIS_URL", "redis://localhost:6379"),
		RateLimit:        getEnvInt("AIQA_RATE_LIMIT", 1000),
		RateLimitWindow:  getEnvDuration("AIQA_RATE_LIMIT_WINDOW", time.Hour),
		RateLimitTimeout: getEnvDuration("AIQA_RATE_LIMIT_TIMEOUT", 500*time.Millisecond),

		PropagationMode:    parsePropagationMode(getEnv("AIQA_PROPAGATION_MODE", "sync")),
		PropagationTimeout: getEnvDuration("AIQA_PROPAGATION_TIMEOUT", 30*time.Second),

		APIKeysFile: getEnv("AIQA_API_KEYS_FILE", ""),
		KeyCacheTTL: getEnvDuration("AIQA_KEY_CACHE_TTL", time.Minute),

		LogLevel:  getEnv("AIQA_LOG_LEVEL", "info"),
		LogFormat: getEnv("AIQA_LOG_FORMAT", "json"),

		TracingEnabled:  getEnvBool("AIQA_TRACING_ENABLED", false),
		TracingEndpoint: getEnv("AIQA_TRACING_ENDPOINT", "localhost:4317"),
		TracingSampling: getEnvFloat("AIQA_TRACING_SAMPLING", 1.0),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate reports configuration values the server cannot run with.
func (c *Base) Validate() error {
	if c.RateLimit <= 0 {
		return fmt.Errorf("invalid rate limit %d: must be positive", c.RateLimit)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("invalid rate limit window %s: must be positive", c.RateLimitWindow)
	}
	if c.MaxBodyBytes <= 0 {
		return fmt.Errorf("invalid max body bytes %d: must be positive", c.MaxBodyBytes)
	}
	if c.PropagationMode != PropagationSync && c.PropagationMode != PropagationAsync {
		return fmt.Errorf("invalid propagation mode %q", c.PropagationMode)
	}
	return nil
}

// DatabaseDSN returns the PostgreSQL connection string.
func (c *Base) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// IsDevelopment returns true if running in development mode.
func (c *Base) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Base) IsProduction() bool {
	return c.Environment == "production"
}

// UseMemoryStorage returns true if using in-memory storage.
func (c *Base) UseMemoryStorage() bool {
	return c.StorageBackend == StorageMemory
}

// UsePostgresStorage returns true if using PostgreSQL storage.
func (c *Base) UsePostgresStorage() bool {
	return c.StorageBackend == StoragePostgres
}

// AsyncPropagation returns true if roll-up runs after the response is sent.
func (c *Base) AsyncPropagation() bool {
	return c.PropagationMode == PropagationAsync
}

// Helper functions

func parseStorageBackend(s string) StorageBackend {
	switch strings.ToLower(s) {
	case "postgres", "postgresql", "pg":
		return StoragePostgres
	default:
		return StorageMemory
	}
}

func parsePropagationMode(s string) PropagationMode {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sync", "inline":
		return PropagationSync
	case "async", "background":
		return PropagationAsync
	default:
		return PropagationMode(s)
	}
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
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
