// Package config provides configuration for the CLI.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds CLI configuration.
type Config struct {
	// ServerURL is the base URL of the OTLP/HTTP endpoint.
	ServerURL string
	// GRPCAddr is the host:port of the OTLP/gRPC endpoint.
	GRPCAddr string
	// APIKey is sent as "ApiKey <key>" on every export.
	APIKey string

	Timeout time.Duration

	// Output format
	Format string // json, table, yaml

	Verbose bool
}

// DefaultConfig returns the configuration from the environment.
func DefaultConfig() *Config {
	return &Config{
		ServerURL: strings.TrimRight(getEnv("AIQA_SERVER_URL", "http://localhost:4318"), "/"),
		GRPCAddr:  getEnv("AIQA_GRPC_ADDR", "localhost:4317"),
		APIKey:    getEnv("AIQA_API_KEY", ""),
		Timeout:   getEnvDuration("AIQA_TIMEOUT", 30*time.Second),
		Format:    getEnv("AIQA_FORMAT", "table"),
		Verbose:   getEnvBool("AIQA_VERBOSE", false),
	}
}

// TracesURL returns the OTLP/HTTP traces endpoint.
func (c *Config) TracesURL() string {
	return c.ServerURL + "/v1/traces"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
