// Package cache provides the Redis connection used for shared counters and
// short-lived lookups.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	Username string
	DB       int

	PoolSize     int
	MinIdleConns int
	MaxRetries   int

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns sensible defaults for Redis configuration.
func DefaultConfig() *Config {
	return &Config{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   1,
		DialTimeout:  time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	}
}

// ConfigFromURL builds a Config from a redis:// or rediss:// URL, keeping the
// pool and timeout defaults for anything the URL does not set.
func ConfigFromURL(rawURL string) (*Config, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	cfg := DefaultConfig()
	cfg.Addr = opts.Addr
	cfg.Username = opts.Username
	cfg.Password = opts.Password
	cfg.DB = opts.DB
	return cfg, nil
}

// Client wraps redis.Client with key prefixing.
type Client struct {
	*redis.Client
	logger    *slog.Logger
	keyPrefix string
}

// Connect creates a new Redis connection and verifies it with PING.
func Connect(ctx context.Context, cfg *Config) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{
		Client: client,
		logger: slog.Default(),
	}, nil
}

// WithLogger sets the logger for the client.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	c.logger = logger
	return c
}

// WithKeyPrefix sets a prefix for all keys.
func (c *Client) WithKeyPrefix(prefix string) *Client {
	c.keyPrefix = prefix
	return c
}

// Key returns key with the configured prefix applied.
func (c *Client) Key(key string) string {
	if c.keyPrefix == "" {
		return key
	}
	return c.keyPrefix + ":" + key
}

// Get returns the value stored at key. A missing key is reported as ok false
// rather than an error.
func (c *Client) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	value, err = c.Client.Get(ctx, c.Key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores value at key. Strings and byte slices are stored as is, other
// values as JSON.
func (c *Client) Set(ctx context.Context, key string, value any, expiration time.Duration) error {
	var data string
	switch v := value.(type) {
	case string:
		data = v
	case []byte:
		data = string(v)
	default:
		b, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		data = string(b)
	}
	return c.Client.Set(ctx, c.Key(key), data, expiration).Err()
}

// Delete removes keys.
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	prefixed := make([]string, len(keys))
	for i, k := range keys {
		prefixed[i] = c.Key(k)
	}
	return c.Client.Del(ctx, prefixed...).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.Client.Close()
}
