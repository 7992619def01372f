package cache

import (
	"context"
	"log/slog"
	"time"

	jsoniter "github.com/json-iterator/go"
)

// CacheAside serves values from Redis and falls back to a loader on a miss.
// Redis failures never fail a lookup: the loader result is returned and the
// failure is logged.
type CacheAside[T any] struct {
	client  *Client
	ttl     time.Duration
	keyFunc func(key string) string
	logger  *slog.Logger
}

// NewCacheAside creates a cache-aside helper storing values for ttl.
func NewCacheAside[T any](client *Client, ttl time.Duration) *CacheAside[T] {
	return &CacheAside[T]{
		client:  client,
		ttl:     ttl,
		keyFunc: func(k string) string { return k },
		logger:  slog.Default(),
	}
}

// WithKeyFunc sets a custom key transformation function.
func (ca *CacheAside[T]) WithKeyFunc(fn func(string) string) *CacheAside[T] {
	ca.keyFunc = fn
	return ca
}

// WithLogger sets the logger used for cache failures.
func (ca *CacheAside[T]) WithLogger(logger *slog.Logger) *CacheAside[T] {
	ca.logger = logger
	return ca
}

// Get returns the cached value for key, or calls loader on a miss. Only
// values the loader reports as found are cached, so a later insert is seen
// immediately.
func (ca *CacheAside[T]) Get(ctx context.Context, key string, loader func(ctx context.Context) (T, bool, error)) (T, bool, error) {
	cacheKey := ca.keyFunc(key)

	var result T
	data, ok, err := ca.client.Get(ctx, cacheKey)
	switch {
	case err != nil:
		ca.logger.WarnContext(ctx, "cache read failed", "key", cacheKey, "error", err)
	case ok:
		if err := jsoniter.ConfigCompatibleWithStandardLibrary.UnmarshalFromString(data, &result); err == nil {
			return result, true, nil
		}
		ca.logger.WarnContext(ctx, "discarding undecodable cache entry", "key", cacheKey)
	}

	result, found, err := loader(ctx)
	if err != nil || !found {
		return result, found, err
	}

	if err := ca.client.Set(ctx, cacheKey, result, ca.ttl); err != nil {
		ca.logger.WarnContext(ctx, "cache write failed", "key", cacheKey, "error", err)
	}
	return result, true, nil
}

// Invalidate removes key from the cache.
func (ca *CacheAside[T]) Invalidate(ctx context.Context, key string) error {
	return ca.client.Delete(ctx, ca.keyFunc(key))
}
