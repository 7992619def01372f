// Package ratelimit implements per-organisation sliding-window admission control
// for span ingestion. The limiter fails open: when its Redis store is closed,
// unreachable or slow, checks return nil and callers admit the request.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiqa/server/pkg/cache"
	"github.com/aiqa/server/pkg/metrics"
)

const (
	// DefaultLimit is the number of spans an organisation may post per window.
	DefaultLimit = 1000
	// DefaultWindow is the sliding window length.
	DefaultWindow = time.Hour
	// DefaultTimeout bounds every call to the backing store.
	DefaultTimeout = 500 * time.Millisecond
	// DefaultKeyPrefix namespaces the per-organisation sorted sets.
	DefaultKeyPrefix = "ratelimit:spans"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Config holds limiter settings.
type Config struct {
	Limit     int
	Window    time.Duration
	Timeout   time.Duration
	KeyPrefix string
}

// DefaultConfig returns the default limiter settings.
func DefaultConfig() Config {
	return Config{
		Limit:     DefaultLimit,
		Window:    DefaultWindow,
		Timeout:   DefaultTimeout,
		KeyPrefix: DefaultKeyPrefix,
	}
}

type conn struct {
	client *cache.Client
	window *cache.Window
}

// Limiter owns the backing store connection. Its zero value is not usable; call New.
// Init and Close may be called any number of times from any goroutine.
type Limiter struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu   sync.Mutex // serializes Init/Close
	conn atomic.Pointer[conn]
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithMetrics records check results on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(l *Limiter) { l.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a closed limiter. Zero config fields take their defaults.
func New(cfg Config, logger *slog.Logger, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Limit <= 0 {
		cfg.Limit = def.Limit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = def.KeyPrefix
	}
	if logger == nil {
		logger = slog.Default()
	}

	l := &Limiter{
		cfg:    cfg,
		logger: logger.With("component", "ratelimit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Init opens the Redis connection at url. It is a no-op when already open.
// On failure the limiter stays closed and keeps failing open.
func (l *Limiter) Init(ctx context.Context, url string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn.Load() != nil {
		return nil
	}

	cfg, err := cache.ConfigFromURL(url)
	if err != nil {
		return err
	}
	cfg.ReadTimeout = l.cfg.Timeout
	cfg.WriteTimeout = l.cfg.Timeout

	ctx, cancel := context.WithTimeout(ctx, max(l.cfg.Timeout, time.Second))
	defer cancel()

	client, err := cache.Connect(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open rate limit store: %w", err)
	}
	client.WithLogger(l.logger).WithKeyPrefix(l.cfg.KeyPrefix)

	l.conn.Store(&conn{
		client: client,
		window: cache.NewWindow(client, l.cfg.Window),
	})
	l.logger.Info("rate limit store connected", "addr", cfg.Addr, "window", l.cfg.Window, "limit", l.cfg.Limit)
	return nil
}

// Close closes the connection. It is a no-op when already closed.
func (l *Limiter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	c := l.conn.Swap(nil)
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Open reports whether the limiter currently has a store connection.
func (l *Limiter) Open() bool {
	return l.conn.Load() != nil
}

// Limit returns the default per-window limit.
func (l *Limiter) Limit() int {
	return l.cfg.Limit
}

// RecordSpanPosting records count span postings for organisation at the current time.
// Store failures are logged and swallowed.
func (l *Limiter) RecordSpanPosting(ctx context.Context, organisation string, count int) {
	if count <= 0 || organisation == "" {
		return
	}
	c := l.conn.Load()
	if c == nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	if err := c.window.Add(ctx, organisation, count, l.now()); err != nil {
		l.metrics.UsageRecordError()
		l.logger.WarnContext(ctx, "failed to record span posting",
			"organisation", organisation,
			"count", count,
			"error", err,
		)
	}
}

// CheckRateLimit prunes the organisation's window and reports whether it is within
// limit (DefaultLimit when limit <= 0). An organisation exactly at the limit is
// still allowed. Returns nil when the store is unavailable.
func (l *Limiter) CheckRateLimit(ctx context.Context, organisation string, limit int) *Decision {
	if limit <= 0 {
		limit = l.cfg.Limit
	}
	c := l.conn.Load()
	if c == nil {
		l.metrics.RateLimitCheck(metrics.RateLimitFailOpen)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	now := l.now()
	state, err := c.window.State(ctx, organisation, now)
	if err != nil {
		l.metrics.RateLimitCheck(metrics.RateLimitFailOpen)
		l.logger.WarnContext(ctx, "rate limit check failed, allowing request",
			"organisation", organisation,
			"error", err,
		)
		return nil
	}

	decision := evaluate(state, limit, l.cfg.Window, now)
	if decision.Allowed {
		l.metrics.RateLimitCheck(metrics.RateLimitAllowed)
	} else {
		l.metrics.RateLimitCheck(metrics.RateLimitLimited)
	}
	return decision
}

func evaluate(state cache.WindowState, limit int, window time.Duration, now time.Time) *Decision {
	count := int(state.Count)

	resetAt := now.Add(window)
	if !state.Newest.IsZero() {
		resetAt = state.Newest.Add(window)
	}

	return &Decision{
		Allowed:   count <= limit,
		Remaining: max(0, limit-count),
		ResetAt:   resetAt,
	}
}
