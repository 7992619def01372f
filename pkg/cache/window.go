package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is a sliding time window of events stored in one sorted set per key.
// Members are unique ids scored by their event time in Unix milliseconds.
type Window struct {
	client *Client
	length time.Duration
}

// WindowState is a snapshot of one key's window after pruning.
type WindowState struct {
	Count  int64
	Newest time.Time // zero when the window is empty
}

// NewWindow returns a window of the given length over client.
func NewWindow(client *Client, length time.Duration) *Window {
	return &Window{client: client, length: length}
}

// Length returns the window length.
func (w *Window) Length() time.Duration {
	return w.length
}

// Add records count events at time at and refreshes the key's expiry to one window.
func (w *Window) Add(ctx context.Context, key string, count int, at time.Time) error {
	if count <= 0 {
		return nil
	}

	score := float64(at.UnixMilli())
	members := make([]redis.Z, count)
	for i := range members {
		members[i] = redis.Z{Score: score, Member: uuid.NewString()}
	}

	fullKey := w.client.Key(key)
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, fullKey, members...)
		pipe.PExpire(ctx, fullKey, w.length)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to add window events: %w", err)
	}
	return nil
}

// State prunes events older than the window (relative to now) and returns what remains.
func (w *Window) State(ctx context.Context, key string, now time.Time) (WindowState, error) {
	fullKey := w.client.Key(key)
	cutoff := now.Add(-w.length).UnixMilli()

	var card *redis.IntCmd
	var newest *redis.ZSliceCmd
	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, fullKey, "-inf", "("+strconv.FormatInt(cutoff, 10))
		card = pipe.ZCard(ctx, fullKey)
		newest = pipe.ZRevRangeWithScores(ctx, fullKey, 0, 0)
		return nil
	})
	if err != nil {
		return WindowState{}, fmt.Errorf("failed to read window: %w", err)
	}

	state := WindowState{Count: card.Val()}
	if zs := newest.Val(); len(zs) > 0 {
		state.Newest = time.UnixMilli(int64(zs[0].Score)).UTC()
	}
	return state, nil
}
