package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupWindow(t *testing.T, length time.Duration) (*miniredis.Miniredis, *Window) {
	t.Helper()

	mr := miniredis.RunT(t)
	cfg := DefaultConfig()
	cfg.Addr = mr.Addr()

	client, err := Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return mr, NewWindow(client.WithKeyPrefix("test"), length)
}

func TestWindow_AddAndState(t *testing.T) {
	mr, w := setupWindow(t, time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := w.Add(ctx, "org-1", 3, now.Add(-10*time.Minute)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := w.Add(ctx, "org-1", 2, now); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	state, err := w.State(ctx, "org-1", now)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Count != 5 {
		t.Errorf("Count = %d, want 5", state.Count)
	}
	if !state.Newest.Equal(now) {
		t.Errorf("Newest = %v, want %v", state.Newest, now)
	}

	if !mr.Exists("test:org-1") {
		t.Error("expected prefixed key test:org-1 to exist")
	}
	if ttl := mr.TTL("test:org-1"); ttl != time.Hour {
		t.Errorf("TTL = %v, want %v", ttl, time.Hour)
	}
}

func TestWindow_PrunesOldEvents(t *testing.T) {
	_, w := setupWindow(t, time.Hour)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := w.Add(ctx, "org-1", 4, now.Add(-2*time.Hour)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := w.Add(ctx, "org-1", 1, now.Add(-30*time.Minute)); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	state, err := w.State(ctx, "org-1", now)
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Count != 1 {
		t.Errorf("Count = %d, want 1", state.Count)
	}
}

func TestWindow_EmptyKey(t *testing.T) {
	_, w := setupWindow(t, time.Minute)

	state, err := w.State(context.Background(), "nobody", time.Now())
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state.Count != 0 {
		t.Errorf("Count = %d, want 0", state.Count)
	}
	if !state.Newest.IsZero() {
		t.Errorf("Newest = %v, want zero", state.Newest)
	}
}

func TestWindow_AddNothing(t *testing.T) {
	mr, w := setupWindow(t, time.Minute)

	if err := w.Add(context.Background(), "org-1", 0, time.Now()); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if mr.Exists("test:org-1") {
		t.Error("Add(0) should not create the key")
	}
}
