// Package testutil provides testing utilities for AIQA services.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

const bufSize = 1024 * 1024

// TestServer provides an in-memory gRPC server for testing.
type TestServer struct {
	Listener *bufconn.Listener
	Server   *grpc.Server
}

// NewTestServer creates a new in-memory test server.
func NewTestServer(opts ...grpc.ServerOption) *TestServer {
	return &TestServer{
		Listener: bufconn.Listen(bufSize),
		Server:   grpc.NewServer(opts...),
	}
}

// Start starts the test server in a goroutine.
func (ts *TestServer) Start() {
	go func() {
		// Serve returns once Stop is called.
		_ = ts.Server.Serve(ts.Listener)
	}()
}

// Stop stops the test server.
func (ts *TestServer) Stop() {
	ts.Server.Stop()
}

// Dial creates a client connection to the test server.
func (ts *TestServer) Dial(ctx context.Context) (*grpc.ClientConn, error) {
	return grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return ts.Listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
}

// TestLogger returns a logger for testing.
func TestLogger(t *testing.T) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})).With("test", t.Name())
}

// DiscardLogger returns a logger that discards all output.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// WaitFor waits for a condition to become true.
func WaitFor(t *testing.T, timeout time.Duration, condition func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timeout waiting for condition: %s", msg)
}

// TestContext returns a context with a test timeout.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}
