package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"go.uber.org/goleak"

	"github.com/aiqa/server/pkg/config"
	"github.com/aiqa/server/pkg/ratelimit"
	"github.com/aiqa/server/pkg/testutil"
	"github.com/aiqa/server/services/ingest/otlp"
)

const (
	testKey    = "acme-key"
	testRootID = "b7ad6b7169203331"
	testLLMID  = "00f067aa0ba902b7"
)

// exportJSON is a two span OTLP/JSON request using hex identifiers.
const exportJSON = `{
  "resourceSpans": [{
    "resource": {"attributes": [{"key": "service.name", "value": {"stringValue": "agent"}}]},
    "scopeSpans": [{
      "scope": {"name": "aiqa-tracer"},
      "spans": [
        {
          "traceId": "0af7651916cd43dd8448eb211c80319c",
          "spanId": "b7ad6b7169203331",
          "name": "agent.run",
          "startTimeUnixNano": "1700000000000000000",
          "endTimeUnixNano": "1700000002000000000",
          "attributes": [{"key": "gen_ai.usage.input_tokens", "value": {"intValue": "10"}}]
        },
        {
          "traceId": "0af7651916cd43dd8448eb211c80319c",
          "spanId": "00f067aa0ba902b7",
          "parentSpanId": "b7ad6b7169203331",
          "name": "llm.call",
          "startTimeUnixNano": "1700000000500000000",
          "endTimeUnixNano": "1700000001000000000",
          "attributes": [{"key": "gen_ai.usage.input_tokens", "value": {"intValue": "100"}}]
        }
      ]
    }]
  }]
}`

// recordingLimiter is a RateLimiter that returns a fixed decision and
// records every call in order.
type recordingLimiter struct {
	mu       sync.Mutex
	decision *ratelimit.Decision
	calls    []string
	recorded map[string]int
}

func newRecordingLimiter(decision *ratelimit.Decision) *recordingLimiter {
	return &recordingLimiter{decision: decision, recorded: make(map[string]int)}
}

func (l *recordingLimiter) CheckRateLimit(_ context.Context, organisation string, _ int) *ratelimit.Decision {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "check:"+organisation)
	return l.decision
}

func (l *recordingLimiter) RecordSpanPosting(_ context.Context, organisation string, count int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, "record:"+organisation)
	l.recorded[organisation] += count
}

func (l *recordingLimiter) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *recordingLimiter) Recorded(organisation string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.recorded[organisation]
}

// failingWriter rejects every write.
type failingWriter struct{ err error }

func (w failingWriter) WriteSpans(context.Context, string, []Span) (int, error) {
	return 0, w.err
}

// slowLimiter allows every check and blocks recordings until released.
type slowLimiter struct {
	release  chan struct{}
	recorded atomic.Int64
}

func (l *slowLimiter) CheckRateLimit(context.Context, string, int) *ratelimit.Decision {
	return allowed()
}

func (l *slowLimiter) RecordSpanPosting(_ context.Context, _ string, count int) {
	<-l.release
	l.recorded.Add(int64(count))
}

func testKeys() *MemoryKeyStore {
	keys := NewMemoryKeyStore()
	keys.AddPlaintext(testKey, testOrg, "")
	return keys
}

type serviceFixture struct {
	service *Service
	store   *MemorySpanStore
	limiter *recordingLimiter
}

func newServiceFixture(t *testing.T, cfg ServiceConfig, decision *ratelimit.Decision) *serviceFixture {
	t.Helper()
	store := NewMemorySpanStore()
	limiter := newRecordingLimiter(decision)
	engine := NewEngine(store, testutil.DiscardLogger())
	svc := NewService(cfg, NewAuthenticator(testKeys()), limiter, store, engine, testutil.DiscardLogger())
	t.Cleanup(svc.Wait)
	return &serviceFixture{service: svc, store: store, limiter: limiter}
}

func allowed() *ratelimit.Decision {
	return &ratelimit.Decision{Allowed: true, Remaining: 100, ResetAt: time.Now().Add(time.Hour)}
}

func TestService_Export(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())

	res, err := f.service.Export(context.Background(), "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Organisation != testOrg || res.Accepted != 2 {
		t.Errorf("Export() = %+v, want organisation %q accepted 2", res, testOrg)
	}

	if n := f.store.Len(testOrg); n != 2 {
		t.Errorf("stored spans = %d, want 2", n)
	}
	if got := storedUsage(t, f.store, testRootID).InputTokens; got != 110 {
		t.Errorf("root input tokens = %d, want 110", got)
	}
	if got := storedUsage(t, f.store, testLLMID).InputTokens; got != 100 {
		t.Errorf("llm input tokens = %d, want 100", got)
	}

	f.service.Wait()
	calls := f.limiter.Calls()
	want := []string{"check:" + testOrg, "record:" + testOrg}
	if len(calls) != len(want) || calls[0] != want[0] || calls[1] != want[1] {
		t.Errorf("limiter calls = %v, want %v", calls, want)
	}
	if got := f.limiter.Recorded(testOrg); got != 2 {
		t.Errorf("recorded postings = %d, want 2", got)
	}
}

func TestService_ExportSetsOrganisation(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())

	if _, err := f.service.Export(context.Background(), "Bearer "+testKey, []byte(exportJSON), otlp.ContentTypeJSON); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	res, err := f.store.SearchSpans(context.Background(), SpanQuery{TraceID: testTraceID}, testOrg, 10, 0)
	if err != nil {
		t.Fatalf("SearchSpans() error = %v", err)
	}
	for _, sp := range res.Hits {
		if sp.Organisation != testOrg {
			t.Errorf("span %s organisation = %q, want %q", sp.ID, sp.Organisation, testOrg)
		}
	}
	if n := f.store.Len("other"); n != 0 {
		t.Errorf("spans stored under another organisation = %d", n)
	}
}

func TestService_ExportProtobufBody(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())

	decoded, err := otlp.Decode([]byte(exportJSON), otlp.ContentTypeJSON)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	body, err := otlp.Encode(decoded)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	res, err := f.service.Export(context.Background(), "ApiKey "+testKey, body, otlp.ContentTypeProtobuf)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", res.Accepted)
	}
	if got := storedUsage(t, f.store, testRootID).InputTokens; got != 110 {
		t.Errorf("root input tokens = %d, want 110", got)
	}
}

func TestService_EmptyRequest(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())
	ctx := context.Background()

	bodies := []struct {
		name string
		body []byte
		ct   otlp.ContentType
	}{
		{"json empty object", []byte(`{}`), otlp.ContentTypeJSON},
		{"json no resource spans", []byte(`{"resourceSpans": []}`), otlp.ContentTypeJSON},
		{"protobuf empty body", nil, otlp.ContentTypeProtobuf},
	}
	for _, tt := range bodies {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.service.Export(ctx, "ApiKey "+testKey, tt.body, tt.ct)
			if err != nil {
				t.Fatalf("Export() error = %v", err)
			}
			if res.Accepted != 0 {
				t.Errorf("Accepted = %d, want 0", res.Accepted)
			}
		})
	}

	if n := f.store.Len(testOrg); n != 0 {
		t.Errorf("stored spans = %d, want 0", n)
	}
	if got := f.limiter.Recorded(testOrg); got != 0 {
		t.Errorf("recorded postings = %d, want 0", got)
	}
}

func TestService_Unauthorized(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())

	for _, cred := range []string{"", "ApiKey wrong", "Basic " + testKey} {
		_, err := f.service.Export(context.Background(), cred, []byte(exportJSON), otlp.ContentTypeJSON)
		if !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Export(%q) error = %v, want ErrUnauthorized", cred, err)
		}
	}

	if calls := f.limiter.Calls(); len(calls) != 0 {
		t.Errorf("limiter calls = %v, want none before authentication", calls)
	}
	if n := f.store.Len(testOrg); n != 0 {
		t.Errorf("stored spans = %d, want 0", n)
	}
}

func TestService_RateLimited(t *testing.T) {
	resetAt := time.Now().Add(90 * time.Second)
	f := newServiceFixture(t, ServiceConfig{}, &ratelimit.Decision{Allowed: false, ResetAt: resetAt})

	// A malformed body still yields the rate limit error: admission runs before decoding.
	_, err := f.service.Export(context.Background(), "ApiKey "+testKey, []byte(`{not json`), otlp.ContentTypeJSON)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("Export() error = %v, want ErrRateLimited", err)
	}

	var rlErr *RateLimitedError
	if !errors.As(err, &rlErr) {
		t.Fatalf("Export() error type = %T, want *RateLimitedError", err)
	}
	if rlErr.Organisation != testOrg {
		t.Errorf("Organisation = %q, want %q", rlErr.Organisation, testOrg)
	}
	if !rlErr.Decision.ResetAt.Equal(resetAt) {
		t.Errorf("ResetAt = %v, want %v", rlErr.Decision.ResetAt, resetAt)
	}

	if n := f.store.Len(testOrg); n != 0 {
		t.Errorf("stored spans = %d, want 0", n)
	}
	if got := f.limiter.Recorded(testOrg); got != 0 {
		t.Errorf("recorded postings = %d, want 0", got)
	}
}

func TestRateLimitedError_RetryAfter(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		reset time.Duration
		want  time.Duration
	}{
		{90 * time.Second, 90 * time.Second},
		{1500 * time.Millisecond, 2 * time.Second},
		{10 * time.Millisecond, time.Second},
		{0, time.Second},
		{-time.Minute, time.Second},
	}
	for _, tt := range tests {
		e := &RateLimitedError{Decision: &ratelimit.Decision{ResetAt: now.Add(tt.reset)}}
		if got := e.RetryAfter(now); got != tt.want {
			t.Errorf("RetryAfter(reset in %v) = %v, want %v", tt.reset, got, tt.want)
		}
	}
}

func TestService_FailOpen(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, nil)

	res, err := f.service.Export(context.Background(), "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", res.Accepted)
	}
}

func TestService_NoLimiter(t *testing.T) {
	store := NewMemorySpanStore()
	svc := NewService(ServiceConfig{}, NewAuthenticator(testKeys()), nil, store, nil, testutil.DiscardLogger())

	res, err := svc.Export(context.Background(), "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", res.Accepted)
	}
	// No engine: spans keep their own usage.
	if got := storedUsage(t, store, testRootID).InputTokens; got != 10 {
		t.Errorf("root input tokens = %d, want 10", got)
	}
}

func TestService_BadRequest(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())
	ctx := context.Background()

	tests := []struct {
		name string
		body string
		ct   otlp.ContentType
		kind otlp.ErrorKind
	}{
		{"truncated json", `{"resourceSpans": [`, otlp.ContentTypeJSON, otlp.KindMalformedJSON},
		{"bad trace id", `{"resourceSpans":[{"scopeSpans":[{"spans":[{"traceId":"abc","spanId":"b7ad6b7169203331"}]}]}]}`, otlp.ContentTypeJSON, otlp.KindMalformedJSON},
		{"garbage protobuf", "\xff\xff\xff\xff", otlp.ContentTypeProtobuf, otlp.KindMalformedProtobuf},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.Export(ctx, "ApiKey "+testKey, []byte(tt.body), tt.ct)
			if !errors.Is(err, ErrBadRequest) {
				t.Fatalf("Export() error = %v, want ErrBadRequest", err)
			}
			var decodeErr *otlp.DecodeError
			if !errors.As(err, &decodeErr) || decodeErr.Kind != tt.kind {
				t.Errorf("Export() error = %v, want %v DecodeError", err, tt.kind)
			}
		})
	}

	if n := f.store.Len(testOrg); n != 0 {
		t.Errorf("stored spans = %d, want 0", n)
	}
	if got := f.limiter.Recorded(testOrg); got != 0 {
		t.Errorf("recorded postings = %d, want 0", got)
	}
}

func TestService_UnsupportedContentType(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())

	_, err := f.service.Export(context.Background(), "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeUnknown)
	if !errors.Is(err, otlp.ErrUnsupportedContentType) {
		t.Errorf("Export() error = %v, want ErrUnsupportedContentType", err)
	}

	_, err = f.service.Export(context.Background(), "", []byte(exportJSON), otlp.ContentTypeUnknown)
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("Export() without credential error = %v, want ErrUnauthorized", err)
	}
}

func TestService_StorageFailure(t *testing.T) {
	writeErr := errors.New("disk full")
	limiter := newRecordingLimiter(allowed())
	svc := NewService(ServiceConfig{}, NewAuthenticator(testKeys()), limiter, failingWriter{err: writeErr}, nil, testutil.DiscardLogger())

	_, err := svc.Export(context.Background(), "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON)
	if !errors.Is(err, ErrStorage) {
		t.Errorf("Export() error = %v, want ErrStorage", err)
	}
	if !errors.Is(err, writeErr) {
		t.Errorf("Export() error = %v, want wrapped write error", err)
	}
	if got := limiter.Recorded(testOrg); got != 0 {
		t.Errorf("recorded postings = %d, want 0 after a failed write", got)
	}
}

func TestService_CanceledBeforeWrite(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.service.Export(ctx, "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Export() error = %v, want context.Canceled", err)
	}
	if n := f.store.Len(testOrg); n != 0 {
		t.Errorf("stored spans = %d, want 0", n)
	}
}

func TestService_ExportNative(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())

	res, err := f.service.ExportNative(context.Background(), "ApiKey "+testKey, []byte(nativeBatch))
	if err != nil {
		t.Fatalf("ExportNative() error = %v", err)
	}
	if res.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", res.Accepted)
	}
	// The un-ended child carries only cost.
	usage := storedUsage(t, f.store, testRootID)
	if usage.InputTokens != 9007199254740993 || usage.Cost != 0.002 {
		t.Errorf("root usage = %+v, want own tokens plus child cost", usage)
	}
	f.service.Wait()
	if got := f.limiter.Recorded(testOrg); got != 2 {
		t.Errorf("recorded postings = %d, want 2", got)
	}

	if _, err := f.service.ExportNative(context.Background(), "ApiKey "+testKey, []byte(`{"name": "x"}`)); !errors.Is(err, ErrBadRequest) {
		t.Errorf("ExportNative(object) error = %v, want ErrBadRequest", err)
	}
}

func TestService_ExportProto(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())

	req, err := otlp.UnmarshalJSON([]byte(exportJSON))
	if err != nil {
		t.Fatalf("UnmarshalJSON() error = %v", err)
	}
	res, err := f.service.ExportProto(context.Background(), "ApiKey "+testKey, req)
	if err != nil {
		t.Fatalf("ExportProto() error = %v", err)
	}
	if res.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", res.Accepted)
	}

	bad := &coltracepb.ExportTraceServiceRequest{ResourceSpans: []*tracepb.ResourceSpans{{
		ScopeSpans: []*tracepb.ScopeSpans{{Spans: []*tracepb.Span{{TraceId: []byte{1, 2, 3}, SpanId: make([]byte, 8)}}}},
	}}}
	if _, err := f.service.ExportProto(context.Background(), "ApiKey "+testKey, bad); !errors.Is(err, ErrBadRequest) {
		t.Errorf("ExportProto(short trace id) error = %v, want ErrBadRequest", err)
	}
}

func TestService_AsyncPropagation(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newServiceFixture(t, ServiceConfig{PropagationMode: config.PropagationAsync}, allowed())

	if _, err := f.service.Export(context.Background(), "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	f.service.Wait()

	if got := storedUsage(t, f.store, testRootID).InputTokens; got != 110 {
		t.Errorf("root input tokens after Wait() = %d, want 110", got)
	}
}

func TestService_PropagationSurvivesCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())
	f := newServiceFixture(t, ServiceConfig{PropagationMode: config.PropagationAsync}, allowed())
	ctx, cancel := context.WithCancel(context.Background())

	if _, err := f.service.Export(ctx, "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	cancel()
	f.service.Wait()

	if got := storedUsage(t, f.store, testRootID).InputTokens; got != 110 {
		t.Errorf("root input tokens = %d, want 110", got)
	}
}

func TestService_RedisRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	limiter := ratelimit.New(ratelimit.Config{Limit: 2, Window: time.Hour}, testutil.DiscardLogger())
	if err := limiter.Init(context.Background(), "redis://"+mr.Addr()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	t.Cleanup(func() { limiter.Close() })

	store := NewMemorySpanStore()
	svc := NewService(ServiceConfig{}, NewAuthenticator(testKeys()), limiter, store, NewEngine(store, testutil.DiscardLogger()), testutil.DiscardLogger())
	t.Cleanup(svc.Wait)
	ctx := context.Background()

	// Two spans put the organisation at its limit, which is still allowed.
	if _, err := svc.Export(ctx, "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON); err != nil {
		t.Fatalf("first Export() error = %v", err)
	}
	svc.Wait()
	if _, err := svc.Export(ctx, "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON); err != nil {
		t.Fatalf("second Export() error = %v", err)
	}
	svc.Wait()

	_, err := svc.Export(ctx, "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON)
	var rlErr *RateLimitedError
	if !errors.As(err, &rlErr) {
		t.Fatalf("third Export() error = %v, want *RateLimitedError", err)
	}
	if rlErr.Decision.Remaining != 0 {
		t.Errorf("Remaining = %d, want 0", rlErr.Decision.Remaining)
	}

	// Store outage fails open.
	mr.Close()
	if _, err := svc.Export(ctx, "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON); err != nil {
		t.Errorf("Export() with redis down error = %v, want fail open", err)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrUnauthorized, "unauthorized"},
		{&RateLimitedError{Decision: &ratelimit.Decision{}}, "rate_limited"},
		{ErrBadRequest, "bad_request"},
		{context.Canceled, "canceled"},
		{ErrStorage, "error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestService_ExportNonFiniteDoubleToPostgres(t *testing.T) {
	store, mock := newMockSpanStore(t)
	logger := testutil.DiscardLogger()
	svc := NewService(ServiceConfig{}, NewAuthenticator(testKeys()), nil, store, NewEngine(store, logger), logger)
	t.Cleanup(svc.Wait)

	mock.ExpectBegin()
	mock.ExpectPrepare("INSERT INTO spans").ExpectExec().WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	body := `{"resourceSpans": [{"scopeSpans": [{"spans": [{
		"traceId": "0af7651916cd43dd8448eb211c80319c",
		"spanId": "0123456789abcdef",
		"name": "judge",
		"attributes": [{"key": "eval.score", "value": {"doubleValue": "NaN"}}]
	}]}]}]}`
	res, err := svc.Export(context.Background(), "ApiKey "+testKey, []byte(body), otlp.ContentTypeJSON)
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if res.Accepted != 1 {
		t.Errorf("Accepted = %d, want 1", res.Accepted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestService_RecordingDoesNotBlockExport(t *testing.T) {
	limiter := &slowLimiter{release: make(chan struct{})}
	store := NewMemorySpanStore()
	logger := testutil.DiscardLogger()
	svc := NewService(ServiceConfig{}, NewAuthenticator(testKeys()), limiter, store, NewEngine(store, logger), logger)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Export(context.Background(), "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Export() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		close(limiter.release)
		t.Fatal("Export() waited for usage recording")
	}

	if got := limiter.recorded.Load(); got != 0 {
		t.Errorf("recorded before release = %d, want 0", got)
	}
	close(limiter.release)
	svc.Wait()
	if got := limiter.recorded.Load(); got != 2 {
		t.Errorf("recorded after Wait() = %d, want 2", got)
	}
}

func TestService_NativeUppercaseChildReachesOTLPParent(t *testing.T) {
	f := newServiceFixture(t, ServiceConfig{}, allowed())
	ctx := context.Background()

	if _, err := f.service.Export(ctx, "ApiKey "+testKey, []byte(exportJSON), otlp.ContentTypeJSON); err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	child := `[{
		"name": "tool.call",
		"traceId": "0AF7651916CD43DD8448EB211C80319C",
		"spanId": "AAAAAAAAAAAAAAAA",
		"parentSpanId": "B7AD6B7169203331",
		"startTime": [1700000001, 0],
		"attributes": {"gen_ai.usage.input_tokens": 5}
	}]`
	if _, err := f.service.ExportNative(ctx, "ApiKey "+testKey, []byte(child)); err != nil {
		t.Fatalf("ExportNative() error = %v", err)
	}

	if got := storedUsage(t, f.store, testRootID).InputTokens; got != 115 {
		t.Errorf("root input tokens = %d, want 115", got)
	}
}
