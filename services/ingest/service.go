package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"

	"github.com/aiqa/server/pkg/config"
	"github.com/aiqa/server/pkg/metrics"
	"github.com/aiqa/server/pkg/ratelimit"
	"github.com/aiqa/server/services/ingest/otlp"
)

// Transport labels used in logs and metrics.
const (
	TransportHTTP   = "http"
	TransportGRPC   = "grpc"
	TransportNative = "native"
)

// DefaultPropagationTimeout bounds one propagation run.
const DefaultPropagationTimeout = 30 * time.Second

var (
	// ErrUnauthorized is returned for missing, malformed or unknown credentials.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrRateLimited matches every *RateLimitedError.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrBadRequest wraps payloads that could not be decoded.
	ErrBadRequest = errors.New("bad request")
	// ErrStorage wraps failures to persist accepted spans.
	ErrStorage = errors.New("storage failure")
)

// RateLimitedError is returned when an organisation is over its span limit.
type RateLimitedError struct {
	Organisation string
	Decision     *ratelimit.Decision
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for organisation %q, resets at %s",
		e.Organisation, e.Decision.ResetAt.UTC().Format(time.RFC3339))
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// RetryAfter returns how long the caller should wait, rounded up to whole
// seconds and never less than one second.
func (e *RateLimitedError) RetryAfter(now time.Time) time.Duration {
	secs := (e.Decision.ResetAt.Sub(now) + time.Second - 1) / time.Second
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}

// RateLimiter is the admission control the service consults.
// *ratelimit.Limiter implements it.
type RateLimiter interface {
	// CheckRateLimit returns nil when no decision could be made.
	CheckRateLimit(ctx context.Context, organisation string, limit int) *ratelimit.Decision
	RecordSpanPosting(ctx context.Context, organisation string, count int)
}

// ExportResult describes an accepted export request.
type ExportResult struct {
	Organisation string
	Accepted     int
}

// ServiceConfig holds Service settings.
type ServiceConfig struct {
	// RateLimit is the per-window span limit; zero uses the limiter default.
	RateLimit          int
	PropagationMode    config.PropagationMode
	PropagationTimeout time.Duration
	Metrics            *metrics.Collector
	Tracer             trace.Tracer
}

// Service runs export requests through authentication, admission control,
// decoding, persistence and token propagation.
type Service struct {
	cfg     ServiceConfig
	auth    *Authenticator
	limiter RateLimiter
	store   SpanWriter
	engine  *Engine
	logger  *slog.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer

	inflight sync.WaitGroup
}

// NewService creates an ingest service. limiter and engine may be nil, which
// disables rate limiting and propagation respectively.
func NewService(cfg ServiceConfig, auth *Authenticator, limiter RateLimiter, store SpanWriter, engine *Engine, logger *slog.Logger) *Service {
	if cfg.PropagationMode == "" {
		cfg.PropagationMode = config.PropagationSync
	}
	if cfg.PropagationTimeout <= 0 {
		cfg.PropagationTimeout = DefaultPropagationTimeout
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/aiqa/server/services/ingest")
	}
	return &Service{
		cfg:     cfg,
		auth:    auth,
		limiter: limiter,
		store:   store,
		engine:  engine,
		logger:  logger.With("component", "ingest"),
		metrics: cfg.Metrics,
		tracer:  tracer,
	}
}

// Export ingests an OTLP/HTTP request body of the given content type.
func (s *Service) Export(ctx context.Context, credential string, body []byte, ct otlp.ContentType) (*ExportResult, error) {
	return s.export(ctx, TransportHTTP, credential, func() ([]Span, error) {
		req, err := otlp.Decode(body, ct)
		if err != nil {
			return nil, err
		}
		return Normalize(req), nil
	})
}

// ExportProto ingests an already unmarshalled OTLP request.
func (s *Service) ExportProto(ctx context.Context, credential string, req *coltracepb.ExportTraceServiceRequest) (*ExportResult, error) {
	return s.export(ctx, TransportGRPC, credential, func() ([]Span, error) {
		decoded, err := otlp.FromProto(req)
		if err != nil {
			return nil, err
		}
		return Normalize(decoded), nil
	})
}

// ExportNative ingests a JSON array of spans in the client exporter format.
func (s *Service) ExportNative(ctx context.Context, credential string, body []byte) (*ExportResult, error) {
	return s.export(ctx, TransportNative, credential, func() ([]Span, error) {
		return DecodeNativeSpans(body)
	})
}

// Wait blocks until background propagation runs and usage recordings have
// finished.
func (s *Service) Wait() {
	s.inflight.Wait()
}

func (s *Service) export(ctx context.Context, transport, credential string, decode func() ([]Span, error)) (*ExportResult, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ingest.Export", trace.WithAttributes(attribute.String("ingest.transport", transport)))
	defer span.End()

	result, err := s.process(ctx, transport, credential, decode)
	s.metrics.ObserveRequest(transport, outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome(err))
		return nil, err
	}

	s.metrics.AddSpans(transport, result.Accepted)
	span.SetAttributes(
		attribute.String("ingest.organisation", result.Organisation),
		attribute.Int("ingest.accepted", result.Accepted),
	)
	return result, nil
}

func (s *Service) process(ctx context.Context, transport, credential string, decode func() ([]Span, error)) (*ExportResult, error) {
	key, err := s.auth.Authenticate(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			s.logger.DebugContext(ctx, "rejected unauthenticated export", "transport", transport, "error", err)
			return nil, err
		}
		s.logger.ErrorContext(ctx, "failed to authenticate export", "transport", transport, "error", err)
		return nil, err
	}
	org := key.Organisation

	if s.limiter != nil {
		if d := s.limiter.CheckRateLimit(ctx, org, s.cfg.RateLimit); d != nil && !d.Allowed {
			s.logger.InfoContext(ctx, "export rate limited",
				"organisation", org,
				"transport", transport,
				"reset_at", d.ResetAt,
			)
			return nil, &RateLimitedError{Organisation: org, Decision: d}
		}
	}

	spans, err := decode()
	if err != nil {
		s.logger.DebugContext(ctx, "rejected malformed export", "organisation", org, "transport", transport, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}

	result := &ExportResult{Organisation: org}
	if len(spans) == 0 {
		return result, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	for i := range spans {
		spans[i].Organisation = org
	}
	n, err := s.store.WriteSpans(ctx, org, spans)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to write spans",
			"organisation", org,
			"count", len(spans),
			"error", err,
		)
		return nil, fmt.Errorf("%w: failed to write spans: %w", ErrStorage, err)
	}
	result.Accepted = n

	s.propagate(ctx, spans)

	if s.limiter != nil {
		// Usage is recorded off the response path; Wait drains it.
		s.inflight.Add(1)
		go func(ctx context.Context, count int) {
			defer s.inflight.Done()
			s.limiter.RecordSpanPosting(ctx, org, count)
		}(context.WithoutCancel(ctx), len(spans))
	}

	s.logger.DebugContext(ctx, "spans accepted", "organisation", org, "transport", transport, "count", n)
	return result, nil
}

// propagate runs the engine over a persisted batch. The run is detached from
// request cancellation.
func (s *Service) propagate(ctx context.Context, spans []Span) {
	if s.engine == nil {
		return
	}

	run := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, s.cfg.PropagationTimeout)
		defer cancel()
		res := s.engine.Run(ctx, spans)
		if res.Failed > 0 {
			s.logger.WarnContext(ctx, "propagation incomplete", "updated", res.Updated, "failed", res.Failed)
		}
	}

	ctx = context.WithoutCancel(ctx)
	if s.cfg.PropagationMode != config.PropagationAsync {
		run(ctx)
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		run(ctx)
	}()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrUnauthorized):
		return metrics.OutcomeUnauthorized
	case errors.Is(err, ErrRateLimited):
		return metrics.OutcomeRateLimited
	case errors.Is(err, ErrBadRequest):
		return metrics.OutcomeBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCanceled
	default:
		return metrics.OutcomeError
	}
}
