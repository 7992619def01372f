// Package telemetry provides structured logging and self-tracing setup.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/aiqa/server/pkg/config"
)

// Config holds telemetry configuration.
type Config struct {
	ServiceName     string
	ServiceVersion  string
	Environment     string
	OTLPEndpoint    string
	TracingEnabled  bool
	TracingSampling float64
	LogLevel        string
	LogFormat       string

	// Output receives log records. Defaults to stdout.
	Output io.Writer
}

// ConfigFromBase derives telemetry settings from the service configuration.
func ConfigFromBase(base *config.Base) Config {
	return Config{
		ServiceName:     base.ServiceName,
		ServiceVersion:  base.Version,
		Environment:     base.Environment,
		OTLPEndpoint:    base.TracingEndpoint,
		TracingEnabled:  base.TracingEnabled,
		TracingSampling: base.TracingSampling,
		LogLevel:        base.LogLevel,
		LogFormat:       base.LogFormat,
	}
}

// Provider manages telemetry resources.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	logger         *slog.Logger
}

// Setup configures the default slog logger and, when enabled, an OTLP trace
// exporter for the server's own spans.
//
// Self-tracing exports over OTLP, which is also what this server ingests.
// Point OTLPEndpoint at a different collector than the server itself.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	p := &Provider{logger: NewLogger(cfg)}
	slog.SetDefault(p.logger)

	if cfg.TracingEnabled {
		tp, err := setupTracing(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to set up tracing: %w", err)
		}
		p.tracerProvider = tp
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		))
	}

	return p, nil
}

// Shutdown flushes pending spans and releases exporters.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		return p.tracerProvider.Shutdown(ctx)
	}
	return nil
}

// Logger returns the configured logger.
func (p *Provider) Logger() *slog.Logger {
	return p.logger
}

// Tracer returns a tracer for the given name.
func (p *Provider) Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// resolve to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger builds a logger tagged with the service identity.
func NewLogger(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	level := ParseLevel(cfg.LogLevel)
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler).With(
		"service", cfg.ServiceName,
		"version", cfg.ServiceVersion,
		"env", cfg.Environment,
	)
}

func setupTracing(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	sampler := sdktrace.ParentBased(
		sdktrace.TraceIDRatioBased(cfg.TracingSampling),
	)

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	), nil
}

// TraceIDFromContext returns the trace ID of the active span, if any.
func TraceIDFromContext(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().HasTraceID() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
