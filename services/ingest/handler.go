package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/aiqa/server/pkg/grpcutil"
)

// Handler implements the OTLP TraceService gRPC interface.
type Handler struct {
	coltracepb.UnimplementedTraceServiceServer
	service *Service
	logger  *slog.Logger
	now     func() time.Time
}

// NewHandler creates a new trace service handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger.With("component", "grpc"),
		now:     time.Now,
	}
}

// Register registers the handler with a gRPC server.
func (h *Handler) Register(s *grpc.Server) {
	coltracepb.RegisterTraceServiceServer(s, h)
}

// Export ingests one OTLP export request. The credential is read from the
// authorization metadata entry.
func (h *Handler) Export(ctx context.Context, req *coltracepb.ExportTraceServiceRequest) (*coltracepb.ExportTraceServiceResponse, error) {
	if _, err := h.service.ExportProto(ctx, credentialFromMetadata(ctx), req); err != nil {
		return nil, h.toStatus(err)
	}
	return &coltracepb.ExportTraceServiceResponse{}, nil
}

func credentialFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get("authorization"); len(values) > 0 {
		return values[0]
	}
	return ""
}

// badRequestReason strips the ErrBadRequest prefix from err's message.
func badRequestReason(err error) string {
	return strings.TrimPrefix(err.Error(), ErrBadRequest.Error()+": ")
}

func (h *Handler) toStatus(err error) error {
	var limited *RateLimitedError
	switch {
	case errors.As(err, &limited):
		return grpcutil.ResourceExhaustedError(limited.Error(), limited.RetryAfter(h.now()))
	case errors.Is(err, ErrUnauthorized):
		return grpcutil.UnauthenticatedError("")
	case errors.Is(err, ErrBadRequest):
		return grpcutil.InvalidArgumentError(badRequestReason(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return grpcutil.ContextError(err)
	case errors.Is(err, ErrStorage):
		return grpcutil.InternalError(errors.New("failed to store spans"))
	default:
		h.logger.Error("export failed", "error", err)
		return grpcutil.InternalError(errors.New("export failed"))
	}
}
