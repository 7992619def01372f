package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/klauspost/compress/gzip"
	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	spb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/aiqa/server/pkg/metrics"
	"github.com/aiqa/server/services/ingest/otlp"
)

const (
	// DefaultMaxBodyBytes limits request bodies after decompression.
	DefaultMaxBodyBytes = 16 << 20

	// StatusClientClosedRequest is reported when the client went away.
	StatusClientClosedRequest = 499

	HeaderRequestID          = "X-Request-ID"
	HeaderRetryAfter         = "Retry-After"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
)

var errBodyTooLarge = errors.New("request body too large")

type requestIDKey struct{}

// RequestIDFromContext returns the request ID assigned by the HTTP middleware.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// HTTPHandler serves OTLP/HTTP and the client exporter's native span endpoint.
type HTTPHandler struct {
	service      *Service
	metrics      *metrics.Collector
	logger       *slog.Logger
	maxBodyBytes int64
	now          func() time.Time
}

// NewHTTPHandler creates an HTTP handler. A non-positive maxBodyBytes uses
// DefaultMaxBodyBytes.
func NewHTTPHandler(service *Service, m *metrics.Collector, logger *slog.Logger, maxBodyBytes int64) *HTTPHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &HTTPHandler{
		service:      service,
		metrics:      m,
		logger:       logger.With("component", "http"),
		maxBodyBytes: maxBodyBytes,
		now:          time.Now,
	}
}

// RegisterRoutes adds the ingest routes to r.
func (h *HTTPHandler) RegisterRoutes(r *mux.Router) {
	r.Use(h.requestID, h.accessLog)

	r.HandleFunc("/v1/traces", h.Traces).Methods(http.MethodPost)
	r.HandleFunc("/span", h.NativeSpans).Methods(http.MethodPost)
	r.HandleFunc("/span", h.SearchSpans).Methods(http.MethodGet)
	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)
	r.Handle("/metrics", h.metrics.Handler()).Methods(http.MethodGet)
}

// Router returns a router serving the ingest routes.
func (h *HTTPHandler) Router() *mux.Router {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	return r
}

// Traces handles POST /v1/traces.
func (h *HTTPHandler) Traces(w http.ResponseWriter, r *http.Request) {
	// An unsupported content type is reported by the service after
	// authentication, so unauthenticated callers always see 401.
	ct, _ := otlp.ParseContentType(r.Header.Get("Content-Type"))

	body, err := h.readBody(r)
	if err != nil {
		h.writeBodyError(w, ct, err)
		return
	}

	if _, err := h.service.Export(r.Context(), r.Header.Get("Authorization"), body, ct); err != nil {
		h.writeServiceError(w, r, ct, err)
		return
	}

	if ct == otlp.ContentTypeProtobuf {
		out, _ := proto.Marshal(&coltracepb.ExportTraceServiceResponse{})
		w.Header().Set("Content-Type", otlp.MIMEProtobuf)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(out)
		return
	}
	w.Header().Set("Content-Type", otlp.MIMEJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("{}"))
}

type nativeResponse struct {
	Accepted int `json:"accepted"`
}

// NativeSpans handles POST /span.
func (h *HTTPHandler) NativeSpans(w http.ResponseWriter, r *http.Request) {
	body, err := h.readBody(r)
	if err != nil {
		h.writeBodyError(w, otlp.ContentTypeJSON, err)
		return
	}

	res, err := h.service.ExportNative(r.Context(), r.Header.Get("Authorization"), body)
	if err != nil {
		h.writeServiceError(w, r, otlp.ContentTypeJSON, err)
		return
	}

	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(nativeResponse{Accepted: res.Accepted})
	if err != nil {
		h.writeStatus(w, otlp.ContentTypeJSON, http.StatusInternalServerError, &spb.Status{
			Code:    int32(codes.Internal),
			Message: "failed to encode response",
		})
		return
	}
	w.Header().Set("Content-Type", otlp.MIMEJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

type searchResponse struct {
	Hits  []SpanView `json:"hits"`
	Total int        `json:"total"`
}

// SearchSpans handles GET /span?q=spanId:<id>&organisation=<org>&limit=1.
func (h *HTTPHandler) SearchSpans(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	res, err := h.service.Search(r.Context(), r.Header.Get("Authorization"), SearchRequest{
		Organisation: params.Get("organisation"),
		Query:        params.Get("q"),
		Limit:        params.Get("limit"),
		Offset:       params.Get("offset"),
	})
	if err != nil {
		h.writeServiceError(w, r, otlp.ContentTypeJSON, err)
		return
	}

	resp := searchResponse{Hits: make([]SpanView, len(res.Hits)), Total: res.Total}
	for i := range res.Hits {
		resp.Hits[i] = NewSpanView(&res.Hits[i])
	}
	out, err := jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(resp)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "failed to encode search response", "error", err)
		h.writeStatus(w, otlp.ContentTypeJSON, http.StatusInternalServerError, &spb.Status{
			Code:    int32(codes.Internal),
			Message: "failed to encode response",
		})
		return
	}
	w.Header().Set("Content-Type", otlp.MIMEJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// Health handles GET /health.
func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", otlp.MIMEJSON)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// readBody reads the request body, inflating gzip content encoding. Both the
// wire body and the inflated body are bounded by maxBodyBytes.
func (h *HTTPHandler) readBody(r *http.Request) ([]byte, error) {
	var reader io.Reader = http.MaxBytesReader(nil, r.Body, h.maxBodyBytes)

	switch encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); encoding {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(reader)
		if err != nil {
			return nil, h.bodyError(err)
		}
		defer gz.Close()
		reader = gz
	default:
		return nil, fmt.Errorf("%w: unsupported content encoding %q", otlp.ErrUnsupportedContentType, encoding)
	}

	var buf bytes.Buffer
	n, err := buf.ReadFrom(io.LimitReader(reader, h.maxBodyBytes+1))
	if err != nil {
		return nil, h.bodyError(err)
	}
	if n > h.maxBodyBytes {
		return nil, errBodyTooLarge
	}
	return buf.Bytes(), nil
}

func (h *HTTPHandler) bodyError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return errBodyTooLarge
	}
	return fmt.Errorf("%w: failed to read request body: %w", ErrBadRequest, err)
}

func (h *HTTPHandler) writeBodyError(w http.ResponseWriter, ct otlp.ContentType, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		h.writeStatus(w, ct, http.StatusRequestEntityTooLarge, &spb.Status{
			Code:    int32(codes.InvalidArgument),
			Message: fmt.Sprintf("request body exceeds %d bytes", h.maxBodyBytes),
		})
	case errors.Is(err, otlp.ErrUnsupportedContentType):
		h.writeStatus(w, ct, http.StatusUnsupportedMediaType, &spb.Status{
			Code:    int32(codes.InvalidArgument),
			Message: err.Error(),
		})
	default:
		h.writeStatus(w, ct, http.StatusBadRequest, &spb.Status{
			Code:    int32(codes.InvalidArgument),
			Message: badRequestReason(err),
		})
	}
}

func (h *HTTPHandler) writeServiceError(w http.ResponseWriter, r *http.Request, ct otlp.ContentType, err error) {
	var limited *RateLimitedError
	switch {
	case errors.As(err, &limited):
		retryAfter := limited.RetryAfter(h.now())
		st := &spb.Status{Code: int32(codes.ResourceExhausted), Message: limited.Error()}
		if detail, err := anypb.New(&errdetails.RetryInfo{RetryDelay: durationpb.New(retryAfter)}); err == nil {
			st.Details = append(st.Details, detail)
		}
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(int(retryAfter/time.Second)))
		w.Header().Set(HeaderRateLimitRemaining, strconv.Itoa(limited.Decision.Remaining))
		h.writeStatus(w, ct, http.StatusTooManyRequests, st)
	case errors.Is(err, ErrUnauthorized):
		h.writeStatus(w, ct, http.StatusUnauthorized, &spb.Status{
			Code:    int32(codes.Unauthenticated),
			Message: "authentication required",
		})
	case errors.Is(err, ErrForbidden):
		h.writeStatus(w, ct, http.StatusForbidden, &spb.Status{
			Code:    int32(codes.PermissionDenied),
			Message: "organisation does not match credential",
		})
	case errors.Is(err, ErrSearchUnsupported):
		h.writeStatus(w, ct, http.StatusNotImplemented, &spb.Status{
			Code:    int32(codes.Unimplemented),
			Message: err.Error(),
		})
	case errors.Is(err, otlp.ErrUnsupportedContentType):
		h.writeStatus(w, ct, http.StatusUnsupportedMediaType, &spb.Status{
			Code:    int32(codes.InvalidArgument),
			Message: fmt.Sprintf("unsupported content type %q", r.Header.Get("Content-Type")),
		})
	case errors.Is(err, ErrBadRequest):
		h.writeStatus(w, ct, http.StatusBadRequest, &spb.Status{
			Code:    int32(codes.InvalidArgument),
			Message: badRequestReason(err),
		})
	case errors.Is(err, context.Canceled):
		h.writeStatus(w, ct, StatusClientClosedRequest, &spb.Status{
			Code:    int32(codes.Canceled),
			Message: "request canceled",
		})
	case errors.Is(err, context.DeadlineExceeded):
		h.writeStatus(w, ct, http.StatusGatewayTimeout, &spb.Status{
			Code:    int32(codes.DeadlineExceeded),
			Message: "request timed out",
		})
	default:
		h.logger.ErrorContext(r.Context(), "request failed",
			"request_id", RequestIDFromContext(r.Context()),
			"error", err,
		)
		h.writeStatus(w, ct, http.StatusInternalServerError, &spb.Status{
			Code:    int32(codes.Internal),
			Message: "internal error",
		})
	}
}

// writeStatus writes st in the request's encoding. Unknown content types get JSON.
func (h *HTTPHandler) writeStatus(w http.ResponseWriter, ct otlp.ContentType, code int, st *spb.Status) {
	var (
		out  []byte
		mime string
		err  error
	)
	if ct == otlp.ContentTypeProtobuf {
		out, err = proto.Marshal(st)
		mime = otlp.MIMEProtobuf
	} else {
		out, err = protojson.Marshal(st)
		mime = otlp.MIMEJSON
	}
	if err != nil {
		h.logger.Error("failed to encode error status", "error", err)
		out, mime = nil, "text/plain"
	}

	w.Header().Set("Content-Type", mime)
	w.WriteHeader(code)
	_, _ = w.Write(out)
}

func (h *HTTPHandler) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(HeaderRequestID, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (h *HTTPHandler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		h.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"duration", time.Since(start),
			"request_id", RequestIDFromContext(r.Context()),
		)
	})
}
