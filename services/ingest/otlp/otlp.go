// Package otlp decodes and encodes OTLP trace export requests.
//
// Requests arrive as binary protobuf, proto3 JSON, or as an in-memory
// ExportTraceServiceRequest from the gRPC transport. All three are resolved
// into a DecodedRequest with hex span identifiers and resolved attribute
// values.
package otlp

import (
	"errors"
	"fmt"
	"mime"
	"strings"
)

// ContentType is a supported request body encoding.
type ContentType int

const (
	ContentTypeUnknown ContentType = iota
	ContentTypeJSON
	ContentTypeProtobuf
)

const (
	MIMEJSON     = "application/json"
	MIMEProtobuf = "application/x-protobuf"
)

func (c ContentType) String() string {
	switch c {
	case ContentTypeJSON:
		return MIMEJSON
	case ContentTypeProtobuf:
		return MIMEProtobuf
	default:
		return "unknown"
	}
}

// ErrUnsupportedContentType is returned for bodies that are neither OTLP JSON
// nor OTLP protobuf.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// ParseContentType resolves a Content-Type header. Parameters are ignored.
func ParseContentType(header string) (ContentType, error) {
	mediaType, _, err := mime.ParseMediaType(header)
	if err != nil {
		mediaType = strings.TrimSpace(strings.SplitN(header, ";", 2)[0])
	}
	switch strings.ToLower(mediaType) {
	case MIMEJSON:
		return ContentTypeJSON, nil
	case MIMEProtobuf, "application/protobuf":
		return ContentTypeProtobuf, nil
	default:
		return ContentTypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedContentType, header)
	}
}

// ErrorKind classifies a decode failure by the encoding that failed.
type ErrorKind int

const (
	KindMalformedProtobuf ErrorKind = iota + 1
	KindMalformedJSON
)

func (k ErrorKind) String() string {
	switch k {
	case KindMalformedProtobuf:
		return "malformed protobuf"
	case KindMalformedJSON:
		return "malformed json"
	default:
		return "malformed request"
	}
}

// ErrMalformed matches every *DecodeError with errors.Is.
var ErrMalformed = errors.New("malformed export request")

// DecodeError reports a body that could not be decoded or failed validation.
type DecodeError struct {
	Kind ErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrMalformed }

// DecodedRequest is the canonical form of an export request.
type DecodedRequest struct {
	ResourceSpans []ResourceSpans
}

// SpanCount returns the number of spans across all resources and scopes.
func (r *DecodedRequest) SpanCount() int {
	if r == nil {
		return 0
	}
	n := 0
	for _, rs := range r.ResourceSpans {
		for _, ss := range rs.ScopeSpans {
			n += len(ss.Spans)
		}
	}
	return n
}

type ResourceSpans struct {
	Resource   Resource
	ScopeSpans []ScopeSpans
	SchemaURL  string
}

type Resource struct {
	Attributes             Attributes
	DroppedAttributesCount uint32
}

type ScopeSpans struct {
	Scope     Scope
	Spans     []Span
	SchemaURL string
}

type Scope struct {
	Name                   string
	Version                string
	Attributes             Attributes
	DroppedAttributesCount uint32
}

// Span is a decoded OTLP span. Identifiers are lowercase hex; ParentSpanID is
// empty for a root span. Timestamps are nanoseconds since the Unix epoch.
type Span struct {
	TraceID                string
	SpanID                 string
	ParentSpanID           string
	TraceState             string
	Flags                  uint32
	Name                   string
	Kind                   SpanKind
	StartTimeUnixNano      uint64
	EndTimeUnixNano        uint64
	Attributes             Attributes
	DroppedAttributesCount uint32
	Events                 []Event
	DroppedEventsCount     uint32
	Links                  []Link
	DroppedLinksCount      uint32
	Status                 Status
}

// SpanKind mirrors the OTLP span kind enumeration.
type SpanKind int32

const (
	SpanKindUnspecified SpanKind = iota
	SpanKindInternal
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

type Event struct {
	TimeUnixNano           uint64
	Name                   string
	Attributes             Attributes
	DroppedAttributesCount uint32
}

type Link struct {
	TraceID                string
	SpanID                 string
	TraceState             string
	Flags                  uint32
	Attributes             Attributes
	DroppedAttributesCount uint32
}

// StatusCode mirrors the OTLP status code enumeration.
type StatusCode int32

const (
	StatusCodeUnset StatusCode = iota
	StatusCodeOK
	StatusCodeError
)

type Status struct {
	Code    StatusCode
	Message string
}
