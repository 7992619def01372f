// Package ingest provides the trace ingestion service: OTLP export handling,
// per-tenant rate limiting, span persistence and token/cost roll-up over each
// trace's span tree.
package ingest

import (
	"time"
)

// SpanKind describes the relationship of a span to its remote peers.
type SpanKind int

const (
	SpanKindInternal SpanKind = iota + 1
	SpanKindServer
	SpanKindClient
	SpanKindProducer
	SpanKindConsumer
)

// SpanKindToString returns the lower-case name used in storage.
func SpanKindToString(k SpanKind) string {
	switch k {
	case SpanKindServer:
		return "server"
	case SpanKindClient:
		return "client"
	case SpanKindProducer:
		return "producer"
	case SpanKindConsumer:
		return "consumer"
	default:
		return "internal"
	}
}

// StringToSpanKind parses a stored span kind. Unknown values are internal.
func StringToSpanKind(s string) SpanKind {
	switch s {
	case "server":
		return SpanKindServer
	case "client":
		return SpanKindClient
	case "producer":
		return SpanKindProducer
	case "consumer":
		return SpanKindConsumer
	default:
		return SpanKindInternal
	}
}

// StatusCode is the outcome of a span.
type StatusCode int

const (
	StatusUnset StatusCode = iota
	StatusOK
	StatusError
)

// StatusCodeToString returns the lower-case name used in storage.
func StatusCodeToString(c StatusCode) string {
	switch c {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	default:
		return "unset"
	}
}

// StringToStatusCode parses a stored status code.
func StringToStatusCode(s string) StatusCode {
	switch s {
	case "ok":
		return StatusOK
	case "error":
		return StatusError
	default:
		return StatusUnset
	}
}

// Status is the final status of a span.
type Status struct {
	Code    StatusCode `json:"code"`
	Message string     `json:"message,omitempty"`
}

// Scope identifies the instrumentation library that produced a span.
type Scope struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// SpanEvent is a timestamped annotation on a span.
type SpanEvent struct {
	Name       string         `json:"name"`
	Time       time.Time      `json:"time"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// SpanLink references a span in the same or another trace.
type SpanLink struct {
	TraceID    string         `json:"traceId"`
	SpanID     string         `json:"spanId"`
	TraceState string         `json:"traceState,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Span is a normalized span as persisted for one organisation.
//
// ID is unique within TraceID, and an empty ParentID marks a root. Spans are
// created unowned by normalization and receive their Organisation from the
// authenticated credential before they are written.
type Span struct {
	ID       string
	TraceID  string
	ParentID string
	Name     string
	Kind     SpanKind
	Start    time.Time
	End      time.Time
	// Ended is false while the span has no usable end time.
	Ended bool
	Status Status

	Attributes map[string]any
	Events     []SpanEvent
	Links      []SpanLink

	DroppedAttributesCount uint32
	DroppedEventsCount     uint32
	DroppedLinksCount      uint32

	Scope      Scope
	TraceState string
	Flags      uint32

	Organisation string
	Tags         []string
	Starred      bool
}

// Duration returns end minus start. An un-ended span has no duration.
func (s *Span) Duration() (time.Duration, bool) {
	if !s.Ended {
		return 0, false
	}
	return s.End.Sub(s.Start), true
}

// IsRoot reports whether the span has no parent.
func (s *Span) IsRoot() bool {
	return s.ParentID == ""
}

// TokenUsage reads the span's own token and cost attributes.
func (s *Span) TokenUsage() TokenStats {
	return TokenStatsFromAttributes(s.Attributes)
}

// CopySpan returns a deep copy of the span's mutable fields.
func CopySpan(s *Span) *Span {
	if s == nil {
		return nil
	}
	out := *s
	out.Attributes = copyAttributes(s.Attributes)
	if s.Events != nil {
		out.Events = make([]SpanEvent, len(s.Events))
		for i, ev := range s.Events {
			ev.Attributes = copyAttributes(ev.Attributes)
			out.Events[i] = ev
		}
	}
	if s.Links != nil {
		out.Links = make([]SpanLink, len(s.Links))
		for i, l := range s.Links {
			l.Attributes = copyAttributes(l.Attributes)
			out.Links[i] = l
		}
	}
	if s.Tags != nil {
		out.Tags = append([]string(nil), s.Tags...)
	}
	return &out
}

// copyAttributes copies the top level of an attribute map. Nested values are
// treated as immutable.
func copyAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
