package ingest

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/aiqa/server/services/ingest/otlp"
)

var nativeJSON = jsoniter.Config{
	EscapeHTML: false,
	UseNumber:  true,
}.Froze()

// nativeSpan is the span shape posted to /span by the AIQA client exporters.
// Times are [seconds, nanoseconds] pairs and kinds use the SDK numbering
// (0 internal through 4 consumer).
type nativeSpan struct {
	Name         string         `json:"name"`
	Kind         int            `json:"kind"`
	TraceID      string         `json:"traceId"`
	SpanID       string         `json:"spanId"`
	ParentSpanID *string        `json:"parentSpanId"`
	TraceFlags   uint32         `json:"traceFlags"`
	StartTime    *nativeTime    `json:"startTime"`
	EndTime      *nativeTime    `json:"endTime"`
	Ended        *bool          `json:"ended"`
	Status       *nativeStatus  `json:"status"`
	Attributes   map[string]any `json:"attributes"`
	Events       []nativeEvent  `json:"events"`
	Links        []nativeLink   `json:"links"`
	Resource     struct {
		Attributes map[string]any `json:"attributes"`
	} `json:"resource"`
	InstrumentationLibrary struct {
		Name    string  `json:"name"`
		Version *string `json:"version"`
	} `json:"instrumentationLibrary"`
}

type nativeTime [2]int64

func (t *nativeTime) time() time.Time {
	if t == nil || (t[0] == 0 && t[1] == 0) {
		return time.Time{}
	}
	return time.Unix(t[0], t[1]).UTC()
}

type nativeStatus struct {
	Code    int     `json:"code"`
	Message *string `json:"message"`
}

type nativeEvent struct {
	Name       string         `json:"name"`
	Time       *nativeTime    `json:"time"`
	Attributes map[string]any `json:"attributes"`
}

type nativeLink struct {
	Context struct {
		TraceID string `json:"traceId"`
		SpanID  string `json:"spanId"`
	} `json:"context"`
	Attributes map[string]any `json:"attributes"`
}

// DecodeNativeSpans parses the client exporter's JSON array of spans into
// normalized spans, applying the same resource merge rules as Normalize.
func DecodeNativeSpans(body []byte) ([]Span, error) {
	var raw []nativeSpan
	if err := nativeJSON.Unmarshal(body, &raw); err != nil {
		return nil, &otlp.DecodeError{Kind: otlp.KindMalformedJSON, Err: err}
	}

	spans := make([]Span, 0, len(raw))
	for i := range raw {
		sp, err := raw[i].toSpan()
		if err != nil {
			return nil, &otlp.DecodeError{Kind: otlp.KindMalformedJSON, Err: fmt.Errorf("spans[%d]: %w", i, err)}
		}
		spans = append(spans, sp)
	}
	return spans, nil
}

func (n *nativeSpan) toSpan() (Span, error) {
	traceID, err := hexID(n.TraceID, 16)
	if err != nil {
		return Span{}, fmt.Errorf("traceId: %w", err)
	}
	spanID, err := hexID(n.SpanID, 8)
	if err != nil {
		return Span{}, fmt.Errorf("spanId: %w", err)
	}
	var parent string
	if n.ParentSpanID != nil && *n.ParentSpanID != "" {
		if parent, err = hexID(*n.ParentSpanID, 8); err != nil {
			return Span{}, fmt.Errorf("parentSpanId: %w", err)
		}
	}

	out := Span{
		ID:         spanID,
		TraceID:    traceID,
		ParentID:   parent,
		Name:       n.Name,
		Kind:       nativeSpanKind(n.Kind),
		Start:      n.StartTime.time(),
		Flags:      n.TraceFlags,
		Attributes: mergeAttributes(plainAttributes(n.Resource.Attributes), plainAttributes(n.Attributes)),
		Scope:      Scope{Name: n.InstrumentationLibrary.Name},
	}
	if n.InstrumentationLibrary.Version != nil {
		out.Scope.Version = *n.InstrumentationLibrary.Version
	}

	end := n.EndTime.time()
	out.Ended = !end.IsZero() && end.After(out.Start) && (n.Ended == nil || *n.Ended)
	if out.Ended {
		out.End = end
	}

	if n.Status != nil {
		out.Status.Code = StatusCode(n.Status.Code)
		if out.Status.Code < StatusUnset || out.Status.Code > StatusError {
			out.Status.Code = StatusUnset
		}
		if n.Status.Message != nil {
			out.Status.Message = *n.Status.Message
		}
	}

	for _, ev := range n.Events {
		out.Events = append(out.Events, SpanEvent{
			Name:       ev.Name,
			Time:       ev.Time.time(),
			Attributes: plainAttributes(ev.Attributes),
		})
	}
	for i, l := range n.Links {
		linkTrace, err := hexID(l.Context.TraceID, 16)
		if err != nil {
			return Span{}, fmt.Errorf("links[%d].traceId: %w", i, err)
		}
		linkSpan, err := hexID(l.Context.SpanID, 8)
		if err != nil {
			return Span{}, fmt.Errorf("links[%d].spanId: %w", i, err)
		}
		out.Links = append(out.Links, SpanLink{
			TraceID:    linkTrace,
			SpanID:     linkSpan,
			Attributes: plainAttributes(l.Attributes),
		})
	}
	return out, nil
}

func nativeSpanKind(k int) SpanKind {
	switch k {
	case 1:
		return SpanKindServer
	case 2:
		return SpanKindClient
	case 3:
		return SpanKindProducer
	case 4:
		return SpanKindConsumer
	default:
		return SpanKindInternal
	}
}

// hexID validates a hex identifier of size bytes and returns it lowercased,
// the form OTLP-decoded identifiers take.
func hexID(id string, size int) (string, error) {
	if len(id) != size*2 {
		return "", fmt.Errorf("invalid length %d, want %d hex characters", len(id), size*2)
	}
	if _, err := hex.DecodeString(id); err != nil {
		return "", fmt.Errorf("invalid hex: %w", err)
	}
	return strings.ToLower(id), nil
}

// plainAttributes resolves json.Number values into int64 or float64 so
// natively posted attributes match those decoded from OTLP.
func plainAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = plainValue(v)
	}
	return out
}

func plainValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		f, _ := t.Float64()
		return f
	case map[string]any:
		return plainAttributes(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = plainValue(e)
		}
		return out
	default:
		return v
	}
}
