package ingest

import (
	"math"
	"time"

	"github.com/aiqa/server/services/ingest/otlp"
)

// Normalize flattens a decoded export request into spans, one per wire span,
// in request order. Resource attributes are merged into each span as defaults;
// span attributes win on conflict. The returned spans carry no organisation.
func Normalize(req *otlp.DecodedRequest) []Span {
	spans := make([]Span, 0, req.SpanCount())
	if req == nil {
		return spans
	}
	for _, rs := range req.ResourceSpans {
		resourceAttrs := storableAttributes(rs.Resource.Attributes)
		for _, ss := range rs.ScopeSpans {
			scope := Scope{Name: ss.Scope.Name, Version: ss.Scope.Version}
			for i := range ss.Spans {
				spans = append(spans, normalizeSpan(&ss.Spans[i], resourceAttrs, scope))
			}
		}
	}
	return spans
}

func normalizeSpan(sp *otlp.Span, resourceAttrs map[string]any, scope Scope) Span {
	out := Span{
		ID:                     sp.SpanID,
		TraceID:                sp.TraceID,
		ParentID:               sp.ParentSpanID,
		Name:                   sp.Name,
		Kind:                   spanKindFromOTLP(sp.Kind),
		Status:                 Status{Code: statusCodeFromOTLP(sp.Status.Code), Message: sp.Status.Message},
		Attributes:             mergeAttributes(resourceAttrs, storableAttributes(sp.Attributes)),
		DroppedAttributesCount: sp.DroppedAttributesCount,
		DroppedEventsCount:     sp.DroppedEventsCount,
		DroppedLinksCount:      sp.DroppedLinksCount,
		Scope:                  scope,
		TraceState:             sp.TraceState,
		Flags:                  sp.Flags,
	}
	out.Start, out.End, out.Ended = spanTimes(sp.StartTimeUnixNano, sp.EndTimeUnixNano)

	for _, ev := range sp.Events {
		out.Events = append(out.Events, SpanEvent{
			Name:       ev.Name,
			Time:       timeFromUnixNano(ev.TimeUnixNano),
			Attributes: storableAttributes(ev.Attributes),
		})
	}
	for _, l := range sp.Links {
		out.Links = append(out.Links, SpanLink{
			TraceID:    l.TraceID,
			SpanID:     l.SpanID,
			TraceState: l.TraceState,
			Attributes: storableAttributes(l.Attributes),
		})
	}
	return out
}

// storableAttributes resolves attribute values into plain Go values. NaN and
// infinite doubles become "NaN", "Infinity" and "-Infinity", the strings
// protojson uses, because JSON and JSONB cannot hold them as numbers.
func storableAttributes(attrs otlp.Attributes) map[string]any {
	out := otlp.AttributesToMap(attrs)
	for k, v := range out {
		out[k] = finiteValue(v)
	}
	return out
}

func finiteValue(v any) any {
	switch x := v.(type) {
	case float64:
		switch {
		case math.IsNaN(x):
			return "NaN"
		case math.IsInf(x, 1):
			return "Infinity"
		case math.IsInf(x, -1):
			return "-Infinity"
		}
	case []any:
		for i := range x {
			x[i] = finiteValue(x[i])
		}
	case map[string]any:
		for k := range x {
			x[k] = finiteValue(x[k])
		}
	}
	return v
}

// spanTimes converts start/end nanoseconds. A span whose end is missing or
// not after its start is reported as not ended, with a zero End.
func spanTimes(startNano, endNano uint64) (start, end time.Time, ended bool) {
	start = timeFromUnixNano(startNano)
	if endNano == 0 || endNano <= startNano {
		return start, time.Time{}, false
	}
	return start, timeFromUnixNano(endNano), true
}

func timeFromUnixNano(ns uint64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(ns)).UTC()
}

func mergeAttributes(defaults, attrs map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(attrs))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func spanKindFromOTLP(k otlp.SpanKind) SpanKind {
	switch k {
	case otlp.SpanKindServer:
		return SpanKindServer
	case otlp.SpanKindClient:
		return SpanKindClient
	case otlp.SpanKindProducer:
		return SpanKindProducer
	case otlp.SpanKindConsumer:
		return SpanKindConsumer
	default:
		return SpanKindInternal
	}
}

func statusCodeFromOTLP(c otlp.StatusCode) StatusCode {
	switch c {
	case otlp.StatusCodeOK:
		return StatusOK
	case otlp.StatusCodeError:
		return StatusError
	default:
		return StatusUnset
	}
}
