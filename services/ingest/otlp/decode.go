package otlp

import (
	"encoding/hex"
	"fmt"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	traceIDSize = 16
	spanIDSize  = 8
)

var jsonUnmarshal = protojson.UnmarshalOptions{DiscardUnknown: true}

// Decode parses an export request body in the given encoding.
func Decode(body []byte, ct ContentType) (*DecodedRequest, error) {
	switch ct {
	case ContentTypeProtobuf:
		var req coltracepb.ExportTraceServiceRequest
		if err := proto.Unmarshal(body, &req); err != nil {
			return nil, &DecodeError{Kind: KindMalformedProtobuf, Err: err}
		}
		return fromProto(&req, KindMalformedProtobuf)
	case ContentTypeJSON:
		req, err := UnmarshalJSON(body)
		if err != nil {
			return nil, err
		}
		return fromProto(req, KindMalformedJSON)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, ct)
	}
}

// UnmarshalJSON parses an OTLP/JSON body into the protobuf message. Hex
// encoded identifiers are accepted alongside the proto3 base64 form.
func UnmarshalJSON(body []byte) (*coltracepb.ExportTraceServiceRequest, error) {
	normalized, err := rewriteHexIDs(body)
	if err != nil {
		return nil, &DecodeError{Kind: KindMalformedJSON, Err: err}
	}
	var req coltracepb.ExportTraceServiceRequest
	if err := jsonUnmarshal.Unmarshal(normalized, &req); err != nil {
		return nil, &DecodeError{Kind: KindMalformedJSON, Err: err}
	}
	return &req, nil
}

// FromProto validates and converts an in-memory request, as handed over by
// the gRPC transport.
func FromProto(req *coltracepb.ExportTraceServiceRequest) (*DecodedRequest, error) {
	return fromProto(req, KindMalformedProtobuf)
}

func fromProto(req *coltracepb.ExportTraceServiceRequest, kind ErrorKind) (*DecodedRequest, error) {
	out := &DecodedRequest{}
	if req == nil {
		return out, nil
	}
	var d decoder
	out.ResourceSpans = make([]ResourceSpans, 0, len(req.GetResourceSpans()))
	for i, rs := range req.GetResourceSpans() {
		if rs == nil {
			continue
		}
		decoded, err := d.resourceSpans(rs)
		if err != nil {
			return nil, &DecodeError{Kind: kind, Err: fmt.Errorf("resourceSpans[%d]: %w", i, err)}
		}
		out.ResourceSpans = append(out.ResourceSpans, decoded)
	}
	return out, nil
}

// decoder converts protobuf messages into their decoded form.
type decoder struct{}

func (d decoder) resourceSpans(rs *tracepb.ResourceSpans) (ResourceSpans, error) {
	out := ResourceSpans{SchemaURL: rs.GetSchemaUrl()}
	if res := rs.GetResource(); res != nil {
		attrs, err := d.attributes(res.GetAttributes())
		if err != nil {
			return out, fmt.Errorf("resource: %w", err)
		}
		out.Resource = Resource{Attributes: attrs, DroppedAttributesCount: res.GetDroppedAttributesCount()}
	}
	out.ScopeSpans = make([]ScopeSpans, 0, len(rs.GetScopeSpans()))
	for i, ss := range rs.GetScopeSpans() {
		if ss == nil {
			continue
		}
		decoded, err := d.scopeSpans(ss)
		if err != nil {
			return out, fmt.Errorf("scopeSpans[%d]: %w", i, err)
		}
		out.ScopeSpans = append(out.ScopeSpans, decoded)
	}
	return out, nil
}

func (d decoder) scopeSpans(ss *tracepb.ScopeSpans) (ScopeSpans, error) {
	out := ScopeSpans{SchemaURL: ss.GetSchemaUrl()}
	if scope := ss.GetScope(); scope != nil {
		attrs, err := d.attributes(scope.GetAttributes())
		if err != nil {
			return out, fmt.Errorf("scope: %w", err)
		}
		out.Scope = Scope{
			Name:                   scope.GetName(),
			Version:                scope.GetVersion(),
			Attributes:             attrs,
			DroppedAttributesCount: scope.GetDroppedAttributesCount(),
		}
	}
	out.Spans = make([]Span, 0, len(ss.GetSpans()))
	for i, sp := range ss.GetSpans() {
		if sp == nil {
			continue
		}
		decoded, err := d.span(sp)
		if err != nil {
			return out, fmt.Errorf("spans[%d]: %w", i, err)
		}
		out.Spans = append(out.Spans, decoded)
	}
	return out, nil
}

func (d decoder) span(sp *tracepb.Span) (Span, error) {
	var out Span
	var err error
	if out.TraceID, err = encodeID(sp.GetTraceId(), traceIDSize, false); err != nil {
		return out, fmt.Errorf("traceId: %w", err)
	}
	if out.SpanID, err = encodeID(sp.GetSpanId(), spanIDSize, false); err != nil {
		return out, fmt.Errorf("spanId: %w", err)
	}
	if out.ParentSpanID, err = encodeID(sp.GetParentSpanId(), spanIDSize, true); err != nil {
		return out, fmt.Errorf("parentSpanId: %w", err)
	}
	if out.Attributes, err = d.attributes(sp.GetAttributes()); err != nil {
		return out, fmt.Errorf("span %s: %w", out.SpanID, err)
	}

	out.TraceState = sp.GetTraceState()
	out.Flags = sp.GetFlags()
	out.Name = sp.GetName()
	out.Kind = SpanKind(sp.GetKind())
	out.StartTimeUnixNano = sp.GetStartTimeUnixNano()
	out.EndTimeUnixNano = sp.GetEndTimeUnixNano()
	out.DroppedAttributesCount = sp.GetDroppedAttributesCount()
	out.DroppedEventsCount = sp.GetDroppedEventsCount()
	out.DroppedLinksCount = sp.GetDroppedLinksCount()
	if st := sp.GetStatus(); st != nil {
		out.Status = Status{Code: StatusCode(st.GetCode()), Message: st.GetMessage()}
	}

	for i, ev := range sp.GetEvents() {
		if ev == nil {
			continue
		}
		attrs, err := d.attributes(ev.GetAttributes())
		if err != nil {
			return out, fmt.Errorf("events[%d]: %w", i, err)
		}
		out.Events = append(out.Events, Event{
			TimeUnixNano:           ev.GetTimeUnixNano(),
			Name:                   ev.GetName(),
			Attributes:             attrs,
			DroppedAttributesCount: ev.GetDroppedAttributesCount(),
		})
	}
	for i, l := range sp.GetLinks() {
		if l == nil {
			continue
		}
		link := Link{
			TraceState:             l.GetTraceState(),
			Flags:                  l.GetFlags(),
			DroppedAttributesCount: l.GetDroppedAttributesCount(),
		}
		if link.TraceID, err = encodeID(l.GetTraceId(), traceIDSize, false); err != nil {
			return out, fmt.Errorf("links[%d].traceId: %w", i, err)
		}
		if link.SpanID, err = encodeID(l.GetSpanId(), spanIDSize, false); err != nil {
			return out, fmt.Errorf("links[%d].spanId: %w", i, err)
		}
		if link.Attributes, err = d.attributes(l.GetAttributes()); err != nil {
			return out, fmt.Errorf("links[%d]: %w", i, err)
		}
		out.Links = append(out.Links, link)
	}
	return out, nil
}

func (d decoder) attributes(kvs []*commonpb.KeyValue) (Attributes, error) {
	attrs := make(Attributes, len(kvs))
	for _, kv := range kvs {
		if kv == nil {
			continue
		}
		v, err := d.value(kv.GetValue())
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", kv.GetKey(), err)
		}
		attrs[kv.GetKey()] = v
	}
	return attrs, nil
}

func (d decoder) value(av *commonpb.AnyValue) (Value, error) {
	if av == nil {
		return Value{}, fmt.Errorf("value has no populated field")
	}
	switch v := av.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return StringValue(v.StringValue), nil
	case *commonpb.AnyValue_BoolValue:
		return BoolValue(v.BoolValue), nil
	case *commonpb.AnyValue_IntValue:
		return IntValue(v.IntValue), nil
	case *commonpb.AnyValue_DoubleValue:
		return DoubleValue(v.DoubleValue), nil
	case *commonpb.AnyValue_BytesValue:
		return BytesValue(v.BytesValue), nil
	case *commonpb.AnyValue_ArrayValue:
		values := make([]Value, 0, len(v.ArrayValue.GetValues()))
		for i, e := range v.ArrayValue.GetValues() {
			ev, err := d.value(e)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			values = append(values, ev)
		}
		return ArrayValue(values...), nil
	case *commonpb.AnyValue_KvlistValue:
		kv, err := d.attributes(v.KvlistValue.GetValues())
		if err != nil {
			return Value{}, err
		}
		return MapValue(kv), nil
	default:
		return Value{}, fmt.Errorf("value has no populated field")
	}
}

func encodeID(id []byte, size int, optional bool) (string, error) {
	if len(id) == 0 && optional {
		return "", nil
	}
	if len(id) != size {
		return "", fmt.Errorf("invalid length %d, want %d bytes", len(id), size)
	}
	return hex.EncodeToString(id), nil
}
