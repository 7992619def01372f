package otlp

import (
	"encoding/hex"
	"fmt"
	"sort"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// Encode serialises a decoded request as binary OTLP protobuf. Attributes are
// written in key order so equal requests encode to equal bytes.
func Encode(req *DecodedRequest) ([]byte, error) {
	msg, err := ToProto(req)
	if err != nil {
		return nil, err
	}
	b, err := proto.MarshalOptions{Deterministic: true}.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export request: %w", err)
	}
	return b, nil
}

// EncodeJSON serialises a decoded request as OTLP proto3 JSON.
func EncodeJSON(req *DecodedRequest) ([]byte, error) {
	msg, err := ToProto(req)
	if err != nil {
		return nil, err
	}
	b, err := protojson.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal export request as json: %w", err)
	}
	return b, nil
}

// ToProto converts a decoded request back into the protobuf message.
func ToProto(req *DecodedRequest) (*coltracepb.ExportTraceServiceRequest, error) {
	out := &coltracepb.ExportTraceServiceRequest{}
	if req == nil {
		return out, nil
	}
	for _, rs := range req.ResourceSpans {
		prs := &tracepb.ResourceSpans{
			Resource: &resourcepb.Resource{
				Attributes:             attributesToProto(rs.Resource.Attributes),
				DroppedAttributesCount: rs.Resource.DroppedAttributesCount,
			},
			SchemaUrl: rs.SchemaURL,
		}
		for _, ss := range rs.ScopeSpans {
			pss := &tracepb.ScopeSpans{
				Scope: &commonpb.InstrumentationScope{
					Name:                   ss.Scope.Name,
					Version:                ss.Scope.Version,
					Attributes:             attributesToProto(ss.Scope.Attributes),
					DroppedAttributesCount: ss.Scope.DroppedAttributesCount,
				},
				SchemaUrl: ss.SchemaURL,
			}
			for _, sp := range ss.Spans {
				psp, err := spanToProto(sp)
				if err != nil {
					return nil, err
				}
				pss.Spans = append(pss.Spans, psp)
			}
			prs.ScopeSpans = append(prs.ScopeSpans, pss)
		}
		out.ResourceSpans = append(out.ResourceSpans, prs)
	}
	return out, nil
}

func spanToProto(sp Span) (*tracepb.Span, error) {
	traceID, err := decodeID(sp.TraceID, traceIDSize, false)
	if err != nil {
		return nil, fmt.Errorf("span %q traceId: %w", sp.SpanID, err)
	}
	spanID, err := decodeID(sp.SpanID, spanIDSize, false)
	if err != nil {
		return nil, fmt.Errorf("span %q spanId: %w", sp.SpanID, err)
	}
	parentID, err := decodeID(sp.ParentSpanID, spanIDSize, true)
	if err != nil {
		return nil, fmt.Errorf("span %q parentSpanId: %w", sp.SpanID, err)
	}
	out := &tracepb.Span{
		TraceId:                traceID,
		SpanId:                 spanID,
		ParentSpanId:           parentID,
		TraceState:             sp.TraceState,
		Flags:                  sp.Flags,
		Name:                   sp.Name,
		Kind:                   tracepb.Span_SpanKind(sp.Kind),
		StartTimeUnixNano:      sp.StartTimeUnixNano,
		EndTimeUnixNano:        sp.EndTimeUnixNano,
		Attributes:             attributesToProto(sp.Attributes),
		DroppedAttributesCount: sp.DroppedAttributesCount,
		DroppedEventsCount:     sp.DroppedEventsCount,
		DroppedLinksCount:      sp.DroppedLinksCount,
		Status: &tracepb.Status{
			Code:    tracepb.Status_StatusCode(sp.Status.Code),
			Message: sp.Status.Message,
		},
	}
	for _, ev := range sp.Events {
		out.Events = append(out.Events, &tracepb.Span_Event{
			TimeUnixNano:           ev.TimeUnixNano,
			Name:                   ev.Name,
			Attributes:             attributesToProto(ev.Attributes),
			DroppedAttributesCount: ev.DroppedAttributesCount,
		})
	}
	for i, l := range sp.Links {
		linkTrace, err := decodeID(l.TraceID, traceIDSize, false)
		if err != nil {
			return nil, fmt.Errorf("span %q links[%d].traceId: %w", sp.SpanID, i, err)
		}
		linkSpan, err := decodeID(l.SpanID, spanIDSize, false)
		if err != nil {
			return nil, fmt.Errorf("span %q links[%d].spanId: %w", sp.SpanID, i, err)
		}
		out.Links = append(out.Links, &tracepb.Span_Link{
			TraceId:                linkTrace,
			SpanId:                 linkSpan,
			TraceState:             l.TraceState,
			Flags:                  l.Flags,
			Attributes:             attributesToProto(l.Attributes),
			DroppedAttributesCount: l.DroppedAttributesCount,
		})
	}
	return out, nil
}

func attributesToProto(attrs Attributes) []*commonpb.KeyValue {
	if len(attrs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*commonpb.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, &commonpb.KeyValue{Key: k, Value: valueToProto(attrs[k])})
	}
	return out
}

func valueToProto(v Value) *commonpb.AnyValue {
	switch v.kind {
	case ValueString:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.str}}
	case ValueBool:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.b}}
	case ValueInt:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.i}}
	case ValueDouble:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.d}}
	case ValueBytes:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: v.bytes}}
	case ValueArray:
		values := make([]*commonpb.AnyValue, 0, len(v.arr))
		for _, e := range v.arr {
			values = append(values, valueToProto(e))
		}
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
			ArrayValue: &commonpb.ArrayValue{Values: values},
		}}
	case ValueMap:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{
			KvlistValue: &commonpb.KeyValueList{Values: attributesToProto(v.kv)},
		}}
	default:
		return &commonpb.AnyValue{}
	}
}

func decodeID(id string, size int, optional bool) ([]byte, error) {
	if id == "" && optional {
		return nil, nil
	}
	b, err := hex.DecodeString(id)
	if err != nil {
		return nil, fmt.Errorf("invalid hex id %q: %w", id, err)
	}
	if len(b) != size {
		return nil, fmt.Errorf("invalid length %d, want %d bytes", len(b), size)
	}
	return b, nil
}
