package otlp

import (
	"encoding/hex"
	"errors"
	"reflect"
	"strings"
	"testing"

	coltracepb "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

const (
	testTraceHex = "5b8efff798038103d269b633813fc60c"
	testSpanHex  = "eee19b7ec3c1b174"
	testChildHex = "eee19b7ec3c1b173"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("invalid hex %q: %v", s, err)
	}
	return b
}

func strAttr(k, v string) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v}}}
}

func intAttr(k string, v int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{Key: k, Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v}}}
}

func sampleRequest(t *testing.T) *coltracepb.ExportTraceServiceRequest {
	t.Helper()
	return &coltracepb.ExportTraceServiceRequest{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
				strAttr("service.name", "chat-api"),
			}},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: "aiqa-tracer", Version: "0.3.1"},
				Spans: []*tracepb.Span{
					{
						TraceId:           mustHex(t, testTraceHex),
						SpanId:            mustHex(t, testSpanHex),
						Name:              "agent.run",
						Kind:              tracepb.Span_SPAN_KIND_SERVER,
						StartTimeUnixNano: 1_700_000_000_000_000_000,
						EndTimeUnixNano:   1_700_000_001_500_000_000,
						Attributes: []*commonpb.KeyValue{
							strAttr("gen_ai.system", "openai"),
							{Key: "tags", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{
								ArrayValue: &commonpb.ArrayValue{Values: []*commonpb.AnyValue{
									{Value: &commonpb.AnyValue_StringValue{StringValue: "a"}},
									{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}},
								}},
							}}},
							{Key: "request", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_KvlistValue{
								KvlistValue: &commonpb.KeyValueList{Values: []*commonpb.KeyValue{
									{Key: "temperature", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 0.7}}},
								}},
							}}},
							{Key: "blob", Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BytesValue{BytesValue: []byte{1, 2, 3}}}},
						},
						Status: &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK},
						Events: []*tracepb.Span_Event{{
							TimeUnixNano: 1_700_000_000_500_000_000,
							Name:         "retry",
							Attributes:   []*commonpb.KeyValue{intAttr("attempt", 2)},
						}},
					},
					{
						TraceId:           mustHex(t, testTraceHex),
						SpanId:            mustHex(t, testChildHex),
						ParentSpanId:      mustHex(t, testSpanHex),
						Name:              "llm.call",
						Kind:              tracepb.Span_SPAN_KIND_CLIENT,
						StartTimeUnixNano: 1_700_000_000_100_000_000,
						EndTimeUnixNano:   1_700_000_001_000_000_000,
						Attributes: []*commonpb.KeyValue{
							intAttr("gen_ai.usage.input_tokens", 120),
							intAttr("gen_ai.usage.output_tokens", 30),
						},
						Links: []*tracepb.Span_Link{{
							TraceId:    mustHex(t, testTraceHex),
							SpanId:     mustHex(t, testSpanHex),
							Attributes: []*commonpb.KeyValue{strAttr("link.kind", "follows")},
						}},
					},
				},
			}},
		}},
	}
}

// normalizeRequest replaces nil attribute maps with empty ones so requests
// built in different ways compare equal.
func normalizeRequest(r *DecodedRequest) *DecodedRequest {
	fix := func(a *Attributes) {
		if *a == nil {
			*a = Attributes{}
		}
	}
	for i := range r.ResourceSpans {
		rs := &r.ResourceSpans[i]
		fix(&rs.Resource.Attributes)
		for j := range rs.ScopeSpans {
			ss := &rs.ScopeSpans[j]
			fix(&ss.Scope.Attributes)
			for k := range ss.Spans {
				sp := &ss.Spans[k]
				fix(&sp.Attributes)
				for e := range sp.Events {
					fix(&sp.Events[e].Attributes)
				}
				for l := range sp.Links {
					fix(&sp.Links[l].Attributes)
				}
			}
		}
	}
	return r
}

func TestParseContentType(t *testing.T) {
	tests := []struct {
		header  string
		want    ContentType
		wantErr bool
	}{
		{"application/json", ContentTypeJSON, false},
		{"application/json; charset=utf-8", ContentTypeJSON, false},
		{"Application/JSON", ContentTypeJSON, false},
		{"application/x-protobuf", ContentTypeProtobuf, false},
		{"application/protobuf", ContentTypeProtobuf, false},
		{"text/plain", ContentTypeUnknown, true},
		{"", ContentTypeUnknown, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, err := ParseContentType(tt.header)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseContentType(%q) error = %v, wantErr %v", tt.header, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnsupportedContentType) {
				t.Errorf("error = %v, want ErrUnsupportedContentType", err)
			}
			if got != tt.want {
				t.Errorf("ParseContentType(%q) = %v, want %v", tt.header, got, tt.want)
			}
		})
	}
}

func TestDecode_Protobuf(t *testing.T) {
	body, err := proto.Marshal(sampleRequest(t))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	req, err := Decode(body, ContentTypeProtobuf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.SpanCount() != 2 {
		t.Fatalf("SpanCount() = %d, want 2", req.SpanCount())
	}

	rs := req.ResourceSpans[0]
	if got := rs.Resource.Attributes["service.name"].Str(); got != "chat-api" {
		t.Errorf("service.name = %q, want %q", got, "chat-api")
	}
	if rs.ScopeSpans[0].Scope.Name != "aiqa-tracer" {
		t.Errorf("scope name = %q, want %q", rs.ScopeSpans[0].Scope.Name, "aiqa-tracer")
	}

	root := rs.ScopeSpans[0].Spans[0]
	if root.TraceID != testTraceHex {
		t.Errorf("TraceID = %q, want %q", root.TraceID, testTraceHex)
	}
	if root.SpanID != testSpanHex {
		t.Errorf("SpanID = %q, want %q", root.SpanID, testSpanHex)
	}
	if root.ParentSpanID != "" {
		t.Errorf("ParentSpanID = %q, want empty", root.ParentSpanID)
	}
	if root.Kind != SpanKindServer {
		t.Errorf("Kind = %v, want %v", root.Kind, SpanKindServer)
	}
	if root.Status.Code != StatusCodeOK {
		t.Errorf("Status.Code = %v, want %v", root.Status.Code, StatusCodeOK)
	}

	tags := root.Attributes["tags"]
	if tags.Kind() != ValueArray || len(tags.Array()) != 2 {
		t.Fatalf("tags = %v, want array of 2", tags)
	}
	if !tags.Array()[1].Bool() {
		t.Errorf("tags[1] = %v, want true", tags.Array()[1])
	}
	temp := root.Attributes["request"].Map()["temperature"]
	if temp.Kind() != ValueDouble || temp.Double() != 0.7 {
		t.Errorf("request.temperature = %v, want 0.7", temp)
	}
	if got := root.Attributes["blob"].BytesVal(); string(got) != "\x01\x02\x03" {
		t.Errorf("blob = %v, want [1 2 3]", got)
	}
	if len(root.Events) != 1 || root.Events[0].Attributes["attempt"].Int() != 2 {
		t.Errorf("Events = %+v, want one retry event with attempt=2", root.Events)
	}

	child := rs.ScopeSpans[0].Spans[1]
	if child.ParentSpanID != testSpanHex {
		t.Errorf("child ParentSpanID = %q, want %q", child.ParentSpanID, testSpanHex)
	}
	if len(child.Links) != 1 || child.Links[0].SpanID != testSpanHex {
		t.Errorf("child Links = %+v, want link to %s", child.Links, testSpanHex)
	}
}

func TestDecode_ProtobufMalformed(t *testing.T) {
	body, err := proto.Marshal(sampleRequest(t))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	tests := []struct {
		name string
		body []byte
	}{
		{"truncated", body[:len(body)-7]},
		{"garbage", []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.body, ContentTypeProtobuf)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Decode() error = %v, want *DecodeError", err)
			}
			if de.Kind != KindMalformedProtobuf {
				t.Errorf("Kind = %v, want %v", de.Kind, KindMalformedProtobuf)
			}
			if !errors.Is(err, ErrMalformed) {
				t.Error("errors.Is(err, ErrMalformed) = false, want true")
			}
		})
	}
}

func TestDecode_EmptyProtobufBody(t *testing.T) {
	req, err := Decode(nil, ContentTypeProtobuf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if req.SpanCount() != 0 {
		t.Errorf("SpanCount() = %d, want 0", req.SpanCount())
	}
}

func TestDecode_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*tracepb.Span)
	}{
		{"short trace id", func(s *tracepb.Span) { s.TraceId = s.TraceId[:8] }},
		{"missing trace id", func(s *tracepb.Span) { s.TraceId = nil }},
		{"long span id", func(s *tracepb.Span) { s.SpanId = append(s.SpanId, 0) }},
		{"missing span id", func(s *tracepb.Span) { s.SpanId = nil }},
		{"bad parent id", func(s *tracepb.Span) { s.ParentSpanId = []byte{1, 2, 3} }},
		{"empty any value", func(s *tracepb.Span) {
			s.Attributes = append(s.Attributes, &commonpb.KeyValue{Key: "x", Value: &commonpb.AnyValue{}})
		}},
		{"nil any value", func(s *tracepb.Span) {
			s.Attributes = append(s.Attributes, &commonpb.KeyValue{Key: "x"})
		}},
		{"empty nested value", func(s *tracepb.Span) {
			s.Attributes = append(s.Attributes, &commonpb.KeyValue{Key: "x", Value: &commonpb.AnyValue{
				Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{
					Values: []*commonpb.AnyValue{{}},
				}},
			}})
		}},
		{"bad link id", func(s *tracepb.Span) {
			s.Links = []*tracepb.Span_Link{{TraceId: []byte{1}, SpanId: []byte{1}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := sampleRequest(t)
			tt.mutate(msg.ResourceSpans[0].ScopeSpans[0].Spans[0])
			body, err := proto.Marshal(msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			_, err = Decode(body, ContentTypeProtobuf)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Decode() error = %v, want *DecodeError", err)
			}
			if de.Kind != KindMalformedProtobuf {
				t.Errorf("Kind = %v, want %v", de.Kind, KindMalformedProtobuf)
			}

			_, err = FromProto(msg)
			if !errors.As(err, &de) {
				t.Errorf("FromProto() error = %v, want *DecodeError", err)
			}
		})
	}
}

func TestDecode_JSON(t *testing.T) {
	body, err := protojson.Marshal(sampleRequest(t))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	fromJSON, err := Decode(body, ContentTypeJSON)
	if err != nil {
		t.Fatalf("Decode(json) error = %v", err)
	}
	fromProto, err := FromProto(sampleRequest(t))
	if err != nil {
		t.Fatalf("FromProto() error = %v", err)
	}
	if !reflect.DeepEqual(normalizeRequest(fromJSON), normalizeRequest(fromProto)) {
		t.Errorf("json decode = %+v, want %+v", fromJSON, fromProto)
	}
}

func TestDecode_JSONHexIDs(t *testing.T) {
	body := `{
		"resourceSpans": [{
			"resource": {"attributes": [{"key": "service.name", "value": {"stringValue": "svc"}}]},
			"scopeSpans": [{
				"scope": {"name": "manual"},
				"spans": [{
					"traceId": "` + testTraceHex + `",
					"spanId": "` + testChildHex + `",
					"parentSpanId": "` + testSpanHex + `",
					"name": "llm.call",
					"kind": 3,
					"startTimeUnixNano": "1700000000000000000",
					"endTimeUnixNano": "1700000001000000000",
					"attributes": [
						{"key": "gen_ai.usage.input_tokens", "value": {"intValue": "9007199254740993"}},
						{"key": "unknown", "value": {"stringValue": "x"}, "extra": true}
					]
				}]
			}]
		}]
	}`

	req, err := Decode([]byte(body), ContentTypeJSON)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	sp := req.ResourceSpans[0].ScopeSpans[0].Spans[0]
	if sp.TraceID != testTraceHex {
		t.Errorf("TraceID = %q, want %q", sp.TraceID, testTraceHex)
	}
	if sp.ParentSpanID != testSpanHex {
		t.Errorf("ParentSpanID = %q, want %q", sp.ParentSpanID, testSpanHex)
	}
	if sp.Kind != SpanKindClient {
		t.Errorf("Kind = %v, want %v", sp.Kind, SpanKindClient)
	}
	if got := sp.Attributes["gen_ai.usage.input_tokens"].Int(); got != 9007199254740993 {
		t.Errorf("input_tokens = %d, want 9007199254740993", got)
	}
}

func TestDecode_JSONMalformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"not json", "{not json"},
		{"empty", ""},
		{"wrong type", `{"resourceSpans": "nope"}`},
		{"bad base64 id", `{"resourceSpans":[{"scopeSpans":[{"spans":[{"traceId":"!!","spanId":"!!"}]}]}]}`},
		{"wrong id length", `{"resourceSpans":[{"scopeSpans":[{"spans":[{"traceId":"AAEC","spanId":"AAEC"}]}]}]}`},
		{"empty any value", `{"resourceSpans":[{"scopeSpans":[{"spans":[{"traceId":"` + testTraceHex +
			`","spanId":"` + testSpanHex + `","attributes":[{"key":"x","value":{}}]}]}]}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.body), ContentTypeJSON)
			var de *DecodeError
			if !errors.As(err, &de) {
				t.Fatalf("Decode() error = %v, want *DecodeError", err)
			}
			if de.Kind != KindMalformedJSON {
				t.Errorf("Kind = %v, want %v", de.Kind, KindMalformedJSON)
			}
		})
	}
}

func TestDecode_UnsupportedContentType(t *testing.T) {
	_, err := Decode([]byte("{}"), ContentTypeUnknown)
	if !errors.Is(err, ErrUnsupportedContentType) {
		t.Errorf("Decode() error = %v, want ErrUnsupportedContentType", err)
	}
}

func TestRoundTrip(t *testing.T) {
	body, err := proto.Marshal(sampleRequest(t))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	first, err := Decode(body, ContentTypeProtobuf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}

	t.Run("protobuf", func(t *testing.T) {
		encoded, err := Encode(first)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		second, err := Decode(encoded, ContentTypeProtobuf)
		if err != nil {
			t.Fatalf("Decode(Encode()) error = %v", err)
		}
		if !reflect.DeepEqual(normalizeRequest(first), normalizeRequest(second)) {
			t.Errorf("round trip = %+v, want %+v", second, first)
		}

		again, err := Encode(second)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if string(again) != string(encoded) {
			t.Error("Encode() is not deterministic across round trips")
		}
	})

	t.Run("json", func(t *testing.T) {
		encoded, err := EncodeJSON(first)
		if err != nil {
			t.Fatalf("EncodeJSON() error = %v", err)
		}
		second, err := Decode(encoded, ContentTypeJSON)
		if err != nil {
			t.Fatalf("Decode(EncodeJSON()) error = %v", err)
		}
		if !reflect.DeepEqual(normalizeRequest(first), normalizeRequest(second)) {
			t.Errorf("round trip = %+v, want %+v", second, first)
		}
	})
}

func TestToProto_InvalidID(t *testing.T) {
	req := &DecodedRequest{ResourceSpans: []ResourceSpans{{
		ScopeSpans: []ScopeSpans{{Spans: []Span{{TraceID: "zz", SpanID: testSpanHex}}}},
	}}}
	if _, err := Encode(req); err == nil || !strings.Contains(err.Error(), "traceId") {
		t.Errorf("Encode() error = %v, want traceId error", err)
	}
}

func TestValue(t *testing.T) {
	v := MapValue(map[string]Value{
		"n":    IntValue(3),
		"list": ArrayValue(StringValue("a"), DoubleValue(1.5)),
	})
	got := v.Interface().(map[string]any)
	if got["n"] != int64(3) {
		t.Errorf("n = %v, want 3", got["n"])
	}
	if list := got["list"].([]any); len(list) != 2 || list[1] != 1.5 {
		t.Errorf("list = %v, want [a 1.5]", list)
	}

	if !v.Equal(MapValue(map[string]Value{
		"list": ArrayValue(StringValue("a"), DoubleValue(1.5)),
		"n":    IntValue(3),
	})) {
		t.Error("Equal() = false for identical maps")
	}
	if IntValue(1).Equal(DoubleValue(1)) {
		t.Error("Equal() = true across kinds")
	}
	if (Value{}).Kind() != ValueEmpty {
		t.Errorf("zero Value kind = %v, want %v", (Value{}).Kind(), ValueEmpty)
	}
}

func TestRewriteHexIDs_LeavesBase64Alone(t *testing.T) {
	body := []byte(`{"traceId":"W47/95gDgQPSabYzgT/GDA==","spanId":"7uGbfsPBsXQ=","n":12345678901234567890}`)
	out, err := rewriteHexIDs(body)
	if err != nil {
		t.Fatalf("rewriteHexIDs() error = %v", err)
	}
	if string(out) != string(body) {
		t.Errorf("rewriteHexIDs() = %s, want unchanged", out)
	}
}
