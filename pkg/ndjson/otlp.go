// Conversion between SDK spans and OTLP protobuf messages
// Each encoded line is a protojson TracesData holding exactly one span
package ndjson

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

func encodeOTLP(s sdktrace.ReadOnlySpan) ([]byte, error) {
	scope := s.InstrumentationScope()
	rs := &tracepb.ResourceSpans{
		ScopeSpans: []*tracepb.ScopeSpans{{
			Scope: &commonpb.InstrumentationScope{
				Name:    scope.Name,
				Version: scope.Version,
			},
			SchemaUrl: scope.SchemaURL,
			Spans:     []*tracepb.Span{spanToProto(s)},
		}},
	}
	if r := s.Resource(); r != nil {
		rs.Resource = &resourcepb.Resource{Attributes: keyValuesToProto(r.Attributes())}
		rs.SchemaUrl = r.SchemaURL()
	}
	return protojson.Marshal(&tracepb.TracesData{ResourceSpans: []*tracepb.ResourceSpans{rs}})
}

func spanToProto(s sdktrace.ReadOnlySpan) *tracepb.Span {
	sc := s.SpanContext()
	tid := sc.TraceID()
	sid := sc.SpanID()
	span := &tracepb.Span{
		TraceId:                tid[:],
		SpanId:                 sid[:],
		TraceState:             sc.TraceState().String(),
		Flags:                  uint32(sc.TraceFlags()),
		Name:                   s.Name(),
		Kind:                   spanKindToProto(s.SpanKind()),
		StartTimeUnixNano:      unixNano(s.StartTime().UnixNano()),
		EndTimeUnixNano:        unixNano(s.EndTime().UnixNano()),
		Attributes:             keyValuesToProto(s.Attributes()),
		DroppedAttributesCount: uint32(s.DroppedAttributes()),
		DroppedEventsCount:     uint32(s.DroppedEvents()),
		DroppedLinksCount:      uint32(s.DroppedLinks()),
		Status:                 statusToProto(s.Status()),
	}
	if parent := s.Parent(); parent.SpanID().IsValid() {
		psid := parent.SpanID()
		span.ParentSpanId = psid[:]
	}
	for _, ev := range s.Events() {
		span.Events = append(span.Events, &tracepb.Span_Event{
			TimeUnixNano:           unixNano(ev.Time.UnixNano()),
			Name:                   ev.Name,
			Attributes:             keyValuesToProto(ev.Attributes),
			DroppedAttributesCount: uint32(ev.DroppedAttributeCount),
		})
	}
	for _, l := range s.Links() {
		ltid := l.SpanContext.TraceID()
		lsid := l.SpanContext.SpanID()
		span.Links = append(span.Links, &tracepb.Span_Link{
			TraceId:                ltid[:],
			SpanId:                 lsid[:],
			TraceState:             l.SpanContext.TraceState().String(),
			Attributes:             keyValuesToProto(l.Attributes),
			DroppedAttributesCount: uint32(l.DroppedAttributeCount),
		})
	}
	return span
}

func unixNano(n int64) uint64 {
	if n < 0 {
		return 0
	}
	return uint64(n)
}

func spanKindToProto(k trace.SpanKind) tracepb.Span_SpanKind {
	switch k {
	case trace.SpanKindInternal:
		return tracepb.Span_SPAN_KIND_INTERNAL
	case trace.SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case trace.SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	case trace.SpanKindProducer:
		return tracepb.Span_SPAN_KIND_PRODUCER
	case trace.SpanKindConsumer:
		return tracepb.Span_SPAN_KIND_CONSUMER
	default:
		return tracepb.Span_SPAN_KIND_UNSPECIFIED
	}
}

func spanKindFromProto(k tracepb.Span_SpanKind) trace.SpanKind {
	switch k {
	case tracepb.Span_SPAN_KIND_INTERNAL:
		return trace.SpanKindInternal
	case tracepb.Span_SPAN_KIND_SERVER:
		return trace.SpanKindServer
	case tracepb.Span_SPAN_KIND_CLIENT:
		return trace.SpanKindClient
	case tracepb.Span_SPAN_KIND_PRODUCER:
		return trace.SpanKindProducer
	case tracepb.Span_SPAN_KIND_CONSUMER:
		return trace.SpanKindConsumer
	default:
		return trace.SpanKindUnspecified
	}
}

func statusToProto(st sdktrace.Status) *tracepb.Status {
	out := &tracepb.Status{Message: st.Description}
	switch st.Code {
	case codes.Error:
		out.Code = tracepb.Status_STATUS_CODE_ERROR
	case codes.Ok:
		out.Code = tracepb.Status_STATUS_CODE_OK
	default:
		out.Code = tracepb.Status_STATUS_CODE_UNSET
	}
	return out
}

func statusFromProto(st *tracepb.Status) sdktrace.Status {
	if st == nil {
		return sdktrace.Status{}
	}
	out := sdktrace.Status{Description: st.GetMessage()}
	switch st.GetCode() {
	case tracepb.Status_STATUS_CODE_ERROR:
		out.Code = codes.Error
	case tracepb.Status_STATUS_CODE_OK:
		out.Code = codes.Ok
	}
	return out
}

func keyValuesToProto(kvs []attribute.KeyValue) []*commonpb.KeyValue {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]*commonpb.KeyValue, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, &commonpb.KeyValue{Key: string(kv.Key), Value: valueToProto(kv.Value)})
	}
	return out
}

func valueToProto(v attribute.Value) *commonpb.AnyValue {
	switch v.Type() {
	case attribute.BOOL:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: v.AsBool()}}
	case attribute.INT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: v.AsInt64()}}
	case attribute.FLOAT64:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: v.AsFloat64()}}
	case attribute.BOOLSLICE:
		vals := v.AsBoolSlice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, b := range vals {
			arr[i] = &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: b}}
		}
		return arrayValue(arr)
	case attribute.INT64SLICE:
		vals := v.AsInt64Slice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, n := range vals {
			arr[i] = &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: n}}
		}
		return arrayValue(arr)
	case attribute.FLOAT64SLICE:
		vals := v.AsFloat64Slice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, f := range vals {
			arr[i] = &commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: f}}
		}
		return arrayValue(arr)
	case attribute.STRINGSLICE:
		vals := v.AsStringSlice()
		arr := make([]*commonpb.AnyValue, len(vals))
		for i, s := range vals {
			arr[i] = &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
		}
		return arrayValue(arr)
	default:
		return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: v.Emit()}}
	}
}

func arrayValue(vals []*commonpb.AnyValue) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_ArrayValue{ArrayValue: &commonpb.ArrayValue{Values: vals}}}
}

func keyValuesFromProto(kvs []*commonpb.KeyValue) []attribute.KeyValue {
	if len(kvs) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(kvs))
	for _, kv := range kvs {
		out = append(out, valueFromProto(attribute.Key(kv.GetKey()), kv.GetValue()))
	}
	return out
}

// valueFromProto maps homogeneous arrays onto typed slices. Anything the
// attribute package cannot represent is kept as its protojson text.
func valueFromProto(k attribute.Key, v *commonpb.AnyValue) attribute.KeyValue {
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return k.String(val.StringValue)
	case *commonpb.AnyValue_BoolValue:
		return k.Bool(val.BoolValue)
	case *commonpb.AnyValue_IntValue:
		return k.Int64(val.IntValue)
	case *commonpb.AnyValue_DoubleValue:
		return k.Float64(val.DoubleValue)
	case *commonpb.AnyValue_ArrayValue:
		if kv, ok := arrayFromProto(k, val.ArrayValue.GetValues()); ok {
			return kv
		}
	}
	text, err := protojson.Marshal(v)
	if err != nil {
		return k.String(fmt.Sprint(v))
	}
	return k.String(string(text))
}

func arrayFromProto(k attribute.Key, vals []*commonpb.AnyValue) (attribute.KeyValue, bool) {
	if len(vals) == 0 {
		return k.StringSlice(nil), true
	}
	switch vals[0].GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		out := make([]string, len(vals))
		for i, v := range vals {
			sv, ok := v.GetValue().(*commonpb.AnyValue_StringValue)
			if !ok {
				return attribute.KeyValue{}, false
			}
			out[i] = sv.StringValue
		}
		return k.StringSlice(out), true
	case *commonpb.AnyValue_BoolValue:
		out := make([]bool, len(vals))
		for i, v := range vals {
			bv, ok := v.GetValue().(*commonpb.AnyValue_BoolValue)
			if !ok {
				return attribute.KeyValue{}, false
			}
			out[i] = bv.BoolValue
		}
		return k.BoolSlice(out), true
	case *commonpb.AnyValue_IntValue:
		out := make([]int64, len(vals))
		for i, v := range vals {
			iv, ok := v.GetValue().(*commonpb.AnyValue_IntValue)
			if !ok {
				return attribute.KeyValue{}, false
			}
			out[i] = iv.IntValue
		}
		return k.Int64Slice(out), true
	case *commonpb.AnyValue_DoubleValue:
		out := make([]float64, len(vals))
		for i, v := range vals {
			dv, ok := v.GetValue().(*commonpb.AnyValue_DoubleValue)
			if !ok {
				return attribute.KeyValue{}, false
			}
			out[i] = dv.DoubleValue
		}
		return k.Float64Slice(out), true
	}
	return attribute.KeyValue{}, false
}

// spansFromProto flattens a TracesData document into read-only spans.
func spansFromProto(td *tracepb.TracesData) ([]sdktrace.ReadOnlySpan, error) {
	var spans []sdktrace.ReadOnlySpan
	for _, rs := range td.GetResourceSpans() {
		res := resource.NewWithAttributes(rs.GetSchemaUrl(), keyValuesFromProto(rs.GetResource().GetAttributes())...)
		for _, ss := range rs.GetScopeSpans() {
			scope := instrumentation.Scope{
				Name:      ss.GetScope().GetName(),
				Version:   ss.GetScope().GetVersion(),
				SchemaURL: ss.GetSchemaUrl(),
			}
			for _, ps := range ss.GetSpans() {
				stub, err := stubFromProto(ps)
				if err != nil {
					return nil, err
				}
				stub.Resource = res
				stub.InstrumentationScope = scope
				spans = append(spans, stub.Snapshot())
			}
		}
	}
	return spans, nil
}

func stubFromProto(ps *tracepb.Span) (tracetest.SpanStub, error) {
	tid, err := traceIDFromBytes(ps.GetTraceId())
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("span %q: %w", ps.GetName(), err)
	}
	sid, err := spanIDFromBytes(ps.GetSpanId())
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("span %q: %w", ps.GetName(), err)
	}
	ts, err := trace.ParseTraceState(ps.GetTraceState())
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("span %q: %w", ps.GetName(), err)
	}
	stub := tracetest.SpanStub{
		Name: ps.GetName(),
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    tid,
			SpanID:     sid,
			TraceFlags: trace.TraceFlags(byte(ps.GetFlags())),
			TraceState: ts,
		}),
		SpanKind:          spanKindFromProto(ps.GetKind()),
		StartTime:         timeFromUnixNano(ps.GetStartTimeUnixNano()),
		EndTime:           timeFromUnixNano(ps.GetEndTimeUnixNano()),
		Attributes:        keyValuesFromProto(ps.GetAttributes()),
		DroppedAttributes: int(ps.GetDroppedAttributesCount()),
		DroppedEvents:     int(ps.GetDroppedEventsCount()),
		DroppedLinks:      int(ps.GetDroppedLinksCount()),
		Status:            statusFromProto(ps.GetStatus()),
	}
	if len(ps.GetParentSpanId()) > 0 {
		psid, err := spanIDFromBytes(ps.GetParentSpanId())
		if err != nil {
			return tracetest.SpanStub{}, fmt.Errorf("span %q parent: %w", ps.GetName(), err)
		}
		if psid.IsValid() {
			stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{TraceID: tid, SpanID: psid})
		}
	}
	for _, ev := range ps.GetEvents() {
		stub.Events = append(stub.Events, sdktrace.Event{
			Name:                  ev.GetName(),
			Attributes:            keyValuesFromProto(ev.GetAttributes()),
			DroppedAttributeCount: int(ev.GetDroppedAttributesCount()),
			Time:                  timeFromUnixNano(ev.GetTimeUnixNano()),
		})
	}
	for _, l := range ps.GetLinks() {
		ltid, err := traceIDFromBytes(l.GetTraceId())
		if err != nil {
			return tracetest.SpanStub{}, fmt.Errorf("span %q link: %w", ps.GetName(), err)
		}
		lsid, err := spanIDFromBytes(l.GetSpanId())
		if err != nil {
			return tracetest.SpanStub{}, fmt.Errorf("span %q link: %w", ps.GetName(), err)
		}
		stub.Links = append(stub.Links, sdktrace.Link{
			SpanContext:           trace.NewSpanContext(trace.SpanContextConfig{TraceID: ltid, SpanID: lsid}),
			Attributes:            keyValuesFromProto(l.GetAttributes()),
			DroppedAttributeCount: int(l.GetDroppedAttributesCount()),
		})
	}
	return stub, nil
}

func traceIDFromBytes(b []byte) (trace.TraceID, error) {
	var id trace.TraceID
	if len(b) != len(id) {
		return id, fmt.Errorf("trace ID must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}

func spanIDFromBytes(b []byte) (trace.SpanID, error) {
	var id trace.SpanID
	if len(b) != len(id) {
		return id, fmt.Errorf("span ID must be %d bytes, got %d", len(id), len(b))
	}
	copy(id[:], b)
	return id, nil
}
