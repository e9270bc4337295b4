// Decoding of trace artifacts back into read-only spans
// Accepts stdouttrace and OTLP documents in any mix, compact or pretty-printed, optionally gzipped
package ndjson

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/encoding/protojson"
)

// maxInputSize is the maximum decompressed input size accepted by Decode.
const maxInputSize = 256 * 1024 * 1024 // 256 MB

// Decode reads every span from r. Gzip input is detected from its magic
// bytes and decompressed transparently.
func Decode(r io.Reader) ([]sdktrace.ReadOnlySpan, error) {
	br := bufio.NewReader(r)
	var src io.Reader = br
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close() //nolint:errcheck // read-only stream
		src = zr
	}

	data, err := io.ReadAll(io.LimitReader(src, maxInputSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading input: %w", err)
	}
	if len(data) > maxInputSize {
		return nil, fmt.Errorf("input exceeds maximum size of %d MB", maxInputSize/(1024*1024))
	}

	var spans []sdktrace.ReadOnlySpan
	dec := json.NewDecoder(bytes.NewReader(data))
	for doc := 1; ; doc++ {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		decoded, err := decodeDocument(raw)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", doc, err)
		}
		spans = append(spans, decoded...)
	}
	return spans, nil
}

func decodeDocument(raw json.RawMessage) ([]sdktrace.ReadOnlySpan, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if _, ok := fields["resourceSpans"]; ok {
		var td tracepb.TracesData
		if err := protojson.Unmarshal(raw, &td); err != nil {
			return nil, err
		}
		return spansFromProto(&td)
	}
	if _, ok := fields["SpanContext"]; ok {
		var evt stubEvent
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&evt); err != nil {
			return nil, err
		}
		stub, err := evt.stub()
		if err != nil {
			return nil, err
		}
		return []sdktrace.ReadOnlySpan{stub.Snapshot()}, nil
	}
	return nil, errors.New("unrecognised document: has neither SpanContext (stdouttrace) nor resourceSpans (OTLP)")
}

// stubEvent mirrors the JSON form of tracetest.SpanStub.
type stubEvent struct {
	Name                 string          `json:"Name"`
	SpanContext          spanContextJSON `json:"SpanContext"`
	Parent               spanContextJSON `json:"Parent"`
	SpanKind             trace.SpanKind  `json:"SpanKind"`
	StartTime            time.Time       `json:"StartTime"`
	EndTime              time.Time       `json:"EndTime"`
	Attributes           []attrJSON      `json:"Attributes"`
	Events               []eventJSON     `json:"Events"`
	Links                []linkJSON      `json:"Links"`
	Status               statusJSON      `json:"Status"`
	DroppedAttributes    int             `json:"DroppedAttributes"`
	DroppedEvents        int             `json:"DroppedEvents"`
	DroppedLinks         int             `json:"DroppedLinks"`
	ChildSpanCount       int             `json:"ChildSpanCount"`
	Resource             []attrJSON      `json:"Resource"`
	InstrumentationScope struct {
		Name      string `json:"Name"`
		Version   string `json:"Version"`
		SchemaURL string `json:"SchemaURL"`
	} `json:"InstrumentationScope"`
}

type spanContextJSON struct {
	TraceID    string `json:"TraceID"`
	SpanID     string `json:"SpanID"`
	TraceFlags string `json:"TraceFlags"`
	TraceState string `json:"TraceState"`
	Remote     bool   `json:"Remote"`
}

type attrJSON struct {
	Key   string `json:"Key"`
	Value struct {
		Type  string `json:"Type"`
		Value any    `json:"Value"`
	} `json:"Value"`
}

type eventJSON struct {
	Name                  string     `json:"Name"`
	Attributes            []attrJSON `json:"Attributes"`
	DroppedAttributeCount int        `json:"DroppedAttributeCount"`
	Time                  time.Time  `json:"Time"`
}

type linkJSON struct {
	SpanContext           spanContextJSON `json:"SpanContext"`
	Attributes            []attrJSON      `json:"Attributes"`
	DroppedAttributeCount int             `json:"DroppedAttributeCount"`
}

type statusJSON struct {
	Code        codes.Code `json:"Code"`
	Description string     `json:"Description"`
}

func (e stubEvent) stub() (tracetest.SpanStub, error) {
	sc, err := e.SpanContext.spanContext()
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("span %q: %w", e.Name, err)
	}
	if !sc.IsValid() {
		return tracetest.SpanStub{}, fmt.Errorf("span %q: missing trace or span ID", e.Name)
	}
	parent, err := e.Parent.spanContext()
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("span %q parent: %w", e.Name, err)
	}
	attrs, err := decodeAttrs(e.Attributes)
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("span %q: %w", e.Name, err)
	}
	resAttrs, err := decodeAttrs(e.Resource)
	if err != nil {
		return tracetest.SpanStub{}, fmt.Errorf("span %q resource: %w", e.Name, err)
	}

	stub := tracetest.SpanStub{
		Name:              e.Name,
		SpanContext:       sc,
		Parent:            parent,
		SpanKind:          e.SpanKind,
		StartTime:         e.StartTime,
		EndTime:           e.EndTime,
		Attributes:        attrs,
		Status:            sdktrace.Status{Code: e.Status.Code, Description: e.Status.Description},
		DroppedAttributes: e.DroppedAttributes,
		DroppedEvents:     e.DroppedEvents,
		DroppedLinks:      e.DroppedLinks,
		ChildSpanCount:    e.ChildSpanCount,
		Resource:          resource.NewSchemaless(resAttrs...),
		InstrumentationScope: instrumentation.Scope{
			Name:      e.InstrumentationScope.Name,
			Version:   e.InstrumentationScope.Version,
			SchemaURL: e.InstrumentationScope.SchemaURL,
		},
	}
	for _, ev := range e.Events {
		evAttrs, err := decodeAttrs(ev.Attributes)
		if err != nil {
			return tracetest.SpanStub{}, fmt.Errorf("span %q event %q: %w", e.Name, ev.Name, err)
		}
		stub.Events = append(stub.Events, sdktrace.Event{
			Name:                  ev.Name,
			Attributes:            evAttrs,
			DroppedAttributeCount: ev.DroppedAttributeCount,
			Time:                  ev.Time,
		})
	}
	for _, l := range e.Links {
		lsc, err := l.SpanContext.spanContext()
		if err != nil {
			return tracetest.SpanStub{}, fmt.Errorf("span %q link: %w", e.Name, err)
		}
		lAttrs, err := decodeAttrs(l.Attributes)
		if err != nil {
			return tracetest.SpanStub{}, fmt.Errorf("span %q link: %w", e.Name, err)
		}
		stub.Links = append(stub.Links, sdktrace.Link{
			SpanContext:           lsc,
			Attributes:            lAttrs,
			DroppedAttributeCount: l.DroppedAttributeCount,
		})
	}
	return stub, nil
}

// spanContext parses the hex IDs. All-zero or empty IDs yield an empty context.
func (c spanContextJSON) spanContext() (trace.SpanContext, error) {
	if isZeroID(c.TraceID) && isZeroID(c.SpanID) {
		return trace.SpanContext{}, nil
	}
	var cfg trace.SpanContextConfig
	var err error
	if cfg.TraceID, err = trace.TraceIDFromHex(c.TraceID); err != nil {
		return trace.SpanContext{}, fmt.Errorf("trace ID %q: %w", c.TraceID, err)
	}
	if !isZeroID(c.SpanID) {
		if cfg.SpanID, err = trace.SpanIDFromHex(c.SpanID); err != nil {
			return trace.SpanContext{}, fmt.Errorf("span ID %q: %w", c.SpanID, err)
		}
	}
	if c.TraceFlags != "" {
		b, err := hex.DecodeString(c.TraceFlags)
		if err != nil || len(b) != 1 {
			return trace.SpanContext{}, fmt.Errorf("trace flags %q: invalid", c.TraceFlags)
		}
		cfg.TraceFlags = trace.TraceFlags(b[0])
	}
	if cfg.TraceState, err = trace.ParseTraceState(c.TraceState); err != nil {
		return trace.SpanContext{}, fmt.Errorf("trace state: %w", err)
	}
	cfg.Remote = c.Remote
	return trace.NewSpanContext(cfg), nil
}

// isZeroID reports whether a hex ID is empty or all zeros.
func isZeroID(id string) bool {
	return strings.Trim(id, "0") == ""
}

func decodeAttrs(in []attrJSON) ([]attribute.KeyValue, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]attribute.KeyValue, 0, len(in))
	for _, a := range in {
		kv, err := a.keyValue()
		if err != nil {
			return nil, fmt.Errorf("attribute %q: %w", a.Key, err)
		}
		out = append(out, kv)
	}
	return out, nil
}

func (a attrJSON) keyValue() (attribute.KeyValue, error) {
	k := attribute.Key(a.Key)
	v := a.Value.Value
	switch a.Value.Type {
	case "BOOL":
		b, ok := v.(bool)
		if !ok {
			return attribute.KeyValue{}, fmt.Errorf("expected bool, got %T", v)
		}
		return k.Bool(b), nil
	case "INT64":
		n, err := toInt64(v)
		return k.Int64(n), err
	case "FLOAT64":
		f, err := toFloat64(v)
		return k.Float64(f), err
	case "STRING":
		s, ok := v.(string)
		if !ok {
			return attribute.KeyValue{}, fmt.Errorf("expected string, got %T", v)
		}
		return k.String(s), nil
	case "BOOLSLICE":
		items, err := toSlice(v)
		if err != nil {
			return attribute.KeyValue{}, err
		}
		out := make([]bool, len(items))
		for i, item := range items {
			b, ok := item.(bool)
			if !ok {
				return attribute.KeyValue{}, fmt.Errorf("element %d: expected bool, got %T", i, item)
			}
			out[i] = b
		}
		return k.BoolSlice(out), nil
	case "INT64SLICE":
		items, err := toSlice(v)
		if err != nil {
			return attribute.KeyValue{}, err
		}
		out := make([]int64, len(items))
		for i, item := range items {
			if out[i], err = toInt64(item); err != nil {
				return attribute.KeyValue{}, fmt.Errorf("element %d: %w", i, err)
			}
		}
		return k.Int64Slice(out), nil
	case "FLOAT64SLICE":
		items, err := toSlice(v)
		if err != nil {
			return attribute.KeyValue{}, err
		}
		out := make([]float64, len(items))
		for i, item := range items {
			if out[i], err = toFloat64(item); err != nil {
				return attribute.KeyValue{}, fmt.Errorf("element %d: %w", i, err)
			}
		}
		return k.Float64Slice(out), nil
	case "STRINGSLICE":
		items, err := toSlice(v)
		if err != nil {
			return attribute.KeyValue{}, err
		}
		out := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return attribute.KeyValue{}, fmt.Errorf("element %d: expected string, got %T", i, item)
			}
			out[i] = s
		}
		return k.StringSlice(out), nil
	default:
		return attribute.KeyValue{}, fmt.Errorf("unknown attribute type %q", a.Value.Type)
	}
}

func toInt64(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	return n.Int64()
}

func toFloat64(v any) (float64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	return n.Float64()
}

func toSlice(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", v)
	}
	return items, nil
}

func timeFromUnixNano(n uint64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(n)).UTC()
}
