// Tests for ND-JSON encoding in both line formats
package ndjson

import (
	"bytes"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/instrumentation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	testTraceID = trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	testStart   = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func spanID(n byte) trace.SpanID {
	return trace.SpanID{0, 0, 0, 0, 0, 0, 0, n}
}

func testSpan(name string, id, parent byte, attrs ...attribute.KeyValue) sdktrace.ReadOnlySpan {
	stub := tracetest.SpanStub{
		Name: name,
		SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    testTraceID,
			SpanID:     spanID(id),
			TraceFlags: trace.FlagsSampled,
		}),
		SpanKind:   trace.SpanKindServer,
		StartTime:  testStart,
		EndTime:    testStart.Add(25 * time.Millisecond),
		Attributes: attrs,
		Status:     sdktrace.Status{Code: codes.Unset},
		Resource:   resource.NewSchemaless(attribute.String("service.name", "checkout")),
		InstrumentationScope: instrumentation.Scope{
			Name:    "checkout",
			Version: "1.0.0",
		},
	}
	if parent != 0 {
		stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{TraceID: testTraceID, SpanID: spanID(parent)})
	}
	return stub.Snapshot()
}

func newTestEncoder(t *testing.T, f Format) *Encoder {
	t.Helper()
	enc, err := NewEncoder(f, nil)
	require.NoError(t, err)
	return enc
}

func TestEncodeOneLinePerSpan(t *testing.T) {
	t.Parallel()

	enc := newTestEncoder(t, FormatStdouttrace)
	payload, n := enc.Encode([]sdktrace.ReadOnlySpan{
		testSpan("GET /cart", 1, 0),
		testSpan("SELECT cart", 2, 1, attribute.Int("rows", 3)),
	})
	require.Equal(t, 2, n)
	require.True(t, bytes.HasSuffix(payload, []byte("\n")))

	lines := bytes.Split(bytes.TrimSuffix(payload, []byte("\n")), []byte("\n"))
	require.Len(t, lines, 2)
	for _, line := range lines {
		var doc map[string]any
		require.NoError(t, json.Unmarshal(line, &doc))
		assert.Contains(t, doc, "SpanContext")
	}
	assert.Contains(t, string(lines[0]), `"Name":"GET /cart"`)
	assert.Contains(t, string(lines[1]), `"Name":"SELECT cart"`)
}

func TestEncodeSkipsUnencodableSpan(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.WarnLevel)
	enc, err := NewEncoder(FormatStdouttrace, zap.New(core))
	require.NoError(t, err)

	payload, n := enc.Encode([]sdktrace.ReadOnlySpan{
		testSpan("ok-1", 1, 0),
		testSpan("bad", 2, 1, attribute.Float64("ratio", math.NaN())),
		testSpan("ok-2", 3, 1),
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, bytes.Count(payload, []byte("\n")))
	assert.NotContains(t, string(payload), `"bad"`)

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "bad", logs.All()[0].ContextMap()["span_name"])
}

func TestEncodeAllUnencodable(t *testing.T) {
	t.Parallel()

	enc := newTestEncoder(t, FormatStdouttrace)
	payload, n := enc.Encode([]sdktrace.ReadOnlySpan{
		testSpan("bad", 1, 0, attribute.Float64("x", math.Inf(1))),
	})
	assert.Zero(t, n)
	assert.Nil(t, payload)

	payload, n = enc.Encode(nil)
	assert.Zero(t, n)
	assert.Nil(t, payload)
}

func TestEncodeOTLP(t *testing.T) {
	t.Parallel()

	enc := newTestEncoder(t, FormatOTLP)
	payload, n := enc.Encode([]sdktrace.ReadOnlySpan{
		testSpan("GET /cart", 1, 0, attribute.String("http.method", "GET")),
	})
	require.Equal(t, 1, n)
	assert.Equal(t, 1, bytes.Count(payload, []byte("\n")))
	assert.Contains(t, string(payload), "resourceSpans")

	spans, err := Decode(bytes.NewReader(payload))
	require.NoError(t, err)
	require.Len(t, spans, 1)
	assert.Equal(t, "GET /cart", spans[0].Name())
	assert.Equal(t, testTraceID, spans[0].SpanContext().TraceID())
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
	assert.Contains(t, spans[0].Attributes(), attribute.String("http.method", "GET"))
}

func TestEncodeOTLPRejectsInvalidUTF8(t *testing.T) {
	t.Parallel()

	enc := newTestEncoder(t, FormatOTLP)
	_, n := enc.Encode([]sdktrace.ReadOnlySpan{
		testSpan("bad", 1, 0, attribute.String("blob", "\xff\xfe")),
	})
	assert.Zero(t, n)
}

func TestParseFormat(t *testing.T) {
	t.Parallel()

	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatStdouttrace, f)

	f, err = ParseFormat("otlp")
	require.NoError(t, err)
	assert.Equal(t, FormatOTLP, f)

	_, err = ParseFormat("xml")
	assert.ErrorContains(t, err, "unknown format")
}
