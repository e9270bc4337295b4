// Property-based tests for encoding and decoding using pgregory.net/rapid
// Covers line framing, span order preservation, and tree reconstruction invariants
package ndjson

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"
)

// --- Generators ---

// genTraceID draws a valid (non-zero) trace ID.
func genTraceID(t *rapid.T, label string) trace.TraceID {
	var id trace.TraceID
	b := rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, label)
	copy(id[:], b)
	id[15] |= 0x01
	return id
}

// genAttr draws an attribute of a random supported type.
func genAttr(t *rapid.T, label string) attribute.KeyValue {
	key := rapid.SampledFrom([]string{"http.method", "db.rows", "ratio", "cached", "tags"}).Draw(t, label+"Key")
	switch rapid.IntRange(0, 4).Draw(t, label+"Kind") {
	case 0:
		return attribute.String(key, rapid.StringMatching(`[a-zA-Z0-9 /_-]{0,16}`).Draw(t, label+"Str"))
	case 1:
		return attribute.Int64(key, rapid.Int64().Draw(t, label+"Int"))
	case 2:
		return attribute.Float64(key, rapid.Float64Range(-1e9, 1e9).Draw(t, label+"Float"))
	case 3:
		return attribute.Bool(key, rapid.Bool().Draw(t, label+"Bool"))
	default:
		return attribute.StringSlice(key, rapid.SliceOfN(rapid.StringMatching(`[a-z]{1,6}`), 0, 4).Draw(t, label+"Slice"))
	}
}

// genTrace generates a well-formed trace: a root followed by children that
// pick an earlier span as parent.
func genTrace(t *rapid.T) []sdktrace.ReadOnlySpan {
	traceID := genTraceID(t, "traceID")
	n := rapid.IntRange(1, 20).Draw(t, "size")
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	spans := make([]sdktrace.ReadOnlySpan, 0, n)
	ids := make([]trace.SpanID, 0, n)
	for i := range n {
		sid := trace.SpanID{7: byte(i) + 1}
		stub := tracetest.SpanStub{
			Name: fmt.Sprintf("op-%d", i),
			SpanContext: trace.NewSpanContext(trace.SpanContextConfig{
				TraceID: traceID,
				SpanID:  sid,
			}),
			StartTime: base.Add(time.Duration(rapid.Int64Range(0, int64(time.Second)).Draw(t, fmt.Sprintf("start%d", i)))),
		}
		stub.EndTime = stub.StartTime.Add(time.Millisecond)
		nattrs := rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("nattrs%d", i))
		for j := range nattrs {
			stub.Attributes = append(stub.Attributes, genAttr(t, fmt.Sprintf("attr%d_%d", i, j)))
		}
		if i > 0 {
			p := ids[rapid.IntRange(0, len(ids)-1).Draw(t, fmt.Sprintf("parent%d", i))]
			stub.Parent = trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: p})
		}
		spans = append(spans, stub.Snapshot())
		ids = append(ids, sid)
	}
	return spans
}

// --- Properties ---

// TestProperty_EncodeDecodePreservesOrder checks that every encodable span
// comes back in the same order with the same identity, for both formats.
func TestProperty_EncodeDecodePreservesOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		format := rapid.SampledFrom([]Format{FormatStdouttrace, FormatOTLP}).Draw(t, "format")
		spans := genTrace(t)
		enc, err := NewEncoder(format, nil)
		if err != nil {
			t.Fatal(err)
		}

		payload, n := enc.Encode(spans)
		if n != len(spans) {
			t.Fatalf("encoded %d of %d spans", n, len(spans))
		}
		if got := bytes.Count(payload, []byte("\n")); got != n {
			t.Fatalf("payload has %d newlines for %d spans", got, n)
		}

		out, err := Decode(bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("Decode: %v", err)
		}
		if len(out) != len(spans) {
			t.Fatalf("decoded %d spans, want %d", len(out), len(spans))
		}
		for i := range spans {
			if out[i].SpanContext().SpanID() != spans[i].SpanContext().SpanID() {
				t.Fatalf("span %d: id %s, want %s", i, out[i].SpanContext().SpanID(), spans[i].SpanContext().SpanID())
			}
			if out[i].Parent().SpanID() != spans[i].Parent().SpanID() {
				t.Fatalf("span %d: parent %s, want %s", i, out[i].Parent().SpanID(), spans[i].Parent().SpanID())
			}
			if len(out[i].Attributes()) != len(spans[i].Attributes()) {
				t.Fatalf("span %d: %d attributes, want %d", i, len(out[i].Attributes()), len(spans[i].Attributes()))
			}
		}
	})
}

// TestProperty_TreeAccountsForEverySpan checks that tree reconstruction
// neither loses nor duplicates spans and finds exactly one root.
func TestProperty_TreeAccountsForEverySpan(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		spans := genTrace(t)
		trees := BuildTrees(spans, nil)
		if len(trees) != 1 {
			t.Fatalf("got %d trees, want 1", len(trees))
		}
		if len(trees[0].Roots) != 1 {
			t.Fatalf("got %d roots, want 1", len(trees[0].Roots))
		}

		seen := 0
		var walk func(n *SpanNode)
		walk = func(n *SpanNode) {
			seen++
			for _, c := range n.Children {
				walk(c)
			}
		}
		walk(trees[0].Roots[0])
		if seen != len(spans) {
			t.Fatalf("walked %d spans, want %d", seen, len(spans))
		}
	})
}
