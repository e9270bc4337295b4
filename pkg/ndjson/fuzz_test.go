// Fuzz targets for the artifact decoder and the encode/decode pipeline
// Run with: go test -fuzz=FuzzDecode ./pkg/ndjson/ -fuzztime=30s
package ndjson

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

// FuzzDecode feeds arbitrary bytes to Decode. The property is that Decode
// must not panic.
func FuzzDecode(f *testing.F) {
	f.Add([]byte(`{"Name":"op","SpanContext":{"TraceID":"0102030405060708090a0b0c0d0e0f10","SpanID":"0000000000000001"},"Parent":{"TraceID":"00000000000000000000000000000000","SpanID":"0000000000000000"},"StartTime":"2024-01-01T00:00:00Z","EndTime":"2024-01-01T00:00:01Z","Attributes":[],"Status":{"Code":"Unset"},"InstrumentationScope":{"Name":"svc"}}`))
	f.Add([]byte(`{"resourceSpans":[{"resource":{"attributes":[{"key":"service.name","value":{"stringValue":"api"}}]},"scopeSpans":[{"scope":{"name":"api"},"spans":[{"traceId":"AQIDBAUGBwgJCgsMDQ4PEA==","spanId":"AQIDBAUGBwg=","name":"op","startTimeUnixNano":"1700000000000000000","endTimeUnixNano":"1700000000030000000","status":{}}]}]}]}`))
	f.Add([]byte(`not json at all`))
	f.Add([]byte{0x1f, 0x8b})
	f.Add([]byte{})
	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = Decode(bytes.NewReader(data))
	})
}

// FuzzEncodeDecode explores generated traces through the full pipeline:
// encode, decode, and rebuild the tree.
func FuzzEncodeDecode(f *testing.F) {
	f.Fuzz(rapid.MakeFuzz(func(t *rapid.T) {
		spans := genTrace(t)
		enc, err := NewEncoder(FormatStdouttrace, nil)
		if err != nil {
			t.Fatal(err)
		}
		payload, _ := enc.Encode(spans)
		out, err := Decode(bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("Decode failed on encoder output:\n%s\nerror: %v", payload, err)
		}
		if trees := BuildTrees(out, nil); len(trees) != 1 {
			t.Fatalf("got %d trees, want 1", len(trees))
		}
	}))
}
