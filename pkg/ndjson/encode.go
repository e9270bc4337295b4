// ND-JSON encoding of finished spans, one JSON document per line
// The stdouttrace format reuses the SDK's own span mapping; otlp emits protojson TracesData
package ndjson

import (
	"bytes"
	"encoding/json"
	"fmt"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
)

// Format identifies the line encoding of a trace artifact.
type Format string

const (
	FormatStdouttrace Format = "stdouttrace"
	FormatOTLP        Format = "otlp"
)

// ParseFormat validates a format name. The empty string selects stdouttrace.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatStdouttrace:
		return FormatStdouttrace, nil
	case FormatOTLP:
		return FormatOTLP, nil
	default:
		return "", fmt.Errorf("unknown format %q, valid formats: stdouttrace, otlp", s)
	}
}

// Encoder turns a trace's spans into an ND-JSON payload.
type Encoder struct {
	format Format
	logger *zap.Logger
}

// NewEncoder returns an Encoder for format. A nil logger discards warnings.
func NewEncoder(format Format, logger *zap.Logger) (*Encoder, error) {
	f, err := ParseFormat(string(format))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Encoder{format: f, logger: logger}, nil
}

// Format returns the encoder's line format.
func (e *Encoder) Format() Format {
	return e.format
}

// Encode serializes spans in order, one line each, every line terminated by
// a newline. Spans that cannot be encoded are logged and left out. It
// returns the payload and the number of spans written; a nil payload means
// nothing was encodable.
func (e *Encoder) Encode(spans []sdktrace.ReadOnlySpan) ([]byte, int) {
	var buf bytes.Buffer
	n := 0
	for _, s := range spans {
		line, err := e.encodeSpan(s)
		if err != nil {
			sc := s.SpanContext()
			e.logger.Warn("skipping span that could not be encoded",
				zap.Stringer("trace_id", sc.TraceID()),
				zap.Stringer("span_id", sc.SpanID()),
				zap.String("span_name", s.Name()),
				zap.Error(err),
			)
			continue
		}
		buf.Write(line)
		buf.WriteByte('\n')
		n++
	}
	if n == 0 {
		return nil, 0
	}
	return buf.Bytes(), n
}

// EncodeSpan serializes a single span without the trailing newline.
func (e *Encoder) EncodeSpan(s sdktrace.ReadOnlySpan) ([]byte, error) {
	return e.encodeSpan(s)
}

func (e *Encoder) encodeSpan(s sdktrace.ReadOnlySpan) (line []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			line, err = nil, fmt.Errorf("encoding span: panic: %v", r)
		}
	}()
	switch e.format {
	case FormatOTLP:
		return encodeOTLP(s)
	default:
		return json.Marshal(tracetest.SpanStubFromReadOnlySpan(s))
	}
}
