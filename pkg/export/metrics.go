// MetricObserver derives flush count, span volume, upload duration, and upload error metrics.
// Uses the OTel Metrics API to record measurements with trigger and outcome attributes.
package export

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/andrewh/spanvault/pkg/upload"
)

// MetricObserver records metrics for each observed flush.
type MetricObserver struct {
	flushes  metric.Int64Counter
	spans    metric.Int64Counter
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewMetricObserver creates a MetricObserver backed by the given MeterProvider.
func NewMetricObserver(mp metric.MeterProvider) (*MetricObserver, error) {
	meter := mp.Meter("spanvault")

	flushes, err := meter.Int64Counter("spanvault.flush.count",
		metric.WithDescription("Number of trace flushes"),
	)
	if err != nil {
		return nil, err
	}

	spans, err := meter.Int64Counter("spanvault.flush.spans",
		metric.WithDescription("Number of spans written to uploaded payloads"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("spanvault.upload.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Duration of trace uploads in milliseconds, retries included"),
	)
	if err != nil {
		return nil, err
	}

	uploadErrors, err := meter.Int64Counter("spanvault.upload.errors",
		metric.WithDescription("Number of trace uploads that failed after retries"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricObserver{
		flushes:  flushes,
		spans:    spans,
		duration: duration,
		errors:   uploadErrors,
	}, nil
}

// ObserveFlush records metrics derived from the completed flush.
func (m *MetricObserver) ObserveFlush(info FlushInfo) {
	ctx := context.Background()
	trigger := attribute.String("trigger", string(info.Trigger))

	m.flushes.Add(ctx, 1, metric.WithAttributes(trigger, attribute.String("outcome", outcome(info))))
	if info.Key == "" {
		return
	}
	m.duration.Record(ctx, float64(info.Duration)/float64(time.Millisecond), metric.WithAttributes(trigger))
	if info.Err != nil {
		class := upload.ClassUnknown
		var uerr *upload.Error
		if errors.As(info.Err, &uerr) {
			class = uerr.Class
		}
		m.errors.Add(ctx, 1, metric.WithAttributes(trigger, attribute.String("error.class", class.String())))
		return
	}
	m.spans.Add(ctx, int64(info.Encoded), metric.WithAttributes(trigger))
}

func outcome(info FlushInfo) string {
	switch {
	case info.Key == "":
		return "empty"
	case info.Err != nil:
		return "failed"
	default:
		return "uploaded"
	}
}
