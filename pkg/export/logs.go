// LogObserver derives log records from failed uploads and early flushes.
// Emits ERROR-severity logs for failed uploads and WARN-severity logs for expiry or overflow flushes.
package export

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/log"
)

// LogObserver emits log records for notable flushes.
type LogObserver struct {
	logger log.Logger
}

// NewLogObserver creates a LogObserver that emits logs via the given LoggerProvider.
func NewLogObserver(lp log.LoggerProvider) *LogObserver {
	return &LogObserver{logger: lp.Logger("spanvault")}
}

// ObserveFlush emits a record for failed uploads and for traces flushed by
// expiry or overflow.
func (l *LogObserver) ObserveFlush(info FlushInfo) {
	attrs := []log.KeyValue{
		log.String("trace_id", info.TraceID.String()),
		log.String("trigger", string(info.Trigger)),
		log.Int("spans", info.Spans),
	}
	if info.Key != "" {
		attrs = append(attrs, log.String("key", info.Key))
	}

	if info.Err != nil {
		var rec log.Record
		rec.SetSeverity(log.SeverityError)
		rec.SetSeverityText("ERROR")
		rec.SetBody(log.StringValue(fmt.Sprintf("upload of trace %s failed after %d attempt(s): %v",
			info.TraceID, info.Attempts, info.Err)))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}

	if info.Trigger == TriggerExpiry || info.Trigger == TriggerOverflow {
		var rec log.Record
		rec.SetSeverity(log.SeverityWarn)
		rec.SetSeverityText("WARN")
		body := fmt.Sprintf("trace %s flushed on %s", info.TraceID, info.Trigger)
		if !info.HasRoot {
			body += " without its root span"
		}
		rec.SetBody(log.StringValue(body))
		rec.AddAttributes(attrs...)
		l.logger.Emit(context.Background(), rec)
	}
}
