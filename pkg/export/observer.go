// FlushObserver interface for deriving signals (metrics, logs) from trace flushes.
// Observers receive flush metadata after each upload attempt completes.
package export

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// FlushInfo holds flush metadata for signal derivation.
type FlushInfo struct {
	TraceID trace.TraceID
	Trigger Trigger
	HasRoot bool
	// Spans is the number of buffered spans; Encoded is how many made it
	// into the payload.
	Spans    int
	Encoded  int
	Bytes    int
	Key      string
	Attempts int
	Duration time.Duration
	Err      error
}

// Uploaded reports whether the flush wrote an object.
func (f FlushInfo) Uploaded() bool {
	return f.Err == nil && f.Key != ""
}

// FlushObserver receives flush metadata after each flush. Observers may be
// called from several goroutines at once.
type FlushObserver interface {
	ObserveFlush(info FlushInfo)
}

// FlushObserverFunc adapts a function to FlushObserver.
type FlushObserverFunc func(FlushInfo)

func (f FlushObserverFunc) ObserveFlush(info FlushInfo) { f(info) }
