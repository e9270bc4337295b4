// Exporter counters and their JSON snapshot
package export

import "sync/atomic"

// Stats is a point-in-time snapshot of exporter activity.
type Stats struct {
	SpansReceived   int64 `json:"spans_received"`
	SpansDropped    int64 `json:"spans_dropped"`
	LateSpans       int64 `json:"late_spans"`
	RootFlushes     int64 `json:"root_flushes"`
	ExpiryFlushes   int64 `json:"expiry_flushes"`
	OverflowFlushes int64 `json:"overflow_flushes"`
	ForcedFlushes   int64 `json:"forced_flushes"`
	UploadsOK       int64 `json:"uploads_ok"`
	UploadsFailed   int64 `json:"uploads_failed"`
	DeadLettered    int64 `json:"dead_lettered"`
	InlineFallbacks int64 `json:"inline_fallbacks"`
	BufferedTraces  int   `json:"buffered_traces"`
	BufferedSpans   int   `json:"buffered_spans"`
}

// Flushes returns the total number of flushes of any trigger.
func (s Stats) Flushes() int64 {
	return s.RootFlushes + s.ExpiryFlushes + s.OverflowFlushes + s.ForcedFlushes
}

type counters struct {
	spansReceived   atomic.Int64
	spansDropped    atomic.Int64
	lateSpans       atomic.Int64
	rootFlushes     atomic.Int64
	expiryFlushes   atomic.Int64
	overflowFlushes atomic.Int64
	forcedFlushes   atomic.Int64
	uploadsOK       atomic.Int64
	uploadsFailed   atomic.Int64
	deadLettered    atomic.Int64
	inlineFallbacks atomic.Int64
}

func (c *counters) flushed(t Trigger) {
	switch t {
	case TriggerRoot:
		c.rootFlushes.Add(1)
	case TriggerExpiry:
		c.expiryFlushes.Add(1)
	case TriggerOverflow:
		c.overflowFlushes.Add(1)
	case TriggerFlush:
		c.forcedFlushes.Add(1)
	}
}

// Stats returns a snapshot of the exporter's counters.
func (e *Exporter) Stats() Stats {
	return Stats{
		SpansReceived:   e.stats.spansReceived.Load(),
		SpansDropped:    e.stats.spansDropped.Load(),
		LateSpans:       e.stats.lateSpans.Load(),
		RootFlushes:     e.stats.rootFlushes.Load(),
		ExpiryFlushes:   e.stats.expiryFlushes.Load(),
		OverflowFlushes: e.stats.overflowFlushes.Load(),
		ForcedFlushes:   e.stats.forcedFlushes.Load(),
		UploadsOK:       e.stats.uploadsOK.Load(),
		UploadsFailed:   e.stats.uploadsFailed.Load(),
		DeadLettered:    e.stats.deadLettered.Load(),
		InlineFallbacks: e.stats.inlineFallbacks.Load(),
		BufferedTraces:  e.buf.Len(),
		BufferedSpans:   e.buf.SpanCount(),
	}
}
