// Span intake: filter, group by trace, buffer, and flush completed traces
package export

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/andrewh/spanvault/pkg/buffer"
)

// RequireAttribute returns a Filter that accepts spans carrying key.
func RequireAttribute(key attribute.Key) Filter {
	return func(s sdktrace.ReadOnlySpan) bool {
		for _, kv := range s.Attributes() {
			if kv.Key == key {
				return true
			}
		}
		return false
	}
}

type group struct {
	spans []sdktrace.ReadOnlySpan
	root  bool
}

// ExportSpans buffers spans and flushes every trace whose root span is
// among them. Malformed or filtered spans are skipped. Upload failures are
// logged and never returned; the only error is an already finished ctx.
// After Shutdown it does nothing.
func (e *Exporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil
	}

	e.sweep(ctx)

	groups, order := e.group(spans)
	for _, id := range order {
		g := groups[id]
		res := e.buf.Append(id, g.spans, g.root)
		if res.Dropped {
			e.stats.lateSpans.Add(int64(len(g.spans)))
			e.logger.Debug("discarding spans for recently flushed trace",
				zap.Stringer("trace_id", id),
				zap.Int("spans", len(g.spans)),
			)
			continue
		}
		if res.Overflow != nil {
			e.logger.Warn("trace reached span limit, flushing early",
				zap.Stringer("trace_id", id),
				zap.Int("spans", len(res.Overflow.Spans)),
			)
			e.flush(ctx, res.Overflow, TriggerOverflow) //nolint:errcheck // reported through logs and observers
			continue
		}
		if g.root {
			if entry, ok := e.buf.Complete(id); ok {
				e.flushRoot(ctx, entry)
			}
		}
	}
	return nil
}

// group splits spans by trace ID, keeping arrival order within each trace
// and first-seen order across traces.
func (e *Exporter) group(spans []sdktrace.ReadOnlySpan) (map[trace.TraceID]*group, []trace.TraceID) {
	groups := make(map[trace.TraceID]*group)
	var order []trace.TraceID
	for _, s := range spans {
		if s == nil {
			continue
		}
		e.stats.spansReceived.Add(1)
		sc := s.SpanContext()
		if !sc.TraceID().IsValid() {
			e.stats.spansDropped.Add(1)
			e.logger.Warn("skipping span without a valid trace id", zap.String("span_name", s.Name()))
			continue
		}
		if !e.accept(s) {
			e.stats.spansDropped.Add(1)
			continue
		}
		id := sc.TraceID()
		g, ok := groups[id]
		if !ok {
			g = &group{}
			groups[id] = g
			order = append(order, id)
		}
		g.spans = append(g.spans, s)
		if !s.Parent().SpanID().IsValid() {
			g.root = true
		}
	}
	return groups, order
}

func (e *Exporter) accept(s sdktrace.ReadOnlySpan) (ok bool) {
	if e.filter == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("span filter panicked, skipping span",
				zap.Stringer("trace_id", s.SpanContext().TraceID()),
				zap.String("span_name", s.Name()),
				zap.String("panic", fmt.Sprint(r)),
			)
			ok = false
		}
	}()
	return e.filter(s)
}

// flushRoot uploads a completed trace, in the background when a queue is
// configured. A full or stopped queue falls back to an inline upload.
func (e *Exporter) flushRoot(ctx context.Context, entry *buffer.Entry) {
	if e.queue == nil {
		e.flush(ctx, entry, TriggerRoot) //nolint:errcheck // reported through logs and observers
		return
	}
	err := e.queue.Enqueue(e.rootTask(entry))
	if err == nil {
		return
	}
	e.stats.inlineFallbacks.Add(1)
	e.logger.Debug("uploading inline, offload queue unavailable",
		zap.Stringer("trace_id", entry.TraceID),
		zap.Error(err),
	)
	e.flush(ctx, entry, TriggerRoot) //nolint:errcheck // reported through logs and observers
}
