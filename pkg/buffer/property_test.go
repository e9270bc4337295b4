// Property-based tests for the trace buffer using pgregory.net/rapid
// Random interleavings of appends and removals must hand out every span exactly once, in arrival order
package buffer

import (
	"fmt"
	"testing"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"pgregory.net/rapid"
)

func TestProperty_EverySpanLeavesExactlyOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		maxSpans := rapid.IntRange(0, 6).Draw(t, "maxSpans")
		b := New(WithClock(clock.Now), WithMaxSpans(maxSpans))

		appended := make(map[trace.TraceID][]trace.SpanID)
		emitted := make(map[trace.TraceID][]trace.SpanID)
		collect := func(e *Entry) {
			if e == nil {
				return
			}
			for _, s := range e.Spans {
				emitted[e.TraceID] = append(emitted[e.TraceID], s.SpanContext().SpanID())
			}
		}

		next := byte(1)
		steps := rapid.IntRange(1, 60).Draw(t, "steps")
		for i := range steps {
			id := traceID(rapid.ByteRange(1, 4).Draw(t, fmt.Sprintf("trace%d", i)))
			switch rapid.IntRange(0, 3).Draw(t, fmt.Sprintf("op%d", i)) {
			case 0, 1:
				n := rapid.IntRange(1, 3).Draw(t, fmt.Sprintf("n%d", i))
				batch := make([]sdktrace.ReadOnlySpan, 0, n)
				for range n {
					batch = append(batch, span(id, next))
					appended[id] = append(appended[id], trace.SpanID{7: next})
					next++
				}
				res := b.Append(id, batch, rapid.Bool().Draw(t, fmt.Sprintf("root%d", i)))
				collect(res.Overflow)
			case 2:
				e, _ := b.Take(id)
				collect(e)
			case 3:
				clock.Advance(time.Duration(rapid.IntRange(0, 90).Draw(t, fmt.Sprintf("adv%d", i))) * time.Second)
				for _, e := range b.TakeExpired(60 * time.Second) {
					collect(e)
				}
			}
		}
		for _, id := range b.IDs() {
			e, _ := b.Take(id)
			collect(e)
		}

		if b.Len() != 0 || b.SpanCount() != 0 {
			t.Fatalf("buffer not empty after drain: %d traces, %d spans", b.Len(), b.SpanCount())
		}
		for id, want := range appended {
			got := emitted[id]
			if len(got) != len(want) {
				t.Fatalf("trace %s: emitted %d spans, appended %d", id, len(got), len(want))
			}
			for j := range want {
				if got[j] != want[j] {
					t.Fatalf("trace %s: span %d is %s, want %s", id, j, got[j], want[j])
				}
			}
		}
	})
}
