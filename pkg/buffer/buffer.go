// In-memory trace buffer keyed by trace ID
// Entries leave only through the Take family, each under the buffer's single mutex
package buffer

import (
	"cmp"
	"slices"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Entry is one trace's accumulated spans.
type Entry struct {
	TraceID   trace.TraceID
	Spans     []sdktrace.ReadOnlySpan
	CreatedAt time.Time
	HasRoot   bool
	seq       uint64
}

// AppendResult reports what an Append did.
type AppendResult struct {
	// Created is set when the append opened a new entry.
	Created bool
	// Spans is the entry's span count after the append.
	Spans int
	// Dropped is set when the trace was recently completed and the spans
	// were discarded.
	Dropped bool
	// Overflow holds the entry when the append reached the span limit. The
	// entry has already been removed from the buffer.
	Overflow *Entry
}

// Buffer holds spans until their trace is flushed.
type Buffer struct {
	mu           sync.Mutex
	entries      map[trace.TraceID]*Entry
	tombstones   map[trace.TraceID]time.Time
	now          func() time.Time
	maxSpans     int
	tombstoneTTL time.Duration
	seq          uint64
	spans        int
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock sets the time source used for entry ages.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithMaxSpans makes Append remove an entry once it holds n spans. Zero
// means no limit.
func WithMaxSpans(n int) Option {
	return func(b *Buffer) { b.maxSpans = n }
}

// WithTombstones makes Complete and TakeExpired remember trace IDs for ttl.
// Spans arriving for a remembered trace are dropped instead of opening a
// new entry.
func WithTombstones(ttl time.Duration) Option {
	return func(b *Buffer) { b.tombstoneTTL = ttl }
}

// New returns an empty Buffer.
func New(opts ...Option) *Buffer {
	b := &Buffer{
		entries:    make(map[trace.TraceID]*Entry),
		tombstones: make(map[trace.TraceID]time.Time),
		now:        time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Append adds spans to the trace's entry, creating it if needed. hasRoot
// marks the entry as holding its root span; it never clears.
func (b *Buffer) Append(id trace.TraceID, spans []sdktrace.ReadOnlySpan, hasRoot bool) AppendResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if b.tombstoned(id, now) {
		return AppendResult{Dropped: true}
	}

	var res AppendResult
	e, ok := b.entries[id]
	if !ok {
		b.seq++
		e = &Entry{TraceID: id, CreatedAt: now, seq: b.seq}
		b.entries[id] = e
		res.Created = true
	}
	e.Spans = append(e.Spans, spans...)
	e.HasRoot = e.HasRoot || hasRoot
	b.spans += len(spans)
	res.Spans = len(e.Spans)

	if b.maxSpans > 0 && len(e.Spans) >= b.maxSpans {
		res.Overflow = b.removeLocked(id)
	}
	return res
}

// Take removes and returns the trace's entry.
func (b *Buffer) Take(id trace.TraceID) (*Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.removeLocked(id)
	return e, e != nil
}

// Complete removes the trace's entry like Take and, when tombstones are
// enabled, remembers the trace as finished.
func (b *Buffer) Complete(id trace.TraceID) (*Entry, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.removeLocked(id)
	if e != nil {
		b.markLocked(id, b.now())
	}
	return e, e != nil
}

// TakeExpired removes every entry older than timeout, oldest first. The
// age check and the removal happen under one lock, so a concurrent Append
// either lands before the removal or opens a fresh entry.
func (b *Buffer) TakeExpired(timeout time.Duration) []*Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var expired []*Entry
	for id, e := range b.entries {
		if now.Sub(e.CreatedAt) > timeout {
			expired = append(expired, b.removeLocked(id))
			b.markLocked(id, now)
		}
	}
	b.pruneLocked(now)
	sortBySeq(expired)
	return expired
}

// IDs returns the buffered trace IDs, oldest first.
func (b *Buffer) IDs() []trace.TraceID {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		entries = append(entries, e)
	}
	sortBySeq(entries)
	ids := make([]trace.TraceID, len(entries))
	for i, e := range entries {
		ids[i] = e.TraceID
	}
	return ids
}

// Len returns the number of buffered traces.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// SpanCount returns the number of buffered spans across all traces.
func (b *Buffer) SpanCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spans
}

func (b *Buffer) removeLocked(id trace.TraceID) *Entry {
	e, ok := b.entries[id]
	if !ok {
		return nil
	}
	delete(b.entries, id)
	b.spans -= len(e.Spans)
	return e
}

func (b *Buffer) markLocked(id trace.TraceID, now time.Time) {
	if b.tombstoneTTL > 0 {
		b.tombstones[id] = now.Add(b.tombstoneTTL)
	}
}

func (b *Buffer) tombstoned(id trace.TraceID, now time.Time) bool {
	until, ok := b.tombstones[id]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(b.tombstones, id)
		return false
	}
	return true
}

func (b *Buffer) pruneLocked(now time.Time) {
	for id, until := range b.tombstones {
		if now.After(until) {
			delete(b.tombstones, id)
		}
	}
}

func sortBySeq(entries []*Entry) {
	slices.SortFunc(entries, func(a, b *Entry) int { return cmp.Compare(a.seq, b.seq) })
}
