// Exporter buffers finished spans per trace and uploads each trace as one ND-JSON object
// A trace is flushed when its root arrives, when it expires, when it overflows, or on ForceFlush
package export

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/andrewh/spanvault/pkg/buffer"
	"github.com/andrewh/spanvault/pkg/deadletter"
	"github.com/andrewh/spanvault/pkg/ndjson"
	"github.com/andrewh/spanvault/pkg/offload"
	"github.com/andrewh/spanvault/pkg/upload"
)

// Defaults.
const (
	DefaultTimeout          = 60 * time.Second
	DefaultMaxSpansPerTrace = 10000
	DefaultDrainTimeout     = 30 * time.Second
)

const deadLetterTimeout = 5 * time.Second

// Trigger names the reason a trace was flushed.
type Trigger string

const (
	TriggerRoot     Trigger = "root"
	TriggerExpiry   Trigger = "expiry"
	TriggerOverflow Trigger = "overflow"
	TriggerFlush    Trigger = "flush"
)

// Filter decides whether a span is buffered. Rejected spans are counted
// and discarded.
type Filter func(sdktrace.ReadOnlySpan) bool

type options struct {
	timeout       time.Duration
	maxSpans      int
	sweepInterval time.Duration
	tombstoneTTL  time.Duration
	drainTimeout  time.Duration
	filter        Filter
	encoder       *ndjson.Encoder
	offload       *offload.Config
	deadLetters   deadletter.Sink
	observers     []FlushObserver
	logger        *zap.Logger
	now           func() time.Time
	provision     bool
}

// Option configures an Exporter.
type Option func(*options)

// WithTimeout sets how long a trace may stay buffered without its root.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithMaxSpansPerTrace bounds a single buffered trace. Zero disables the bound.
func WithMaxSpansPerTrace(n int) Option {
	return func(o *options) { o.maxSpans = n }
}

// WithSweepInterval runs the expiry sweep on a ticker as well as on every
// ExportSpans call. Zero disables the ticker.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithTombstoneTTL makes the exporter discard spans of a trace that was
// flushed by its root or by expiry within ttl.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(o *options) { o.tombstoneTTL = ttl }
}

// WithFilter sets the span filter. The default accepts every span.
func WithFilter(f Filter) Option {
	return func(o *options) { o.filter = f }
}

// WithEncoder sets the payload encoder. The default writes stdouttrace lines.
func WithEncoder(e *ndjson.Encoder) Option {
	return func(o *options) { o.encoder = e }
}

// WithOffload uploads root-triggered flushes on a background queue.
func WithOffload(cfg offload.Config) Option {
	return func(o *options) { o.offload = &cfg }
}

// WithDrainTimeout bounds how long Shutdown waits for queued uploads.
func WithDrainTimeout(d time.Duration) Option {
	return func(o *options) { o.drainTimeout = d }
}

// WithDeadLetterSink keeps payloads whose upload failed.
func WithDeadLetterSink(s deadletter.Sink) Option {
	return func(o *options) { o.deadLetters = s }
}

// WithObservers registers flush observers.
func WithObservers(obs ...FlushObserver) Option {
	return func(o *options) { o.observers = append(o.observers, obs...) }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock sets the time source for trace ages.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithoutProvisioning skips creating the destination container in New.
func WithoutProvisioning() Option {
	return func(o *options) { o.provision = false }
}

// Exporter is an sdktrace.SpanExporter that ships whole traces to object storage.
type Exporter struct {
	uploader    *upload.Uploader
	encoder     *ndjson.Encoder
	buf         *buffer.Buffer
	queue       *offload.Queue
	deadLetters deadletter.Sink
	observers   []FlushObserver
	filter      Filter
	logger      *zap.Logger

	timeout      time.Duration
	drainTimeout time.Duration
	stats        counters

	// mu orders ExportSpans calls against Shutdown.
	mu     sync.RWMutex
	closed bool

	shutdownOnce sync.Once
	sweepStop    chan struct{}
	sweepDone    chan struct{}
	sweepCancel  context.CancelFunc
}

var _ sdktrace.SpanExporter = (*Exporter)(nil)

// New returns an Exporter writing through up. Unless WithoutProvisioning is
// given, the destination container is created when missing; a permission
// error there fails construction.
func New(ctx context.Context, up *upload.Uploader, opts ...Option) (*Exporter, error) {
	if up == nil {
		return nil, errors.New("export: uploader is required")
	}
	o := options{
		timeout:      DefaultTimeout,
		maxSpans:     DefaultMaxSpansPerTrace,
		drainTimeout: DefaultDrainTimeout,
		now:          time.Now,
		provision:    true,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout <= 0 {
		return nil, fmt.Errorf("export: timeout must be positive, got %s", o.timeout)
	}
	if o.maxSpans < 0 {
		return nil, fmt.Errorf("export: max spans per trace must not be negative, got %d", o.maxSpans)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.encoder == nil {
		enc, err := ndjson.NewEncoder(ndjson.FormatStdouttrace, o.logger)
		if err != nil {
			return nil, err
		}
		o.encoder = enc
	}

	if o.provision {
		if err := up.Provision(ctx); err != nil {
			return nil, fmt.Errorf("export: provisioning container %q: %w", up.Container(), err)
		}
	}

	bufOpts := []buffer.Option{buffer.WithClock(o.now), buffer.WithMaxSpans(o.maxSpans)}
	if o.tombstoneTTL > 0 {
		bufOpts = append(bufOpts, buffer.WithTombstones(o.tombstoneTTL))
	}

	e := &Exporter{
		uploader:     up,
		encoder:      o.encoder,
		buf:          buffer.New(bufOpts...),
		deadLetters:  o.deadLetters,
		observers:    o.observers,
		filter:       o.filter,
		logger:       o.logger,
		timeout:      o.timeout,
		drainTimeout: o.drainTimeout,
	}
	if o.offload != nil {
		e.queue = offload.New(*o.offload, o.logger)
		e.queue.Start()
	}
	if o.sweepInterval > 0 {
		e.sweepStop = make(chan struct{})
		e.sweepDone = make(chan struct{})
		sweepCtx, cancel := context.WithCancel(context.Background())
		e.sweepCancel = cancel
		go e.runSweeper(sweepCtx, o.sweepInterval)
	}
	return e, nil
}

// Buffered returns the number of traces currently held.
func (e *Exporter) Buffered() int {
	return e.buf.Len()
}

// Pending returns the number of queued or running background uploads.
func (e *Exporter) Pending() int {
	if e.queue == nil {
		return 0
	}
	return e.queue.Pending()
}
