// Uploader writes serialized traces to a Store with classified retries
// Fatal errors stop immediately; retryable and unclassified errors back off and retry
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

// Payload compression modes.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
)

// Config configures an Uploader.
type Config struct {
	Container string
	Region    string // used only when provisioning the container
	Prefix    string
	// SubPrefix is consulted on every upload. Nil falls back to the
	// context value set by ContextWithKeyPrefix.
	SubPrefix   func(context.Context) string
	Retry       RetryPolicy
	Compression string
	Now         func() time.Time
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, wait time.Duration, err error)
}

// Result describes a completed upload.
type Result struct {
	Key      string
	Attempts int
	Bytes    int
}

// Error reports an upload that failed after its final attempt.
type Error struct {
	TraceID  trace.TraceID
	Key      string
	Attempts int
	Class    Class
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("uploading trace %s to %s failed after %d attempt(s) (%s): %v",
		e.TraceID, e.Key, e.Attempts, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

var errEmptyPayload = errors.New("empty payload")

// Uploader ships payloads to a single container.
type Uploader struct {
	store  blobstore.Store
	cfg    Config
	layout string
	logger *zap.Logger
	keys   keyLedger
}

// New validates cfg and returns an Uploader. A prefix containing 0x is
// rejected.
func New(store blobstore.Store, cfg Config, logger *zap.Logger) (*Uploader, error) {
	if store == nil {
		return nil, errors.New("upload: store is required")
	}
	if cfg.Container == "" {
		return nil, errors.New("upload: container is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if hasHexMarker(cfg.Prefix) {
		return nil, fmt.Errorf("upload: key prefix %q must not contain 0x", cfg.Prefix)
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}
	if err := cfg.Retry.Validate(); err != nil {
		return nil, fmt.Errorf("upload: %w", err)
	}
	switch cfg.Compression {
	case "":
		cfg.Compression = CompressionNone
	case CompressionNone, CompressionGzip:
	default:
		return nil, fmt.Errorf("upload: unknown compression %q, valid: none, gzip", cfg.Compression)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		store:  store,
		cfg:    cfg,
		layout: blobstore.TimeLayout(store),
		logger: logger,
	}, nil
}

// Container returns the destination container name.
func (u *Uploader) Container() string {
	return u.cfg.Container
}

// Provision makes sure the destination container exists.
func (u *Uploader) Provision(ctx context.Context) error {
	return blobstore.Ensure(ctx, u.store, u.cfg.Container, u.cfg.Region)
}

// Key returns the base object key for a trace uploaded now. Upload adds a
// counter after the timestamp when the same trace was already uploaded in
// that second.
func (u *Uploader) Key(ctx context.Context, id trace.TraceID) string {
	return ObjectKey(u.cfg.Prefix, u.subPrefix(ctx), u.cfg.Now().UTC(), u.layout, id)
}

// nextKey returns a key unique among this uploader's uploads.
func (u *Uploader) nextKey(ctx context.Context, id trace.TraceID) string {
	return u.keys.next(u.cfg.Prefix, u.subPrefix(ctx), func() string {
		return u.cfg.Now().UTC().Format(u.layout)
	}, id)
}

// subPrefix resolves the sub-prefix for ctx. One that would put 0x in the
// key is dropped with a warning.
func (u *Uploader) subPrefix(ctx context.Context) string {
	var sub string
	if u.cfg.SubPrefix != nil {
		sub = u.cfg.SubPrefix(ctx)
	} else {
		sub = KeyPrefixFromContext(ctx)
	}
	if sub != "" && hasHexMarker(u.cfg.Prefix+sub) {
		u.logger.Warn("ignoring key sub-prefix containing 0x", zap.String("sub_prefix", sub))
		sub = ""
	}
	return sub
}

// Upload writes payload as a new artifact for trace id. Each call gets its
// own key; retries within the call reuse it.
func (u *Uploader) Upload(ctx context.Context, payload []byte, id trace.TraceID) (Result, error) {
	return u.UploadAs(ctx, u.nextKey(ctx, id), payload, id)
}

// UploadAs writes payload under an explicit key. Every attempt targets the
// same key, so a retried write overwrites rather than duplicates.
func (u *Uploader) UploadAs(ctx context.Context, key string, payload []byte, id trace.TraceID) (Result, error) {
	if len(payload) == 0 {
		return Result{Key: key}, &Error{TraceID: id, Key: key, Class: ClassFatal, Err: errEmptyPayload}
	}
	body, meta, err := u.encodeBody(payload)
	if err != nil {
		return Result{Key: key}, &Error{TraceID: id, Key: key, Class: ClassFatal, Err: err}
	}

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		err := u.store.Put(ctx, u.cfg.Container, key, body, meta)
		if err == nil {
			return struct{}{}, nil
		}
		switch Classify(err) {
		case ClassFatal:
			return struct{}{}, backoff.Permanent(err)
		case ClassUnknown:
			u.logger.Warn("unclassified upload error, treating as retryable",
				zap.Stringer("trace_id", id),
				zap.String("key", key),
				zap.Error(err),
			)
		}
		return struct{}{}, err
	}
	notify := func(err error, wait time.Duration) {
		u.logger.Warn("upload attempt failed, retrying",
			zap.Stringer("trace_id", id),
			zap.String("key", key),
			zap.Int("attempt", attempts),
			zap.Duration("retry_in", wait),
			zap.Error(err),
		)
		if u.cfg.OnRetry != nil {
			u.cfg.OnRetry(attempts, wait, err)
		}
	}

	p := u.cfg.Retry
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithNotify(notify),
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}
	_, err = backoff.Retry(ctx, op, opts...)
	res := Result{Key: key, Attempts: attempts, Bytes: len(body)}
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Err
		}
		return res, &Error{TraceID: id, Key: key, Attempts: attempts, Class: Classify(err), Err: err}
	}
	return res, nil
}

func (u *Uploader) encodeBody(payload []byte) ([]byte, blobstore.ObjectMeta, error) {
	meta := blobstore.ObjectMeta{ContentType: blobstore.ContentTypeNDJSON}
	if u.cfg.Compression != CompressionGzip {
		return payload, meta, nil
	}
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		return nil, meta, fmt.Errorf("compressing payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, meta, fmt.Errorf("compressing payload: %w", err)
	}
	meta.ContentEncoding = CompressionGzip
	return buf.Bytes(), meta, nil
}
