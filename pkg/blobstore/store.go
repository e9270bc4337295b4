// Object storage abstraction shared by every trace destination.
// Backend adapters translate vendor errors into the sentinel errors declared here.
package blobstore

import (
	"context"
	"errors"
	"fmt"
)

// ContentTypeNDJSON is the media type of every uploaded trace payload.
const ContentTypeNDJSON = "application/x-ndjson"

// DefaultTimeLayout is the object key timestamp layout used when a store does not declare one.
const DefaultTimeLayout = "2006-01-02_15.04.05"

// Sentinel error kinds. Adapters join one of these with the vendor error so
// callers can match with errors.Is while the original detail stays in the chain.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrRateLimited   = errors.New("rate limited")
	ErrTransient     = errors.New("transient failure")
)

// ObjectMeta carries the headers written with an object.
type ObjectMeta struct {
	ContentType     string
	ContentEncoding string
}

// Store is the object storage surface the exporter needs: container
// existence, container creation, and whole-object writes.
type Store interface {
	Exists(ctx context.Context, container string) (bool, error)
	Create(ctx context.Context, container, region string) error
	Put(ctx context.Context, container, key string, body []byte, meta ObjectMeta) error
}

// TimeLayouter is implemented by stores whose object keys use a
// backend-specific timestamp layout.
type TimeLayouter interface {
	TimeLayout() string
}

// TimeLayout returns the key timestamp layout for s.
func TimeLayout(s Store) string {
	if tl, ok := s.(TimeLayouter); ok && tl.TimeLayout() != "" {
		return tl.TimeLayout()
	}
	return DefaultTimeLayout
}

// Wrap tags err with kind. It returns nil when err is nil.
func Wrap(kind, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Ensure makes sure container exists, creating it in region when it does not.
// Losing a creation race to another process counts as success.
func Ensure(ctx context.Context, s Store, container, region string) error {
	ok, err := s.Exists(ctx, container)
	if err != nil {
		return fmt.Errorf("checking container %q: %w", container, err)
	}
	if ok {
		return nil
	}
	if err := s.Create(ctx, container, region); err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return nil
		}
		return fmt.Errorf("creating container %q: %w", container, err)
	}
	return nil
}
