// Classification of upload errors into retryable, fatal, and unknown
package upload

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

// Class is the retry disposition of an upload error.
type Class int

const (
	ClassUnknown Class = iota
	ClassRetryable
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Classify decides whether err is worth retrying. Unknown errors are
// retried by the uploader but logged as unclassified.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassUnknown
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, blobstore.ErrUnauthorized),
		errors.Is(err, blobstore.ErrNotFound):
		return ClassFatal
	case errors.Is(err, blobstore.ErrTransient),
		errors.Is(err, blobstore.ErrRateLimited),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EPIPE):
		return ClassRetryable
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassRetryable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassRetryable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && (dnsErr.IsTemporary || dnsErr.IsTimeout) {
		return ClassRetryable
	}
	return ClassUnknown
}
