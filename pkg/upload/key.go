// Object key naming for uploaded traces
// Keys look like {prefix}{sub-prefix}{timestamp}_{trace id}.ndjson
package upload

import (
	"context"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "monocle_trace_"

// KeySuffix ends every object key.
const KeySuffix = ".ndjson"

type keyPrefixKey struct{}

// ContextWithKeyPrefix attaches a per-request sub-prefix to ctx.
func ContextWithKeyPrefix(ctx context.Context, prefix string) context.Context {
	return context.WithValue(ctx, keyPrefixKey{}, prefix)
}

// KeyPrefixFromContext returns the sub-prefix attached to ctx, if any.
func KeyPrefixFromContext(ctx context.Context) string {
	p, _ := ctx.Value(keyPrefixKey{}).(string)
	return p
}

// EnvSubPrefix returns a sub-prefix source that prefers the context value
// and otherwise reads the environment variable name at upload time.
func EnvSubPrefix(name string) func(context.Context) string {
	return func(ctx context.Context) string {
		if p := KeyPrefixFromContext(ctx); p != "" {
			return p
		}
		if name == "" {
			return ""
		}
		return os.Getenv(name)
	}
}

// ObjectKey builds the object key for a trace.
func ObjectKey(prefix, sub string, at time.Time, layout string, id trace.TraceID) string {
	return objectKey(prefix, sub, at.Format(layout), id)
}

func objectKey(prefix, sub, stamp string, id trace.TraceID) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(sub) + len(stamp) + 2*len(id) + len(KeySuffix) + 1)
	b.WriteString(prefix)
	b.WriteString(sub)
	b.WriteString(stamp)
	b.WriteByte('_')
	b.WriteString(id.String())
	b.WriteString(KeySuffix)
	return b.String()
}

// keyLedger remembers the keys issued within the current timestamp so two
// uploads of one trace in the same second get distinct keys. The second
// gets "-2" after the timestamp, the third "-3", and so on.
type keyLedger struct {
	mu     sync.Mutex
	stamp  string
	issued map[string]int
}

// next returns a key no earlier call with the same stamp has returned. The
// stamp is taken under the lock, and the ledger is cleared whenever it
// changes.
func (l *keyLedger) next(prefix, sub string, stampNow func() string, id trace.TraceID) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	stamp := stampNow()
	if stamp != l.stamp || l.issued == nil {
		l.stamp = stamp
		l.issued = make(map[string]int)
	}
	base := objectKey(prefix, sub, stamp, id)
	n := l.issued[base] + 1
	l.issued[base] = n
	if n == 1 {
		return base
	}
	return objectKey(prefix, sub, stamp+"-"+strconv.Itoa(n), id)
}

// hasHexMarker reports whether s contains a 0x or 0X sequence.
func hasHexMarker(s string) bool {
	return strings.Contains(strings.ToLower(s), "0x")
}
