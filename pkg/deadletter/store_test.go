// Tests for the SQLite dead-letter store and redelivery
package deadletter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"

	"github.com/andrewh/spanvault/pkg/blobstore"
	"github.com/andrewh/spanvault/pkg/blobstore/memstore"
	"github.com/andrewh/spanvault/pkg/upload"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "deadletters.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func letter(n byte, failedAt time.Time) Letter {
	return Letter{
		TraceID:  trace.TraceID{15: n},
		Key:      "monocle_trace_key_" + string('a'+rune(n)) + ".ndjson",
		Trigger:  "root",
		Payload:  []byte(`{"Name":"op"}` + "\n"),
		Error:    "503 service unavailable",
		Attempts: 3,
		FailedAt: failedAt,
	}
}

func TestRecordAndList(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	id2, err := s.Record(ctx, letter(2, base.Add(time.Minute)))
	require.NoError(t, err)
	id1, err := s.Record(ctx, letter(1, base))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id1)

	letters, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, letters, 2)
	assert.Equal(t, id1, letters[0].ID, "oldest first")
	assert.Equal(t, id2, letters[1].ID)
	assert.Equal(t, trace.TraceID{15: 1}, letters[0].TraceID)
	assert.Equal(t, "root", letters[0].Trigger)
	assert.Equal(t, 3, letters[0].Attempts)
	assert.True(t, letters[0].FailedAt.Equal(base))

	limited, err := s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGetAndDelete(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.Record(ctx, letter(1, time.Time{}))
	require.NoError(t, err)

	l, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, l.FailedAt.IsZero(), "failure time defaults to now")

	require.NoError(t, s.Delete(ctx, id))
	_, err = s.Get(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, id), ErrNotFound)
}

func TestPurge(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range byte(4) {
		_, err := s.Record(ctx, letter(i, base.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	n, err := s.Purge(ctx, base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.Purge(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReopenKeepsData(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "deadletters.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), letter(1, time.Time{}))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck // test cleanup
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRedrive(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := s.Record(ctx, letter(1, base))
	require.NoError(t, err)
	_, err = s.Record(ctx, letter(2, base.Add(time.Minute)))
	require.NoError(t, err)

	store := memstore.New("traces")
	store.FailNext(1, blobstore.Wrap(blobstore.ErrUnauthorized, errors.New("403")))
	up, err := upload.New(store, upload.Config{Container: "traces"}, nil)
	require.NoError(t, err)

	res, err := s.Redrive(ctx, up, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Delivered)
	assert.Equal(t, 1, res.Failed)

	objs := store.Objects()
	require.Len(t, objs, 1)
	assert.Equal(t, letter(2, time.Time{}).Key, objs[0].Key, "redelivery keeps the original key")

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "the failed letter stays")
}
