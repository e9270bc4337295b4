// Tests for the local directory store
package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

func TestCreateAndExists(t *testing.T) {
	t.Parallel()

	s := New(filepath.Join(t.TempDir(), "root"))
	ctx := context.Background()

	ok, err := s.Exists(ctx, "traces")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Create(ctx, "traces", ""))
	ok, err = s.Exists(ctx, "traces")
	require.NoError(t, err)
	assert.True(t, ok)

	err = s.Create(ctx, "traces", "")
	assert.ErrorIs(t, err, blobstore.ErrAlreadyExists)
}

func TestPutWritesFile(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s := New(root)
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "traces", ""))
	require.NoError(t, s.Put(ctx, "traces", "tenant-a/trace.ndjson", []byte("{}\n"), blobstore.ObjectMeta{}))

	data, err := os.ReadFile(filepath.Join(root, "traces", "tenant-a", "trace.ndjson"))
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "traces", "tenant-a"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file should be renamed away")
}

func TestPutMissingContainer(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	err := s.Put(context.Background(), "missing", "k", nil, blobstore.ObjectMeta{})
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestPutRejectsEscapingKey(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, "traces", ""))
	err := s.Put(ctx, "traces", "../outside", nil, blobstore.ObjectMeta{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes container")
}

func TestInvalidContainerName(t *testing.T) {
	t.Parallel()

	s := New(t.TempDir())
	_, err := s.Exists(context.Background(), "a/b")
	assert.Error(t, err)
}
