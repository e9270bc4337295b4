// Local directory Store: each container is a directory under a root
// Objects are written to a temporary file and renamed into place
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

// Store writes objects beneath root.
type Store struct {
	root string
}

// New returns a Store rooted at root. The root is created on first use.
func New(root string) *Store {
	return &Store{root: root}
}

// Root returns the directory the store writes under.
func (s *Store) Root() string {
	return s.root
}

// Exists reports whether the container directory exists.
func (s *Store) Exists(_ context.Context, container string) (bool, error) {
	dir, err := s.containerDir(container)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return false, fmt.Errorf("%s is not a directory", dir)
		}
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, translate(err)
	}
}

// Create makes the container directory. The region is ignored.
func (s *Store) Create(_ context.Context, container, _ string) error {
	dir, err := s.containerDir(container)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return translate(err)
	}
	if err := os.Mkdir(dir, 0o755); err != nil {
		return translate(err)
	}
	return nil
}

// Put writes body to key inside the container. Keys may contain forward
// slashes, which become subdirectories.
func (s *Store) Put(ctx context.Context, container, key string, body []byte, _ blobstore.ObjectMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.containerDir(container)
	if err != nil {
		return err
	}
	if _, err := os.Stat(dir); err != nil {
		return translate(err)
	}
	path := filepath.Join(dir, filepath.FromSlash(key))
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("object key %q escapes container", key)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return translate(err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return translate(err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // gone after a successful rename
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return translate(err)
	}
	if err := tmp.Close(); err != nil {
		return translate(err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return translate(err)
	}
	return nil
}

func (s *Store) containerDir(container string) (string, error) {
	if container == "" || container == "." || container == ".." || strings.ContainsAny(container, `/\`) {
		return "", fmt.Errorf("invalid container name %q", container)
	}
	return filepath.Join(s.root, container), nil
}

func translate(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return blobstore.Wrap(blobstore.ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return blobstore.Wrap(blobstore.ErrAlreadyExists, err)
	case errors.Is(err, fs.ErrPermission):
		return blobstore.Wrap(blobstore.ErrUnauthorized, err)
	}
	return err
}
