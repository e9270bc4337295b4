// Google Cloud Storage Store built on cloud.google.com/go/storage
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

// DefaultLocation is used when a bucket is created without a location.
const DefaultLocation = "US"

// Options configures the GCS client. An empty CredentialsFile uses
// application default credentials.
type Options struct {
	ProjectID       string
	CredentialsFile string
	Endpoint        string
}

// Store implements blobstore.Store against GCS.
type Store struct {
	client    *storage.Client
	projectID string
}

// New creates a client with library retries disabled; the uploader owns
// retry policy.
func New(ctx context.Context, opts Options) (*Store, error) {
	var clientOpts []option.ClientOption
	if opts.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(opts.CredentialsFile))
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	client.SetRetry(storage.WithPolicy(storage.RetryNever))
	return &Store{client: client, projectID: opts.ProjectID}, nil
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Exists reports whether the bucket exists.
func (s *Store) Exists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.Bucket(bucket).Attrs(ctx)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, storage.ErrBucketNotExist) {
		return false, nil
	}
	return false, translate(err)
}

// Create makes the bucket in location, defaulting to DefaultLocation.
func (s *Store) Create(ctx context.Context, bucket, location string) error {
	if s.projectID == "" {
		return errors.New("creating a GCS bucket requires a project ID")
	}
	if location == "" {
		location = DefaultLocation
	}
	err := s.client.Bucket(bucket).Create(ctx, s.projectID, &storage.BucketAttrs{Location: location})
	return translate(err)
}

// Put writes body as a single object.
func (s *Store) Put(ctx context.Context, bucket, key string, body []byte, meta blobstore.ObjectMeta) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = meta.ContentType
	w.ContentEncoding = meta.ContentEncoding
	if _, err := w.Write(body); err != nil {
		cancel()
		_ = w.Close()
		return translate(err)
	}
	return translate(w.Close())
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrBucketNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
		return blobstore.Wrap(blobstore.ErrNotFound, err)
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch code := gErr.Code; {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return blobstore.Wrap(blobstore.ErrUnauthorized, err)
		case code == http.StatusNotFound:
			return blobstore.Wrap(blobstore.ErrNotFound, err)
		case code == http.StatusConflict:
			return blobstore.Wrap(blobstore.ErrAlreadyExists, err)
		case code == http.StatusTooManyRequests:
			return blobstore.Wrap(blobstore.ErrRateLimited, err)
		case code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
			return blobstore.Wrap(blobstore.ErrTransient, err)
		}
	}
	return err
}
