// Azure Blob Storage Store built on the azblob SDK
package azurestore

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

// Store implements blobstore.Store against a storage account.
type Store struct {
	client *azblob.Client
}

// New connects with an account connection string. SDK retries are
// disabled; the uploader owns retry policy.
func New(connectionString string) (*Store, error) {
	if connectionString == "" {
		return nil, errors.New("azure connection string is required")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating azure blob client: %w", err)
	}
	return &Store{client: client}, nil
}

// Exists reports whether the container exists.
func (s *Store) Exists(ctx context.Context, container string) (bool, error) {
	_, err := s.client.ServiceClient().NewContainerClient(container).GetProperties(ctx, nil)
	if err == nil {
		return true, nil
	}
	if bloberror.HasCode(err, bloberror.ContainerNotFound) {
		return false, nil
	}
	return false, translate(err)
}

// Create makes the container. Azure containers live in the account's
// region, so region is ignored.
func (s *Store) Create(ctx context.Context, container, _ string) error {
	_, err := s.client.CreateContainer(ctx, container, nil)
	return translate(err)
}

// Put uploads body as a block blob.
func (s *Store) Put(ctx context.Context, container, key string, body []byte, meta blobstore.ObjectMeta) error {
	headers := &blob.HTTPHeaders{}
	if meta.ContentType != "" {
		headers.BlobContentType = to.Ptr(meta.ContentType)
	}
	if meta.ContentEncoding != "" {
		headers.BlobContentEncoding = to.Ptr(meta.ContentEncoding)
	}
	_, err := s.client.UploadBuffer(ctx, container, key, body, &azblob.UploadBufferOptions{
		HTTPHeaders: headers,
	})
	return translate(err)
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case bloberror.HasCode(err, bloberror.ContainerAlreadyExists):
		return blobstore.Wrap(blobstore.ErrAlreadyExists, err)
	case bloberror.HasCode(err, bloberror.ContainerNotFound, bloberror.ResourceNotFound):
		return blobstore.Wrap(blobstore.ErrNotFound, err)
	case bloberror.HasCode(err,
		bloberror.AuthenticationFailed,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.InsufficientAccountPermissions,
		bloberror.AccountIsDisabled):
		return blobstore.Wrap(blobstore.ErrUnauthorized, err)
	case bloberror.HasCode(err, bloberror.ServerBusy):
		return blobstore.Wrap(blobstore.ErrRateLimited, err)
	case bloberror.HasCode(err, bloberror.OperationTimedOut, bloberror.InternalError, bloberror.ContainerBeingDeleted):
		return blobstore.Wrap(blobstore.ErrTransient, err)
	}

	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.StatusCode; {
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
