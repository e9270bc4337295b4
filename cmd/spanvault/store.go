// Storage backend selection from configuration
package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andrewh/spanvault/pkg/blobstore"
	"github.com/andrewh/spanvault/pkg/blobstore/azurestore"
	"github.com/andrewh/spanvault/pkg/blobstore/filestore"
	"github.com/andrewh/spanvault/pkg/blobstore/gcsstore"
	"github.com/andrewh/spanvault/pkg/blobstore/memstore"
	"github.com/andrewh/spanvault/pkg/blobstore/s3store"
	"github.com/andrewh/spanvault/pkg/config"
	"github.com/andrewh/spanvault/pkg/upload"
)

// openStore builds the configured backend. The returned close function is
// never nil.
func openStore(ctx context.Context, cfg *config.Config) (blobstore.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Backend {
	case config.BackendS3:
		s, err := s3store.New(ctx, s3store.Options{
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			UsePathStyle:    cfg.S3.PathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case config.BackendAzure:
		s, err := azurestore.New(cfg.Azure.ConnectionString)
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case config.BackendGCS:
		s, err := gcsstore.New(ctx, gcsstore.Options{
			ProjectID:       cfg.GCS.ProjectID,
			CredentialsFile: cfg.GCS.CredentialsFile,
			Endpoint:        cfg.GCS.Endpoint,
		})
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case config.BackendFile:
		return filestore.New(cfg.File.Root), noop, nil
	case config.BackendMemory:
		return memstore.New(), noop, nil
	default:
		return nil, noop, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// newUploader builds an uploader for the configured container.
func newUploader(cfg *config.Config, store blobstore.Store, logger *zap.Logger) (*upload.Uploader, error) {
	ucfg := upload.Config{
		Container:   cfg.Container(),
		Region:      cfg.Region(),
		Prefix:      cfg.Upload.Prefix,
		Retry:       cfg.RetryPolicy(),
		Compression: cfg.Upload.Compression,
		OnRetry: func(attempt int, wait time.Duration, err error) {
			logger.Debug("retrying upload", zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		},
	}
	if cfg.Upload.SubPrefixEnv != "" {
		ucfg.SubPrefix = upload.EnvSubPrefix(cfg.Upload.SubPrefixEnv)
	}
	return upload.New(store, ucfg, logger)
}
