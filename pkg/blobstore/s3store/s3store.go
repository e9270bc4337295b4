// Amazon S3 Store built on aws-sdk-go-v2. Works with S3-compatible
// endpoints (MinIO, LocalStack) through BaseEndpoint and path-style addressing.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/andrewh/spanvault/pkg/blobstore"
)

// TimeLayout is the key timestamp layout for S3 objects.
const TimeLayout = "2006-01-02__15.04.05"

// Options configures the S3 client. Empty credentials fall back to the
// SDK's default credential chain.
type Options struct {
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// API is the subset of *s3.Client used by Store.
type API interface {
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Store implements blobstore.Store against S3.
type Store struct {
	client API
}

// New loads AWS configuration and returns a Store. SDK retries are
// disabled; the uploader owns retry policy.
func New(ctx context.Context, opts Options) (*Store, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRetryMaxAttempts(1),
	}
	if opts.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, opts.SessionToken),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.UsePathStyle
	})
	return NewFromClient(client), nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client API) *Store {
	return &Store{client: client}
}

// TimeLayout implements blobstore.TimeLayouter.
func (s *Store) TimeLayout() string { return TimeLayout }

// Exists reports whether the bucket exists and is reachable.
func (s *Store) Exists(ctx context.Context, bucket string) (bool, error) {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)})
	if err == nil {
		return true, nil
	}
	err = translate(err)
	if errors.Is(err, blobstore.ErrNotFound) {
		return false, nil
	}
	return false, err
}

// Create makes the bucket. us-east-1 takes no location constraint.
func (s *Store) Create(ctx context.Context, bucket, region string) error {
	in := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if region != "" && region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(region),
		}
	}
	_, err := s.client.CreateBucket(ctx, in)
	return translate(err)
}

// Put uploads body as a single object.
func (s *Store) Put(ctx context.Context, bucket, key string, body []byte, meta blobstore.ObjectMeta) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if meta.ContentType != "" {
		in.ContentType = aws.String(meta.ContentType)
	}
	if meta.ContentEncoding != "" {
		in.ContentEncoding = aws.String(meta.ContentEncoding)
	}
	_, err := s.client.PutObject(ctx, in)
	return translate(err)
}

// translate maps S3 errors onto blobstore sentinels. Errors it cannot
// place are returned unchanged.
func translate(err error) error {
	if err == nil {
		return nil
	}

	var owned *types.BucketAlreadyOwnedByYou
	if errors.As(err, &owned) {
		return blobstore.Wrap(blobstore.ErrAlreadyExists, err)
	}
	var taken *types.BucketAlreadyExists
	if errors.As(err, &taken) {
		return blobstore.Wrap(blobstore.ErrUnauthorized, fmt.Errorf("bucket name is owned by another account: %w", err))
	}
	var notFound *types.NotFound
	var noBucket *types.NoSuchBucket
	if errors.As(err, &notFound) || errors.As(err, &noBucket) {
		return blobstore.Wrap(blobstore.ErrNotFound, err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken",
			"InvalidToken", "AccountProblem", "AllAccessDisabled", "Forbidden":
			return blobstore.Wrap(blobstore.ErrUnauthorized, err)
		case "SlowDown", "TooManyRequests", "RequestLimitExceeded", "Throttling", "ThrottlingException":
			return blobstore.Wrap(blobstore.ErrRateLimited, err)
		case "RequestTimeout", "RequestTimeTooSkewed", "InternalError", "ServiceUnavailable":
			return blobstore.Wrap(blobstore.ErrTransient, err)
		case "NoSuchBucket", "NotFound":
			return blobstore.Wrap(blobstore.ErrNotFound, err)
		}
	}

	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		switch code := status.HTTPStatusCode(); {
		case code == http.StatusUnauthorized || code == http.StatusForbidden:
			return blobstore.Wrap(blobstore.ErrUnauthorized, err)
		case code == http.StatusNotFound:
			return blobstore.Wrap(blobstore.ErrNotFound, err)
		case code == http.StatusTooManyRequests:
			return blobstore.Wrap(blobstore.ErrRateLimited, err)
		case code == http.StatusRequestTimeout || code >= http.StatusInternalServerError:
			return blobstore.Wrap(blobstore.ErrTransient, err)
		}
	}
	return err
}
