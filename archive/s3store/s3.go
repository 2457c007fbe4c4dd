// Package s3store implements the archival tier on S3 or an S3-compatible service such as MinIO.
package s3store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/wolfeidau/nodestore/archive"
	"github.com/wolfeidau/nodestore/telemetry"
)

// DefaultRetryAttempts is the default maximum attempts per request, including the first.
const DefaultRetryAttempts = 3

// Client is the subset of the S3 API used by the store.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Config holds S3 connection settings.
type Config struct {
	Bucket string

	// Region defaults to us-east-1 when empty.
	Region string

	// Endpoint overrides the service endpoint (e.g. a MinIO URL) and enables path-style addressing.
	Endpoint string

	// AccessKeyID and SecretAccessKey select static credentials. When empty the
	// default AWS credential chain is used.
	AccessKeyID     string
	SecretAccessKey string

	// RetryAttempts is the maximum attempts per request. Zero uses DefaultRetryAttempts.
	RetryAttempts int

	// HTTPClient overrides the HTTP client. By default requests go through an
	// instrumented transport.
	HTTPClient *http.Client
}

// Store implements archive.Store on an S3 bucket.
type Store struct {
	client Client
	bucket string
}

// New builds an S3 client from cfg and returns a store for cfg.Bucket.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3store: bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: telemetry.NewInstrumentedTransport(nil, "s3")}
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(cfg.HTTPClient),
		awsconfig.WithRetryer(func() aws.Retryer {
			return retry.NewStandard(func(o *retry.StandardOptions) {
				o.MaxAttempts = cfg.RetryAttempts
			})
		}),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewFromClient(client, cfg.Bucket), nil
}

// NewFromClient returns a store using an existing client.
// The client is shared, not owned: the store never closes it.
func NewFromClient(client Client, bucket string) *Store {
	return &Store{client: client, bucket: bucket}
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string {
	return s.bucket
}

// Get retrieves the object at key. The Content-Encoding metadata carries the codec tag.
func (s *Store) Get(ctx context.Context, key string) (*archive.Object, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, archive.ErrNotFound
		}
		return nil, fmt.Errorf("s3 get object %s: %w", key, err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read object %s: %w", key, err)
	}

	return &archive.Object{
		Body:            data,
		ContentEncoding: aws.ToString(out.ContentEncoding),
	}, nil
}

// Delete removes the object at key.
// S3 reports success when deleting a missing key, so existence is checked
// first to surface archive.ErrNotFound.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return archive.ErrNotFound
		}
		return fmt.Errorf("s3 head object %s: %w", key, err)
	}

	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return archive.ErrNotFound
		}
		return fmt.Errorf("s3 delete object %s: %w", key, err)
	}
	return nil
}

// isNotFound reports whether err means the key does not exist.
// A missing bucket is not treated as a missing key.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

var _ archive.Store = (*Store)(nil)
