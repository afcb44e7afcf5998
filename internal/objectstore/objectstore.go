// Package objectstore wraps the S3 client used to persist export results and
// mint time-limited download URLs. The export engine's multipart sink
// (internal/engine) also uses aws-sdk-go-v2 directly; other components go
// through this package.
package objectstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Store uploads and presigns export result objects in a single bucket.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	presign  *s3.PresignClient
	bucket   string
}

// Config configures the underlying S3 client. Endpoint and Region support
// S3-compatible providers (MinIO, R2); leave Endpoint empty for AWS S3.
type Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	ForcePathStyle  bool
}

// New builds a Store from static credentials, matching the rest of the
// codebase's explicit-config-over-ambient-environment convention.
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretAccessKey, "",
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
	}, nil
}

// Key builds the canonical result object key for a job, partitioned by
// tenant so a bucket-wide listing can be scoped per tenant if ever needed.
func Key(tenantID, jobID, format string) string {
	return fmt.Sprintf("exports/%s/%s.%s", tenantID, jobID, format)
}

// Put uploads the full object in one call, used for small results that don't
// need the multipart sink (see engine.S3MultipartSink for the streaming
// path used by the export engine itself).
func (s *Store) Put(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("objectstore: put %s: %w", key, err)
	}
	return nil
}

// Delete removes an object, used by the retention engine when purging
// expired export results.
func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("objectstore: delete %s: %w", key, err)
	}
	return nil
}

// PresignGet returns a time-limited download URL for key. The API surface
// uses a 1h expiry; the completion email uses 24h, since delivery itself can
// lag behind job completion.
func (s *Store) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("objectstore: presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Bucket returns the configured bucket name, used by internal/engine to
// build multipart upload requests directly against the S3 client.
func (s *Store) Bucket() string {
	return s.bucket
}

// Client exposes the underlying *s3.Client for components (internal/engine's
// multipart sink) that need direct access to CreateMultipartUpload/
// UploadPart/CompleteMultipartUpload/AbortMultipartUpload, which the
// Uploader's simpler Upload() does not expose control over mid-stream.
func (s *Store) Client() *s3.Client {
	return s.client
}

// ProbeListOne issues a minimal ListObjectsV2 call (MaxKeys 1) against the
// configured bucket, used by internal/health as the object-store
// reachability check — cheaper than a HEAD on a specific key since it
// doesn't require a known-good object to exist.
func ProbeListOne(ctx context.Context, s *Store) error {
	_, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("objectstore: list probe: %w", err)
	}
	return nil
}
