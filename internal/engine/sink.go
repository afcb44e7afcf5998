package engine

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// minPartSize is the S3 multipart minimum for every part but the last.
const minPartSize = 5 * 1024 * 1024

// ProgressFunc is invoked as the sink crosses the 25/50/75/100% byte
// thresholds against an estimated total size. Implementations (internal/
// worker) publish these onto the broker's job-progress channel.
type ProgressFunc func(ctx context.Context, percent int)

// S3MultipartSink is a destination for encoder output that uploads to S3 as
// a multipart upload, so the full result never has to sit in memory or on
// local disk. Cancellation aborts the in-flight upload rather than leaving
// an orphaned partial object.
type S3MultipartSink struct {
	client   *s3.Client
	bucket   string
	key      string
	progress ProgressFunc

	uploadID string
	partNum  int32
	parts    []s3types.CompletedPart
	buf      []byte

	estimatedTotal int64
	written        int64
	lastMilestone  int
}

// NewS3MultipartSink starts a multipart upload for key. estimatedTotal, if
// known (e.g. from a prior run's result size), drives progress percentage;
// pass 0 if unknown, in which case progress is only reported at Close (100%).
func NewS3MultipartSink(ctx context.Context, client *s3.Client, bucket, key, contentType string, estimatedTotal int64, progress ProgressFunc) (*S3MultipartSink, error) {
	out, err := client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, fmt.Errorf("engine: create multipart upload: %w", err)
	}
	return &S3MultipartSink{
		client:         client,
		bucket:         bucket,
		key:            key,
		progress:       progress,
		uploadID:       aws.ToString(out.UploadId),
		estimatedTotal: estimatedTotal,
	}, nil
}

// Write buffers p and flushes a part to S3 once the buffer reaches the
// multipart minimum part size.
func (s *S3MultipartSink) Write(ctx context.Context, p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	s.written += int64(len(p))

	for len(s.buf) >= minPartSize {
		if err := s.flushPart(ctx, s.buf[:minPartSize]); err != nil {
			return 0, err
		}
		s.buf = s.buf[minPartSize:]
	}

	s.reportProgress(ctx)
	return len(p), nil
}

func (s *S3MultipartSink) reportProgress(ctx context.Context) {
	if s.progress == nil || s.estimatedTotal <= 0 {
		return
	}
	pct := int(float64(s.written) / float64(s.estimatedTotal) * 100)
	for _, milestone := range []int{25, 50, 75} {
		if pct >= milestone && s.lastMilestone < milestone {
			s.lastMilestone = milestone
			s.progress(ctx, milestone)
		}
	}
}

func (s *S3MultipartSink) flushPart(ctx context.Context, part []byte) error {
	s.partNum++
	// part is copied because s.buf's backing array is reused/resliced across
	// calls.
	body := make([]byte, len(part))
	copy(body, part)

	out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(s.key),
		UploadId:   aws.String(s.uploadID),
		PartNumber: aws.Int32(s.partNum),
		Body:       bytes.NewReader(body),
	})
	if err != nil {
		return fmt.Errorf("engine: upload part %d: %w", s.partNum, err)
	}
	s.parts = append(s.parts, s3types.CompletedPart{
		PartNumber: aws.Int32(s.partNum),
		ETag:       out.ETag,
	})
	return nil
}

// Close flushes any remaining buffered bytes as the final part and completes
// the multipart upload, then reports 100% progress.
func (s *S3MultipartSink) Close(ctx context.Context) error {
	if len(s.buf) > 0 || s.partNum == 0 {
		if err := s.flushPart(ctx, s.buf); err != nil {
			return err
		}
		s.buf = nil
	}

	_, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(s.key),
		UploadId:        aws.String(s.uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: s.parts},
	})
	if err != nil {
		return fmt.Errorf("engine: complete multipart upload: %w", err)
	}

	if s.progress != nil {
		s.progress(ctx, 100)
	}
	return nil
}

// Abort cancels the multipart upload, leaving no partial object in the
// bucket. Called when the job context is canceled mid-export.
func (s *S3MultipartSink) Abort(ctx context.Context) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(s.uploadID),
	})
	if err != nil {
		return fmt.Errorf("engine: abort multipart upload: %w", err)
	}
	return nil
}
