package engine

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Result summarizes a completed export run.
type Result struct {
	RowCount  int64
	SizeBytes int64
	Key       string
}

// Run drives a single export job end to end: reads every record off reader,
// encodes it in format, and streams the encoded bytes into an S3 multipart
// upload at key. On cancellation or encoding error it aborts the multipart
// upload instead of leaving a partial object behind.
func Run(ctx context.Context, s3Client *s3.Client, bucket, key, format string, reader *CursorReader, estimatedSizeBytes int64, progress ProgressFunc) (Result, error) {
	encoder, err := NewEncoder(format)
	if err != nil {
		return Result{}, err
	}

	sink, err := NewS3MultipartSink(ctx, s3Client, bucket, key, encoder.ContentType(), estimatedSizeBytes, progress)
	if err != nil {
		return Result{}, err
	}

	var rowCount int64
	writer := sinkWriter{ctx: ctx, sink: sink}

	rows, iterErr := reader.Rows(ctx)
	for rec := range rows {
		if err := encoder.Write(&writer, rec); err != nil {
			_ = sink.Abort(ctx)
			return Result{}, fmt.Errorf("engine: encode record: %w", err)
		}
		rowCount++
	}
	if *iterErr != nil {
		_ = sink.Abort(ctx)
		return Result{}, fmt.Errorf("engine: read source: %w", *iterErr)
	}
	if writer.err != nil {
		_ = sink.Abort(ctx)
		return Result{}, fmt.Errorf("engine: write to sink: %w", writer.err)
	}

	if err := encoder.Close(&writer); err != nil {
		_ = sink.Abort(ctx)
		return Result{}, fmt.Errorf("engine: close encoder: %w", err)
	}
	if writer.err != nil {
		_ = sink.Abort(ctx)
		return Result{}, fmt.Errorf("engine: write to sink: %w", writer.err)
	}

	if err := sink.Close(ctx); err != nil {
		return Result{}, fmt.Errorf("engine: finalize upload: %w", err)
	}

	return Result{RowCount: rowCount, SizeBytes: sink.written, Key: key}, nil
}

// sinkWriter adapts S3MultipartSink's context-taking Write to the plain
// io.Writer interface Encoder implementations expect, since encoders are
// format logic and shouldn't need to know about cancellation plumbing.
type sinkWriter struct {
	ctx  context.Context
	sink *S3MultipartSink
	err  error
}

func (w *sinkWriter) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	n, err := w.sink.Write(w.ctx, p)
	if err != nil {
		w.err = err
	}
	return n, err
}
