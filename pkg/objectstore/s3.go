package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/avfoundry/tams/pkg/observability"
)

var s3Tracer = otel.Tracer("tams/objectstore")

var _ Store = (*S3Store)(nil)

// S3Store serves upload grants and object checks from an S3-compatible
// bucket.
type S3Store struct {
	client    *s3.Client
	presigner *s3.PresignClient
	bucket    string
	logger    *observability.Logger
	otel      *observability.OTelMetrics
}

// NewS3Store connects to the configured bucket, creating it when it
// does not exist yet (local dev against MinIO).
func NewS3Store(ctx context.Context, cfg Config, logger *observability.Logger, otelMetrics *observability.OTelMetrics) (*S3Store, error) {
	if cfg.S3Bucket == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	if logger == nil {
		logger = observability.NewLogger(observability.InfoLevel, nil)
	}

	var awsConfig aws.Config
	var err error

	if cfg.S3AccessKey != "" && cfg.S3SecretKey != "" {
		// Static credentials, for MinIO or AWS with explicit keys.
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.S3AccessKey,
				cfg.S3SecretKey,
				"",
			)),
		)
	} else {
		// Default credential chain: IAM roles, env vars, etc.
		awsConfig, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.S3Region),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		if cfg.S3UsePathStyle {
			o.UsePathStyle = true
		}
	})

	if err := ensureBucket(ctx, client, cfg.S3Bucket); err != nil {
		return nil, fmt.Errorf("objectstore: ensure bucket %s: %w", cfg.S3Bucket, err)
	}

	logger.WithComponent("objectstore").WithFields(map[string]interface{}{
		"bucket":   cfg.S3Bucket,
		"endpoint": cfg.S3Endpoint,
	}).Info("object store ready")

	return &S3Store{
		client:    client,
		presigner: s3.NewPresignClient(client),
		bucket:    cfg.S3Bucket,
		logger:    logger.WithComponent("objectstore"),
		otel:      otelMetrics,
	}, nil
}

// PresignPut issues a presigned PUT for key valid for ttl.
func (s *S3Store) PresignPut(ctx context.Context, key string, ttl time.Duration) (*UploadGrant, error) {
	ctx, span := s3Tracer.Start(ctx, "objectstore.presign_put",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	s.otel.RecordObjectOperation(ctx, "presign_put", s.bucket, time.Since(start), 0, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "presign failed")
		return nil, fmt.Errorf("failed to presign upload for %s: %w", key, err)
	}

	return &UploadGrant{
		Method:    req.Method,
		URL:       req.URL,
		Headers:   flattenHeaders(req.SignedHeader),
		ExpiresAt: time.Now().Add(ttl).UTC(),
	}, nil
}

// Head reports whether key exists and its size.
func (s *S3Store) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	ctx, span := s3Tracer.Start(ctx, "objectstore.head",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		s.otel.RecordObjectOperation(ctx, "head", s.bucket, time.Since(start), 0, nil)
		return &ObjectInfo{}, nil
	}
	s.otel.RecordObjectOperation(ctx, "head", s.bucket, time.Since(start), 0, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "head failed")
		return nil, fmt.Errorf("failed to stat object %s: %w", key, err)
	}

	info := &ObjectInfo{Exists: true}
	if out.ContentLength != nil {
		info.Size = *out.ContentLength
	}
	span.SetAttributes(attribute.Int64("content.size", info.Size))
	return info, nil
}

// Delete removes key from the bucket.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	ctx, span := s3Tracer.Start(ctx, "objectstore.delete",
		trace.WithAttributes(
			attribute.String("s3.bucket", s.bucket),
			attribute.String("s3.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	s.otel.RecordObjectOperation(ctx, "delete", s.bucket, time.Since(start), 0, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delete failed")
		return fmt.Errorf("failed to delete object %s: %w", key, err)
	}
	return nil
}

// HealthCheck verifies bucket connectivity.
func (s *S3Store) HealthCheck(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	})
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", s.bucket, err)
	}
	return nil
}

func ensureBucket(ctx context.Context, client *s3.Client, bucket string) error {
	_, err := client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(bucket),
	})
	if err == nil {
		return nil
	}

	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(bucket),
	})
	if err != nil && !isBucketExists(err) {
		// A racing creator owning the bucket is fine.
		return fmt.Errorf("create bucket %s: %w", bucket, err)
	}
	return nil
}

// flattenHeaders keeps the first value of each signed header. Presigned
// PUTs sign single-valued headers only.
func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			out[name] = values[0]
		}
	}
	return out
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var notFound *types.NotFound
	var noSuchKey *types.NoSuchKey
	return errors.As(err, &notFound) || errors.As(err, &noSuchKey)
}

func isBucketExists(err error) bool {
	if err == nil {
		return false
	}
	var owned *types.BucketAlreadyOwnedByYou
	var exists *types.BucketAlreadyExists
	return errors.As(err, &owned) || errors.As(err, &exists)
}
