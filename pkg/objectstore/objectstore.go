// Package objectstore issues presigned upload grants and answers
// existence checks against the media object store. Flow essence never
// passes through this process; callers upload directly with a grant
// and the metadata layer only records the outcome.
package objectstore

import (
	"context"
	"time"
)

// UploadGrant is a presigned PUT request a caller can replay to upload
// exactly one object. The signature covers the method, URL and headers
// as issued, so callers must not add or change headers.
type UploadGrant struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// ObjectInfo reports whether an object landed in the store and how
// large it is.
type ObjectInfo struct {
	Exists bool
	Size   int64
}

// Store is the capability surface the allocation workflow needs from
// object storage.
type Store interface {
	// PresignPut issues an upload grant for key, valid for ttl.
	PresignPut(ctx context.Context, key string, ttl time.Duration) (*UploadGrant, error)

	// Head reports existence and size without fetching content.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// Delete removes the object. Deleting a missing key is not an
	// error.
	Delete(ctx context.Context, key string) error

	// HealthCheck verifies the backing bucket is reachable.
	HealthCheck(ctx context.Context) error
}

// Config holds object store connection settings.
type Config struct {
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}
