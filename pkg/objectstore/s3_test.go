package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The S3 methods wrap SDK calls that need a live endpoint; those paths
// are covered by the integration tests against MinIO. These tests pin
// the error classification and grant assembly helpers.

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"head not found", &types.NotFound{}, true},
		{"no such key", &types.NoSuchKey{}, true},
		{"wrapped not found", fmt.Errorf("head: %w", &types.NotFound{}), true},
		{"other error", errors.New("connection refused"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isNotFound(tt.err))
		})
	}
}

func TestIsBucketExists(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"already owned", &types.BucketAlreadyOwnedByYou{}, true},
		{"already exists", &types.BucketAlreadyExists{}, true},
		{"wrapped owned", fmt.Errorf("create: %w", &types.BucketAlreadyOwnedByYou{}), true},
		{"other error", errors.New("access denied"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isBucketExists(tt.err))
		})
	}
}

func TestFlattenHeadersKeepsFirstValue(t *testing.T) {
	h := http.Header{}
	h.Set("Host", "bucket.s3.amazonaws.com")
	h.Add("X-Amz-Meta-Note", "first")
	h.Add("X-Amz-Meta-Note", "second")

	out := flattenHeaders(h)
	assert.Equal(t, "bucket.s3.amazonaws.com", out["Host"])
	assert.Equal(t, "first", out["X-Amz-Meta-Note"])
	assert.Len(t, out, 2)
}

func TestFlattenHeadersEmpty(t *testing.T) {
	assert.Nil(t, flattenHeaders(nil))
	assert.Nil(t, flattenHeaders(http.Header{}))
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), Config{S3Region: "us-east-1"}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}
