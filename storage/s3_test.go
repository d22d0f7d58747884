package storage

import (
	"context"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3Storage(t *testing.T) {
	tests := []struct {
		name      string
		bucket    string
		region    string
		wantError bool
	}{
		{"valid bucket and region", "test-bucket", "us-east-1", false},
		{"empty bucket", "", "us-east-1", true},
		{"empty region", "test-bucket", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewS3Storage(tt.bucket, tt.region)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, s.bucket)
			assert.Equal(t, 15*time.Minute, s.presignExpiration)
		})
	}
}

func TestS3Storage_ObjectKey(t *testing.T) {
	s := &S3Storage{bucket: "b"}

	key, err := s.objectKey("runs/1/logs/console.log")
	require.NoError(t, err)
	assert.Equal(t, "runs/1/logs/console.log", key)

	s.keyPrefix = "ui-verdict"
	key, err = s.objectKey("runs/1/network/traffic.har")
	require.NoError(t, err)
	assert.Equal(t, "ui-verdict/runs/1/network/traffic.har", key)

	_, err = s.objectKey("../escape")
	assert.ErrorIs(t, err, ErrInvalidPath)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "image/png", contentTypeFor("runs/1/screenshots/step_1.png"))
	assert.Equal(t, "application/json", contentTypeFor("runs/1/network/traffic.har"))
	assert.Equal(t, "text/plain; charset=utf-8", contentTypeFor("runs/1/logs/console.log"))
	assert.Equal(t, "application/octet-stream", contentTypeFor("runs/1/blob"))
}

func TestNewBlobStorage(t *testing.T) {
	tests := []struct {
		name      string
		cfg       Config
		wantError bool
	}{
		{"local storage", Config{Type: "local", BaseDir: t.TempDir()}, false},
		{"local storage uppercase", Config{Type: "LOCAL", BaseDir: t.TempDir()}, false},
		{"local storage missing base_dir", Config{Type: "local"}, true},
		{"s3 storage", Config{Type: "s3", Bucket: "b", Region: "us-east-1", KeyPrefix: "/p/"}, false},
		{"s3 storage missing bucket", Config{Type: "s3", Region: "us-east-1"}, true},
		{"s3 storage missing region", Config{Type: "s3", Bucket: "b"}, true},
		{"unsupported storage type", Config{Type: "gcs"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewBlobStorage(tt.cfg)
			if tt.wantError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, s)
			if s3s, ok := s.(*S3Storage); ok {
				assert.Equal(t, "p", s3s.keyPrefix)
			}
		})
	}
}

func TestIsS3NotFoundError(t *testing.T) {
	assert.False(t, isS3NotFoundError(nil))
	assert.False(t, isS3NotFoundError(context.Canceled))
	assert.True(t, isS3NotFoundError(&smithy.GenericAPIError{Code: "NoSuchKey"}))
	assert.True(t, isS3NotFoundError(&smithy.GenericAPIError{Code: "NotFound"}))
	assert.False(t, isS3NotFoundError(&smithy.GenericAPIError{Code: "AccessDenied"}))
}
