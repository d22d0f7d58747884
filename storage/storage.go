package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"path"
	"strings"
	"time"
)

// BlobStorage stores run artifacts outside the local artifact root.
type BlobStorage interface {
	// Upload stores data from the reader at the specified key.
	Upload(ctx context.Context, key string, reader io.Reader) error

	// Download retrieves data from the specified key.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the data at the specified key.
	Delete(ctx context.Context, key string) error

	// Exists checks if data exists at the specified key.
	Exists(ctx context.Context, key string) (bool, error)

	// GetURL returns a URL for accessing the data at the specified key.
	// For local storage this is the file path; for S3 it is a presigned URL.
	GetURL(ctx context.Context, key string) (string, error)
}

// Config selects and configures a BlobStorage implementation.
type Config struct {
	Type          string // "local" or "s3"
	BaseDir       string
	Bucket        string
	Region        string
	KeyPrefix     string
	PresignExpiry time.Duration
}

// NewBlobStorage creates a BlobStorage implementation based on configuration.
func NewBlobStorage(cfg Config) (BlobStorage, error) {
	switch strings.ToLower(cfg.Type) {
	case "local":
		if cfg.BaseDir == "" {
			return nil, fmt.Errorf("base_dir is required for local storage")
		}
		return NewLocalStorage(cfg.BaseDir)

	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket is required for S3 storage")
		}
		if cfg.Region == "" {
			return nil, fmt.Errorf("region is required for S3 storage")
		}

		s3Storage, err := NewS3Storage(cfg.Bucket, cfg.Region)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
		s3Storage.keyPrefix = strings.Trim(cfg.KeyPrefix, "/")
		if cfg.PresignExpiry > 0 {
			s3Storage.presignExpiration = cfg.PresignExpiry
		}
		return s3Storage, nil

	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// contentTypeFor guesses the MIME type of an artifact from its extension.
func contentTypeFor(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".har":
		return "application/json"
	case ".log":
		return "text/plain; charset=utf-8"
	}
	if ct := mime.TypeByExtension(path.Ext(key)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
