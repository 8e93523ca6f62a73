// Package storage persists export artifacts (conversation transcripts,
// execution reports) to S3-compatible object storage. The data-export task
// handler writes JSON documents here and hands back the object key.
package storage

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrInvalidConfig is returned when required configuration is missing.
	ErrInvalidConfig = errors.New("storage: invalid configuration")

	// ErrUploadFailed wraps provider upload failures.
	ErrUploadFailed = errors.New("storage: upload failed")

	// ErrNotFound is returned when the requested object does not exist.
	ErrNotFound = errors.New("storage: object not found")
)

// Storage is the object-store port consumed by export handlers.
type Storage interface {
	// Put uploads data under the given key with the given content type.
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error

	// Get retrieves an object. The caller closes the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes an object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// SignedURL returns a time-limited download URL for the object.
	SignedURL(ctx context.Context, key string, expirySeconds int64) (string, error)
}

// Config holds S3-compatible storage configuration.
type Config struct {
	// Bucket is the bucket name (required).
	Bucket string `env:"STORAGE_BUCKET"`

	// AccessKey and SecretKey are the static credentials (required).
	AccessKey string `env:"STORAGE_ACCESS_KEY"`
	SecretKey string `env:"STORAGE_SECRET_KEY"`

	// Endpoint is a custom S3 endpoint (optional, for MinIO and friends).
	Endpoint string `env:"STORAGE_ENDPOINT"`

	// Region defaults to us-east-1.
	Region string `env:"STORAGE_REGION" envDefault:"us-east-1"`

	// PathStyle enables path-style URLs (required for MinIO).
	PathStyle bool `env:"STORAGE_PATH_STYLE"`
}

func (c *Config) validate() error {
	if c.Bucket == "" || c.AccessKey == "" || c.SecretKey == "" {
		return ErrInvalidConfig
	}
	return nil
}
