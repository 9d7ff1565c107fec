// Package gcs provides a gallery archiver backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to archive into GCS.
type Config struct {
	Bucket string
}

// Archiver uploads rendered galleries to a configured GCS bucket.
type Archiver struct {
	client *storage.Client
	bucket string
}

// New creates a GCS-backed archiver and verifies the bucket is reachable so
// misconfiguration surfaces at startup rather than on the first upload.
// Authentication is handled via Google's Application Default Credentials.
func New(ctx context.Context, cfg Config) (*Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			return nil, fmt.Errorf("get bucket %q attributes: %w (close client: %v)", cfg.Bucket, err, closeErr)
		}
		return nil, fmt.Errorf("get bucket %q attributes: %w", cfg.Bucket, err)
	}
	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// NewWithClient creates an archiver on an existing client without probing the
// bucket. The caller owns the client lifecycle.
func NewWithClient(client *storage.Client, cfg Config) (*Archiver, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Archiver{client: client, bucket: cfg.Bucket}, nil
}

// Archive uploads data to the bucket and returns its gs:// URI.
func (a *Archiver) Archive(ctx context.Context, objectPath, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(objectPath) == "" {
		return "", fmt.Errorf("object path is required")
	}
	writer := a.client.Bucket(a.bucket).Object(objectPath).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("write object %s: %w (close writer: %v)", objectPath, err, closeErr)
		}
		return "", fmt.Errorf("write object %s: %w", objectPath, err)
	}
	// Close finalizes the upload and flushes buffered data.
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer for object %s: %w", objectPath, err)
	}
	return fmt.Sprintf("gs://%s/%s", a.bucket, objectPath), nil
}

// Close releases the underlying storage client.
func (a *Archiver) Close() error {
	if a.client == nil {
		return nil
	}
	return a.client.Close()
}
