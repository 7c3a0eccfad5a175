// Package gcs stores raw page HTML in Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config captures the bucket that receives page bodies.
type Config struct {
	Bucket string
}

// WriterFactory opens a writer for one object. Tests swap it for an in-memory writer.
type WriterFactory func(ctx context.Context, bucket, object, contentType string) io.WriteCloser

// BlobStore uploads page bodies to a bucket.
type BlobStore struct {
	bucket    string
	newWriter WriterFactory
}

// New creates a GCS-backed blob store using client.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	return NewWithWriter(cfg, func(ctx context.Context, bucket, object, contentType string) io.WriteCloser {
		w := client.Bucket(bucket).Object(object).NewWriter(ctx)
		w.ContentType = contentType
		return w
	})
}

// NewWithWriter builds a store around a custom WriterFactory.
func NewWithWriter(cfg Config, factory WriterFactory) (*BlobStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if factory == nil {
		return nil, fmt.Errorf("writer factory is required")
	}
	return &BlobStore{bucket: cfg.Bucket, newWriter: factory}, nil
}

// PutObject uploads data and returns a gs:// URI. The upload is committed on Close.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	object := strings.TrimLeft(path, "/")
	if strings.TrimSpace(object) == "" {
		return "", fmt.Errorf("path is required")
	}
	w := s.newWriter(ctx, s.bucket, object, contentType)
	if _, err := io.Copy(w, data); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close: %v)", object, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("commit %s: %w", object, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.bucket, object), nil
}
