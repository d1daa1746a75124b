//go:build gcp

package ledger

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/mapleaiorg/maple/core/pkg/canonicalize"
)

// GCSArchive implements BlobArchive over Google Cloud Storage. Blobs are
// stored with their SHA-256 hash as the object name, so puts are idempotent.
type GCSArchive struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiveConfig holds configuration for GCSArchive.
type GCSArchiveConfig struct {
	Bucket string
	Prefix string
}

// NewGCSArchive creates a GCS-backed snapshot archive (uses ADC by default).
func NewGCSArchive(ctx context.Context, cfg GCSArchiveConfig) (*GCSArchive, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSArchive{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (a *GCSArchive) pathFor(address string) string {
	return a.prefix + strings.TrimPrefix(address, "sha256:") + ".blob"
}

// Put implements BlobArchive.
func (a *GCSArchive) Put(ctx context.Context, data []byte) (string, error) {
	address := canonicalize.HashBytes(data)
	obj := a.client.Bucket(a.bucket).Object(a.pathFor(address))

	// Content-addressed: if the object exists it holds the same bytes.
	if _, err := obj.Attrs(ctx); err == nil {
		return address, nil
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return address, nil
}

// Get implements BlobArchive.
func (a *GCSArchive) Get(ctx context.Context, address string) ([]byte, error) {
	r, err := a.client.Bucket(a.bucket).Object(a.pathFor(address)).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs open failed: %w", err)
	}
	defer func() { _ = r.Close() }()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read failed: %w", err)
	}
	if canonicalize.HashBytes(data) != address {
		return nil, fmt.Errorf("gcs blob %s failed integrity check", address)
	}
	return data, nil
}
