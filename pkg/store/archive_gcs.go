//go:build gcp

package store

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/meridianlabs/txgate/pkg/canonical"
	"github.com/meridianlabs/txgate/pkg/receipt"
)

// GCSArchiver stores receipts in Google Cloud Storage under their
// canonical content hash.
type GCSArchiver struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSArchiverConfig holds configuration for GCSArchiver.
type GCSArchiverConfig struct {
	Bucket string
	Prefix string // Optional key prefix
}

// NewGCSArchiver creates a GCS-backed receipt archiver. Credentials come
// from application default credentials.
func NewGCSArchiver(ctx context.Context, cfg GCSArchiverConfig) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}
	return &GCSArchiver{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Archive implements Archiver. Uploads are idempotent per content hash.
func (a *GCSArchiver) Archive(ctx context.Context, r receipt.ReceiptData) (string, error) {
	data, err := canonical.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt: %w", err)
	}
	hash := canonical.HashBytes(data)
	key := a.prefix + strings.TrimPrefix(hash, "sha256:") + ".json"

	obj := a.client.Bucket(a.bucket).Object(key)
	if _, err := obj.Attrs(ctx); err == nil {
		return key, nil // already archived
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("archive receipt %s: %w", r.ReceiptID, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("archive receipt %s: %w", r.ReceiptID, err)
	}
	return key, nil
}
