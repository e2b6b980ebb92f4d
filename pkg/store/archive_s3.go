package store

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/meridianlabs/txgate/pkg/canonical"
	"github.com/meridianlabs/txgate/pkg/receipt"
)

// Archiver exports receipts to long-term, content-addressed storage for
// external attestation. Archival is best-effort and never read back by
// the core.
type Archiver interface {
	Archive(ctx context.Context, r receipt.ReceiptData) (string, error)
}

// S3Archiver stores receipts in S3 under their canonical content hash.
type S3Archiver struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiverConfig holds configuration for S3Archiver.
type S3ArchiverConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string // Optional key prefix
}

// NewS3Archiver creates an S3-backed receipt archiver.
func NewS3Archiver(ctx context.Context, cfg S3ArchiverConfig) (*S3Archiver, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Archiver{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Archive implements Archiver. The returned key embeds the content hash so
// the receipt can be verified independently of the bucket.
func (a *S3Archiver) Archive(ctx context.Context, r receipt.ReceiptData) (string, error) {
	data, err := canonical.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("canonicalize receipt: %w", err)
	}
	hash := canonical.HashBytes(data)
	key := a.prefix + strings.TrimPrefix(hash, "sha256:") + ".json"

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive receipt %s: %w", r.ReceiptID, err)
	}
	return key, nil
}
