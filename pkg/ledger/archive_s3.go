package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/mapleaiorg/maple/core/pkg/canonicalize"
)

// S3Archive implements BlobArchive over AWS S3. Blobs are stored with their
// SHA-256 hash as the key, so puts are idempotent.
type S3Archive struct {
	client *s3.Client
	bucket string
	prefix string
}

// S3ArchiveConfig holds configuration for S3Archive.
type S3ArchiveConfig struct {
	Bucket   string
	Region   string
	Endpoint string // Optional custom endpoint (MinIO, LocalStack)
	Prefix   string
}

// NewS3Archive creates an S3-backed snapshot archive.
func NewS3Archive(ctx context.Context, cfg S3ArchiveConfig) (*S3Archive, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	clientOpts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO/LocalStack
		}
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, clientOpts),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

func (a *S3Archive) keyFor(address string) string {
	return a.prefix + strings.TrimPrefix(address, "sha256:") + ".blob"
}

// Put implements BlobArchive.
func (a *S3Archive) Put(ctx context.Context, data []byte) (string, error) {
	address := canonicalize.HashBytes(data)
	key := a.keyFor(address)

	// Content-addressed: if the object exists it holds the same bytes.
	_, err := a.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return address, nil
	}

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return address, nil
}

// Get implements BlobArchive.
func (a *S3Archive) Get(ctx context.Context, address string) ([]byte, error) {
	out, err := a.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(a.keyFor(address)),
	})
	if err != nil {
		return nil, fmt.Errorf("s3 get failed: %w", err)
	}
	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read failed: %w", err)
	}
	if canonicalize.HashBytes(data) != address {
		return nil, fmt.Errorf("s3 blob %s failed integrity check", address)
	}
	return data, nil
}
