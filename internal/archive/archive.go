// Package archive stores removed DLQ entries before they are deleted, either
// in an S3-compatible bucket or in a local directory.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"rule-engine/internal/config"
)

// Archiver writes an archive object and returns where it ended up.
type Archiver interface {
	Archive(ctx context.Context, key string, body []byte) (string, error)
}

// New picks the S3 archiver when a bucket is configured, the local one when a
// directory is, and returns nil otherwise.
func New(ctx context.Context, cfg config.Config) (Archiver, error) {
	if cfg.DLQArchiveBucket != "" {
		client, err := NewS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewS3Archiver(client, cfg.DLQArchiveBucket), nil
	}
	if cfg.DLQArchiveDir != "" {
		return NewLocalArchiver(cfg.DLQArchiveDir), nil
	}
	return nil, nil
}

// NewS3Client loads AWS config and applies the optional custom endpoint, for
// MinIO and other S3-compatible stores.
func NewS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.DLQArchiveRegion))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.DLQArchiveEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DLQArchiveEndpoint)
		}
		o.UsePathStyle = cfg.DLQArchivePathStyle
	}), nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

// LocalArchiver writes archives under a base directory.
type LocalArchiver struct {
	baseDir string
}

func NewLocalArchiver(baseDir string) *LocalArchiver {
	return &LocalArchiver{baseDir: baseDir}
}

func (l *LocalArchiver) Archive(_ context.Context, key string, body []byte) (string, error) {
	path := filepath.Join(l.baseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// S3Archiver puts archives into a bucket as JSON objects.
type S3Archiver struct {
	client *s3.Client
	bucket string
}

func NewS3Archiver(client *s3.Client, bucket string) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket}
}

func (s *S3Archiver) Archive(ctx context.Context, key string, body []byte) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
