package service

import (
	"context"
	"fmt"
	"path"

	"github.com/gabriielgouvea/AssinaGym/config"
	"github.com/gabriielgouvea/AssinaGym/model"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DocumentArchiver copies finished documents to long-term storage and
// returns where the copy lives.
type DocumentArchiver interface {
	Archive(ctx context.Context, doc *model.FinishedDocument) (string, error)
}

// MinioService archives finished documents to an S3-compatible bucket.
type MinioService struct {
	client *minio.Client
	bucket string
	config *config.ArchiveConfig
}

func NewMinioService(cfg *config.ArchiveConfig) (*MinioService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioService{
		client: client,
		bucket: cfg.Bucket,
		config: cfg,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *MinioService) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}

	if !exists {
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
		if err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return nil
}

// Archive uploads the document file, tagging it with its checksum.
func (s *MinioService) Archive(ctx context.Context, doc *model.FinishedDocument) (string, error) {
	_, err := s.client.FPutObject(ctx, s.bucket, s.ObjectName(doc.Filename), doc.Path, minio.PutObjectOptions{
		ContentType:  "application/pdf",
		UserMetadata: map[string]string{"sha256": doc.SHA256},
	})
	if err != nil {
		return "", fmt.Errorf("failed to archive document: %w", err)
	}

	return s.ObjectURL(doc.Filename), nil
}

// ObjectName returns the bucket key for a document filename.
func (s *MinioService) ObjectName(filename string) string {
	if s.config.Prefix == "" {
		return filename
	}
	return path.Join(s.config.Prefix, filename)
}

// ObjectURL returns the direct URL of an archived document (if bucket policy allows)
func (s *MinioService) ObjectURL(filename string) string {
	protocol := "http"
	if s.config.UseSSL {
		protocol = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", protocol, s.config.Endpoint, s.bucket, s.ObjectName(filename))
}
