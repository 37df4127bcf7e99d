package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/knpy/hikitsugi-kun/config"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ArchiveService keeps copies of uploaded media and generated documents in
// object storage. The rest of the app treats it as best-effort: the local
// temp file remains the working copy and archive failures never fail a
// request.
type ArchiveService struct {
	client *minio.Client
	bucket string
}

func NewArchiveService(cfg *config.MinioConfig) (*ArchiveService, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &ArchiveService{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

// EnsureBucket creates the bucket if it doesn't exist
func (s *ArchiveService) EnsureBucket(ctx context.Context) error {
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

// ArchiveMedia stores the uploaded media file under the session prefix
func (s *ArchiveService) ArchiveMedia(ctx context.Context, sessionID, filename, path, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open media for archive: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat media for archive: %w", err)
	}

	objectName := fmt.Sprintf("%s/media/%s", sessionID, filename)
	_, err = s.client.PutObject(ctx, s.bucket, objectName, f, info.Size(), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("failed to archive media: %w", err)
	}

	return nil
}

// ArchiveDocument stores a generated handover document under the session
// prefix, timestamped so regeneration keeps prior versions
func (s *ArchiveService) ArchiveDocument(ctx context.Context, sessionID, document string) error {
	objectName := fmt.Sprintf("%s/documents/%s.md", sessionID, time.Now().Format("20060102T150405"))
	reader := bytes.NewReader([]byte(document))

	_, err := s.client.PutObject(ctx, s.bucket, objectName, reader, int64(reader.Len()), minio.PutObjectOptions{
		ContentType: "text/markdown",
	})
	if err != nil {
		return fmt.Errorf("failed to archive document: %w", err)
	}

	return nil
}

// PresignedURL generates a time-limited read URL for an archived object
func (s *ArchiveService) PresignedURL(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	url, err := s.client.PresignedGetObject(ctx, s.bucket, objectName, expiry, nil)
	if err != nil {
		return "", fmt.Errorf("failed to generate presigned URL: %w", err)
	}

	return url.String(), nil
}
