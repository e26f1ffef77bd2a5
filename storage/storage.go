// Package storage archives raw inbound messages on S3-compatible object
// storage. Objects are content addressed by their BLAKE3 hash, so a message
// delivered to several recipients is uploaded once.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/migadu/mailgate/config"
	"github.com/migadu/mailgate/consts"
	"github.com/migadu/mailgate/helpers"
	"github.com/migadu/mailgate/logger"
	"github.com/migadu/mailgate/pkg/metrics"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Archiver stores raw messages. Archive returns the content hash that
// identifies the stored object.
type Archiver interface {
	Archive(ctx context.Context, domain string, raw []byte) (string, error)
}

type S3Storage struct {
	Client     *minio.Client
	BucketName string
}

func New(cfg config.S3Config) (*S3Storage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		logger.Error("STORAGE: Failed to initialize MinIO client", "error", err)
		return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
	}
	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}

	logger.Info("STORAGE: S3 archive configured", "endpoint", cfg.Endpoint, "bucket", cfg.Bucket, "ssl", cfg.UseSSL)
	return &S3Storage{Client: client, BucketName: cfg.Bucket}, nil
}

// Exists reports whether key is already present in the bucket.
func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.Client.StatObject(ctx, s.BucketName, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) && minioErr.StatusCode == 404 {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat object %s: %w", key, err)
}

func (s *S3Storage) Archive(ctx context.Context, domain string, raw []byte) (string, error) {
	start := time.Now()
	hash := helpers.HashContent(raw)
	key := helpers.NewS3Key(domain, hash)

	if ok, err := s.Exists(ctx, key); err == nil && ok {
		metrics.ArchiveOperationsTotal.WithLabelValues("duplicate").Inc()
		return hash, nil
	}

	_, err := s.Client.PutObject(ctx, s.BucketName, key, bytes.NewReader(raw), int64(len(raw)),
		minio.PutObjectOptions{ContentType: "message/rfc822", SendContentMd5: true})
	if err != nil {
		metrics.ArchiveOperationsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %s: %v", consts.ErrS3UploadFailed, key, err)
	}

	metrics.ArchiveOperationsTotal.WithLabelValues("success").Inc()
	logger.Debug("STORAGE: archived message", "key", key, "size", len(raw), "duration", time.Since(start))
	return hash, nil
}
