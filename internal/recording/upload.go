package recording

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mikeyg42/peerlink/internal/config"
)

// ObjectStore receives finished recordings.
type ObjectStore interface {
	PutFile(ctx context.Context, key, filePath string) error
}

// MinIOStore uploads recordings to an S3-compatible bucket.
type MinIOStore struct {
	client *minio.Client
	cfg    config.UploadConfig
	logger *zap.Logger
}

// NewMinIOStore connects to cfg.Endpoint and creates the bucket when it is
// missing.
func NewMinIOStore(ctx context.Context, cfg config.UploadConfig, logger *zap.Logger) (*MinIOStore, error) {
	if logger == nil {
		logger = zap.L().Named("minio-store")
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created MinIO bucket", zap.String("bucket", cfg.Bucket))
	}

	return &MinIOStore{client: client, cfg: cfg, logger: logger}, nil
}

// PutFile uploads filePath as key, retrying with exponential backoff.
func (s *MinIOStore) PutFile(ctx context.Context, key, filePath string) error {
	ebo := backoff.NewExponentialBackOff()
	ebo.InitialInterval = s.cfg.RetryBackoff
	ebo.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(ebo, uint64(s.cfg.MaxRetries)), ctx)

	op := func() error {
		if _, err := os.Stat(filePath); err != nil {
			return backoff.Permanent(err)
		}
		info, err := s.client.FPutObject(ctx, s.cfg.Bucket, key, filePath, minio.PutObjectOptions{
			ContentType: "video/webm",
		})
		if err != nil {
			return err
		}
		s.logger.Debug("Object uploaded",
			zap.String("key", key),
			zap.Int64("size", info.Size),
			zap.String("etag", info.ETag))
		return nil
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warn("Upload failed, retrying", zap.String("key", key), zap.Error(err), zap.Duration("next", next))
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Archive uploads a finished recording under prefix and removes the local
// copy unless keepLocal is set. It returns the object key.
func Archive(ctx context.Context, store ObjectStore, filePath string, cfg config.UploadConfig, logger *zap.Logger) (string, error) {
	key := path.Join(cfg.Prefix, filepath.Base(filePath))

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()
	if err := store.PutFile(ctx, key, filePath); err != nil {
		return "", err
	}
	logger.Info("Recording archived", zap.String("bucket", cfg.Bucket), zap.String("key", key))

	if !cfg.KeepLocal {
		if err := os.Remove(filePath); err != nil {
			logger.Warn("Failed to remove local recording", zap.String("path", filePath), zap.Error(err))
		}
	}
	return key, nil
}
