// Package storage persists finished transcripts to S3-compatible object storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "stream-transcripts"

// ErrEmptyTranscript is returned by Save for blank text.
var ErrEmptyTranscript = errors.New("storage: transcript is empty")

// TranscriptStore saves a transcript and returns the object key it was written to.
type TranscriptStore interface {
	Save(ctx context.Context, transcript string) (string, error)
}

// KeyFunc builds object keys. Swappable for tests.
type KeyFunc func() string

// NewKeyFunc returns keys of the form <prefix>/transcript-<unix-ms>-<uuid8>.txt.
// A nil now uses time.Now.
func NewKeyFunc(prefix string, now func() time.Time) KeyFunc {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if now == nil {
		now = time.Now
	}
	return func() string {
		id := uuid.New().String()[:8]
		return path.Join(prefix, fmt.Sprintf("transcript-%d-%s.txt", now().UnixMilli(), id))
	}
}

// MinioConfig holds connection settings for the MinIO/S3 store.
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
	Prefix    string `yaml:"prefix"`
}

// MinioStore implements TranscriptStore using MinIO
type MinioStore struct {
	client *minio.Client
	bucket string
	keyFn  KeyFunc
}

// NewMinioStore creates the client. It does not touch the network; call
// EnsureBucket before first use.
func NewMinioStore(cfg MinioConfig) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("storage: minio endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("storage: minio bucket is required")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		keyFn:  NewKeyFunc(cfg.Prefix, nil),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (s *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	return nil
}

// Save uploads transcript as a text/plain object.
func (s *MinioStore) Save(ctx context.Context, transcript string) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", ErrEmptyTranscript
	}

	key := s.keyFn()
	_, err := s.client.PutObject(ctx, s.bucket, key, strings.NewReader(transcript), int64(len(transcript)),
		minio.PutObjectOptions{
			ContentType: "text/plain",
			UserMetadata: map[string]string{
				"saved-at": time.Now().UTC().Format(time.RFC3339),
			},
		})
	if err != nil {
		return "", fmt.Errorf("failed to upload transcript to MinIO: %w", err)
	}
	return key, nil
}

// Bucket returns the configured bucket name.
func (s *MinioStore) Bucket() string {
	return s.bucket
}
