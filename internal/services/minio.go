package services

import (
	"context"
	"io/fs"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/SirClappington/renderq/internal/config"
	"github.com/SirClappington/renderq/internal/resilience"
)

// MinioStore uploads artifacts to an S3-compatible bucket.
type MinioStore struct {
	client *minio.Client
	bucket string

	mu          sync.Mutex
	bucketReady bool
}

func NewMinioStore(cfg config.MinioConfig) (*MinioStore, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, errors.New("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, errors.Wrap(err, "minio client")
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "renders"
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bucketReady {
		return nil
	}
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classifyMinio(err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			resp := minio.ToErrorResponse(err)
			if resp.Code != "BucketAlreadyOwnedByYou" && resp.Code != "BucketAlreadyExists" {
				return classifyMinio(err)
			}
		}
	}
	s.bucketReady = true
	return nil
}

// Upload puts the artifact at key and returns "bucket/key".
func (s *MinioStore) Upload(ctx context.Context, key string, a Artifact) (string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return "", err
	}
	_, err := s.client.FPutObject(ctx, s.bucket, key, a.Path, minio.PutObjectOptions{ContentType: a.ContentType})
	if err != nil {
		return "", classifyMinio(errors.Wrapf(err, "put %s/%s", s.bucket, key))
	}
	return s.bucket + "/" + key, nil
}

// classifyMinio maps S3 responses onto retry classes: throttling is rate
// limited, 5xx and transport errors are transient, other 4xx are permanent.
func classifyMinio(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return resilience.Permanent(err)
	}
	resp := minio.ToErrorResponse(errors.Cause(err))
	switch {
	case resp.StatusCode == http.StatusTooManyRequests, resp.Code == "SlowDown":
		return resilience.RateLimited(err)
	case resp.StatusCode >= 500:
		return resilience.Transient(err)
	case resp.StatusCode >= 400:
		return resilience.Permanent(err)
	}
	return resilience.Transient(err)
}
