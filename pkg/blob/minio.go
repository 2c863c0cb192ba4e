// Package blob implements the pipeline's object store on any S3-compatible
// service through minio-go.
package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/Document-Enrichment-Pipeline/pkg/errors"
)

// Store reads and writes objects in a single bucket.
type Store struct {
	client *minio.Client
	bucket string
	region string
	logger *slog.Logger
}

// SecretSource resolves the configured credential secret names.
type SecretSource interface {
	Secret(ctx context.Context, name string) (string, error)
}

// New connects to the configured endpoint using credentials resolved from
// secrets.
func New(ctx context.Context, cfg config.BlobConfig, secrets SecretSource) (*Store, error) {
	accessKey, err := secrets.Secret(ctx, cfg.AccessKeySecret)
	if err != nil {
		return nil, fmt.Errorf("resolving blob access key: %w", err)
	}
	secretKey, err := secrets.Secret(ctx, cfg.SecretKeySecret)
	if err != nil {
		return nil, fmt.Errorf("resolving blob secret key: %w", err)
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating blob client: %w", err)
	}
	return &Store{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		logger: slog.Default().With("component", "blob-store", "bucket", cfg.Bucket),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return classify(err, s.bucket)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		return classify(err, s.bucket)
	}
	s.logger.Info("bucket created")
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(err, key)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(err, key)
	}
	return data, nil
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return classify(err, key)
	}
	return nil
}

// List returns every object key under prefix, recursively.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classify(obj.Err, prefix)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Delete removes key. Missing objects are treated as already deleted.
func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err == nil {
		return nil
	}
	if cerr := classify(err, key); !apperrors.IsNotFound(cerr) {
		return cerr
	}
	return nil
}

// Ping checks that the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.client.BucketExists(ctx, s.bucket)
	return err
}

// classify maps S3 error codes onto the pipeline's error sentinels.
func classify(err error, key string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return fmt.Errorf("%w: blob %s: %v", apperrors.ErrNotFound, key, err)
	case "SlowDown", "ServiceUnavailable", "InternalError", "RequestTimeout":
		return fmt.Errorf("%w: blob %s: %v", apperrors.ErrTransientService, key, err)
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return fmt.Errorf("blob %s: %w", key, err)
	}
	return fmt.Errorf("%w: blob %s: %v", apperrors.ErrTransientService, key, err)
}
