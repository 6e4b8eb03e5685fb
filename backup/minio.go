package backup

import (
	"context"
	"fmt"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinioConfig configures the S3-compatible snapshot target.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// MinioStore is the ObjectStore backed by an S3-compatible endpoint.
type MinioStore struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewMinioStore connects to the endpoint and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object storage client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &MinioStore{client: client, bucket: cfg.Bucket, prefix: prefix}, nil
}

// Upload stores the file under the manager's key.
func (s *MinioStore) Upload(ctx context.Context, key, filePath string) error {
	_, err := s.client.FPutObject(ctx, s.bucket, s.prefix+key, filePath, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	return err
}

// List returns the stored snapshots.
func (s *MinioStore) List(ctx context.Context) ([]Snapshot, error) {
	var snapshots []Snapshot
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: s.prefix}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		snapshots = append(snapshots, Snapshot{
			Key:          strings.TrimPrefix(obj.Key, s.prefix),
			LastModified: obj.LastModified,
		})
	}
	return snapshots, nil
}

// Remove deletes a snapshot.
func (s *MinioStore) Remove(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, s.prefix+key, minio.RemoveObjectOptions{})
}
