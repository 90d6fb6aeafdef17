package artifact

import (
	"context"
	"fmt"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Mirror uploads artifacts to an S3-compatible object store.
type S3Mirror struct {
	client *minio.Client
	bucket string
	prefix string
}

// S3Config holds the connection settings for an S3-compatible endpoint.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	UseSSL    bool
}

// NewS3Mirror connects to the object store and verifies the bucket exists.
func NewS3Mirror(ctx context.Context, cfg S3Config) (*S3Mirror, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: connect mirror: %w", err)
	}
	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("artifact: check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("artifact: bucket %s does not exist", cfg.Bucket)
	}
	return &S3Mirror{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put uploads the file and returns its s3:// URI.
func (m *S3Mirror) Put(ctx context.Context, key, path string) (string, error) {
	object := key
	if m.prefix != "" {
		object = m.prefix + "/" + key
	}
	if _, err := m.client.FPutObject(ctx, m.bucket, object, path, minio.PutObjectOptions{}); err != nil {
		return "", fmt.Errorf("artifact: upload %s: %w", object, err)
	}
	return fmt.Sprintf("s3://%s/%s", m.bucket, object), nil
}
