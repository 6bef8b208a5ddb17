package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the connection settings for an S3-compatible bucket.
type S3Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// S3Store keeps artifacts in an S3-compatible bucket via the MinIO client.
type S3Store struct {
	cl     *minio.Client
	bucket string
}

func NewS3Store(cfg S3Config) (*S3Store, error) {
	cl, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create s3 client: %w", err)
	}
	return &S3Store{cl: cl, bucket: cfg.Bucket}, nil
}

func (s *S3Store) Save(ctx context.Context, name string, data []byte) error {
	// PutObject is atomic on S3: the object appears only once the upload
	// completes.
	_, err := s.cl.PutObject(ctx, s.bucket, name, bytes.NewReader(data),
		int64(len(data)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("put artifact: %w", err)
	}
	return nil
}

func (s *S3Store) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	info, err := s.cl.StatObject(ctx, s.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		var resp minio.ErrorResponse
		if errors.As(err, &resp) && resp.Code == "NoSuchKey" {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("stat artifact: %w", err)
	}
	obj, err := s.cl.GetObject(ctx, s.bucket, name, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get artifact: %w", err)
	}
	return obj, info.Size, nil
}

func (s *S3Store) List(ctx context.Context) ([]string, error) {
	var names []string
	for obj := range s.cl.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list artifacts: %w", obj.Err)
		}
		names = append(names, obj.Key)
	}
	return names, nil
}

func (s *S3Store) Remove(ctx context.Context, name string) error {
	if err := s.cl.RemoveObject(ctx, s.bucket, name, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}
