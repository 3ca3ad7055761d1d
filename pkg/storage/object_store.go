// Package storage wraps the S3-compatible object store used for media
// artifacts. MinIO, AWS S3 and Cloudflare R2 all speak the same protocol,
// so one client covers every supported backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ErrObjectNotFound is returned by Download when the key is absent.
var ErrObjectNotFound = errors.New("storage: object not found")

// Gateway is the consumed object-storage capability. Upload and Download
// are idempotent on the remote side: re-uploading the same key with the
// same bytes is safe.
type Gateway interface {
	Exists(ctx context.Context, key string) (bool, error)
	Upload(ctx context.Context, localPath, key string) error
	Download(ctx context.Context, key, localPath string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
	List(ctx context.Context, prefix string) ([]string, error)
	PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// Options configure the MinIO/S3/R2 connection.
type Options struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string
	UseSSL    bool
}

// MinioStore implements Gateway for any S3-compatible backend. It is an
// explicitly constructed instance, not a process-wide singleton; Rebuild
// replaces the underlying client after credential rotation.
type MinioStore struct {
	mu     sync.RWMutex
	client *minio.Client
	opts   Options
}

// NewMinioStore connects to the backend and ensures the bucket exists.
func NewMinioStore(opts Options) (*MinioStore, error) {
	client, err := newClient(opts)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{Region: opts.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, opts: opts}, nil
}

func newClient(opts Options) (*minio.Client, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init storage client: %w", err)
	}
	return client, nil
}

// Rebuild swaps the client, picking up rotated credentials.
func (m *MinioStore) Rebuild(opts Options) error {
	client, err := newClient(opts)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.client = client
	m.opts = opts
	return nil
}

func (m *MinioStore) conn() (*minio.Client, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client, m.opts.Bucket
}

// Exists reports whether the key is present in the bucket.
func (m *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	client, bucket := m.conn()
	_, err := client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", key, err)
	}
	return true, nil
}

// Upload stores a local file under key.
func (m *MinioStore) Upload(ctx context.Context, localPath, key string) error {
	client, bucket := m.conn()
	contentType := "application/octet-stream"
	if filepath.Ext(localPath) == ".jpg" {
		contentType = "image/jpeg"
	}
	_, err := client.FPutObject(ctx, bucket, key, localPath, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	return nil
}

// Download fetches key into localPath, creating parent directories.
func (m *MinioStore) Download(ctx context.Context, key, localPath string) error {
	client, bucket := m.conn()
	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}
	if err := client.FGetObject(ctx, bucket, key, localPath, minio.GetObjectOptions{}); err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" || resp.Code == "NotFound" {
			return fmt.Errorf("download %s: %w", key, ErrObjectNotFound)
		}
		return fmt.Errorf("download %s: %w", key, err)
	}
	return nil
}

// List returns all keys under prefix.
func (m *MinioStore) List(ctx context.Context, prefix string) ([]string, error) {
	client, bucket := m.conn()
	var keys []string
	for obj := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// DeleteByPrefix removes every object under prefix. A prefix with no
// objects is not an error.
func (m *MinioStore) DeleteByPrefix(ctx context.Context, prefix string) error {
	client, bucket := m.conn()
	keys, err := m.List(ctx, prefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// PresignGet generates a time-limited GET URL for key.
func (m *MinioStore) PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error) {
	client, bucket := m.conn()
	u, err := client.PresignedGetObject(ctx, bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}
