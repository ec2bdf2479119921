package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lovelumine/rnaqueue"
	"github.com/lovelumine/rnaqueue/internal"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// BaseURL prefixes returned object URLs, e.g. http://minio.example:9000.
	BaseURL string
}

// MinIO stores uploads and artifacts in one bucket and hands out
// {baseURL}/{bucket}/{object} URLs.
type MinIO struct {
	client *minio.Client
	bucket string
	base   string
	http   *http.Client
	now    func() time.Time
}

func NewMinIO(cfg Config) (*MinIO, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		bucket = "trna"
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		base = scheme + "://" + endpoint
	}
	return &MinIO{
		client: client,
		bucket: bucket,
		base:   base,
		http:   &http.Client{Timeout: 10 * time.Minute},
		now:    time.Now,
	}, nil
}

// EnsureBucket creates the bucket when it does not exist yet.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("%w: bucket check: %v", rnaqueue.ErrStorage, err)
	}
	if !exists {
		if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("%w: make bucket %s: %v", rnaqueue.ErrStorage, m.bucket, err)
		}
	}
	return nil
}

func (m *MinIO) URL(objectName string) string {
	return ObjectURL(m.base, m.bucket, objectName)
}

func (m *MinIO) Put(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) (string, error) {
	_, err := m.client.PutObject(ctx, m.bucket, objectName, r, size, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("%w: put %s: %v", rnaqueue.ErrStorage, objectName, err)
	}
	return m.URL(objectName), nil
}

// Upload stores a user-supplied file under {userId}-{timestamp}-{name}.
func (m *MinIO) Upload(ctx context.Context, userID int64, logicalName string, r io.Reader, size int64, contentType string) (string, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return m.Put(ctx, internal.ObjectName(userID, m.now(), logicalName), r, size, contentType)
}

// Open reads an object by URL. URLs inside this bucket go through the S3
// API; anything else is fetched over plain HTTP.
func (m *MinIO) Open(ctx context.Context, url string) (io.ReadCloser, error) {
	if name, ok := ObjectFromURL(m.base, m.bucket, url); ok {
		obj, err := m.client.GetObject(ctx, m.bucket, name, minio.GetObjectOptions{})
		if err != nil {
			return nil, fmt.Errorf("%w: get %s: %v", rnaqueue.ErrStorage, name, err)
		}
		return obj, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", rnaqueue.ErrStorage, err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download %s: %v", rnaqueue.ErrStorage, url, err)
	}
	if resp.StatusCode/100 != 2 {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: download %s: status %d", rnaqueue.ErrStorage, url, resp.StatusCode)
	}
	return resp.Body, nil
}

func ObjectURL(base, bucket, objectName string) string {
	return strings.TrimRight(base, "/") + "/" + bucket + "/" + objectName
}

// ObjectFromURL returns the object name when url points into bucket.
func ObjectFromURL(base, bucket, url string) (string, bool) {
	prefix := strings.TrimRight(base, "/") + "/" + bucket + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", false
	}
	name := strings.TrimPrefix(url, prefix)
	if name == "" {
		return "", false
	}
	return name, true
}
