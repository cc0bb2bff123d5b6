package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectStore persists report artifacts and returns a URL a reader can resolve.
type ObjectStore interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// FSStore writes artifacts under Dir. URLs are PublicBaseURL/key when a base is configured,
// file:// URLs otherwise.
type FSStore struct {
	dir     string
	baseURL string
}

func NewFSStore(dir, publicBaseURL string) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("report fs store: directory is required")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("report fs store: %w", err)
	}
	return &FSStore{dir: abs, baseURL: strings.TrimRight(publicBaseURL, "/")}, nil
}

func (s *FSStore) Put(_ context.Context, key, _ string, body []byte) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" {
		return "", errors.New("report fs store: empty key")
	}
	full := filepath.Join(s.dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("report fs store: mkdir: %w", err)
	}
	if err := writeAtomic(full, body); err != nil {
		return "", fmt.Errorf("report fs store: %w", err)
	}
	if s.baseURL != "" {
		return s.baseURL + "/" + clean, nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(full)}).String(), nil
}

// writeAtomic writes body to a temp file unique to this call and renames it over full, so
// concurrent writers of the same key never share a partial file.
func writeAtomic(full string, body []byte) error {
	f, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("write: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// S3Options configures an S3-compatible store.
type S3Options struct {
	Endpoint      string
	AccessKey     string
	SecretKey     string
	Bucket        string
	Region        string
	UseSSL        bool
	PublicBaseURL string
	// CreateBucket makes the bucket on first use when it does not exist.
	CreateBucket bool
	Transport    http.RoundTripper
}

// S3Store puts artifacts into an S3-compatible bucket (MinIO, AWS S3, R2).
type S3Store struct {
	client  *minio.Client
	opts    S3Options
	logger  *slog.Logger
	mu      sync.Mutex
	checked bool
}

func NewS3Store(opts S3Options, logger *slog.Logger) (*S3Store, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, errors.New("report s3 store: endpoint and bucket are required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:        credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure:       opts.UseSSL,
		Region:       opts.Region,
		BucketLookup: minio.BucketLookupPath,
		Transport:    opts.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("report s3 store: %w", err)
	}
	return &S3Store{client: client, opts: opts, logger: logger}, nil
}

func (s *S3Store) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	if s.opts.CreateBucket {
		if err := s.ensureBucket(ctx); err != nil {
			return "", err
		}
	}
	info, err := s.client.PutObject(ctx, s.opts.Bucket, key, bytes.NewReader(body), int64(len(body)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return "", fmt.Errorf("report s3 store: put %s: %w", key, err)
	}
	s.logger.Debug("report.s3.put", "bucket", s.opts.Bucket, "key", key, "etag", info.ETag, "bytes", len(body))
	return s.objectURL(key), nil
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checked {
		return nil
	}
	ok, err := s.client.BucketExists(ctx, s.opts.Bucket)
	if err != nil {
		return fmt.Errorf("report s3 store: bucket exists: %w", err)
	}
	if ok {
		s.checked = true
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.opts.Bucket, minio.MakeBucketOptions{Region: s.opts.Region}); err != nil {
		return fmt.Errorf("report s3 store: make bucket: %w", err)
	}
	s.logger.Info("report.s3.bucket_created", "bucket", s.opts.Bucket)
	s.checked = true
	return nil
}

func (s *S3Store) objectURL(key string) string {
	if s.opts.PublicBaseURL != "" {
		return strings.TrimRight(s.opts.PublicBaseURL, "/") + "/" + key
	}
	u := *s.client.EndpointURL()
	u.Path = "/" + s.opts.Bucket + "/" + key
	return u.String()
}
