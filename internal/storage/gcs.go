package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

const defaultGCSPublicBase = "https://storage.googleapis.com"

// GCSConfig configures GCSStore
type GCSConfig struct {
	// Endpoint overrides the API endpoint, e.g. a fake-gcs-server for local runs
	Endpoint string
	// CredentialsFile is a service account JSON; empty uses application default credentials
	CredentialsFile string
	// PublicBaseURL defaults to https://storage.googleapis.com
	PublicBaseURL string
	// PublicACL grants allUsers READER in MakePublic. Leave false for buckets
	// with uniform bucket-level access, where public reads are set on the bucket.
	PublicACL bool
}

// GCSStore implements ObjectStore on Google Cloud Storage
type GCSStore struct {
	client        *storage.Client
	publicBaseURL string
	publicACL     bool
}

// NewGCSStore creates a storage client. Call Close on shutdown.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	var opts []option.ClientOption
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
		if cfg.CredentialsFile == "" {
			opts = append(opts, option.WithoutAuthentication())
		}
	}
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcs client: %w", err)
	}

	base := cfg.PublicBaseURL
	if base == "" {
		base = defaultGCSPublicBase
	}
	return &GCSStore{client: client, publicBaseURL: base, publicACL: cfg.PublicACL}, nil
}

// Close releases the underlying client
func (s *GCSStore) Close() error {
	return s.client.Close()
}

func (s *GCSStore) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	r, err := s.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%w: gs://%s/%s", pipeline.ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("gcs download gs://%s/%s: %w", bucket, key, err)
	}
	return r, nil
}

func (s *GCSStore) Upload(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	// Cancelling the writer's context aborts the upload; Close would commit it
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := copyOrAbort(w, r, cancel); err != nil {
		return fmt.Errorf("gcs upload gs://%s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs upload gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *GCSStore) MakePublic(ctx context.Context, bucket, key string) error {
	if !s.publicACL {
		return nil
	}
	if err := s.client.Bucket(bucket).Object(key).ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%w: gs://%s/%s", pipeline.ErrObjectNotFound, bucket, key)
		}
		return fmt.Errorf("gcs acl gs://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (s *GCSStore) PublicURL(bucket, key string) string {
	return publicURL(s.publicBaseURL, bucket, key)
}

// copyOrAbort copies r into w and calls abort when the copy fails, so a
// partial object is never committed.
func copyOrAbort(w io.Writer, r io.Reader, abort context.CancelFunc) (int64, error) {
	n, err := io.Copy(w, r)
	if err != nil {
		abort()
	}
	return n, err
}
