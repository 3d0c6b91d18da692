package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

const contentTypeSuffix = ".content-type"

// FilesystemStore implements ObjectStore on a local directory laid out as
// baseDir/bucket/key. Used by the standalone server and tests.
type FilesystemStore struct {
	baseDir       string
	publicBaseURL string
}

// NewFilesystemStore creates baseDir if needed. publicBaseURL is the address
// the directory is served from, e.g. http://localhost:8080/files.
func NewFilesystemStore(baseDir, publicBaseURL string) (*FilesystemStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	if publicBaseURL == "" {
		publicBaseURL = "file://" + filepath.ToSlash(baseDir)
	}
	return &FilesystemStore{
		baseDir:       baseDir,
		publicBaseURL: publicBaseURL,
	}, nil
}

// BaseDir returns the root directory
func (fs *FilesystemStore) BaseDir() string {
	return fs.baseDir
}

func (fs *FilesystemStore) resolve(bucket, key string) (string, error) {
	if bucket == "" || key == "" {
		return "", fmt.Errorf("bucket and key are required")
	}
	base := filepath.Clean(fs.baseDir)
	path := filepath.Join(base, bucket, filepath.FromSlash(key))

	// Security: prevent directory traversal
	if !strings.HasPrefix(path, base+string(os.PathSeparator)) {
		return "", fmt.Errorf("invalid key: path traversal detected")
	}
	return path, nil
}

// Download opens the file for bucket/key
func (fs *FilesystemStore) Download(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	path, err := fs.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", pipeline.ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Upload writes to a temp file and renames it into place so readers never see
// a partial object.
func (fs *FilesystemStore) Upload(ctx context.Context, bucket, key string, r io.Reader, contentType string) error {
	path, err := fs.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	if contentType != "" {
		if err := os.WriteFile(path+contentTypeSuffix, []byte(contentType), 0644); err != nil {
			return fmt.Errorf("failed to write content type: %w", err)
		}
	}
	return nil
}

// MakePublic is a no-op: everything under baseDir is served as is
func (fs *FilesystemStore) MakePublic(ctx context.Context, bucket, key string) error {
	path, err := fs.resolve(bucket, key)
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s/%s", pipeline.ErrObjectNotFound, bucket, key)
		}
		return fmt.Errorf("failed to stat file: %w", err)
	}
	return nil
}

// PublicURL returns publicBaseURL/bucket/key
func (fs *FilesystemStore) PublicURL(bucket, key string) string {
	return publicURL(fs.publicBaseURL, bucket, key)
}

// GetMetadata returns size and the content type recorded at upload
func (fs *FilesystemStore) GetMetadata(ctx context.Context, bucket, key string) (*Metadata, error) {
	path, err := fs.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s/%s", pipeline.ErrObjectNotFound, bucket, key)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	meta := &Metadata{Size: info.Size()}
	if ct, err := os.ReadFile(path + contentTypeSuffix); err == nil {
		meta.ContentType = string(ct)
	}
	return meta, nil
}
