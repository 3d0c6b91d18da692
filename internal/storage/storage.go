package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ObjectStore provides bucket/key access to a blob store. Upload overwrites;
// there is no versioning, so repeated uploads of identical bytes converge.
type ObjectStore interface {
	// Download returns a reader for the object; pipeline.ErrObjectNotFound when absent
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, error)

	// Upload writes the object, replacing any previous content
	Upload(ctx context.Context, bucket, key string, r io.Reader, contentType string) error

	// MakePublic makes the object retrievable at PublicURL
	MakePublic(ctx context.Context, bucket, key string) error

	// PublicURL returns the public address of an object without I/O
	PublicURL(bucket, key string) string
}

// Metadata contains storage object metadata
type Metadata struct {
	Size        int64
	ContentType string
}

// publicURL joins base, bucket and an escaped key
func publicURL(base, bucket, key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(base, "/"), url.PathEscape(bucket), escapeKey(key))
}

// escapeKey escapes each path segment but keeps the separators
func escapeKey(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
