// Package listings holds the document-store side of the pipeline: listing
// records and their set of published image URLs.
package listings

import "context"

// Store is a listing record store with set-union image updates
type Store interface {
	// AddImage adds url to the record's images if absent. It returns
	// pipeline.ErrRecordNotFound when the record does not exist.
	AddImage(ctx context.Context, recordID, url string) (bool, error)
	CreateRecord(ctx context.Context, recordID string) error
	Images(ctx context.Context, recordID string) ([]string, error)
	Close() error
}

var (
	_ Store = (*RedisStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
