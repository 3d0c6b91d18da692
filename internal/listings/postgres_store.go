package listings

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// PostgresStore keeps listing records in a listings table with a TEXT[] of image URLs
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates the listings table if it does not exist
func NewPostgresStore(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure listings table: %w", err)
	}
	return store, nil
}

// OpenPostgresStore opens a lib/pq connection and ensures the schema
func OpenPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open listings database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect listings database: %w", err)
	}
	store, err := NewPostgresStore(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS listings (
			id TEXT PRIMARY KEY,
			image_urls TEXT[] NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ DEFAULT NOW(),
			updated_at TIMESTAMPTZ DEFAULT NOW()
		)
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create listings table: %w", err)
	}
	return nil
}

// Close closes the database handle
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// AddImage appends url only when absent, in a single statement so concurrent
// attaches of the same URL converge to one element.
func (s *PostgresStore) AddImage(ctx context.Context, recordID, url string) (bool, error) {
	query := `
		UPDATE listings
		SET image_urls = array_append(image_urls, $2::text),
		    updated_at = NOW()
		WHERE id = $1 AND NOT ($2::text = ANY(image_urls))
	`
	res, err := s.db.ExecContext(ctx, query, recordID, url)
	if err != nil {
		return false, fmt.Errorf("add image to listing %s: %w", recordID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add image to listing %s: %w", recordID, err)
	}
	if n > 0 {
		return true, nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM listings WHERE id = $1)`, recordID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check listing %s: %w", recordID, err)
	}
	if !exists {
		return false, fmt.Errorf("%w: %s", pipeline.ErrRecordNotFound, recordID)
	}
	return false, nil
}

// CreateRecord inserts a record with no images; existing records are left untouched
func (s *PostgresStore) CreateRecord(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO listings (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`, recordID)
	if err != nil {
		return fmt.Errorf("create listing %s: %w", recordID, err)
	}
	return nil
}

// Images returns the record's image URLs
func (s *PostgresStore) Images(ctx context.Context, recordID string) ([]string, error) {
	var urls []string
	err := s.db.QueryRowContext(ctx, `SELECT image_urls FROM listings WHERE id = $1`, recordID).Scan(pq.Array(&urls))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", pipeline.ErrRecordNotFound, recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("load listing %s: %w", recordID, err)
	}
	return urls, nil
}
