package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// Tracker counts how often each uploaded object has been delivered. It is an
// observability ledger only: correctness under redelivery comes from the
// idempotent publish and attach steps, never from this table.
type Tracker struct {
	db *sql.DB
}

// NewTracker creates a new dedupe tracker
func NewTracker(ctx context.Context, db *sql.DB) (*Tracker, error) {
	tracker := &Tracker{db: db}

	// Create table if not exists
	if err := tracker.ensureTable(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure dedupe table: %w", err)
	}

	return tracker, nil
}

// ensureTable creates the event_deliveries table if it doesn't exist
func (t *Tracker) ensureTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS event_deliveries (
			bucket TEXT NOT NULL,
			object_key TEXT NOT NULL,
			job TEXT,
			first_seen_at TIMESTAMPTZ DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ DEFAULT NOW(),
			seen_count INTEGER DEFAULT 1,
			PRIMARY KEY (bucket, object_key)
		)
	`

	if _, err := t.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create event_deliveries table: %w", err)
	}
	return nil
}

// Record records a delivery and returns how many times the object has been seen
func (t *Tracker) Record(ctx context.Context, job string, ev pipeline.UploadEvent) (int, error) {
	if t == nil || t.db == nil {
		return 0, nil
	}

	// Upsert: increment seen_count if exists, insert if not
	query := `
		INSERT INTO event_deliveries (bucket, object_key, job, first_seen_at, last_seen_at, seen_count)
		VALUES ($1, $2, $3, NOW(), NOW(), 1)
		ON CONFLICT (bucket, object_key) DO UPDATE
		SET last_seen_at = NOW(),
		    seen_count = event_deliveries.seen_count + 1,
		    job = EXCLUDED.job
		RETURNING seen_count
	`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, ev.Bucket, ev.ObjectKey, job).Scan(&seenCount)
	if err != nil {
		return 0, fmt.Errorf("failed to record delivery: %w", err)
	}

	return seenCount, nil
}

// GetSeenCount retrieves the delivery count for an object
func (t *Tracker) GetSeenCount(ctx context.Context, bucket, objectKey string) (int, error) {
	if t == nil || t.db == nil {
		return 0, nil
	}
	query := `SELECT seen_count FROM event_deliveries WHERE bucket = $1 AND object_key = $2`

	var seenCount int
	err := t.db.QueryRowContext(ctx, query, bucket, objectKey).Scan(&seenCount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get seen count: %w", err)
	}

	return seenCount, nil
}
