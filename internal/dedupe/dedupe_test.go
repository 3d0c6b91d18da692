package dedupe

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

func TestNilTrackerIsNoop(t *testing.T) {
	var tr *Tracker
	n, err := tr.Record(context.Background(), pipeline.JobWatermark, pipeline.UploadEvent{Bucket: "b", ObjectKey: "k"})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = tr.GetSeenCount(context.Background(), "b", "k")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTrackerCountsDeliveries(t *testing.T) {
	url := os.Getenv("DEDUPE_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("DEDUPE_TEST_DATABASE_URL not set")
	}
	db, err := sql.Open("postgres", url)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	tr, err := NewTracker(ctx, db)
	require.NoError(t, err)

	ev := pipeline.UploadEvent{Bucket: "test", ObjectKey: fmt.Sprintf("property-images/%d-a.jpg", time.Now().UnixNano())}
	for want := 1; want <= 3; want++ {
		n, err := tr.Record(ctx, pipeline.JobWatermark, ev)
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}

	n, err := tr.GetSeenCount(ctx, ev.Bucket, ev.ObjectKey)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = tr.GetSeenCount(ctx, ev.Bucket, "missing")
	require.NoError(t, err)
	assert.Zero(t, n)
}
