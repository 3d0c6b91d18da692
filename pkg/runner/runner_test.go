package runner

import (
	"bytes"
	"context"
	"errors"
	"image/color"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/disintegration/imaging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/listing-image-pipeline/internal/config"
	"github.com/tendant/listing-image-pipeline/internal/listings"
	"github.com/tendant/listing-image-pipeline/internal/storage"
	"github.com/tendant/listing-image-pipeline/internal/workflows"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

const bucket = "listings"

func encodeImage(t *testing.T, w, h int, c color.NRGBA, format imaging.Format) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(w, h, c), format))
	return buf.Bytes()
}

type fixture struct {
	runner  *Runner
	store   *storage.FilesystemStore
	records *listings.RedisStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	records, err := listings.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { records.Close() })

	store, err := storage.NewFilesystemStore(t.TempDir(), "https://cdn.example.com")
	require.NoError(t, err)

	cfg := config.Config{StagingDir: t.TempDir()}
	r, err := New(ctx, cfg, Options{
		ObjectStore: store,
		RecordStore: records,
		Registerer:  prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { r.Shutdown(0) })

	wm := encodeImage(t, 20, 10, color.NRGBA{R: 255, A: 255}, imaging.PNG)
	require.NoError(t, store.Upload(ctx, bucket, pipeline.DefaultWatermarkKey, bytes.NewReader(wm), "image/png"))
	require.NoError(t, records.CreateRecord(ctx, "123"))

	return &fixture{runner: r, store: store, records: records}
}

func (f *fixture) upload(t *testing.T, key string) pipeline.UploadEvent {
	t.Helper()
	src := encodeImage(t, 200, 100, color.NRGBA{B: 255, A: 255}, imaging.JPEG)
	require.NoError(t, f.store.Upload(context.Background(), bucket, key, bytes.NewReader(src), "image/jpeg"))
	return pipeline.UploadEvent{Bucket: bucket, ObjectKey: key, ContentType: "image/jpeg", SizeBytes: int64(len(src))}
}

func TestProcessPublishesAndAttaches(t *testing.T) {
	f := newFixture(t)
	ev := f.upload(t, "property-images/123-front.jpg")

	res, err := f.runner.Process(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, workflows.StateDone, res.State)
	assert.Equal(t, "https://cdn.example.com/listings/property-images/processed/123-front.jpg", res.PublicURL)

	rc, err := f.store.Download(context.Background(), bucket, "property-images/processed/123-front.jpg")
	require.NoError(t, err)
	rc.Close()

	// redelivery keeps a single reference
	_, err = f.runner.Process(context.Background(), ev)
	require.NoError(t, err)
	images, err := f.records.Images(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, []string{res.PublicURL}, images)
}

func TestHandleEventClassifiesFailures(t *testing.T) {
	f := newFixture(t)

	// unknown record
	ev := f.upload(t, "property-images/999-front.jpg")
	err := f.runner.HandleEvent(context.Background(), ev)
	require.Error(t, err)
	assert.Equal(t, workflows.ClassRecordResolution, workflows.ClassOf(err))

	// missing source object
	err = f.runner.HandleEvent(context.Background(), pipeline.UploadEvent{
		Bucket: bucket, ObjectKey: "property-images/123-gone.jpg", ContentType: "image/jpeg",
	})
	assert.Equal(t, workflows.ClassFatalContent, workflows.ClassOf(err))

	// skips are not errors
	assert.NoError(t, f.runner.HandleEvent(context.Background(), pipeline.UploadEvent{
		Bucket: bucket, ObjectKey: "property-images/processed/123-front.jpg", ContentType: "image/jpeg",
	}))
	assert.NoError(t, f.runner.HandleEvent(context.Background(), pipeline.UploadEvent{
		Bucket: bucket, ObjectKey: "property-images/123-notes.txt", ContentType: "text/plain",
	}))
}

func TestEnqueueRequiresDBOS(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Enqueue(context.Background(), pipeline.UploadEvent{Bucket: bucket, ObjectKey: "k"})
	assert.True(t, errors.Is(err, workflows.ErrDBOSUnavailable))
	assert.NoError(t, f.runner.Launch())
	assert.Nil(t, f.runner.Tracker())
}

func TestNewRejectsBadAnchor(t *testing.T) {
	store, err := storage.NewFilesystemStore(t.TempDir(), "")
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	records, err := listings.NewRedisStore("redis://" + mr.Addr())
	require.NoError(t, err)
	defer records.Close()

	_, err = New(context.Background(), config.Config{WatermarkAnchor: "middle", StagingDir: t.TempDir()}, Options{
		ObjectStore: store,
		RecordStore: records,
	})
	assert.Error(t, err)
}

func TestHandleEventProcessesInPlaceWhenQueueIsUp(t *testing.T) {
	f := newFixture(t)
	// bus deliveries must not be handed to the queue, where a transient failure
	// would be acked and lost
	f.runner.launched = true

	ev := f.upload(t, "property-images/123-kitchen.jpg")
	require.NoError(t, f.runner.HandleEvent(context.Background(), ev))

	images, err := f.records.Images(context.Background(), "123")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://cdn.example.com/listings/property-images/processed/123-kitchen.jpg"}, images)
}
