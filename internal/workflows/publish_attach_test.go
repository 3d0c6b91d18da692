package workflows

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

func TestPublishOverwritesAtDeterministicKey(t *testing.T) {
	store := newMemStore()
	p := NewDerivativePublisher(store)
	asset := pipeline.DerivativeAsset{
		SourceKey:     "property-images/7-a.png",
		DerivativeKey: "property-images/processed/7-a.png",
		Bytes:         []byte("v1"),
		ContentType:   "image/png",
	}

	url1, err := p.Publish(context.Background(), testBucket, asset)
	require.NoError(t, err)
	asset.Bytes = []byte("v2")
	url2, err := p.Publish(context.Background(), testBucket, asset)
	require.NoError(t, err)

	assert.Equal(t, url1, url2)
	obj, ok := store.get(asset.DerivativeKey)
	require.True(t, ok)
	assert.Equal(t, "v2", string(obj.data))
	assert.Equal(t, "image/png", obj.contentType)
	assert.True(t, obj.public)
	assert.Len(t, store.objects, 1)
}

func TestPublishRequiresKey(t *testing.T) {
	_, err := NewDerivativePublisher(newMemStore()).Publish(context.Background(), testBucket, pipeline.DerivativeAsset{})
	assert.True(t, errors.Is(err, ErrInvalidRequest))
}

type setRecords map[string]map[string]bool

func (s setRecords) AddImage(_ context.Context, id, url string) (bool, error) {
	set, ok := s[id]
	if !ok {
		return false, pipeline.ErrRecordNotFound
	}
	if set[url] {
		return false, nil
	}
	set[url] = true
	return true, nil
}

func TestReferenceUpdater(t *testing.T) {
	records := setRecords{"42": {}}
	u := NewReferenceUpdater(records, pipeline.DefaultLayout())

	ref, err := u.Resolve("property-images/42-living-room.jpg", "https://cdn/x.jpg")
	require.NoError(t, err)
	assert.Equal(t, "42", ref.RecordID)

	added, err := u.Attach(context.Background(), ref)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = u.Attach(context.Background(), ref)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Len(t, records["42"], 1)

	_, err = u.Resolve("property-images/nodelimiter.jpg", "https://cdn/y.jpg")
	assert.True(t, errors.Is(err, pipeline.ErrInvalidRecordID))

	_, err = u.Attach(context.Background(), pipeline.ListingReference{RecordID: "99", PublicURL: "https://cdn/z.jpg"})
	assert.True(t, errors.Is(err, pipeline.ErrRecordNotFound))

	_, err = u.Attach(context.Background(), pipeline.ListingReference{RecordID: " ", PublicURL: "u"})
	assert.True(t, errors.Is(err, pipeline.ErrInvalidRecordID))
}

func TestRunAsyncWithoutDBOS(t *testing.T) {
	r := NewWorkflowRunner(nil)
	_, err := r.RunAsync(context.Background(), pipeline.ProcessRequest{Job: pipeline.JobWatermark})
	assert.True(t, errors.Is(err, ErrDBOSUnavailable))
	_, err = r.GetStatus(context.Background(), "x")
	assert.True(t, errors.Is(err, ErrDBOSUnavailable))
}
