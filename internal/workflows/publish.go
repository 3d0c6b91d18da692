package workflows

import (
	"bytes"
	"context"
	"fmt"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// DerivativePublisher writes derivatives to their deterministic key and makes
// them public. Publishing the same asset twice overwrites with identical bytes.
type DerivativePublisher struct {
	store ObjectStore
}

// NewDerivativePublisher creates a publisher on store
func NewDerivativePublisher(store ObjectStore) *DerivativePublisher {
	return &DerivativePublisher{store: store}
}

// Publish uploads the asset into bucket and returns its public URL
func (p *DerivativePublisher) Publish(ctx context.Context, bucket string, asset pipeline.DerivativeAsset) (string, error) {
	if asset.DerivativeKey == "" {
		return "", fmt.Errorf("%w: derivative key is empty", ErrInvalidRequest)
	}
	if err := p.store.Upload(ctx, bucket, asset.DerivativeKey, bytes.NewReader(asset.Bytes), asset.ContentType); err != nil {
		return "", fmt.Errorf("upload derivative: %w", err)
	}
	if err := p.store.MakePublic(ctx, bucket, asset.DerivativeKey); err != nil {
		return "", fmt.Errorf("make derivative public: %w", err)
	}
	return p.store.PublicURL(bucket, asset.DerivativeKey), nil
}
