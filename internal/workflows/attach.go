package workflows

import (
	"context"
	"fmt"
	"strings"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// ReferenceUpdater merges published URLs into listing records
type ReferenceUpdater struct {
	records RecordStore
	layout  pipeline.Layout
}

// NewReferenceUpdater creates an updater on records
func NewReferenceUpdater(records RecordStore, layout pipeline.Layout) *ReferenceUpdater {
	return &ReferenceUpdater{records: records, layout: layout}
}

// Resolve derives the listing reference for a source key. It does no I/O;
// whether the record exists is checked by Attach.
func (u *ReferenceUpdater) Resolve(sourceKey, publicURL string) (pipeline.ListingReference, error) {
	recordID, err := u.layout.RecordID(sourceKey)
	if err != nil {
		return pipeline.ListingReference{}, err
	}
	return pipeline.ListingReference{RecordID: recordID, PublicURL: publicURL}, nil
}

// Attach adds the URL to the record's image set. It reports whether the set
// changed; attaching a URL already present is a no-op.
func (u *ReferenceUpdater) Attach(ctx context.Context, ref pipeline.ListingReference) (bool, error) {
	if strings.TrimSpace(ref.RecordID) == "" {
		return false, fmt.Errorf("%w: empty record id", pipeline.ErrInvalidRecordID)
	}
	if ref.PublicURL == "" {
		return false, fmt.Errorf("%w: empty public url", ErrInvalidRequest)
	}
	return u.records.AddImage(ctx, ref.RecordID, ref.PublicURL)
}
