package workflows

import (
	"strings"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// Route decides from event metadata alone whether to process an upload.
// Rules apply in order: missing metadata rejects, non-images skip, keys under
// the derivative prefix skip, everything else is processed.
func Route(ev pipeline.UploadEvent, layout pipeline.Layout) pipeline.RoutingDecision {
	if strings.TrimSpace(ev.Bucket) == "" || strings.TrimSpace(ev.ObjectKey) == "" || strings.TrimSpace(ev.ContentType) == "" {
		return pipeline.RoutingDecision{Kind: pipeline.DecisionReject, Reason: "missing metadata"}
	}
	if !ev.IsImage() {
		return pipeline.RoutingDecision{Kind: pipeline.DecisionSkipNotImage}
	}
	if layout.IsDerivative(ev.ObjectKey) {
		return pipeline.RoutingDecision{Kind: pipeline.DecisionSkipAlreadyProcessed}
	}
	return pipeline.RoutingDecision{Kind: pipeline.DecisionProcess}
}
