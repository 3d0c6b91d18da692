package pipeline

import "strings"

// UploadEvent is the storage-write notification that triggers processing
type UploadEvent struct {
	Bucket      string `json:"bucket"`
	ObjectKey   string `json:"objectKey"`
	ContentType string `json:"contentType,omitempty"`
	SizeBytes   int64  `json:"size,omitempty"`
}

// IsImage reports whether the event's content type is in the image/ media family
func (e UploadEvent) IsImage() bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(e.ContentType)), ImageMediaPrefix)
}

// ProcessRequest represents a request to process an upload event
type ProcessRequest struct {
	Job      string            `json:"job"` // watermark
	Event    UploadEvent       `json:"event"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ProcessResponse represents the response from triggering processing
type ProcessResponse struct {
	RunID           string `json:"run_id"`
	State           string `json:"state,omitempty"`
	Decision        string `json:"decision,omitempty"`
	PublicURL       string `json:"public_url,omitempty"`
	FailedPhase     string `json:"failed_phase,omitempty"`
	FailureClass    string `json:"failure_class,omitempty"`
	Error           string `json:"error,omitempty"`
	DedupeSeenCount int    `json:"dedupe_seen_count"`
}

// DecisionKind enumerates the outcomes of routing an UploadEvent
type DecisionKind string

const (
	DecisionProcess              DecisionKind = "process"
	DecisionSkipNotImage         DecisionKind = "skip_not_image"
	DecisionSkipAlreadyProcessed DecisionKind = "skip_already_processed"
	DecisionReject               DecisionKind = "reject"
)

// RoutingDecision is the result of routing an event. Reason is set for rejects.
type RoutingDecision struct {
	Kind   DecisionKind `json:"kind"`
	Reason string       `json:"reason,omitempty"`
}

// Proceed reports whether the invocation should continue past routing
func (d RoutingDecision) Proceed() bool {
	return d.Kind == DecisionProcess
}

func (d RoutingDecision) String() string {
	if d.Reason != "" {
		return string(d.Kind) + "(" + d.Reason + ")"
	}
	return string(d.Kind)
}

// DerivativeAsset is a composed image ready to be published
type DerivativeAsset struct {
	SourceKey     string
	DerivativeKey string
	Bytes         []byte
	ContentType   string
}

// ListingReference links a published derivative to the listing record that owns it
type ListingReference struct {
	RecordID  string `json:"record_id"`
	PublicURL string `json:"public_url"`
}

// JobType constants
const (
	JobWatermark = "watermark"
)

// ImageMediaPrefix is the content-type prefix accepted for processing
const ImageMediaPrefix = "image/"
