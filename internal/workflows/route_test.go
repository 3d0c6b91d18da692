package workflows

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

func TestRoute(t *testing.T) {
	layout := pipeline.DefaultLayout()
	cases := []struct {
		name string
		ev   pipeline.UploadEvent
		want pipeline.DecisionKind
	}{
		{"listing photo", pipeline.UploadEvent{Bucket: "b", ObjectKey: "property-images/123-frontview.jpg", ContentType: "image/jpeg"}, pipeline.DecisionProcess},
		{"own output", pipeline.UploadEvent{Bucket: "b", ObjectKey: "property-images/processed/123-frontview.jpg", ContentType: "image/jpeg"}, pipeline.DecisionSkipAlreadyProcessed},
		{"pdf", pipeline.UploadEvent{Bucket: "b", ObjectKey: "contracts/agreement.pdf", ContentType: "application/pdf"}, pipeline.DecisionSkipNotImage},
		{"uppercase media type", pipeline.UploadEvent{Bucket: "b", ObjectKey: "property-images/9-a.png", ContentType: "IMAGE/PNG"}, pipeline.DecisionProcess},
		{"missing content type", pipeline.UploadEvent{Bucket: "b", ObjectKey: "property-images/1-a.jpg"}, pipeline.DecisionReject},
		{"missing key", pipeline.UploadEvent{Bucket: "b", ContentType: "image/jpeg"}, pipeline.DecisionReject},
		{"missing bucket", pipeline.UploadEvent{ObjectKey: "property-images/1-a.jpg", ContentType: "image/jpeg"}, pipeline.DecisionReject},
		// only the scoped prefix is the loop gate
		{"unscoped processed segment", pipeline.UploadEvent{Bucket: "b", ObjectKey: "processed/1-a.jpg", ContentType: "image/jpeg"}, pipeline.DecisionProcess},
		// the non-image check comes before the prefix check
		{"non-image under derivative prefix", pipeline.UploadEvent{Bucket: "b", ObjectKey: "property-images/processed/notes.txt", ContentType: "text/plain"}, pipeline.DecisionSkipNotImage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Route(tc.ev, layout)
			assert.Equal(t, tc.want, got.Kind)
			assert.Equal(t, got, Route(tc.ev, layout))
		})
	}
}

func TestRouteRejectReason(t *testing.T) {
	d := Route(pipeline.UploadEvent{}, pipeline.DefaultLayout())
	assert.Equal(t, "missing metadata", d.Reason)
	assert.False(t, d.Proceed())
	assert.Equal(t, "reject(missing metadata)", d.String())
}

func TestCanTransition(t *testing.T) {
	happy := []State{StateReceived, StateRouted, StateStaged, StateComposed, StatePublished, StateAttached, StateDone}
	for i := 0; i+1 < len(happy); i++ {
		assert.True(t, CanTransition(happy[i], happy[i+1]), "%s -> %s", happy[i], happy[i+1])
	}

	assert.True(t, CanTransition(StateRouted, StateSkipped))
	for _, s := range []State{StateRouted, StateStaged, StateComposed, StatePublished} {
		assert.True(t, CanTransition(s, StateFailed), "%s -> failed", s)
	}

	assert.False(t, CanTransition(StateReceived, StateSkipped))
	assert.False(t, CanTransition(StateStaged, StateSkipped))
	assert.False(t, CanTransition(StateRouted, StatePublished))
	assert.False(t, CanTransition(StateAttached, StateFailed))
	for _, s := range []State{StateDone, StateSkipped, StateFailed} {
		assert.True(t, s.Terminal())
		assert.False(t, CanTransition(s, StateRouted))
	}
}

func TestClassOf(t *testing.T) {
	assert.Equal(t, FailureClass(""), ClassOf(nil))
	assert.Equal(t, ClassTransient, ClassOf(assert.AnError))

	err := phaseError(PhaseCompose, ClassFatalContent, assert.AnError)
	assert.Equal(t, ClassFatalContent, ClassOf(err))
	assert.Equal(t, PhaseCompose, PhaseOf(err))
	assert.False(t, err.Retryable())
	assert.ErrorIs(t, err, assert.AnError)
}
