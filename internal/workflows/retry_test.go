package workflows

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// flakyWorkflow fails with the scripted errors, then succeeds
type flakyWorkflow struct {
	errs  []error
	calls int
}

func (w *flakyWorkflow) Name() string { return "flaky" }

func (w *flakyWorkflow) Execute(*WorkflowContext) (*WorkflowResult, error) {
	w.calls++
	if w.calls <= len(w.errs) {
		err := w.errs[w.calls-1]
		return &WorkflowResult{State: StateFailed, FailureClass: ClassOf(err)}, err
	}
	return &WorkflowResult{Success: true, State: StateDone}, nil
}

func fastRetries(max int) RetryPolicy {
	return RetryPolicy{MaxAttempts: max, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2}
}

func queuedContext(ctx context.Context) *WorkflowContext {
	return &WorkflowContext{
		Ctx:     ctx,
		Request: pipeline.ProcessRequest{Job: pipeline.JobWatermark},
		RunID:   "watermark-queued",
	}
}

func TestQueuedRunRetriesTransientFailures(t *testing.T) {
	downloadReset := phaseError(PhaseFetch, ClassTransient, errors.New("connection reset"))
	wf := &flakyWorkflow{errs: []error{downloadReset, downloadReset}}
	r := NewWorkflowRunner(nil)
	r.SetRetryPolicy(fastRetries(5))

	res, err := r.runQueued(wf, queuedContext(context.Background()))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, wf.calls)
}

func TestQueuedRunDoesNotRetryPermanentFailures(t *testing.T) {
	r := NewWorkflowRunner(nil)
	r.SetRetryPolicy(fastRetries(5))

	for _, err := range []error{
		phaseError(PhaseCompose, ClassFatalContent, errors.New("not an image")),
		phaseError(PhaseAttach, ClassRecordResolution, pipeline.ErrRecordNotFound),
	} {
		wf := &flakyWorkflow{errs: []error{err}}
		_, got := r.runQueued(wf, queuedContext(context.Background()))
		assert.ErrorIs(t, got, err)
		assert.Equal(t, 1, wf.calls, ClassOf(err))
	}
}

func TestQueuedRunStopsAtMaxAttempts(t *testing.T) {
	unavailable := phaseError(PhasePublish, ClassTransient, errors.New("503 from object store"))
	wf := &flakyWorkflow{errs: []error{unavailable, unavailable, unavailable, unavailable}}
	r := NewWorkflowRunner(nil)
	r.SetRetryPolicy(fastRetries(3))

	res, err := r.runQueued(wf, queuedContext(context.Background()))
	assert.Equal(t, ClassTransient, ClassOf(err))
	assert.Equal(t, ClassTransient, res.FailureClass)
	assert.Equal(t, 3, wf.calls)
}

func TestQueuedRunStopsWhenCancelled(t *testing.T) {
	unavailable := phaseError(PhaseFetch, ClassTransient, errors.New("timeout"))
	wf := &flakyWorkflow{errs: []error{unavailable, unavailable}}
	r := NewWorkflowRunner(nil)
	r.SetRetryPolicy(RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.runQueued(wf, queuedContext(ctx))
	assert.Error(t, err)
	assert.Equal(t, 1, wf.calls)
}

func TestRetryBackoff(t *testing.T) {
	p := RetryPolicy{InitialBackoff: time.Second, MaxBackoff: 5 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, p.backoff(1))
	assert.Equal(t, 2*time.Second, p.backoff(2))
	assert.Equal(t, 4*time.Second, p.backoff(3))
	assert.Equal(t, 5*time.Second, p.backoff(4))

	assert.Equal(t, 2*time.Second, DefaultRetryPolicy().backoff(1))
}
