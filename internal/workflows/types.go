package workflows

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"

	"github.com/tendant/listing-image-pipeline/internal/dbosruntime"
	"github.com/tendant/listing-image-pipeline/pkg/pipeline"
)

// WorkflowContext contains context for workflow execution
type WorkflowContext struct {
	Ctx     context.Context
	Request pipeline.ProcessRequest
	RunID   string
}

// WorkflowResult contains the result of workflow execution. It is checkpointed
// by DBOS, so every field is a plain value.
type WorkflowResult struct {
	Success      bool              `json:"success"`
	State        State             `json:"state"`
	Decision     string            `json:"decision,omitempty"`
	PublicURL    string            `json:"public_url,omitempty"`
	FailedPhase  Phase             `json:"failed_phase,omitempty"`
	FailureClass FailureClass      `json:"failure_class,omitempty"`
	ErrorMessage string            `json:"error,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
}

// Workflow defines the interface for processing workflows
type Workflow interface {
	// Execute runs the workflow
	Execute(wctx *WorkflowContext) (*WorkflowResult, error)

	// Name returns the workflow name
	Name() string
}

// RetryPolicy bounds how often a queued run is re-executed after a transient
// failure. Queued runs have no event source left to redeliver them.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// DefaultRetryPolicy is used by NewWorkflowRunner
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 2 * time.Second,
		MaxBackoff:     time.Minute,
		Multiplier:     2,
	}
}

// backoff returns the delay after the given failed attempt (1-based)
func (p RetryPolicy) backoff(attempt int) time.Duration {
	initial := p.InitialBackoff
	if initial <= 0 {
		initial = time.Second
	}
	mult := p.Multiplier
	if mult <= 1 {
		mult = 2
	}
	delay := float64(initial) * math.Pow(mult, float64(attempt-1))
	if p.MaxBackoff > 0 && delay > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(delay)
}

// WorkflowRunner executes workflows
type WorkflowRunner struct {
	workflows   map[string]Workflow
	dbosRuntime *dbosruntime.Runtime
	retry       RetryPolicy
}

// NewWorkflowRunner creates a new workflow runner. A nil runtime gives a
// runner that only supports synchronous Run.
func NewWorkflowRunner(dbosRuntime *dbosruntime.Runtime) *WorkflowRunner {
	runner := &WorkflowRunner{
		workflows:   make(map[string]Workflow),
		dbosRuntime: dbosRuntime,
		retry:       DefaultRetryPolicy(),
	}

	// Register the DBOS workflow function
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// SetRetryPolicy replaces the retry policy for queued runs
func (r *WorkflowRunner) SetRetryPolicy(p RetryPolicy) {
	r.retry = p
}

// Register registers a workflow
func (r *WorkflowRunner) Register(job string, workflow Workflow) {
	r.workflows[job] = workflow
}

// NewRunID returns a fresh id for a synchronous run
func NewRunID(job string) string {
	return fmt.Sprintf("%s-%s", job, uuid.NewString())
}

// Validate checks a request before it is run or enqueued
func Validate(req pipeline.ProcessRequest) error {
	if strings.TrimSpace(req.Job) == "" {
		return fmt.Errorf("%w: job is required", ErrInvalidRequest)
	}
	return nil
}

// Run executes a workflow synchronously in the calling goroutine
func (r *WorkflowRunner) Run(wctx *WorkflowContext) (*WorkflowResult, error) {
	if err := Validate(wctx.Request); err != nil {
		return &WorkflowResult{Success: false, ErrorMessage: err.Error()}, err
	}
	workflow, ok := r.workflows[wctx.Request.Job]
	if !ok {
		return &WorkflowResult{
			Success:      false,
			ErrorMessage: ErrWorkflowNotFound.Error(),
		}, ErrWorkflowNotFound
	}
	if wctx.RunID == "" {
		wctx.RunID = NewRunID(wctx.Request.Job)
	}

	return workflow.Execute(wctx)
}

// RunAsync enqueues a workflow for async execution via DBOS
func (r *WorkflowRunner) RunAsync(ctx context.Context, req pipeline.ProcessRequest) (string, error) {
	if r.dbosRuntime == nil {
		return "", ErrDBOSUnavailable
	}
	// The job may be registered only on the workers, so it is not checked here
	if err := Validate(req); err != nil {
		return "", err
	}

	// Time-suffixed so a redelivered event runs again instead of returning the
	// first run's checkpointed result.
	workflowID := fmt.Sprintf("%s-%s-%d", req.Job, strings.ReplaceAll(req.Event.ObjectKey, "/", "_"), time.Now().UnixNano())

	// Enqueue workflow with DBOS (generic function with type parameters)
	handle, err := dbos.RunWorkflow[pipeline.ProcessRequest, *WorkflowResult](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		req,
		dbos.WithWorkflowID(workflowID),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return "", err
	}

	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function that wraps registered workflows
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, req pipeline.ProcessRequest) (*WorkflowResult, error) {
	// Get workflow by job type
	workflow, ok := r.workflows[req.Job]
	if !ok {
		return &WorkflowResult{
			Success:      false,
			ErrorMessage: ErrWorkflowNotFound.Error(),
		}, ErrWorkflowNotFound
	}

	// Get workflow ID from DBOS context
	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return &WorkflowResult{
			Success:      false,
			ErrorMessage: err.Error(),
		}, err
	}

	// Create workflow context (DBOSContext implements context.Context)
	wctx := &WorkflowContext{
		Ctx:     dbosCtx,
		Request: req,
		RunID:   workflowID,
	}

	return r.runQueued(workflow, wctx)
}

// runQueued executes a dequeued run, re-executing it while it fails
// transiently. Every phase is idempotent, so a re-execution converges on the
// same derivative and record state.
func (r *WorkflowRunner) runQueued(workflow Workflow, wctx *WorkflowContext) (*WorkflowResult, error) {
	ctx := wctx.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	for attempt := 1; ; attempt++ {
		result, err := workflow.Execute(wctx)
		if err == nil || ClassOf(err) != ClassTransient || attempt >= r.retry.MaxAttempts {
			return result, err
		}
		timer := time.NewTimer(r.retry.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return result, err
		case <-timer.C:
		}
	}
}

// WorkflowStatus represents the status of a workflow execution
type WorkflowStatus struct {
	RunID      string     `json:"run_id"`
	Name       string     `json:"name"`
	State      string     `json:"state"` // "pending", "running", "succeeded", "failed"
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// GetStatus retrieves the status of a workflow execution
func (r *WorkflowRunner) GetStatus(ctx context.Context, runID string) (*WorkflowStatus, error) {
	if r.dbosRuntime == nil {
		return nil, ErrDBOSUnavailable
	}

	info, err := r.dbosRuntime.GetWorkflowStatus(ctx, runID)
	if err != nil {
		return nil, err
	}

	status := &WorkflowStatus{
		RunID:     info.WorkflowUUID,
		Name:      info.Name,
		State:     statusState(info.Status),
		StartedAt: time.UnixMilli(info.CreatedAt),
	}
	if status.State == "succeeded" || status.State == "failed" {
		finished := time.UnixMilli(info.UpdatedAt)
		status.FinishedAt = &finished
	}
	return status, nil
}

// statusState maps DBOS status names to the API's states
func statusState(dbosStatus string) string {
	switch strings.ToUpper(dbosStatus) {
	case "ENQUEUED":
		return "pending"
	case "PENDING":
		return "running"
	case "SUCCESS":
		return "succeeded"
	case "ERROR", "MAX_RECOVERY_ATTEMPTS_EXCEEDED", "RETRIES_EXCEEDED", "CANCELLED":
		return "failed"
	default:
		return strings.ToLower(dbosStatus)
	}
}
