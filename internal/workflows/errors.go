package workflows

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not registered
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrInvalidRequest is returned when the request is invalid
	ErrInvalidRequest = errors.New("invalid workflow request")

	// ErrDBOSUnavailable is returned by async operations when no DBOS runtime is configured
	ErrDBOSUnavailable = errors.New("DBOS runtime not initialized")
)

// Phase names the pipeline step an error came from
type Phase string

const (
	PhaseFetch   Phase = "fetch"
	PhaseCompose Phase = "compose"
	PhasePublish Phase = "publish"
	PhaseAttach  Phase = "attach"
)

// FailureClass tells the event source whether redelivery can help
type FailureClass string

const (
	// ClassTransient failures are expected to succeed on redelivery
	ClassTransient FailureClass = "transient"
	// ClassFatalContent failures repeat on every redelivery of the same object
	ClassFatalContent FailureClass = "fatal_content"
	// ClassRecordResolution means the object key did not resolve to a listing record
	ClassRecordResolution FailureClass = "record_resolution"
)

// PhaseError is the error returned by a failed invocation
type PhaseError struct {
	Phase Phase
	Class FailureClass
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s failed (%s): %v", e.Phase, e.Class, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// Retryable reports whether redelivery is expected to succeed
func (e *PhaseError) Retryable() bool {
	return e.Class == ClassTransient
}

// ClassOf returns the failure class of err. Context cancellation and errors
// that did not come from a phase are treated as transient.
func ClassOf(err error) FailureClass {
	if err == nil {
		return ""
	}
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassTransient
}

// PhaseOf returns the failed phase, or "" when err did not come from a phase
func PhaseOf(err error) Phase {
	var pe *PhaseError
	if errors.As(err, &pe) {
		return pe.Phase
	}
	return ""
}

func phaseError(phase Phase, class FailureClass, err error) *PhaseError {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		class = ClassTransient
	}
	return &PhaseError{Phase: phase, Class: class, Err: err}
}
