package domain

import (
	"errors"
	"fmt"
)

// FailureKind classifies how a pipeline run failed
type FailureKind string

const (
	// FatalPrecondition means nothing was mutated yet; no retry, no rollback
	FatalPrecondition FailureKind = "fatal-precondition"
	// Infrastructure covers workspace, push and PR failures; no retry, rollback
	Infrastructure FailureKind = "infrastructure"
	// CapabilityDenied stops the run immediately and escalates
	CapabilityDenied FailureKind = "capability-denied"
	// ValidationFailed means the agent's output did not pass validation after all attempts
	ValidationFailed FailureKind = "validation-failed"
	// ExecutionFailed is a generic agent failure after all attempts
	ExecutionFailed FailureKind = "execution-failed"
)

// PipelineError is a classified pipeline failure
type PipelineError struct {
	Kind  FailureKind
	Stage string
	Err   error
}

func (e *PipelineError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s at %s", e.Kind, e.Stage)
	}
	return fmt.Sprintf("%s at %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from an error chain.
// Unclassified errors report as execution failures.
func KindOf(err error) FailureKind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ExecutionFailed
}
