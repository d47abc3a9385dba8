package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrArtifactNotFound is returned by Latest/Get lookups that match
	// nothing.
	ErrArtifactNotFound = errors.New("artifact not found")

	// ErrUnsatisfiableReuse means a reuse policy referenced a (target,
	// kind) with no existing artifact. Resolution fails fast; there is no
	// silent fallback to produce.
	ErrUnsatisfiableReuse = errors.New("reuse policy has no satisfiable source artifact")

	// ErrMissingRequiredKind means a produce stage depends on a kind the
	// policy neither produces, reuses, nor skips.
	ErrMissingRequiredKind = errors.New("policy missing required prerequisite kind")

	ErrUnknownTemplate = errors.New("agent template not in catalog")
	ErrUnknownTarget   = errors.New("build target not found")
	ErrRequestNotFound = errors.New("build request not found")

	// ErrPoolExhausted is returned by a no-wait acquire when the template
	// is at capacity.
	ErrPoolExhausted = errors.New("agent pool exhausted for template")

	// ErrCapacityTimeout is returned when a waiting acquire exceeds its
	// bound. The request stays retryable by resubmission.
	ErrCapacityTimeout = errors.New("timed out waiting for agent capacity")

	ErrPoolClosed = errors.New("agent pool is shut down")
)

// ValidationError rejects a raw parameter set before any side effect.
// Fully recoverable by resubmitting with corrected input.
type ValidationError struct {
	Param string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Param == "" {
		return "invalid parameters: " + e.Msg
	}
	return fmt.Sprintf("invalid parameter %q: %s", e.Param, e.Msg)
}

// ProvisionError surfaces an agent creation failure. The instance is
// marked failed and excluded from capacity accounting; the pool never
// retries on its own.
type ProvisionError struct {
	Template TemplateKey
	Err      error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision %s: %v", e.Template, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// StageExecutionError aborts the remaining stages of a plan.
type StageExecutionError struct {
	Kind ArtifactKind
	Err  error
}

func (e *StageExecutionError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Kind, e.Err)
}

func (e *StageExecutionError) Unwrap() error { return e.Err }
