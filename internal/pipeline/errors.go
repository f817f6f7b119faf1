package pipeline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies stage failures for the retry policy.
type ErrorKind string

const (
	// KindTransient covers gateway timeouts, rate limits and network hiccups.
	KindTransient ErrorKind = "transient"
	// KindInput covers requests the pipeline cannot satisfy as posed.
	KindInput ErrorKind = "input"
	// KindIntegrity covers stage outputs that violate provenance invariants.
	KindIntegrity ErrorKind = "integrity"
	// KindInternal covers everything else that is not worth retrying.
	KindInternal ErrorKind = "internal"
)

// Application error type names used at the activity boundary.
const (
	TypeTransientError = "TransientError"
	TypeInputError     = "InputError"
	TypeIntegrityError = "IntegrityError"
	TypeInternalError  = "InternalError"
)

// TypeName returns the activity error type for the kind.
func (k ErrorKind) TypeName() string {
	switch k {
	case KindTransient:
		return TypeTransientError
	case KindInput:
		return TypeInputError
	case KindIntegrity:
		return TypeIntegrityError
	default:
		return TypeInternalError
	}
}

// KindFromType maps an activity error type back to its kind. Unknown types are
// treated as transient because they were produced by infrastructure, not stages.
func KindFromType(typeName string) ErrorKind {
	switch typeName {
	case TypeInputError:
		return KindInput
	case TypeIntegrityError:
		return KindIntegrity
	case TypeInternalError:
		return KindInternal
	default:
		return KindTransient
	}
}

// NonRetryableTypes lists the error types the retry policy must not retry.
func NonRetryableTypes() []string {
	return []string{TypeInputError, TypeIntegrityError, TypeInternalError}
}

// UserMessage returns the caller-facing explanation for a failure kind.
func (k ErrorKind) UserMessage() string {
	switch k {
	case KindInput:
		return "Your request needs refinement"
	case KindIntegrity:
		return "Generation failed validation; the run was stopped instead of returning unverified content"
	default:
		return "Temporary service issue, please retry later"
	}
}

// StageError is the error a stage returns.
type StageError struct {
	Kind    ErrorKind
	Stage   string
	Message string
	Err     error
}

func (e *StageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error { return e.Err }

// Transient reports whether the error should be retried.
func (e *StageError) Transient() bool { return e.Kind == KindTransient }

func newStageError(kind ErrorKind, stage, msg string, err error) *StageError {
	return &StageError{Kind: kind, Stage: stage, Message: msg, Err: err}
}

func TransientError(stage, msg string, err error) *StageError {
	return newStageError(KindTransient, stage, msg, err)
}

func InputError(stage, msg string, err error) *StageError {
	return newStageError(KindInput, stage, msg, err)
}

func IntegrityError(stage, msg string, err error) *StageError {
	return newStageError(KindIntegrity, stage, msg, err)
}

func InternalError(stage, msg string, err error) *StageError {
	return newStageError(KindInternal, stage, msg, err)
}

// AsStageError extracts a StageError from an error chain.
func AsStageError(err error) (*StageError, bool) {
	var se *StageError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// NewRunError builds the structured error stored on a failed state.
func NewRunError(kind ErrorKind, stage, message string) *RunError {
	return &RunError{
		Kind:        kind,
		Stage:       stage,
		Message:     message,
		UserMessage: fmt.Sprintf("%s: %s", kind.UserMessage(), message),
	}
}

// ErrInvalidTransition is returned when a terminal state is asked to move.
var ErrInvalidTransition = errors.New("invalid status transition")
