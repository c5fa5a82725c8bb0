package errors

import (
	"errors"
	"fmt"
)

// Common error types used across the stageflow library

var (
	// ErrClosed indicates that an operation was attempted on a closed resource
	ErrClosed = errors.New("resource is closed")

	// ErrInvalidConfiguration indicates invalid configuration parameters
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrArgumentMismatch indicates that a stage callable was invoked with an
	// argument count or type it cannot accept
	ErrArgumentMismatch = errors.New("argument mismatch")

	// ErrPoolUnavailable indicates a submission to a worker pool that is not
	// running, either because it was never started or because it was released
	ErrPoolUnavailable = errors.New("worker pool unavailable")
)

// ValidationError describes a configuration field that failed validation.
type ValidationError struct {
	Module string
	Field  string
	Value  interface{}
	Reason string
	Hint   string
}

// NewValidationError creates a ValidationError without a hint.
func NewValidationError(module, field string, value interface{}, reason string) *ValidationError {
	return &ValidationError{
		Module: module,
		Field:  field,
		Value:  value,
		Reason: reason,
	}
}

// WithHint sets a remediation hint and returns the same error for chaining.
func (e *ValidationError) WithHint(hint string) *ValidationError {
	e.Hint = hint
	return e
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("%s: invalid %s=%v (%s)", e.Module, e.Field, e.Value, e.Reason)
	if e.Hint != "" {
		msg += " - " + e.Hint
	}
	return msg
}

// Unwrap returns ErrInvalidConfiguration so callers can match with errors.Is.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// OperationError wraps a failure of a named operation in a module.
type OperationError struct {
	Module    string
	Operation string
	Cause     error
	Context   string
}

// NewOperationError creates an OperationError for module.operation.
func NewOperationError(module, operation string, cause error) *OperationError {
	return &OperationError{
		Module:    module,
		Operation: operation,
		Cause:     cause,
	}
}

// WithContext attaches extra detail and returns the same error for chaining.
func (e *OperationError) WithContext(context string) *OperationError {
	e.Context = context
	return e
}

func (e *OperationError) Error() string {
	msg := fmt.Sprintf("%s.%s failed: %v", e.Module, e.Operation, e.Cause)
	if e.Context != "" {
		msg += " (" + e.Context + ")"
	}
	return msg
}

func (e *OperationError) Unwrap() error {
	return e.Cause
}

// BranchError reports the failure of one branch of a parallel stage.
// Index is the branch's registration position.
type BranchError struct {
	Index int
	Stage string
	Err   error
}

func (e *BranchError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("branch %d (%s): %v", e.Index, e.Stage, e.Err)
	}
	return fmt.Sprintf("branch %d: %v", e.Index, e.Err)
}

// Unwrap returns the branch's original failure.
func (e *BranchError) Unwrap() error {
	return e.Err
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}

// IsPoolUnavailable reports whether err was caused by submitting to a pool
// that is not running.
func IsPoolUnavailable(err error) bool {
	return errors.Is(err, ErrPoolUnavailable)
}

// AsBranchError extracts the BranchError from err's chain, if any.
func AsBranchError(err error) (*BranchError, bool) {
	var berr *BranchError
	if errors.As(err, &berr) {
		return berr, true
	}
	return nil, false
}
