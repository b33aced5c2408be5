// Package errors defines the error taxonomy shared across the deployment
// orchestrator: artifact read/write failures, gate timeouts, configuration
// cycles and unit failures.
package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that an artifact has not been produced yet
	ErrNotFound = errors.New("artifact not found")

	// ErrParseFailure indicates that an artifact exists but is malformed
	ErrParseFailure = errors.New("artifact parse failure")

	// ErrWriteFailed indicates that an artifact could not be written
	ErrWriteFailed = errors.New("artifact write failed")

	// ErrTimedOut indicates that a gate wait exceeded its configured bound
	ErrTimedOut = errors.New("gate wait timed out")

	// ErrCycleDetected indicates a dependency cycle in the unit graph
	ErrCycleDetected = errors.New("dependency cycle detected")

	// ErrUnitFailed indicates that a unit reached the failed state
	ErrUnitFailed = errors.New("unit failed")

	// ErrUnknownUnit indicates a reference to a unit that is not declared
	ErrUnknownUnit = errors.New("unknown unit")

	// ErrDuplicateUnit indicates two units declared with the same name
	ErrDuplicateUnit = errors.New("duplicate unit name")
)

// Error represents a structured orchestrator error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsNotFound checks if an error is an artifact-not-found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsParseFailure checks if an error is a parse failure
func IsParseFailure(err error) bool {
	return errors.Is(err, ErrParseFailure)
}

// IsTimedOut checks if an error is a gate timeout
func IsTimedOut(err error) bool {
	return errors.Is(err, ErrTimedOut)
}

// IsCycleDetected checks if an error is a dependency cycle error
func IsCycleDetected(err error) bool {
	return errors.Is(err, ErrCycleDetected)
}

// IsUnitFailed checks if an error reports a failed unit
func IsUnitFailed(err error) bool {
	return errors.Is(err, ErrUnitFailed)
}
