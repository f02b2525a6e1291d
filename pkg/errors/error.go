// Package errors provides structured error handling with typed error codes.
//
// Error codes are organized into categories:
//   - General errors (1-99): Unknown and general errors
//   - Validation errors (100-199): Invalid parameters, configuration, orders and lifecycle transitions
//   - Data/Resource errors (200-299): Unknown orders and units
//   - Exchange errors (500-599): Placement, cancellation, fill and price stream failures
//   - Engine errors (600-699): Actor lifecycle, halted instances and uncovered units
//   - Reconciliation errors (700-799): Drift between the local ledger and the venue
//   - Persistence errors (800-899): Journal and session failures
//
// Usage:
//
//	// Create a new error
//	err := errors.New(errors.ErrCodeInvalidParameter, "invalid parameter value")
//
//	// Create a formatted error
//	err := errors.Newf(errors.ErrCodeOrderNotFound, "order not found: %s", orderID)
//
//	// Wrap an existing error
//	err := errors.Wrap(errors.ErrCodeTransientNetwork, "failed to place order", originalErr)
//
//	// Check error code
//	if errors.HasCode(err, errors.ErrCodeOrderRejected) { ... }
package errors

import (
	"errors"
	"fmt"
)

// Error represents a structured error with an error code and message.
type Error struct {
	Code    ErrorCode
	Message string
	Cause   error
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   nil,
	}
}

// Newf creates a new Error with the given code and formatted message.
func Newf(code ErrorCode, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   nil,
	}
}

// Wrap wraps an existing error with a new Error containing the given code and message.
func Wrap(code ErrorCode, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Wrapf wraps an existing error with a new Error containing the given code and formatted message.
func Wrapf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Cause)
	}

	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around the standard errors.Is function.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around the standard errors.As function.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// GetCode extracts the ErrorCode from an error if it's an *Error type.
// Returns ErrCodeUnknown if the error is not an *Error type.
func GetCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}

	return ErrCodeUnknown
}

// HasCode checks if an error has a specific ErrorCode.
// Unlike GetCode it walks the whole chain, so a rejection wrapped by a
// placement failure is still found.
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}

		if e.Code == code {
			return true
		}

		err = e.Cause
	}

	return false
}

// IsRetryable reports whether an exchange error is worth retrying.
// Only transient network failures are; rejections and unknown errors are not.
func IsRetryable(err error) bool {
	return HasCode(err, ErrCodeTransientNetwork)
}

// UncoveredUnitError is returned when a unit could not be covered by an order
// after every placement attempt was exhausted.
type UncoveredUnitError struct {
	Unit     int    // Unit index left without an order
	Side     string // Side of the order that could not be placed
	Attempts int    // Number of placement attempts made
	Cause    error  // Last placement error
}

// NewUncoveredUnitError creates a new UncoveredUnitError.
func NewUncoveredUnitError(unit int, side string, attempts int, cause error) *UncoveredUnitError {
	return &UncoveredUnitError{
		Unit:     unit,
		Side:     side,
		Attempts: attempts,
		Cause:    cause,
	}
}

// Error implements the error interface.
func (e *UncoveredUnitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%d] unit %d (%s) uncovered after %d attempts: %v",
			ErrCodeUncoveredUnit, e.Unit, e.Side, e.Attempts, e.Cause)
	}

	return fmt.Sprintf("[%d] unit %d (%s) uncovered after %d attempts",
		ErrCodeUncoveredUnit, e.Unit, e.Side, e.Attempts)
}

// Unwrap returns the last placement error.
func (e *UncoveredUnitError) Unwrap() error {
	return e.Cause
}

// IsUncoveredUnitError checks if an error is an UncoveredUnitError.
// It uses errors.As to check the error chain.
func IsUncoveredUnitError(err error) bool {
	var uncoveredErr *UncoveredUnitError

	return errors.As(err, &uncoveredErr)
}
