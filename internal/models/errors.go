package models

import (
	"errors"
	"fmt"
)

// ErrConcurrentRun is returned when a check cycle is requested while another is in flight.
var ErrConcurrentRun = errors.New("update cycle already in progress")

// NetworkError covers connection, timeout and range failures. Always retryable.
type NetworkError struct {
	Op  string
	Err error
}

func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// SecurityValidationError means the artifact must not be retried with the same bytes.
type SecurityValidationError struct {
	Reason string
	Err    error
}

func NewSecurityValidationError(reason string, err error) *SecurityValidationError {
	return &SecurityValidationError{Reason: reason, Err: err}
}

func (e *SecurityValidationError) Error() string {
	if e.Err == nil {
		return "security validation failed: " + e.Reason
	}
	return fmt.Sprintf("security validation failed: %s: %v", e.Reason, e.Err)
}

func (e *SecurityValidationError) Unwrap() error { return e.Err }

// ParseError is a malformed server response or archive structure.
type ParseError struct {
	What string
	Err  error
}

func NewParseError(what string, err error) *ParseError {
	return &ParseError{What: what, Err: err}
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse %s: %v", e.What, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// IsNetworkError reports whether err wraps a NetworkError.
func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

// IsValidationError reports whether err means the downloaded bytes are unusable.
func IsValidationError(err error) bool {
	var secErr *SecurityValidationError
	var parseErr *ParseError
	return errors.As(err, &secErr) || errors.As(err, &parseErr)
}

// ErrorKind labels err for logs and metrics.
func ErrorKind(err error) string {
	var secErr *SecurityValidationError
	var parseErr *ParseError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConcurrentRun):
		return "concurrent_run"
	case IsNetworkError(err):
		return "network"
	case errors.As(err, &secErr):
		return "security"
	case errors.As(err, &parseErr):
		return "parse"
	default:
		return "other"
	}
}
