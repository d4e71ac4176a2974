// Package faults provides the typed fault taxonomy for the sync engine.
//
// Network and storage failures are converted into these typed faults at the
// transport and store boundaries; the scheduler only ever sees typed faults,
// never raw driver or transport errors.
package faults

import (
	"errors"
	"fmt"
)

// Code identifies a fault kind.
type Code string

const (
	// General codes
	CodeInternal   Code = "INTERNAL_ERROR"
	CodeInvalid    Code = "INVALID_INPUT"
	CodeNotFound   Code = "NOT_FOUND"
	CodePermission Code = "PERMISSION_DENIED"

	// Local durable store: disk full, corruption. Fatal to the operation,
	// surfaced, not retried automatically.
	CodeStorage Code = "STORAGE_FAULT"

	// Sync transport: retryable with backoff.
	CodeTransientNetwork Code = "TRANSIENT_NETWORK_FAULT"

	// Sync transport: requires re-authentication; sync pauses until resolved.
	CodeAuth Code = "AUTH_FAULT"

	// Server rejected a specific record's payload. The record is parked as
	// conflicted; the rest of the batch proceeds.
	CodeValidationRejected Code = "VALIDATION_REJECTED"
)

// Fault is an error carrying a taxonomy code and an optional cause.
type Fault struct {
	Code    Code
	Message string
	Err     error
}

// Error implements the error interface.
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("[%s] %s", f.Code, f.Message)
}

// Unwrap returns the underlying error.
func (f *Fault) Unwrap() error {
	return f.Err
}

// New creates a new Fault.
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Wrap wraps an existing error with a fault code.
func Wrap(code Code, message string, err error) *Fault {
	return &Fault{Code: code, Message: message, Err: err}
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code Code) bool {
	var f *Fault
	for errors.As(err, &f) {
		if f.Code == code {
			return true
		}
		err = f.Err
		f = nil
	}
	return false
}

// IsRetryable reports whether err should be retried with backoff.
func IsRetryable(err error) bool {
	return Is(err, CodeTransientNetwork)
}

// CodeOf returns the outermost fault code, or CodeInternal for untyped errors.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return CodeInternal
}
