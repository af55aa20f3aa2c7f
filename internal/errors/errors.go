// Package errors provides structured error types for the list engine.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	// ErrNotWritable means the local device has not yet been admitted as a
	// writer of the current log group. Expected during the onboarding window;
	// callers retry once the grant propagates.
	ErrNotWritable = errors.New("device is not a writer of the current group")

	// ErrSchemaInvalid marks a delivered operation that failed validation.
	// Dropped and logged, never aborts a batch.
	ErrSchemaInvalid = errors.New("operation failed schema validation")

	// ErrStorageFault means durability verification failed after an append.
	// The operation stays causally committed; the flush is retried.
	ErrStorageFault = errors.New("durable write could not be verified")

	// ErrCorruption means the replicated-log structure failed to open.
	ErrCorruption = errors.New("log storage is corrupted")

	ErrOutOfRange     = errors.New("log position out of range")
	ErrPairingTimeout = errors.New("pairing timed out")
	ErrPairingFailed  = errors.New("pairing failed")
	ErrInviteMismatch = errors.New("invite does not match")
	ErrNotInitialized = errors.New("session not initialized")
	ErrSessionClosed  = errors.New("session closed")
)

// SchemaError wraps ErrSchemaInvalid with the offending field.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("invalid operation schema: %s %s", e.Field, e.Reason)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchemaInvalid }

// NewSchemaError creates a schema validation error for a field.
func NewSchemaError(field, reason string) *SchemaError {
	return &SchemaError{Field: field, Reason: reason}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageFault) || errors.Is(err, ErrPairingTimeout)
}

// IsUserActionable returns true for failures that should surface as a distinct
// UI-visible state rather than a log line.
func IsUserActionable(err error) bool {
	return errors.Is(err, ErrNotWritable) || errors.Is(err, ErrPairingTimeout) || errors.Is(err, ErrPairingFailed)
}
