/*
errors.go - Centralized error types for the reconciliation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers use errors.Is against the sentinels and errors.As against the
  structured types when they need the details.

ERROR CATEGORIES:
  1. Validation errors - malformed input, rejected before anything is written
  2. Duplicate origin - the event was already recorded (idempotent success)
  3. Concurrency errors - cached-balance writers lost a race too many times
  4. Not found - unknown account or entry

DRIFT IS NOT AN ERROR:
  A disagreement between stored and computed balances is reported through
  AuditResult. It only becomes a problem when Repair fails to close it.

SEE ALSO:
  - journal.go: returns DuplicateOriginError
  - registry.go: returns ConcurrentUpdateError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input. Nothing is written.
	ErrValidation = errors.New("validation failed")

	// ErrDuplicateOrigin is returned when an entry already exists for the same
	// (account, origin kind, origin id, leg). Callers treat it as "already
	// processed", never as a failure to retry differently.
	ErrDuplicateOrigin = errors.New("duplicate origin")

	// ErrConcurrentModification is returned by stores when a version-checked
	// cached-balance write finds a newer version.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrAccountNotFound is returned when a referenced account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrEntryNotFound is returned when a referenced entry doesn't exist.
	ErrEntryNotFound = errors.New("entry not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DuplicateOriginError identifies the entry that already records the origin.
type DuplicateOriginError struct {
	AccountID  AccountID
	Origin     Origin
	ExistingID EntryID // may be empty when the store cannot tell
}

func (e *DuplicateOriginError) Error() string {
	if e.ExistingID == "" {
		return fmt.Sprintf("duplicate origin %s on account %s", e.Origin, e.AccountID)
	}
	return fmt.Sprintf("duplicate origin %s on account %s (entry %s)", e.Origin, e.AccountID, e.ExistingID)
}

func (e *DuplicateOriginError) Unwrap() error { return ErrDuplicateOrigin }

// ConcurrentUpdateError is surfaced after the bounded retry of a
// cached-balance write is exhausted.
type ConcurrentUpdateError struct {
	AccountID AccountID
	Attempts  int
}

func (e *ConcurrentUpdateError) Error() string {
	return fmt.Sprintf("cached balance of %s: lost update race after %d attempts", e.AccountID, e.Attempts)
}

func (e *ConcurrentUpdateError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsDuplicate returns true if the event was already recorded.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateOrigin)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrEntryNotFound)
}
