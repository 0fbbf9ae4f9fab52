/*
errors.go - Centralized error taxonomy for the KPI engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every specific error wraps exactly one taxonomy root, so callers can
  test either the precise condition or its class:

    errors.Is(err, generic.ErrWeekLocked)  // precise
    errors.Is(err, generic.ErrLockedState) // class

ERROR CLASSES:
  1. NotFound            - week/month/result/entry missing
  2. LockedState         - write against a locked period without force
  3. PreconditionFailed  - monthly compute before weekly compute, zero weeks
  4. InvalidTransition   - ledger status graph violation
  5. Validation          - malformed amounts, missing required fields
  6. Forbidden           - actor role cannot perform the operation
  7. Conflict            - natural-key uniqueness violation

RETRY POLICY:
  NotFound and Validation are caller errors and are never retried.
  LockedState is expected; batch jobs report it as "skipped".
  Everything else (store failures) may be retried: all writes are
  idempotent upserts on natural keys.

SEE ALSO:
  - kpi/weekly.go, kpi/monthly.go: compute errors
  - fund/ledger.go: transition errors
  - api/handlers.go: HTTP status mapping
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// TAXONOMY ROOTS - Use with errors.Is()
// =============================================================================

var (
	ErrNotFound           = errors.New("not found")
	ErrLockedState        = errors.New("locked")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidTransition  = errors.New("invalid transition")
	ErrValidation         = errors.New("validation failed")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
)

// =============================================================================
// SPECIFIC ERRORS - Each wraps one root
// =============================================================================

var (
	ErrWeekNotFound          = fmt.Errorf("week %w", ErrNotFound)
	ErrMonthNotFound         = fmt.Errorf("month %w", ErrNotFound)
	ErrMonthlyResultNotFound = fmt.Errorf("monthly result %w", ErrNotFound)
	ErrLedgerEntryNotFound   = fmt.Errorf("ledger entry %w", ErrNotFound)

	ErrWeekLocked    = fmt.Errorf("week %w", ErrLockedState)
	ErrMonthLocked   = fmt.Errorf("month %w", ErrLockedState)
	ErrAlreadyLocked = fmt.Errorf("period already %w", ErrLockedState)

	ErrNoFridaysInMonth  = fmt.Errorf("%w: month has no fridays", ErrPreconditionFailed)
	ErrWeeklyDataMissing = fmt.Errorf("%w: weekly data missing for month", ErrPreconditionFailed)
	ErrNotLocked         = fmt.Errorf("%w: period is not locked", ErrPreconditionFailed)

	ErrInvalidStatusTransition = fmt.Errorf("%w: ledger status", ErrInvalidTransition)

	ErrMissingExpectedAmount = fmt.Errorf("%w: missing expected amount", ErrValidation)
	ErrInvalidAmount         = fmt.Errorf("%w: invalid amount", ErrValidation)
	ErrInvalidPeriodKey      = fmt.Errorf("%w: invalid period key", ErrValidation)

	ErrDuplicateSubmission = fmt.Errorf("%w: submission already exists", ErrConflict)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidTransitionError describes a rejected ledger status change.
type InvalidTransitionError struct {
	EntryType string
	From      string
	To        string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition for %s entry: %s -> %s", e.EntryType, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidStatusTransition
}

// FieldError reports a single invalid input field.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *FieldError) Unwrap() error {
	return ErrValidation
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsLocked returns true if the write was rejected by a period lock.
// Batch jobs count these as skipped rather than failed.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLockedState)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrForbidden) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrConflict)
}

// IsRetryable returns true if the error might succeed on retry.
// Anything outside the taxonomy is treated as a transient store failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return !IsClientError(err) &&
		!errors.Is(err, ErrLockedState) &&
		!errors.Is(err, ErrPreconditionFailed)
}
