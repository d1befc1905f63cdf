/*
errors.go - Centralized error types for the referral engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers classify with errors.Is / the helpers at the bottom.

ERROR CATEGORIES:
  1. NotFound     - unknown code / order / account link; treated as organic
                    or no-op by callers, never fatal
  2. Conflict     - duplicate account-to-referrer binding or code collision;
                    the original always wins
  3. Inconsistent - a transition that doesn't match the ledger state
                    (reversal without accrual); logged, safe no-op
  4. Storage      - transient persistence failure; safe to retry because
                    every ledger mutation is idempotent by construction

USAGE:
  if referral.IsNotFound(err) {
      // organic visitor, nothing to do
  }

SEE ALSO:
  - ledger.go: Emits InconsistentState warnings
  - attribution.go: Emits ErrAlreadyAttributed
*/
package referral

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrCodeNotFound is returned when a referral code doesn't resolve.
	// Click ingress treats this as a silent no-op.
	ErrCodeNotFound = errors.New("referral code not found")

	// ErrCodeTaken is returned when issuing a code collides with an existing
	// one. The registry retries with a fresh random value.
	ErrCodeTaken = errors.New("referral code already taken")

	// ErrAlreadyAttributed is returned when an account already has a
	// referrer binding. The original binding wins; this is not overwritten.
	ErrAlreadyAttributed = errors.New("account already attributed")

	// ErrNoAttribution is returned when no eligible click or account link
	// exists. Callers report the event as organic.
	ErrNoAttribution = errors.New("no attribution found")

	// ErrRecordNotFound is returned when an order has no commission record.
	ErrRecordNotFound = errors.New("commission record not found")

	// ErrInconsistentState is returned when a requested transition doesn't
	// match the ledger state (e.g. reversal with no matching accrual).
	// Logged as a data-integrity warning; the operation is a safe no-op.
	ErrInconsistentState = errors.New("inconsistent ledger state")

	// ErrStorageUnavailable wraps transient store failures. Retryable.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrDuplicateEntry is returned when an idempotency key already exists.
	// Expected behavior for retries of a committed transition.
	ErrDuplicateEntry = errors.New("duplicate commission entry")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// AttributionConflictError reports a rejected re-attribution attempt.
type AttributionConflictError struct {
	AccountID AccountID
	Existing  ReferrerID
	Rejected  ReferrerID
}

func (e *AttributionConflictError) Error() string {
	return fmt.Sprintf("account %s already attributed to %s (rejected binding to %s)",
		e.AccountID, e.Existing, e.Rejected)
}

func (e *AttributionConflictError) Unwrap() error {
	return ErrAlreadyAttributed
}

// StateError reports a transition requested against the wrong record state.
type StateError struct {
	OrderID OrderID
	State   RecordState
	Op      string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s on order %s: record is %s", e.Op, e.OrderID, e.State)
}

func (e *StateError) Unwrap() error {
	return ErrInconsistentState
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound returns true if the error indicates a missing code/record/link.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrCodeNotFound) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrNoAttribution)
}

// IsConflict returns true if the error is a rejected duplicate binding.
func IsConflict(err error) bool {
	return errors.Is(err, ErrAlreadyAttributed) ||
		errors.Is(err, ErrCodeTaken) ||
		errors.Is(err, ErrDuplicateEntry)
}

// IsRetryable returns true if the operation might succeed on retry.
// Every ledger mutation is idempotent, so retrying is always safe.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
