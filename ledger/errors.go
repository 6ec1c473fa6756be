/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. NotFound         - target missing or owned by someone else (merged)
  2. InvalidArgument  - non-positive amount, empty reason, bad precision
  3. InsufficientFunds- withdrawal larger than the accumulated balance
  4. Storage          - lock, connection, constraint or commit failure

  Every failure inside WithTx rolls back the whole attempt. The ledger
  never logs errors; callers decide how to surface them.

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) { ... 400 ... }
  if ledger.IsRetryable(err) { ... 503 ... }
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a target does not exist or is not owned
	// by the caller. The two cases are indistinguishable on purpose.
	ErrNotFound = errors.New("target not found")

	ErrInvalidArgument   = errors.New("invalid argument")
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrStorage wraps every persistence failure.
	ErrStorage = errors.New("storage failure")

	// ErrLockTimeout is returned when the target row lock could not be
	// acquired within the store's lock-wait policy. Retryable by the caller.
	ErrLockTimeout = errors.New("lock wait timeout")

	// ErrDuplicateReference is returned by a store when a deposit with an
	// already-recorded (target, payment reference) pair is inserted.
	ErrDuplicateReference = errors.New("duplicate payment reference")

	// ErrTargetHasTransactions is returned when deleting a target that still
	// has ledger history.
	ErrTargetHasTransactions = errors.New("target has transactions")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	TargetID  TargetID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Shortfall() decimal.Decimal {
	return e.Requested.Sub(e.Available)
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: available %s, requested %s, shortfall %s",
		e.Available.StringFixed(CurrencyPlaces),
		e.Requested.StringFixed(CurrencyPlaces),
		e.Shortfall().StringFixed(CurrencyPlaces))
}

func (e *InsufficientFundsError) Unwrap() error {
	return ErrInsufficientFunds
}

// StorageError wraps a driver error with the operation that failed.
// It matches both ErrStorage and the wrapped cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() []error {
	return []error{ErrStorage, e.Err}
}

// Storage wraps err as a StorageError unless it already carries a ledger
// meaning (client error, not found, duplicate, already a storage error).
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsClientError(err) || errors.Is(err, ErrStorage) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateReference) || errors.Is(err, ErrTargetHasTransactions) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientFunds)
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
