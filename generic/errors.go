/*
errors.go - Centralized error types for the sync engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Component packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Record errors - one record is skipped, the batch continues
  2. Ledger errors - a ledger effect is rejected, the transaction row stays
  3. Source errors - transient (retried) or fatal (run aborted)
  4. Store errors - abort the page

USAGE:
  if generic.IsRecordError(err) {
      stats.Errors++ // continue with the next record
  }

SEE ALSO:
  - stats.go: Fold separating record errors from fatal ones
  - bonus/engine.go: Returns InsufficientBalanceError
  - poster/client.go: Returns SourceError
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientBalance is returned when a SPEND exceeds the balance.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrMalformedRecord is returned when a source record fails validation.
	ErrMalformedRecord = errors.New("malformed record")

	// ErrTransientSource marks network/timeout failures that may succeed on retry.
	ErrTransientSource = errors.New("transient source error")

	// ErrParse marks an undecodable source payload. Never retried.
	ErrParse = errors.New("source payload parse error")

	// ErrClientNotFound is returned when a ledger operation names an unknown client.
	ErrClientNotFound = errors.New("client not found")

	// ErrNotFound is returned when a looked-up row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConcurrentModification is returned when two writers race on one client.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidWindow is returned when a sync window ends before it starts.
	ErrInvalidWindow = errors.New("invalid window: end before start")

	// ErrBalanceDrift is returned when Client.Balance disagrees with the
	// client's last ledger entry. The ledger refuses to extend a broken chain.
	ErrBalanceDrift = errors.New("balance disagrees with ledger")

	// ErrInvalidAdjustment is returned when an ADJUST lacks actor, reason or amount.
	ErrInvalidAdjustment = errors.New("invalid adjustment")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError provides details about a rejected SPEND.
type InsufficientBalanceError struct {
	ClientID      int64
	TransactionID int64
	Available     Money
	Requested     Money
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: client %d, transaction %d, available %d, requested %d",
		e.ClientID, e.TransactionID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// MalformedRecordError describes a record rejected before it reached the store.
type MalformedRecordError struct {
	Entity string
	Key    string // natural key as received, "" if missing
	Field  string
	Reason string
}

func (e *MalformedRecordError) Error() string {
	key := e.Key
	if key == "" {
		key = "<missing>"
	}
	return fmt.Sprintf("malformed %s %s: field %s: %s", e.Entity, key, e.Field, e.Reason)
}

func (e *MalformedRecordError) Unwrap() error {
	return ErrMalformedRecord
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientSource) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrInvalidAdjustment) ||
		errors.Is(err, ErrInvalidWindow)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrClientNotFound)
}

// IsRecordError returns true for failures scoped to a single record.
// Everything else aborts the page.
func IsRecordError(err error) bool {
	return errors.Is(err, ErrMalformedRecord) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrBalanceDrift)
}
