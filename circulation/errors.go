/*
errors.go - Error taxonomy for the circulation engine

PURPOSE:
  Every failure the engine reports belongs to one of four kinds and carries
  a stable machine-checkable reason plus a human-readable message.

ERROR KINDS:
  ErrValidation    Missing or malformed input
  ErrNotFound      Referenced record absent
  ErrConflict      Request incompatible with current state
  ErrUnauthorized  Actor does not own the resource and is not an admin

USAGE:
  if errors.Is(err, circulation.ErrConflict) {
      switch circulation.ReasonOf(err) {
      case circulation.ReasonNoCopiesAvailable: ...
      }
  }

SEE ALSO:
  - api/errors.go: maps kinds to HTTP statuses
*/
package circulation

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("unauthorized")

	// ErrConcurrentModification is returned by stores when a conditional
	// write finds a newer version than the one read. It is a Conflict.
	ErrConcurrentModification = &Error{
		Kind:    ErrConflict,
		Reason:  ReasonConcurrentModification,
		Message: "record was modified concurrently",
	}

	// ErrRecordNotFound is returned by stores for by-id lookups that miss.
	// Engine code translates it into a reason-specific NotFound.
	ErrRecordNotFound = errors.New("record not found")
)

// =============================================================================
// REASONS - Stable machine codes
// =============================================================================

type Reason string

const (
	ReasonMissingField           Reason = "missing_field"
	ReasonInvalidDueDate         Reason = "invalid_due_date"
	ReasonRenewalDaysOutOfRange  Reason = "renewal_days_out_of_range"
	ReasonInvalidAction          Reason = "invalid_action"
	ReasonBookNotFound           Reason = "book_not_found"
	ReasonUserNotFound           Reason = "user_not_found"
	ReasonNoActiveBorrowal       Reason = "no_active_borrowal"
	ReasonBorrowalNotFound       Reason = "borrowal_not_found"
	ReasonReservationNotFound    Reason = "reservation_not_found"
	ReasonRenewalNotFound        Reason = "renewal_not_found"
	ReasonNoCopiesAvailable      Reason = "no_copies_available"
	ReasonAlreadyBorrowed        Reason = "already_borrowed"
	ReasonBorrowalNotActive      Reason = "borrowal_not_active"
	ReasonBookAvailable          Reason = "book_available"
	ReasonAlreadyReserved        Reason = "already_reserved"
	ReasonReservationNotActive   Reason = "reservation_not_active"
	ReasonPendingReservations    Reason = "pending_reservations"
	ReasonDuplicatePendingRenew  Reason = "duplicate_pending_renewal"
	ReasonRenewalProcessed       Reason = "renewal_already_processed"
	ReasonStaleDueDate           Reason = "stale_due_date"
	ReasonBookMismatch           Reason = "book_mismatch"
	ReasonNoHeldCopies           Reason = "no_held_copies"
	ReasonConcurrentModification Reason = "concurrent_modification"
	ReasonNotReservationOwner    Reason = "not_reservation_owner"
	ReasonNotBorrower            Reason = "not_borrower"
)

// =============================================================================
// STRUCTURED ERROR
// =============================================================================

// Error is the single error type returned by engine operations.
type Error struct {
	Kind    error
	Reason  Reason
	Message string
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Kind }

func validationf(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func notFoundf(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: ErrNotFound, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func conflictf(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

func unauthorizedf(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: ErrUnauthorized, Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// ReasonOf returns the machine reason of an engine error, or "" otherwise.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func IsValidation(err error) bool   { return errors.Is(err, ErrValidation) }
func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsConflict(err error) bool     { return errors.Is(err, ErrConflict) }
func IsUnauthorized(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsRetryable returns true if the error might succeed on retry.
// The engine itself never retries.
func IsRetryable(err error) bool {
	return ReasonOf(err) == ReasonConcurrentModification
}

// missing translates a store miss into a reason-specific NotFound and passes
// any other error through.
func missing(err error, reason Reason, format string, args ...any) error {
	if errors.Is(err, ErrRecordNotFound) {
		return notFoundf(reason, format, args...)
	}
	return err
}
