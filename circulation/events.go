/*
events.go - Typed events and the transactional outbox

PURPOSE:
  Side effects (notifications, downstream consumers) are never performed
  inside engine operations. Instead each operation appends typed events to
  an outbox in the same transaction as the state change. A dispatcher reads
  the outbox in sequence order afterwards, so a delivery failure can never
  roll back a borrow, return or renewal.

ORDERING:
  Seq is assigned by the store at append time and is strictly increasing.
  Return appends copy.returned before the reservation.fulfilled it causes.

SEE ALSO:
  - notify/dispatcher.go: consumes the outbox
*/
package circulation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

type EventType string

const (
	EventBookBorrowed         EventType = "book.borrowed"
	EventCopyReturned         EventType = "copy.returned"
	EventReservationCreated   EventType = "reservation.created"
	EventReservationCancelled EventType = "reservation.cancelled"
	EventReservationFulfilled EventType = "reservation.fulfilled"
	EventReservationExpired   EventType = "reservation.expired"
	EventRenewalRequested     EventType = "renewal.requested"
	EventRenewalDecided       EventType = "renewal.decided"
	EventDueSoon              EventType = "borrow.due_soon"
	EventOverdue              EventType = "borrow.overdue"
)

// Event is an outbox entry. Only the fields relevant to Type are set.
type Event struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`

	BookID        BookID        `json:"book_id,omitempty"`
	UserID        UserID        `json:"user_id,omitempty"`
	BorrowID      BorrowID      `json:"borrow_id,omitempty"`
	ReservationID ReservationID `json:"reservation_id,omitempty"`
	RenewalID     RenewalID     `json:"renewal_id,omitempty"`

	BookTitle string `json:"book_title,omitempty"`
	UserName  string `json:"user_name,omitempty"`
	UserEmail string `json:"user_email,omitempty"`

	DueDate   *time.Time      `json:"due_date,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Fee       decimal.Decimal `json:"fee"`
	DaysLate  int             `json:"days_late,omitempty"`
	Days      int             `json:"days,omitempty"`
	Position  int             `json:"position,omitempty"`
	Status    string          `json:"status,omitempty"`
	Reason    string          `json:"reason,omitempty"`

	DispatchedAt *time.Time `json:"dispatched_at,omitempty"`
}

func newEvent(t EventType, at time.Time) *Event {
	return &Event{ID: newID(), Type: t, OccurredAt: at}
}

// Outbox is the dispatcher's view of the store.
type Outbox interface {
	// PendingEvents returns undispatched events ordered by Seq.
	PendingEvents(ctx context.Context, limit int) ([]Event, error)

	// MarkDispatched is idempotent.
	MarkDispatched(ctx context.Context, seq int64, at time.Time) error

	// AcquireDispatchLease makes holder the only dispatcher until the given
	// time. It succeeds when there is no lease, the lease has expired at now,
	// or holder already owns it (which extends it).
	AcquireDispatchLease(ctx context.Context, holder string, now, until time.Time) (bool, error)

	// ReleaseDispatchLease is a no-op unless holder owns the lease.
	ReleaseDispatchLease(ctx context.Context, holder string) error
}

func timePtr(t time.Time) *time.Time { return &t }
