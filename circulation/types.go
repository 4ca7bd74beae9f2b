/*
Package circulation provides the library circulation engine.

PURPOSE:
  Tracks physical book inventory and mediates borrowing, returning,
  reservation queueing and renewal requests for a finite pool of copies
  shared by many concurrent users. Every state change that touches copy
  counts, borrow records or reservation transitions runs inside one atomic
  transaction against a Store.

KEY CONCEPTS IN THIS FILE (types.go):
  - Book: copy counts (total / available / held) and derived status
  - BorrowRecord: one lending of one copy to one user
  - Reservation: a place in a book's FIFO waitlist, or a hold once fulfilled
  - RenewalRequest: a request to push a due date back
  - LateFeeTransaction: append-only fee ledger entry
  - User: the borrowing-relevant projection of a library member

INVENTORY INVARIANT:
  For every book, at every commit:

    AvailableCopies + HeldCopies + count(borrowed records) == TotalCopies

  HeldCopies are copies earmarked for a fulfilled reservation. They are
  neither on the shelf for anyone nor lent out yet.

SEE ALSO:
  - inventory.go: the only code that changes copy counts
  - manager.go: Borrow and Return
  - reservation.go: waitlist and holds
  - renewal.go: renewal workflow
*/
package circulation

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type BookID string
type UserID string
type BorrowID string
type ReservationID string
type RenewalID string
type LateFeeID string

func newID() string { return uuid.NewString() }

// =============================================================================
// BOOK
// =============================================================================

type BookStatus string

const (
	BookAvailable BookStatus = "available"
	BookBorrowed  BookStatus = "borrowed"
)

// Book holds the copy counts for one title.
// Created by catalog management, mutated only through InventoryLedger.
type Book struct {
	ID              BookID
	Title           string
	TotalCopies     int
	AvailableCopies int
	HeldCopies      int
	Status          BookStatus

	// LateFeePerDay overrides Policy.LateFeePerDay when set.
	LateFeePerDay *decimal.Decimal

	// ReservationCount is diagnostic only.
	ReservationCount int

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// DeriveStatus recomputes Status from AvailableCopies.
func (b *Book) DeriveStatus() {
	if b.AvailableCopies == 0 {
		b.Status = BookBorrowed
		return
	}
	b.Status = BookAvailable
}

// =============================================================================
// USER
// =============================================================================

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// User is the borrowing projection of a member.
type User struct {
	ID            UserID
	Name          string
	Email         string
	Role          Role
	BooksOut      int
	BorrowedBooks []BookID
	LateFees      decimal.Decimal

	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (u *User) IsAdmin() bool { return u.Role == RoleAdmin }

// HasBorrowed reports whether bookID is in the user's borrowed set.
func (u *User) HasBorrowed(bookID BookID) bool {
	for _, id := range u.BorrowedBooks {
		if id == bookID {
			return true
		}
	}
	return false
}

func (u *User) addBorrowed(bookID BookID) {
	u.BooksOut++
	if !u.HasBorrowed(bookID) {
		u.BorrowedBooks = append(u.BorrowedBooks, bookID)
	}
}

func (u *User) removeBorrowed(bookID BookID) {
	if u.BooksOut > 0 {
		u.BooksOut--
	}
	out := u.BorrowedBooks[:0]
	for _, id := range u.BorrowedBooks {
		if id != bookID {
			out = append(out, id)
		}
	}
	u.BorrowedBooks = out
}

// =============================================================================
// BORROW RECORD
// =============================================================================

type BorrowStatus string

const (
	BorrowActive   BorrowStatus = "borrowed"
	BorrowReturned BorrowStatus = "returned"
)

// BorrowRecord is immutable once returned; it stays as fee/audit history.
type BorrowRecord struct {
	ID         BorrowID
	BookID     BookID
	UserID     UserID
	BorrowedAt time.Time
	DueDate    time.Time
	ReturnedAt *time.Time
	Status     BorrowStatus

	// Filled on return.
	LateFee  decimal.Decimal
	DaysLate int

	// Reminder bookkeeping, reset when the due date moves.
	DueSoonNotified bool
	OverdueNotified bool

	Version int64
}

// =============================================================================
// RESERVATION
// =============================================================================

type ReservationStatus string

const (
	ReservationActive    ReservationStatus = "active"
	ReservationFulfilled ReservationStatus = "fulfilled"
	ReservationCancelled ReservationStatus = "cancelled"
	ReservationExpired   ReservationStatus = "expired"
)

// Reservation is a place in a book's waitlist. Once fulfilled it becomes a
// hold on one earmarked copy until ExpiresAt or until the holder borrows.
type Reservation struct {
	ID     ReservationID
	BookID BookID
	UserID UserID

	// Denormalized for notification content.
	BookTitle string
	UserName  string
	UserEmail string

	Status ReservationStatus

	// Position is a projection over active reservations ordered by CreatedAt.
	// Zero for anything that is not active.
	Position int

	// Seq is assigned by the store on insert and only grows. It orders
	// reservations created at the same instant.
	Seq int64

	CreatedAt   time.Time
	FulfilledAt *time.Time
	ExpiresAt   *time.Time
	CancelledAt *time.Time

	// BorrowID is set when the holder borrows the earmarked copy.
	BorrowID BorrowID

	Version int64
}

// IsOpenHold reports whether the reservation still pins an earmarked copy.
func (r *Reservation) IsOpenHold() bool {
	return r.Status == ReservationFulfilled && r.BorrowID == ""
}

// =============================================================================
// RENEWAL REQUEST
// =============================================================================

type RenewalStatus string

const (
	RenewalPending  RenewalStatus = "pending"
	RenewalApproved RenewalStatus = "approved"
	RenewalRejected RenewalStatus = "rejected"
)

type RenewalAction string

const (
	ActionApprove RenewalAction = "approve"
	ActionReject  RenewalAction = "reject"
)

type RenewalRequest struct {
	ID       RenewalID
	BorrowID BorrowID
	BookID   BookID
	UserID   UserID

	BookTitle string
	UserName  string

	CurrentDueDate time.Time
	RequestedDays  int
	Status         RenewalStatus

	CreatedAt       time.Time
	ProcessedAt     *time.Time
	ProcessedBy     string
	RejectionReason string
	NewDueDate      *time.Time

	Version int64
}

// =============================================================================
// LATE FEE TRANSACTION
// =============================================================================

// LateFeeTransaction is an append-only fee ledger entry written by Return.
type LateFeeTransaction struct {
	ID        LateFeeID
	UserID    UserID
	BookID    BookID
	BorrowID  BorrowID
	Amount    decimal.Decimal
	DaysLate  int
	CreatedAt time.Time
}
