/*
store.go - Transaction capability the engine runs against

PURPOSE:
  Defines the boundary between circulation logic and the datastore. The
  engine never touches a database directly: it reads and conditionally
  writes records through a Tx handed out by Store.WithTx.

KEY INTERFACES:
  Reader:      by-id and by-query reads (advisory when used outside a Tx)
  Writer:      inserts and version-conditional updates
  Tx:          Reader + Writer inside one atomic, serializable unit
  Store:       Reader for pre-checks, WithTx for mutations, plus the outbox

CONDITIONAL WRITES:
  Every Update* call is guarded by the record's Version. The store compares
  it with the persisted version and fails with ErrConcurrentModification on
  mismatch. On success the passed record's Version is incremented so the
  caller can write it again in the same Tx.

MISSES:
  Get and Find methods return ErrRecordNotFound when nothing matches.

IMPLEMENTATIONS:
  - circulation/store/memory.go: in-memory, for tests and dev
  - store/sqlite/sqlite.go: SQLite
  - store/postgres/postgres.go: PostgreSQL (SELECT ... FOR UPDATE)
*/
package circulation

import (
	"context"
	"time"
)

// =============================================================================
// FILTERS
// =============================================================================

type BorrowFilter struct {
	BookID BookID
	UserID UserID
	Status BorrowStatus

	// DueBefore is inclusive.
	DueBefore *time.Time
}

// ReservationFilter selects reservations. Results are ordered by CreatedAt
// ascending, then by insertion Seq.
type ReservationFilter struct {
	BookID   BookID
	UserID   UserID
	Statuses []ReservationStatus

	// ExpiresBefore is inclusive; reservations without ExpiresAt never match.
	ExpiresBefore *time.Time
}

type RenewalFilter struct {
	BorrowID BorrowID
	UserID   UserID
	Status   RenewalStatus
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

type Reader interface {
	GetBook(ctx context.Context, id BookID) (*Book, error)
	GetUser(ctx context.Context, id UserID) (*User, error)

	GetBorrow(ctx context.Context, id BorrowID) (*BorrowRecord, error)
	// FindActiveBorrow returns the borrowed-status record for (book, user).
	FindActiveBorrow(ctx context.Context, bookID BookID, userID UserID) (*BorrowRecord, error)
	ListBorrows(ctx context.Context, filter BorrowFilter) ([]BorrowRecord, error)

	GetReservation(ctx context.Context, id ReservationID) (*Reservation, error)
	ListReservations(ctx context.Context, filter ReservationFilter) ([]Reservation, error)

	GetRenewal(ctx context.Context, id RenewalID) (*RenewalRequest, error)
	ListRenewals(ctx context.Context, filter RenewalFilter) ([]RenewalRequest, error)

	ListLateFees(ctx context.Context, userID UserID) ([]LateFeeTransaction, error)
}

type Writer interface {
	InsertBook(ctx context.Context, b *Book) error
	UpdateBook(ctx context.Context, b *Book) error

	InsertUser(ctx context.Context, u *User) error
	UpdateUser(ctx context.Context, u *User) error

	InsertBorrow(ctx context.Context, r *BorrowRecord) error
	UpdateBorrow(ctx context.Context, r *BorrowRecord) error

	// InsertReservation assigns r.Seq.
	InsertReservation(ctx context.Context, r *Reservation) error
	UpdateReservation(ctx context.Context, r *Reservation) error

	InsertRenewal(ctx context.Context, r *RenewalRequest) error
	UpdateRenewal(ctx context.Context, r *RenewalRequest) error

	// InsertLateFee appends to the fee ledger. There is no update.
	InsertLateFee(ctx context.Context, f *LateFeeTransaction) error

	// AppendEvent writes an event to the outbox and assigns its Seq.
	AppendEvent(ctx context.Context, e *Event) error
}

// Tx is one atomic, serializable unit of work.
type Tx interface {
	Reader
	Writer
}

// Store is what the engine is constructed with.
type Store interface {
	Reader
	Outbox

	// WithTx executes fn within a transaction.
	// If fn returns error, the transaction is rolled back and nothing fn
	// wrote is visible to anyone. If fn returns nil, it is committed.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
