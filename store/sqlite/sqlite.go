/*
Package sqlite provides a SQLite-backed circulation.Store.

PURPOSE:
  Persists books, users, borrow records, reservations, renewal requests,
  the late fee ledger and the event outbox in one SQLite database. Every
  engine mutation runs in one database transaction opened by WithTx.

CONDITIONAL WRITES:
  Every UPDATE carries "AND version = ?" and bumps the version. Zero rows
  affected means the record is gone (ErrRecordNotFound) or was changed by
  someone else (ErrConcurrentModification).

KEY TABLES:
  books:                 copy counts (available / held / total)
  users:                 borrowing projection, borrowed_books as JSON
  borrow_records:        one row per lending
  reservations:          waitlist entries and holds
  renewal_requests:      renewal workflow
  late_fee_transactions: append-only fee ledger
  outbox_events:         typed events, seq-ordered, JSON payload

INDEXES:
  - idx_borrow_active_unique: at most one borrowed record per (book, user)
  - idx_reservations_queue: waitlist scans in FIFO order
  - idx_outbox_pending: dispatcher scans

CONCURRENCY:
  The pool is limited to one connection, so transactions are serial and
  ":memory:" databases are shared by every caller. sync.RWMutex keeps
  reads outside a transaction from interleaving with one.

TIME FORMAT:
  Times are stored as fixed-width UTC text so that string order is time
  order.

USAGE:
  store, err := sqlite.New("./data/circulation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := circulation.New(store)

SEE ALSO:
  - circulation/store.go: interface definitions
  - circulation/store/memory.go: in-memory implementation for tests
  - store/postgres: PostgreSQL implementation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements circulation.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
	rq queries
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, rq: queries{q: db}}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
		available_copies INTEGER NOT NULL CHECK (available_copies >= 0),
		held_copies INTEGER NOT NULL DEFAULT 0 CHECK (held_copies >= 0),
		status TEXT NOT NULL,
		late_fee_per_day TEXT,
		reservation_count INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL DEFAULT 'member',
		books_out INTEGER NOT NULL DEFAULT 0,
		borrowed_books TEXT NOT NULL DEFAULT '[]',
		late_fees TEXT NOT NULL DEFAULT '0',
		version INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS borrow_records (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		borrowed_at TEXT NOT NULL,
		due_date TEXT NOT NULL,
		returned_at TEXT,
		status TEXT NOT NULL,
		late_fee TEXT NOT NULL DEFAULT '0',
		days_late INTEGER NOT NULL DEFAULT 0,
		due_soon_notified INTEGER NOT NULL DEFAULT 0,
		overdue_notified INTEGER NOT NULL DEFAULT 0,
		version INTEGER NOT NULL
	);

	-- A user holds at most one copy of a title at a time
	CREATE UNIQUE INDEX IF NOT EXISTS idx_borrow_active_unique
		ON borrow_records(book_id, user_id) WHERE status = 'borrowed';
	CREATE INDEX IF NOT EXISTS idx_borrow_user_status
		ON borrow_records(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_borrow_status_due
		ON borrow_records(status, due_date);

	CREATE TABLE IF NOT EXISTS reservations (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		book_id TEXT NOT NULL REFERENCES books(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		book_title TEXT,
		user_name TEXT,
		user_email TEXT,
		status TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		fulfilled_at TEXT,
		expires_at TEXT,
		cancelled_at TEXT,
		borrow_id TEXT,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_queue
		ON reservations(book_id, status, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_reservations_user
		ON reservations(user_id);
	CREATE INDEX IF NOT EXISTS idx_reservations_expiry
		ON reservations(status, expires_at) WHERE expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS renewal_requests (
		id TEXT PRIMARY KEY,
		borrow_id TEXT NOT NULL REFERENCES borrow_records(id),
		book_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		book_title TEXT,
		user_name TEXT,
		current_due_date TEXT NOT NULL,
		requested_days INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		processed_at TEXT,
		processed_by TEXT,
		rejection_reason TEXT,
		new_due_date TEXT,
		version INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_renewals_borrow_status
		ON renewal_requests(borrow_id, status);

	CREATE TABLE IF NOT EXISTS late_fee_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		book_id TEXT NOT NULL,
		borrow_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		days_late INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_late_fees_user
		ON late_fee_transactions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS outbox_events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		occurred_at TEXT NOT NULL,
		payload TEXT NOT NULL,
		dispatched_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox_events(seq) WHERE dispatched_at IS NULL;

	CREATE TABLE IF NOT EXISTS dispatch_leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (circulation.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(circulation.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{q: sqlTx}}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore is the circulation.Tx bound to one *sql.Tx.
type txStore struct {
	queries
}

// =============================================================================
// READS OUTSIDE A TRANSACTION
// =============================================================================

func (s *Store) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.GetBook(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id circulation.UserID) (*circulation.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.GetUser(ctx, id)
}

func (s *Store) GetBorrow(ctx context.Context, id circulation.BorrowID) (*circulation.BorrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.GetBorrow(ctx, id)
}

func (s *Store) FindActiveBorrow(ctx context.Context, bookID circulation.BookID, userID circulation.UserID) (*circulation.BorrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.FindActiveBorrow(ctx, bookID, userID)
}

func (s *Store) ListBorrows(ctx context.Context, f circulation.BorrowFilter) ([]circulation.BorrowRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.ListBorrows(ctx, f)
}

func (s *Store) GetReservation(ctx context.Context, id circulation.ReservationID) (*circulation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.GetReservation(ctx, id)
}

func (s *Store) ListReservations(ctx context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.ListReservations(ctx, f)
}

func (s *Store) GetRenewal(ctx context.Context, id circulation.RenewalID) (*circulation.RenewalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.GetRenewal(ctx, id)
}

func (s *Store) ListRenewals(ctx context.Context, f circulation.RenewalFilter) ([]circulation.RenewalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.ListRenewals(ctx, f)
}

func (s *Store) ListLateFees(ctx context.Context, userID circulation.UserID) ([]circulation.LateFeeTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rq.ListLateFees(ctx, userID)
}

// =============================================================================
// OUTBOX (circulation.Outbox interface)
// =============================================================================

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]circulation.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload, dispatched_at
		FROM outbox_events
		WHERE dispatched_at IS NULL
		ORDER BY seq ASC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var events []circulation.Event
	for rows.Next() {
		var (
			seq          int64
			payload      string
			dispatchedAt sql.NullString
		)
		if err := rows.Scan(&seq, &payload, &dispatchedAt); err != nil {
			return nil, err
		}
		var e circulation.Event
		if err := json.UnmarshalFromString(payload, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", seq, err)
		}
		e.Seq = seq
		if e.DispatchedAt, err = parseNullTime(dispatchedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) MarkDispatched(ctx context.Context, seq int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_events SET dispatched_at = COALESCE(dispatched_at, ?) WHERE seq = ?`,
		formatTime(at), seq)
	if err != nil {
		return fmt.Errorf("failed to mark event %d dispatched: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", seq, circulation.ErrRecordNotFound)
	}
	return nil
}

const outboxLease = "outbox"

func (s *Store) AcquireDispatchLease(ctx context.Context, holder string, now, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dispatch_leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE dispatch_leases.holder = excluded.holder OR dispatch_leases.expires_at <= ?
	`, outboxLease, holder, formatTime(until), formatTime(now))
	if err != nil {
		return false, fmt.Errorf("failed to acquire dispatch lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReleaseDispatchLease(ctx context.Context, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM dispatch_leases WHERE name = ? AND holder = ?`, outboxLease, holder); err != nil {
		return fmt.Errorf("failed to release dispatch lease: %w", err)
	}
	return nil
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"outbox_events", "late_fee_transactions", "renewal_requests",
		"reservations", "borrow_records", "users", "books",
	}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// QUERIES - Shared by Store (on *sql.DB) and txStore (on *sql.Tx)
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

type scanner interface {
	Scan(dest ...any) error
}

// --- books ---

const bookColumns = `id, title, total_copies, available_copies, held_copies, status,
	late_fee_per_day, reservation_count, version, created_at, updated_at`

func scanBook(row scanner) (*circulation.Book, error) {
	var (
		b                    circulation.Book
		rate                 decimal.NullDecimal
		createdAt, updatedAt string
	)
	err := row.Scan(&b.ID, &b.Title, &b.TotalCopies, &b.AvailableCopies, &b.HeldCopies, &b.Status,
		&rate, &b.ReservationCount, &b.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	if rate.Valid {
		b.LateFeePerDay = &rate.Decimal
	}
	if b.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if b.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r queries) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	b, err := scanBook(r.q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id))
	return b, notFound(err)
}

func (r queries) InsertBook(ctx context.Context, b *circulation.Book) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO books (`+bookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, b.ID, b.Title, b.TotalCopies, b.AvailableCopies, b.HeldCopies, b.Status,
		nullDecimal(b.LateFeePerDay), b.ReservationCount, formatTime(b.CreatedAt), formatTime(b.UpdatedAt))
	if err != nil {
		return insertErr("book", string(b.ID), err)
	}
	b.Version = 1
	return nil
}

func (r queries) UpdateBook(ctx context.Context, b *circulation.Book) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE books SET title = ?, total_copies = ?, available_copies = ?, held_copies = ?, status = ?,
			late_fee_per_day = ?, reservation_count = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, b.Title, b.TotalCopies, b.AvailableCopies, b.HeldCopies, b.Status,
		nullDecimal(b.LateFeePerDay), b.ReservationCount, formatTime(b.UpdatedAt), b.ID, b.Version)
	if err := r.checkUpdated(ctx, res, err, "books", string(b.ID)); err != nil {
		return err
	}
	b.Version++
	return nil
}

// --- users ---

const userColumns = `id, name, email, role, books_out, borrowed_books, late_fees, version, created_at, updated_at`

func scanUser(row scanner) (*circulation.User, error) {
	var (
		u                    circulation.User
		email                sql.NullString
		borrowed             string
		createdAt, updatedAt string
	)
	err := row.Scan(&u.ID, &u.Name, &email, &u.Role, &u.BooksOut, &borrowed, &u.LateFees,
		&u.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	u.Email = email.String
	if err := json.UnmarshalFromString(borrowed, &u.BorrowedBooks); err != nil {
		return nil, fmt.Errorf("failed to decode borrowed books of %s: %w", u.ID, err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r queries) GetUser(ctx context.Context, id circulation.UserID) (*circulation.User, error) {
	u, err := scanUser(r.q.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	return u, notFound(err)
}

func (r queries) InsertUser(ctx context.Context, u *circulation.User) error {
	borrowed, err := encodeBooks(u.BorrowedBooks)
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
		INSERT INTO users (`+userColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?)
	`, u.ID, u.Name, nullString(u.Email), u.Role, u.BooksOut, borrowed, u.LateFees,
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		return insertErr("user", string(u.ID), err)
	}
	u.Version = 1
	return nil
}

func (r queries) UpdateUser(ctx context.Context, u *circulation.User) error {
	borrowed, err := encodeBooks(u.BorrowedBooks)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE users SET name = ?, email = ?, role = ?, books_out = ?, borrowed_books = ?, late_fees = ?,
			updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, u.Name, nullString(u.Email), u.Role, u.BooksOut, borrowed, u.LateFees,
		formatTime(u.UpdatedAt), u.ID, u.Version)
	if err := r.checkUpdated(ctx, res, err, "users", string(u.ID)); err != nil {
		return err
	}
	u.Version++
	return nil
}

// --- borrow records ---

const borrowColumns = `id, book_id, user_id, borrowed_at, due_date, returned_at, status,
	late_fee, days_late, due_soon_notified, overdue_notified, version`

func scanBorrow(row scanner) (*circulation.BorrowRecord, error) {
	var (
		b                   circulation.BorrowRecord
		borrowedAt, dueDate string
		returnedAt          sql.NullString
	)
	err := row.Scan(&b.ID, &b.BookID, &b.UserID, &borrowedAt, &dueDate, &returnedAt, &b.Status,
		&b.LateFee, &b.DaysLate, &b.DueSoonNotified, &b.OverdueNotified, &b.Version)
	if err != nil {
		return nil, err
	}
	if b.BorrowedAt, err = parseTime(borrowedAt); err != nil {
		return nil, err
	}
	if b.DueDate, err = parseTime(dueDate); err != nil {
		return nil, err
	}
	if b.ReturnedAt, err = parseNullTime(returnedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (r queries) GetBorrow(ctx context.Context, id circulation.BorrowID) (*circulation.BorrowRecord, error) {
	b, err := scanBorrow(r.q.QueryRowContext(ctx, `SELECT `+borrowColumns+` FROM borrow_records WHERE id = ?`, id))
	return b, notFound(err)
}

func (r queries) FindActiveBorrow(ctx context.Context, bookID circulation.BookID, userID circulation.UserID) (*circulation.BorrowRecord, error) {
	b, err := scanBorrow(r.q.QueryRowContext(ctx, `
		SELECT `+borrowColumns+` FROM borrow_records
		WHERE book_id = ? AND user_id = ? AND status = ?
	`, bookID, userID, circulation.BorrowActive))
	return b, notFound(err)
}

func (r queries) ListBorrows(ctx context.Context, f circulation.BorrowFilter) ([]circulation.BorrowRecord, error) {
	var w where
	w.eq("book_id", string(f.BookID))
	w.eq("user_id", string(f.UserID))
	w.eq("status", string(f.Status))
	if f.DueBefore != nil {
		w.add("due_date <= ?", formatTime(*f.DueBefore))
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+borrowColumns+` FROM borrow_records`+w.sql()+` ORDER BY borrowed_at ASC, id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query borrow records: %w", err)
	}
	defer rows.Close()

	var result []circulation.BorrowRecord
	for rows.Next() {
		b, err := scanBorrow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}
	return result, rows.Err()
}

func (r queries) InsertBorrow(ctx context.Context, b *circulation.BorrowRecord) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO borrow_records (`+borrowColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, b.ID, b.BookID, b.UserID, formatTime(b.BorrowedAt), formatTime(b.DueDate), nullTime(b.ReturnedAt),
		b.Status, b.LateFee, b.DaysLate, b.DueSoonNotified, b.OverdueNotified)
	if err != nil {
		return insertErr("borrow", string(b.ID), err)
	}
	b.Version = 1
	return nil
}

func (r queries) UpdateBorrow(ctx context.Context, b *circulation.BorrowRecord) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE borrow_records SET due_date = ?, returned_at = ?, status = ?, late_fee = ?, days_late = ?,
			due_soon_notified = ?, overdue_notified = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, formatTime(b.DueDate), nullTime(b.ReturnedAt), b.Status, b.LateFee, b.DaysLate,
		b.DueSoonNotified, b.OverdueNotified, b.ID, b.Version)
	if err := r.checkUpdated(ctx, res, err, "borrow_records", string(b.ID)); err != nil {
		return err
	}
	b.Version++
	return nil
}

// --- reservations ---

const reservationFields = `id, book_id, user_id, book_title, user_name, user_email, status, position,
	created_at, fulfilled_at, expires_at, cancelled_at, borrow_id, version`

// seq is assigned by AUTOINCREMENT, so it is read but never written.
const reservationColumns = reservationFields + `, seq`

func scanReservation(row scanner) (*circulation.Reservation, error) {
	var (
		res                                 circulation.Reservation
		title, name, email, borrowID        sql.NullString
		createdAt                           string
		fulfilledAt, expiresAt, cancelledAt sql.NullString
	)
	err := row.Scan(&res.ID, &res.BookID, &res.UserID, &title, &name, &email, &res.Status, &res.Position,
		&createdAt, &fulfilledAt, &expiresAt, &cancelledAt, &borrowID, &res.Version, &res.Seq)
	if err != nil {
		return nil, err
	}
	res.BookTitle, res.UserName, res.UserEmail = title.String, name.String, email.String
	res.BorrowID = circulation.BorrowID(borrowID.String)
	if res.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if res.FulfilledAt, err = parseNullTime(fulfilledAt); err != nil {
		return nil, err
	}
	if res.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, err
	}
	if res.CancelledAt, err = parseNullTime(cancelledAt); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r queries) GetReservation(ctx context.Context, id circulation.ReservationID) (*circulation.Reservation, error) {
	res, err := scanReservation(r.q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
	return res, notFound(err)
}

func (r queries) ListReservations(ctx context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, error) {
	var w where
	w.eq("book_id", string(f.BookID))
	w.eq("user_id", string(f.UserID))
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		args := make([]any, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i], args[i] = "?", string(s)
		}
		w.add("status IN ("+strings.Join(marks, ", ")+")", args...)
	}
	if f.ExpiresBefore != nil {
		w.add("expires_at IS NOT NULL AND expires_at <= ?", formatTime(*f.ExpiresBefore))
	}

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations`+w.sql()+` ORDER BY created_at ASC, seq ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
	}
	defer rows.Close()

	var result []circulation.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *res)
	}
	return result, rows.Err()
}

func (r queries) InsertReservation(ctx context.Context, res *circulation.Reservation) error {
	result, err := r.q.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationFields+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, res.ID, res.BookID, res.UserID, nullString(res.BookTitle), nullString(res.UserName), nullString(res.UserEmail),
		res.Status, res.Position, formatTime(res.CreatedAt), nullTime(res.FulfilledAt), nullTime(res.ExpiresAt),
		nullTime(res.CancelledAt), nullString(string(res.BorrowID)))
	if err != nil {
		return insertErr("reservation", string(res.ID), err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return err
	}
	res.Seq = seq
	res.Version = 1
	return nil
}

func (r queries) UpdateReservation(ctx context.Context, res *circulation.Reservation) error {
	result, err := r.q.ExecContext(ctx, `
		UPDATE reservations SET status = ?, position = ?, fulfilled_at = ?, expires_at = ?, cancelled_at = ?,
			borrow_id = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, res.Status, res.Position, nullTime(res.FulfilledAt), nullTime(res.ExpiresAt), nullTime(res.CancelledAt),
		nullString(string(res.BorrowID)), res.ID, res.Version)
	if err := r.checkUpdated(ctx, result, err, "reservations", string(res.ID)); err != nil {
		return err
	}
	res.Version++
	return nil
}

// --- renewal requests ---

const renewalColumns = `id, borrow_id, book_id, user_id, book_title, user_name, current_due_date, requested_days,
	status, created_at, processed_at, processed_by, rejection_reason, new_due_date, version`

func scanRenewal(row scanner) (*circulation.RenewalRequest, error) {
	var (
		req                              circulation.RenewalRequest
		title, name, processedBy, reason sql.NullString
		currentDue, createdAt            string
		processedAt, newDueDate          sql.NullString
	)
	err := row.Scan(&req.ID, &req.BorrowID, &req.BookID, &req.UserID, &title, &name, &currentDue, &req.RequestedDays,
		&req.Status, &createdAt, &processedAt, &processedBy, &reason, &newDueDate, &req.Version)
	if err != nil {
		return nil, err
	}
	req.BookTitle, req.UserName = title.String, name.String
	req.ProcessedBy, req.RejectionReason = processedBy.String, reason.String
	if req.CurrentDueDate, err = parseTime(currentDue); err != nil {
		return nil, err
	}
	if req.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if req.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return nil, err
	}
	if req.NewDueDate, err = parseNullTime(newDueDate); err != nil {
		return nil, err
	}
	return &req, nil
}

func (r queries) GetRenewal(ctx context.Context, id circulation.RenewalID) (*circulation.RenewalRequest, error) {
	req, err := scanRenewal(r.q.QueryRowContext(ctx, `SELECT `+renewalColumns+` FROM renewal_requests WHERE id = ?`, id))
	return req, notFound(err)
}

func (r queries) ListRenewals(ctx context.Context, f circulation.RenewalFilter) ([]circulation.RenewalRequest, error) {
	var w where
	w.eq("borrow_id", string(f.BorrowID))
	w.eq("user_id", string(f.UserID))
	w.eq("status", string(f.Status))

	rows, err := r.q.QueryContext(ctx,
		`SELECT `+renewalColumns+` FROM renewal_requests`+w.sql()+` ORDER BY created_at ASC, id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query renewal requests: %w", err)
	}
	defer rows.Close()

	var result []circulation.RenewalRequest
	for rows.Next() {
		req, err := scanRenewal(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *req)
	}
	return result, rows.Err()
}

func (r queries) InsertRenewal(ctx context.Context, req *circulation.RenewalRequest) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO renewal_requests (`+renewalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
	`, req.ID, req.BorrowID, req.BookID, req.UserID, nullString(req.BookTitle), nullString(req.UserName),
		formatTime(req.CurrentDueDate), req.RequestedDays, req.Status, formatTime(req.CreatedAt),
		nullTime(req.ProcessedAt), nullString(req.ProcessedBy), nullString(req.RejectionReason), nullTime(req.NewDueDate))
	if err != nil {
		return insertErr("renewal", string(req.ID), err)
	}
	req.Version = 1
	return nil
}

func (r queries) UpdateRenewal(ctx context.Context, req *circulation.RenewalRequest) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE renewal_requests SET status = ?, processed_at = ?, processed_by = ?, rejection_reason = ?,
			new_due_date = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, req.Status, nullTime(req.ProcessedAt), nullString(req.ProcessedBy), nullString(req.RejectionReason),
		nullTime(req.NewDueDate), req.ID, req.Version)
	if err := r.checkUpdated(ctx, res, err, "renewal_requests", string(req.ID)); err != nil {
		return err
	}
	req.Version++
	return nil
}

// --- late fees ---

func (r queries) ListLateFees(ctx context.Context, userID circulation.UserID) ([]circulation.LateFeeTransaction, error) {
	var w where
	w.eq("user_id", string(userID))

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, user_id, book_id, borrow_id, amount, days_late, created_at
		FROM late_fee_transactions`+w.sql()+` ORDER BY created_at ASC, id ASC`, w.args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query late fees: %w", err)
	}
	defer rows.Close()

	var result []circulation.LateFeeTransaction
	for rows.Next() {
		var (
			f         circulation.LateFeeTransaction
			createdAt string
		)
		if err := rows.Scan(&f.ID, &f.UserID, &f.BookID, &f.BorrowID, &f.Amount, &f.DaysLate, &createdAt); err != nil {
			return nil, err
		}
		if f.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		result = append(result, f)
	}
	return result, rows.Err()
}

func (r queries) InsertLateFee(ctx context.Context, f *circulation.LateFeeTransaction) error {
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO late_fee_transactions (id, user_id, book_id, borrow_id, amount, days_late, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.UserID, f.BookID, f.BorrowID, f.Amount, f.DaysLate, formatTime(f.CreatedAt))
	if err != nil {
		return insertErr("late fee", string(f.ID), err)
	}
	return nil
}

// --- outbox ---

func (r queries) AppendEvent(ctx context.Context, e *circulation.Event) error {
	payload, err := json.MarshalToString(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, type, occurred_at, payload) VALUES (?, ?, ?, ?)
	`, e.ID, e.Type, formatTime(e.OccurredAt), payload)
	if err != nil {
		return insertErr("event", e.ID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return err
	}
	e.Seq = seq
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// checkUpdated turns a zero-row conditional update into the right error.
func (r queries) checkUpdated(ctx context.Context, res sql.Result, err error, table, id string) error {
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var exists int
	err = r.q.QueryRowContext(ctx, `SELECT 1 FROM `+table+` WHERE id = ?`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.ErrRecordNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", table, id, circulation.ErrConcurrentModification)
}

// where accumulates AND-ed predicates.
type where struct {
	conds []string
	args  []any
}

func (w *where) add(cond string, args ...any) {
	w.conds = append(w.conds, cond)
	w.args = append(w.args, args...)
}

// eq adds "column = value" unless value is empty.
func (w *where) eq(column, value string) {
	if value != "" {
		w.add(column+" = ?", value)
	}
}

func (w *where) sql() string {
	if len(w.conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(w.conds, " AND ")
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.ErrRecordNotFound
	}
	return err
}

func insertErr(kind, id string, err error) error {
	if isUniqueConstraintError(err) {
		return fmt.Errorf("%s %s: %w", kind, id, circulation.ErrConcurrentModification)
	}
	return fmt.Errorf("failed to insert %s %s: %w", kind, id, err)
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", s, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}

func encodeBooks(ids []circulation.BookID) (string, error) {
	if ids == nil {
		ids = []circulation.BookID{}
	}
	s, err := json.MarshalToString(ids)
	if err != nil {
		return "", fmt.Errorf("failed to encode borrowed books: %w", err)
	}
	return s, nil
}
