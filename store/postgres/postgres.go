/*
Package postgres provides a PostgreSQL-backed circulation.Store.

PURPOSE:
  Same contract as store/sqlite, for deployments with many concurrent
  writers. Every engine transaction runs at SERIALIZABLE isolation and
  locks the rows it reads with SELECT ... FOR UPDATE.

DRIVERS:
  Both database/sql drivers are registered; pick one with the driver name:
    "postgres"  github.com/lib/pq
    "pgx"       github.com/jackc/pgx/v5/stdlib

QUERY BUILDING:
  Statements are built with goqu (postgres dialect, prepared placeholders)
  and executed through sqlx, which maps rows onto the *Row structs below.

CONFLICTS:
  Serialization failures (40001), deadlocks (40P01), unique violations
  (23505) and zero-row version-guarded updates all surface as
  circulation.ErrConcurrentModification. Nothing is retried here.

SEE ALSO:
  - store/sqlite: embedded implementation with the same schema shape
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // "pgx" database/sql driver
	"github.com/jmoiron/sqlx"
	jsoniter "github.com/json-iterator/go"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/warp/circulation-engine/circulation"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var dialect = goqu.Dialect("postgres")

const (
	tableBooks        = "books"
	tableUsers        = "users"
	tableBorrows      = "borrow_records"
	tableReservations = "reservations"
	tableRenewals     = "renewal_requests"
	tableLateFees     = "late_fee_transactions"
	tableOutbox       = "outbox_events"

	colID      = "id"
	colVersion = "version"

	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeUniqueViolation      = "23505"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxOpenConns:    50,
		MaxIdleConns:    10,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// Store implements circulation.Store using PostgreSQL.
type Store struct {
	db *sqlx.DB
	rq queries
}

// New opens the database with driverName ("postgres" or "pgx"), pings it
// and applies the schema.
func New(ctx context.Context, driverName, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db, rq: queries{q: db}}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		total_copies INTEGER NOT NULL CHECK (total_copies >= 0),
		available_copies INTEGER NOT NULL CHECK (available_copies >= 0),
		held_copies INTEGER NOT NULL DEFAULT 0 CHECK (held_copies >= 0),
		status TEXT NOT NULL,
		late_fee_per_day NUMERIC(12, 2),
		reservation_count INTEGER NOT NULL DEFAULT 0,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'member',
		books_out INTEGER NOT NULL DEFAULT 0,
		borrowed_books TEXT NOT NULL DEFAULT '[]',
		late_fees NUMERIC(12, 2) NOT NULL DEFAULT 0,
		version BIGINT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS borrow_records (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		borrowed_at TIMESTAMPTZ NOT NULL,
		due_date TIMESTAMPTZ NOT NULL,
		returned_at TIMESTAMPTZ,
		status TEXT NOT NULL,
		late_fee NUMERIC(12, 2) NOT NULL DEFAULT 0,
		days_late INTEGER NOT NULL DEFAULT 0,
		due_soon_notified BOOLEAN NOT NULL DEFAULT FALSE,
		overdue_notified BOOLEAN NOT NULL DEFAULT FALSE,
		version BIGINT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_borrow_active_unique
		ON borrow_records(book_id, user_id) WHERE status = 'borrowed';
	CREATE INDEX IF NOT EXISTS idx_borrow_status_due
		ON borrow_records(status, due_date);

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL REFERENCES books(id),
		user_id TEXT NOT NULL REFERENCES users(id),
		book_title TEXT NOT NULL DEFAULT '',
		user_name TEXT NOT NULL DEFAULT '',
		user_email TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		position INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		fulfilled_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		borrow_id TEXT NOT NULL DEFAULT '',
		version BIGINT NOT NULL,
		seq BIGSERIAL NOT NULL UNIQUE
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_queue
		ON reservations(book_id, status, created_at, seq);
	CREATE INDEX IF NOT EXISTS idx_reservations_expiry
		ON reservations(status, expires_at) WHERE expires_at IS NOT NULL;

	CREATE TABLE IF NOT EXISTS renewal_requests (
		id TEXT PRIMARY KEY,
		borrow_id TEXT NOT NULL REFERENCES borrow_records(id),
		book_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		book_title TEXT NOT NULL DEFAULT '',
		user_name TEXT NOT NULL DEFAULT '',
		current_due_date TIMESTAMPTZ NOT NULL,
		requested_days INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ,
		processed_by TEXT NOT NULL DEFAULT '',
		rejection_reason TEXT NOT NULL DEFAULT '',
		new_due_date TIMESTAMPTZ,
		version BIGINT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_renewals_borrow_status
		ON renewal_requests(borrow_id, status);

	CREATE TABLE IF NOT EXISTS late_fee_transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		book_id TEXT NOT NULL,
		borrow_id TEXT NOT NULL,
		amount NUMERIC(12, 2) NOT NULL,
		days_late INTEGER NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_late_fees_user
		ON late_fee_transactions(user_id, created_at);

	CREATE TABLE IF NOT EXISTS outbox_events (
		seq BIGSERIAL PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		type TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		payload TEXT NOT NULL,
		dispatched_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_pending
		ON outbox_events(seq) WHERE dispatched_at IS NULL;

	CREATE TABLE IF NOT EXISTS dispatch_leases (
		name TEXT PRIMARY KEY,
		holder TEXT NOT NULL,
		expires_at TIMESTAMPTZ NOT NULL
	);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (circulation.Store interface)
// =============================================================================

// WithTx runs fn in one SERIALIZABLE transaction.
func (s *Store) WithTx(ctx context.Context, fn func(circulation.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&txStore{queries{q: tx, lock: true}}); err != nil {
		return mapErr(err)
	}
	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("failed to commit: %w", err))
	}
	return nil
}

type txStore struct {
	queries
}

// Reads outside a transaction are advisory.

func (s *Store) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	return s.rq.GetBook(ctx, id)
}

func (s *Store) GetUser(ctx context.Context, id circulation.UserID) (*circulation.User, error) {
	return s.rq.GetUser(ctx, id)
}

func (s *Store) GetBorrow(ctx context.Context, id circulation.BorrowID) (*circulation.BorrowRecord, error) {
	return s.rq.GetBorrow(ctx, id)
}

func (s *Store) FindActiveBorrow(ctx context.Context, bookID circulation.BookID, userID circulation.UserID) (*circulation.BorrowRecord, error) {
	return s.rq.FindActiveBorrow(ctx, bookID, userID)
}

func (s *Store) ListBorrows(ctx context.Context, f circulation.BorrowFilter) ([]circulation.BorrowRecord, error) {
	return s.rq.ListBorrows(ctx, f)
}

func (s *Store) GetReservation(ctx context.Context, id circulation.ReservationID) (*circulation.Reservation, error) {
	return s.rq.GetReservation(ctx, id)
}

func (s *Store) ListReservations(ctx context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, error) {
	return s.rq.ListReservations(ctx, f)
}

func (s *Store) GetRenewal(ctx context.Context, id circulation.RenewalID) (*circulation.RenewalRequest, error) {
	return s.rq.GetRenewal(ctx, id)
}

func (s *Store) ListRenewals(ctx context.Context, f circulation.RenewalFilter) ([]circulation.RenewalRequest, error) {
	return s.rq.ListRenewals(ctx, f)
}

func (s *Store) ListLateFees(ctx context.Context, userID circulation.UserID) ([]circulation.LateFeeTransaction, error) {
	return s.rq.ListLateFees(ctx, userID)
}

// =============================================================================
// OUTBOX
// =============================================================================

type outboxRow struct {
	Seq          int64      `db:"seq"`
	Payload      string     `db:"payload"`
	DispatchedAt *time.Time `db:"dispatched_at"`
}

func (s *Store) PendingEvents(ctx context.Context, limit int) ([]circulation.Event, error) {
	ds := dialect.From(tableOutbox).Prepared(true).
		Select("seq", "payload", "dispatched_at").
		Where(goqu.C("dispatched_at").IsNull()).
		Order(goqu.C("seq").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build outbox query: %w", err)
	}

	var rows []outboxRow
	if err := sqlx.SelectContext(ctx, s.db, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}

	events := make([]circulation.Event, 0, len(rows))
	for _, r := range rows {
		var e circulation.Event
		if err := json.UnmarshalFromString(r.Payload, &e); err != nil {
			return nil, fmt.Errorf("failed to decode event %d: %w", r.Seq, err)
		}
		e.Seq, e.DispatchedAt = r.Seq, r.DispatchedAt
		events = append(events, e)
	}
	return events, nil
}

func (s *Store) MarkDispatched(ctx context.Context, seq int64, at time.Time) error {
	query, args, err := dialect.Update(tableOutbox).Prepared(true).
		Set(goqu.Record{"dispatched_at": goqu.COALESCE(goqu.C("dispatched_at"), at.UTC())}).
		Where(goqu.C("seq").Eq(seq)).
		ToSQL()
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark event %d dispatched: %w", seq, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("event %d: %w", seq, circulation.ErrRecordNotFound)
	}
	return nil
}

const (
	tableLeases = "dispatch_leases"
	outboxLease = "outbox"
)

func (s *Store) AcquireDispatchLease(ctx context.Context, holder string, now, until time.Time) (bool, error) {
	query, args, err := dialect.Insert(tableLeases).Prepared(true).
		Rows(goqu.Record{"name": outboxLease, "holder": holder, "expires_at": until.UTC()}).
		OnConflict(goqu.DoUpdate("name", goqu.Record{
			"holder":     goqu.L("EXCLUDED.holder"),
			"expires_at": goqu.L("EXCLUDED.expires_at"),
		}).Where(goqu.Or(
			goqu.I(tableLeases+".holder").Eq(holder),
			goqu.I(tableLeases+".expires_at").Lte(now.UTC()),
		))).
		ToSQL()
	if err != nil {
		return false, fmt.Errorf("failed to build lease upsert: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
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
	query, args, err := dialect.Delete(tableLeases).Prepared(true).
		Where(goqu.Ex{"name": outboxLease, "holder": holder}).
		ToSQL()
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release dispatch lease: %w", err)
	}
	return nil
}

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE outbox_events, late_fee_transactions, renewal_requests,
		reservations, borrow_records, users, books`)
	return err
}

// =============================================================================
// QUERIES - Shared by Store (on *sqlx.DB) and txStore (on *sqlx.Tx)
// =============================================================================

type queries struct {
	q sqlx.ExtContext

	// lock adds FOR UPDATE to reads inside a transaction.
	lock bool
}

func (r queries) selectFrom(table string) *goqu.SelectDataset {
	ds := dialect.From(table).Prepared(true)
	if r.lock {
		ds = ds.ForUpdate(exp.Wait)
	}
	return ds
}

func (r queries) get(ctx context.Context, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	if err := sqlx.GetContext(ctx, r.q, dest, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return circulation.ErrRecordNotFound
		}
		return mapErr(err)
	}
	return nil
}

func (r queries) list(ctx context.Context, dest any, ds *goqu.SelectDataset) error {
	query, args, err := ds.ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build query: %w", err)
	}
	return mapErr(sqlx.SelectContext(ctx, r.q, dest, query, args...))
}

func (r queries) insert(ctx context.Context, table string, rec goqu.Record) error {
	query, args, err := dialect.Insert(table).Prepared(true).Rows(rec).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		return mapErr(fmt.Errorf("failed to insert into %s: %w", table, err))
	}
	return nil
}

// update writes rec where id and version match and bumps the version.
func (r queries) update(ctx context.Context, table, id string, version int64, rec goqu.Record) error {
	rec[colVersion] = goqu.L("version + 1")
	query, args, err := dialect.Update(table).Prepared(true).
		Set(rec).
		Where(goqu.Ex{colID: id, colVersion: version}).
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapErr(fmt.Errorf("failed to update %s %s: %w", table, id, err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	var exists int
	err = r.get(ctx, &exists, dialect.From(table).Prepared(true).Select(goqu.L("1")).Where(goqu.C(colID).Eq(id)))
	if err != nil {
		return err
	}
	return fmt.Errorf("%s %s: %w", table, id, circulation.ErrConcurrentModification)
}

// --- books ---

type bookRow struct {
	ID               string              `db:"id"`
	Title            string              `db:"title"`
	TotalCopies      int                 `db:"total_copies"`
	AvailableCopies  int                 `db:"available_copies"`
	HeldCopies       int                 `db:"held_copies"`
	Status           string              `db:"status"`
	LateFeePerDay    decimal.NullDecimal `db:"late_fee_per_day"`
	ReservationCount int                 `db:"reservation_count"`
	Version          int64               `db:"version"`
	CreatedAt        time.Time           `db:"created_at"`
	UpdatedAt        time.Time           `db:"updated_at"`
}

func (b bookRow) toBook() *circulation.Book {
	book := &circulation.Book{
		ID:               circulation.BookID(b.ID),
		Title:            b.Title,
		TotalCopies:      b.TotalCopies,
		AvailableCopies:  b.AvailableCopies,
		HeldCopies:       b.HeldCopies,
		Status:           circulation.BookStatus(b.Status),
		ReservationCount: b.ReservationCount,
		Version:          b.Version,
		CreatedAt:        b.CreatedAt.UTC(),
		UpdatedAt:        b.UpdatedAt.UTC(),
	}
	if b.LateFeePerDay.Valid {
		rate := b.LateFeePerDay.Decimal
		book.LateFeePerDay = &rate
	}
	return book
}

func bookRecord(b *circulation.Book) goqu.Record {
	return goqu.Record{
		"title":             b.Title,
		"total_copies":      b.TotalCopies,
		"available_copies":  b.AvailableCopies,
		"held_copies":       b.HeldCopies,
		"status":            string(b.Status),
		"late_fee_per_day":  nullDecimal(b.LateFeePerDay),
		"reservation_count": b.ReservationCount,
		"updated_at":        b.UpdatedAt.UTC(),
	}
}

func (r queries) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	var row bookRow
	if err := r.get(ctx, &row, r.selectFrom(tableBooks).Where(goqu.C(colID).Eq(string(id)))); err != nil {
		return nil, err
	}
	return row.toBook(), nil
}

func (r queries) InsertBook(ctx context.Context, b *circulation.Book) error {
	rec := bookRecord(b)
	rec[colID], rec[colVersion], rec["created_at"] = string(b.ID), 1, b.CreatedAt.UTC()
	if err := r.insert(ctx, tableBooks, rec); err != nil {
		return err
	}
	b.Version = 1
	return nil
}

func (r queries) UpdateBook(ctx context.Context, b *circulation.Book) error {
	if err := r.update(ctx, tableBooks, string(b.ID), b.Version, bookRecord(b)); err != nil {
		return err
	}
	b.Version++
	return nil
}

// --- users ---

type userRow struct {
	ID            string          `db:"id"`
	Name          string          `db:"name"`
	Email         string          `db:"email"`
	Role          string          `db:"role"`
	BooksOut      int             `db:"books_out"`
	BorrowedBooks string          `db:"borrowed_books"`
	LateFees      decimal.Decimal `db:"late_fees"`
	Version       int64           `db:"version"`
	CreatedAt     time.Time       `db:"created_at"`
	UpdatedAt     time.Time       `db:"updated_at"`
}

func (u userRow) toUser() (*circulation.User, error) {
	user := &circulation.User{
		ID:        circulation.UserID(u.ID),
		Name:      u.Name,
		Email:     u.Email,
		Role:      circulation.Role(u.Role),
		BooksOut:  u.BooksOut,
		LateFees:  u.LateFees,
		Version:   u.Version,
		CreatedAt: u.CreatedAt.UTC(),
		UpdatedAt: u.UpdatedAt.UTC(),
	}
	if err := json.UnmarshalFromString(u.BorrowedBooks, &user.BorrowedBooks); err != nil {
		return nil, fmt.Errorf("failed to decode borrowed books of %s: %w", u.ID, err)
	}
	return user, nil
}

func userRecord(u *circulation.User) (goqu.Record, error) {
	ids := u.BorrowedBooks
	if ids == nil {
		ids = []circulation.BookID{}
	}
	borrowed, err := json.MarshalToString(ids)
	if err != nil {
		return nil, fmt.Errorf("failed to encode borrowed books: %w", err)
	}
	return goqu.Record{
		"name":           u.Name,
		"email":          u.Email,
		"role":           string(u.Role),
		"books_out":      u.BooksOut,
		"borrowed_books": borrowed,
		"late_fees":      u.LateFees,
		"updated_at":     u.UpdatedAt.UTC(),
	}, nil
}

func (r queries) GetUser(ctx context.Context, id circulation.UserID) (*circulation.User, error) {
	var row userRow
	if err := r.get(ctx, &row, r.selectFrom(tableUsers).Where(goqu.C(colID).Eq(string(id)))); err != nil {
		return nil, err
	}
	return row.toUser()
}

func (r queries) InsertUser(ctx context.Context, u *circulation.User) error {
	rec, err := userRecord(u)
	if err != nil {
		return err
	}
	rec[colID], rec[colVersion], rec["created_at"] = string(u.ID), 1, u.CreatedAt.UTC()
	if err := r.insert(ctx, tableUsers, rec); err != nil {
		return err
	}
	u.Version = 1
	return nil
}

func (r queries) UpdateUser(ctx context.Context, u *circulation.User) error {
	rec, err := userRecord(u)
	if err != nil {
		return err
	}
	if err := r.update(ctx, tableUsers, string(u.ID), u.Version, rec); err != nil {
		return err
	}
	u.Version++
	return nil
}

// --- borrow records ---

type borrowRow struct {
	ID              string          `db:"id"`
	BookID          string          `db:"book_id"`
	UserID          string          `db:"user_id"`
	BorrowedAt      time.Time       `db:"borrowed_at"`
	DueDate         time.Time       `db:"due_date"`
	ReturnedAt      *time.Time      `db:"returned_at"`
	Status          string          `db:"status"`
	LateFee         decimal.Decimal `db:"late_fee"`
	DaysLate        int             `db:"days_late"`
	DueSoonNotified bool            `db:"due_soon_notified"`
	OverdueNotified bool            `db:"overdue_notified"`
	Version         int64           `db:"version"`
}

func (b borrowRow) toBorrow() circulation.BorrowRecord {
	return circulation.BorrowRecord{
		ID:              circulation.BorrowID(b.ID),
		BookID:          circulation.BookID(b.BookID),
		UserID:          circulation.UserID(b.UserID),
		BorrowedAt:      b.BorrowedAt.UTC(),
		DueDate:         b.DueDate.UTC(),
		ReturnedAt:      utcPtr(b.ReturnedAt),
		Status:          circulation.BorrowStatus(b.Status),
		LateFee:         b.LateFee,
		DaysLate:        b.DaysLate,
		DueSoonNotified: b.DueSoonNotified,
		OverdueNotified: b.OverdueNotified,
		Version:         b.Version,
	}
}

func borrowRecord(b *circulation.BorrowRecord) goqu.Record {
	return goqu.Record{
		"due_date":          b.DueDate.UTC(),
		"returned_at":       utcPtr(b.ReturnedAt),
		"status":            string(b.Status),
		"late_fee":          b.LateFee,
		"days_late":         b.DaysLate,
		"due_soon_notified": b.DueSoonNotified,
		"overdue_notified":  b.OverdueNotified,
	}
}

func (r queries) GetBorrow(ctx context.Context, id circulation.BorrowID) (*circulation.BorrowRecord, error) {
	var row borrowRow
	if err := r.get(ctx, &row, r.selectFrom(tableBorrows).Where(goqu.C(colID).Eq(string(id)))); err != nil {
		return nil, err
	}
	rec := row.toBorrow()
	return &rec, nil
}

func (r queries) FindActiveBorrow(ctx context.Context, bookID circulation.BookID, userID circulation.UserID) (*circulation.BorrowRecord, error) {
	var row borrowRow
	ds := r.selectFrom(tableBorrows).Where(goqu.Ex{
		"book_id": string(bookID),
		"user_id": string(userID),
		"status":  string(circulation.BorrowActive),
	})
	if err := r.get(ctx, &row, ds); err != nil {
		return nil, err
	}
	rec := row.toBorrow()
	return &rec, nil
}

func (r queries) ListBorrows(ctx context.Context, f circulation.BorrowFilter) ([]circulation.BorrowRecord, error) {
	ex := goqu.Ex{}
	eq(ex, "book_id", string(f.BookID))
	eq(ex, "user_id", string(f.UserID))
	eq(ex, "status", string(f.Status))
	ds := dialect.From(tableBorrows).Prepared(true).Where(ex).Order(goqu.C("borrowed_at").Asc(), goqu.C(colID).Asc())
	if f.DueBefore != nil {
		ds = ds.Where(goqu.C("due_date").Lte(f.DueBefore.UTC()))
	}

	var rows []borrowRow
	if err := r.list(ctx, &rows, ds); err != nil {
		return nil, err
	}
	result := make([]circulation.BorrowRecord, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toBorrow())
	}
	return result, nil
}

func (r queries) InsertBorrow(ctx context.Context, b *circulation.BorrowRecord) error {
	rec := borrowRecord(b)
	rec[colID], rec[colVersion] = string(b.ID), 1
	rec["book_id"], rec["user_id"], rec["borrowed_at"] = string(b.BookID), string(b.UserID), b.BorrowedAt.UTC()
	if err := r.insert(ctx, tableBorrows, rec); err != nil {
		return err
	}
	b.Version = 1
	return nil
}

func (r queries) UpdateBorrow(ctx context.Context, b *circulation.BorrowRecord) error {
	if err := r.update(ctx, tableBorrows, string(b.ID), b.Version, borrowRecord(b)); err != nil {
		return err
	}
	b.Version++
	return nil
}

// --- reservations ---

type reservationRow struct {
	ID          string     `db:"id"`
	BookID      string     `db:"book_id"`
	UserID      string     `db:"user_id"`
	BookTitle   string     `db:"book_title"`
	UserName    string     `db:"user_name"`
	UserEmail   string     `db:"user_email"`
	Status      string     `db:"status"`
	Position    int        `db:"position"`
	CreatedAt   time.Time  `db:"created_at"`
	FulfilledAt *time.Time `db:"fulfilled_at"`
	ExpiresAt   *time.Time `db:"expires_at"`
	CancelledAt *time.Time `db:"cancelled_at"`
	BorrowID    string     `db:"borrow_id"`
	Version     int64      `db:"version"`
	Seq         int64      `db:"seq"`
}

func (r reservationRow) toReservation() circulation.Reservation {
	return circulation.Reservation{
		ID:          circulation.ReservationID(r.ID),
		BookID:      circulation.BookID(r.BookID),
		UserID:      circulation.UserID(r.UserID),
		BookTitle:   r.BookTitle,
		UserName:    r.UserName,
		UserEmail:   r.UserEmail,
		Status:      circulation.ReservationStatus(r.Status),
		Position:    r.Position,
		CreatedAt:   r.CreatedAt.UTC(),
		FulfilledAt: utcPtr(r.FulfilledAt),
		ExpiresAt:   utcPtr(r.ExpiresAt),
		CancelledAt: utcPtr(r.CancelledAt),
		BorrowID:    circulation.BorrowID(r.BorrowID),
		Version:     r.Version,
		Seq:         r.Seq,
	}
}

func reservationRecord(res *circulation.Reservation) goqu.Record {
	return goqu.Record{
		"status":       string(res.Status),
		"position":     res.Position,
		"fulfilled_at": utcPtr(res.FulfilledAt),
		"expires_at":   utcPtr(res.ExpiresAt),
		"cancelled_at": utcPtr(res.CancelledAt),
		"borrow_id":    string(res.BorrowID),
	}
}

func (r queries) GetReservation(ctx context.Context, id circulation.ReservationID) (*circulation.Reservation, error) {
	var row reservationRow
	if err := r.get(ctx, &row, r.selectFrom(tableReservations).Where(goqu.C(colID).Eq(string(id)))); err != nil {
		return nil, err
	}
	res := row.toReservation()
	return &res, nil
}

func (r queries) ListReservations(ctx context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, error) {
	ex := goqu.Ex{}
	eq(ex, "book_id", string(f.BookID))
	eq(ex, "user_id", string(f.UserID))
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		ex["status"] = statuses
	}
	ds := r.selectFrom(tableReservations).Where(ex).Order(goqu.C("created_at").Asc(), goqu.C("seq").Asc())
	if f.ExpiresBefore != nil {
		ds = ds.Where(goqu.C("expires_at").IsNotNull(), goqu.C("expires_at").Lte(f.ExpiresBefore.UTC()))
	}

	var rows []reservationRow
	if err := r.list(ctx, &rows, ds); err != nil {
		return nil, err
	}
	result := make([]circulation.Reservation, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toReservation())
	}
	return result, nil
}

func (r queries) InsertReservation(ctx context.Context, res *circulation.Reservation) error {
	rec := reservationRecord(res)
	rec[colID], rec[colVersion] = string(res.ID), 1
	rec["book_id"], rec["user_id"] = string(res.BookID), string(res.UserID)
	rec["book_title"], rec["user_name"], rec["user_email"] = res.BookTitle, res.UserName, res.UserEmail
	rec["created_at"] = res.CreatedAt.UTC()

	// seq comes from BIGSERIAL and breaks created_at ties in queue order.
	query, args, err := dialect.Insert(tableReservations).Prepared(true).Rows(rec).Returning("seq").ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	var seq int64
	if err := sqlx.GetContext(ctx, r.q, &seq, query, args...); err != nil {
		return mapErr(fmt.Errorf("failed to insert into %s: %w", tableReservations, err))
	}
	res.Seq = seq
	res.Version = 1
	return nil
}

func (r queries) UpdateReservation(ctx context.Context, res *circulation.Reservation) error {
	if err := r.update(ctx, tableReservations, string(res.ID), res.Version, reservationRecord(res)); err != nil {
		return err
	}
	res.Version++
	return nil
}

// --- renewal requests ---

type renewalRow struct {
	ID              string     `db:"id"`
	BorrowID        string     `db:"borrow_id"`
	BookID          string     `db:"book_id"`
	UserID          string     `db:"user_id"`
	BookTitle       string     `db:"book_title"`
	UserName        string     `db:"user_name"`
	CurrentDueDate  time.Time  `db:"current_due_date"`
	RequestedDays   int        `db:"requested_days"`
	Status          string     `db:"status"`
	CreatedAt       time.Time  `db:"created_at"`
	ProcessedAt     *time.Time `db:"processed_at"`
	ProcessedBy     string     `db:"processed_by"`
	RejectionReason string     `db:"rejection_reason"`
	NewDueDate      *time.Time `db:"new_due_date"`
	Version         int64      `db:"version"`
}

func (r renewalRow) toRenewal() circulation.RenewalRequest {
	return circulation.RenewalRequest{
		ID:              circulation.RenewalID(r.ID),
		BorrowID:        circulation.BorrowID(r.BorrowID),
		BookID:          circulation.BookID(r.BookID),
		UserID:          circulation.UserID(r.UserID),
		BookTitle:       r.BookTitle,
		UserName:        r.UserName,
		CurrentDueDate:  r.CurrentDueDate.UTC(),
		RequestedDays:   r.RequestedDays,
		Status:          circulation.RenewalStatus(r.Status),
		CreatedAt:       r.CreatedAt.UTC(),
		ProcessedAt:     utcPtr(r.ProcessedAt),
		ProcessedBy:     r.ProcessedBy,
		RejectionReason: r.RejectionReason,
		NewDueDate:      utcPtr(r.NewDueDate),
		Version:         r.Version,
	}
}

func renewalRecord(req *circulation.RenewalRequest) goqu.Record {
	return goqu.Record{
		"status":           string(req.Status),
		"processed_at":     utcPtr(req.ProcessedAt),
		"processed_by":     req.ProcessedBy,
		"rejection_reason": req.RejectionReason,
		"new_due_date":     utcPtr(req.NewDueDate),
	}
}

func (r queries) GetRenewal(ctx context.Context, id circulation.RenewalID) (*circulation.RenewalRequest, error) {
	var row renewalRow
	if err := r.get(ctx, &row, r.selectFrom(tableRenewals).Where(goqu.C(colID).Eq(string(id)))); err != nil {
		return nil, err
	}
	req := row.toRenewal()
	return &req, nil
}

func (r queries) ListRenewals(ctx context.Context, f circulation.RenewalFilter) ([]circulation.RenewalRequest, error) {
	ex := goqu.Ex{}
	eq(ex, "borrow_id", string(f.BorrowID))
	eq(ex, "user_id", string(f.UserID))
	eq(ex, "status", string(f.Status))
	ds := r.selectFrom(tableRenewals).Where(ex).Order(goqu.C("created_at").Asc(), goqu.C(colID).Asc())

	var rows []renewalRow
	if err := r.list(ctx, &rows, ds); err != nil {
		return nil, err
	}
	result := make([]circulation.RenewalRequest, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toRenewal())
	}
	return result, nil
}

func (r queries) InsertRenewal(ctx context.Context, req *circulation.RenewalRequest) error {
	rec := renewalRecord(req)
	rec[colID], rec[colVersion] = string(req.ID), 1
	rec["borrow_id"], rec["book_id"], rec["user_id"] = string(req.BorrowID), string(req.BookID), string(req.UserID)
	rec["book_title"], rec["user_name"] = req.BookTitle, req.UserName
	rec["current_due_date"], rec["requested_days"] = req.CurrentDueDate.UTC(), req.RequestedDays
	rec["created_at"] = req.CreatedAt.UTC()
	if err := r.insert(ctx, tableRenewals, rec); err != nil {
		return err
	}
	req.Version = 1
	return nil
}

func (r queries) UpdateRenewal(ctx context.Context, req *circulation.RenewalRequest) error {
	if err := r.update(ctx, tableRenewals, string(req.ID), req.Version, renewalRecord(req)); err != nil {
		return err
	}
	req.Version++
	return nil
}

// --- late fees ---

type lateFeeRow struct {
	ID        string          `db:"id"`
	UserID    string          `db:"user_id"`
	BookID    string          `db:"book_id"`
	BorrowID  string          `db:"borrow_id"`
	Amount    decimal.Decimal `db:"amount"`
	DaysLate  int             `db:"days_late"`
	CreatedAt time.Time       `db:"created_at"`
}

func (r queries) ListLateFees(ctx context.Context, userID circulation.UserID) ([]circulation.LateFeeTransaction, error) {
	ex := goqu.Ex{}
	eq(ex, "user_id", string(userID))
	ds := dialect.From(tableLateFees).Prepared(true).Where(ex).Order(goqu.C("created_at").Asc(), goqu.C(colID).Asc())

	var rows []lateFeeRow
	if err := r.list(ctx, &rows, ds); err != nil {
		return nil, err
	}
	result := make([]circulation.LateFeeTransaction, 0, len(rows))
	for _, row := range rows {
		result = append(result, circulation.LateFeeTransaction{
			ID:        circulation.LateFeeID(row.ID),
			UserID:    circulation.UserID(row.UserID),
			BookID:    circulation.BookID(row.BookID),
			BorrowID:  circulation.BorrowID(row.BorrowID),
			Amount:    row.Amount,
			DaysLate:  row.DaysLate,
			CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return result, nil
}

func (r queries) InsertLateFee(ctx context.Context, f *circulation.LateFeeTransaction) error {
	return r.insert(ctx, tableLateFees, goqu.Record{
		colID:        string(f.ID),
		"user_id":    string(f.UserID),
		"book_id":    string(f.BookID),
		"borrow_id":  string(f.BorrowID),
		"amount":     f.Amount,
		"days_late":  f.DaysLate,
		"created_at": f.CreatedAt.UTC(),
	})
}

// --- outbox ---

func (r queries) AppendEvent(ctx context.Context, e *circulation.Event) error {
	payload, err := json.MarshalToString(e)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	query, args, err := dialect.Insert(tableOutbox).Prepared(true).
		Rows(goqu.Record{
			colID:         e.ID,
			"type":        string(e.Type),
			"occurred_at": e.OccurredAt.UTC(),
			"payload":     payload,
		}).
		Returning("seq").
		ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build outbox insert: %w", err)
	}
	var seq int64
	if err := sqlx.GetContext(ctx, r.q, &seq, query, args...); err != nil {
		return mapErr(fmt.Errorf("failed to append event: %w", err))
	}
	e.Seq = seq
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// mapErr turns retryable PostgreSQL failures into ErrConcurrentModification.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch sqlState(err) {
	case codeSerializationFailure, codeDeadlockDetected, codeUniqueViolation:
		return fmt.Errorf("%w: %v", circulation.ErrConcurrentModification, err)
	}
	return err
}

// sqlState extracts the SQLSTATE from either driver's error type.
func sqlState(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func eq(ex goqu.Ex, column, value string) {
	if value != "" {
		ex[column] = value
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullDecimal(d *decimal.Decimal) decimal.NullDecimal {
	if d == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: *d, Valid: true}
}
