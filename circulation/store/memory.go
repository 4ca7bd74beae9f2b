// Package store provides the in-memory circulation.Store.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds the records. Reads outside a transaction take the read lock.
type Memory struct {
	mu           sync.RWMutex
	books        map[circulation.BookID]circulation.Book
	users        map[circulation.UserID]circulation.User
	borrows      map[circulation.BorrowID]circulation.BorrowRecord
	reservations map[circulation.ReservationID]circulation.Reservation
	renewals     map[circulation.RenewalID]circulation.RenewalRequest
	lateFees     []circulation.LateFeeTransaction
	events       []circulation.Event
	seq          int64

	// reservationSeq orders reservations created at the same instant.
	reservationSeq int64

	leaseHolder string
	leaseUntil  time.Time
}

func NewMemory() *Memory {
	return &Memory{
		books:        make(map[circulation.BookID]circulation.Book),
		users:        make(map[circulation.UserID]circulation.User),
		borrows:      make(map[circulation.BorrowID]circulation.BorrowRecord),
		reservations: make(map[circulation.ReservationID]circulation.Reservation),
		renewals:     make(map[circulation.RenewalID]circulation.RenewalRequest),
	}
}

// Reset clears all data (for testing/demo). Sequence numbers keep growing.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.books = make(map[circulation.BookID]circulation.Book)
	m.users = make(map[circulation.UserID]circulation.User)
	m.borrows = make(map[circulation.BorrowID]circulation.BorrowRecord)
	m.reservations = make(map[circulation.ReservationID]circulation.Reservation)
	m.renewals = make(map[circulation.RenewalID]circulation.RenewalRequest)
	m.lateFees = nil
	m.events = nil
	return nil
}

// =============================================================================
// READER
// =============================================================================

func (m *Memory) GetBook(_ context.Context, id circulation.BookID) (*circulation.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBookLocked(id)
}

func (m *Memory) GetUser(_ context.Context, id circulation.UserID) (*circulation.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getUserLocked(id)
}

func (m *Memory) GetBorrow(_ context.Context, id circulation.BorrowID) (*circulation.BorrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBorrowLocked(id)
}

func (m *Memory) FindActiveBorrow(_ context.Context, bookID circulation.BookID, userID circulation.UserID) (*circulation.BorrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findActiveBorrowLocked(bookID, userID)
}

func (m *Memory) ListBorrows(_ context.Context, f circulation.BorrowFilter) ([]circulation.BorrowRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listBorrowsLocked(f), nil
}

func (m *Memory) GetReservation(_ context.Context, id circulation.ReservationID) (*circulation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getReservationLocked(id)
}

func (m *Memory) ListReservations(_ context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listReservationsLocked(f), nil
}

func (m *Memory) GetRenewal(_ context.Context, id circulation.RenewalID) (*circulation.RenewalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getRenewalLocked(id)
}

func (m *Memory) ListRenewals(_ context.Context, f circulation.RenewalFilter) ([]circulation.RenewalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listRenewalsLocked(f), nil
}

func (m *Memory) ListLateFees(_ context.Context, userID circulation.UserID) ([]circulation.LateFeeTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLateFeesLocked(userID), nil
}

// =============================================================================
// OUTBOX
// =============================================================================

func (m *Memory) PendingEvents(_ context.Context, limit int) ([]circulation.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []circulation.Event
	for _, e := range m.events {
		if e.DispatchedAt != nil {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (m *Memory) MarkDispatched(_ context.Context, seq int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.events {
		if m.events[i].Seq == seq {
			if m.events[i].DispatchedAt == nil {
				t := at
				m.events[i].DispatchedAt = &t
			}
			return nil
		}
	}
	return fmt.Errorf("event %d: %w", seq, circulation.ErrRecordNotFound)
}

func (m *Memory) AcquireDispatchLease(_ context.Context, holder string, now, until time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseHolder != "" && m.leaseHolder != holder && now.Before(m.leaseUntil) {
		return false, nil
	}
	m.leaseHolder, m.leaseUntil = holder, until
	return true, nil
}

func (m *Memory) ReleaseDispatchLease(_ context.Context, holder string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.leaseHolder == holder {
		m.leaseHolder, m.leaseUntil = "", time.Time{}
	}
	return nil
}

// Events returns every outbox entry in Seq order, dispatched or not.
func (m *Memory) Events() []circulation.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]circulation.Event(nil), m.events...)
}

// =============================================================================
// LOCKED HELPERS - Shared by Memory and txMemoryView
// =============================================================================

func (m *Memory) getBookLocked(id circulation.BookID) (*circulation.Book, error) {
	b, ok := m.books[id]
	if !ok {
		return nil, circulation.ErrRecordNotFound
	}
	return cloneBook(b), nil
}

func (m *Memory) getUserLocked(id circulation.UserID) (*circulation.User, error) {
	u, ok := m.users[id]
	if !ok {
		return nil, circulation.ErrRecordNotFound
	}
	return cloneUser(u), nil
}

func (m *Memory) getBorrowLocked(id circulation.BorrowID) (*circulation.BorrowRecord, error) {
	r, ok := m.borrows[id]
	if !ok {
		return nil, circulation.ErrRecordNotFound
	}
	return &r, nil
}

func (m *Memory) findActiveBorrowLocked(bookID circulation.BookID, userID circulation.UserID) (*circulation.BorrowRecord, error) {
	for _, r := range m.borrows {
		if r.BookID == bookID && r.UserID == userID && r.Status == circulation.BorrowActive {
			rec := r
			return &rec, nil
		}
	}
	return nil, circulation.ErrRecordNotFound
}

func (m *Memory) listBorrowsLocked(f circulation.BorrowFilter) []circulation.BorrowRecord {
	var result []circulation.BorrowRecord
	for _, r := range m.borrows {
		if f.BookID != "" && r.BookID != f.BookID {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.DueBefore != nil && r.DueDate.After(*f.DueBefore) {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].BorrowedAt.Equal(result[j].BorrowedAt) {
			return result[i].BorrowedAt.Before(result[j].BorrowedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) getReservationLocked(id circulation.ReservationID) (*circulation.Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return nil, circulation.ErrRecordNotFound
	}
	return &r, nil
}

func (m *Memory) listReservationsLocked(f circulation.ReservationFilter) []circulation.Reservation {
	var result []circulation.Reservation
	for _, r := range m.reservations {
		if f.BookID != "" && r.BookID != f.BookID {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if len(f.Statuses) > 0 && !hasStatus(f.Statuses, r.Status) {
			continue
		}
		if f.ExpiresBefore != nil && (r.ExpiresAt == nil || r.ExpiresAt.After(*f.ExpiresBefore)) {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].Seq < result[j].Seq
	})
	return result
}

func (m *Memory) getRenewalLocked(id circulation.RenewalID) (*circulation.RenewalRequest, error) {
	r, ok := m.renewals[id]
	if !ok {
		return nil, circulation.ErrRecordNotFound
	}
	return &r, nil
}

func (m *Memory) listRenewalsLocked(f circulation.RenewalFilter) []circulation.RenewalRequest {
	var result []circulation.RenewalRequest
	for _, r := range m.renewals {
		if f.BorrowID != "" && r.BorrowID != f.BorrowID {
			continue
		}
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) listLateFeesLocked(userID circulation.UserID) []circulation.LateFeeTransaction {
	var result []circulation.LateFeeTransaction
	for _, f := range m.lateFees {
		if userID == "" || f.UserID == userID {
			result = append(result, f)
		}
	}
	return result
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// TxMemory wraps Memory with transaction support. It is the circulation.Store.
type TxMemory struct {
	*Memory
}

func NewTxMemory() *TxMemory {
	return &TxMemory{Memory: NewMemory()}
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The write lock is held for the whole of fn, so transactions are serial.
func (tm *TxMemory) WithTx(ctx context.Context, fn func(circulation.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	snapshot := tm.snapshot()
	view := &txMemoryView{parent: tm.Memory}

	if err := fn(view); err != nil {
		tm.restore(snapshot)
		return err
	}
	return nil
}

type memorySnapshot struct {
	books        map[circulation.BookID]circulation.Book
	users        map[circulation.UserID]circulation.User
	borrows      map[circulation.BorrowID]circulation.BorrowRecord
	reservations map[circulation.ReservationID]circulation.Reservation
	renewals     map[circulation.RenewalID]circulation.RenewalRequest
	lateFees     []circulation.LateFeeTransaction
	events       []circulation.Event
	seq          int64
	resSeq       int64
}

func (tm *TxMemory) snapshot() memorySnapshot {
	return memorySnapshot{
		books:        cloneMap(tm.books),
		users:        cloneMap(tm.users),
		borrows:      cloneMap(tm.borrows),
		reservations: cloneMap(tm.reservations),
		renewals:     cloneMap(tm.renewals),
		lateFees:     append([]circulation.LateFeeTransaction(nil), tm.lateFees...),
		events:       append([]circulation.Event(nil), tm.events...),
		seq:          tm.seq,
		resSeq:       tm.reservationSeq,
	}
}

func (tm *TxMemory) restore(s memorySnapshot) {
	tm.books = s.books
	tm.users = s.users
	tm.borrows = s.borrows
	tm.reservations = s.reservations
	tm.renewals = s.renewals
	tm.lateFees = s.lateFees
	tm.events = s.events
	tm.seq = s.seq
	tm.reservationSeq = s.resSeq
}

// txMemoryView is the circulation.Tx handed to fn. The parent lock is held.
type txMemoryView struct {
	parent *Memory
}

func (tv *txMemoryView) GetBook(_ context.Context, id circulation.BookID) (*circulation.Book, error) {
	return tv.parent.getBookLocked(id)
}

func (tv *txMemoryView) GetUser(_ context.Context, id circulation.UserID) (*circulation.User, error) {
	return tv.parent.getUserLocked(id)
}

func (tv *txMemoryView) GetBorrow(_ context.Context, id circulation.BorrowID) (*circulation.BorrowRecord, error) {
	return tv.parent.getBorrowLocked(id)
}

func (tv *txMemoryView) FindActiveBorrow(_ context.Context, bookID circulation.BookID, userID circulation.UserID) (*circulation.BorrowRecord, error) {
	return tv.parent.findActiveBorrowLocked(bookID, userID)
}

func (tv *txMemoryView) ListBorrows(_ context.Context, f circulation.BorrowFilter) ([]circulation.BorrowRecord, error) {
	return tv.parent.listBorrowsLocked(f), nil
}

func (tv *txMemoryView) GetReservation(_ context.Context, id circulation.ReservationID) (*circulation.Reservation, error) {
	return tv.parent.getReservationLocked(id)
}

func (tv *txMemoryView) ListReservations(_ context.Context, f circulation.ReservationFilter) ([]circulation.Reservation, error) {
	return tv.parent.listReservationsLocked(f), nil
}

func (tv *txMemoryView) GetRenewal(_ context.Context, id circulation.RenewalID) (*circulation.RenewalRequest, error) {
	return tv.parent.getRenewalLocked(id)
}

func (tv *txMemoryView) ListRenewals(_ context.Context, f circulation.RenewalFilter) ([]circulation.RenewalRequest, error) {
	return tv.parent.listRenewalsLocked(f), nil
}

func (tv *txMemoryView) ListLateFees(_ context.Context, userID circulation.UserID) ([]circulation.LateFeeTransaction, error) {
	return tv.parent.listLateFeesLocked(userID), nil
}

// =============================================================================
// WRITES - Conditional on Version
// =============================================================================

func (tv *txMemoryView) InsertBook(_ context.Context, b *circulation.Book) error {
	if _, ok := tv.parent.books[b.ID]; ok {
		return fmt.Errorf("book %s: %w", b.ID, circulation.ErrConcurrentModification)
	}
	b.Version = 1
	tv.parent.books[b.ID] = *cloneBook(*b)
	return nil
}

func (tv *txMemoryView) UpdateBook(_ context.Context, b *circulation.Book) error {
	cur, ok := tv.parent.books[b.ID]
	if !ok {
		return circulation.ErrRecordNotFound
	}
	if cur.Version != b.Version {
		return fmt.Errorf("book %s: %w", b.ID, circulation.ErrConcurrentModification)
	}
	b.Version++
	tv.parent.books[b.ID] = *cloneBook(*b)
	return nil
}

func (tv *txMemoryView) InsertUser(_ context.Context, u *circulation.User) error {
	if _, ok := tv.parent.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, circulation.ErrConcurrentModification)
	}
	u.Version = 1
	tv.parent.users[u.ID] = *cloneUser(*u)
	return nil
}

func (tv *txMemoryView) UpdateUser(_ context.Context, u *circulation.User) error {
	cur, ok := tv.parent.users[u.ID]
	if !ok {
		return circulation.ErrRecordNotFound
	}
	if cur.Version != u.Version {
		return fmt.Errorf("user %s: %w", u.ID, circulation.ErrConcurrentModification)
	}
	u.Version++
	tv.parent.users[u.ID] = *cloneUser(*u)
	return nil
}

func (tv *txMemoryView) InsertBorrow(_ context.Context, r *circulation.BorrowRecord) error {
	if _, ok := tv.parent.borrows[r.ID]; ok {
		return fmt.Errorf("borrow %s: %w", r.ID, circulation.ErrConcurrentModification)
	}
	r.Version = 1
	tv.parent.borrows[r.ID] = *r
	return nil
}

func (tv *txMemoryView) UpdateBorrow(_ context.Context, r *circulation.BorrowRecord) error {
	cur, ok := tv.parent.borrows[r.ID]
	if !ok {
		return circulation.ErrRecordNotFound
	}
	if cur.Version != r.Version {
		return fmt.Errorf("borrow %s: %w", r.ID, circulation.ErrConcurrentModification)
	}
	r.Version++
	tv.parent.borrows[r.ID] = *r
	return nil
}

func (tv *txMemoryView) InsertReservation(_ context.Context, r *circulation.Reservation) error {
	if _, ok := tv.parent.reservations[r.ID]; ok {
		return fmt.Errorf("reservation %s: %w", r.ID, circulation.ErrConcurrentModification)
	}
	tv.parent.reservationSeq++
	r.Seq = tv.parent.reservationSeq
	r.Version = 1
	tv.parent.reservations[r.ID] = *r
	return nil
}

func (tv *txMemoryView) UpdateReservation(_ context.Context, r *circulation.Reservation) error {
	cur, ok := tv.parent.reservations[r.ID]
	if !ok {
		return circulation.ErrRecordNotFound
	}
	if cur.Version != r.Version {
		return fmt.Errorf("reservation %s: %w", r.ID, circulation.ErrConcurrentModification)
	}
	r.Version++
	tv.parent.reservations[r.ID] = *r
	return nil
}

func (tv *txMemoryView) InsertRenewal(_ context.Context, r *circulation.RenewalRequest) error {
	if _, ok := tv.parent.renewals[r.ID]; ok {
		return fmt.Errorf("renewal %s: %w", r.ID, circulation.ErrConcurrentModification)
	}
	r.Version = 1
	tv.parent.renewals[r.ID] = *r
	return nil
}

func (tv *txMemoryView) UpdateRenewal(_ context.Context, r *circulation.RenewalRequest) error {
	cur, ok := tv.parent.renewals[r.ID]
	if !ok {
		return circulation.ErrRecordNotFound
	}
	if cur.Version != r.Version {
		return fmt.Errorf("renewal %s: %w", r.ID, circulation.ErrConcurrentModification)
	}
	r.Version++
	tv.parent.renewals[r.ID] = *r
	return nil
}

func (tv *txMemoryView) InsertLateFee(_ context.Context, f *circulation.LateFeeTransaction) error {
	tv.parent.lateFees = append(tv.parent.lateFees, *f)
	return nil
}

func (tv *txMemoryView) AppendEvent(_ context.Context, e *circulation.Event) error {
	tv.parent.seq++
	e.Seq = tv.parent.seq
	tv.parent.events = append(tv.parent.events, *e)
	return nil
}

// =============================================================================
// CLONING
// =============================================================================

func cloneBook(b circulation.Book) *circulation.Book {
	if b.LateFeePerDay != nil {
		rate := *b.LateFeePerDay
		b.LateFeePerDay = &rate
	}
	return &b
}

func cloneUser(u circulation.User) *circulation.User {
	u.BorrowedBooks = append([]circulation.BookID(nil), u.BorrowedBooks...)
	return &u
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func hasStatus(statuses []circulation.ReservationStatus, s circulation.ReservationStatus) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
