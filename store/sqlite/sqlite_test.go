package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var t0 = time.Date(2025, time.May, 5, 10, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestEngine(t *testing.T, store *sqlite.Store, now *time.Time) *circulation.Engine {
	t.Helper()
	e := circulation.New(store, circulation.WithClock(func() time.Time { return *now }))
	rate := decimal.RequireFromString("2.00")
	require.NoError(t, e.Seed(context.Background(),
		[]circulation.Book{
			{ID: "b1", Title: "Dune", TotalCopies: 1, LateFeePerDay: &rate},
			{ID: "b2", Title: "Emma", TotalCopies: 2},
		},
		[]circulation.User{
			{ID: "A", Name: "Ann", Email: "ann@example.com"},
			{ID: "B", Name: "Bob", Email: "bob@example.com"},
			{ID: "root", Name: "Admin", Role: circulation.RoleAdmin},
		}))
	return e
}

// =============================================================================
// RECORD ROUND TRIPS
// =============================================================================

func TestStore_BookAndUser(t *testing.T) {
	store := newTestStore(t)
	now := t0
	newTestEngine(t, store, &now)
	ctx := context.Background()

	b, err := store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, "Dune", b.Title)
	assert.Equal(t, 1, b.AvailableCopies)
	assert.Equal(t, circulation.BookAvailable, b.Status)
	require.NotNil(t, b.LateFeePerDay)
	assert.True(t, decimal.RequireFromString("2").Equal(*b.LateFeePerDay))
	assert.Equal(t, int64(1), b.Version)
	assert.True(t, t0.Equal(b.CreatedAt))

	other, err := store.GetBook(ctx, "b2")
	require.NoError(t, err)
	assert.Nil(t, other.LateFeePerDay)

	u, err := store.GetUser(ctx, "root")
	require.NoError(t, err)
	assert.True(t, u.IsAdmin())
	assert.Empty(t, u.BorrowedBooks)
	assert.True(t, u.LateFees.IsZero())

	_, err = store.GetBook(ctx, "missing")
	assert.ErrorIs(t, err, circulation.ErrRecordNotFound)
}

func TestStore_ConditionalUpdate(t *testing.T) {
	store := newTestStore(t)
	now := t0
	newTestEngine(t, store, &now)
	ctx := context.Background()

	stale, err := store.GetBook(ctx, "b2")
	require.NoError(t, err)

	require.NoError(t, store.WithTx(ctx, func(tx circulation.Tx) error {
		b, err := tx.GetBook(ctx, "b2")
		if err != nil {
			return err
		}
		b.AvailableCopies = 1
		return tx.UpdateBook(ctx, b)
	}))

	err = store.WithTx(ctx, func(tx circulation.Tx) error {
		return tx.UpdateBook(ctx, stale)
	})
	assert.ErrorIs(t, err, circulation.ErrConcurrentModification)
	assert.True(t, circulation.IsConflict(err))

	err = store.WithTx(ctx, func(tx circulation.Tx) error {
		return tx.UpdateBook(ctx, &circulation.Book{ID: "ghost", Version: 1})
	})
	assert.ErrorIs(t, err, circulation.ErrRecordNotFound)
}

func TestStore_RollbackOnError(t *testing.T) {
	store := newTestStore(t)
	now := t0
	newTestEngine(t, store, &now)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(tx circulation.Tx) error {
		b, err := tx.GetBook(ctx, "b2")
		if err != nil {
			return err
		}
		b.AvailableCopies = 0
		if err := tx.UpdateBook(ctx, b); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &circulation.Event{ID: "e1", Type: circulation.EventBookBorrowed, OccurredAt: t0}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := store.GetBook(ctx, "b2")
	require.NoError(t, err)
	assert.Equal(t, 2, b.AvailableCopies)

	pending, err := store.PendingEvents(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// =============================================================================
// ENGINE ON SQLITE
// =============================================================================

func TestEngine_ReturnFulfillsAndChargesOnSQLite(t *testing.T) {
	store := newTestStore(t)
	now := t0
	e := newTestEngine(t, store, &now)
	ctx := context.Background()

	_, err := e.Manager.Borrow(ctx, circulation.BorrowInput{BookID: "b1", UserID: "A", DueDate: t0.Add(24 * time.Hour)})
	require.NoError(t, err)

	res, err := e.Reservations.Reserve(ctx, circulation.ReserveInput{BookID: "b1", UserID: "B"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Position)
	assert.Equal(t, "Dune", res.BookTitle)

	now = t0.Add(4*24*time.Hour + time.Hour)
	result, err := e.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "A"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.DaysLate)
	assert.True(t, decimal.RequireFromString("6.00").Equal(result.Fee))
	require.NotNil(t, result.Fulfilled)

	b, err := store.GetBook(ctx, "b1")
	require.NoError(t, err)
	assert.Equal(t, 0, b.AvailableCopies)
	assert.Equal(t, 1, b.HeldCopies)

	u, err := store.GetUser(ctx, "A")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("6").Equal(u.LateFees))
	assert.Equal(t, 0, u.BooksOut)

	fees, err := store.ListLateFees(ctx, "A")
	require.NoError(t, err)
	require.Len(t, fees, 1)

	got, err := store.GetReservation(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationFulfilled, got.Status)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, now.Add(48*time.Hour).Equal(*got.ExpiresAt))

	pending, err := store.PendingEvents(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 4)
	assert.Equal(t, circulation.EventCopyReturned, pending[2].Type)
	assert.True(t, decimal.RequireFromString("6").Equal(pending[2].Fee))
	assert.Equal(t, circulation.EventReservationFulfilled, pending[3].Type)
	assert.Less(t, pending[2].Seq, pending[3].Seq)

	require.NoError(t, store.MarkDispatched(ctx, pending[0].Seq, now))
	pending, err = store.PendingEvents(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestEngine_SameInstantReservationsStayFIFO(t *testing.T) {
	// GIVEN: root then B reserve b1 while the clock stands still
	// WHEN: A returns the copy
	// THEN: root, who reserved first, gets the hold

	store := newTestStore(t)
	now := t0
	e := newTestEngine(t, store, &now)
	ctx := context.Background()

	_, err := e.Manager.Borrow(ctx, circulation.BorrowInput{BookID: "b1", UserID: "A", DueDate: t0.Add(24 * time.Hour)})
	require.NoError(t, err)
	first, err := e.Reservations.Reserve(ctx, circulation.ReserveInput{BookID: "b1", UserID: "root"})
	require.NoError(t, err)
	second, err := e.Reservations.Reserve(ctx, circulation.ReserveInput{BookID: "b1", UserID: "B"})
	require.NoError(t, err)
	assert.Less(t, first.Seq, second.Seq)

	list, err := store.ListReservations(ctx, circulation.ReservationFilter{BookID: "b1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, first.Seq, list[0].Seq)

	result, err := e.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "A"})
	require.NoError(t, err)
	require.NotNil(t, result.Fulfilled)
	assert.Equal(t, first.ID, result.Fulfilled.ID)
}

func TestEngine_SingleActiveBorrowEnforcedByIndex(t *testing.T) {
	store := newTestStore(t)
	now := t0
	newTestEngine(t, store, &now)
	ctx := context.Background()

	insert := func(id circulation.BorrowID) error {
		return store.WithTx(ctx, func(tx circulation.Tx) error {
			return tx.InsertBorrow(ctx, &circulation.BorrowRecord{
				ID: id, BookID: "b2", UserID: "A", BorrowedAt: t0, DueDate: t0.Add(time.Hour),
				Status: circulation.BorrowActive, LateFee: decimal.Zero,
			})
		})
	}
	require.NoError(t, insert("r1"))
	err := insert("r2")
	assert.True(t, circulation.IsConflict(err))
}

func TestEngine_RenewalAndRemindersOnSQLite(t *testing.T) {
	store := newTestStore(t)
	now := t0
	e := newTestEngine(t, store, &now)
	ctx := context.Background()

	rec, err := e.Manager.Borrow(ctx, circulation.BorrowInput{BookID: "b2", UserID: "A", DueDate: t0.Add(24 * time.Hour)})
	require.NoError(t, err)

	sent, err := e.Reminders.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sent.DueSoon)

	req, err := e.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, UserID: "A", RequestedDays: 14})
	require.NoError(t, err)
	assert.Equal(t, "Emma", req.BookTitle)

	done, err := e.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: req.ID, Action: circulation.ActionApprove, ProcessedBy: "root"})
	require.NoError(t, err)
	require.NotNil(t, done.NewDueDate)
	assert.True(t, rec.DueDate.AddDate(0, 0, 14).Equal(*done.NewDueDate))

	updated, err := store.GetBorrow(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, updated.DueSoonNotified)
	assert.True(t, rec.DueDate.AddDate(0, 0, 14).Equal(updated.DueDate))

	list, err := store.ListRenewals(ctx, circulation.RenewalFilter{Status: circulation.RenewalApproved})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "root", list[0].ProcessedBy)
}

func TestStore_DispatchLease(t *testing.T) {
	// GIVEN: Dispatcher "a" holds the lease until t0+1m
	// WHEN: "b" tries before and after expiry
	// THEN: "b" is refused, then takes over; release only works for the owner

	store := newTestStore(t)
	ctx := context.Background()

	held, err := store.AcquireDispatchLease(ctx, "a", t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, held)

	held, err = store.AcquireDispatchLease(ctx, "b", t0.Add(30*time.Second), t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.False(t, held)

	// The owner extends its own lease.
	held, err = store.AcquireDispatchLease(ctx, "a", t0.Add(30*time.Second), t0.Add(90*time.Second))
	require.NoError(t, err)
	assert.True(t, held)

	held, err = store.AcquireDispatchLease(ctx, "b", t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, held)

	require.NoError(t, store.ReleaseDispatchLease(ctx, "a"))
	held, err = store.AcquireDispatchLease(ctx, "c", t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, store.ReleaseDispatchLease(ctx, "b"))
	held, err = store.AcquireDispatchLease(ctx, "c", t0.Add(2*time.Minute), t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, held)
}

func TestStore_Reset(t *testing.T) {
	store := newTestStore(t)
	now := t0
	newTestEngine(t, store, &now)
	ctx := context.Background()

	require.NoError(t, store.Reset(ctx))
	_, err := store.GetBook(ctx, "b1")
	assert.ErrorIs(t, err, circulation.ErrRecordNotFound)
}
