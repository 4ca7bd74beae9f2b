package circulation_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var t0 = time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	engine *circulation.Engine
	store  *store.TxMemory
	clock  *fakeClock
}

func newHarness(t *testing.T, books []circulation.Book, users []circulation.User, opts ...circulation.Option) *harness {
	t.Helper()
	clock := &fakeClock{now: t0}
	st := store.NewTxMemory()
	opts = append([]circulation.Option{circulation.WithClock(clock.Now)}, opts...)
	e := circulation.New(st, opts...)
	require.NoError(t, e.Seed(context.Background(), books, users))
	return &harness{engine: e, store: st, clock: clock}
}

func book(id string, copies int) circulation.Book {
	return circulation.Book{ID: circulation.BookID(id), Title: "Title " + id, TotalCopies: copies}
}

func member(id string) circulation.User {
	return circulation.User{ID: circulation.UserID(id), Name: "User " + id, Email: id + "@example.com"}
}

func admin(id string) circulation.User {
	u := member(id)
	u.Role = circulation.RoleAdmin
	return u
}

func (h *harness) borrow(t *testing.T, bookID, userID string, due time.Duration) *circulation.BorrowRecord {
	t.Helper()
	rec, err := h.engine.Manager.Borrow(context.Background(), circulation.BorrowInput{
		BookID:  circulation.BookID(bookID),
		UserID:  circulation.UserID(userID),
		DueDate: h.clock.Now().Add(due),
	})
	require.NoError(t, err)
	return rec
}

func (h *harness) reserve(t *testing.T, bookID, userID string) *circulation.Reservation {
	t.Helper()
	res, err := h.engine.Reservations.Reserve(context.Background(), circulation.ReserveInput{
		BookID: circulation.BookID(bookID),
		UserID: circulation.UserID(userID),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) book(t *testing.T, id string) *circulation.Book {
	t.Helper()
	b, err := h.engine.Manager.GetBook(context.Background(), circulation.BookID(id))
	require.NoError(t, err)
	return b
}

// assertConserved checks available + held + borrowed == total.
func (h *harness) assertConserved(t *testing.T, id string) {
	t.Helper()
	b := h.book(t, id)
	out, err := h.store.ListBorrows(context.Background(), circulation.BorrowFilter{
		BookID: b.ID,
		Status: circulation.BorrowActive,
	})
	require.NoError(t, err)
	assert.Equal(t, b.TotalCopies, b.AvailableCopies+b.HeldCopies+len(out),
		"available=%d held=%d borrowed=%d total=%d", b.AvailableCopies, b.HeldCopies, len(out), b.TotalCopies)
	assert.GreaterOrEqual(t, b.AvailableCopies, 0)
}

func eventTypes(events []circulation.Event) []circulation.EventType {
	var types []circulation.EventType
	for _, e := range events {
		types = append(types, e.Type)
	}
	return types
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// END-TO-END SCENARIOS
// =============================================================================

func TestScenario_ReturnFulfillsWaitingReader(t *testing.T) {
	// GIVEN: One copy, A borrows it, B joins the waitlist
	// WHEN: A returns
	// THEN: The copy is held for B for 48h and never shows as available

	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A"), member("B")})
	ctx := context.Background()

	h.borrow(t, "b1", "A", 14*24*time.Hour)
	b := h.book(t, "b1")
	assert.Equal(t, 0, b.AvailableCopies)
	assert.Equal(t, circulation.BookBorrowed, b.Status)

	res := h.reserve(t, "b1", "B")
	assert.Equal(t, 1, res.Position)

	h.clock.Advance(24 * time.Hour)
	result, err := h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "A"})
	require.NoError(t, err)
	require.NotNil(t, result.Fulfilled)
	assert.Equal(t, res.ID, result.Fulfilled.ID)

	b = h.book(t, "b1")
	assert.Equal(t, 0, b.AvailableCopies)
	assert.Equal(t, 1, b.HeldCopies)
	h.assertConserved(t, "b1")

	got, err := h.engine.Reservations.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationFulfilled, got.Status)
	require.NotNil(t, got.ExpiresAt)
	assert.Equal(t, h.clock.Now().Add(48*time.Hour), *got.ExpiresAt)

	types := eventTypes(h.store.Events())
	assert.Equal(t, []circulation.EventType{
		circulation.EventBookBorrowed,
		circulation.EventReservationCreated,
		circulation.EventCopyReturned,
		circulation.EventReservationFulfilled,
	}, types)
}

func TestScenario_RenewalApprovedMovesDueDate(t *testing.T) {
	// GIVEN: A borrow due D with nobody waiting
	// WHEN: A 14-day renewal is requested and approved
	// THEN: The due date becomes D+14

	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A")})
	ctx := context.Background()

	rec := h.borrow(t, "b1", "A", 7*24*time.Hour)
	due := rec.DueDate

	req, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, UserID: "A", RequestedDays: 14})
	require.NoError(t, err)
	assert.Equal(t, circulation.RenewalPending, req.Status)

	done, err := h.engine.Renewals.Process(ctx, circulation.ProcessInput{
		RenewalID:   req.ID,
		Action:      circulation.ActionApprove,
		ProcessedBy: "librarian",
	})
	require.NoError(t, err)
	assert.Equal(t, circulation.RenewalApproved, done.Status)
	require.NotNil(t, done.NewDueDate)
	assert.Equal(t, due.AddDate(0, 0, 14), *done.NewDueDate)

	updated, err := h.store.GetBorrow(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, due.AddDate(0, 0, 14), updated.DueDate)
}

func TestScenario_LateReturnChargesFee(t *testing.T) {
	// GIVEN: A book with a 2.00/day rate
	// WHEN: It is returned 5 days late
	// THEN: The user owes 10.00 and one fee transaction is recorded

	b := book("b1", 1)
	rate := dec("2.00")
	b.LateFeePerDay = &rate
	h := newHarness(t, []circulation.Book{b}, []circulation.User{member("A")})
	ctx := context.Background()

	h.borrow(t, "b1", "A", 24*time.Hour)
	h.clock.Advance(6*24*time.Hour + time.Hour)

	result, err := h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "A"})
	require.NoError(t, err)
	assert.Equal(t, 5, result.DaysLate)
	assert.True(t, dec("10.00").Equal(result.Fee), "fee %s", result.Fee)

	user, err := h.engine.Manager.GetUser(ctx, "A")
	require.NoError(t, err)
	assert.True(t, dec("10.00").Equal(user.LateFees), "late fees %s", user.LateFees)
	assert.Equal(t, 0, user.BooksOut)
	assert.Empty(t, user.BorrowedBooks)

	fees, err := h.engine.Manager.LateFees(ctx, "A")
	require.NoError(t, err)
	require.Len(t, fees, 1)
	assert.True(t, dec("10.00").Equal(fees[0].Amount))
	assert.Equal(t, 5, fees[0].DaysLate)
}

// =============================================================================
// WIRING
// =============================================================================

func TestNew_DefaultPolicy(t *testing.T) {
	e := circulation.New(store.NewTxMemory())
	assert.Equal(t, circulation.DefaultPolicy(), e.Policy)
	assert.NoError(t, e.Policy.Validate())
}

func TestSeed_RejectsDuplicateBook(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 2)}, nil)
	err := h.engine.Seed(context.Background(), []circulation.Book{book("b1", 1)}, nil)
	assert.True(t, circulation.IsConflict(err))

	b := h.book(t, "b1")
	assert.Equal(t, 2, b.TotalCopies)
	assert.Equal(t, 2, b.AvailableCopies)
}
