package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

// lentOut returns a harness with b1 (one copy) borrowed by "owner".
func lentOut(t *testing.T, users ...circulation.User) *harness {
	t.Helper()
	users = append([]circulation.User{member("owner")}, users...)
	h := newHarness(t, []circulation.Book{book("b1", 1)}, users)
	h.borrow(t, "b1", "owner", 14*24*time.Hour)
	return h
}

func activePositions(t *testing.T, h *harness) []int {
	t.Helper()
	list, err := h.engine.Reservations.ListByBook(context.Background(), "b1")
	require.NoError(t, err)
	var positions []int
	for _, r := range list {
		if r.Status == circulation.ReservationActive {
			positions = append(positions, r.Position)
		}
	}
	return positions
}

// =============================================================================
// RESERVE
// =============================================================================

func TestReserve_AvailableBook_Conflict(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A")})

	_, err := h.engine.Reservations.Reserve(context.Background(), circulation.ReserveInput{BookID: "b1", UserID: "A"})
	assert.True(t, circulation.IsConflict(err))
	assert.Equal(t, circulation.ReasonBookAvailable, circulation.ReasonOf(err))
}

func TestReserve_PositionsAreFIFO(t *testing.T) {
	h := lentOut(t, member("A"), member("B"), member("C"))

	a := h.reserve(t, "b1", "A")
	h.clock.Advance(time.Minute)
	b := h.reserve(t, "b1", "B")
	h.clock.Advance(time.Minute)
	c := h.reserve(t, "b1", "C")

	assert.Equal(t, 1, a.Position)
	assert.Equal(t, 2, b.Position)
	assert.Equal(t, 3, c.Position)
	assert.Equal(t, "Title b1", a.BookTitle)
	assert.Equal(t, "A@example.com", a.UserEmail)
	assert.Equal(t, 3, h.book(t, "b1").ReservationCount)
}

func TestReserve_SameInstantKeepsArrivalOrder(t *testing.T) {
	// GIVEN: B, C and D reserve without the clock moving
	// WHEN: The owner returns the copy
	// THEN: B, the first to reserve, gets the hold

	for run := 0; run < 20; run++ {
		h := lentOut(t, member("B"), member("C"), member("D"))
		ctx := context.Background()

		b := h.reserve(t, "b1", "B")
		c := h.reserve(t, "b1", "C")
		d := h.reserve(t, "b1", "D")
		assert.Equal(t, []int{1, 2, 3}, []int{b.Position, c.Position, d.Position})
		assert.Less(t, b.Seq, c.Seq)
		assert.Less(t, c.Seq, d.Seq)

		result, err := h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "owner"})
		require.NoError(t, err)
		require.NotNil(t, result.Fulfilled)
		require.Equal(t, b.ID, result.Fulfilled.ID, "run %d", run)

		list, err := h.engine.Reservations.ListByBook(ctx, "b1")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []circulation.UserID{"B", "C", "D"}, []circulation.UserID{list[0].UserID, list[1].UserID, list[2].UserID})
	}
}

func TestReserve_SingleActivePerUser(t *testing.T) {
	h := lentOut(t, member("A"))
	h.reserve(t, "b1", "A")

	_, err := h.engine.Reservations.Reserve(context.Background(), circulation.ReserveInput{BookID: "b1", UserID: "A"})
	assert.True(t, circulation.IsConflict(err))
	assert.Equal(t, circulation.ReasonAlreadyReserved, circulation.ReasonOf(err))
	assert.Equal(t, []int{1}, activePositions(t, h))
}

func TestReserve_BorrowerCannotReserve(t *testing.T) {
	h := lentOut(t)

	_, err := h.engine.Reservations.Reserve(context.Background(), circulation.ReserveInput{BookID: "b1", UserID: "owner"})
	assert.True(t, circulation.IsConflict(err))
	assert.Equal(t, circulation.ReasonAlreadyBorrowed, circulation.ReasonOf(err))
}

func TestReserve_Validation(t *testing.T) {
	h := lentOut(t)
	ctx := context.Background()

	_, err := h.engine.Reservations.Reserve(ctx, circulation.ReserveInput{UserID: "owner"})
	assert.True(t, circulation.IsValidation(err))

	_, err = h.engine.Reservations.Reserve(ctx, circulation.ReserveInput{BookID: "b1", UserID: "ghost"})
	assert.Equal(t, circulation.ReasonUserNotFound, circulation.ReasonOf(err))
}

// =============================================================================
// CANCEL
// =============================================================================

func TestCancel_RecompactsPositions(t *testing.T) {
	// GIVEN: A, B, C waiting in that order
	// WHEN: B cancels
	// THEN: Positions stay dense: A=1, C=2

	h := lentOut(t, member("A"), member("B"), member("C"))
	ctx := context.Background()

	h.reserve(t, "b1", "A")
	h.clock.Advance(time.Minute)
	b := h.reserve(t, "b1", "B")
	h.clock.Advance(time.Minute)
	c := h.reserve(t, "b1", "C")

	cancelled, err := h.engine.Reservations.Cancel(ctx, b.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CancelledAt)

	assert.Equal(t, []int{1, 2}, activePositions(t, h))

	stored, err := h.store.GetReservation(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Position)
	assert.Equal(t, 2, h.book(t, "b1").ReservationCount)
}

func TestCancel_QueueStaysDenseAcrossSequences(t *testing.T) {
	h := lentOut(t, member("A"), member("B"), member("C"), member("D"))
	ctx := context.Background()

	ids := map[string]circulation.ReservationID{}
	for _, u := range []string{"A", "B", "C", "D"} {
		ids[u] = h.reserve(t, "b1", u).ID
		h.clock.Advance(time.Second)
	}

	for _, u := range []string{"C", "A"} {
		_, err := h.engine.Reservations.Cancel(ctx, ids[u], circulation.UserID(u))
		require.NoError(t, err)
	}
	h.reserve(t, "b1", "A")

	assert.Equal(t, []int{1, 2, 3}, activePositions(t, h))

	all, err := h.store.ListReservations(ctx, circulation.ReservationFilter{
		BookID:   "b1",
		Statuses: []circulation.ReservationStatus{circulation.ReservationActive},
	})
	require.NoError(t, err)
	for i, r := range all {
		assert.Equal(t, i+1, r.Position, "stored position of %s", r.UserID)
	}
}

func TestCancel_Authorization(t *testing.T) {
	h := lentOut(t, member("A"), member("B"), admin("root"))
	ctx := context.Background()

	res := h.reserve(t, "b1", "A")

	_, err := h.engine.Reservations.Cancel(ctx, res.ID, "B")
	assert.True(t, circulation.IsUnauthorized(err))
	assert.Equal(t, circulation.ReasonNotReservationOwner, circulation.ReasonOf(err))

	_, err = h.engine.Reservations.Cancel(ctx, res.ID, "root")
	assert.NoError(t, err)
}

func TestCancel_NotActive_Conflict(t *testing.T) {
	h := lentOut(t, member("A"))
	ctx := context.Background()

	res := h.reserve(t, "b1", "A")
	_, err := h.engine.Reservations.Cancel(ctx, res.ID, "A")
	require.NoError(t, err)

	_, err = h.engine.Reservations.Cancel(ctx, res.ID, "A")
	assert.True(t, circulation.IsConflict(err))
	assert.Equal(t, circulation.ReasonReservationNotActive, circulation.ReasonOf(err))

	_, err = h.engine.Reservations.Cancel(ctx, "missing", "A")
	assert.True(t, circulation.IsNotFound(err))
}

// =============================================================================
// HOLD EXPIRY
// =============================================================================

func TestExpireHold_CascadesToNextReader(t *testing.T) {
	h := lentOut(t, member("A"), member("B"))
	ctx := context.Background()

	a := h.reserve(t, "b1", "A")
	h.clock.Advance(time.Minute)
	b := h.reserve(t, "b1", "B")

	_, err := h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "owner"})
	require.NoError(t, err)

	// Not due yet: nothing happens.
	changed, err := h.engine.Reservations.ExpireHold(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	h.clock.Advance(48 * time.Hour)
	changed, err = h.engine.Reservations.ExpireHold(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, changed)

	gotA, err := h.engine.Reservations.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationExpired, gotA.Status)

	gotB, err := h.engine.Reservations.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReservationFulfilled, gotB.Status)
	assert.Equal(t, 0, gotB.Position)

	bk := h.book(t, "b1")
	assert.Equal(t, 0, bk.AvailableCopies)
	assert.Equal(t, 1, bk.HeldCopies)
	h.assertConserved(t, "b1")
}

func TestExpireHold_Idempotent(t *testing.T) {
	h := lentOut(t, member("A"))
	ctx := context.Background()

	a := h.reserve(t, "b1", "A")
	_, err := h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "owner"})
	require.NoError(t, err)
	h.clock.Advance(49 * time.Hour)

	changed, err := h.engine.Reservations.ExpireHold(ctx, a.ID)
	require.NoError(t, err)
	assert.True(t, changed)
	events := len(h.store.Events())

	changed, err = h.engine.Reservations.ExpireHold(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Len(t, h.store.Events(), events)

	// Nobody else waiting: the copy goes back on the shelf.
	bk := h.book(t, "b1")
	assert.Equal(t, 1, bk.AvailableCopies)
	assert.Equal(t, 0, bk.HeldCopies)
	assert.Equal(t, circulation.BookAvailable, bk.Status)

	_, err = h.engine.Reservations.ExpireHold(ctx, "missing")
	assert.True(t, circulation.IsNotFound(err))
}

func TestExpireHold_ClaimedHoldIsLeftAlone(t *testing.T) {
	h := lentOut(t, member("A"))
	ctx := context.Background()

	a := h.reserve(t, "b1", "A")
	_, err := h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "owner"})
	require.NoError(t, err)
	h.borrow(t, "b1", "A", 24*time.Hour)
	h.clock.Advance(72 * time.Hour)

	changed, err := h.engine.Reservations.ExpireHold(ctx, a.ID)
	require.NoError(t, err)
	assert.False(t, changed)
	h.assertConserved(t, "b1")
}

func TestExpireHolds_SweepsOverdueHolds(t *testing.T) {
	h := newHarness(t,
		[]circulation.Book{book("b1", 1), book("b2", 1)},
		[]circulation.User{member("o1"), member("o2"), member("A"), member("B")})
	ctx := context.Background()

	h.borrow(t, "b1", "o1", 24*time.Hour)
	h.borrow(t, "b2", "o2", 24*time.Hour)
	h.reserve(t, "b1", "A")
	h.reserve(t, "b2", "B")
	for _, pair := range [][2]string{{"b1", "o1"}, {"b2", "o2"}} {
		_, err := h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: circulation.BookID(pair[0]), UserID: circulation.UserID(pair[1])})
		require.NoError(t, err)
	}

	n, err := h.engine.Reservations.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(48 * time.Hour)
	n, err = h.engine.Reservations.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = h.engine.Reservations.ExpireHolds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.assertConserved(t, "b1")
	h.assertConserved(t, "b2")
}

func TestFulfillNext_NoCopyOnShelf_NoOp(t *testing.T) {
	h := lentOut(t, member("A"))
	h.reserve(t, "b1", "A")

	res, err := h.engine.Reservations.FulfillNext(context.Background(), "b1")
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, []int{1}, activePositions(t, h))
}

func TestListByUser(t *testing.T) {
	h := lentOut(t, member("A"))
	h.reserve(t, "b1", "A")

	list, err := h.engine.Reservations.ListByUser(context.Background(), "A")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, circulation.BookID("b1"), list[0].BookID)
}
