package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

func TestRenewal_BlockedByWaitlist(t *testing.T) {
	// GIVEN: A lent-out book with someone waiting
	// WHEN: The borrower asks to renew
	// THEN: Conflict, the waiting reader goes first

	h := lentOut(t, member("A"))
	ctx := context.Background()
	h.reserve(t, "b1", "A")

	active, err := h.engine.Manager.ActiveBorrows(ctx, "owner")
	require.NoError(t, err)
	require.Len(t, active, 1)

	_, err = h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: active[0].ID, RequestedDays: 7})
	assert.True(t, circulation.IsConflict(err))
	assert.Equal(t, circulation.ReasonPendingReservations, circulation.ReasonOf(err))
}

func TestRenewal_DaysBounds(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A")})
	ctx := context.Background()
	rec := h.borrow(t, "b1", "A", 7*24*time.Hour)

	for _, days := range []int{-1, 0, 31} {
		_, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: days})
		assert.True(t, circulation.IsValidation(err), "days=%d", days)
		assert.Equal(t, circulation.ReasonRenewalDaysOutOfRange, circulation.ReasonOf(err))
	}

	_, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, BookID: "b2", RequestedDays: 14})
	assert.True(t, circulation.IsValidation(err))
	assert.Equal(t, circulation.ReasonBookMismatch, circulation.ReasonOf(err))

	req, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, BookID: "b1", RequestedDays: 14})
	require.NoError(t, err)
	assert.Equal(t, 14, req.RequestedDays)
	assert.Equal(t, rec.DueDate, req.CurrentDueDate)
	assert.Equal(t, "Title b1", req.BookTitle)
	assert.Equal(t, "User A", req.UserName)
}

func TestRenewal_DuplicatePending_Conflict(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A")})
	ctx := context.Background()
	rec := h.borrow(t, "b1", "A", 7*24*time.Hour)

	_, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: 7})
	require.NoError(t, err)
	_, err = h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: 7})
	assert.Equal(t, circulation.ReasonDuplicatePendingRenew, circulation.ReasonOf(err))
}

func TestRenewal_Guards(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A"), member("B")})
	ctx := context.Background()
	rec := h.borrow(t, "b1", "A", 7*24*time.Hour)

	_, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: "missing", RequestedDays: 7})
	assert.Equal(t, circulation.ReasonBorrowalNotFound, circulation.ReasonOf(err))

	_, err = h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, UserID: "B", RequestedDays: 7})
	assert.True(t, circulation.IsUnauthorized(err))

	stale := rec.DueDate.AddDate(0, 0, -1)
	_, err = h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: 7, CurrentDueDate: &stale})
	assert.Equal(t, circulation.ReasonStaleDueDate, circulation.ReasonOf(err))

	sameDayLater := rec.DueDate.Add(time.Hour)
	_, err = h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: 7, CurrentDueDate: &sameDayLater})
	assert.NoError(t, err)

	_, err = h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "A"})
	require.NoError(t, err)
	_, err = h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: 7})
	assert.Equal(t, circulation.ReasonBorrowalNotActive, circulation.ReasonOf(err))
}

func TestRenewal_Reject_DefaultReason(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A")})
	ctx := context.Background()
	rec := h.borrow(t, "b1", "A", 7*24*time.Hour)

	req, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: 7})
	require.NoError(t, err)

	done, err := h.engine.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: req.ID, Action: circulation.ActionReject, ProcessedBy: "staff"})
	require.NoError(t, err)
	assert.Equal(t, circulation.RenewalRejected, done.Status)
	assert.Equal(t, "no reason provided", done.RejectionReason)
	assert.Nil(t, done.NewDueDate)

	unchanged, err := h.store.GetBorrow(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.DueDate, unchanged.DueDate)

	_, err = h.engine.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: req.ID, Action: circulation.ActionApprove, ProcessedBy: "staff"})
	assert.True(t, circulation.IsConflict(err))
	assert.Equal(t, circulation.ReasonRenewalProcessed, circulation.ReasonOf(err))
}

func TestRenewal_ProcessValidation(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()

	_, err := h.engine.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: "r1", Action: "maybe", ProcessedBy: "staff"})
	assert.Equal(t, circulation.ReasonInvalidAction, circulation.ReasonOf(err))

	_, err = h.engine.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: "r1", Action: circulation.ActionApprove})
	assert.True(t, circulation.IsValidation(err))

	_, err = h.engine.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: "r1", Action: circulation.ActionApprove, ProcessedBy: "staff"})
	assert.Equal(t, circulation.ReasonRenewalNotFound, circulation.ReasonOf(err))
}

func TestRenewal_ApproveAfterReturn_Conflict(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A")})
	ctx := context.Background()
	rec := h.borrow(t, "b1", "A", 7*24*time.Hour)

	req, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: 7})
	require.NoError(t, err)
	_, err = h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "A"})
	require.NoError(t, err)

	_, err = h.engine.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: req.ID, Action: circulation.ActionApprove, ProcessedBy: "staff"})
	assert.Equal(t, circulation.ReasonBorrowalNotActive, circulation.ReasonOf(err))

	still, err := h.engine.Renewals.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.RenewalPending, still.Status)
}

func TestRenewal_ListByStatus(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1), book("b2", 1)}, []circulation.User{member("A")})
	ctx := context.Background()
	r1 := h.borrow(t, "b1", "A", 7*24*time.Hour)
	r2 := h.borrow(t, "b2", "A", 7*24*time.Hour)

	q1, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: r1.ID, RequestedDays: 3})
	require.NoError(t, err)
	_, err = h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: r2.ID, RequestedDays: 3})
	require.NoError(t, err)
	_, err = h.engine.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: q1.ID, Action: circulation.ActionApprove, ProcessedBy: "staff"})
	require.NoError(t, err)

	pending, err := h.engine.Renewals.List(ctx, circulation.RenewalFilter{Status: circulation.RenewalPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r2.ID, pending[0].BorrowID)

	mine, err := h.engine.Renewals.List(ctx, circulation.RenewalFilter{UserID: "A"})
	require.NoError(t, err)
	assert.Len(t, mine, 2)
}
