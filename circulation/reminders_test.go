package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/circulation-engine/circulation"
)

func countEvents(h *harness, t circulation.EventType) int {
	n := 0
	for _, e := range h.store.Events() {
		if e.Type == t {
			n++
		}
	}
	return n
}

func TestSendReminders_DueSoonThenOverdue_OnceEach(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1), book("b2", 1)}, []circulation.User{member("A")})
	ctx := context.Background()

	h.borrow(t, "b1", "A", 24*time.Hour)
	h.borrow(t, "b2", "A", 10*24*time.Hour)

	res, err := h.engine.Reminders.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReminderResult{DueSoon: 1}, res)

	res, err = h.engine.Reminders.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReminderResult{}, res)

	h.clock.Advance(3 * 24 * time.Hour)
	res, err = h.engine.Reminders.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReminderResult{Overdue: 1}, res)

	res, err = h.engine.Reminders.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReminderResult{}, res)

	assert.Equal(t, 1, countEvents(h, circulation.EventDueSoon))
	assert.Equal(t, 1, countEvents(h, circulation.EventOverdue))

	for _, e := range h.store.Events() {
		if e.Type == circulation.EventOverdue {
			assert.Equal(t, 2, e.DaysLate)
			assert.True(t, dec("2").Equal(e.Fee))
		}
	}
}

func TestSendReminders_RenewalResetsFlags(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A")})
	ctx := context.Background()

	rec := h.borrow(t, "b1", "A", 24*time.Hour)
	_, err := h.engine.Reminders.SendReminders(ctx)
	require.NoError(t, err)

	req, err := h.engine.Renewals.Request(ctx, circulation.RenewalInput{BorrowID: rec.ID, RequestedDays: 2})
	require.NoError(t, err)
	_, err = h.engine.Renewals.Process(ctx, circulation.ProcessInput{RenewalID: req.ID, Action: circulation.ActionApprove, ProcessedBy: "staff"})
	require.NoError(t, err)

	res, err := h.engine.Reminders.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReminderResult{}, res, "new due date is outside the window")

	h.clock.Advance(24 * time.Hour)
	res, err = h.engine.Reminders.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReminderResult{DueSoon: 1}, res)
	assert.Equal(t, 2, countEvents(h, circulation.EventDueSoon))
}

func TestSendReminders_IgnoresReturned(t *testing.T) {
	h := newHarness(t, []circulation.Book{book("b1", 1)}, []circulation.User{member("A")})
	ctx := context.Background()

	h.borrow(t, "b1", "A", time.Hour)
	_, err := h.engine.Manager.Return(ctx, circulation.ReturnInput{BookID: "b1", UserID: "A"})
	require.NoError(t, err)
	h.clock.Advance(48 * time.Hour)

	res, err := h.engine.Reminders.SendReminders(ctx)
	require.NoError(t, err)
	assert.Equal(t, circulation.ReminderResult{}, res)
}
