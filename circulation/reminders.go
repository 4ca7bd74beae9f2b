package circulation

import (
	"context"
)

// =============================================================================
// REMINDERS - Due-soon and overdue notices, once each
// =============================================================================

// Reminders scans active borrows and appends borrow.due_soon and
// borrow.overdue events. Flags on the record make repeat runs no-ops until
// a renewal moves the due date.
type Reminders struct {
	*deps
}

type ReminderResult struct {
	DueSoon int `json:"dueSoon"`
	Overdue int `json:"overdue"`
}

// SendReminders runs one pass. Each record is handled in its own
// transaction so one conflict does not block the rest.
func (r *Reminders) SendReminders(ctx context.Context) (ReminderResult, error) {
	var result ReminderResult
	now := r.now()
	horizon := now.Add(r.policy.DueSoonWindow)

	active, err := r.store.ListBorrows(ctx, BorrowFilter{Status: BorrowActive, DueBefore: &horizon})
	if err != nil {
		return result, err
	}

	var firstErr error
	for _, candidate := range active {
		overdue := !now.Before(candidate.DueDate)
		if overdue && candidate.OverdueNotified {
			continue
		}
		if !overdue && candidate.DueSoonNotified {
			continue
		}

		var sent EventType
		err := r.store.WithTx(ctx, func(tx Tx) error {
			rec, err := tx.GetBorrow(ctx, candidate.ID)
			if err != nil {
				return missing(err, ReasonBorrowalNotFound, "borrowal %s not found", candidate.ID)
			}
			if rec.Status != BorrowActive {
				return nil
			}

			var t EventType
			switch {
			case !now.Before(rec.DueDate) && !rec.OverdueNotified:
				t = EventOverdue
				rec.OverdueNotified = true
			case now.Before(rec.DueDate) && !rec.DueDate.After(horizon) && !rec.DueSoonNotified:
				t = EventDueSoon
				rec.DueSoonNotified = true
			default:
				return nil
			}
			if err := tx.UpdateBorrow(ctx, rec); err != nil {
				return err
			}

			ev := newEvent(t, now)
			ev.BookID, ev.UserID, ev.BorrowID = rec.BookID, rec.UserID, rec.ID
			ev.DueDate = timePtr(rec.DueDate)
			if book, err := tx.GetBook(ctx, rec.BookID); err == nil {
				ev.BookTitle = book.Title
				if t == EventOverdue {
					ev.Fee, ev.DaysLate = ComputeFee(rec.DueDate, now, RateFor(book, r.policy))
				}
			}
			if user, err := tx.GetUser(ctx, rec.UserID); err == nil {
				ev.UserName, ev.UserEmail = user.Name, user.Email
			}
			if err := tx.AppendEvent(ctx, ev); err != nil {
				return err
			}
			sent = t
			return nil
		})
		if err != nil {
			r.log.Error().Err(err).Str("borrow_id", string(candidate.ID)).Msg("reminder failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		switch sent {
		case EventDueSoon:
			result.DueSoon++
		case EventOverdue:
			result.Overdue++
		}
	}

	if result.DueSoon+result.Overdue > 0 {
		r.log.Info().Int("due_soon", result.DueSoon).Int("overdue", result.Overdue).Msg("reminders sent")
	}
	return result, firstErr
}
