/*
renewal.go - Renewal request lifecycle

PURPOSE:
  A borrower asks to push the due date of an active borrow back by a
  number of days. Staff approve or reject the request later.

REQUEST FLOW:
  ┌──────────────────────────────────────────────────────────────┐
  │                                                              │
  │  Borrower      Validate days,     Create pending    Staff    │
  │  requests ──▶  waitlist empty ──▶ request     ──▶   decides  │
  │                                                       │      │
  │                                     ┌──────────┐      │      │
  │                                     │ Approved │◀─────┤      │
  │                                     └──────────┘      │      │
  │                                   due date moves      │      │
  │                                     ┌──────────┐      │      │
  │                                     │ Rejected │◀─────┘      │
  │                                     └──────────┘             │
  │                                                              │
  └──────────────────────────────────────────────────────────────┘

  Approved and rejected are terminal.

GUARDS:
  - A book with anyone waiting for it cannot be renewed.
  - At most one pending request per borrow.
  - A caller that supplies the due date it saw is refused if the record
    has moved since (compared by calendar day).

SEE ALSO:
  - reminders.go: reminder flags are reset when the due date moves
*/
package circulation

import (
	"context"
	"time"
)

type RenewalWorkflow struct {
	*deps
}

const defaultRejectionReason = "no reason provided"

// =============================================================================
// REQUEST
// =============================================================================

type RenewalInput struct {
	BorrowID BorrowID

	// BookID, when set, must be the borrowed book.
	BookID BookID

	// UserID, when set, must be the borrower.
	UserID UserID

	// RequestedDays must lie within the policy bounds. Callers apply
	// Policy.DefaultRenewalDays when the member did not choose.
	RequestedDays int

	// CurrentDueDate, when set, must match the record's due date.
	CurrentDueDate *time.Time

	BookTitle string
	UserName  string
}

func (w *RenewalWorkflow) Request(ctx context.Context, in RenewalInput) (*RenewalRequest, error) {
	if in.BorrowID == "" {
		return nil, validationf(ReasonMissingField, "borrowId is required")
	}
	days := in.RequestedDays
	if days < w.policy.MinRenewalDays || days > w.policy.MaxRenewalDays {
		return nil, validationf(ReasonRenewalDaysOutOfRange,
			"requested days must be between %d and %d", w.policy.MinRenewalDays, w.policy.MaxRenewalDays)
	}

	now := w.now()
	var created *RenewalRequest
	err := w.store.WithTx(ctx, func(tx Tx) error {
		rec, err := tx.GetBorrow(ctx, in.BorrowID)
		if err != nil {
			return missing(err, ReasonBorrowalNotFound, "borrowal %s not found", in.BorrowID)
		}
		if in.BookID != "" && in.BookID != rec.BookID {
			return validationf(ReasonBookMismatch, "borrowal %s is for book %s, not %s", rec.ID, rec.BookID, in.BookID)
		}
		if in.UserID != "" && in.UserID != rec.UserID {
			return unauthorizedf(ReasonNotBorrower, "user %s is not the borrower of %s", in.UserID, rec.ID)
		}
		if rec.Status != BorrowActive {
			return conflictf(ReasonBorrowalNotActive, "borrowal %s is %s", rec.ID, rec.Status)
		}
		if in.CurrentDueDate != nil && !sameDay(*in.CurrentDueDate, rec.DueDate) {
			return conflictf(ReasonStaleDueDate, "due date of borrowal %s has changed", rec.ID)
		}

		waiting, err := tx.ListReservations(ctx, ReservationFilter{BookID: rec.BookID, Statuses: activeOnly})
		if err != nil {
			return err
		}
		if len(waiting) > 0 {
			return conflictf(ReasonPendingReservations, "book %s has %d pending reservations", rec.BookID, len(waiting))
		}

		pending, err := tx.ListRenewals(ctx, RenewalFilter{BorrowID: rec.ID, Status: RenewalPending})
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			return conflictf(ReasonDuplicatePendingRenew, "borrowal %s already has a pending renewal", rec.ID)
		}

		title, name := in.BookTitle, in.UserName
		if title == "" {
			if book, err := tx.GetBook(ctx, rec.BookID); err == nil {
				title = book.Title
			}
		}
		if name == "" {
			if user, err := tx.GetUser(ctx, rec.UserID); err == nil {
				name = user.Name
			}
		}

		req := &RenewalRequest{
			ID:             RenewalID(newID()),
			BorrowID:       rec.ID,
			BookID:         rec.BookID,
			UserID:         rec.UserID,
			BookTitle:      title,
			UserName:       name,
			CurrentDueDate: rec.DueDate,
			RequestedDays:  days,
			Status:         RenewalPending,
			CreatedAt:      now,
		}
		if err := tx.InsertRenewal(ctx, req); err != nil {
			return err
		}

		ev := renewalEvent(EventRenewalRequested, req, now)
		ev.DueDate = timePtr(rec.DueDate)
		ev.Days = days
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		created = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.log.Info().
		Str("renewal_id", string(created.ID)).
		Str("borrow_id", string(created.BorrowID)).
		Int("days", created.RequestedDays).
		Msg("renewal requested")
	return created, nil
}

// =============================================================================
// PROCESS
// =============================================================================

type ProcessInput struct {
	RenewalID       RenewalID
	Action          RenewalAction
	ProcessedBy     string
	RejectionReason string
}

func (in ProcessInput) validate() error {
	if in.RenewalID == "" {
		return validationf(ReasonMissingField, "renewal id is required")
	}
	if in.Action != ActionApprove && in.Action != ActionReject {
		return validationf(ReasonInvalidAction, "action must be %q or %q", ActionApprove, ActionReject)
	}
	if in.ProcessedBy == "" {
		return validationf(ReasonMissingField, "processedBy is required")
	}
	return nil
}

// Process approves or rejects a pending renewal.
func (w *RenewalWorkflow) Process(ctx context.Context, in ProcessInput) (*RenewalRequest, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	now := w.now()
	var processed *RenewalRequest
	err := w.store.WithTx(ctx, func(tx Tx) error {
		req, err := tx.GetRenewal(ctx, in.RenewalID)
		if err != nil {
			return missing(err, ReasonRenewalNotFound, "renewal %s not found", in.RenewalID)
		}
		if req.Status != RenewalPending {
			return conflictf(ReasonRenewalProcessed, "renewal %s is already %s", req.ID, req.Status)
		}

		req.ProcessedAt = timePtr(now)
		req.ProcessedBy = in.ProcessedBy

		switch in.Action {
		case ActionApprove:
			rec, err := tx.GetBorrow(ctx, req.BorrowID)
			if err != nil {
				return missing(err, ReasonBorrowalNotFound, "borrowal %s not found", req.BorrowID)
			}
			if rec.Status != BorrowActive {
				return conflictf(ReasonBorrowalNotActive, "borrowal %s is %s", rec.ID, rec.Status)
			}
			newDue := rec.DueDate.AddDate(0, 0, req.RequestedDays)
			rec.DueDate = newDue
			rec.DueSoonNotified = false
			rec.OverdueNotified = false
			if err := tx.UpdateBorrow(ctx, rec); err != nil {
				return err
			}
			req.Status = RenewalApproved
			req.NewDueDate = timePtr(newDue)

		case ActionReject:
			req.Status = RenewalRejected
			req.RejectionReason = in.RejectionReason
			if req.RejectionReason == "" {
				req.RejectionReason = defaultRejectionReason
			}
		}

		if err := tx.UpdateRenewal(ctx, req); err != nil {
			return err
		}

		ev := renewalEvent(EventRenewalDecided, req, now)
		ev.DueDate = req.NewDueDate
		ev.Reason = req.RejectionReason
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		processed = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	w.log.Info().
		Str("renewal_id", string(processed.ID)).
		Str("status", string(processed.Status)).
		Str("processed_by", processed.ProcessedBy).
		Msg("renewal processed")
	return processed, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (w *RenewalWorkflow) List(ctx context.Context, filter RenewalFilter) ([]RenewalRequest, error) {
	return w.store.ListRenewals(ctx, filter)
}

func (w *RenewalWorkflow) Get(ctx context.Context, id RenewalID) (*RenewalRequest, error) {
	r, err := w.store.GetRenewal(ctx, id)
	if err != nil {
		return nil, missing(err, ReasonRenewalNotFound, "renewal %s not found", id)
	}
	return r, nil
}

func renewalEvent(t EventType, r *RenewalRequest, now time.Time) *Event {
	ev := newEvent(t, now)
	ev.BookID, ev.UserID, ev.BorrowID, ev.RenewalID = r.BookID, r.UserID, r.BorrowID, r.ID
	ev.BookTitle, ev.UserName = r.BookTitle, r.UserName
	ev.Status = string(r.Status)
	return ev
}

func sameDay(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
