/*
manager.go - Borrow and Return as atomic operations

PURPOSE:
  The Manager is the orchestration hub. It owns the two operations that
  move copies in and out of circulation and chains the side effects of a
  return (late fee, waitlist fulfillment, events) into the same commit.

BORROW (one transaction):
  1. Read book and user
  2. Reject a second active borrow of the same book by the same user
  3. Claim the user's earmarked copy if they hold one, otherwise take an
     available copy (Conflict when none)
  4. Create the borrow record, update the user projection, append event

RETURN (optimistic pre-check + transactional re-validation):
  1. Outside any transaction, find the active record for (book, user).
     This is a query by two fields; the writes that follow are by id.
  2. Inside one transaction, re-read book, user and the record by id and
     fail with Conflict if the record is no longer borrowed. Compute the
     fee, put the copy back, credit the fee, close the record, then offer
     the copy to the head of the waitlist before anyone else can see it.

  The copy is never observable as generally available between the return
  and the fulfillment: both happen in the same commit.

SEE ALSO:
  - inventory.go: copy count transitions
  - reservation.go: fulfillNext
  - fees.go: ComputeFee
*/
package circulation

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type Manager struct {
	*deps
	inventory *InventoryLedger
	queue     *ReservationQueue
}

// =============================================================================
// BORROW
// =============================================================================

type BorrowInput struct {
	BookID  BookID
	UserID  UserID
	DueDate time.Time
}

func (in BorrowInput) validate(now time.Time) error {
	if in.BookID == "" {
		return validationf(ReasonMissingField, "bookId is required")
	}
	if in.UserID == "" {
		return validationf(ReasonMissingField, "userId is required")
	}
	if in.DueDate.IsZero() {
		return validationf(ReasonMissingField, "dueDate is required")
	}
	if !in.DueDate.After(now) {
		return validationf(ReasonInvalidDueDate, "dueDate must be in the future")
	}
	return nil
}

// Borrow lends one copy of a book to a user.
func (m *Manager) Borrow(ctx context.Context, in BorrowInput) (*BorrowRecord, error) {
	now := m.now()
	if err := in.validate(now); err != nil {
		return nil, err
	}

	var record *BorrowRecord
	err := m.store.WithTx(ctx, func(tx Tx) error {
		book, err := tx.GetBook(ctx, in.BookID)
		if err != nil {
			return missing(err, ReasonBookNotFound, "book %s not found", in.BookID)
		}
		user, err := tx.GetUser(ctx, in.UserID)
		if err != nil {
			return missing(err, ReasonUserNotFound, "user %s not found", in.UserID)
		}

		if _, err := tx.FindActiveBorrow(ctx, book.ID, user.ID); err == nil {
			return conflictf(ReasonAlreadyBorrowed, "user %s already has book %s borrowed", user.ID, book.ID)
		} else if !errors.Is(err, ErrRecordNotFound) {
			return err
		}

		rec := &BorrowRecord{
			ID:         BorrowID(newID()),
			BookID:     book.ID,
			UserID:     user.ID,
			BorrowedAt: now,
			DueDate:    in.DueDate.UTC(),
			Status:     BorrowActive,
			LateFee:    decimal.Zero,
		}

		hold, err := m.queue.openHold(ctx, tx, book.ID, user.ID)
		if err != nil {
			return err
		}
		if hold != nil {
			if _, err := m.inventory.ClaimEarmark(ctx, tx, book.ID); err != nil {
				return err
			}
			hold.BorrowID = rec.ID
			if err := tx.UpdateReservation(ctx, hold); err != nil {
				return err
			}
		} else {
			if book.AvailableCopies <= 0 {
				return conflictf(ReasonNoCopiesAvailable, "no copies available for book %s", book.ID)
			}
			if _, err := m.inventory.DecrementAvailable(ctx, tx, book.ID); err != nil {
				return err
			}
		}

		if err := tx.InsertBorrow(ctx, rec); err != nil {
			return err
		}

		user.addBorrowed(book.ID)
		user.UpdatedAt = now
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		ev := newEvent(EventBookBorrowed, now)
		ev.BookID, ev.UserID, ev.BorrowID = book.ID, user.ID, rec.ID
		ev.BookTitle, ev.UserName, ev.UserEmail = book.Title, user.Name, user.Email
		ev.DueDate = timePtr(rec.DueDate)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		record = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.Info().
		Str("book_id", string(record.BookID)).
		Str("user_id", string(record.UserID)).
		Str("borrow_id", string(record.ID)).
		Time("due_date", record.DueDate).
		Msg("book borrowed")
	return record, nil
}

// =============================================================================
// RETURN
// =============================================================================

type ReturnInput struct {
	BookID BookID
	UserID UserID
}

type ReturnResult struct {
	Borrow   *BorrowRecord
	Fee      decimal.Decimal
	DaysLate int

	// Fulfilled is the reservation promoted by this return, if any.
	Fulfilled *Reservation
}

// Return closes the user's active borrow of the book.
func (m *Manager) Return(ctx context.Context, in ReturnInput) (*ReturnResult, error) {
	if in.BookID == "" {
		return nil, validationf(ReasonMissingField, "bookId is required")
	}
	if in.UserID == "" {
		return nil, validationf(ReasonMissingField, "userId is required")
	}

	// Advisory: re-validated inside the transaction.
	candidate, err := m.store.FindActiveBorrow(ctx, in.BookID, in.UserID)
	if err != nil {
		return nil, missing(err, ReasonNoActiveBorrowal, "no active borrowal of book %s by user %s", in.BookID, in.UserID)
	}

	now := m.now()
	var result *ReturnResult
	err = m.store.WithTx(ctx, func(tx Tx) error {
		book, err := tx.GetBook(ctx, in.BookID)
		if err != nil {
			return missing(err, ReasonBookNotFound, "book %s not found", in.BookID)
		}
		user, err := tx.GetUser(ctx, in.UserID)
		if err != nil {
			return missing(err, ReasonUserNotFound, "user %s not found", in.UserID)
		}
		rec, err := tx.GetBorrow(ctx, candidate.ID)
		if err != nil {
			return missing(err, ReasonNoActiveBorrowal, "borrowal %s not found", candidate.ID)
		}
		if rec.Status != BorrowActive {
			return conflictf(ReasonBorrowalNotActive, "borrowal %s is already %s", rec.ID, rec.Status)
		}

		fee, daysLate := ComputeFee(rec.DueDate, now, RateFor(book, m.policy))

		if _, err := m.inventory.IncrementAvailable(ctx, tx, book.ID); err != nil {
			return err
		}

		user.removeBorrowed(book.ID)
		if fee.IsPositive() {
			user.LateFees = user.LateFees.Add(fee)
			if err := tx.InsertLateFee(ctx, &LateFeeTransaction{
				ID:        LateFeeID(newID()),
				UserID:    user.ID,
				BookID:    book.ID,
				BorrowID:  rec.ID,
				Amount:    fee,
				DaysLate:  daysLate,
				CreatedAt: now,
			}); err != nil {
				return err
			}
		}
		user.UpdatedAt = now
		if err := tx.UpdateUser(ctx, user); err != nil {
			return err
		}

		rec.Status = BorrowReturned
		rec.ReturnedAt = timePtr(now)
		rec.LateFee = fee
		rec.DaysLate = daysLate
		if err := tx.UpdateBorrow(ctx, rec); err != nil {
			return err
		}

		ev := newEvent(EventCopyReturned, now)
		ev.BookID, ev.UserID, ev.BorrowID = book.ID, user.ID, rec.ID
		ev.BookTitle, ev.UserName, ev.UserEmail = book.Title, user.Name, user.Email
		ev.DueDate = timePtr(rec.DueDate)
		ev.Fee, ev.DaysLate = fee, daysLate
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		fulfilled, err := m.queue.fulfillNext(ctx, tx, book.ID, now)
		if err != nil {
			return err
		}

		result = &ReturnResult{Borrow: rec, Fee: fee, DaysLate: daysLate, Fulfilled: fulfilled}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logEvent := m.log.Info().
		Str("book_id", string(in.BookID)).
		Str("user_id", string(in.UserID)).
		Str("borrow_id", string(result.Borrow.ID)).
		Int("days_late", result.DaysLate).
		Str("fee", result.Fee.StringFixed(2))
	if result.Fulfilled != nil {
		logEvent = logEvent.Str("held_for", string(result.Fulfilled.UserID))
	}
	logEvent.Msg("book returned")
	return result, nil
}

// =============================================================================
// READ VIEWS
// =============================================================================

func (m *Manager) GetBook(ctx context.Context, id BookID) (*Book, error) {
	b, err := m.store.GetBook(ctx, id)
	if err != nil {
		return nil, missing(err, ReasonBookNotFound, "book %s not found", id)
	}
	return b, nil
}

func (m *Manager) GetUser(ctx context.Context, id UserID) (*User, error) {
	u, err := m.store.GetUser(ctx, id)
	if err != nil {
		return nil, missing(err, ReasonUserNotFound, "user %s not found", id)
	}
	return u, nil
}

// ActiveBorrows lists the user's open borrow records.
func (m *Manager) ActiveBorrows(ctx context.Context, userID UserID) ([]BorrowRecord, error) {
	return m.store.ListBorrows(ctx, BorrowFilter{UserID: userID, Status: BorrowActive})
}

func (m *Manager) LateFees(ctx context.Context, userID UserID) ([]LateFeeTransaction, error) {
	return m.store.ListLateFees(ctx, userID)
}
