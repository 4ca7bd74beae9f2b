/*
reservation.go - Per-book FIFO waitlist with holds

PURPOSE:
  Readers who find no copy on the shelf join the book's waitlist. When a
  copy comes back, the head of the list is promoted to a hold: the copy is
  earmarked for them for Policy.HoldDuration. If they do not borrow it in
  time, an external trigger expires the hold and the copy cascades to the
  next reader.

LIFECYCLE:
  active ──fulfillNext──▶ fulfilled ──ExpireHold──▶ expired
    │                         │
    └──Cancel──▶ cancelled    └──Borrow by holder──▶ (fulfilled, BorrowID set)

POSITIONS:
  CreatedAt order among active reservations is authoritative, with the
  store-assigned insertion Seq breaking ties. Position is
  a projection: recomputed to 1..N in the same transaction as any change of
  the active set, and recomputed again at read time by ListByBook.

IDEMPOTENCY:
  ExpireHold and ExpireHolds may be called any number of times. A call on a
  hold that is not open or not yet due changes nothing and is not an error.
*/
package circulation

import (
	"context"
	"errors"
	"time"
)

type ReservationQueue struct {
	*deps
	inventory *InventoryLedger
}

var activeOnly = []ReservationStatus{ReservationActive}

// =============================================================================
// RESERVE
// =============================================================================

type ReserveInput struct {
	BookID BookID
	UserID UserID

	// Optional; default to the book and user records.
	BookTitle string
	UserName  string
	UserEmail string
}

// Reserve places the user at the tail of the book's waitlist.
func (q *ReservationQueue) Reserve(ctx context.Context, in ReserveInput) (*Reservation, error) {
	if in.BookID == "" {
		return nil, validationf(ReasonMissingField, "bookId is required")
	}
	if in.UserID == "" {
		return nil, validationf(ReasonMissingField, "userId is required")
	}

	now := q.now()
	var created *Reservation
	err := q.store.WithTx(ctx, func(tx Tx) error {
		book, err := tx.GetBook(ctx, in.BookID)
		if err != nil {
			return missing(err, ReasonBookNotFound, "book %s not found", in.BookID)
		}
		user, err := tx.GetUser(ctx, in.UserID)
		if err != nil {
			return missing(err, ReasonUserNotFound, "user %s not found", in.UserID)
		}

		if book.AvailableCopies > 0 {
			return conflictf(ReasonBookAvailable, "book %s is available, borrow it directly", book.ID)
		}
		if _, err := tx.FindActiveBorrow(ctx, book.ID, user.ID); err == nil {
			return conflictf(ReasonAlreadyBorrowed, "user %s already has book %s borrowed", user.ID, book.ID)
		} else if !errors.Is(err, ErrRecordNotFound) {
			return err
		}

		existing, err := tx.ListReservations(ctx, ReservationFilter{
			BookID:   book.ID,
			Statuses: []ReservationStatus{ReservationActive, ReservationFulfilled},
		})
		if err != nil {
			return err
		}
		active := 0
		for i := range existing {
			r := &existing[i]
			if r.UserID == user.ID && (r.Status == ReservationActive || r.IsOpenHold()) {
				return conflictf(ReasonAlreadyReserved, "user %s already has a reservation for book %s", user.ID, book.ID)
			}
			if r.Status == ReservationActive {
				active++
			}
		}

		res := &Reservation{
			ID:        ReservationID(newID()),
			BookID:    book.ID,
			UserID:    user.ID,
			BookTitle: firstNonEmpty(in.BookTitle, book.Title),
			UserName:  firstNonEmpty(in.UserName, user.Name),
			UserEmail: firstNonEmpty(in.UserEmail, user.Email),
			Status:    ReservationActive,
			Position:  active + 1,
			CreatedAt: now,
		}
		if err := tx.InsertReservation(ctx, res); err != nil {
			return err
		}

		book.ReservationCount++
		book.UpdatedAt = now
		if err := tx.UpdateBook(ctx, book); err != nil {
			return err
		}

		ev := reservationEvent(EventReservationCreated, res, now)
		ev.Position = res.Position
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		created = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.log.Info().
		Str("reservation_id", string(created.ID)).
		Str("book_id", string(created.BookID)).
		Str("user_id", string(created.UserID)).
		Int("position", created.Position).
		Msg("reservation created")
	return created, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel withdraws an active reservation. Only the holder or an admin may.
func (q *ReservationQueue) Cancel(ctx context.Context, id ReservationID, requesterID UserID) (*Reservation, error) {
	if id == "" {
		return nil, validationf(ReasonMissingField, "reservation id is required")
	}
	if requesterID == "" {
		return nil, validationf(ReasonMissingField, "userId is required")
	}

	now := q.now()
	var cancelled *Reservation
	err := q.store.WithTx(ctx, func(tx Tx) error {
		res, err := tx.GetReservation(ctx, id)
		if err != nil {
			return missing(err, ReasonReservationNotFound, "reservation %s not found", id)
		}

		if res.UserID != requesterID {
			requester, err := tx.GetUser(ctx, requesterID)
			if err != nil && !errors.Is(err, ErrRecordNotFound) {
				return err
			}
			if requester == nil || !requester.IsAdmin() {
				return unauthorizedf(ReasonNotReservationOwner, "user %s may not cancel reservation %s", requesterID, id)
			}
		}

		if res.Status != ReservationActive {
			return conflictf(ReasonReservationNotActive, "reservation %s is %s", id, res.Status)
		}

		res.Status = ReservationCancelled
		res.CancelledAt = timePtr(now)
		res.Position = 0
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return err
		}

		book, err := tx.GetBook(ctx, res.BookID)
		if err != nil {
			return missing(err, ReasonBookNotFound, "book %s not found", res.BookID)
		}
		if book.ReservationCount > 0 {
			book.ReservationCount--
		}
		book.UpdatedAt = now
		if err := tx.UpdateBook(ctx, book); err != nil {
			return err
		}

		if err := q.compact(ctx, tx, res.BookID); err != nil {
			return err
		}

		ev := reservationEvent(EventReservationCancelled, res, now)
		ev.Reason = "cancelled by " + string(requesterID)
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		cancelled = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.log.Info().
		Str("reservation_id", string(id)).
		Str("requester", string(requesterID)).
		Msg("reservation cancelled")
	return cancelled, nil
}

// =============================================================================
// FULFILLMENT
// =============================================================================

// FulfillNext promotes the head of the waitlist if a copy is on the shelf.
// Returns nil when nothing was promoted.
func (q *ReservationQueue) FulfillNext(ctx context.Context, bookID BookID) (*Reservation, error) {
	if bookID == "" {
		return nil, validationf(ReasonMissingField, "bookId is required")
	}
	var fulfilled *Reservation
	err := q.store.WithTx(ctx, func(tx Tx) error {
		if _, err := tx.GetBook(ctx, bookID); err != nil {
			return missing(err, ReasonBookNotFound, "book %s not found", bookID)
		}
		r, err := q.fulfillNext(ctx, tx, bookID, q.now())
		fulfilled = r
		return err
	})
	return fulfilled, err
}

// fulfillNext runs inside the caller's transaction so the freed copy is
// earmarked in the same commit that freed it.
func (q *ReservationQueue) fulfillNext(ctx context.Context, tx Tx, bookID BookID, now time.Time) (*Reservation, error) {
	book, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return nil, missing(err, ReasonBookNotFound, "book %s not found", bookID)
	}
	if book.AvailableCopies <= 0 {
		return nil, nil
	}

	waiting, err := tx.ListReservations(ctx, ReservationFilter{BookID: bookID, Statuses: activeOnly})
	if err != nil {
		return nil, err
	}
	if len(waiting) == 0 {
		return nil, nil
	}

	head := waiting[0]
	head.Status = ReservationFulfilled
	head.FulfilledAt = timePtr(now)
	head.ExpiresAt = timePtr(now.Add(q.policy.HoldDuration))
	head.Position = 0
	if err := tx.UpdateReservation(ctx, &head); err != nil {
		return nil, err
	}

	if _, err := q.inventory.Earmark(ctx, tx, bookID); err != nil {
		return nil, err
	}
	if err := q.compact(ctx, tx, bookID); err != nil {
		return nil, err
	}

	ev := reservationEvent(EventReservationFulfilled, &head, now)
	ev.ExpiresAt = head.ExpiresAt
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	q.log.Debug().
		Str("reservation_id", string(head.ID)).
		Str("book_id", string(bookID)).
		Time("expires_at", *head.ExpiresAt).
		Msg("reservation fulfilled")
	return &head, nil
}

// openHold returns the user's fulfilled, unclaimed reservation for the book.
func (q *ReservationQueue) openHold(ctx context.Context, tx Tx, bookID BookID, userID UserID) (*Reservation, error) {
	holds, err := tx.ListReservations(ctx, ReservationFilter{
		BookID:   bookID,
		UserID:   userID,
		Statuses: []ReservationStatus{ReservationFulfilled},
	})
	if err != nil {
		return nil, err
	}
	for i := range holds {
		if holds[i].IsOpenHold() {
			return &holds[i], nil
		}
	}
	return nil, nil
}

// =============================================================================
// HOLD EXPIRY
// =============================================================================

// ExpireHold releases a lapsed hold and cascades the copy to the next reader.
// Reports whether anything changed.
func (q *ReservationQueue) ExpireHold(ctx context.Context, id ReservationID) (bool, error) {
	if id == "" {
		return false, validationf(ReasonMissingField, "reservation id is required")
	}

	now := q.now()
	expired := false
	err := q.store.WithTx(ctx, func(tx Tx) error {
		res, err := tx.GetReservation(ctx, id)
		if err != nil {
			return missing(err, ReasonReservationNotFound, "reservation %s not found", id)
		}
		if !res.IsOpenHold() {
			return nil
		}
		if res.ExpiresAt != nil && now.Before(*res.ExpiresAt) {
			return nil
		}

		res.Status = ReservationExpired
		if err := tx.UpdateReservation(ctx, res); err != nil {
			return err
		}
		if _, err := q.inventory.ReleaseEarmark(ctx, tx, res.BookID); err != nil {
			return err
		}

		ev := reservationEvent(EventReservationExpired, res, now)
		ev.ExpiresAt = res.ExpiresAt
		if err := tx.AppendEvent(ctx, ev); err != nil {
			return err
		}

		if _, err := q.fulfillNext(ctx, tx, res.BookID, now); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		q.log.Info().Str("reservation_id", string(id)).Msg("hold expired")
	}
	return expired, nil
}

// ExpireHolds expires every open hold past its deadline. Safe to call from
// a scheduler at any frequency.
func (q *ReservationQueue) ExpireHolds(ctx context.Context) (int, error) {
	now := q.now()
	due, err := q.store.ListReservations(ctx, ReservationFilter{
		Statuses:      []ReservationStatus{ReservationFulfilled},
		ExpiresBefore: &now,
	})
	if err != nil {
		return 0, err
	}

	count := 0
	var firstErr error
	for _, r := range due {
		if !r.IsOpenHold() {
			continue
		}
		ok, err := q.ExpireHold(ctx, r.ID)
		if err != nil {
			q.log.Error().Err(err).Str("reservation_id", string(r.ID)).Msg("expire hold failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			count++
		}
	}
	return count, firstErr
}

// =============================================================================
// LISTING
// =============================================================================

// ListByBook returns every reservation of the book in FIFO order with
// positions recomputed over the active ones.
func (q *ReservationQueue) ListByBook(ctx context.Context, bookID BookID) ([]Reservation, error) {
	list, err := q.store.ListReservations(ctx, ReservationFilter{BookID: bookID})
	if err != nil {
		return nil, err
	}
	pos := 0
	for i := range list {
		if list[i].Status == ReservationActive {
			pos++
			list[i].Position = pos
		} else {
			list[i].Position = 0
		}
	}
	return list, nil
}

func (q *ReservationQueue) ListByUser(ctx context.Context, userID UserID) ([]Reservation, error) {
	return q.store.ListReservations(ctx, ReservationFilter{UserID: userID})
}

func (q *ReservationQueue) Get(ctx context.Context, id ReservationID) (*Reservation, error) {
	r, err := q.store.GetReservation(ctx, id)
	if err != nil {
		return nil, missing(err, ReasonReservationNotFound, "reservation %s not found", id)
	}
	return r, nil
}

// compact renumbers the active reservations of a book to 1..N.
func (q *ReservationQueue) compact(ctx context.Context, tx Tx, bookID BookID) error {
	active, err := tx.ListReservations(ctx, ReservationFilter{BookID: bookID, Statuses: activeOnly})
	if err != nil {
		return err
	}
	for i := range active {
		if active[i].Position == i+1 {
			continue
		}
		active[i].Position = i + 1
		if err := tx.UpdateReservation(ctx, &active[i]); err != nil {
			return err
		}
	}
	return nil
}

func reservationEvent(t EventType, r *Reservation, now time.Time) *Event {
	ev := newEvent(t, now)
	ev.BookID, ev.UserID, ev.ReservationID = r.BookID, r.UserID, r.ID
	ev.BookTitle, ev.UserName, ev.UserEmail = r.BookTitle, r.UserName, r.UserEmail
	ev.Status = string(r.Status)
	return ev
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
