/*
inventory.go - The single source of truth for copy counts

PURPOSE:
  InventoryLedger is the only code that changes TotalCopies-derived state
  of a Book: AvailableCopies, HeldCopies and Status. Every method runs
  against a Tx owned by the caller, so its effect is visible only as part
  of the caller's commit.

COPY STATES:
  available  on the shelf, anyone may borrow
  held       earmarked for the head of the waitlist after a return
  borrowed   lent out (counted by borrow records, not on the book)

TRANSITIONS:
  DecrementAvailable  available -> borrowed
  IncrementAvailable  borrowed  -> available
  Earmark             available -> held
  ReleaseEarmark      held      -> available
  ClaimEarmark        held      -> borrowed

  Each write is conditional on the book's Version.
*/
package circulation

import (
	"context"
	"time"
)

type InventoryLedger struct {
	now func() time.Time
}

func (l *InventoryLedger) adjust(ctx context.Context, tx Tx, bookID BookID, fn func(b *Book) error) (*Book, error) {
	book, err := tx.GetBook(ctx, bookID)
	if err != nil {
		return nil, missing(err, ReasonBookNotFound, "book %s not found", bookID)
	}
	if err := fn(book); err != nil {
		return nil, err
	}
	book.DeriveStatus()
	book.UpdatedAt = l.now()
	if err := tx.UpdateBook(ctx, book); err != nil {
		return nil, err
	}
	return book, nil
}

// DecrementAvailable takes one copy off the shelf.
func (l *InventoryLedger) DecrementAvailable(ctx context.Context, tx Tx, bookID BookID) (*Book, error) {
	return l.adjust(ctx, tx, bookID, func(b *Book) error {
		if b.AvailableCopies <= 0 {
			return conflictf(ReasonNoCopiesAvailable, "no copies available for book %s", b.ID)
		}
		b.AvailableCopies--
		return nil
	})
}

// IncrementAvailable puts one copy back on the shelf, never beyond
// TotalCopies minus the held ones.
func (l *InventoryLedger) IncrementAvailable(ctx context.Context, tx Tx, bookID BookID) (*Book, error) {
	return l.adjust(ctx, tx, bookID, func(b *Book) error {
		if b.AvailableCopies+b.HeldCopies < b.TotalCopies {
			b.AvailableCopies++
		}
		return nil
	})
}

// Earmark moves one available copy into the held pool.
func (l *InventoryLedger) Earmark(ctx context.Context, tx Tx, bookID BookID) (*Book, error) {
	return l.adjust(ctx, tx, bookID, func(b *Book) error {
		if b.AvailableCopies <= 0 {
			return conflictf(ReasonNoCopiesAvailable, "no copies available to hold for book %s", b.ID)
		}
		b.AvailableCopies--
		b.HeldCopies++
		return nil
	})
}

// ReleaseEarmark returns one held copy to the shelf.
func (l *InventoryLedger) ReleaseEarmark(ctx context.Context, tx Tx, bookID BookID) (*Book, error) {
	return l.adjust(ctx, tx, bookID, func(b *Book) error {
		if b.HeldCopies <= 0 {
			return conflictf(ReasonNoHeldCopies, "no held copies for book %s", b.ID)
		}
		b.HeldCopies--
		b.AvailableCopies++
		return nil
	})
}

// ClaimEarmark hands one held copy to its holder as a borrow.
func (l *InventoryLedger) ClaimEarmark(ctx context.Context, tx Tx, bookID BookID) (*Book, error) {
	return l.adjust(ctx, tx, bookID, func(b *Book) error {
		if b.HeldCopies <= 0 {
			return conflictf(ReasonNoHeldCopies, "no held copies for book %s", b.ID)
		}
		b.HeldCopies--
		return nil
	})
}
