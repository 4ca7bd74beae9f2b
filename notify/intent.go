/*
Package notify turns outbox events into notification intents and hands them
to a Sender.

PURPOSE:
  The engine never talks to members directly. Operations append typed
  events to the outbox; the Dispatcher reads them in sequence order,
  composes an Intent per event that warrants one, and delivers it.

INTENTS:
  borrow.due_soon          due_soon           "Dune is due in 2 days"
  borrow.overdue           overdue            includes the fee accrued so far
  copy.returned            return_receipt     includes the fee if late
  reservation.created      waitlist_joined    "you are 2nd in line"
  reservation.fulfilled    reservation_ready  includes the pickup deadline
  reservation.expired      hold_expired
  renewal.requested        renewal_requested  "awaiting review"
  renewal.decided          renewal_decision   approved (new due date) or rejected (reason)

  book.borrowed and reservation.cancelled produce no intent and are simply
  marked dispatched.

SEE ALSO:
  - circulation/events.go: event types and payload fields
  - notify/dispatcher.go: outbox consumer
*/
package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"
	"github.com/warp/circulation-engine/circulation"
)

type Kind string

const (
	KindDueSoon          Kind = "due_soon"
	KindOverdue          Kind = "overdue"
	KindReturnReceipt    Kind = "return_receipt"
	KindWaitlistJoined   Kind = "waitlist_joined"
	KindReservationReady Kind = "reservation_ready"
	KindHoldExpired      Kind = "hold_expired"
	KindRenewalRequested Kind = "renewal_requested"
	KindRenewalDecision  Kind = "renewal_decision"
)

// Intent is one message addressed to one member.
type Intent struct {
	Kind      Kind                  `json:"kind"`
	EventSeq  int64                 `json:"eventSeq"`
	EventID   string                `json:"eventId"`
	EventType circulation.EventType `json:"eventType"`

	UserID    circulation.UserID `json:"userId"`
	UserName  string             `json:"userName,omitempty"`
	UserEmail string             `json:"userEmail,omitempty"`
	BookID    circulation.BookID `json:"bookId,omitempty"`

	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Compose builds the intent for e, relative to now. ok is false for events
// that notify nobody.
func Compose(e circulation.Event, now time.Time) (intent Intent, ok bool) {
	intent = Intent{
		EventSeq:  e.Seq,
		EventID:   e.ID,
		EventType: e.Type,
		UserID:    e.UserID,
		UserName:  e.UserName,
		UserEmail: e.UserEmail,
		BookID:    e.BookID,
	}
	title := bookTitle(e)

	switch e.Type {
	case circulation.EventDueSoon:
		intent.Kind = KindDueSoon
		intent.Subject = fmt.Sprintf("%s is due soon", title)
		intent.Body = fmt.Sprintf("%s is due %s (%s).", title, relative(e.DueDate, now), date(e.DueDate))

	case circulation.EventOverdue:
		intent.Kind = KindOverdue
		intent.Subject = fmt.Sprintf("%s is overdue", title)
		intent.Body = fmt.Sprintf("%s was due %s. %s late so far, %s in fees.",
			title, relative(e.DueDate, now), days(e.DaysLate), money(e.Fee))

	case circulation.EventCopyReturned:
		intent.Kind = KindReturnReceipt
		intent.Subject = fmt.Sprintf("Return received: %s", title)
		if e.DaysLate > 0 {
			intent.Body = fmt.Sprintf("Thanks for returning %s. It was %s late; a fee of %s was added to your account.",
				title, days(e.DaysLate), money(e.Fee))
		} else {
			intent.Body = fmt.Sprintf("Thanks for returning %s on time.", title)
		}

	case circulation.EventReservationCreated:
		intent.Kind = KindWaitlistJoined
		intent.Subject = fmt.Sprintf("You are on the waitlist for %s", title)
		intent.Body = fmt.Sprintf("You are %s in line for %s.", humanize.Ordinal(e.Position), title)

	case circulation.EventReservationFulfilled:
		intent.Kind = KindReservationReady
		intent.Subject = fmt.Sprintf("%s is ready for pickup", title)
		intent.Body = fmt.Sprintf("A copy of %s is being held for you. Pick it up %s (%s).",
			title, deadline(e.ExpiresAt, now), date(e.ExpiresAt))

	case circulation.EventReservationExpired:
		intent.Kind = KindHoldExpired
		intent.Subject = fmt.Sprintf("Your hold on %s expired", title)
		intent.Body = fmt.Sprintf("The copy of %s held for you was not picked up in time and has been released.", title)

	case circulation.EventRenewalRequested:
		intent.Kind = KindRenewalRequested
		intent.Subject = fmt.Sprintf("Renewal requested: %s", title)
		intent.Body = fmt.Sprintf("Renewal requested for %s; awaiting review. You asked for %s more; it is currently due %s.",
			title, days(e.Days), date(e.DueDate))

	case circulation.EventRenewalDecided:
		intent.Kind = KindRenewalDecision
		if e.Status == string(circulation.RenewalApproved) {
			intent.Subject = fmt.Sprintf("Renewal approved: %s", title)
			intent.Body = fmt.Sprintf("%s is now due %s.", title, date(e.DueDate))
		} else {
			intent.Subject = fmt.Sprintf("Renewal rejected: %s", title)
			intent.Body = fmt.Sprintf("Your renewal of %s was rejected: %s.", title, e.Reason)
		}

	default:
		return Intent{}, false
	}
	return intent, true
}

func bookTitle(e circulation.Event) string {
	if e.BookTitle != "" {
		return e.BookTitle
	}
	return "book " + string(e.BookID)
}

func relative(t *time.Time, now time.Time) string {
	if t == nil {
		return "at an unknown date"
	}
	return humanize.RelTime(*t, now, "ago", "from now")
}

// deadline phrases a future cutoff: "within 2 days".
func deadline(t *time.Time, now time.Time) string {
	if t == nil {
		return "soon"
	}
	return "within " + strings.TrimSpace(humanize.RelTime(now, *t, "", ""))
}

func date(t *time.Time) string {
	if t == nil {
		return "unknown"
	}
	return t.UTC().Format("Mon Jan 2, 2006")
}

func days(n int) string {
	if n == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", n)
}

func money(d decimal.Decimal) string {
	return "$" + humanize.FormatFloat("#,###.##", d.Round(2).InexactFloat64())
}
