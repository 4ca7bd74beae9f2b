package circulation

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// =============================================================================
// ENGINE - Wires the components around one Store
// =============================================================================

// Engine is the entry point used by the HTTP layer, the scheduler and the CLI.
type Engine struct {
	Store  Store
	Policy Policy

	Inventory    *InventoryLedger
	Manager      *Manager
	Reservations *ReservationQueue
	Renewals     *RenewalWorkflow
	Reminders    *Reminders
}

type Option func(*deps)

// WithPolicy replaces DefaultPolicy().
func WithPolicy(p Policy) Option { return func(d *deps) { d.policy = p } }

func WithLogger(l zerolog.Logger) Option { return func(d *deps) { d.log = l } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(d *deps) { d.clock = now } }

// deps is shared by every component.
type deps struct {
	store  Store
	policy Policy
	log    zerolog.Logger
	clock  func() time.Time
}

func (d *deps) now() time.Time { return d.clock().UTC() }

// New builds an engine over store.
func New(store Store, opts ...Option) *Engine {
	d := &deps{
		store:  store,
		policy: DefaultPolicy(),
		log:    zerolog.Nop(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}

	inventory := &InventoryLedger{now: d.now}
	queue := &ReservationQueue{deps: d, inventory: inventory}

	return &Engine{
		Store:        store,
		Policy:       d.policy,
		Inventory:    inventory,
		Manager:      &Manager{deps: d, inventory: inventory, queue: queue},
		Reservations: queue,
		Renewals:     &RenewalWorkflow{deps: d},
		Reminders:    &Reminders{deps: d},
	}
}

// Seed inserts books and users in one transaction. Books start with every
// copy on the shelf. Used by the scenario loader and tests.
func (e *Engine) Seed(ctx context.Context, books []Book, users []User) error {
	now := e.Manager.now()
	return e.Store.WithTx(ctx, func(tx Tx) error {
		for i := range books {
			b := books[i]
			if b.ID == "" || b.TotalCopies < 0 {
				return validationf(ReasonMissingField, "book needs an id and a non-negative copy count")
			}
			b.AvailableCopies = b.TotalCopies
			b.HeldCopies = 0
			b.DeriveStatus()
			b.CreatedAt, b.UpdatedAt = now, now
			if err := tx.InsertBook(ctx, &b); err != nil {
				return err
			}
		}
		for i := range users {
			u := users[i]
			if u.ID == "" {
				return validationf(ReasonMissingField, "user needs an id")
			}
			if u.Role == "" {
				u.Role = RoleMember
			}
			u.BooksOut = 0
			u.BorrowedBooks = nil
			u.CreatedAt, u.UpdatedAt = now, now
			if err := tx.InsertUser(ctx, &u); err != nil {
				return err
			}
		}
		return nil
	})
}
