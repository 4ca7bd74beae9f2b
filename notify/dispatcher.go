package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/warp/circulation-engine/circulation"
)

const (
	defaultBatchSize = 100
	defaultLeaseTTL  = 5 * time.Minute
)

// ErrLeaseLost means another dispatcher took over the outbox mid-run.
var ErrLeaseLost = errors.New("outbox lease lost")

// Dispatcher drains the outbox in Seq order. Runs are serialized within the
// process by mu and across processes by the store's dispatch lease.
type Dispatcher struct {
	outbox circulation.Outbox
	sender Sender
	log    zerolog.Logger
	clock  func() time.Time
	batch  int

	mu       sync.Mutex
	holder   string
	leaseTTL time.Duration
}

type DispatcherOption func(*Dispatcher)

func WithDispatchLogger(l zerolog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.log = l }
}

func WithDispatchClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) { d.clock = now }
}

func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) { d.batch = n }
}

// WithLeaseTTL bounds how long a crashed dispatcher blocks the others.
func WithLeaseTTL(ttl time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.leaseTTL = ttl }
}

func NewDispatcher(outbox circulation.Outbox, sender Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		outbox: outbox,
		sender: sender,
		log:    zerolog.Nop(),
		clock:  time.Now,
		batch:  defaultBatchSize,

		holder:   uuid.NewString(),
		leaseTTL: defaultLeaseTTL,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// DispatchPending delivers pending events until the outbox is empty or a
// send fails. It stops at the first failure so later events are never
// delivered ahead of an earlier one; the failed event stays pending for the
// next run. Returns the number of events marked dispatched.
//
// When another dispatcher holds the lease the call delivers nothing and
// returns (0, nil).
func (d *Dispatcher) DispatchPending(ctx context.Context) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	held, err := d.renewLease(ctx)
	if err != nil {
		return 0, err
	}
	if !held {
		d.log.Debug().Msg("outbox lease held by another dispatcher")
		return 0, nil
	}
	defer func() {
		if err := d.outbox.ReleaseDispatchLease(context.WithoutCancel(ctx), d.holder); err != nil {
			d.log.Warn().Err(err).Msg("failed to release outbox lease")
		}
	}()

	dispatched := 0
	for {
		if dispatched > 0 {
			// Extend the lease once per batch.
			held, err := d.renewLease(ctx)
			if err != nil {
				return dispatched, err
			}
			if !held {
				return dispatched, ErrLeaseLost
			}
		}

		events, err := d.outbox.PendingEvents(ctx, d.batch)
		if err != nil {
			return dispatched, fmt.Errorf("failed to read outbox: %w", err)
		}
		if len(events) == 0 {
			break
		}

		for _, e := range events {
			if err := ctx.Err(); err != nil {
				return dispatched, err
			}
			now := d.clock().UTC()
			if intent, ok := Compose(e, now); ok {
				if err := d.sender.Send(ctx, intent); err != nil {
					d.log.Warn().Err(err).Int64("seq", e.Seq).Str("type", string(e.Type)).Msg("delivery failed")
					return dispatched, fmt.Errorf("event %d: %w", e.Seq, err)
				}
			}
			if err := d.outbox.MarkDispatched(ctx, e.Seq, now); err != nil {
				return dispatched, fmt.Errorf("failed to mark event %d dispatched: %w", e.Seq, err)
			}
			dispatched++
		}

		if d.batch <= 0 || len(events) < d.batch {
			break
		}
	}

	if dispatched > 0 {
		d.log.Info().Int("dispatched", dispatched).Msg("outbox drained")
	}
	return dispatched, nil
}

func (d *Dispatcher) renewLease(ctx context.Context) (bool, error) {
	now := d.clock().UTC()
	held, err := d.outbox.AcquireDispatchLease(ctx, d.holder, now, now.Add(d.leaseTTL))
	if err != nil {
		return false, fmt.Errorf("failed to acquire outbox lease: %w", err)
	}
	return held, nil
}
