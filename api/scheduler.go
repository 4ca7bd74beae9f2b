/*
scheduler.go - Periodic circulation jobs

PURPOSE:
  Runs the idempotent maintenance operations on cron schedules:
    expire-holds     ReservationQueue.ExpireHolds (releases and cascades)
    send-reminders   Reminders.SendReminders (due-soon / overdue events)
    dispatch         Dispatcher.DispatchPending (outbox -> Sender)

DESIGN:
  - robfig/cron with SkipIfStillRunning, so a slow run is never overlapped
    by the next tick of the same job
  - Each run gets its own timeout context
  - An empty schedule disables that job
  - The same jobs are exposed as admin endpoints and CLI subcommands for
    deployments that prefer an external cron

USAGE:
  s, err := NewScheduler(engine, dispatcher, Schedule{...}, log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - handlers.go: admin trigger endpoints
  - cmd/server/main.go: one-shot subcommands
*/
package api

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/notify"
)

const jobTimeout = 5 * time.Minute

// Schedule holds cron specs ("@every 5m", "0 8 * * *").
type Schedule struct {
	ExpireHolds string
	Reminders   string
	Dispatch    string
}

type Scheduler struct {
	engine     *circulation.Engine
	dispatcher *notify.Dispatcher
	cron       *cron.Cron
	log        zerolog.Logger
}

func NewScheduler(engine *circulation.Engine, dispatcher *notify.Dispatcher, schedule Schedule, log zerolog.Logger) (*Scheduler, error) {
	clog := cronLogger{log: log}
	s := &Scheduler{
		engine:     engine,
		dispatcher: dispatcher,
		log:        log,
		cron: cron.New(
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
	}

	jobs := []struct {
		name string
		spec string
		run  func(context.Context) error
	}{
		{"expire-holds", schedule.ExpireHolds, s.ExpireHolds},
		{"send-reminders", schedule.Reminders, s.SendReminders},
		{"dispatch", schedule.Dispatch, s.Dispatch},
	}
	for _, job := range jobs {
		if job.spec == "" {
			continue
		}
		job := job
		if _, err := s.cron.AddFunc(job.spec, func() { s.runJob(job.name, job.run) }); err != nil {
			return nil, fmt.Errorf("invalid schedule for %s (%q): %w", job.name, job.spec, err)
		}
		log.Info().Str("job", job.name).Str("schedule", job.spec).Msg("job scheduled")
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.cron.Entries())).Msg("scheduler started")
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	start := time.Now()
	if err := run(ctx); err != nil {
		s.log.Error().Err(err).Str("job", name).Msg("job failed")
		return
	}
	s.log.Debug().Str("job", name).Dur("took", time.Since(start)).Msg("job done")
}

// =============================================================================
// JOBS - Also used by the CLI subcommands
// =============================================================================

func (s *Scheduler) ExpireHolds(ctx context.Context) error {
	n, err := s.engine.Reservations.ExpireHolds(ctx)
	if n > 0 {
		s.log.Info().Int("expired", n).Msg("holds expired")
	}
	return err
}

func (s *Scheduler) SendReminders(ctx context.Context) error {
	_, err := s.engine.Reminders.SendReminders(ctx)
	return err
}

func (s *Scheduler) Dispatch(ctx context.Context) error {
	_, err := s.dispatcher.DispatchPending(ctx)
	return err
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
