/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the circulation server, or runs one maintenance
  job and exits. Handles configuration, dependency injection, and graceful
  shutdown.

COMMANDS:
  serve            HTTP API plus the cron scheduler (default)
  expire-holds     Expire overdue holds once
  send-reminders   Queue due-soon / overdue reminders once
  dispatch         Drain the notification outbox once

STARTUP SEQUENCE (serve):
  1. Load config (.env, environment, flags)
  2. Open the store selected by DB_DRIVER
  3. Build engine, notification sender and dispatcher
  4. Configure HTTP router and scheduler
  5. Start server with graceful shutdown

FLAGS (override environment):
  --port       HTTP server port
  --db-driver  memory | sqlite | postgres
  --dsn        SQLite path (":memory:" allowed) or PostgreSQL URL

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler (waits for running jobs)
  4. Close broker and database connections

EXAMPLES:
  ./server serve --db-driver=memory
  DB_DRIVER=postgres DB_DSN=postgres://localhost/circulation ./server serve
  ./server expire-holds   # from an external cron

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
  - api/scheduler.go: Periodic jobs
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/warp/circulation-engine/api"
	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
	"github.com/warp/circulation-engine/config"
	"github.com/warp/circulation-engine/notify"
	"github.com/warp/circulation-engine/store/postgres"
	"github.com/warp/circulation-engine/store/sqlite"
)

type flags struct {
	port     int
	dbDriver string
	dsn      string
}

func main() {
	var f flags

	root := &cobra.Command{
		Use:          "server",
		Short:        "Library circulation engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().IntVar(&f.port, "port", 0, "HTTP server port")
	root.PersistentFlags().StringVar(&f.dbDriver, "db-driver", "", "memory, sqlite or postgres")
	root.PersistentFlags().StringVar(&f.dsn, "dsn", "", "SQLite path or PostgreSQL URL")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), f)
		},
	}
	root.RunE = serve.RunE

	root.AddCommand(
		serve,
		jobCommand("expire-holds", "Expire holds whose pickup window has passed", &f, (*api.Scheduler).ExpireHolds),
		jobCommand("send-reminders", "Queue due-soon and overdue reminders", &f, (*api.Scheduler).SendReminders),
		jobCommand("dispatch", "Deliver pending notifications", &f, (*api.Scheduler).Dispatch),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	engine     *circulation.Engine
	dispatcher *notify.Dispatcher
	closers    []io.Closer
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn().Err(err).Msg("close failed")
		}
	}
}

func setup(ctx context.Context, f flags) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if f.port != 0 {
		cfg.Port = f.port
	}
	if f.dbDriver != "" {
		cfg.Database.Driver = f.dbDriver
	}
	if f.dsn != "" {
		cfg.Database.DSN = f.dsn
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := newLogger(cfg)
	a := &app{cfg: cfg, log: log}

	st, err := openStore(ctx, cfg, a)
	if err != nil {
		a.Close()
		return nil, err
	}
	log.Info().Str("driver", cfg.Database.Driver).Msg("store ready")

	var sender notify.Sender = notify.NewLogSender(log.With().Str("component", "notify").Logger())
	if cfg.AMQP.URL != "" {
		amqpSender, err := notify.DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, amqpSender)
		sender = amqpSender
		log.Info().Str("exchange", cfg.AMQP.Exchange).Msg("publishing notifications to broker")
	}

	a.engine = circulation.New(st,
		circulation.WithPolicy(cfg.Policy),
		circulation.WithLogger(log.With().Str("component", "engine").Logger()),
	)
	a.dispatcher = notify.NewDispatcher(st, sender,
		notify.WithDispatchLogger(log.With().Str("component", "dispatcher").Logger()),
	)
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, a *app) (circulation.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		return store.NewTxMemory(), nil
	case "sqlite":
		s, err := sqlite.New(cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil
	case "postgres":
		s, err := postgres.New(ctx, cfg.Database.PGDriver, cfg.Database.DSN, postgres.DefaultOptions())
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		a.closers = append(a.closers, s)
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	var out io.Writer = os.Stderr
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(cfg.LogLevel).With().Timestamp().Logger()
}

// =============================================================================
// COMMANDS
// =============================================================================

func runServe(ctx context.Context, f flags) error {
	a, err := setup(ctx, f)
	if err != nil {
		return err
	}
	defer a.Close()
	log := a.log

	handler := api.NewHandler(a.engine, a.dispatcher, log.With().Str("component", "api").Logger())

	var limiter api.RateLimiter
	if rl := a.cfg.RateLimit; rl.RPS > 0 {
		limiter, err = api.NewClientLimiter(rl.RPS, rl.Burst, rl.Clients)
		if err != nil {
			return err
		}
	}
	router := api.NewRouter(handler, api.RouterOptions{
		CORSOrigins: a.cfg.CORSOrigins,
		Limiter:     limiter,
		Log:         log.With().Str("component", "http").Logger(),
	})

	if a.cfg.Scheduler.Enabled {
		sched, err := api.NewScheduler(a.engine, a.dispatcher, api.Schedule{
			ExpireHolds: a.cfg.Scheduler.ExpireHolds,
			Reminders:   a.cfg.Scheduler.Reminders,
			Dispatch:    a.cfg.Scheduler.Dispatch,
		}, log.With().Str("component", "scheduler").Logger())
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", a.cfg.Port).Str("mode", a.cfg.AppMode).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// jobCommand runs one scheduler job and exits, for external cron.
func jobCommand(use, short string, f *flags, job func(*api.Scheduler, context.Context) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := setup(cmd.Context(), *f)
			if err != nil {
				return err
			}
			defer a.Close()

			sched, err := api.NewScheduler(a.engine, a.dispatcher, api.Schedule{}, a.log)
			if err != nil {
				return err
			}
			if err := job(sched, cmd.Context()); err != nil {
				a.log.Error().Err(err).Str("job", use).Msg("job failed")
				return err
			}
			a.log.Info().Str("job", use).Msg("job done")
			return nil
		},
	}
}
