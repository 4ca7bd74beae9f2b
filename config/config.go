/*
config.go - Startup configuration

PURPOSE:
  Collects every knob of the server in one struct. Values come from, in
  order of precedence: process environment, a .env file, built-in defaults.
  Command-line flags in cmd/server override the result.

KEYS:
  APP_MODE               dev | prod                       (dev)
  PORT                   HTTP port                        (8080)
  LOG_LEVEL              zerolog level                    (info; debug in dev)
  DB_DRIVER              memory | sqlite | postgres       (sqlite)
  DB_DSN                 file path or postgres URL        (circulation.db)
  PG_DRIVER              postgres (lib/pq) | pgx          (pgx)
  LATE_FEE_PER_DAY       decimal                          (1.00)
  HOLD_DURATION          Go duration                      (48h)
  RENEWAL_MIN_DAYS       int                              (1)
  RENEWAL_MAX_DAYS       int                              (30)
  RENEWAL_DEFAULT_DAYS   int                              (14)
  DUE_SOON_WINDOW        Go duration                      (48h)
  RATE_LIMIT_RPS         requests per second per client   (10)
  RATE_LIMIT_BURST       bucket size                      (20)
  RATE_LIMIT_CLIENTS     tracked clients (LRU)            (10000)
  AMQP_URL               broker URL; empty logs intents   ("")
  AMQP_EXCHANGE          topic exchange                   (circulation.events)
  SCHEDULER_ENABLED      bool                             (true)
  EXPIRE_HOLDS_SCHEDULE  cron spec                        (@every 5m)
  REMINDERS_SCHEDULE     cron spec                        (0 8 * * *)
  DISPATCH_SCHEDULE      cron spec                        (@every 30s)
  CORS_ORIGINS           comma separated                  (* in dev)

  Malformed values are errors, never silently replaced by defaults.

SEE ALSO:
  - cmd/server/main.go: flag overrides and wiring
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/circulation-engine/circulation"
)

type Config struct {
	AppMode  string
	Port     int
	LogLevel zerolog.Level

	Database  DatabaseConfig
	Policy    circulation.Policy
	RateLimit RateLimitConfig
	AMQP      AMQPConfig
	Scheduler SchedulerConfig

	CORSOrigins []string
}

type DatabaseConfig struct {
	Driver string
	DSN    string

	// PGDriver selects the database/sql driver for Driver "postgres".
	PGDriver string
}

type RateLimitConfig struct {
	RPS     float64
	Burst   int
	Clients int
}

type AMQPConfig struct {
	URL      string
	Exchange string
}

type SchedulerConfig struct {
	Enabled     bool
	ExpireHolds string
	Reminders   string
	Dispatch    string
}

// Load reads the given .env files (".env" when none are named; a missing
// file is not an error) and the process environment.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	fileEnv := map[string]string{}
	for _, f := range files {
		values, err := godotenv.Read(f)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		for k, v := range values {
			fileEnv[k] = v
		}
	}

	return parse(func(key string) string {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
		return strings.TrimSpace(fileEnv[key])
	})
}

// parse builds a Config from a key lookup. Empty means unset.
func parse(lookup func(string) string) (*Config, error) {
	p := parser{lookup: lookup}

	cfg := &Config{
		AppMode: p.str("APP_MODE", "dev"),
		Port:    p.int("PORT", 8080),
		Database: DatabaseConfig{
			Driver:   p.str("DB_DRIVER", "sqlite"),
			DSN:      p.str("DB_DSN", "circulation.db"),
			PGDriver: p.str("PG_DRIVER", "pgx"),
		},
		Policy: circulation.Policy{
			LateFeePerDay:      p.decimal("LATE_FEE_PER_DAY", "1.00"),
			HoldDuration:       p.duration("HOLD_DURATION", 48*time.Hour),
			MinRenewalDays:     p.int("RENEWAL_MIN_DAYS", 1),
			MaxRenewalDays:     p.int("RENEWAL_MAX_DAYS", 30),
			DefaultRenewalDays: p.int("RENEWAL_DEFAULT_DAYS", 14),
			DueSoonWindow:      p.duration("DUE_SOON_WINDOW", 48*time.Hour),
		},
		RateLimit: RateLimitConfig{
			RPS:     p.float("RATE_LIMIT_RPS", 10),
			Burst:   p.int("RATE_LIMIT_BURST", 20),
			Clients: p.int("RATE_LIMIT_CLIENTS", 10000),
		},
		AMQP: AMQPConfig{
			URL:      p.str("AMQP_URL", ""),
			Exchange: p.str("AMQP_EXCHANGE", "circulation.events"),
		},
		Scheduler: SchedulerConfig{
			Enabled:     p.bool("SCHEDULER_ENABLED", true),
			ExpireHolds: p.str("EXPIRE_HOLDS_SCHEDULE", "@every 5m"),
			Reminders:   p.str("REMINDERS_SCHEDULE", "0 8 * * *"),
			Dispatch:    p.str("DISPATCH_SCHEDULE", "@every 30s"),
		},
	}

	defaultLevel := "info"
	if cfg.IsDev() {
		defaultLevel = "debug"
	}
	level, err := zerolog.ParseLevel(p.str("LOG_LEVEL", defaultLevel))
	if err != nil {
		p.fail("LOG_LEVEL", err)
	}
	cfg.LogLevel = level

	defaultOrigins := ""
	if cfg.IsDev() {
		defaultOrigins = "*"
	}
	for _, origin := range strings.Split(p.str("CORS_ORIGINS", defaultOrigins), ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
		}
	}

	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.AppMode != "dev" && c.AppMode != "prod" {
		return fmt.Errorf("invalid APP_MODE: '%s' (must be 'dev' or 'prod')", c.AppMode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	switch c.Database.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("invalid DB_DRIVER: '%s' (must be memory, sqlite or postgres)", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" {
		if c.Database.PGDriver != "postgres" && c.Database.PGDriver != "pgx" {
			return fmt.Errorf("invalid PG_DRIVER: '%s' (must be postgres or pgx)", c.Database.PGDriver)
		}
		if c.Database.DSN == "" {
			return errors.New("DB_DSN is required for postgres")
		}
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst <= 0 || c.RateLimit.Clients <= 0 {
		return fmt.Errorf("rate limit values must be positive")
	}
	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("invalid policy: %w", err)
	}
	return nil
}

func (c *Config) IsDev() bool { return c.AppMode == "dev" }

func (c *Config) IsProd() bool { return c.AppMode == "prod" }

// =============================================================================
// PARSER - Remembers the first malformed key
// =============================================================================

type parser struct {
	lookup func(string) string
	err    error
}

func (p *parser) fail(key string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
}

func (p *parser) str(key, def string) string {
	if v := p.lookup(key); v != "" {
		return v
	}
	return def
}

func (p *parser) int(key string, def int) int {
	v := p.lookup(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := p.lookup(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return f
}

func (p *parser) bool(key string, def bool) bool {
	v := p.lookup(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return b
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := p.lookup(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, err)
		return def
	}
	return d
}

func (p *parser) decimal(key, def string) decimal.Decimal {
	v := p.lookup(key)
	if v == "" {
		v = def
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		p.fail(key, err)
		return decimal.RequireFromString(def)
	}
	return d
}
