/*
Package config loads server configuration.

SOURCES (later wins):
  1. Built-in defaults
  2. .env file in the working directory, if present (godotenv)
  3. Process environment
  4. Command-line flags (-port, -db, -driver)

ENVIRONMENT:
  PORT                    HTTP port (8080)
  DB_DRIVER               sqlite | postgres (sqlite)
  DB_PATH                 SQLite path, ":memory:" allowed (celengan.db)
  DATABASE_URL            Postgres DSN, required when DB_DRIVER=postgres
  LOCK_TIMEOUT            Max wait for a target row lock (5s)
  LOG_LEVEL               debug | info | warn | error (info)
  LOG_FORMAT              console | json (console)
  CORS_ORIGINS            Comma separated allowed origins (*)
  PAYMENT_POLL_SCHEDULE   cron spec for the pending-payment sweep (@every 1m)
  PAYMENT_ATTEMPT_TTL     Age after which a pending payment expires (30m)
  QRIS_CREATE_URL, QRIS_API_KEY, QRIS_MERCHANT_QR,
  QRIS_STATUS_URL, QRIS_STATUS_API_KEY, QRIS_MEMBER_ID
                          Gateway settings; QRIS endpoints answer 503
                          until all are set.
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/celengan/savings-ledger/payment/qris"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	Port        int
	Driver      string
	DBPath      string
	DatabaseURL string
	LockTimeout time.Duration

	LogLevel  string
	LogFormat string

	CORSOrigins []string

	PollSchedule string
	AttemptTTL   time.Duration

	QRIS qris.Config
}

// Load reads .env (if any), the environment and then args.
func Load(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv, args)
}

// FromEnv builds a Config from a lookup function and flag arguments.
func FromEnv(getenv func(string) string, args []string) (Config, error) {
	env := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	var errs []error
	duration := func(key, def string) time.Duration {
		raw := env(key, def)
		d, err := time.ParseDuration(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: invalid duration %q", key, raw))
		}
		return d
	}

	port, err := strconv.Atoi(env("PORT", "8080"))
	if err != nil {
		errs = append(errs, fmt.Errorf("PORT: %w", err))
	}

	cfg := Config{
		Port:         port,
		Driver:       strings.ToLower(env("DB_DRIVER", DriverSQLite)),
		DBPath:       env("DB_PATH", "celengan.db"),
		DatabaseURL:  env("DATABASE_URL", ""),
		LockTimeout:  duration("LOCK_TIMEOUT", "5s"),
		LogLevel:     env("LOG_LEVEL", "info"),
		LogFormat:    env("LOG_FORMAT", "console"),
		CORSOrigins:  splitList(env("CORS_ORIGINS", "*")),
		PollSchedule: env("PAYMENT_POLL_SCHEDULE", "@every 1m"),
		AttemptTTL:   duration("PAYMENT_ATTEMPT_TTL", "30m"),
		QRIS: qris.Config{
			CreateURL:    env("QRIS_CREATE_URL", ""),
			APIKey:       env("QRIS_API_KEY", ""),
			MerchantQR:   env("QRIS_MERCHANT_QR", ""),
			StatusURL:    env("QRIS_STATUS_URL", ""),
			StatusAPIKey: env("QRIS_STATUS_API_KEY", ""),
			MemberID:     env("QRIS_MEMBER_ID", ""),
		},
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.IntVar(&cfg.Port, "port", cfg.Port, "HTTP server port")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path (\":memory:\" for in-memory)")
	fs.StringVar(&cfg.Driver, "driver", cfg.Driver, "storage driver: sqlite or postgres")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch c.Driver {
	case DriverSQLite:
		if c.DBPath == "" {
			errs = append(errs, errors.New("DB_PATH is required for sqlite"))
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DB_DRIVER %q", c.Driver))
	}
	if c.LockTimeout <= 0 {
		errs = append(errs, errors.New("LOCK_TIMEOUT must be positive"))
	}
	if c.AttemptTTL <= 0 {
		errs = append(errs, errors.New("PAYMENT_ATTEMPT_TTL must be positive"))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
