/*
Package config loads process configuration from the environment.

PURPOSE:
  One struct, parsed with caarlos0/env from the process environment after
  optional .env files are merged in with godotenv. Every key has a
  default suitable for local development.

KEYS:
  PORT                  HTTP port                        (8080)
  DB_PATH               SQLite path or ":memory:"        (kpi.db)
  ORG_TIMEZONE          IANA zone for week/month math    (UTC)
  CRON_SECRET           X-CRON-SECRET for /api/cron/*    (empty: cron disabled)
  TIER_CONFIG_PATH      JSON/YAML tier table             (empty: defaults)
  REDIS_URL             advisory lock backend            (empty: in-process)
  LOG_LEVEL             logrus level                     (info)
  CORS_ORIGINS          comma separated origins
  SCHEDULER_ENABLED     run weekly/monthly jobs in-process (false)
  SCHEDULER_INTERVAL    scheduler tick                   (1h)
  OUTBOX_POLL_INTERVAL  relay tick                       (1s)
  OUTBOX_BATCH_SIZE     intents per claim                (100)
  OUTBOX_MAX_ATTEMPTS   attempts before dead             (25)
  OUTBOX_MAX_BACKOFF    retry backoff cap                (60s)
  METRICS_PATH          Prometheus endpoint              (/metrics)
*/
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the full process configuration.
type Config struct {
	Port        int      `env:"PORT" envDefault:"8080"`
	DBPath      string   `env:"DB_PATH" envDefault:"kpi.db"`
	Timezone    string   `env:"ORG_TIMEZONE" envDefault:"UTC"`
	CronSecret  string   `env:"CRON_SECRET"`
	TierConfig  string   `env:"TIER_CONFIG_PATH"`
	RedisURL    string   `env:"REDIS_URL"`
	LogLevel    string   `env:"LOG_LEVEL" envDefault:"info"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:5173,http://localhost:8080" envSeparator:","`
	MetricsPath string   `env:"METRICS_PATH" envDefault:"/metrics"`

	Scheduler SchedulerOptions
	Outbox    OutboxOptions
}

// SchedulerOptions control the in-process job runner.
type SchedulerOptions struct {
	Enabled  bool          `env:"SCHEDULER_ENABLED" envDefault:"false"`
	Interval time.Duration `env:"SCHEDULER_INTERVAL" envDefault:"1h"`
}

// OutboxOptions control the notification relay.
type OutboxOptions struct {
	PollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"1s"`
	BatchSize    int           `env:"OUTBOX_BATCH_SIZE" envDefault:"100"`
	MaxAttempts  int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"25"`
	MaxBackoff   time.Duration `env:"OUTBOX_MAX_BACKOFF" envDefault:"60s"`
}

// LoadEnv merges the env files that exist into the process environment
// and returns how many were loaded. Variables already set win.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads .env files, parses the environment and validates the result.
func Load(envFiles ...string) (*Config, error) {
	if _, err := LoadEnv(envFiles); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the current environment only.
func Parse() (*Config, error) {
	c := &Config{}
	if err := env.Parse(c); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects values the server cannot start with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT %d out of range", c.Port)
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("ORG_TIMEZONE %q: %w", c.Timezone, err)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		return fmt.Errorf("METRICS_PATH must start with /")
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval <= 0 {
		return fmt.Errorf("SCHEDULER_INTERVAL must be positive")
	}
	if c.Outbox.PollInterval <= 0 {
		return fmt.Errorf("OUTBOX_POLL_INTERVAL must be positive")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be positive")
	}
	if c.Outbox.MaxAttempts <= 0 {
		return fmt.Errorf("OUTBOX_MAX_ATTEMPTS must be positive")
	}
	return nil
}

// Location returns the organisation time zone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Logger builds the process logger at the configured level.
func (c *Config) Logger() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		l.SetLevel(lvl)
	}
	return l
}
