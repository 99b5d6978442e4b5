package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	// Telegram
	TelegramToken       string `env:"TELEGRAM_BOT_TOKEN,required,notEmpty"`
	TelegramAdminChatID int64  `env:"TELEGRAM_ADMIN_CHAT_ID"`                  // chat allowed to run operator commands
	TelegramStatusFeed  bool   `env:"TELEGRAM_STATUS_FEED" envDefault:"false"` // keep a live status message in the admin chat

	// Storage
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailwatch.db"`
	AccountsFile string `env:"ACCOUNTS_FILE" envDefault:"./accounts.yaml"`

	// Email
	IMAPIdleTimeout   time.Duration `env:"IMAP_IDLE_TIMEOUT" envDefault:"25m"`
	IMAPDialTimeout   time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	EmailPollInterval time.Duration `env:"EMAIL_POLL_INTERVAL" envDefault:"1m"`
	DebounceWindow    time.Duration `env:"DEBOUNCE_WINDOW" envDefault:"5s"`

	Retry    RetryConfig
	Shutdown ShutdownConfig

	// Metrics listener, e.g. ":9090". Empty disables it.
	MetricsAddr string `env:"METRICS_ADDR"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"
}

// RetryConfig dead-letter retry policy
type RetryConfig struct {
	Enabled           bool          `env:"RETRY_ENABLED" envDefault:"true"`
	MaxAttempts       int           `env:"RETRY_MAX_ATTEMPTS" envDefault:"5"`
	InitialDelay      time.Duration `env:"RETRY_INITIAL_DELAY" envDefault:"5m"`
	MaxDelay          time.Duration `env:"RETRY_MAX_DELAY" envDefault:"6h"`
	BackoffMultiplier float64       `env:"RETRY_BACKOFF_MULTIPLIER" envDefault:"2"`
	SweepInterval     time.Duration `env:"RETRY_SWEEP_INTERVAL" envDefault:"60s"`
	Retention         time.Duration `env:"DEAD_LETTER_RETENTION" envDefault:"720h"`
	CleanupInterval   time.Duration `env:"DEAD_LETTER_CLEANUP_INTERVAL" envDefault:"1h"`
}

// ShutdownConfig graceful shutdown settings
type ShutdownConfig struct {
	Timeout         time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	ForceAfter      time.Duration `env:"SHUTDOWN_FORCE_AFTER" envDefault:"25s"`
	WaitForInflight bool          `env:"SHUTDOWN_WAIT_INFLIGHT" envDefault:"true"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges that env tags cannot express
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"IMAP_IDLE_TIMEOUT":            c.IMAPIdleTimeout,
		"IMAP_DIAL_TIMEOUT":            c.IMAPDialTimeout,
		"EMAIL_POLL_INTERVAL":          c.EmailPollInterval,
		"DEBOUNCE_WINDOW":              c.DebounceWindow,
		"RETRY_INITIAL_DELAY":          c.Retry.InitialDelay,
		"RETRY_MAX_DELAY":              c.Retry.MaxDelay,
		"RETRY_SWEEP_INTERVAL":         c.Retry.SweepInterval,
		"DEAD_LETTER_RETENTION":        c.Retry.Retention,
		"DEAD_LETTER_CLEANUP_INTERVAL": c.Retry.CleanupInterval,
		"SHUTDOWN_TIMEOUT":             c.Shutdown.Timeout,
		"SHUTDOWN_FORCE_AFTER":         c.Shutdown.ForceAfter,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.Retry.MaxAttempts))
	}
	if c.Retry.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Errorf("RETRY_BACKOFF_MULTIPLIER must be at least 1, got %v", c.Retry.BackoffMultiplier))
	}
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		errs = append(errs, fmt.Errorf("RETRY_MAX_DELAY (%s) is below RETRY_INITIAL_DELAY (%s)", c.Retry.MaxDelay, c.Retry.InitialDelay))
	}

	return errors.Join(errs...)
}
