// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
)

// Config holds every setting the server reads at startup.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	DatabaseURL string        `envconfig:"DATABASE_URL"`
	RedisURL    string        `envconfig:"REDIS_URL"`
	CacheTTL    time.Duration `envconfig:"CACHE_TTL" default:"30s"`

	InitialCapital decimal.Decimal `envconfig:"INITIAL_CAPITAL" default:"1000000"`
	HistoryLimit   int             `envconfig:"HISTORY_LIMIT" default:"100"`

	FeedURL         string        `envconfig:"FEED_URL"`
	FeedTickers     []string      `envconfig:"FEED_TICKERS"`
	FeedBaseDelay   time.Duration `envconfig:"FEED_BASE_DELAY" default:"1s"`
	FeedMaxDelay    time.Duration `envconfig:"FEED_MAX_DELAY" default:"10s"`
	FeedMaxAttempts int           `envconfig:"FEED_MAX_ATTEMPTS" default:"5"`

	BackendURL     string        `envconfig:"BACKEND_URL"`
	BackendAPIKey  string        `envconfig:"BACKEND_API_KEY"`
	BackendTimeout time.Duration `envconfig:"BACKEND_TIMEOUT" default:"30s"`

	MaxSharesPerTicker int64           `envconfig:"MAX_SHARES_PER_TICKER" default:"0"`
	MaxInvested        decimal.Decimal `envconfig:"MAX_INVESTED" default:"0"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.InitialCapital.IsNegative() {
		errs = append(errs, fmt.Errorf("INITIAL_CAPITAL must not be negative, got %s", c.InitialCapital))
	}
	if c.HistoryLimit < 1 {
		errs = append(errs, fmt.Errorf("HISTORY_LIMIT must be at least 1, got %d", c.HistoryLimit))
	}
	if c.FeedBaseDelay <= 0 || c.FeedMaxDelay < c.FeedBaseDelay {
		errs = append(errs, fmt.Errorf("FEED_BASE_DELAY (%s) must be positive and not exceed FEED_MAX_DELAY (%s)", c.FeedBaseDelay, c.FeedMaxDelay))
	}
	if c.FeedMaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("FEED_MAX_ATTEMPTS must be at least 1, got %d", c.FeedMaxAttempts))
	}
	if c.FeedURL != "" && !strings.HasPrefix(c.FeedURL, "ws://") && !strings.HasPrefix(c.FeedURL, "wss://") {
		errs = append(errs, fmt.Errorf("FEED_URL must be a ws:// or wss:// URL, got %q", c.FeedURL))
	}
	if c.RedisURL != "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("REDIS_URL requires DATABASE_URL"))
	}
	if c.MaxSharesPerTicker < 0 || c.MaxInvested.IsNegative() {
		errs = append(errs, errors.New("position limits must not be negative"))
	}
	return errors.Join(errs...)
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
