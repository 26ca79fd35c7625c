// Package config loads application configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DBConfig selects the transactional store. An empty URL runs the service
// on the in-memory stores (development mode).
type DBConfig struct {
	Url string `envconfig:"URL"`
	// ForceSaga runs the saga commit path even when the store supports
	// native transactions. Useful for exercising recovery against postgres.
	ForceSaga bool `envconfig:"FORCE_SAGA" default:"false"`
}

// RateLimitConfig bounds requests per client IP. MaxRequests <= 0 disables
// the limiter.
type RateLimitConfig struct {
	MaxRequests int           `envconfig:"MAX_REQUESTS" default:"100"`
	Window      time.Duration `envconfig:"WINDOW" default:"1m"`
}

// CoordinatorConfig tunes the transaction coordinator.
type CoordinatorConfig struct {
	AmountLimit       int64         `envconfig:"AMOUNT_LIMIT" default:"0"`
	MaxCommitAttempts uint64        `envconfig:"MAX_COMMIT_ATTEMPTS" default:"4"`
	InitialBackoff    time.Duration `envconfig:"INITIAL_BACKOFF" default:"50ms"`
	MaxBackoff        time.Duration `envconfig:"MAX_BACKOFF" default:"2s"`
	CallTimeout       time.Duration `envconfig:"CALL_TIMEOUT" default:"5s"`
	ClaimPollAttempts int           `envconfig:"CLAIM_POLL_ATTEMPTS" default:"5"`
	ClaimPollInterval time.Duration `envconfig:"CLAIM_POLL_INTERVAL" default:"100ms"`
	IntentStaleAfter  time.Duration `envconfig:"INTENT_STALE_AFTER" default:"30s"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"15s"`
}

// IdempotencyConfig tunes the idempotency guard.
type IdempotencyConfig struct {
	Retention     time.Duration `envconfig:"RETENTION" default:"24h"`
	PruneInterval time.Duration `envconfig:"PRUNE_INTERVAL" default:"1h"`
}

// NotificationConfig tunes notification delivery.
type NotificationConfig struct {
	MaxAttempts    uint64        `envconfig:"MAX_ATTEMPTS" default:"3"`
	InitialBackoff time.Duration `envconfig:"INITIAL_BACKOFF" default:"200ms"`
	MaxBackoff     time.Duration `envconfig:"MAX_BACKOFF" default:"5s"`
}

// App is the full application configuration.
type App struct {
	Env          string             `envconfig:"APP_ENV" default:"development"`
	Host         string             `envconfig:"APP_HOST" default:"localhost"`
	Port         int                `envconfig:"APP_PORT" default:"3000"`
	DB           DBConfig           `envconfig:"DATABASE"`
	RateLimit    RateLimitConfig    `envconfig:"RATE_LIMIT"`
	Coordinator  CoordinatorConfig  `envconfig:"COORDINATOR"`
	Idempotency  IdempotencyConfig  `envconfig:"IDEMPOTENCY"`
	Notification NotificationConfig `envconfig:"NOTIFICATION"`
}

// Addr returns the host:port listen address.
func (a *App) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Load reads the optional .env file and then the environment.
func Load(logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := godotenv.Load(); err != nil {
		logger.Warn("No .env file found, using system environment variables")
	} else {
		logger.Info("Environment variables loaded from .env file")
	}
	var cfg App
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}
	return &cfg, nil
}
