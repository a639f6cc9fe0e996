package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Addr     string `env:"API_ADDR" envDefault:":8686"`
	RedisURL string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	// DatabaseURL switches the path store to the Postgres backend when set.
	DatabaseURL  string        `env:"DATABASE_URL"`
	JWTSecret    string        `env:"TIDEPOOL_JWT_SECRET" envDefault:"tidepool-dev-secret"`
	SessionTTL   time.Duration `env:"TIDEPOOL_SESSION_TTL" envDefault:"15m"`
	CORSOrigin   string        `env:"TIDEPOOL_CORS_ORIGIN" envDefault:"*"`
	PollInterval time.Duration `env:"TIDEPOOL_POLL_INTERVAL" envDefault:"250ms"`
	// UserCountSyncInterval drives the periodic reconciliation of the
	// registered-user metric against the users subtree.
	UserCountSyncInterval time.Duration `env:"TIDEPOOL_USER_COUNT_SYNC_INTERVAL" envDefault:"5m"`
}

func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}
