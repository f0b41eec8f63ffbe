// Package config loads escrowd configuration from the environment.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
	StoreRedis    = "redis"
)

// Config is the process configuration of escrowd.
type Config struct {
	ServiceName string `env:"ESCROW_SERVICE_NAME" envDefault:"escrowd"`
	LogLevel    string `env:"ESCROW_LOG_LEVEL"    envDefault:"info"`

	// Store selects the transaction store backend.
	Store       string `env:"ESCROW_STORE"        envDefault:"memory"`
	SQLitePath  string `env:"ESCROW_SQLITE_PATH"  envDefault:"escrow.db"`
	PostgresDSN string `env:"ESCROW_POSTGRES_DSN"`
	MongoURI    string `env:"ESCROW_MONGO_URI"`
	MongoDB     string `env:"ESCROW_MONGO_DATABASE" envDefault:"escrow"`

	// RedisAddr enables the Redis queue, locker and publisher. Empty keeps
	// everything in process.
	RedisAddr     string `env:"ESCROW_REDIS_ADDR"`
	RedisPassword string `env:"ESCROW_REDIS_PASSWORD"`
	RedisDB       int    `env:"ESCROW_REDIS_DB"       envDefault:"0"`
	RedisPrefix   string `env:"ESCROW_REDIS_PREFIX"   envDefault:"escrow:"`
	QueueStream   string `env:"ESCROW_QUEUE_STREAM"   envDefault:"escrow:jobs"`
	QueueGroup    string `env:"ESCROW_QUEUE_GROUP"    envDefault:"escrowd"`

	Workers          int           `env:"ESCROW_WORKERS"           envDefault:"4"`
	ConsumerName     string        `env:"ESCROW_CONSUMER_NAME"`
	DispatchRate     float64       `env:"ESCROW_DISPATCH_RATE"     envDefault:"0"`
	DispatchBurst    int           `env:"ESCROW_DISPATCH_BURST"    envDefault:"50"`
	MaxDeliveries    int           `env:"ESCROW_MAX_DELIVERIES"    envDefault:"10"`
	MaxRetries       int           `env:"ESCROW_MAX_RETRIES"       envDefault:"3"`
	TransactionTTL   time.Duration `env:"ESCROW_TRANSACTION_TTL"   envDefault:"0s"`
	StepTimeout      time.Duration `env:"ESCROW_STEP_TIMEOUT"      envDefault:"30s"`
	LeaseTTL         time.Duration `env:"ESCROW_LEASE_TTL"         envDefault:"5m"`
	LeaseWait        time.Duration `env:"ESCROW_LEASE_WAIT"        envDefault:"2s"`
	SweepSchedule    string        `env:"ESCROW_SWEEP_SCHEDULE"    envDefault:"@every 30s"`
	SweepStaleAfter  time.Duration `env:"ESCROW_SWEEP_STALE_AFTER" envDefault:"5m"`
	Retention        time.Duration `env:"ESCROW_RETENTION"         envDefault:"0s"`
	ShutdownTimeout  time.Duration `env:"ESCROW_SHUTDOWN_TIMEOUT"  envDefault:"15s"`
	Assets           []string      `env:"ESCROW_ASSETS"            envSeparator:","`
	ChainNetwork     string        `env:"ESCROW_CHAIN_NETWORK"     envDefault:"testnet"`
	OTelEndpoint     string        `env:"ESCROW_OTEL_ENDPOINT"`
	MetricsNamespace string        `env:"ESCROW_METRICS_NAMESPACE" envDefault:"escrowd"`
}

// Load parses the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected backends are fully configured.
func (c Config) Validate() error {
	switch strings.ToLower(c.Store) {
	case StoreMemory, StoreSQLite:
	case StorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("ESCROW_POSTGRES_DSN is required for the postgres store")
		}
	case StoreMongo:
		if c.MongoURI == "" {
			return fmt.Errorf("ESCROW_MONGO_URI is required for the mongo store")
		}
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("ESCROW_REDIS_ADDR is required for the redis store")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("ESCROW_WORKERS must be positive, got %d", c.Workers)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("ESCROW_MAX_RETRIES must not be negative, got %d", c.MaxRetries)
	}
	if c.StepTimeout > 0 && c.LeaseTTL <= c.StepTimeout {
		return fmt.Errorf("ESCROW_LEASE_TTL (%s) must exceed ESCROW_STEP_TIMEOUT (%s)", c.LeaseTTL, c.StepTimeout)
	}
	return nil
}
