// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config holds every tunable of the relay.
type Config struct {
	Port               string `env:"PORT" envDefault:"3000"`
	CORSAllowedOrigins string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*"`

	DatabaseDriver   string `env:"DATABASE_DRIVER" envDefault:"sqlite"`
	DatabaseURL      string `env:"DATABASE_URL" envDefault:"support.db"`
	DatabasePoolSize int    `env:"DATABASE_POOL_SIZE" envDefault:"25"`
	DBDebug          bool   `env:"DB_DEBUG" envDefault:"false"`

	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB" envDefault:"0"`
	HistoryCacheTTL time.Duration `env:"HISTORY_CACHE_TTL" envDefault:"1m"`

	QueueMaxRetries     int           `env:"QUEUE_MAX_RETRIES" envDefault:"3"`
	QueueBaseRetryDelay time.Duration `env:"QUEUE_BASE_RETRY_DELAY" envDefault:"1s"`
	QueueMaxRetryDelay  time.Duration `env:"QUEUE_MAX_RETRY_DELAY" envDefault:"10s"`
	QueueDrainInterval  time.Duration `env:"QUEUE_DRAIN_INTERVAL" envDefault:"30ms"`
	QueueCapacity       int           `env:"QUEUE_CAPACITY" envDefault:"256"`
	PersistTimeout      time.Duration `env:"PERSIST_TIMEOUT" envDefault:"30s"`

	SendRate  float64 `env:"SEND_RATE" envDefault:"10"`
	SendBurst int     `env:"SEND_BURST" envDefault:"20"`

	WSPingInterval time.Duration `env:"WS_PING_INTERVAL" envDefault:"30s"`
	WSReadTimeout  time.Duration `env:"WS_READ_TIMEOUT" envDefault:"60s"`
	AuditCapacity  int           `env:"AUDIT_CAPACITY" envDefault:"500"`

	APIRateLimit  int           `env:"API_RATE_LIMIT" envDefault:"120"`
	APIRateWindow time.Duration `env:"API_RATE_WINDOW" envDefault:"1m"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

// Load reads an optional .env file and parses the environment.
func Load(dotenvFiles ...string) (Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		// A missing file is fine: the environment alone is a valid source.
		_ = godotenv.Load(f)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the relay cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.DatabaseDriver {
	case DriverSQLite, DriverPostgres:
	default:
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver))
	}
	if strings.TrimSpace(c.DatabaseURL) == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	if c.DatabasePoolSize <= 0 {
		errs = append(errs, fmt.Errorf("DATABASE_POOL_SIZE must be positive, got %d", c.DatabasePoolSize))
	}
	if c.QueueMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_MAX_RETRIES must not be negative, got %d", c.QueueMaxRetries))
	}
	if c.QueueBaseRetryDelay <= 0 || c.QueueMaxRetryDelay < c.QueueBaseRetryDelay {
		errs = append(errs, errors.New("QUEUE_MAX_RETRY_DELAY must be >= QUEUE_BASE_RETRY_DELAY > 0"))
	}
	if c.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity))
	}
	if c.WSReadTimeout <= c.WSPingInterval {
		errs = append(errs, errors.New("WS_READ_TIMEOUT must exceed WS_PING_INTERVAL"))
	}
	if c.APIRateLimit < 0 {
		errs = append(errs, fmt.Errorf("API_RATE_LIMIT must not be negative, got %d", c.APIRateLimit))
	}
	if c.SendRate <= 0 || c.SendBurst <= 0 {
		errs = append(errs, errors.New("SEND_RATE and SEND_BURST must be positive"))
	}
	switch c.LogLevel {
	case "info", "error":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be info or error, got %q", c.LogLevel))
	}
	return errors.Join(errs...)
}

// CacheEnabled reports whether a Redis history cache is configured.
func (c Config) CacheEnabled() bool {
	return c.RedisAddr != ""
}

// Addr returns the HTTP listen address.
func (c Config) Addr() string {
	return ":" + c.Port
}
