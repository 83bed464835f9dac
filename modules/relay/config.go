package relay

import (
	"math"
	"time"

	"github.com/example/support-relay/config"
)

// Config holds outbound queue configuration.
type Config struct {
	MaxRetries     int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	DrainInterval  time.Duration
	Capacity       int
	PersistTimeout time.Duration
	RouteTimeout   time.Duration
}

// DefaultConfig returns the default queue configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  10 * time.Second,
		DrainInterval:  30 * time.Millisecond,
		Capacity:       256,
		PersistTimeout: 30 * time.Second,
		RouteTimeout:   5 * time.Second,
	}
}

// ConfigFrom maps process configuration onto queue configuration.
func ConfigFrom(c config.Config) Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = c.QueueMaxRetries
	cfg.BaseRetryDelay = c.QueueBaseRetryDelay
	cfg.MaxRetryDelay = c.QueueMaxRetryDelay
	cfg.DrainInterval = c.QueueDrainInterval
	cfg.Capacity = c.QueueCapacity
	cfg.PersistTimeout = c.PersistTimeout
	return cfg
}

// RetryDelay returns the backoff before the given retry (1-based):
// BaseRetryDelay * 2^(retry-1), capped at MaxRetryDelay.
func (c Config) RetryDelay(retry int) time.Duration {
	if retry < 1 {
		retry = 1
	}
	delay := float64(c.BaseRetryDelay) * math.Pow(2, float64(retry-1))
	if delay > float64(c.MaxRetryDelay) {
		return c.MaxRetryDelay
	}
	return time.Duration(delay)
}
