package api

import (
	"net"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis/v3"
)

// RateLimitConfig bounds REST requests per client IP.
type RateLimitConfig struct {
	// Max requests per Window. Zero disables limiting.
	Max    int
	Window time.Duration
	// RedisAddr shares counters through Redis. Empty keeps them in memory.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// newLimiterStorage opens the Redis limiter store. The storage driver panics
// when Redis is unreachable, so callers check connectivity first.
func newLimiterStorage(cfg RateLimitConfig) fiber.Storage {
	if cfg.RedisAddr == "" {
		return nil
	}
	host, port := parseRedisAddr(cfg.RedisAddr)
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: cfg.RedisPassword,
		Database: cfg.RedisDB,
		PoolSize: 10,
	})
}

func (m *Module) rateLimiter() fiber.Handler {
	window := m.cfg.RateLimit.Window
	if window <= 0 {
		window = time.Minute
	}
	return limiter.New(limiter.Config{
		Max:        m.cfg.RateLimit.Max,
		Expiration: window,
		Storage:    m.limiterStorage,
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(ErrorResponse{
				Error:   "rate_limited",
				Message: "Too many requests, retry later",
			})
		},
	})
}

// parseRedisAddr splits host:port, falling back to the Redis defaults.
func parseRedisAddr(addr string) (string, int) {
	const defaultHost = "127.0.0.1"
	const defaultPort = 6379

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return defaultHost, defaultPort
	}
	if host == "" {
		host = defaultHost
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		port = defaultPort
	}
	return host, port
}
