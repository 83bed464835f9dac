package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"
	"github.com/redis/go-redis/v9"
)

// Service names registered in the service container.
const (
	ServiceFetch      = "fetch"
	ServiceCacheStats = "cache-stats"
)

// CacheConfig configures the optional Redis page cache.
type CacheConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	TTL           time.Duration
}

// Module serves history over request-reply. Writers invalidate its cache
// directly through Invalidate.
type Module struct {
	cfg     CacheConfig
	reader  Reader
	client  *redis.Client
	service *Service
	logger  types.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*Module)(nil)
var _ mono.ServiceProviderModule = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)

// NewModule creates the history module. An empty RedisAddr disables caching.
func NewModule(cfg CacheConfig, reader Reader, logger types.Logger) *Module {
	return &Module{
		cfg:     cfg,
		reader:  reader,
		service: NewService(reader, nil, logger),
		logger:  logger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "history"
}

// Service returns the history service.
func (m *Module) Service() *Service {
	return m.service
}

// Start connects to Redis when a cache is configured.
func (m *Module) Start(ctx context.Context) error {
	if m.cfg.RedisAddr == "" {
		m.logger.Info("History module started without cache")
		return nil
	}

	m.client = redis.NewClient(&redis.Options{
		Addr:         m.cfg.RedisAddr,
		Password:     m.cfg.RedisPassword,
		DB:           m.cfg.RedisDB,
		PoolSize:     50,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := m.client.Ping(ctx).Err(); err != nil {
		_ = m.client.Close()
		m.client = nil
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	m.service = NewService(m.reader, NewCache(m.client, defaultPrefix, m.cfg.TTL), m.logger)
	m.logger.Info("History module started", "redis", m.cfg.RedisAddr, "ttl", m.cfg.TTL.String())
	return nil
}

// Stop closes the Redis connection.
func (m *Module) Stop(_ context.Context) error {
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			return fmt.Errorf("failed to close Redis connection: %w", err)
		}
	}
	m.logger.Info("History module stopped")
	return nil
}

// Health pings Redis when a cache is configured.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	stats, cached := m.service.CacheStats()
	if !cached {
		return mono.HealthStatus{
			Healthy: true,
			Message: "operational (cache disabled)",
		}
	}
	if err := m.client.Ping(ctx).Err(); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("redis ping failed: %v", err),
		}
	}
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"cache_hits":     stats.Hits,
			"cache_misses":   stats.Misses,
			"cache_hit_rate": stats.HitRate,
		},
	}
}

// RegisterServices registers request-reply services in the service container.
func (m *Module) RegisterServices(container mono.ServiceContainer) error {
	if err := helper.RegisterTypedRequestReplyService(
		container,
		ServiceFetch,
		json.Unmarshal,
		json.Marshal,
		m.handleFetch,
	); err != nil {
		return fmt.Errorf("failed to register fetch service: %w", err)
	}

	if err := helper.RegisterTypedRequestReplyService(
		container,
		ServiceCacheStats,
		json.Unmarshal,
		json.Marshal,
		m.handleCacheStats,
	); err != nil {
		return fmt.Errorf("failed to register cache-stats service: %w", err)
	}

	m.logger.Info("Registered services", "services", "fetch, cache-stats")
	return nil
}

// CacheStatsRequest is the (empty) request of the cache-stats service.
type CacheStatsRequest struct{}

// CacheStatsResponse reports cache counters.
type CacheStatsResponse struct {
	Enabled bool       `json:"enabled"`
	Stats   CacheStats `json:"stats"`
}

func (m *Module) handleFetch(ctx context.Context, req FetchRequest, _ *mono.Msg) (FetchResponse, error) {
	return m.service.Fetch(ctx, req)
}

func (m *Module) handleCacheStats(_ context.Context, _ CacheStatsRequest, _ *mono.Msg) (CacheStatsResponse, error) {
	stats, ok := m.service.CacheStats()
	return CacheStatsResponse{Enabled: ok, Stats: stats}, nil
}

// Invalidate drops cached pages for affiliationID, or all pages when it is
// empty. Relay and session call it after a write commits and before the
// write is acknowledged or announced.
func (m *Module) Invalidate(ctx context.Context, affiliationID string) {
	m.service.Invalidate(ctx, affiliationID)
}
