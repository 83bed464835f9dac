package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/support-relay/config"
)

// Module opens the configured backend and exposes it through a bounded Pool.
type Module struct {
	cfg    config.Config
	pool   *Pool
	logger types.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*Module)(nil)
var _ mono.HealthCheckableModule = (*Module)(nil)
var _ Store = (*Module)(nil)

// NewModule creates a store module.
func NewModule(cfg config.Config, logger types.Logger) *Module {
	return &Module{cfg: cfg, logger: logger}
}

// NewModuleWithStore creates a store module around an already-open Store.
func NewModuleWithStore(s Store, poolSize int, logger types.Logger) *Module {
	return &Module{
		cfg:    config.Config{DatabaseDriver: "injected", DatabasePoolSize: poolSize},
		pool:   NewPool(s, poolSize),
		logger: logger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "store"
}

// Pool returns the bounded store. It is nil until Start succeeds.
func (m *Module) Pool() *Pool {
	return m.pool
}

// Start connects to the database and runs migrations.
func (m *Module) Start(ctx context.Context) error {
	if m.pool != nil {
		m.logger.Info("Store module started with injected store")
		return nil
	}

	var (
		backend Store
		err     error
	)
	switch m.cfg.DatabaseDriver {
	case config.DriverPostgres:
		m.logger.Info("Connecting to PostgreSQL", "maxConns", m.cfg.DatabasePoolSize)
		backend, err = OpenPostgres(ctx, m.cfg.DatabaseURL, m.cfg.DatabasePoolSize)
	default:
		m.logger.Info("Connecting to SQLite database", "path", m.cfg.DatabaseURL)
		backend, err = OpenSQLite(m.cfg.DatabaseURL, m.cfg.DBDebug)
	}
	if err != nil {
		return err
	}

	m.pool = NewPool(backend, m.cfg.DatabasePoolSize)
	m.logger.Info("Store module started", "driver", m.cfg.DatabaseDriver, "poolSize", m.pool.Stats().Size)
	return nil
}

// Stop closes the database.
func (m *Module) Stop(_ context.Context) error {
	if m.pool == nil {
		return nil
	}
	m.logger.Info("Closing database connection...")
	if err := m.pool.Close(); err != nil {
		return err
	}
	m.logger.Info("Database connection closed")
	return nil
}

// Health pings the database.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	if m.pool == nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: "database not initialized",
		}
	}
	if err := m.pool.Ping(ctx); err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("database ping failed: %v", err),
		}
	}
	stats := m.pool.Stats()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"driver":       m.cfg.DatabaseDriver,
			"pool_size":    stats.Size,
			"pool_in_use":  stats.InUse,
			"pool_waiting": stats.Waiting,
		},
	}
}

// ErrNotStarted is returned by the Store methods before Start succeeds.
var ErrNotStarted = errors.New("store not started")

// WithTx implements Store.
func (m *Module) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if m.pool == nil {
		return ErrNotStarted
	}
	return m.pool.WithTx(ctx, fn)
}

// DeleteMessage implements Store.
func (m *Module) DeleteMessage(ctx context.Context, messageID, affiliationID string) (int64, error) {
	if m.pool == nil {
		return 0, ErrNotStarted
	}
	return m.pool.DeleteMessage(ctx, messageID, affiliationID)
}

// MessagesByAffiliation implements Store.
func (m *Module) MessagesByAffiliation(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	if m.pool == nil {
		return HistoryPage{}, ErrNotStarted
	}
	return m.pool.MessagesByAffiliation(ctx, q)
}

// Ping implements Store.
func (m *Module) Ping(ctx context.Context) error {
	if m.pool == nil {
		return ErrNotStarted
	}
	return m.pool.Ping(ctx)
}

// Close implements Store. The framework closes the backend through Stop.
func (m *Module) Close() error {
	return m.Stop(context.Background())
}
