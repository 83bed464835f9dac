package presence

import (
	"context"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"
)

// Module runs the presence registry inside the mono application.
type Module struct {
	registry *Registry
	cancel   context.CancelFunc
	logger   types.Logger
}

// Compile-time interface checks
var (
	_ mono.Module               = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
)

// NewModule creates a presence module.
func NewModule(logger types.Logger) *Module {
	return &Module{
		registry: NewRegistry(logger),
		logger:   logger,
	}
}

// Name returns the module name.
func (m *Module) Name() string {
	return "presence"
}

// Registry returns the registry owned by this module.
func (m *Module) Registry() *Registry {
	return m.registry
}

// Start launches the registry loop.
func (m *Module) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go m.registry.Run(ctx)
	m.logger.Info("Presence module started")
	return nil
}

// Stop stops the registry loop.
func (m *Module) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()
	select {
	case <-m.registry.done:
	case <-ctx.Done():
		return fmt.Errorf("presence registry did not stop: %w", ctx.Err())
	}
	m.logger.Info("Presence module stopped")
	return nil
}

// Health reports registry liveness and occupancy.
func (m *Module) Health(ctx context.Context) mono.HealthStatus {
	count, err := m.registry.Count(ctx)
	if err != nil {
		return mono.HealthStatus{
			Healthy: false,
			Message: fmt.Sprintf("registry unavailable: %v", err),
		}
	}
	online, _ := m.registry.IsAdminOnline(ctx)
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"participants": count,
			"admin_online": online,
		},
	}
}
