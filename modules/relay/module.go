package relay

import (
	"context"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/support-relay/events"
	"github.com/example/support-relay/modules/store"
)

// Module hosts the outbound queue manager and publishes relay events.
type Module struct {
	manager  *Manager
	eventBus mono.EventBus
	logger   types.Logger
}

// Compile-time interface checks
var (
	_ mono.Module                = (*Module)(nil)
	_ mono.EventBusAwareModule   = (*Module)(nil)
	_ mono.EventEmitterModule    = (*Module)(nil)
	_ mono.HealthCheckableModule = (*Module)(nil)
	_ Publisher                  = (*Module)(nil)
)

// NewModule creates the relay module.
func NewModule(cfg Config, s store.Store, router Router, deliverer Deliverer, logger types.Logger) *Module {
	m := &Module{logger: logger}
	m.manager = NewManager(cfg, s, router, deliverer, logger)
	m.manager.SetPublisher(m)
	return m
}

// Name returns the module name.
func (m *Module) Name() string {
	return "relay"
}

// Manager returns the queue manager.
func (m *Module) Manager() *Manager {
	return m.manager
}

// SetEventBus receives the EventBus from the framework.
func (m *Module) SetEventBus(bus mono.EventBus) {
	m.eventBus = bus
}

// EmitEvents declares the events this module can emit.
func (m *Module) EmitEvents() []mono.BaseEventDefinition {
	return []mono.BaseEventDefinition{
		events.MessagePersistedV1.ToBase(),
		events.MessageDroppedV1.ToBase(),
	}
}

// Start is a no-op; workers start on demand.
func (m *Module) Start(_ context.Context) error {
	m.logger.Info("Relay module started",
		"maxRetries", m.manager.cfg.MaxRetries,
		"drainInterval", m.manager.cfg.DrainInterval.String())
	return nil
}

// Stop drains in-flight work.
func (m *Module) Stop(ctx context.Context) error {
	if err := m.manager.Stop(ctx); err != nil {
		m.logger.Warn("Timeout waiting for queue workers to stop", "error", err)
		return err
	}
	m.logger.Info("Relay module stopped")
	return nil
}

// Health reports queue depth.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	st := m.manager.Status()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"queues":  st.TotalQueues,
			"pending": st.TotalPending,
		},
	}
}

// MessagePersisted publishes a MessagePersisted event.
func (m *Module) MessagePersisted(event events.MessagePersistedEvent) {
	if m.eventBus == nil {
		return
	}
	if err := events.MessagePersistedV1.Publish(m.eventBus, event, nil); err != nil {
		m.logger.Warn("Failed to publish MessagePersisted event", "messageID", event.MessageID, "error", err)
	}
}

// MessageDropped publishes a MessageDropped event.
func (m *Module) MessageDropped(event events.MessageDroppedEvent) {
	if m.eventBus == nil {
		return
	}
	if err := events.MessageDroppedV1.Publish(m.eventBus, event, nil); err != nil {
		m.logger.Warn("Failed to publish MessageDropped event", "messageID", event.MessageID, "error", err)
	}
}
