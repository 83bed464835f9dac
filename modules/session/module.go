package session

import (
	"context"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/support-relay/events"
)

// Module hosts the lifecycle manager and publishes session events.
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

// NewModule creates the session module.
func NewModule(cfg Config, presence Presence, queues Queues, deleter Deleter, transport Transport, logger types.Logger) *Module {
	m := &Module{logger: logger}
	m.manager = NewManager(cfg, presence, queues, deleter, transport, logger)
	m.manager.SetPublisher(m)
	return m
}

// Name returns the module name.
func (m *Module) Name() string {
	return "session"
}

// Manager returns the lifecycle manager.
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
		events.ParticipantRegisteredV1.ToBase(),
		events.ParticipantLeftV1.ToBase(),
		events.MessageDeletedV1.ToBase(),
	}
}

// Start starts the module.
func (m *Module) Start(_ context.Context) error {
	m.logger.Info("Session module started",
		"sendRate", m.manager.cfg.SendRate,
		"sendBurst", m.manager.cfg.SendBurst)
	return nil
}

// Stop stops the module.
func (m *Module) Stop(_ context.Context) error {
	st := m.manager.Stats()
	m.logger.Info("Session module stopped", "openConnections", st.CurrentConnections)
	return nil
}

// Health reports connection counters.
func (m *Module) Health(_ context.Context) mono.HealthStatus {
	st := m.manager.Stats()
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"total_connections":    st.TotalConnections,
			"total_disconnections": st.TotalDisconnections,
			"current_connections":  st.CurrentConnections,
		},
	}
}

// ParticipantRegistered publishes a ParticipantRegistered event.
func (m *Module) ParticipantRegistered(event events.ParticipantRegisteredEvent) {
	if m.eventBus == nil {
		return
	}
	if err := events.ParticipantRegisteredV1.Publish(m.eventBus, event, nil); err != nil {
		m.logger.Warn("Failed to publish ParticipantRegistered event", "connectionID", event.ConnectionID, "error", err)
	}
}

// ParticipantLeft publishes a ParticipantLeft event.
func (m *Module) ParticipantLeft(event events.ParticipantLeftEvent) {
	if m.eventBus == nil {
		return
	}
	if err := events.ParticipantLeftV1.Publish(m.eventBus, event, nil); err != nil {
		m.logger.Warn("Failed to publish ParticipantLeft event", "connectionID", event.ConnectionID, "error", err)
	}
}

// MessageDeleted publishes a MessageDeleted event.
func (m *Module) MessageDeleted(event events.MessageDeletedEvent) {
	if m.eventBus == nil {
		return
	}
	if err := events.MessageDeletedV1.Publish(m.eventBus, event, nil); err != nil {
		m.logger.Warn("Failed to publish MessageDeleted event", "messageID", event.MessageID, "error", err)
	}
}
