package broadcast

import (
	"context"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/support-relay/events"
)

// BroadcastModule owns the client Hub and fans domain events out to it.
type BroadcastModule struct {
	hub       *Hub
	cancelHub context.CancelFunc
	logger    types.Logger
}

// Compile-time interface checks.
var _ mono.Module = (*BroadcastModule)(nil)
var _ mono.EventConsumerModule = (*BroadcastModule)(nil)
var _ mono.HealthCheckableModule = (*BroadcastModule)(nil)

// NewModule creates a new BroadcastModule.
func NewModule(logger types.Logger) *BroadcastModule {
	return &BroadcastModule{
		hub:    NewHub(logger),
		logger: logger,
	}
}

// Name returns the module name.
func (m *BroadcastModule) Name() string {
	return "broadcast"
}

// Start starts the hub.
func (m *BroadcastModule) Start(_ context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelHub = cancel
	go m.hub.Run(ctx)
	m.logger.Info("Broadcast module started")
	return nil
}

// Stop closes every client and waits for the hub.
func (m *BroadcastModule) Stop(ctx context.Context) error {
	clientCount := m.hub.ClientCount()
	if m.cancelHub != nil {
		m.cancelHub()
		select {
		case <-m.hub.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.logger.Info("Broadcast module stopped", "clients", clientCount)
	return nil
}

// Health returns the health status.
func (m *BroadcastModule) Health(_ context.Context) mono.HealthStatus {
	return mono.HealthStatus{
		Healthy: true,
		Message: "operational",
		Details: map[string]any{
			"connected_clients": m.hub.ClientCount(),
		},
	}
}

// RegisterEventConsumers registers event handlers.
func (m *BroadcastModule) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(
		registry, events.MessageDeletedV1, m.handleMessageDeleted, m,
	); err != nil {
		return fmt.Errorf("failed to register MessageDeleted consumer: %w", err)
	}
	m.logger.Info("Registered event consumers", "events", "MessageDeleted")
	return nil
}

func (m *BroadcastModule) handleMessageDeleted(_ context.Context, event events.MessageDeletedEvent, _ *mono.Msg) error {
	n := m.hub.Broadcast(EventMessageDeleted, MessageDeletedPayload{
		MessageID:     event.MessageID,
		AffiliationID: event.AffiliationID,
	})
	m.logger.Debug("Broadcast message deletion", "messageID", event.MessageID, "clients", n)
	return nil
}

// GetHub returns the hub for the modules that write to clients.
func (m *BroadcastModule) GetHub() *Hub {
	return m.hub
}
