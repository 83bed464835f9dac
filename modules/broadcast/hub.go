package broadcast

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/metrics"
	"github.com/example/support-relay/modules/presence"
	"github.com/example/support-relay/modules/relay"
)

// Hub tracks live client connections and fans frames out to them.
type Hub struct {
	clients map[string]*Client // connectionID -> Client
	mu      sync.RWMutex
	done    chan struct{}
	logger  types.Logger
}

// Compile-time interface checks.
var (
	_ presence.Notifier = (*Hub)(nil)
	_ relay.Deliverer   = (*Hub)(nil)
)

// NewHub creates a new Hub.
func NewHub(logger types.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		done:    make(chan struct{}),
		logger:  logger,
	}
}

// Run blocks until ctx is cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.logger.Info("Hub shutting down, closing clients", "clients", h.ClientCount())
	h.CloseAll()
	close(h.done)
}

// Wait blocks until the hub has stopped.
func (h *Hub) Wait() {
	<-h.done
}

// Add registers a client, replacing any previous client with the same id.
func (h *Hub) Add(c *Client) {
	h.mu.Lock()
	prev := h.clients[c.ID]
	h.clients[c.ID] = c
	h.mu.Unlock()

	if prev != nil && prev != c {
		prev.Close()
	} else {
		metrics.ConnectionsActive.Inc()
	}
	h.logger.Debug("Client added", "connectionID", c.ID)
}

// Remove forgets a client. It does not close it.
func (h *Hub) Remove(connectionID string) {
	h.mu.Lock()
	_, ok := h.clients[connectionID]
	delete(h.clients, connectionID)
	h.mu.Unlock()

	if ok {
		metrics.ConnectionsActive.Dec()
		h.logger.Debug("Client removed", "connectionID", connectionID)
	}
}

// Disconnect force-closes a client's connection. Its read loop then runs
// the normal disconnect path.
func (h *Hub) Disconnect(connectionID string) bool {
	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	c.Close()
	return true
}

// CloseAll closes every client connection.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.Close()
	}
}

// Send delivers one event to one client.
func (h *Hub) Send(connectionID, eventType, requestID string, payload any) bool {
	data, err := Encode(eventType, requestID, payload)
	if err != nil {
		h.logger.Error("Failed to encode event", "type", eventType, "error", err)
		return false
	}

	h.mu.RLock()
	c, ok := h.clients[connectionID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return c.Enqueue(data)
}

// SendError delivers an error event to one client.
func (h *Hub) SendError(connectionID, requestID string, e ErrorPayload) bool {
	return h.Send(connectionID, EventError, requestID, e)
}

// Broadcast delivers one event to every client and returns how many accepted it.
func (h *Hub) Broadcast(eventType string, payload any) int {
	data, err := Encode(eventType, "", payload)
	if err != nil {
		h.logger.Error("Failed to encode broadcast", "type", eventType, "error", err)
		return 0
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if c.Enqueue(data) {
			sent++
		}
	}
	return sent
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ClientIDs returns the connected client ids, sorted.
func (h *Hub) ClientIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.clients))
	for id := range h.clients {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// PresenceChanged broadcasts the online snapshot.
func (h *Hub) PresenceChanged(snapshot []support.Participant) {
	if snapshot == nil {
		snapshot = []support.Participant{}
	}
	h.Broadcast(EventOnlineUsers, snapshot)
}

// AdminStatusChanged broadcasts whether any admin is online.
func (h *Hub) AdminStatusChanged(online bool) {
	h.Broadcast(EventAdminStatus, AdminStatusPayload{Online: online})
}

// Deliver pushes a stored message to a recipient.
func (h *Hub) Deliver(connectionID string, msg support.Message) bool {
	return h.Send(connectionID, EventReceiveMessage, "", msg)
}

// Acknowledge confirms to the sender that its message was stored.
func (h *Hub) Acknowledge(connectionID string, ack relay.Ack) {
	h.Send(connectionID, EventMessageSaved, "", ack)
}

// Reject tells the sender its message was dropped.
func (h *Hub) Reject(connectionID, messageID string, err error) {
	kind := KindMessageDropped
	msg := "message could not be saved"
	if errors.Is(err, support.ErrInvalidMessage) {
		kind = KindInvalidMessage
		msg = err.Error()
	}
	h.SendError(connectionID, "", ErrorPayload{Kind: kind, Message: msg, MessageID: messageID})
}
