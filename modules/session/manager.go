// Package session drives each client connection through its lifecycle.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-monolith/mono/pkg/types"
	"golang.org/x/time/rate"

	"github.com/example/support-relay/config"
	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/events"
)

// Lifecycle errors
var (
	ErrAlreadyConnected    = errors.New("connection already open")
	ErrNotRegistered       = errors.New("connection not registered")
	ErrDisconnected        = errors.New("connection disconnected")
	ErrRateLimited         = errors.New("send rate exceeded")
	ErrInvalidRegistration = errors.New("invalid registration")
	ErrInvalidRequest      = errors.New("invalid request")
)

// State is a connection's lifecycle state.
type State int

const (
	StateUnknown State = iota
	StateConnected
	StateRegistered
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateRegistered:
		return "registered"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Presence is the registry surface the lifecycle drives.
type Presence interface {
	Register(ctx context.Context, p support.Participant) error
	Unregister(ctx context.Context, connectionID string) (support.Participant, bool, error)
	EvictAffiliation(ctx context.Context, affiliationID string) ([]support.Participant, error)
	FindByAffiliation(ctx context.Context, affiliationID string, role support.Role) ([]string, error)
}

// Queues is the outbound queue surface.
type Queues interface {
	Open(connectionID string) error
	Close(connectionID string) int
	Enqueue(connectionID string, msg support.Message) error
}

// Deleter removes stored messages.
type Deleter interface {
	DeleteMessage(ctx context.Context, messageID, affiliationID string) (int64, error)
}

// Transport force-closes client connections.
type Transport interface {
	Disconnect(connectionID string) bool
}

// Publisher emits lifecycle events. Implementations must not block.
type Publisher interface {
	ParticipantRegistered(events.ParticipantRegisteredEvent)
	ParticipantLeft(events.ParticipantLeftEvent)
	MessageDeleted(events.MessageDeletedEvent)
}

// Invalidator drops derived views of stored history after a deletion. An
// empty affiliation means any affiliation may be affected.
type Invalidator interface {
	Invalidate(ctx context.Context, affiliationID string)
}

// Config holds lifecycle configuration.
type Config struct {
	// SendRate is the sustained sends per second per connection. Zero disables limiting.
	SendRate  float64
	SendBurst int
}

// ConfigFrom maps process configuration onto lifecycle configuration.
func ConfigFrom(c config.Config) Config {
	return Config{SendRate: c.SendRate, SendBurst: c.SendBurst}
}

// RegisterRequest is the payload of a register request.
type RegisterRequest struct {
	Role          string `json:"role"`
	Name          string `json:"name"`
	AffiliationID string `json:"affiliation_id"`
}

// SendRequest is the payload of a send request.
type SendRequest struct {
	MessageID  string               `json:"id"`
	ReceiverID string               `json:"receiver_id"`
	DriverID   string               `json:"driver_id"`
	CustomerID string               `json:"customer_id"`
	Text       string               `json:"text"`
	SenderType string               `json:"sender_type"`
	Media      []support.Attachment `json:"media"`
}

// Stats are connection counters since start.
type Stats struct {
	TotalConnections    int64 `json:"total_connections"`
	TotalDisconnections int64 `json:"total_disconnections"`
	CurrentConnections  int64 `json:"current_connections"`
}

type connection struct {
	state       State
	participant support.Participant
	limiter     *rate.Limiter
	connectedAt time.Time
}

// Manager owns the lifecycle state of every open connection.
type Manager struct {
	cfg         Config
	presence    Presence
	queues      Queues
	deleter     Deleter
	transport   Transport
	publisher   Publisher
	invalidator Invalidator
	logger      types.Logger
	now         func() time.Time

	mu    sync.Mutex
	conns map[string]*connection
	stats Stats
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config, presence Presence, queues Queues, deleter Deleter, transport Transport, logger types.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		presence:  presence,
		queues:    queues,
		deleter:   deleter,
		transport: transport,
		logger:    logger,
		now:       time.Now,
		conns:     make(map[string]*connection),
	}
}

// SetPublisher sets the lifecycle event sink.
func (m *Manager) SetPublisher(p Publisher) {
	m.publisher = p
}

// SetInvalidator sets the hook run after a deletion, before it is announced.
func (m *Manager) SetInvalidator(inv Invalidator) {
	m.invalidator = inv
}

func (m *Manager) newLimiter() *rate.Limiter {
	if m.cfg.SendRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := m.cfg.SendBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(m.cfg.SendRate), burst)
}

// Connect admits a new connection and opens its outbound queue.
func (m *Manager) Connect(connectionID string) error {
	m.mu.Lock()
	if _, ok := m.conns[connectionID]; ok {
		m.mu.Unlock()
		return ErrAlreadyConnected
	}
	if err := m.queues.Open(connectionID); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("open queue: %w", err)
	}
	m.conns[connectionID] = &connection{
		state:       StateConnected,
		limiter:     m.newLimiter(),
		connectedAt: m.now(),
	}
	m.stats.TotalConnections++
	m.stats.CurrentConnections++
	current := m.stats.CurrentConnections
	m.mu.Unlock()

	m.logger.Info("Connection opened", "connectionID", connectionID, "active", current)
	return nil
}

// State returns the lifecycle state of connectionID.
func (m *Manager) State(connectionID string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.conns[connectionID]; ok {
		return c.state
	}
	return StateUnknown
}

// registered returns the connection if it may issue requests.
func (m *Manager) registered(connectionID string) (*connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conns[connectionID]
	switch {
	case !ok || c.state == StateDisconnected:
		return nil, ErrDisconnected
	case c.state != StateRegistered:
		return nil, ErrNotRegistered
	}
	return c, nil
}

// Register records the participant behind connectionID. Registering again
// replaces the previous role, name and affiliation.
func (m *Manager) Register(ctx context.Context, connectionID string, req RegisterRequest) (support.Participant, error) {
	role, err := support.ParseRole(req.Role)
	if err != nil {
		return support.Participant{}, fmt.Errorf("%w: %w", ErrInvalidRegistration, err)
	}
	name := strings.TrimSpace(req.Name)
	if utf8.RuneCountInString(name) > support.MaxDisplayNameLength {
		return support.Participant{}, fmt.Errorf("%w: name exceeds %d characters", ErrInvalidRegistration, support.MaxDisplayNameLength)
	}
	if name == "" {
		name = support.DefaultDisplayName(connectionID)
	}

	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if !ok || c.state == StateDisconnected {
		m.mu.Unlock()
		return support.Participant{}, ErrDisconnected
	}
	m.mu.Unlock()

	p := support.Participant{
		ConnectionID:  connectionID,
		Role:          role,
		DisplayName:   name,
		AffiliationID: strings.TrimSpace(req.AffiliationID),
		RegisteredAt:  m.now(),
	}
	if err := m.presence.Register(ctx, p); err != nil {
		return support.Participant{}, fmt.Errorf("register participant: %w", err)
	}

	m.mu.Lock()
	if c.state == StateDisconnected {
		// Lost a race with Disconnect; undo the registry entry.
		m.mu.Unlock()
		_, _, _ = m.presence.Unregister(ctx, connectionID)
		return support.Participant{}, ErrDisconnected
	}
	c.state = StateRegistered
	c.participant = p
	m.mu.Unlock()

	if m.publisher != nil {
		m.publisher.ParticipantRegistered(events.ParticipantRegisteredEvent{
			ConnectionID:  p.ConnectionID,
			Role:          p.Role.String(),
			DisplayName:   p.DisplayName,
			AffiliationID: p.AffiliationID,
			RegisteredAt:  p.RegisteredAt.UTC(),
		})
	}
	return p, nil
}

// Send enriches req from the sender's registration, validates it and queues
// it for persistence and delivery.
func (m *Manager) Send(_ context.Context, connectionID string, req SendRequest) (support.Message, error) {
	c, err := m.registered(connectionID)
	if err != nil {
		return support.Message{}, err
	}
	if !c.limiter.Allow() {
		return support.Message{}, ErrRateLimited
	}

	m.mu.Lock()
	p := c.participant
	m.mu.Unlock()

	msg := support.Message{
		MessageID:           strings.TrimSpace(req.MessageID),
		SenderConnectionID:  connectionID,
		ReceiverTarget:      req.ReceiverID,
		DriverAffiliation:   req.DriverID,
		CustomerAffiliation: req.CustomerID,
		Text:                req.Text,
		SenderRole:          support.SenderRole(req.SenderType),
		Attachments:         req.Media,
	}
	if msg.SenderRole == "" {
		msg.SenderRole = support.SenderRoleFor(p.Role)
	}
	if msg.AffiliationID() == "" && p.AffiliationID != "" {
		switch p.Role {
		case support.RoleDriver:
			msg.DriverAffiliation = p.AffiliationID
		case support.RoleCustomer:
			msg.CustomerAffiliation = p.AffiliationID
		}
	}
	if err := msg.Validate(); err != nil {
		return msg, err
	}

	if err := m.queues.Enqueue(connectionID, msg); err != nil {
		return msg, err
	}
	m.logger.Debug("Message queued",
		"connectionID", connectionID,
		"messageID", msg.MessageID,
		"senderRole", string(msg.SenderRole))
	return msg, nil
}

// DeleteMessage removes a stored message and announces the deletion.
func (m *Manager) DeleteMessage(ctx context.Context, connectionID, messageID, affiliationID string) (int64, error) {
	if _, err := m.registered(connectionID); err != nil {
		return 0, err
	}
	if messageID == "" {
		return 0, fmt.Errorf("%w: message_id is required", ErrInvalidRequest)
	}
	return m.deleteMessage(ctx, messageID, affiliationID)
}

// DeleteStoredMessage removes a message on behalf of an administrative caller
// outside any connection.
func (m *Manager) DeleteStoredMessage(ctx context.Context, messageID string) (int64, error) {
	if messageID == "" {
		return 0, fmt.Errorf("%w: message_id is required", ErrInvalidRequest)
	}
	return m.deleteMessage(ctx, messageID, "")
}

func (m *Manager) deleteMessage(ctx context.Context, messageID, affiliationID string) (int64, error) {
	n, err := m.deleter.DeleteMessage(ctx, messageID, affiliationID)
	if err != nil {
		m.logger.Error("Failed to delete message", "messageID", messageID, "error", err)
		return 0, err
	}
	m.logger.Info("Message deleted", "messageID", messageID, "affiliationID", affiliationID, "rows", n)
	if n > 0 && m.invalidator != nil {
		m.invalidator.Invalidate(ctx, affiliationID)
	}
	if m.publisher != nil {
		m.publisher.MessageDeleted(events.MessageDeletedEvent{
			MessageID:     messageID,
			AffiliationID: affiliationID,
			DeletedAt:     m.now().UTC(),
		})
	}
	return n, nil
}

// ManualDisconnect evicts every client connection with the given affiliation
// and force-closes them. It returns how many connections were closed.
func (m *Manager) ManualDisconnect(ctx context.Context, requesterID, affiliationID string) (int, error) {
	if _, err := m.registered(requesterID); err != nil {
		return 0, err
	}
	if affiliationID == "" {
		return 0, fmt.Errorf("%w: affiliation_id is required", ErrInvalidRequest)
	}
	evicted, err := m.presence.EvictAffiliation(ctx, affiliationID)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, p := range evicted {
		if m.transport != nil && m.transport.Disconnect(p.ConnectionID) {
			closed++
		}
	}
	m.logger.Info("Manual disconnect",
		"requester", requesterID,
		"affiliationID", affiliationID,
		"evicted", len(evicted),
		"closed", closed)
	return closed, nil
}

// AffiliationConnectionID returns a live connection for the affiliation,
// preferring drivers over customers.
func (m *Manager) AffiliationConnectionID(ctx context.Context, connectionID, affiliationID string) (string, bool, error) {
	if _, err := m.registered(connectionID); err != nil {
		return "", false, err
	}
	for _, role := range []support.Role{support.RoleDriver, support.RoleCustomer} {
		ids, err := m.presence.FindByAffiliation(ctx, affiliationID, role)
		if err != nil {
			return "", false, err
		}
		if len(ids) > 0 {
			return ids[0], true, nil
		}
	}
	return "", false, nil
}

// Disconnect ends connectionID's lifecycle: its queue is discarded, then it
// leaves the registry. It returns the number of abandoned messages and is
// safe to call more than once.
func (m *Manager) Disconnect(ctx context.Context, connectionID, reason string) (int, error) {
	m.mu.Lock()
	c, ok := m.conns[connectionID]
	if !ok || c.state == StateDisconnected {
		m.mu.Unlock()
		return 0, nil
	}
	c.state = StateDisconnected
	delete(m.conns, connectionID)
	m.stats.TotalDisconnections++
	m.stats.CurrentConnections--
	current := m.stats.CurrentConnections
	m.mu.Unlock()

	abandoned := m.queues.Close(connectionID)

	p, wasRegistered, err := m.presence.Unregister(ctx, connectionID)
	if err != nil {
		m.logger.Warn("Failed to unregister participant", "connectionID", connectionID, "error", err)
	}

	m.logger.Info("Connection closed",
		"connectionID", connectionID,
		"reason", reason,
		"abandoned", abandoned,
		"duration", m.now().Sub(c.connectedAt).Round(time.Second).String(),
		"active", current)

	if m.publisher != nil {
		ev := events.ParticipantLeftEvent{
			ConnectionID: connectionID,
			Reason:       reason,
			Abandoned:    abandoned,
			LeftAt:       m.now().UTC(),
		}
		if wasRegistered {
			ev.Role = p.Role.String()
			ev.AffiliationID = p.AffiliationID
		}
		m.publisher.ParticipantLeft(ev)
	}
	return abandoned, err
}

// Stats returns the connection counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}
