// Package audit keeps a bounded in-memory trail of relay and session events.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/support-relay/events"
)

// DefaultCapacity is the number of entries kept when none is configured.
const DefaultCapacity = 500

// Entry kinds.
const (
	KindRegistered = "participant_registered"
	KindLeft       = "participant_left"
	KindDropped    = "message_dropped"
	KindDeleted    = "message_deleted"
)

// Entry is one recorded event.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Kind      string    `json:"kind"`
	SubjectID string    `json:"subject_id"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditModule records lifecycle events in a ring buffer.
type AuditModule struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	full    bool
	seq     uint64
	logger  types.Logger
}

var _ mono.Module = (*AuditModule)(nil)
var _ mono.EventConsumerModule = (*AuditModule)(nil)

// NewModule creates an audit module holding up to capacity entries.
func NewModule(capacity int, logger types.Logger) *AuditModule {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &AuditModule{
		entries: make([]Entry, capacity),
		logger:  logger,
	}
}

func (m *AuditModule) Name() string {
	return "audit"
}

func (m *AuditModule) RegisterEventConsumers(registry mono.EventRegistry) error {
	if err := helper.RegisterTypedEventConsumer(registry, events.ParticipantRegisteredV1, m.handleRegistered, m); err != nil {
		return fmt.Errorf("failed to register ParticipantRegistered consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.ParticipantLeftV1, m.handleLeft, m); err != nil {
		return fmt.Errorf("failed to register ParticipantLeft consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.MessageDroppedV1, m.handleDropped, m); err != nil {
		return fmt.Errorf("failed to register MessageDropped consumer: %w", err)
	}
	if err := helper.RegisterTypedEventConsumer(registry, events.MessageDeletedV1, m.handleDeleted, m); err != nil {
		return fmt.Errorf("failed to register MessageDeleted consumer: %w", err)
	}

	m.logger.Info("Registered event consumers", "events", "ParticipantRegistered, ParticipantLeft, MessageDropped, MessageDeleted")
	return nil
}

func (m *AuditModule) handleRegistered(_ context.Context, event events.ParticipantRegisteredEvent, _ *mono.Msg) error {
	msg := fmt.Sprintf("%s registered as %s", event.DisplayName, event.Role)
	if event.AffiliationID != "" {
		msg += " for " + event.AffiliationID
	}
	m.record(KindRegistered, event.ConnectionID, msg, event.RegisteredAt)
	return nil
}

func (m *AuditModule) handleLeft(_ context.Context, event events.ParticipantLeftEvent, _ *mono.Msg) error {
	msg := fmt.Sprintf("disconnected (%s), %d pending messages abandoned", event.Reason, event.Abandoned)
	m.record(KindLeft, event.ConnectionID, msg, event.LeftAt)
	return nil
}

func (m *AuditModule) handleDropped(_ context.Context, event events.MessageDroppedEvent, _ *mono.Msg) error {
	msg := fmt.Sprintf("dropped from %s after %d retries: %s", event.SenderID, event.Retries, event.Reason)
	m.record(KindDropped, event.MessageID, msg, event.DroppedAt)
	return nil
}

func (m *AuditModule) handleDeleted(_ context.Context, event events.MessageDeletedEvent, _ *mono.Msg) error {
	msg := "deleted"
	if event.AffiliationID != "" {
		msg += " from " + event.AffiliationID
	}
	m.record(KindDeleted, event.MessageID, msg, event.DeletedAt)
	return nil
}

func (m *AuditModule) record(kind, subjectID, message string, ts time.Time) {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.entries[m.next] = Entry{
		Seq:       m.seq,
		Kind:      kind,
		SubjectID: subjectID,
		Message:   message,
		Timestamp: ts,
	}
	m.next = (m.next + 1) % len(m.entries)
	if m.next == 0 {
		m.full = true
	}
}

// Entries returns up to limit of the most recent entries, newest first.
// A limit <= 0 returns everything retained.
func (m *AuditModule) Entries(limit int) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := m.next
	if m.full {
		n = len(m.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (m.next - i + len(m.entries)) % len(m.entries)
		out = append(out, m.entries[idx])
	}
	return out
}

func (m *AuditModule) Start(_ context.Context) error {
	m.logger.Info("Audit module started", "capacity", len(m.entries))
	return nil
}

func (m *AuditModule) Stop(_ context.Context) error {
	m.logger.Info("Audit module stopped")
	return nil
}
