package events

import (
	"time"

	"github.com/go-monolith/mono/pkg/helper"
)

// MessagePersistedEvent is emitted after a queued message is committed to the store.
type MessagePersistedEvent struct {
	MessageID     string    `json:"message_id"`
	AffiliationID string    `json:"affiliation_id"`
	SenderID      string    `json:"sender_id"`
	Inserted      bool      `json:"inserted"`
	Recipients    int       `json:"recipients"`
	PersistedAt   time.Time `json:"persisted_at"`
}

// MessagePersistedV1 is the typed event definition for persisted messages.
// Subject: events.relay.v1.message-persisted
var MessagePersistedV1 = helper.EventDefinition[MessagePersistedEvent](
	"relay", "MessagePersisted", "v1",
)

// MessageDroppedEvent is emitted when a queued message is given up on.
type MessageDroppedEvent struct {
	MessageID string    `json:"message_id"`
	SenderID  string    `json:"sender_id"`
	Reason    string    `json:"reason"`
	Retries   int       `json:"retries"`
	DroppedAt time.Time `json:"dropped_at"`
}

// MessageDroppedV1 is the typed event definition for dropped messages.
// Subject: events.relay.v1.message-dropped
var MessageDroppedV1 = helper.EventDefinition[MessageDroppedEvent](
	"relay", "MessageDropped", "v1",
)

// MessageDeletedEvent is emitted when a stored message is removed.
type MessageDeletedEvent struct {
	MessageID     string    `json:"message_id"`
	AffiliationID string    `json:"affiliation_id,omitempty"`
	DeletedAt     time.Time `json:"deleted_at"`
}

// MessageDeletedV1 is the typed event definition for message deletion.
// Subject: events.session.v1.message-deleted
var MessageDeletedV1 = helper.EventDefinition[MessageDeletedEvent](
	"session", "MessageDeleted", "v1",
)

// ParticipantRegisteredEvent is emitted when a connection registers.
type ParticipantRegisteredEvent struct {
	ConnectionID  string    `json:"connection_id"`
	Role          string    `json:"role"`
	DisplayName   string    `json:"display_name"`
	AffiliationID string    `json:"affiliation_id,omitempty"`
	RegisteredAt  time.Time `json:"registered_at"`
}

// ParticipantRegisteredV1 is the typed event definition for registrations.
// Subject: events.session.v1.participant-registered
var ParticipantRegisteredV1 = helper.EventDefinition[ParticipantRegisteredEvent](
	"session", "ParticipantRegistered", "v1",
)

// ParticipantLeftEvent is emitted when a connection goes away.
type ParticipantLeftEvent struct {
	ConnectionID  string    `json:"connection_id"`
	Role          string    `json:"role,omitempty"`
	AffiliationID string    `json:"affiliation_id,omitempty"`
	Reason        string    `json:"reason"`
	Abandoned     int       `json:"abandoned"`
	LeftAt        time.Time `json:"left_at"`
}

// ParticipantLeftV1 is the typed event definition for departures.
// Subject: events.session.v1.participant-left
var ParticipantLeftV1 = helper.EventDefinition[ParticipantLeftEvent](
	"session", "ParticipantLeft", "v1",
)
