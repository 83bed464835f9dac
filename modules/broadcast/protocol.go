package broadcast

import (
	"encoding/json"
	"fmt"
)

// Outbound event types.
const (
	EventConnected          = "connected"
	EventRegistered         = "registered"
	EventReceiveMessage     = "receive_message"
	EventMessageSaved       = "message_saved"
	EventMessageDeleted     = "message_deleted"
	EventOnlineUsers        = "online_users"
	EventAdminStatus        = "admin_status"
	EventHeartbeatAck       = "heartbeat_ack"
	EventAffiliationConnID  = "affiliation_connection_id"
	EventManualDisconnected = "manual_disconnected"
	EventError              = "error"
)

// Error kinds carried by error events.
const (
	KindInvalidRequest     = "INVALID_REQUEST"
	KindUnknownType        = "UNKNOWN_TYPE"
	KindInvalidMessage     = "INVALID_MESSAGE"
	KindMessageDropped     = "MESSAGE_DROPPED"
	KindQueueFull          = "QUEUE_FULL"
	KindRateLimited        = "RATE_LIMITED"
	KindNotRegistered      = "NOT_REGISTERED"
	KindDeleteMessageError = "DELETE_MESSAGE_ERROR"
	KindInternal           = "INTERNAL"
)

// Envelope is a WebSocket text frame in either direction.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	MessageID string `json:"message_id,omitempty"`
}

// ConnectedPayload is sent once when a connection is accepted.
type ConnectedPayload struct {
	ConnectionID string `json:"connection_id"`
}

// AdminStatusPayload reports whether any admin is online.
type AdminStatusPayload struct {
	Online bool `json:"online"`
}

// MessageDeletedPayload announces a removed message.
type MessageDeletedPayload struct {
	MessageID     string `json:"message_id"`
	AffiliationID string `json:"affiliation_id,omitempty"`
}

// Encode builds a frame for eventType. A nil payload is omitted.
func Encode(eventType, requestID string, payload any) ([]byte, error) {
	env := Envelope{Type: eventType, RequestID: requestID}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	if e, ok := payload.(ErrorPayload); ok {
		env.Error = e.Message
	}
	return json.Marshal(env)
}
