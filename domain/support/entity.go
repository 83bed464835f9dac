package support

import (
	"fmt"
	"strings"
	"time"
)

// AdminTarget is the receiver target that addresses every admin connection.
const AdminTarget = "admin"

// Role is the kind of participant behind a connection.
type Role int

const (
	RoleUnknown Role = iota
	RoleDriver
	RoleAdmin
	RoleCustomer
)

// ParseRole parses a wire role. "user" is the legacy name for a driver.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "driver", "user":
		return RoleDriver, nil
	case "admin", "support":
		return RoleAdmin, nil
	case "customer":
		return RoleCustomer, nil
	default:
		return RoleUnknown, fmt.Errorf("unknown role %q", s)
	}
}

func (r Role) String() string {
	switch r {
	case RoleDriver:
		return "driver"
	case RoleAdmin:
		return "admin"
	case RoleCustomer:
		return "customer"
	default:
		return "unknown"
	}
}

// IsClient reports whether the role is on the client side of a support conversation.
func (r Role) IsClient() bool {
	return r == RoleDriver || r == RoleCustomer
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	role, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// SenderRole is the role recorded on a stored message.
type SenderRole string

const (
	SenderUser     SenderRole = "user"
	SenderSupport  SenderRole = "support"
	SenderAdmin    SenderRole = "admin"
	SenderCustomer SenderRole = "customer"
)

// Valid reports whether s is a known sender role.
func (s SenderRole) Valid() bool {
	switch s {
	case SenderUser, SenderSupport, SenderAdmin, SenderCustomer:
		return true
	}
	return false
}

// IsClient reports whether the sender is a driver or customer.
func (s SenderRole) IsClient() bool {
	return s == SenderUser || s == SenderCustomer
}

// IsSupport reports whether the sender is on the support side.
func (s SenderRole) IsSupport() bool {
	return s == SenderAdmin || s == SenderSupport
}

// SenderRoleFor maps a participant role to the sender role stored with its messages.
func SenderRoleFor(r Role) SenderRole {
	switch r {
	case RoleAdmin:
		return SenderAdmin
	case RoleCustomer:
		return SenderCustomer
	default:
		return SenderUser
	}
}

// MediaType classifies an attachment.
type MediaType string

const (
	MediaImage MediaType = "image"
	MediaVideo MediaType = "video"
	MediaGIF   MediaType = "gif"
	MediaAudio MediaType = "audio"
	MediaFile  MediaType = "file"
)

// Valid reports whether m is a known media type.
func (m MediaType) Valid() bool {
	switch m {
	case MediaImage, MediaVideo, MediaGIF, MediaAudio, MediaFile:
		return true
	}
	return false
}

// Participant is a registered connection.
type Participant struct {
	ConnectionID  string    `json:"id"`
	Role          Role      `json:"type"`
	DisplayName   string    `json:"name"`
	AffiliationID string    `json:"affiliation_id,omitempty"`
	RegisteredAt  time.Time `json:"connected_at"`
}

// DefaultDisplayName derives a display name from a connection id.
func DefaultDisplayName(connectionID string) string {
	short := connectionID
	if len(short) > 4 {
		short = short[:4]
	}
	return "User-" + short
}

// Attachment is media metadata stored alongside a message.
type Attachment struct {
	FileName string    `json:"file_name"`
	FileURL  string    `json:"file_url"`
	Type     MediaType `json:"type"`
	FileSize int64     `json:"file_size,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Duration *float64  `json:"duration,omitempty"`
}

// Message is a chat message between a client and support.
type Message struct {
	MessageID           string       `json:"message_id"`
	SenderConnectionID  string       `json:"sender_id"`
	ReceiverTarget      string       `json:"receiver_id,omitempty"`
	DriverAffiliation   string       `json:"driver_id,omitempty"`
	CustomerAffiliation string       `json:"customer_id,omitempty"`
	Text                string       `json:"text"`
	SenderRole          SenderRole   `json:"sender_type"`
	Timestamp           time.Time    `json:"timestamp"`
	Attachments         []Attachment `json:"attachments,omitempty"`
}

// AffiliationID returns the affiliation the message is filed under.
func (m Message) AffiliationID() string {
	if m.DriverAffiliation != "" {
		return m.DriverAffiliation
	}
	return m.CustomerAffiliation
}
