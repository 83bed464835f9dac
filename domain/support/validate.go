package support

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// Validation limits
const (
	MaxMessageIDLength   = 128
	MaxTextLength        = 5000
	MaxAttachments       = 10
	MaxDisplayNameLength = 50
)

// ErrInvalidMessage marks a message that can never be persisted.
var ErrInvalidMessage = errors.New("invalid message")

// Validate checks the fields the store depends on.
func (m Message) Validate() error {
	if m.MessageID == "" {
		return fmt.Errorf("%w: message_id is required", ErrInvalidMessage)
	}
	if len(m.MessageID) > MaxMessageIDLength {
		return fmt.Errorf("%w: message_id exceeds %d bytes", ErrInvalidMessage, MaxMessageIDLength)
	}
	if !utf8.ValidString(m.Text) {
		return fmt.Errorf("%w: text is not valid UTF-8", ErrInvalidMessage)
	}
	if utf8.RuneCountInString(m.Text) > MaxTextLength {
		return fmt.Errorf("%w: text exceeds %d characters", ErrInvalidMessage, MaxTextLength)
	}
	if m.Text == "" && len(m.Attachments) == 0 {
		return fmt.Errorf("%w: text or attachments required", ErrInvalidMessage)
	}
	if !m.SenderRole.Valid() {
		return fmt.Errorf("%w: unknown sender_type %q", ErrInvalidMessage, m.SenderRole)
	}
	if len(m.Attachments) > MaxAttachments {
		return fmt.Errorf("%w: more than %d attachments", ErrInvalidMessage, MaxAttachments)
	}
	for i, a := range m.Attachments {
		if a.FileURL == "" {
			return fmt.Errorf("%w: attachment %d has no file_url", ErrInvalidMessage, i)
		}
		if !a.Type.Valid() {
			return fmt.Errorf("%w: attachment %d has unknown type %q", ErrInvalidMessage, i, a.Type)
		}
		if a.FileSize < 0 {
			return fmt.Errorf("%w: attachment %d has negative size", ErrInvalidMessage, i)
		}
	}
	return nil
}
