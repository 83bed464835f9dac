package store

import (
	"time"

	"github.com/example/support-relay/domain/support"
)

// MessageRecord is the GORM model for the messages table.
type MessageRecord struct {
	ID          uint               `gorm:"primaryKey"`
	MessageID   string             `gorm:"size:128;uniqueIndex;not null"`
	SenderID    string             `gorm:"size:128"`
	ReceiverID  string             `gorm:"size:128"`
	DriverID    string             `gorm:"size:128;index"`
	CustomerID  string             `gorm:"size:128;index"`
	Text        string             `gorm:"type:text"`
	SenderType  string             `gorm:"size:16;not null"`
	Timestamp   time.Time          `gorm:"index;not null"`
	Attachments []AttachmentRecord `gorm:"foreignKey:MessageID;references:MessageID;constraint:OnDelete:CASCADE"`
}

// TableName specifies the table name for GORM.
func (MessageRecord) TableName() string {
	return "messages"
}

// AttachmentRecord is the GORM model for the media_uploads table.
type AttachmentRecord struct {
	ID        uint     `gorm:"primaryKey"`
	MessageID string   `gorm:"size:128;index;not null"`
	DriverID  string   `gorm:"size:128"`
	FileName  string   `gorm:"size:255"`
	FileURL   string   `gorm:"type:text;not null"`
	MediaType string   `gorm:"size:16;not null"`
	FileSize  int64    `gorm:"default:0"`
	MimeType  string   `gorm:"size:128"`
	Duration  *float64
	Timestamp time.Time
}

// TableName specifies the table name for GORM.
func (AttachmentRecord) TableName() string {
	return "media_uploads"
}

func newMessageRecord(m support.Message) MessageRecord {
	return MessageRecord{
		MessageID:  m.MessageID,
		SenderID:   m.SenderConnectionID,
		ReceiverID: m.ReceiverTarget,
		DriverID:   m.DriverAffiliation,
		CustomerID: m.CustomerAffiliation,
		Text:       m.Text,
		SenderType: string(m.SenderRole),
		Timestamp:  m.Timestamp,
	}
}

func (r MessageRecord) toDomain() support.Message {
	m := support.Message{
		MessageID:           r.MessageID,
		SenderConnectionID:  r.SenderID,
		ReceiverTarget:      r.ReceiverID,
		DriverAffiliation:   r.DriverID,
		CustomerAffiliation: r.CustomerID,
		Text:                r.Text,
		SenderRole:          support.SenderRole(r.SenderType),
		Timestamp:           r.Timestamp.UTC(),
		Attachments:         make([]support.Attachment, 0, len(r.Attachments)),
	}
	for _, a := range r.Attachments {
		m.Attachments = append(m.Attachments, a.toDomain())
	}
	return m
}

func (a AttachmentRecord) toDomain() support.Attachment {
	return support.Attachment{
		FileName: a.FileName,
		FileURL:  a.FileURL,
		Type:     support.MediaType(a.MediaType),
		FileSize: a.FileSize,
		MimeType: a.MimeType,
		Duration: a.Duration,
	}
}
