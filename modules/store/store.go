// Package store persists messages and their attachments.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/support-relay/domain/support"
)

// Common errors
var (
	ErrNotFound = errors.New("not found")

	// ErrPermanent marks a failure that retrying cannot fix, such as a
	// constraint violation or data the store rejects.
	ErrPermanent = errors.New("permanent store failure")
)

// Pagination limits for history reads.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Tx is the write surface available inside a transaction.
type Tx interface {
	// InsertMessageIfAbsent inserts msg unless its MessageID already exists.
	// It returns the number of rows written: 0 for a duplicate.
	InsertMessageIfAbsent(ctx context.Context, msg support.Message) (int64, error)
	InsertAttachment(ctx context.Context, messageID, affiliationID string, a support.Attachment, ts time.Time) error
}

// Store is the durable message store.
type Store interface {
	// WithTx runs fn in a transaction, committing when fn returns nil.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	// DeleteMessage removes a message and its attachments. An empty
	// affiliationID matches any affiliation.
	DeleteMessage(ctx context.Context, messageID, affiliationID string) (int64, error)
	// MessagesByAffiliation returns messages filed under an affiliation,
	// oldest first, with attachments.
	MessagesByAffiliation(ctx context.Context, q HistoryQuery) (HistoryPage, error)
	Ping(ctx context.Context) error
	Close() error
}

// HistoryQuery selects a page of history. A Limit of zero returns every message.
type HistoryQuery struct {
	AffiliationID string
	Page          int
	Limit         int
}

// Normalize clamps page and limit into range.
func (q HistoryQuery) Normalize() HistoryQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 0 {
		q.Limit = DefaultHistoryLimit
	}
	if q.Limit > MaxHistoryLimit {
		q.Limit = MaxHistoryLimit
	}
	return q
}

// Offset returns the row offset of the page.
func (q HistoryQuery) Offset() int {
	if q.Limit == 0 {
		return 0
	}
	return (q.Page - 1) * q.Limit
}

// HistoryPage is one page of history.
type HistoryPage struct {
	Messages []support.Message `json:"messages"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	Limit    int               `json:"limit"`
}

// IsPermanent reports whether err should not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, support.ErrInvalidMessage)
}
