// Package history serves stored conversation history through a read-through cache.
package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"golang.org/x/sync/singleflight"

	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/modules/store"
)

// ErrAffiliationRequired is returned for a fetch without an affiliation.
var ErrAffiliationRequired = errors.New("affiliation_id is required")

// Reader loads history pages from the store.
type Reader interface {
	MessagesByAffiliation(ctx context.Context, q store.HistoryQuery) (store.HistoryPage, error)
}

// FetchRequest asks for one page of an affiliation's history.
type FetchRequest struct {
	AffiliationID string `json:"affiliation_id"`
	Page          int    `json:"page"`
	Limit         int    `json:"limit"`
}

// FetchResponse is a page of history.
type FetchResponse struct {
	AffiliationID string  `json:"affiliation_id"`
	Messages      []Entry `json:"messages"`
	Total         int64   `json:"total"`
	Page          int     `json:"page"`
	Limit         int     `json:"limit"`
	Cached        bool    `json:"cached"`
}

// Entry is a stored message as presented to history readers.
type Entry struct {
	ID         string               `json:"id"`
	Text       string               `json:"text"`
	SenderType support.SenderRole   `json:"sender_type"`
	Sender     string               `json:"sender"`
	SenderName string               `json:"sender_name"`
	SenderID   string               `json:"sender_id"`
	ReceiverID string               `json:"receiver_id,omitempty"`
	DriverID   string               `json:"driver_id,omitempty"`
	CustomerID string               `json:"customer_id,omitempty"`
	Timestamp  time.Time            `json:"timestamp"`
	Media      []support.Attachment `json:"media"`
}

func newEntry(m support.Message) Entry {
	e := Entry{
		ID:         m.MessageID,
		Text:       m.Text,
		SenderType: m.SenderRole,
		Sender:     "user",
		SenderName: "User",
		SenderID:   m.SenderConnectionID,
		ReceiverID: m.ReceiverTarget,
		DriverID:   m.DriverAffiliation,
		CustomerID: m.CustomerAffiliation,
		Timestamp:  m.Timestamp,
		Media:      m.Attachments,
	}
	if m.SenderRole.IsSupport() {
		e.Sender = "support"
		e.SenderName = "Support"
	}
	if e.Media == nil {
		e.Media = []support.Attachment{}
	}
	return e
}

// Service reads history pages, consulting the cache first when one is set.
type Service struct {
	reader Reader
	cache  *Cache
	group  singleflight.Group
	logger types.Logger
}

// NewService creates a history service. cache may be nil.
func NewService(reader Reader, cache *Cache, logger types.Logger) *Service {
	return &Service{reader: reader, cache: cache, logger: logger}
}

// Fetch returns one page of history. Concurrent misses for the same page
// share a single store query.
func (s *Service) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	if req.AffiliationID == "" {
		return FetchResponse{}, ErrAffiliationRequired
	}
	q := store.HistoryQuery{AffiliationID: req.AffiliationID, Page: req.Page, Limit: req.Limit}.Normalize()

	// The generation is read before the store, so a page loaded across an
	// invalidation is written under a generation nobody reads any more.
	cache := s.cache
	var gen Generation
	if cache != nil {
		g, err := cache.Generation(ctx, q.AffiliationID)
		if err != nil {
			s.logger.Warn("History cache unavailable, reading store", "affiliationID", q.AffiliationID, "error", err)
			cache = nil
		}
		gen = g
	}

	if cache != nil {
		var cached FetchResponse
		hit, err := cache.Get(ctx, q.AffiliationID, gen, q.Page, q.Limit, &cached)
		if err != nil {
			s.logger.Warn("History cache read failed", "affiliationID", q.AffiliationID, "error", err)
		}
		if hit {
			cached.Cached = true
			return cached, nil
		}
	}

	key := fmt.Sprintf("%q:%d.%d:%d:%d", q.AffiliationID, gen.All, gen.Affiliation, q.Page, q.Limit)
	v, err, _ := s.group.Do(key, func() (any, error) {
		page, err := s.reader.MessagesByAffiliation(ctx, q)
		if err != nil {
			return FetchResponse{}, err
		}
		resp := FetchResponse{
			AffiliationID: q.AffiliationID,
			Messages:      make([]Entry, 0, len(page.Messages)),
			Total:         page.Total,
			Page:          page.Page,
			Limit:         page.Limit,
		}
		for _, m := range page.Messages {
			resp.Messages = append(resp.Messages, newEntry(m))
		}
		if cache != nil {
			if err := cache.Set(ctx, gen, resp); err != nil {
				s.logger.Warn("History cache write failed", "affiliationID", q.AffiliationID, "error", err)
			}
		}
		return resp, nil
	})
	if err != nil {
		return FetchResponse{}, fmt.Errorf("load history: %w", err)
	}
	return v.(FetchResponse), nil
}

// Invalidate drops cached pages for affiliationID, or every page when it is empty.
func (s *Service) Invalidate(ctx context.Context, affiliationID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, affiliationID); err != nil {
		s.logger.Warn("History cache invalidation failed", "affiliationID", affiliationID, "error", err)
		return
	}
	s.logger.Debug("History cache invalidated", "affiliationID", affiliationID)
}

// CacheStats returns cache counters, or false when no cache is configured.
func (s *Service) CacheStats() (CacheStats, bool) {
	if s.cache == nil {
		return CacheStats{}, false
	}
	return s.cache.Stats(), true
}
