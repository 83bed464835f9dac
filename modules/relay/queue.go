// Package relay persists and delivers messages through per-connection queues.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-monolith/mono/pkg/types"

	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/events"
	"github.com/example/support-relay/metrics"
	"github.com/example/support-relay/modules/store"
)

// Queue errors
var (
	ErrQueueFull        = errors.New("outbound queue full")
	ErrConnectionClosed = errors.New("connection closed")
	ErrStopped          = errors.New("relay stopped")
)

// Drop reasons reported in metrics and events.
const (
	ReasonPermanent = "permanent"
	ReasonExhausted = "retries_exhausted"
)

// Router resolves recipients for a message against live presence state.
type Router interface {
	Route(ctx context.Context, msg support.Message) ([]string, error)
}

// Deliverer pushes relay output to client connections.
type Deliverer interface {
	// Deliver sends msg to a recipient and reports whether it was accepted.
	Deliver(connectionID string, msg support.Message) bool
	// Acknowledge tells the sender its message was stored.
	Acknowledge(connectionID string, ack Ack)
	// Reject tells the sender its message was dropped.
	Reject(connectionID, messageID string, err error)
}

// Publisher emits relay domain events. Implementations must not block.
type Publisher interface {
	MessagePersisted(events.MessagePersistedEvent)
	MessageDropped(events.MessageDroppedEvent)
}

// Invalidator drops derived views of an affiliation's stored history, such
// as cached pages. It runs synchronously after a new row commits and before
// the message is delivered or acknowledged.
type Invalidator interface {
	Invalidate(ctx context.Context, affiliationID string)
}

// Ack confirms that a message was stored.
type Ack struct {
	MessageID  string    `json:"message_id"`
	Timestamp  time.Time `json:"timestamp"`
	Duplicate  bool      `json:"duplicate"`
	Recipients int       `json:"recipients"`
}

// Item is a message waiting on a connection's queue.
type Item struct {
	Message    support.Message
	Retries    int
	EnqueuedAt time.Time
}

type queue struct {
	connectionID string
	items        []*Item
	running      bool
	persisting   bool
	closed       bool
	cancel       chan struct{}
}

// Manager owns one outbound queue per open connection. Each queue is drained
// by at most one worker goroutine, which exits when the queue empties and is
// started again by the next Enqueue.
type Manager struct {
	cfg         Config
	store       store.Store
	router      Router
	deliverer   Deliverer
	publisher   Publisher
	invalidator Invalidator
	logger      types.Logger
	now         func() time.Time

	mu       sync.Mutex
	queues   map[string]*queue
	stopped  bool
	stopping chan struct{}
	wg       sync.WaitGroup
}

// NewManager creates a queue manager.
func NewManager(cfg Config, s store.Store, router Router, deliverer Deliverer, logger types.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     s,
		router:    router,
		deliverer: deliverer,
		logger:    logger,
		now:       time.Now,
		queues:    make(map[string]*queue),
		stopping:  make(chan struct{}),
	}
}

// SetPublisher sets the domain event sink.
func (m *Manager) SetPublisher(p Publisher) {
	m.publisher = p
}

// SetInvalidator sets the hook run after each new row commits.
func (m *Manager) SetInvalidator(inv Invalidator) {
	m.invalidator = inv
}

// Open creates the queue for a newly connected connection.
func (m *Manager) Open(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if _, ok := m.queues[connectionID]; !ok {
		m.queues[connectionID] = &queue{
			connectionID: connectionID,
			cancel:       make(chan struct{}),
		}
	}
	return nil
}

// Close discards the queue for connectionID and returns how many pending
// messages were abandoned. A transaction already in flight still commits,
// but its message is not delivered.
func (m *Manager) Close(connectionID string) int {
	m.mu.Lock()
	q, ok := m.queues[connectionID]
	if !ok {
		m.mu.Unlock()
		return 0
	}
	delete(m.queues, connectionID)
	abandoned := m.discardLocked(q)
	m.mu.Unlock()

	if abandoned > 0 {
		metrics.MessagesAbandoned.Add(float64(abandoned))
		m.logger.Warn("Abandoned queued messages on disconnect",
			"connectionID", connectionID,
			"abandoned", abandoned)
	}
	return abandoned
}

func (m *Manager) discardLocked(q *queue) int {
	abandoned := len(q.items)
	if q.persisting && abandoned > 0 {
		abandoned--
	}
	q.items = nil
	if !q.closed {
		q.closed = true
		close(q.cancel)
	}
	return abandoned
}

// Enqueue appends msg to the connection's queue, starting a worker if none is running.
func (m *Manager) Enqueue(connectionID string, msg support.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return ErrStopped
	}
	q, ok := m.queues[connectionID]
	if !ok || q.closed {
		return ErrConnectionClosed
	}
	if len(q.items) >= m.cfg.Capacity {
		return fmt.Errorf("%w: %d messages pending", ErrQueueFull, len(q.items))
	}

	q.items = append(q.items, &Item{Message: msg, EnqueuedAt: m.now()})
	metrics.MessagesEnqueued.Inc()

	if !q.running {
		q.running = true
		m.wg.Add(1)
		go m.drain(q)
	}
	return nil
}

func (m *Manager) drain(q *queue) {
	defer m.wg.Done()
	for {
		item, ok := m.head(q)
		if !ok {
			return
		}
		if !m.process(q, item) {
			return
		}
		if !m.sleep(q, m.cfg.DrainInterval) {
			return
		}
	}
}

// head returns the next item, or marks the worker finished when there is none.
func (m *Manager) head(q *queue) (*Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.closed || len(q.items) == 0 {
		q.running = false
		return nil, false
	}
	return q.items[0], true
}

// process runs item to completion. It returns false when the queue was closed.
func (m *Manager) process(q *queue, item *Item) bool {
	for {
		if !m.beginAttempt(q) {
			return false
		}
		inserted, err := m.persist(item)
		closed := m.endAttempt(q)

		if err == nil {
			if inserted {
				m.invalidate(item.Message)
			}
			if closed {
				m.logger.Info("Message stored after disconnect, delivery suppressed",
					"connectionID", q.connectionID,
					"messageID", item.Message.MessageID)
				m.publishPersisted(item, inserted, 0)
				return false
			}
			m.pop(q)
			m.deliver(item, inserted)
			return true
		}

		if closed {
			m.logger.Warn("Persistence failed after disconnect, not retrying",
				"connectionID", q.connectionID,
				"messageID", item.Message.MessageID,
				"error", err)
			return false
		}

		if store.IsPermanent(err) {
			m.pop(q)
			m.drop(item, ReasonPermanent, err)
			return true
		}
		if item.Retries >= m.cfg.MaxRetries {
			m.pop(q)
			m.drop(item, ReasonExhausted, err)
			return true
		}

		m.mu.Lock()
		item.Retries++
		retry := item.Retries
		m.mu.Unlock()

		delay := m.cfg.RetryDelay(retry)
		metrics.PersistRetries.Inc()
		m.logger.Warn("Persistence failed, retrying",
			"connectionID", q.connectionID,
			"messageID", item.Message.MessageID,
			"retry", retry,
			"delay", delay.String(),
			"error", err)
		if !m.sleep(q, delay) {
			return false
		}
	}
}

func (m *Manager) beginAttempt(q *queue) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.closed {
		return false
	}
	q.persisting = true
	return true
}

func (m *Manager) endAttempt(q *queue) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	q.persisting = false
	return q.closed
}

func (m *Manager) pop(q *queue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(q.items) > 0 {
		q.items[0] = nil
		q.items = q.items[1:]
	}
}

// persist writes the message and its attachments in one transaction. The
// context is detached from the connection so a disconnect cannot interrupt it.
func (m *Manager) persist(item *Item) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.PersistTimeout)
	defer cancel()

	msg := &item.Message
	msg.Timestamp = m.now().UTC()

	start := time.Now()
	var inserted bool
	err := m.store.WithTx(ctx, func(tx store.Tx) error {
		n, err := tx.InsertMessageIfAbsent(ctx, *msg)
		if err != nil {
			return err
		}
		inserted = n > 0
		if !inserted {
			return nil
		}
		for _, a := range msg.Attachments {
			if err := tx.InsertAttachment(ctx, msg.MessageID, msg.AffiliationID(), a, msg.Timestamp); err != nil {
				return err
			}
		}
		return nil
	})
	metrics.PersistDuration.Observe(time.Since(start).Seconds())
	return inserted, err
}

func (m *Manager) invalidate(msg support.Message) {
	if m.invalidator == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RouteTimeout)
	defer cancel()
	m.invalidator.Invalidate(ctx, msg.AffiliationID())
}

func (m *Manager) deliver(item *Item, inserted bool) {
	msg := item.Message
	result := "inserted"
	if !inserted {
		result = "duplicate"
	}
	metrics.MessagesPersisted.WithLabelValues(result).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.RouteTimeout)
	recipients, err := m.router.Route(ctx, msg)
	cancel()
	if err != nil {
		m.logger.Error("Failed to route message",
			"messageID", msg.MessageID,
			"error", err)
	}

	delivered := 0
	for _, id := range recipients {
		if m.deliverer.Deliver(id, msg) {
			delivered++
		}
	}
	metrics.Deliveries.Add(float64(delivered))

	m.deliverer.Acknowledge(msg.SenderConnectionID, Ack{
		MessageID:  msg.MessageID,
		Timestamp:  msg.Timestamp,
		Duplicate:  !inserted,
		Recipients: delivered,
	})
	m.logger.Debug("Message delivered",
		"messageID", msg.MessageID,
		"duplicate", !inserted,
		"recipients", delivered)
	m.publishPersisted(item, inserted, delivered)
}

func (m *Manager) drop(item *Item, reason string, err error) {
	msg := item.Message
	metrics.MessagesDropped.WithLabelValues(reason).Inc()
	m.logger.Error("Dropping message",
		"connectionID", msg.SenderConnectionID,
		"messageID", msg.MessageID,
		"reason", reason,
		"retries", item.Retries,
		"error", err)

	m.deliverer.Reject(msg.SenderConnectionID, msg.MessageID, err)
	if m.publisher != nil {
		m.publisher.MessageDropped(events.MessageDroppedEvent{
			MessageID: msg.MessageID,
			SenderID:  msg.SenderConnectionID,
			Reason:    reason,
			Retries:   item.Retries,
			DroppedAt: m.now().UTC(),
		})
	}
}

func (m *Manager) publishPersisted(item *Item, inserted bool, recipients int) {
	if m.publisher == nil {
		return
	}
	m.publisher.MessagePersisted(events.MessagePersistedEvent{
		MessageID:     item.Message.MessageID,
		AffiliationID: item.Message.AffiliationID(),
		SenderID:      item.Message.SenderConnectionID,
		Inserted:      inserted,
		Recipients:    recipients,
		PersistedAt:   item.Message.Timestamp,
	})
}

// sleep waits for d. It returns false if the queue closed or the manager stopped first.
func (m *Manager) sleep(q *queue, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-q.cancel:
			return false
		case <-m.stopping:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-q.cancel:
		return false
	case <-m.stopping:
		return false
	}
}

// Stop refuses new work, interrupts queued and backing-off items, and waits
// for in-flight transactions to finish.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopping)
	abandoned := 0
	for id, q := range m.queues {
		abandoned += m.discardLocked(q)
		delete(m.queues, id)
	}
	m.mu.Unlock()

	if abandoned > 0 {
		metrics.MessagesAbandoned.Add(float64(abandoned))
		m.logger.Warn("Abandoned queued messages on shutdown", "abandoned", abandoned)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for queue workers: %w", ctx.Err())
	}
}

// Pending returns the number of messages waiting for connectionID,
// including one being persisted.
func (m *Manager) Pending(connectionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[connectionID]; ok {
		return len(q.items)
	}
	return 0
}

// MaxPreviewItems bounds the pending previews reported per queue.
const MaxPreviewItems = 5

const previewTextLength = 50

// PendingPreview summarises a queued message.
type PendingPreview struct {
	MessageID string    `json:"id"`
	Text      string    `json:"text"`
	QueuedAt  time.Time `json:"queued_at"`
	Retries   int       `json:"retries"`
}

// QueueStatus describes one connection's queue.
type QueueStatus struct {
	ConnectionID string           `json:"connection_id"`
	Length       int              `json:"length"`
	Processing   bool             `json:"processing"`
	Pending      []PendingPreview `json:"pending"`
}

// Status summarises every queue.
type Status struct {
	TotalQueues  int           `json:"total_queues"`
	TotalPending int           `json:"total_pending_messages"`
	Queues       []QueueStatus `json:"queues"`
}

// Status returns a snapshot of all queues, ordered by connection id.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Queues: []QueueStatus{}}
	for id, q := range m.queues {
		if len(q.items) == 0 {
			continue
		}
		qs := QueueStatus{
			ConnectionID: id,
			Length:       len(q.items),
			Processing:   q.running,
			Pending:      make([]PendingPreview, 0, min(len(q.items), MaxPreviewItems)),
		}
		for i, it := range q.items {
			if i == MaxPreviewItems {
				break
			}
			qs.Pending = append(qs.Pending, PendingPreview{
				MessageID: it.Message.MessageID,
				Text:      truncate(it.Message.Text, previewTextLength),
				QueuedAt:  it.EnqueuedAt,
				Retries:   it.Retries,
			})
		}
		st.Queues = append(st.Queues, qs)
		st.TotalPending += len(q.items)
	}
	st.TotalQueues = len(st.Queues)
	sort.Slice(st.Queues, func(i, j int) bool {
		return st.Queues[i].ConnectionID < st.Queues[j].ConnectionID
	})
	return st
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
