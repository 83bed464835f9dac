package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-monolith/mono/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/support-relay/domain/support"
	"github.com/example/support-relay/events"
	"github.com/example/support-relay/modules/store"
)

// mockLogger implements types.Logger for testing
type mockLogger struct{}

func (m *mockLogger) Debug(_ string, _ ...any) {}
func (m *mockLogger) Info(_ string, _ ...any)  {}
func (m *mockLogger) Warn(_ string, _ ...any)  {}
func (m *mockLogger) Error(_ string, _ ...any) {}
func (m *mockLogger) With(_ ...any) types.Logger {
	return m
}
func (m *mockLogger) WithModule(_ string) types.Logger {
	return m
}
func (m *mockLogger) WithError(_ error) types.Logger {
	return m
}

// journal is a shared, ordered log of what the fakes observed.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) count(prefix string) int {
	n := 0
	for _, e := range j.all() {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

// fakeStore keeps rows in memory and can fail or block on demand.
type fakeStore struct {
	log *journal

	mu       sync.Mutex
	rows     map[string]support.Message
	attempts map[string][]time.Time
	failFn   func(messageID string, attempt int) error
	blockOn  map[string]chan struct{}
}

func newFakeStore(log *journal) *fakeStore {
	return &fakeStore{
		log:      log,
		rows:     make(map[string]support.Message),
		attempts: make(map[string][]time.Time),
		blockOn:  make(map[string]chan struct{}),
	}
}

func (s *fakeStore) block(messageID string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan struct{})
	s.blockOn[messageID] = ch
	return ch
}

func (s *fakeStore) attemptTimes(messageID string) []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.attempts[messageID]...)
}

func (s *fakeStore) stored(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rows[messageID]
	return ok
}

func (s *fakeStore) rowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := &fakeTx{store: s, pending: make(map[string]support.Message)}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range tx.pending {
		s.rows[id] = m
	}
	return nil
}

func (s *fakeStore) DeleteMessage(context.Context, string, string) (int64, error) { return 0, nil }
func (s *fakeStore) MessagesByAffiliation(context.Context, store.HistoryQuery) (store.HistoryPage, error) {
	return store.HistoryPage{}, nil
}
func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

type fakeTx struct {
	store   *fakeStore
	pending map[string]support.Message
}

func (t *fakeTx) InsertMessageIfAbsent(ctx context.Context, msg support.Message) (int64, error) {
	s := t.store
	s.mu.Lock()
	s.attempts[msg.MessageID] = append(s.attempts[msg.MessageID], time.Now())
	attempt := len(s.attempts[msg.MessageID])
	block := s.blockOn[msg.MessageID]
	delete(s.blockOn, msg.MessageID)
	failFn := s.failFn
	_, exists := s.rows[msg.MessageID]
	s.mu.Unlock()

	s.log.add("persist %s", msg.MessageID)
	if block != nil {
		<-block
	}
	if failFn != nil {
		if err := failFn(msg.MessageID, attempt); err != nil {
			return 0, err
		}
	}
	if exists {
		return 0, nil
	}
	t.pending[msg.MessageID] = msg
	return 1, nil
}

func (t *fakeTx) InsertAttachment(context.Context, string, string, support.Attachment, time.Time) error {
	return nil
}

// fakeRouter returns whatever recipients are currently configured.
type fakeRouter struct {
	mu         sync.Mutex
	recipients []string
}

func (r *fakeRouter) set(ids ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recipients = ids
}

func (r *fakeRouter) Route(context.Context, support.Message) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.recipients...), nil
}

// fakeDeliverer records deliveries, acks and rejections.
type fakeDeliverer struct {
	log *journal

	mu      sync.Mutex
	acks    []Ack
	rejects []string
}

func (d *fakeDeliverer) Deliver(connectionID string, msg support.Message) bool {
	d.log.add("deliver %s -> %s", msg.MessageID, connectionID)
	return true
}

func (d *fakeDeliverer) Acknowledge(_ string, ack Ack) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acks = append(d.acks, ack)
}

func (d *fakeDeliverer) Reject(_ string, messageID string, _ error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rejects = append(d.rejects, messageID)
}

func (d *fakeDeliverer) snapshot() ([]Ack, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Ack(nil), d.acks...), append([]string(nil), d.rejects...)
}

type fakePublisher struct {
	mu        sync.Mutex
	persisted []events.MessagePersistedEvent
	dropped   []events.MessageDroppedEvent
}

func (p *fakePublisher) MessagePersisted(e events.MessagePersistedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.persisted = append(p.persisted, e)
}

func (p *fakePublisher) MessageDropped(e events.MessageDroppedEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropped = append(p.dropped, e)
}

type fakeInvalidator struct {
	log *journal
}

func (i *fakeInvalidator) Invalidate(_ context.Context, affiliationID string) {
	i.log.add("invalidate %s", affiliationID)
}

type harness struct {
	manager   *Manager
	store     *fakeStore
	router    *fakeRouter
	deliverer *fakeDeliverer
	publisher *fakePublisher
	log       *journal
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BaseRetryDelay = 10 * time.Millisecond
	cfg.MaxRetryDelay = 25 * time.Millisecond
	cfg.DrainInterval = time.Millisecond
	cfg.Capacity = 8
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	log := &journal{}
	h := &harness{
		store:     newFakeStore(log),
		router:    &fakeRouter{},
		deliverer: &fakeDeliverer{log: log},
		publisher: &fakePublisher{},
		log:       log,
	}
	h.manager = NewManager(cfg, h.store, h.router, h.deliverer, &mockLogger{})
	h.manager.SetPublisher(h.publisher)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.manager.Stop(ctx)
	})
	return h
}

func msg(id, sender string) support.Message {
	return support.Message{MessageID: id, SenderConnectionID: sender, Text: "hello " + id, SenderRole: support.SenderUser}
}

func TestManager_FIFOPerConnection(t *testing.T) {
	h := newHarness(t, testConfig())
	h.router.set("admin-1")
	require.NoError(t, h.manager.Open("drv"))

	for i := 1; i <= 5; i++ {
		require.NoError(t, h.manager.Enqueue("drv", msg(fmt.Sprintf("m%d", i), "drv")))
	}

	require.Eventually(t, func() bool { return h.log.count("deliver") == 5 }, time.Second, 5*time.Millisecond)

	want := []string{}
	for i := 1; i <= 5; i++ {
		want = append(want, fmt.Sprintf("persist m%d", i), fmt.Sprintf("deliver m%d -> admin-1", i))
	}
	assert.Equal(t, want, h.log.all())

	acks, _ := h.deliverer.snapshot()
	require.Len(t, acks, 5)
	for i := 1; i < len(acks); i++ {
		assert.False(t, acks[i].Timestamp.Before(acks[i-1].Timestamp), "timestamps must not go backwards")
	}
}

func TestManager_RetryBoundAndBackoff(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg)
	h.store.failFn = func(string, int) error { return errors.New("connection reset") }
	require.NoError(t, h.manager.Open("drv"))

	require.NoError(t, h.manager.Enqueue("drv", msg("doomed", "drv")))
	require.NoError(t, h.manager.Enqueue("drv", msg("next", "drv")))

	require.Eventually(t, func() bool {
		_, rejects := h.deliverer.snapshot()
		return len(rejects) == 2
	}, 2*time.Second, 5*time.Millisecond)

	times := h.store.attemptTimes("doomed")
	require.Len(t, times, cfg.MaxRetries+1, "one initial attempt plus MaxRetries retries")

	// 10ms, 20ms, then capped at 25ms.
	wantGaps := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond}
	for i, want := range wantGaps {
		gap := times[i+1].Sub(times[i])
		assert.GreaterOrEqual(t, gap, want, "gap before retry %d", i+1)
	}

	_, rejects := h.deliverer.snapshot()
	assert.Equal(t, []string{"doomed", "next"}, rejects)

	h.publisher.mu.Lock()
	defer h.publisher.mu.Unlock()
	require.Len(t, h.publisher.dropped, 2)
	assert.Equal(t, ReasonExhausted, h.publisher.dropped[0].Reason)
	assert.Equal(t, cfg.MaxRetries, h.publisher.dropped[0].Retries)
}

func TestManager_TransientThenSuccess(t *testing.T) {
	h := newHarness(t, testConfig())
	h.router.set("admin-1")
	h.store.failFn = func(_ string, attempt int) error {
		if attempt <= 2 {
			return errors.New("deadlock detected")
		}
		return nil
	}
	require.NoError(t, h.manager.Open("drv"))
	require.NoError(t, h.manager.Enqueue("drv", msg("m1", "drv")))

	require.Eventually(t, func() bool { return h.log.count("deliver") == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.store.attemptTimes("m1"), 3)
	assert.True(t, h.store.stored("m1"))

	_, rejects := h.deliverer.snapshot()
	assert.Empty(t, rejects)
}

func TestManager_PermanentFailureSkipsRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.router.set("admin-1")
	h.store.failFn = func(id string, _ int) error {
		if id == "bad" {
			return fmt.Errorf("%w: check constraint", store.ErrPermanent)
		}
		return nil
	}
	require.NoError(t, h.manager.Open("drv"))
	require.NoError(t, h.manager.Enqueue("drv", msg("bad", "drv")))
	require.NoError(t, h.manager.Enqueue("drv", msg("good", "drv")))

	require.Eventually(t, func() bool { return h.log.count("deliver") == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, h.store.attemptTimes("bad"), 1)

	_, rejects := h.deliverer.snapshot()
	assert.Equal(t, []string{"bad"}, rejects)
}

func TestManager_DuplicateStillRoutes(t *testing.T) {
	h := newHarness(t, testConfig())
	h.router.set("admin-1")
	require.NoError(t, h.manager.Open("drv"))

	require.NoError(t, h.manager.Enqueue("drv", msg("m1", "drv")))
	require.NoError(t, h.manager.Enqueue("drv", msg("m1", "drv")))

	require.Eventually(t, func() bool { return h.log.count("deliver") == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.store.rowCount())

	acks, _ := h.deliverer.snapshot()
	require.Len(t, acks, 2)
	assert.False(t, acks[0].Duplicate)
	assert.True(t, acks[1].Duplicate)
	assert.Equal(t, 1, acks[1].Recipients)
}

func TestManager_InvalidatesBeforeDelivery(t *testing.T) {
	h := newHarness(t, testConfig())
	h.manager.SetInvalidator(&fakeInvalidator{log: h.log})
	h.router.set("admin-1")
	require.NoError(t, h.manager.Open("drv"))

	m := msg("m1", "drv")
	m.DriverAffiliation = "drv-1"
	require.NoError(t, h.manager.Enqueue("drv", m))
	require.Eventually(t, func() bool { return h.log.count("deliver") == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"persist m1", "invalidate drv-1", "deliver m1 -> admin-1"}, h.log.all())

	// A duplicate changes nothing stored, so cached pages stay valid.
	require.NoError(t, h.manager.Enqueue("drv", m))
	require.Eventually(t, func() bool { return h.log.count("deliver") == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.log.count("invalidate"))
	require.Eventually(t, func() bool {
		acks, _ := h.deliverer.snapshot()
		return len(acks) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestManager_LateBindingRoute(t *testing.T) {
	h := newHarness(t, testConfig())
	release := h.store.block("m1")
	require.NoError(t, h.manager.Open("adm"))
	require.NoError(t, h.manager.Enqueue("adm", msg("m1", "adm")))

	// The recipient comes online while m1 is still being persisted.
	require.Eventually(t, func() bool { return h.log.count("persist") == 1 }, time.Second, time.Millisecond)
	h.router.set("drv-late")
	close(release)

	require.Eventually(t, func() bool { return h.log.count("deliver") == 1 }, time.Second, 5*time.Millisecond)
	assert.Contains(t, h.log.all(), "deliver m1 -> drv-late")
}

func TestManager_CloseAbandonsPending(t *testing.T) {
	h := newHarness(t, testConfig())
	h.router.set("admin-1")
	release := h.store.block("m0")
	require.NoError(t, h.manager.Open("drv"))

	require.NoError(t, h.manager.Enqueue("drv", msg("m0", "drv")))
	require.Eventually(t, func() bool { return h.log.count("persist") == 1 }, time.Second, time.Millisecond)
	require.NoError(t, h.manager.Enqueue("drv", msg("m1", "drv")))
	require.NoError(t, h.manager.Enqueue("drv", msg("m2", "drv")))

	abandoned := h.manager.Close("drv")
	assert.Equal(t, 2, abandoned)
	close(release)

	// The in-flight transaction commits; nothing is delivered.
	require.Eventually(t, func() bool { return h.store.stored("m0") }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.log.count("deliver"))
	assert.False(t, h.store.stored("m1"))
	assert.False(t, h.store.stored("m2"))

	assert.ErrorIs(t, h.manager.Enqueue("drv", msg("m3", "drv")), ErrConnectionClosed)
}

func TestManager_CloseDuringBackoff(t *testing.T) {
	cfg := testConfig()
	cfg.BaseRetryDelay = time.Second
	cfg.MaxRetryDelay = time.Second
	h := newHarness(t, cfg)
	h.store.failFn = func(string, int) error { return errors.New("timeout") }
	require.NoError(t, h.manager.Open("drv"))
	require.NoError(t, h.manager.Enqueue("drv", msg("m1", "drv")))

	require.Eventually(t, func() bool { return len(h.store.attemptTimes("m1")) == 1 }, time.Second, time.Millisecond)
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 1, h.manager.Close("drv"))
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, h.store.attemptTimes("m1"), 1, "closed queue must not retry")
	_, rejects := h.deliverer.snapshot()
	assert.Empty(t, rejects)
}

func TestManager_IndependentConnections(t *testing.T) {
	h := newHarness(t, testConfig())
	h.router.set("admin-1")
	release := h.store.block("slow")
	defer close(release)

	require.NoError(t, h.manager.Open("a"))
	require.NoError(t, h.manager.Open("b"))
	require.NoError(t, h.manager.Enqueue("a", msg("slow", "a")))
	require.NoError(t, h.manager.Enqueue("a", msg("after-slow", "a")))
	require.NoError(t, h.manager.Enqueue("b", msg("fast", "b")))

	require.Eventually(t, func() bool {
		for _, e := range h.log.all() {
			if e == "deliver fast -> admin-1" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.False(t, h.store.stored("after-slow"))
	assert.Equal(t, 2, h.manager.Pending("a"))
}

func TestManager_EnqueueErrors(t *testing.T) {
	cfg := testConfig()
	cfg.Capacity = 2
	h := newHarness(t, cfg)
	release := h.store.block("m0")
	defer close(release)

	assert.ErrorIs(t, h.manager.Enqueue("ghost", msg("x", "ghost")), ErrConnectionClosed)

	require.NoError(t, h.manager.Open("drv"))
	require.NoError(t, h.manager.Enqueue("drv", msg("m0", "drv")))
	require.NoError(t, h.manager.Enqueue("drv", msg("m1", "drv")))
	assert.ErrorIs(t, h.manager.Enqueue("drv", msg("m2", "drv")), ErrQueueFull)
}

func TestManager_Status(t *testing.T) {
	h := newHarness(t, testConfig())
	release := h.store.block("m0")
	defer close(release)
	require.NoError(t, h.manager.Open("drv"))

	long := msg("m0", "drv")
	long.Text = strings.Repeat("x", 80)
	require.NoError(t, h.manager.Enqueue("drv", long))
	for i := 1; i <= 6; i++ {
		require.NoError(t, h.manager.Enqueue("drv", msg(fmt.Sprintf("m%d", i), "drv")))
	}

	st := h.manager.Status()
	assert.Equal(t, 1, st.TotalQueues)
	assert.Equal(t, 7, st.TotalPending)
	require.Len(t, st.Queues, 1)
	q := st.Queues[0]
	assert.Equal(t, "drv", q.ConnectionID)
	assert.Len(t, q.Pending, MaxPreviewItems)
	assert.Len(t, q.Pending[0].Text, 50)
}

func TestManager_Stop(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.manager.Open("drv"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.manager.Stop(ctx))

	assert.ErrorIs(t, h.manager.Enqueue("drv", msg("m1", "drv")), ErrStopped)
	assert.ErrorIs(t, h.manager.Open("other"), ErrStopped)
}

func TestConfig_RetryDelay(t *testing.T) {
	cfg := DefaultConfig()
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.RetryDelay(tt.retry); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}
