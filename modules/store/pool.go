package store

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/example/support-relay/metrics"
)

// DefaultPoolSize is the number of concurrent store operations allowed.
const DefaultPoolSize = 25

// Pool bounds the number of concurrent operations against a Store.
// Callers block until a slot frees up or their context ends.
type Pool struct {
	store   Store
	sem     *semaphore.Weighted
	size    int64
	inUse   atomic.Int64
	waiting atomic.Int64
}

var _ Store = (*Pool)(nil)

// PoolStats is a point-in-time view of pool occupancy.
type PoolStats struct {
	Size    int64 `json:"size"`
	InUse   int64 `json:"in_use"`
	Waiting int64 `json:"waiting"`
}

// NewPool wraps s with size concurrent slots.
func NewPool(s Store, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{
		store: s,
		sem:   semaphore.NewWeighted(int64(size)),
		size:  int64(size),
	}
}

func (p *Pool) acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	p.waiting.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	metrics.PoolWait.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("acquire store slot: %w", err)
	}
	p.inUse.Add(1)
	return func() {
		p.inUse.Add(-1)
		p.sem.Release(1)
	}, nil
}

// WithTx runs fn in a transaction once a slot is free.
func (p *Pool) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.store.WithTx(ctx, fn)
}

// DeleteMessage deletes once a slot is free.
func (p *Pool) DeleteMessage(ctx context.Context, messageID, affiliationID string) (int64, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()
	return p.store.DeleteMessage(ctx, messageID, affiliationID)
}

// MessagesByAffiliation reads history once a slot is free.
func (p *Pool) MessagesByAffiliation(ctx context.Context, q HistoryQuery) (HistoryPage, error) {
	release, err := p.acquire(ctx)
	if err != nil {
		return HistoryPage{}, err
	}
	defer release()
	return p.store.MessagesByAffiliation(ctx, q)
}

// Ping pings once a slot is free.
func (p *Pool) Ping(ctx context.Context) error {
	release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return p.store.Ping(ctx)
}

// Close closes the wrapped store.
func (p *Pool) Close() error {
	return p.store.Close()
}

// Stats returns current occupancy.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Size:    p.size,
		InUse:   p.inUse.Load(),
		Waiting: p.waiting.Load(),
	}
}
