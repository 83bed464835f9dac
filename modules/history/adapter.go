package history

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-monolith/mono"
	"github.com/go-monolith/mono/pkg/helper"
)

// HistoryPort is the history surface other modules use.
type HistoryPort interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
	CacheStats(ctx context.Context) (CacheStatsResponse, error)
}

// HistoryAdapter implements HistoryPort over the service container.
type HistoryAdapter struct {
	container mono.ServiceContainer
}

// NewHistoryAdapter creates a HistoryAdapter.
func NewHistoryAdapter(container mono.ServiceContainer) *HistoryAdapter {
	if container == nil {
		panic("history adapter requires non-nil ServiceContainer")
	}
	return &HistoryAdapter{container: container}
}

// Fetch loads one page of history.
func (a *HistoryAdapter) Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error) {
	var resp FetchResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceFetch,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return FetchResponse{}, fmt.Errorf("fetch request failed: %w", err)
	}
	return resp, nil
}

// CacheStats reports cache counters.
func (a *HistoryAdapter) CacheStats(ctx context.Context) (CacheStatsResponse, error) {
	req := CacheStatsRequest{}
	var resp CacheStatsResponse
	if err := helper.CallRequestReplyService(
		ctx,
		a.container,
		ServiceCacheStats,
		json.Marshal,
		json.Unmarshal,
		&req,
		&resp,
	); err != nil {
		return CacheStatsResponse{}, fmt.Errorf("cache-stats request failed: %w", err)
	}
	return resp, nil
}
