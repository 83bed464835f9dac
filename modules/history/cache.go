package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/support-relay/metrics"
)

const defaultPrefix = "history:"

// Cache stores rendered history pages in Redis.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration

	hits          atomic.Uint64
	misses        atomic.Uint64
	sets          atomic.Uint64
	invalidations atomic.Uint64
	failures      atomic.Uint64
}

// CacheStats is a snapshot of cache counters.
type CacheStats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	Sets          uint64  `json:"sets"`
	Invalidations uint64  `json:"invalidations"`
	Errors        uint64  `json:"errors"`
	HitRate       float64 `json:"hit_rate"`
}

// NewCache creates a page cache. An empty prefix uses "history:".
func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

// Generation stamps a cached page. Invalidation bumps a counter, so a page
// built under an older generation is never read again and expires with its
// TTL. A load that overlaps an invalidation writes only unreachable keys.
type Generation struct {
	All         int64
	Affiliation int64
}

func (c *Cache) globalGenKey() string {
	return c.prefix + "gen"
}

// Affiliation ids are quoted so that no id can collide with another's keys.
func (c *Cache) genKey(affiliationID string) string {
	return c.prefix + "gen:" + strconv.Quote(affiliationID)
}

func (c *Cache) pageKey(affiliationID string, gen Generation, page, limit int) string {
	return fmt.Sprintf("%spage:%s:%d.%d:%d:%d", c.prefix, strconv.Quote(affiliationID), gen.All, gen.Affiliation, page, limit)
}

// Generation reads the current generation of affiliationID's pages.
func (c *Cache) Generation(ctx context.Context, affiliationID string) (Generation, error) {
	vals, err := c.client.MGet(ctx, c.globalGenKey(), c.genKey(affiliationID)).Result()
	if err != nil {
		c.failures.Add(1)
		return Generation{}, fmt.Errorf("cache generation error: %w", err)
	}
	var gen Generation
	for i, v := range vals {
		if v == nil {
			continue
		}
		s, _ := v.(string)
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			c.failures.Add(1)
			return Generation{}, fmt.Errorf("cache generation %q: %w", s, err)
		}
		if i == 0 {
			gen.All = n
		} else {
			gen.Affiliation = n
		}
	}
	return gen, nil
}

// Get loads a cached page. A miss is reported as (false, nil).
func (c *Cache) Get(ctx context.Context, affiliationID string, gen Generation, page, limit int, dest *FetchResponse) (bool, error) {
	data, err := c.client.Get(ctx, c.pageKey(affiliationID, gen, page, limit)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			c.misses.Add(1)
			metrics.HistoryCacheRequests.WithLabelValues("miss").Inc()
			return false, nil
		}
		c.failures.Add(1)
		metrics.HistoryCacheRequests.WithLabelValues("error").Inc()
		return false, fmt.Errorf("cache get error: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		c.failures.Add(1)
		metrics.HistoryCacheRequests.WithLabelValues("error").Inc()
		return false, fmt.Errorf("cache unmarshal error: %w", err)
	}
	c.hits.Add(1)
	metrics.HistoryCacheRequests.WithLabelValues("hit").Inc()
	return true, nil
}

// Set stores a page under the generation it was loaded in.
func (c *Cache) Set(ctx context.Context, gen Generation, resp FetchResponse) error {
	data, err := json.Marshal(resp)
	if err != nil {
		c.failures.Add(1)
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if err := c.client.Set(ctx, c.pageKey(resp.AffiliationID, gen, resp.Page, resp.Limit), data, c.ttl).Err(); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("cache set error: %w", err)
	}
	c.sets.Add(1)
	return nil
}

// Invalidate retires every cached page for affiliationID. An empty
// affiliation retires the whole history cache.
func (c *Cache) Invalidate(ctx context.Context, affiliationID string) error {
	key := c.globalGenKey()
	if affiliationID != "" {
		key = c.genKey(affiliationID)
	}
	if err := c.client.Incr(ctx, key).Err(); err != nil {
		c.failures.Add(1)
		return fmt.Errorf("cache invalidate error: %w", err)
	}
	c.invalidations.Add(1)
	return nil
}

// Purge deletes every key under the cache prefix, generations included.
func (c *Cache) Purge(ctx context.Context) (int, error) {
	var (
		cursor  uint64
		deleted int
	)
	pattern := escapeGlob(c.prefix) + "*"
	for {
		keys, next, err := c.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			c.failures.Add(1)
			return deleted, fmt.Errorf("cache scan error: %w", err)
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.failures.Add(1)
				return deleted, fmt.Errorf("cache delete error: %w", err)
			}
			deleted += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// escapeGlob quotes the metacharacters of a Redis MATCH pattern.
func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Stats returns the current counters.
func (c *Cache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return CacheStats{
		Hits:          hits,
		Misses:        misses,
		Sets:          c.sets.Load(),
		Invalidations: c.invalidations.Load(),
		Errors:        c.failures.Load(),
		HitRate:       rate,
	}
}

// Ping checks the Redis connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}
