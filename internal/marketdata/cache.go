package marketdata

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// entry is one cached fetch result. A failed fetch is cached too, so a
// symbol with a broken upstream is not retried on every bot cycle.
type entry struct {
	bars []Bar
	err  error
	at   time.Time
}

// Stats are cumulative counters for cache observability.
type Stats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Collapsed int64 `json:"collapsed"`
	Errors    int64 `json:"errors"`
}

// Cache is a TTL-bounded cache in front of a Provider, shared by all bots.
// A bounded slot pool limits the total number of in-flight upstream
// fetches process-wide, and concurrent misses for the same symbol are
// collapsed into a single upstream call.
type Cache struct {
	provider     Provider
	ttl          time.Duration
	fetchTimeout time.Duration
	logger       *zap.Logger

	slots chan struct{}

	mu      sync.Mutex
	entries map[string]*entry
	fetchMu map[string]*sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// NewCache creates a market data cache. maxConcurrent bounds the number of
// simultaneous upstream fetches across all callers.
func NewCache(provider Provider, ttl, fetchTimeout time.Duration, maxConcurrent int, logger *zap.Logger) *Cache {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Cache{
		provider:     provider,
		ttl:          ttl,
		fetchTimeout: fetchTimeout,
		logger:       logger.Named("marketdata"),
		slots:        make(chan struct{}, maxConcurrent),
		entries:      make(map[string]*entry),
		fetchMu:      make(map[string]*sync.Mutex),
	}
}

// Get returns the cached history for symbol, fetching from the provider on
// a miss or an expired entry. A cached fetch error is returned as an error
// until its entry expires; callers treat it as "no data this cycle".
func (c *Cache) Get(ctx context.Context, symbol string) ([]Bar, error) {
	key := strings.ToUpper(symbol)

	if bars, err, ok := c.lookup(key); ok {
		c.count(func(s *Stats) { s.Hits++ })
		return bars, err
	}
	c.count(func(s *Stats) { s.Misses++ })

	// Acquire a global fetch slot before touching the upstream source.
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for fetch slot: %w", ctx.Err())
	}
	defer func() { <-c.slots }()

	// Serialize fetches per symbol and re-check the cache, so concurrent
	// misses for the same symbol result in exactly one upstream call.
	fm := c.fetchLock(key)
	fm.Lock()
	defer fm.Unlock()

	if bars, err, ok := c.lookup(key); ok {
		c.count(func(s *Stats) { s.Collapsed++ })
		return bars, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	bars, err := c.provider.History(fetchCtx, key)
	if err != nil {
		err = fmt.Errorf("fetch %s: %w", key, err)
		c.count(func(s *Stats) { s.Errors++ })
		c.logger.Warn("Upstream fetch failed", zap.String("symbol", key), zap.Error(err))
	}

	c.mu.Lock()
	c.entries[key] = &entry{bars: bars, err: err, at: time.Now()}
	c.mu.Unlock()

	return bars, err
}

// Invalidate drops the cached entry for symbol, forcing the next Get to
// hit the provider.
func (c *Cache) Invalidate(symbol string) {
	c.mu.Lock()
	delete(c.entries, strings.ToUpper(symbol))
	c.mu.Unlock()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Cache) lookup(key string) ([]Bar, error, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || time.Since(e.at) >= c.ttl {
		return nil, nil, false
	}
	return e.bars, e.err, true
}

func (c *Cache) fetchLock(key string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.fetchMu[key]
	if !ok {
		m = &sync.Mutex{}
		c.fetchMu[key] = m
	}
	return m
}

func (c *Cache) count(f func(*Stats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}
