package marketdata

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// stubProvider counts calls and serves canned results per symbol.
type stubProvider struct {
	mu    sync.Mutex
	calls map[string]int
	bars  map[string][]Bar
	errs  map[string]error
	delay time.Duration
}

func newStubProvider() *stubProvider {
	return &stubProvider{
		calls: make(map[string]int),
		bars:  make(map[string][]Bar),
		errs:  make(map[string]error),
	}
}

func (p *stubProvider) History(ctx context.Context, symbol string) ([]Bar, error) {
	p.mu.Lock()
	p.calls[symbol]++
	bars, err := p.bars[symbol], p.errs[symbol]
	delay := p.delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return bars, err
}

func (p *stubProvider) callCount(symbol string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[symbol]
}

func someBars(closes ...float64) []Bar {
	bars := make([]Bar, len(closes))
	for i, c := range closes {
		bars[i] = Bar{Time: time.Now().Add(time.Duration(i-len(closes)) * 24 * time.Hour), Close: c}
	}
	return bars
}

func TestCache_Get_HitWithinTTL(t *testing.T) {
	// Arrange
	provider := newStubProvider()
	provider.bars["AAPL"] = someBars(100, 101, 102)
	cache := NewCache(provider, time.Minute, time.Second, 3, zap.NewNop())

	// Act
	first, err1 := cache.Get(context.Background(), "AAPL")
	second, err2 := cache.Get(context.Background(), "aapl") // case-insensitive key

	// Assert
	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.Len(t, first, 3)
	assert.Len(t, second, 3)
	assert.Equal(t, 1, provider.callCount("AAPL"), "second Get must be served from cache")

	stats := cache.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestCache_Get_ExpiredEntryRefetches(t *testing.T) {
	// Arrange
	provider := newStubProvider()
	provider.bars["MSFT"] = someBars(300)
	cache := NewCache(provider, 20*time.Millisecond, time.Second, 3, zap.NewNop())

	// Act
	_, err1 := cache.Get(context.Background(), "MSFT")
	time.Sleep(30 * time.Millisecond)
	_, err2 := cache.Get(context.Background(), "MSFT")

	// Assert
	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.Equal(t, 2, provider.callCount("MSFT"))
}

func TestCache_Get_ErrorIsCachedUntilExpiry(t *testing.T) {
	// Arrange
	provider := newStubProvider()
	provider.errs["BAD"] = errors.New("upstream down")
	cache := NewCache(provider, time.Minute, time.Second, 3, zap.NewNop())

	// Act
	_, err1 := cache.Get(context.Background(), "BAD")
	_, err2 := cache.Get(context.Background(), "BAD")

	// Assert
	assert.Error(t, err1)
	assert.Error(t, err2)
	assert.Equal(t, 1, provider.callCount("BAD"), "cached error must not retry the upstream")
	assert.Equal(t, int64(1), cache.Stats().Errors)
}

func TestCache_Get_ConcurrentMissesCollapse(t *testing.T) {
	// Arrange
	provider := newStubProvider()
	provider.bars["TSLA"] = someBars(200, 201)
	provider.delay = 30 * time.Millisecond
	cache := NewCache(provider, time.Minute, time.Second, 3, zap.NewNop())

	// Act
	var wg sync.WaitGroup
	var failures atomic.Int64
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), "TSLA"); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	// Assert
	assert.Equal(t, int64(0), failures.Load())
	assert.Equal(t, 1, provider.callCount("TSLA"), "concurrent misses must share one upstream call")
}

func TestCache_Get_ConcurrencyLimitHolds(t *testing.T) {
	// Arrange
	const limit = 2
	var inFlight, peak atomic.Int64
	provider := &trackingProvider{inFlight: &inFlight, peak: &peak}
	cache := NewCache(provider, time.Minute, time.Second, limit, zap.NewNop())

	// Act
	var wg sync.WaitGroup
	symbols := []string{"A", "B", "C", "D", "E", "F"}
	for _, s := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			_, _ = cache.Get(context.Background(), symbol)
		}(s)
	}
	wg.Wait()

	// Assert
	assert.LessOrEqual(t, peak.Load(), int64(limit))
}

func TestCache_Get_SlotWaitHonorsContext(t *testing.T) {
	// Arrange
	provider := newStubProvider()
	provider.delay = time.Second
	cache := NewCache(provider, time.Minute, 2*time.Second, 1, zap.NewNop())

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = cache.Get(context.Background(), "SLOW")
	}()
	<-started
	time.Sleep(20 * time.Millisecond) // let the slow fetch take the only slot

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	// Act
	_, err := cache.Get(ctx, "OTHER")

	// Assert
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCache_Invalidate(t *testing.T) {
	// Arrange
	provider := newStubProvider()
	provider.bars["NVDA"] = someBars(500)
	cache := NewCache(provider, time.Minute, time.Second, 3, zap.NewNop())
	_, _ = cache.Get(context.Background(), "NVDA")

	// Act
	cache.Invalidate("nvda")
	_, err := cache.Get(context.Background(), "NVDA")

	// Assert
	assert.NoError(t, err)
	assert.Equal(t, 2, provider.callCount("NVDA"))
}

// trackingProvider records the peak number of concurrent History calls.
type trackingProvider struct {
	inFlight *atomic.Int64
	peak     *atomic.Int64
}

func (p *trackingProvider) History(ctx context.Context, symbol string) ([]Bar, error) {
	n := p.inFlight.Add(1)
	for {
		old := p.peak.Load()
		if n <= old || p.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	p.inFlight.Add(-1)
	return someBars(1), nil
}
