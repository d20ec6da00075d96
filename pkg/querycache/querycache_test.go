package querycache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, maxEntries int, maxBytes int64) *Cache {
	t.Helper()
	c := New(maxEntries, maxBytes, time.Minute, 0) // no background sweeper in tests
	t.Cleanup(c.Stop)
	return c
}

func TestKeyNormalization(t *testing.T) {
	k1 := Key("SELECT * FROM market_data WHERE symbol = $1", "AAPL")
	k2 := Key("select  *\n\tfrom market_data\nwhere symbol = $1", "AAPL")
	assert.Equal(t, k1, k2, "case and whitespace differences should not change the key")

	k3 := Key("SELECT * FROM market_data WHERE symbol = $1", "MSFT")
	assert.NotEqual(t, k1, k3, "different arguments must produce different keys")

	k4 := Key("SELECT * FROM trades WHERE symbol = $1", "AAPL")
	assert.NotEqual(t, k1, k4, "different statements must produce different keys")

	// Literal case is preserved.
	k5 := Key("SELECT 'ABC'")
	k6 := Key("SELECT 'abc'")
	assert.NotEqual(t, k5, k6)
}

func TestGetOrComputeCachesValue(t *testing.T) {
	c := newTestCache(t, 100, 0)

	var calls int
	fn := func(ctx context.Context) (any, int64, error) {
		calls++
		return "result", 16, nil
	}

	v, err := c.GetOrCompute(context.Background(), "k", []string{"market_data"}, time.Minute, fn)
	require.NoError(t, err)
	assert.Equal(t, "result", v)

	v, err = c.GetOrCompute(context.Background(), "k", []string{"market_data"}, time.Minute, fn)
	require.NoError(t, err)
	assert.Equal(t, "result", v)
	assert.Equal(t, 1, calls, "second call must be served from cache")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	c := newTestCache(t, 100, 0)

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(ctx context.Context) (any, int64, error) {
		calls.Add(1)
		<-release
		return "shared", 16, nil
	}

	const goroutines = 20
	var wg sync.WaitGroup
	results := make([]any, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.GetOrCompute(context.Background(), "hot-key", nil, time.Minute, fn)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	// Give every goroutine time to reach the flight group.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must collapse into one computation")
	for _, v := range results {
		assert.Equal(t, "shared", v)
	}
}

func TestGetOrComputeErrorNotCached(t *testing.T) {
	c := newTestCache(t, 100, 0)

	boom := errors.New("query failed")
	var calls int
	_, err := c.GetOrCompute(context.Background(), "k", nil, time.Minute, func(ctx context.Context) (any, int64, error) {
		calls++
		return nil, 0, boom
	})
	assert.ErrorIs(t, err, boom)

	v, err := c.GetOrCompute(context.Background(), "k", nil, time.Minute, func(ctx context.Context) (any, int64, error) {
		calls++
		return "ok", 8, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls, "a failed computation must not poison the cache")
}

func TestTTLExpiry(t *testing.T) {
	c := newTestCache(t, 100, 0)

	c.Set("k", "v", 8, nil, 20*time.Millisecond)
	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must not be served")
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestInvalidateByTable(t *testing.T) {
	c := newTestCache(t, 100, 0)

	c.Set("a", 1, 8, []string{"market_data"}, time.Minute)
	c.Set("b", 2, 8, []string{"market_data", "symbols"}, time.Minute)
	c.Set("c", 3, 8, []string{"system_logs"}, time.Minute)

	removed := c.Invalidate("market_data")
	assert.Equal(t, 2, removed)

	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.False(t, ok)

	// Entries tagged with unrelated tables survive.
	v, ok := c.Get("c")
	assert.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestInvalidateAll(t *testing.T) {
	c := newTestCache(t, 100, 0)

	c.Set("a", 1, 8, []string{"market_data"}, time.Minute)
	c.Set("b", 2, 8, []string{"symbols"}, time.Minute)
	c.InvalidateAll()

	assert.Equal(t, 0, c.Stats().Entries)
	assert.Equal(t, int64(0), c.Stats().Bytes)
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestEvictionPrefersExpiredOverLRU(t *testing.T) {
	c := newTestCache(t, 3, 0)

	c.Set("expired", 1, 8, nil, time.Nanosecond)
	time.Sleep(time.Millisecond)
	c.Set("old", 2, 8, nil, time.Minute)
	c.Set("new", 3, 8, nil, time.Minute)

	// Pushes the cache over its entry bound. The expired entry must go
	// before the least recently used live one.
	c.Set("newest", 4, 8, nil, time.Minute)

	_, ok := c.Get("expired")
	assert.False(t, ok)
	_, ok = c.Get("old")
	assert.True(t, ok, "live LRU entry must survive while an expired entry exists")
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestEvictionLRUOrder(t *testing.T) {
	c := newTestCache(t, 2, 0)

	c.Set("a", 1, 8, nil, time.Minute)
	c.Set("b", 2, 8, nil, time.Minute)

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("c", 3, 8, nil, time.Minute)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry must be evicted")
	_, ok = c.Get("a")
	assert.True(t, ok)
	_, ok = c.Get("c")
	assert.True(t, ok)
}

func TestByteCapacityBound(t *testing.T) {
	c := newTestCache(t, 0, 100)

	c.Set("a", 1, 60, nil, time.Minute)
	c.Set("b", 2, 60, nil, time.Minute)

	stats := c.Stats()
	assert.LessOrEqual(t, stats.Bytes, int64(100), "byte bound must hold after eviction")
	_, ok := c.Get("a")
	assert.False(t, ok)
	_, ok = c.Get("b")
	assert.True(t, ok)
}

func TestOversizedValueNotCached(t *testing.T) {
	c := newTestCache(t, 0, 100)

	c.Set("huge", "x", 500, nil, time.Minute)
	_, ok := c.Get("huge")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestBackgroundSweeper(t *testing.T) {
	c := New(100, 0, time.Minute, 10*time.Millisecond)
	defer c.Stop()

	c.Set("k", "v", 8, nil, 15*time.Millisecond)
	require.Eventually(t, func() bool {
		return c.Stats().Entries == 0
	}, time.Second, 10*time.Millisecond, "sweeper should remove the expired entry")
}
