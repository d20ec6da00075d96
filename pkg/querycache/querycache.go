// Package querycache implements the in-memory query result cache.
//
// Entries are keyed by a BLAKE3 hash of the normalized SQL text and its
// arguments, carry the set of tables they were derived from, and expire
// after a per-entry TTL. Capacity is bounded both by entry count and by an
// estimated byte size; when either bound is exceeded, expired entries are
// evicted first, then the least recently used live ones.
//
// Concurrent misses for the same key are collapsed into a single
// computation via singleflight, so a thundering herd after an
// invalidation results in exactly one database query.
package querycache

import (
	"container/list"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
	"lukechampine.com/blake3"

	"github.com/quantumzero/marketdb/logger"
	"github.com/quantumzero/marketdb/pkg/metrics"
)

// ComputeFunc produces a value to cache on miss. It returns the value and
// an estimate of its in-memory size in bytes.
type ComputeFunc func(ctx context.Context) (any, int64, error)

type entry struct {
	key       string
	value     any
	tables    []string
	size      int64
	expiresAt time.Time
	elem      *list.Element
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Bytes     int64
}

// Cache is a TTL+LRU query result cache with table-tag invalidation.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List                      // front = most recently used
	byTable map[string]map[string]struct{} // table name -> set of keys

	maxEntries int
	maxBytes   int64
	curBytes   int64
	defaultTTL time.Duration

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64

	group  singleflight.Group
	stopCh chan struct{}
	once   sync.Once
}

// New creates a cache and starts its background cleanup sweeper.
func New(maxEntries int, maxBytes int64, defaultTTL, cleanupInterval time.Duration) *Cache {
	c := &Cache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		byTable:    make(map[string]map[string]struct{}),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		stopCh:     make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go c.cleanupLoop(cleanupInterval)
	}
	return c
}

// Key derives the cache key for a query. Logically identical queries, i.e.
// the same SQL modulo case and whitespace with the same arguments, hash to
// the same key. Literals inside quotes keep their case.
func Key(sql string, args ...any) string {
	normalized := normalizeSQL(sql)
	h := blake3.New(32, nil)
	h.Write([]byte(normalized))
	for _, arg := range args {
		fmt.Fprintf(h, "|%v", arg)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// normalizeSQL lowercases the statement outside quoted literals and
// collapses runs of whitespace into single spaces.
func normalizeSQL(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))

	var quote rune // 0 when outside a literal
	lastSpace := false
	for _, r := range sql {
		if quote != 0 {
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
			lastSpace = false
			continue
		}
		switch {
		case r == '\'' || r == '"':
			quote = r
			b.WriteRune(r)
			lastSpace = false
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			if !lastSpace && b.Len() > 0 {
				b.WriteRune(' ')
			}
			lastSpace = true
		default:
			b.WriteRune(unicodeToLower(r))
			lastSpace = false
		}
	}
	return strings.TrimRight(b.String(), " ")
}

func unicodeToLower(r rune) rune {
	if r >= 'A' && r <= 'Z' {
		return r + ('a' - 'A')
	}
	return r
}

// Get returns the cached value for key if present and not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e, "expired")
		c.misses.Add(1)
		metrics.CacheMissesTotal.Inc()
		return nil, false
	}
	c.lru.MoveToFront(e.elem)
	c.hits.Add(1)
	metrics.CacheHitsTotal.Inc()
	return e.value, true
}

// GetOrCompute returns the cached value for key, computing and storing it
// on miss. Concurrent callers for the same key share one computation.
// A ttl of zero uses the cache's default TTL. Compute errors are returned
// to every waiting caller and nothing is stored.
func (c *Cache) GetOrCompute(ctx context.Context, key string, tables []string, ttl time.Duration, fn ComputeFunc) (any, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the entry while we waited
		// on the flight group.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		value, size, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, value, size, tables, ttl)
		return value, nil
	})
	return v, err
}

// Set stores a value under key with the given table tags and TTL.
func (c *Cache) Set(key string, value any, size int64, tables []string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		// A single oversized result would evict the whole cache for nothing.
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeLocked(old, "replaced")
	}

	e := &entry{
		key:       key,
		value:     value,
		tables:    append([]string(nil), tables...),
		size:      size,
		expiresAt: time.Now().Add(ttl),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[key] = e
	c.curBytes += size
	for _, table := range e.tables {
		keys, ok := c.byTable[table]
		if !ok {
			keys = make(map[string]struct{})
			c.byTable[table] = keys
		}
		keys[key] = struct{}{}
	}

	c.evictLocked()
	c.updateGaugesLocked()
}

// Invalidate removes every entry tagged with any of the given tables and
// returns the number of entries removed.
func (c *Cache) Invalidate(tables ...string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, table := range tables {
		for key := range c.byTable[table] {
			if e, ok := c.entries[key]; ok {
				c.removeLocked(e, "invalidated")
				removed++
			}
		}
	}
	if removed > 0 {
		logger.Debug("Query cache invalidated", "tables", tables, "entries", removed)
	}
	c.updateGaugesLocked()
	return removed
}

// InvalidateAll drops every entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.entries)
	c.entries = make(map[string]*entry)
	c.byTable = make(map[string]map[string]struct{})
	c.lru.Init()
	c.curBytes = 0
	c.evictions.Add(uint64(n))
	metrics.CacheEvictionsTotal.WithLabelValues("invalidated").Add(float64(n))
	c.updateGaugesLocked()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	bytes := c.curBytes
	c.mu.Unlock()

	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Entries:   entries,
		Bytes:     bytes,
	}
}

// Stop terminates the background cleanup sweeper.
func (c *Cache) Stop() {
	c.once.Do(func() {
		close(c.stopCh)
	})
}

func (c *Cache) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e, "expired")
		}
	}
	c.updateGaugesLocked()
}

// evictLocked enforces the entry and byte bounds: expired entries go
// first, then live entries in LRU order.
func (c *Cache) evictLocked() {
	over := func() bool {
		if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
			return true
		}
		if c.maxBytes > 0 && c.curBytes > c.maxBytes {
			return true
		}
		return false
	}

	if !over() {
		return
	}

	now := time.Now()
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e, "expired")
			if !over() {
				return
			}
		}
	}

	for over() {
		back := c.lru.Back()
		if back == nil {
			return
		}
		c.removeLocked(back.Value.(*entry), "lru")
	}
}

func (c *Cache) removeLocked(e *entry, reason string) {
	delete(c.entries, e.key)
	c.lru.Remove(e.elem)
	c.curBytes -= e.size
	for _, table := range e.tables {
		if keys, ok := c.byTable[table]; ok {
			delete(keys, e.key)
			if len(keys) == 0 {
				delete(c.byTable, table)
			}
		}
	}
	c.evictions.Add(1)
	metrics.CacheEvictionsTotal.WithLabelValues(reason).Inc()
}

func (c *Cache) updateGaugesLocked() {
	metrics.CacheEntries.Set(float64(len(c.entries)))
	metrics.CacheBytes.Set(float64(c.curBytes))
}
