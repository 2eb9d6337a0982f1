package cache

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"
)

// Memory tier defaults.
const (
	DefaultMemoryMaxEntries = 1000
	DefaultMemoryMaxBytes   = 100 * 1024 * 1024
	DefaultMemoryTTL        = 5 * time.Minute

	// evictTargetRatio is the fill level eviction drives the tier to.
	evictTargetRatio = 0.8
)

// Eviction strategies for the memory tier.
const (
	StrategyLRU      = "lru"
	StrategyLFU      = "lfu"
	StrategyPriority = "priority"
	StrategyHybrid   = "hybrid"
)

// MemoryCache is the warm tier: a bounded in-process map with a
// configurable eviction strategy and both entry-count and byte budgets.
type MemoryCache struct {
	maxEntries int
	maxBytes   int64
	defaultTTL time.Duration
	strategy   string

	mu      sync.Mutex
	entries map[string]*memEntry
	order   *list.List // LRU order, front = most recent
	bytes   int64
}

type memEntry struct {
	entry *Entry
	elem  *list.Element
}

// NewMemoryCache creates the warm tier. Zero limits fall back to defaults.
func NewMemoryCache(maxEntries int, maxBytes int64, defaultTTL time.Duration, strategy string) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = DefaultMemoryMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMemoryMaxBytes
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultMemoryTTL
	}
	switch strategy {
	case StrategyLRU, StrategyLFU, StrategyPriority, StrategyHybrid:
	default:
		strategy = StrategyHybrid
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		defaultTTL: defaultTTL,
		strategy:   strategy,
		entries:    make(map[string]*memEntry),
		order:      list.New(),
	}
}

func (c *MemoryCache) Name() string { return TierMemory }

// Get returns the entry for key, or nil on miss or expiry. A hit moves
// the entry to the front of the LRU order and bumps its access count.
func (c *MemoryCache) Get(_ context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	me, ok := c.entries[key]
	if !ok {
		return nil, nil
	}
	now := time.Now()
	if me.entry.Expired(now) {
		c.removeLocked(key, me)
		return nil, nil
	}
	me.entry.LastAccessed = now
	me.entry.AccessCount++
	c.order.MoveToFront(me.elem)

	cp := *me.entry
	return &cp, nil
}

// Set stores e, applying the tier TTL when the entry has none, then
// enforces the budgets.
func (c *MemoryCache) Set(_ context.Context, e *Entry, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	cp := *e
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	// The tier owns its TTL: promoted entries do not import the colder
	// tier's longer expiry.
	cp.ExpiresAt = time.Now().Add(ttl)
	if cp.SizeBytes == 0 {
		cp.SizeBytes = cp.EstimateSize()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[cp.Key]; ok {
		c.removeLocked(cp.Key, old)
	}
	me := &memEntry{entry: &cp}
	me.elem = c.order.PushFront(cp.Key)
	c.entries[cp.Key] = me
	c.bytes += cp.SizeBytes

	c.evictLocked()
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, k string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if me, ok := c.entries[k]; ok {
		c.removeLocked(k, me)
	}
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, pattern string) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, me := range c.entries {
		if matches(pattern, k, me.entry.Tags) {
			c.removeLocked(k, me)
			removed++
		}
	}
	return removed, nil
}

// Sweep removes expired entries and compacts the order list.
func (c *MemoryCache) Sweep(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	removed := 0
	for k, me := range c.entries {
		if me.entry.Expired(now) {
			c.removeLocked(k, me)
			removed++
		}
	}
	return removed, nil
}

func (c *MemoryCache) Count(_ context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries), nil
}

// Bytes reports the current byte footprint.
func (c *MemoryCache) Bytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytes
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*memEntry)
	c.order.Init()
	c.bytes = 0
	return nil
}

func (c *MemoryCache) removeLocked(k string, me *memEntry) {
	c.order.Remove(me.elem)
	c.bytes -= me.entry.SizeBytes
	delete(c.entries, k)
}

// evictLocked enforces the budgets, driving both to 80% of max so each
// insert does not immediately re-trigger eviction.
func (c *MemoryCache) evictLocked() {
	if len(c.entries) <= c.maxEntries && c.bytes <= c.maxBytes {
		return
	}
	targetEntries := int(float64(c.maxEntries) * evictTargetRatio)
	targetBytes := int64(float64(c.maxBytes) * evictTargetRatio)

	victims := c.victimOrderLocked()
	for _, k := range victims {
		if len(c.entries) <= targetEntries && c.bytes <= targetBytes {
			break
		}
		if me, ok := c.entries[k]; ok {
			c.removeLocked(k, me)
		}
	}
}

// victimOrderLocked ranks keys for eviction per the configured strategy,
// worst candidates first.
func (c *MemoryCache) victimOrderLocked() []string {
	switch c.strategy {
	case StrategyLRU:
		// Walk from the back: least recently used first.
		keys := make([]string, 0, c.order.Len())
		for el := c.order.Back(); el != nil; el = el.Prev() {
			keys = append(keys, el.Value.(string))
		}
		return keys
	case StrategyLFU:
		return c.sortedKeys(func(e *Entry) float64 { return float64(e.AccessCount) })
	case StrategyPriority:
		return c.sortedKeys(func(e *Entry) float64 { return float64(e.Priority) })
	default: // hybrid
		now := time.Now()
		return c.sortedKeys(func(e *Entry) float64 {
			age := now.Sub(e.CreatedAt).Seconds()
			return float64(e.Priority)*1000 + float64(e.AccessCount)*100 - age
		})
	}
}

// sortedKeys returns keys ascending by score: lowest scores evict first.
func (c *MemoryCache) sortedKeys(score func(*Entry) float64) []string {
	type kv struct {
		k string
		s float64
	}
	pairs := make([]kv, 0, len(c.entries))
	for k, me := range c.entries {
		pairs = append(pairs, kv{k: k, s: score(me.entry)})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].s < pairs[j].s })
	keys := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i] = p.k
	}
	return keys
}
