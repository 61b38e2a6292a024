// Package cache provides decision cache implementations for Kestrel.
package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultLocalMaxSize = 10000

// LRUCache is an in-process cache with per-entry TTL and least recently
// used eviction. It serves single-node deployments and is the L1 of the
// two-phase cache. Resubmission counters live beside the entries and are
// swept once they outnumber the entry capacity.
type LRUCache struct {
	mu       sync.Mutex
	maxSize  int
	items    map[string]*list.Element
	order    *list.List // front is most recently used
	counters map[string]counter
	stats    Stats
	now      func() time.Time
}

// Stats reports LRU occupancy and lookup outcomes since creation.
type Stats struct {
	Entries   int
	Capacity  int
	Counters  int
	Hits      int64
	Misses    int64
	Evictions int64
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

type counter struct {
	count     int64
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = defaultLocalMaxSize
	}
	return &LRUCache{
		maxSize:  maxSize,
		items:    make(map[string]*list.Element),
		order:    list.New(),
		counters: make(map[string]counter),
		now:      time.Now,
	}
}

// Get returns a copy of the stored value, or nil, nil on a miss or an
// expired entry.
func (c *LRUCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[key]
	if !ok {
		c.stats.Misses++
		return nil, nil
	}

	e := elem.Value.(*entry)
	if !c.now().Before(e.expiresAt) {
		c.remove(elem)
		c.stats.Misses++
		return nil, nil
	}

	c.order.MoveToFront(elem)
	c.stats.Hits++
	return clone(e.value), nil
}

// Set stores a copy of value for ttl. A non-positive ttl stores nothing.
func (c *LRUCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ttl <= 0 {
		if elem, ok := c.items[key]; ok {
			c.remove(elem)
		}
		return nil
	}

	expiresAt := c.now().Add(ttl)
	if elem, ok := c.items[key]; ok {
		e := elem.Value.(*entry)
		e.value = clone(value)
		e.expiresAt = expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[key] = c.order.PushFront(&entry{key: key, value: clone(value), expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
		c.stats.Evictions++
	}
	return nil
}

// Delete removes a value.
func (c *LRUCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[key]; ok {
		c.remove(elem)
	}
	return nil
}

// IncrementCounter counts an event in a fixed window that starts at the
// first increment.
func (c *LRUCache) IncrementCounter(_ context.Context, key string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	ctr, ok := c.counters[key]
	if !ok || !now.Before(ctr.expiresAt) {
		if !ok && len(c.counters) >= c.maxSize {
			c.sweepCounters(now)
		}
		ctr = counter{expiresAt: now.Add(window)}
	}
	ctr.count++
	c.counters[key] = ctr
	return ctr.count, nil
}

// Ping always succeeds.
func (c *LRUCache) Ping(context.Context) error {
	return nil
}

// Close drops all entries and counters.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.items)
	clear(c.counters)
	c.order.Init()
	return nil
}

// Stats returns a snapshot of occupancy and lookup counts.
func (c *LRUCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.Entries = c.order.Len()
	s.Capacity = c.maxSize
	s.Counters = len(c.counters)
	return s
}

func (c *LRUCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*entry).key)
}

func (c *LRUCache) sweepCounters(now time.Time) {
	for key, ctr := range c.counters {
		if !now.Before(ctr.expiresAt) {
			delete(c.counters, key)
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
