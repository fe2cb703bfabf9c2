// Package cache provides caching implementations for ceap: fitted model
// snapshots and other short-lived values, isolated per tenant.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/ceap/internal/domain"
)

// LRUCache is a thread-safe LRU cache with TTL support, bounded by entry
// count and optionally by total value bytes.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	mu       sync.RWMutex
	maxSize  int
	maxBytes int64
	bytes    int64
	items    map[string]*list.Element
	order    *list.List
}

type cacheEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a new LRU cache holding at most maxSize entries.
// A positive maxBytes also caps the summed size of cached values; model
// snapshots of large fits make that the tighter bound.
func NewLRUCache(maxSize int, maxBytes int64) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize:  maxSize,
		maxBytes: maxBytes,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get retrieves a value from cache.
// Returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[c.makeKey(tenantID, key)]
	if !ok {
		return nil, nil
	}

	entry := elem.Value.(*cacheEntry)
	if time.Now().After(entry.expiresAt) {
		c.removeElement(elem)
		return nil, nil
	}

	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores a value in cache with TTL. A value larger than the byte
// budget is not cached.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	size := int64(len(value))

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[fullKey]; ok {
		c.removeElement(elem)
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		return nil
	}

	entry := &cacheEntry{
		key:       fullKey,
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	c.items[fullKey] = c.order.PushFront(entry)
	c.bytes += size

	for c.order.Len() > c.maxSize || (c.maxBytes > 0 && c.bytes > c.maxBytes) {
		c.removeElement(c.order.Back())
	}

	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[c.makeKey(tenantID, key)]; ok {
		c.removeElement(elem)
	}
	return nil
}

// GetModel retrieves a cached model snapshot.
func (c *LRUCache) GetModel(ctx context.Context, tenantID string, modelID string) (*domain.Model, error) {
	return getModel(ctx, c, tenantID, modelID)
}

// SetModel caches a model snapshot under its ID and as the latest fit.
func (c *LRUCache) SetModel(ctx context.Context, tenantID string, model *domain.Model, ttl time.Duration) error {
	return setModel(ctx, c, tenantID, model, ttl)
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order = list.New()
	c.bytes = 0
	return nil
}

// Stats returns the number of entries and the entry capacity.
func (c *LRUCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.maxSize
}

// Bytes returns the summed size of cached values.
func (c *LRUCache) Bytes() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bytes
}

func (c *LRUCache) makeKey(tenantID, key string) string {
	return tenantID + ":" + key
}

func (c *LRUCache) removeElement(elem *list.Element) {
	c.order.Remove(elem)
	entry := elem.Value.(*cacheEntry)
	delete(c.items, entry.key)
	c.bytes -= int64(len(entry.value))
}
