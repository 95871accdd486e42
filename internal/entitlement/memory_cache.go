package entitlement

import (
	"context"
	"sync"
	"time"
)

// MemoryCache is a TTL cache for single-instance deployments and tests.
// Expired entries are dropped lazily on read.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[string]memoryCacheEntry
	ttl     time.Duration
	now     func() time.Time
}

type memoryCacheEntry struct {
	value     *Entitlement
	expiresAt time.Time
}

// NewMemoryCache creates a cache with the given TTL.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryCacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, userID string) (*Entitlement, bool) {
	c.mu.RLock()
	entry, ok := c.entries[userID]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, userID)
		c.mu.Unlock()
		return nil, false
	}
	cp := *entry.value
	return &cp, true
}

func (c *MemoryCache) Set(_ context.Context, userID string, e *Entitlement) {
	cp := *e
	c.mu.Lock()
	c.entries[userID] = memoryCacheEntry{value: &cp, expiresAt: c.now().Add(c.ttl)}
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(_ context.Context, userID string) {
	c.mu.Lock()
	delete(c.entries, userID)
	c.mu.Unlock()
}

func (c *MemoryCache) InvalidateAll(_ context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]memoryCacheEntry)
	c.mu.Unlock()
}

var _ Cache = (*MemoryCache)(nil)
