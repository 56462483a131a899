package overseer

import (
	"sync"
	"time"

	"github.com/txn2/tardis-ingest/pkg/catalog"
)

const defaultCacheTTL = 5 * time.Minute

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// refCache caches resolved reference URIs.
type refCache struct {
	ttl time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry[catalog.URI]
}

func newRefCache(ttl time.Duration) *refCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &refCache{
		ttl:     ttl,
		entries: make(map[string]*cacheEntry[catalog.URI]),
	}
}

func (c *refCache) get(key string) (catalog.URI, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if entry, ok := c.entries[key]; ok && !entry.isExpired() {
		return entry.value, true
	}
	return "", false
}

func (c *refCache) put(key string, uri catalog.URI) {
	c.mu.Lock()
	c.entries[key] = &cacheEntry[catalog.URI]{
		value:     uri,
		expiresAt: time.Now().Add(c.ttl),
	}
	c.mu.Unlock()
}

// Invalidate clears every cached reference.
func (o *Overseer) Invalidate() {
	o.refs.mu.Lock()
	o.refs.entries = make(map[string]*cacheEntry[catalog.URI])
	o.refs.mu.Unlock()
}
