package session

import (
	"container/list"
	"sync"
	"time"

	"github.com/opsmith-ai/opsmith/internal/metrics"
)

// sessionCache is a small local LRU in front of the KV store. Entries go
// stale after maxAge so other replicas' writes become visible. The cache
// holds its own copies and hands out copies; callers never share a Session
// with the cache or with each other.
type sessionCache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
	cap     int
	maxAge  time.Duration
}

type cacheEntry struct {
	id       string
	session  *Session
	cachedAt time.Time
}

func newSessionCache(capacity int, maxAge time.Duration) *sessionCache {
	return &sessionCache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		cap:     capacity,
		maxAge:  maxAge,
	}
}

func (c *sessionCache) get(id string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[id]
	if !ok {
		metrics.SessionCacheMisses.Inc()
		return nil
	}
	entry := elem.Value.(*cacheEntry)
	if time.Since(entry.cachedAt) > c.maxAge {
		c.removeLocked(elem)
		metrics.SessionCacheMisses.Inc()
		return nil
	}
	c.order.MoveToFront(elem)
	metrics.SessionCacheHits.Inc()
	return entry.session.clone()
}

func (c *sessionCache) put(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s = s.clone()
	if elem, ok := c.entries[s.ID]; ok {
		elem.Value = &cacheEntry{id: s.ID, session: s, cachedAt: time.Now()}
		c.order.MoveToFront(elem)
		return
	}
	elem := c.order.PushFront(&cacheEntry{id: s.ID, session: s, cachedAt: time.Now()})
	c.entries[s.ID] = elem
	if c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.removeLocked(oldest)
		metrics.SessionCacheEvictions.Inc()
	}
	metrics.SessionCacheSize.Set(float64(c.order.Len()))
}

func (c *sessionCache) remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.entries[id]; ok {
		c.removeLocked(elem)
	}
}

func (c *sessionCache) removeLocked(elem *list.Element) {
	entry := elem.Value.(*cacheEntry)
	c.order.Remove(elem)
	delete(c.entries, entry.id)
	metrics.SessionCacheSize.Set(float64(c.order.Len()))
}
