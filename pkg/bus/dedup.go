package bus

import (
	"container/list"
	"sync"
	"time"
)

// dedupCache is a bounded LRU of recently seen dedup keys. Entries
// expire after the configured window; the size cap evicts oldest first.
type dedupCache struct {
	mu      sync.Mutex
	maxSize int
	window  time.Duration
	entries map[string]*list.Element
	order   *list.List // front = oldest
}

type dedupEntry struct {
	key  string
	seen time.Time
}

func newDedupCache(maxSize int, window time.Duration) *dedupCache {
	return &dedupCache{
		maxSize: maxSize,
		window:  window,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// seen reports whether the key was recorded within the window, and
// records it if not. Expired entries are purged opportunistically.
func (c *dedupCache) seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purge(now)

	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*dedupEntry)
		if now.Sub(entry.seen) < c.window {
			return true
		}
		// Window elapsed: treat as fresh and restamp.
		entry.seen = now
		c.order.MoveToBack(el)
		return false
	}

	if c.order.Len() >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			delete(c.entries, oldest.Value.(*dedupEntry).key)
			c.order.Remove(oldest)
		}
	}
	c.entries[key] = c.order.PushBack(&dedupEntry{key: key, seen: now})
	return false
}

func (c *dedupCache) purge(now time.Time) {
	for {
		oldest := c.order.Front()
		if oldest == nil {
			return
		}
		entry := oldest.Value.(*dedupEntry)
		if now.Sub(entry.seen) < c.window {
			return
		}
		delete(c.entries, entry.key)
		c.order.Remove(oldest)
	}
}

func (c *dedupCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
