package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// dedupeCache remembers event ids for ttl. Entries share one ttl, so the
// oldest insertion is always the next to expire and eviction is a list pop.
type dedupeCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	maxSize int
	order   *list.List
	entries map[string]*list.Element
	now     func() time.Time
}

type dedupeEntry struct {
	key       string
	expiresAt time.Time
}

func newDedupeCache(ttl time.Duration, maxSize int) *dedupeCache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &dedupeCache{
		ttl:     ttl,
		maxSize: maxSize,
		order:   list.New(),
		entries: make(map[string]*list.Element),
		now:     time.Now,
	}
}

// IsDuplicate reports whether key was seen within ttl, recording it if not.
func (c *dedupeCache) IsDuplicate(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	c.expire(now)
	if _, ok := c.entries[key]; ok {
		return true
	}
	if c.maxSize > 0 && c.order.Len() >= c.maxSize {
		c.removeOldest()
	}
	c.entries[key] = c.order.PushBack(&dedupeEntry{key: key, expiresAt: now.Add(c.ttl)})
	return false
}

func (c *dedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *dedupeCache) expire(now time.Time) {
	for {
		front := c.order.Front()
		if front == nil || now.Before(front.Value.(*dedupeEntry).expiresAt) {
			return
		}
		c.removeOldest()
	}
}

func (c *dedupeCache) removeOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.entries, front.Value.(*dedupeEntry).key)
}
