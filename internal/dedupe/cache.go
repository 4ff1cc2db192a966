// ABOUTME: TTL-based seen-set for suppressing duplicate live pushes.
// ABOUTME: The client engine marks message IDs here before applying them.

package dedupe

import (
	"sync"
	"time"
)

// Cache tracks message IDs that have already been applied so that a
// re-delivered live push is dropped instead of duplicating a message.
// Entries expire after the configured TTL and the cache is bounded:
// once full, the oldest entry is evicted.
type Cache struct {
	mu      sync.Mutex
	seen    map[string]time.Time
	order   []string // insertion order, oldest first
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

// New creates a cache holding at most maxSize IDs for up to ttl each.
func New(ttl time.Duration, maxSize int) *Cache {
	return &Cache{
		seen:    make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether id was already seen, marking it if not.
// The check and mark are a single atomic step so two concurrent pushes
// of the same ID cannot both pass.
func (c *Cache) CheckAndMark(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if at, ok := c.seen[id]; ok && now.Sub(at) < c.ttl {
		return true
	}
	c.mark(id, now)
	return false
}

func (c *Cache) mark(id string, now time.Time) {
	if _, exists := c.seen[id]; !exists {
		if len(c.seen) >= c.maxSize {
			c.evictOldest()
		}
		c.order = append(c.order, id)
	}
	c.seen[id] = now
}

func (c *Cache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	delete(c.seen, c.order[0])
	c.order = c.order[1:]
}

// Len returns the number of tracked IDs, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
