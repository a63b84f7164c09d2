// Package dedup provides the bounded membership set used to recognize
// previously-seen task identities. It is a best-effort hint, never a
// correctness mechanism: a false negative after eviction costs at most
// one duplicate processing attempt.
package dedup

// Cache is a fixed-capacity, insertion-ordered membership set. When full,
// Add evicts the oldest entry (FIFO, not LRU). Not safe for concurrent
// use; callers serialize access.
type Cache struct {
	capacity int
	members  map[string]struct{}
	order    []string
}

// New creates a cache holding at most capacity keys. Capacity must be
// at least 1.
func New(capacity int) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		members:  make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
	}
}

// Contains reports whether key is a member.
func (c *Cache) Contains(key string) bool {
	_, ok := c.members[key]
	return ok
}

// Add inserts key, evicting the oldest entry first if the cache is at
// capacity. Adding a present key is a no-op and does not refresh its
// insertion order.
func (c *Cache) Add(key string) {
	if c.Contains(key) {
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.members, oldest)
	}
	c.members[key] = struct{}{}
	c.order = append(c.order, key)
}

// Remove deletes key if present. Used when an optimistic insertion must
// be rolled back (failed publish, task requeued for retry).
func (c *Cache) Remove(key string) {
	if !c.Contains(key) {
		return
	}
	delete(c.members, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// Len returns the current number of members.
func (c *Cache) Len() int {
	return len(c.members)
}

// Cap returns the configured capacity.
func (c *Cache) Cap() int {
	return c.capacity
}
