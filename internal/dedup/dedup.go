// Package dedup provides a bounded cache that drops already-seen message ids.
// The upstream transport delivers at-least-once (pending messages are replayed
// after reconnect), so every inbound id passes through here first.
package dedup

import (
	"sync"
)

// DefaultCapacity matches the upstream replay window.
const DefaultCapacity = 1000

// Cache is a bounded FIFO set of message ids. Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string
}

// New creates a cache holding at most capacity ids. A non-positive capacity
// falls back to DefaultCapacity.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
	}
}

// ShouldProcess returns false if id was already recorded; otherwise it records
// id and returns true. Insertion past capacity evicts the oldest id.
func (c *Cache) ShouldProcess(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[id]; ok {
		return false
	}

	c.seen[id] = struct{}{}
	c.order = append(c.order, id)

	if len(c.order) > c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.seen, oldest)
	}
	return true
}

// Len returns the number of ids currently recorded.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}
