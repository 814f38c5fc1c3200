package pricing

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value     T
	expiresAt time.Time
}

// ttlCache maps keys to values that expire after a per-entry TTL. A stored zero
// value (for example a nil pointer recording "no data") is a valid hit; callers
// rely on the presence flag returned by get, never on the value itself.
type ttlCache[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
	clock   func() time.Time
}

func newTTLCache[T any](clock func() time.Time) *ttlCache[T] {
	if clock == nil {
		clock = time.Now
	}
	return &ttlCache[T]{entries: make(map[string]entry[T]), clock: clock}
}

// get returns the cached value while now < expiresAt. Expired entries are evicted.
func (c *ttlCache[T]) get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	cached, ok := c.entries[key]
	if !ok {
		return zero, false
	}
	if !c.clock().Before(cached.expiresAt) {
		delete(c.entries, key)
		return zero, false
	}
	return cached.value, true
}

// set replaces any existing entry for key.
func (c *ttlCache[T]) set(key string, value T, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[T]{value: value, expiresAt: c.clock().Add(ttl)}
}

func (c *ttlCache[T]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
