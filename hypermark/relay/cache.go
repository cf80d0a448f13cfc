package relay

import "sync"

// SeenCache is a bounded set of recently seen ids used for idempotency.
// It is not authoritative: losing it only costs re-processing events the
// ledger engine already treats as no-ops. When the cap is exceeded the
// oldest half is discarded, matching insertion order.
type SeenCache struct {
	mu    sync.Mutex
	cap   int
	order []string
	set   map[string]struct{}
}

func NewSeenCache(capacity int) *SeenCache {
	if capacity <= 0 {
		capacity = 1000
	}
	return &SeenCache{
		cap: capacity,
		set: make(map[string]struct{}, capacity),
	}
}

// Add inserts id and reports whether it was new.
func (c *SeenCache) Add(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.set[id]; ok {
		return false
	}
	c.set[id] = struct{}{}
	c.order = append(c.order, id)
	if len(c.order) > c.cap {
		drop := c.order[:len(c.order)/2]
		for _, old := range drop {
			delete(c.set, old)
		}
		c.order = append([]string(nil), c.order[len(drop):]...)
	}
	return true
}

// Has reports whether id is present.
func (c *SeenCache) Has(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.set[id]
	return ok
}

// Len returns the current number of cached ids.
func (c *SeenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.set)
}
