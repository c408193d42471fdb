package utils

// SeenCache remembers the last capacity keys added, oldest evicted first.
// Not safe for concurrent use.
type SeenCache[K comparable] struct {
	set   map[K]struct{}
	ring  []K
	next  int
	count int
}

func NewSeenCache[K comparable](capacity int) *SeenCache[K] {
	if capacity <= 0 {
		capacity = 1
	}
	return &SeenCache[K]{
		set:  make(map[K]struct{}, capacity),
		ring: make([]K, capacity),
	}
}

func (c *SeenCache[K]) Has(key K) bool {
	_, exists := c.set[key]
	return exists
}

// Add records key and reports whether it was new.
func (c *SeenCache[K]) Add(key K) bool {
	if c.Has(key) {
		return false
	}
	if c.count == len(c.ring) {
		delete(c.set, c.ring[c.next])
	} else {
		c.count++
	}
	c.ring[c.next] = key
	c.next = (c.next + 1) % len(c.ring)
	c.set[key] = struct{}{}
	return true
}

func (c *SeenCache[K]) Len() int {
	return len(c.set)
}
