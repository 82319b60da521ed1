package window

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DedupeCache remembers event ids beyond window retention, bounded by count.
type DedupeCache struct {
	items *lru.Cache[string, struct{}]
}

func NewDedupeCache(capacity int) *DedupeCache {
	if capacity <= 0 {
		capacity = 100000
	}
	c, err := lru.New[string, struct{}](capacity)
	if err != nil {
		// only returned for a non-positive size
		panic(err)
	}
	return &DedupeCache{items: c}
}

// Seen records id and reports whether it had been recorded before.
func (d *DedupeCache) Seen(id string) bool {
	if id == "" {
		return false
	}
	found, _ := d.items.ContainsOrAdd(id, struct{}{})
	return found
}

func (d *DedupeCache) Len() int {
	return d.items.Len()
}

func (d *DedupeCache) Purge() {
	d.items.Purge()
}
