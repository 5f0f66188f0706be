package remote

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

type cacheEntry struct {
	fingerprint string
	template    *Template
}

// Cache keeps recently used per-exam templates.
// TECHNICAL DISCOVERY: simplelru is not goroutine safe; one mutex makes
// lookup, insert and eviction a single atomic step
type Cache struct {
	mu      sync.Mutex
	entries *simplelru.LRU[int64, cacheEntry]
}

// NewCache bounds the cache to size exams
func NewCache(size int) (*Cache, error) {
	entries, err := simplelru.NewLRU[int64, cacheEntry](size, nil)
	if err != nil {
		return nil, err
	}
	return &Cache{entries: entries}, nil
}

// Get returns the exam's template, building a new one when none is cached or
// the settings fingerprint changed since it was built
func (c *Cache) Get(examID int64, fingerprint string, build func() (*Template, error)) (*Template, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.entries.Get(examID); ok && entry.fingerprint == fingerprint {
		return entry.template, nil
	}

	template, err := build()
	if err != nil {
		return nil, err
	}
	c.entries.Add(examID, cacheEntry{fingerprint: fingerprint, template: template})
	return template, nil
}

// Invalidate drops the exam's template
func (c *Cache) Invalidate(examID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(examID)
}

// Len reports the number of cached templates
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}
