package template

import "sync"

// templateCache is a read-mostly, invalidate-on-write cache of templates
// by name, per the caching note in spec §5. A plain mutex-guarded map is
// enough here: templates are written far less often than read, and the
// shared go-cache dependency already covers the adapter price cache's TTL
// use case, which this isn't (no expiry — only explicit invalidation).
type templateCache struct {
	mu    sync.RWMutex
	items map[string]Template
}

func newTemplateCache() *templateCache {
	return &templateCache{items: make(map[string]Template)}
}

func (c *templateCache) get(name string) (Template, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.items[name]
	return t, ok
}

func (c *templateCache) set(t Template) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[t.Name] = t
}

func (c *templateCache) invalidate(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, name)
}
