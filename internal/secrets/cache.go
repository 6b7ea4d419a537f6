package secrets

import (
	"context"
	"sync"
)

// Source fetches a secret value by path.
type Source interface {
	GetSecret(ctx context.Context, path string) (string, error)
}

// Cache memoises secret values for the life of the process. Invalidation is
// generation-based rather than time-based: a sender that gets a 401/403 calls
// Invalidate with the generation it read, so a concurrent sender that already
// refreshed the value does not throw the fresh one away.
type Cache struct {
	src Source

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	value      string
	generation uint64
	loaded     bool
}

func NewCache(src Source) *Cache {
	return &Cache{src: src, entries: make(map[string]*entry)}
}

// Get returns the cached value for path, fetching it on first use. The
// returned generation must be passed back to Invalidate on auth failure.
func (c *Cache) Get(ctx context.Context, path string) (string, uint64, error) {
	c.mu.Lock()
	e, ok := c.entries[path]
	if !ok {
		e = &entry{}
		c.entries[path] = e
	}
	if e.loaded {
		v, g := e.value, e.generation
		c.mu.Unlock()
		return v, g, nil
	}
	c.mu.Unlock()

	v, err := c.src.GetSecret(ctx, path)
	if err != nil {
		return "", 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !e.loaded {
		e.value = v
		e.generation++
		e.loaded = true
	}
	return e.value, e.generation, nil
}

// Invalidate drops the cached value for path, but only if the caller's
// generation is still current. Returns true if the entry was dropped.
func (c *Cache) Invalidate(path string, generation uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[path]
	if !ok || !e.loaded || e.generation != generation {
		return false
	}
	e.loaded = false
	e.value = ""
	return true
}
