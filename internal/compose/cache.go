package compose

import (
	"fmt"
	"os"
	"sync"
)

// BaseCache keeps base document bytes in memory so a batch of thousands
// of records does not re-read the same template PDF from disk per page.
// Bounded; eviction is oldest-insertion-first, which is good enough for
// the handful of base documents a deployment actually uses.
type BaseCache struct {
	mu    sync.Mutex
	max   int
	data  map[string][]byte
	order []string
}

// NewBaseCache returns a cache holding at most max documents.
func NewBaseCache(max int) *BaseCache {
	if max < 1 {
		max = 1
	}
	return &BaseCache{max: max, data: make(map[string][]byte, max)}
}

// Get returns the bytes of the document at path, loading and caching
// them on first use.
func (c *BaseCache) Get(path string) ([]byte, error) {
	c.mu.Lock()
	if b, ok := c.data[path]; ok {
		c.mu.Unlock()
		return b, nil
	}
	c.mu.Unlock()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read base document %s: %w", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.data[path]; !ok {
		if len(c.order) >= c.max {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.data, oldest)
		}
		c.data[path] = b
		c.order = append(c.order, path)
	}
	return c.data[path], nil
}

// Len reports the number of cached documents.
func (c *BaseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
