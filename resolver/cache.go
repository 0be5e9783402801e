package resolver

import (
	"slices"
	"sync"
)

// clusterCache memoises connected components of the identity graph, keyed by
// every member of a component.
//
// The owner must call Invalidate after any mutation of the graph; the cache
// never detects staleness on its own.
//
// The zero value is an empty cache ready for use. A clusterCache is safe for
// concurrent use.
type clusterCache struct {
	mu sync.Mutex
	m  map[string][]string
}

// Find returns a copy of the cached component containing id.
func (c *clusterCache) Find(id string) (cluster []string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cluster, ok = c.m[id]
	return slices.Clone(cluster), ok
}

// Update stores a component under each of its members.
func (c *clusterCache) Update(cluster []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string][]string)
	}
	// Members share one backing array; Find hands out copies only.
	shared := slices.Clone(cluster)
	for _, id := range shared {
		c.m[id] = shared
	}
}

// Invalidate forgets every cached component.
func (c *clusterCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m = nil
}

// Len returns the number of identifiers with a cached component.
func (c *clusterCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
