package uploader

import (
	"path"
	"slices"
	"sync"

	"github.com/alexjbarnes/dirsync/internal/remote"
)

// parentCache remembers every container the session has resolved or
// created, keyed by id. Entries are written once and never replaced.
type parentCache struct {
	mu    sync.Mutex
	nodes map[string]*remote.Entity
}

func newParentCache() *parentCache {
	return &parentCache{nodes: make(map[string]*remote.Entity)}
}

// Set records e unless an entry for its id already exists.
func (c *parentCache) Set(e *remote.Entity) {
	if e == nil || e.ID == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.nodes[e.ID]; !ok {
		c.nodes[e.ID] = e
	}
}

// Get returns the cached entity for id, or nil.
func (c *parentCache) Get(id string) *remote.Entity {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.nodes[id]
}

// DisplayPath builds "project/.../parent/name" by walking cached parents
// up to the project. The walk stops early at the first uncached ancestor.
func (c *parentCache) DisplayPath(name string, parent *remote.Entity) string {
	var segments []string

	for next := parent; next != nil; {
		segments = append(segments, next.Name)
		if next.Kind == remote.KindProject || next.ParentID == "" {
			break
		}

		next = c.Get(next.ParentID)
	}

	slices.Reverse(segments)
	segments = append(segments, name)

	return path.Join(segments...)
}
