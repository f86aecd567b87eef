package engine

import (
	"container/list"
	"sync"

	"github.com/shivanibhat24/docstore/internal/journal"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

// DefaultDiffCacheSize is the number of head transitions kept
const DefaultDiffCacheSize = 256

type diffKey struct {
	from, to string
}

type diffEntry struct {
	key     diffKey
	changes *journal.ChangeSet
}

// DiffCache remembers the paths changed between two head vectors so
// observers can compute diffs without reading the journal again.
// Least recently used transitions are evicted first.
type DiffCache struct {
	mu      sync.Mutex
	size    int
	order   *list.List
	entries map[diffKey]*list.Element
}

// NewDiffCache creates a cache holding up to size transitions
func NewDiffCache(size int) *DiffCache {
	if size <= 0 {
		size = DefaultDiffCacheSize
	}
	return &DiffCache{
		size:    size,
		order:   list.New(),
		entries: make(map[diffKey]*list.Element),
	}
}

// Put stores the changes between from and to
func (c *DiffCache) Put(from, to revision.Vector, changes *journal.ChangeSet) {
	key := diffKey{from.String(), to.String()}

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.entries[key]; ok {
		el.Value.(*diffEntry).changes = changes.Copy()
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&diffEntry{key: key, changes: changes.Copy()})
	for c.order.Len() > c.size {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*diffEntry).key)
	}
}

// Get returns the changes between from and to, if cached
func (c *DiffCache) Get(from, to revision.Vector) (*journal.ChangeSet, bool) {
	key := diffKey{from.String(), to.String()}

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*diffEntry).changes.Copy(), true
}

// Len returns the number of cached transitions
func (c *DiffCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
