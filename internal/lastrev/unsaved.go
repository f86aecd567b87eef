package lastrev

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

// UnsavedModifications tracks the last revisions a node committed per path
// that are not yet persisted in _lastRev.
type UnsavedModifications struct {
	mu   sync.Mutex
	revs map[string]revision.Revision
}

// NewUnsavedModifications creates an empty tracker
func NewUnsavedModifications() *UnsavedModifications {
	return &UnsavedModifications{revs: make(map[string]revision.Revision)}
}

// Put records rev for path unless a newer revision is recorded
func (u *UnsavedModifications) Put(path string, rev revision.Revision) {
	u.mu.Lock()
	defer u.mu.Unlock()
	putMax(u.revs, path, rev)
}

func putMax(revs map[string]revision.Revision, path string, rev revision.Revision) {
	if cur, ok := revs[path]; ok && !rev.NewerThan(cur) {
		return
	}
	revs[path] = rev
}

// Get returns the pending revision of path
func (u *UnsavedModifications) Get(path string) (revision.Revision, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	r, ok := u.revs[path]
	return r, ok
}

// Len returns the number of pending paths
func (u *UnsavedModifications) Len() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.revs)
}

// Snapshot removes and returns all pending revisions
func (u *UnsavedModifications) Snapshot() map[string]revision.Revision {
	u.mu.Lock()
	defer u.mu.Unlock()
	snapshot := u.revs
	u.revs = make(map[string]revision.Revision)
	return snapshot
}

// Restore merges a snapshot back, keeping newer revisions recorded since
func (u *UnsavedModifications) Restore(snapshot map[string]revision.Revision) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for path, rev := range snapshot {
		putMax(u.revs, path, rev)
	}
}

// Newest returns the newest pending revision
func Newest(revs map[string]revision.Revision) (revision.Revision, bool) {
	var newest revision.Revision
	found := false
	for _, r := range revs {
		if !found || r.NewerThan(newest) {
			newest = r
			found = true
		}
	}
	return newest, found
}

// SortDeepestFirst orders paths so every path comes before its ancestors
// and the root comes last.
func SortDeepestFirst(paths []string) {
	sort.Slice(paths, func(i, j int) bool {
		di, dj := models.Depth(paths[i]), models.Depth(paths[j])
		if di != dj {
			return di > dj
		}
		return paths[i] < paths[j]
	})
}

// Persist writes revs into _lastRev, deepest paths first and the root last,
// so that a reader of the root never sees a revision its descendants lack.
func Persist(ctx context.Context, s store.DocumentStore, revs map[string]revision.Revision) error {
	paths := make([]string, 0, len(revs))
	for p := range revs {
		paths = append(paths, p)
	}
	SortDeepestFirst(paths)

	for _, p := range paths {
		op := models.SetLastRev(models.NewUpdateOp(models.IDFromPath(p)).Set(models.PathKey, p), revs[p])
		if _, err := s.CreateOrUpdate(ctx, store.Nodes, op); err != nil {
			return fmt.Errorf("failed to persist last revision of %s: %w", p, err)
		}
	}
	return nil
}
