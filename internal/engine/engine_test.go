package engine

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shivanibhat24/docstore/internal/journal"
	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/notify"
	"github.com/shivanibhat24/docstore/internal/observer"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

type recorder struct {
	mu      sync.Mutex
	changes []observer.Change
}

func (r *recorder) ContentChanged(change observer.Change) {
	r.mu.Lock()
	r.changes = append(r.changes, change)
	r.mu.Unlock()
}

func (r *recorder) all() []observer.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.changes)
}

func newClock() *revision.VirtualClock {
	return revision.NewVirtualClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
}

func openEngine(t *testing.T, s store.DocumentStore, clock revision.Clock, clusterID int) *Engine {
	e, err := Open(context.Background(), s, Options{
		ClusterID:     clusterID,
		Clock:         clock,
		LeaseDuration: time.Minute,
		Logger:        zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	return e
}

func cycle(t *testing.T, e *Engine) {
	require.NoError(t, e.RunBackgroundOperations(context.Background()))
}

// crash drops the engine without running a final cycle or releasing its lease
func crash(e *Engine) {
	e.Stop()
	e.dispatcher.Close()
}

func entries(t *testing.T, e *Engine, clusterID int, branch bool) []*journal.Entry {
	to := revision.New(1<<44, 0, clusterID)
	list, err := e.Journal().Query(context.Background(), clusterID, branch, revision.Revision{}, to, 0)
	require.NoError(t, err)
	return list
}

func lastRevOf(t *testing.T, e *Engine, path string, clusterID int) (revision.Revision, bool) {
	doc, err := e.Document(context.Background(), path)
	require.NoError(t, err)
	require.NotNil(t, doc, path)
	return doc.LastRev(clusterID)
}

type cluster2 struct {
	base   *store.MemoryStore
	clock  *revision.VirtualClock
	a, b   *Engine
	sa, sb *store.CountingStore
}

// newCluster2 opens two engines on one backend and lets them see each
// other's bootstrap entries.
func newCluster2(t *testing.T) *cluster2 {
	c := &cluster2{base: store.NewMemoryStore(), clock: newClock()}
	c.sa = store.NewCountingStore(c.base)
	c.sb = store.NewCountingStore(c.base)
	c.a = openEngine(t, c.sa, c.clock, 1)
	c.b = openEngine(t, c.sb, c.clock, 2)

	cycle(t, c.a)
	cycle(t, c.b)
	cycle(t, c.a)
	c.a.DrainObservers()
	c.b.DrainObservers()
	return c
}

func TestNoJournalEntryWithoutBackgroundCycle(t *testing.T) {
	s := store.NewMemoryStore()
	e := openEngine(t, s, newClock(), 1)
	defer crash(e)

	docs, err := s.Query(context.Background(), store.Journal, store.MinKey, store.MaxKey, 0)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestBootstrapEntry(t *testing.T) {
	s := store.NewMemoryStore()
	e := openEngine(t, s, newClock(), 1)
	defer crash(e)

	cycle(t, e)
	list := entries(t, e, 1, false)
	require.Len(t, list, 1)
	assert.Equal(t, "{}", list[0].Changes.String())

	rootRev, ok := lastRevOf(t, e, "/", 1)
	require.True(t, ok)
	assert.Equal(t, list[0].Revision, rootRev)

	// a cycle without local changes writes nothing
	cycle(t, e)
	assert.Len(t, entries(t, e, 1, false), 1)
}

func TestJournalPropagation(t *testing.T) {
	ctx := context.Background()
	c := newCluster2(t)
	defer crash(c.a)
	defer crash(c.b)

	rec := &recorder{}
	c.b.AddObserver(rec)

	for _, p := range []string{"/a", "/b", "/a/c", "/d"} {
		_, err := c.a.Commit(ctx, models.Change{Path: p, Properties: map[string]string{"v": p}})
		require.NoError(t, err)
	}

	// nothing is visible before A journals its changes
	c.sb.Reset()
	cycle(t, c.b)
	c.b.DrainObservers()
	assert.Empty(t, rec.all())
	assert.Equal(t, 1, c.sb.Count(store.Nodes, store.OpFind))

	cycle(t, c.a)
	list := entries(t, c.a, 1, false)
	assert.Equal(t, `{"a":{"c":{}},"b":{},"d":{}}`, list[len(list)-1].Changes.String())

	c.sb.Reset()
	cycle(t, c.b)
	c.b.DrainObservers()

	for _, op := range []store.Operation{store.OpQuery, store.OpCreateOrUpdate, store.OpFindAndUpdate, store.OpRemove} {
		assert.Equal(t, 0, c.sb.Count(store.Nodes, op), string(op))
	}
	assert.Equal(t, 1, c.sb.Count(store.Nodes, store.OpFind))

	changes := rec.all()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].External)
	assert.Equal(t, []string{"/", "/a", "/a/c", "/b", "/d"}, changes[0].Changes.Paths())

	headA, _ := c.a.HeadRevision().Get(1)
	headB, _ := c.b.HeadRevision().Get(1)
	assert.Equal(t, headA, headB)

	cached, ok := c.b.Diff(changes[0].Before, changes[0].After)
	require.True(t, ok)
	assert.Equal(t, changes[0].Changes.Paths(), cached.Paths())

	// nothing new
	cycle(t, c.b)
	c.b.DrainObservers()
	assert.Len(t, rec.all(), 1)
}

func TestLocalCommitNotifiesObservers(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, store.NewMemoryStore(), newClock(), 1)
	defer crash(e)

	rec := &recorder{}
	e.AddObserver(rec)

	before := e.HeadRevision()
	rev, err := e.Commit(ctx, models.Change{Path: "/x"})
	require.NoError(t, err)
	e.DrainObservers()

	changes := rec.all()
	require.Len(t, changes, 1)
	assert.False(t, changes[0].External)
	assert.True(t, changes[0].After.IsNewerThan(before))
	r, _ := e.HeadRevision().Get(1)
	assert.Equal(t, rev, r)

	// new documents carry no last revision until the next cycle
	_, ok := lastRevOf(t, e, "/x", 1)
	assert.False(t, ok)
	cycle(t, e)
	got, ok := lastRevOf(t, e, "/x", 1)
	require.True(t, ok)
	assert.Equal(t, rev, got)

	_, err = e.Commit(ctx, models.Change{Path: "x/"})
	assert.Error(t, err)
}

func TestEmptyCommit(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, store.NewMemoryStore(), newClock(), 1)
	defer crash(e)
	cycle(t, e)

	rec := &recorder{}
	e.AddObserver(rec)
	before := e.HeadRevision()

	_, err := e.Commit(ctx)
	assert.ErrorIs(t, err, ErrEmptyCommit)
	_, err = e.NewBranch().Commit()
	assert.ErrorIs(t, err, ErrEmptyCommit)

	e.DrainObservers()
	assert.Empty(t, rec.all())
	assert.Equal(t, before, e.HeadRevision())

	cycle(t, e)
	assert.Len(t, entries(t, e, 1, false), 1)
}

func TestExternalBranchChange(t *testing.T) {
	ctx := context.Background()
	c := newCluster2(t)
	defer crash(c.a)
	defer crash(c.b)

	rec := &recorder{}
	c.b.AddObserver(rec)

	branch := c.a.NewBranch()
	_, err := branch.Commit(models.Change{Path: "/x"})
	require.NoError(t, err)
	branchRev, err := branch.Commit(models.Change{Path: "/x/y"})
	require.NoError(t, err)
	assert.True(t, branchRev.Branch)

	_, err = branch.Merge(ctx)
	require.NoError(t, err)
	_, err = branch.Merge(ctx)
	assert.Error(t, err)

	cycle(t, c.a)
	branchEntries := entries(t, c.a, 1, true)
	require.Len(t, branchEntries, 1)
	assert.Equal(t, `{"x":{"y":{}}}`, branchEntries[0].Changes.String())

	trunk := entries(t, c.a, 1, false)
	assert.Equal(t, []string{branchEntries[0].ID}, trunk[len(trunk)-1].BranchCommits)

	cycle(t, c.b)
	c.b.DrainObservers()
	changes := rec.all()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Changes.Contains("/x/y"))
}

func TestRecoveryOfCrashedPeer(t *testing.T) {
	ctx := context.Background()
	c := newCluster2(t)
	defer crash(c.a)

	_, err := c.a.Commit(ctx, models.Change{Path: "/x"}, models.Change{Path: "/x/y"}, models.Change{Path: "/x/y/z"})
	require.NoError(t, err)
	cycle(t, c.a)
	cycle(t, c.b)

	c.clock.Advance(time.Second)
	rev, err := c.b.Commit(ctx, models.Change{Path: "/x/y/z", Properties: map[string]string{"f": "b"}})
	require.NoError(t, err)
	crash(c.b)

	_, ok := lastRevOf(t, c.a, "/x/y/z", 2)
	require.False(t, ok)

	rec := &recorder{}
	c.a.AddObserver(rec)

	c.clock.Advance(2 * time.Minute)
	cycle(t, c.a)

	for _, p := range []string{"/", "/x", "/x/y", "/x/y/z"} {
		got, ok := lastRevOf(t, c.a, p, 2)
		require.True(t, ok, p)
		assert.Equal(t, rev, got, p)
	}

	entry, err := c.a.Journal().Find(ctx, rev.Key())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, `{"x":{"y":{"z":{}}}}`, entry.Changes.String())

	info, err := c.a.Registry().Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, models.StateNone, info.State)

	// the repaired journal is picked up like any other
	cycle(t, c.a)
	c.a.DrainObservers()
	changes := rec.all()
	require.Len(t, changes, 1)
	assert.True(t, changes[0].Changes.Contains("/x/y/z"))

	n, err := c.a.Agent().Recover(ctx, slices.Values([]*models.NodeDocument{}), 2)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRecoveryOnRestart(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := newClock()

	e := openEngine(t, s, clock, 2)
	cycle(t, e)
	clock.Advance(time.Second)
	rev, err := e.Commit(ctx, models.Change{Path: "/p"})
	require.NoError(t, err)
	crash(e)

	clock.Advance(2 * time.Minute)
	restarted := openEngine(t, s, clock, 2)
	defer crash(restarted)

	got, ok := lastRevOf(t, restarted, "/", 2)
	require.True(t, ok)
	assert.Equal(t, rev, got)
	got, ok = lastRevOf(t, restarted, "/p", 2)
	require.True(t, ok)
	assert.Equal(t, rev, got)
}

func TestRestartDoesNotReuseRevisions(t *testing.T) {
	ctx := context.Background()
	c := newCluster2(t)
	defer crash(c.b)

	rec := &recorder{}
	c.b.AddObserver(rec)

	for _, p := range []string{"/old1", "/old2", "/old3"} {
		_, err := c.a.Commit(ctx, models.Change{Path: p})
		require.NoError(t, err)
	}
	require.NoError(t, c.a.Dispose(ctx))
	persisted, ok := lastRevOf(t, c.b, "/", 1)
	require.True(t, ok)

	cycle(t, c.b)
	c.b.DrainObservers()
	require.Len(t, rec.all(), 1)

	// same cluster id, clock not advanced since the previous run
	restarted := openEngine(t, c.base, c.clock, 1)
	defer crash(restarted)
	rev, err := restarted.Commit(ctx, models.Change{Path: "/new"})
	require.NoError(t, err)
	assert.True(t, rev.NewerThan(persisted), "%s not newer than %s", rev, persisted)

	cycle(t, restarted)
	cycle(t, c.b)
	c.b.DrainObservers()

	changes := rec.all()
	require.Len(t, changes, 2)
	assert.True(t, changes[1].External)
	assert.True(t, changes[1].Changes.Contains("/new"))

	got, ok := lastRevOf(t, restarted, "/", 1)
	require.True(t, ok)
	assert.Equal(t, rev, got)
}

type flakyStore struct {
	store.DocumentStore
	failJournal atomic.Bool
}

func (s *flakyStore) CreateOrUpdate(ctx context.Context, c store.Collection, op *models.UpdateOp) (*models.Document, error) {
	if c == store.Journal && s.failJournal.Load() {
		return nil, fmt.Errorf("%w: injected", store.ErrUnavailable)
	}
	return s.DocumentStore.CreateOrUpdate(ctx, c, op)
}

func TestFailedCycleKeepsPendingChanges(t *testing.T) {
	ctx := context.Background()
	s := &flakyStore{DocumentStore: store.NewMemoryStore()}
	e := openEngine(t, s, newClock(), 1)
	defer crash(e)
	cycle(t, e)

	_, err := e.Commit(ctx, models.Change{Path: "/a"})
	require.NoError(t, err)

	s.failJournal.Store(true)
	err = e.RunBackgroundOperations(ctx)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	s.failJournal.Store(false)

	rev, err := e.Commit(ctx, models.Change{Path: "/b"})
	require.NoError(t, err)
	cycle(t, e)

	list := entries(t, e, 1, false)
	require.Len(t, list, 2)
	assert.Equal(t, `{"a":{},"b":{}}`, list[1].Changes.String())
	assert.Equal(t, rev, list[1].Revision)

	got, ok := lastRevOf(t, e, "/a", 1)
	require.True(t, ok)
	assert.True(t, got.Compare(rev) < 0)
}

func TestDispose(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	e := openEngine(t, s, newClock(), 1)

	_, err := e.Commit(ctx, models.Change{Path: "/a"})
	require.NoError(t, err)
	require.NoError(t, e.Dispose(ctx))
	require.NoError(t, e.Dispose(ctx))

	list := entries(t, e, 1, false)
	require.Len(t, list, 1)
	assert.True(t, list[0].Changes.Contains("/a"))

	info, err := e.Registry().Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StateNone, info.State)

	_, err = e.Commit(ctx, models.Change{Path: "/b"})
	assert.ErrorIs(t, err, ErrDisposed)
	assert.ErrorIs(t, e.Start(ctx), ErrDisposed)
}

func TestBackgroundLoopFollowsHints(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := newClock()
	hints := notify.NewLocal()

	open := func(clusterID int) *Engine {
		e, err := Open(ctx, s, Options{
			ClusterID:     clusterID,
			Clock:         clock,
			AsyncDelay:    time.Hour,
			LeaseDuration: time.Minute,
			Notifier:      hints,
			Logger:        zaptest.NewLogger(t),
		})
		require.NoError(t, err)
		require.NoError(t, e.Start(ctx))
		return e
	}
	a := open(1)
	b := open(2)

	rec := &recorder{}
	b.AddObserver(rec)

	_, err := a.Commit(ctx, models.Change{Path: "/n"})
	require.NoError(t, err)
	a.TriggerSync()

	require.Eventually(t, func() bool {
		for _, c := range rec.all() {
			if c.External && c.Changes.Contains("/n") {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, b.Dispose(ctx))
	require.NoError(t, a.Dispose(ctx))
}

func TestDiffCacheEvictsOldest(t *testing.T) {
	c := NewDiffCache(2)
	v := func(ts int64) revision.Vector { return revision.NewVector(revision.New(ts, 0, 1)) }

	c.Put(v(1), v(2), journal.NewChangeSet("/a"))
	c.Put(v(2), v(3), journal.NewChangeSet("/b"))
	_, ok := c.Get(v(1), v(2))
	require.True(t, ok)

	c.Put(v(3), v(4), journal.NewChangeSet("/c"))
	assert.Equal(t, 2, c.Len())

	_, ok = c.Get(v(2), v(3))
	assert.False(t, ok)
	cs, ok := c.Get(v(1), v(2))
	require.True(t, ok)
	assert.True(t, cs.Contains("/a"))

	// returned sets are copies
	cs.Modified("/z")
	cs, _ = c.Get(v(1), v(2))
	assert.False(t, cs.Contains("/z"))
}
