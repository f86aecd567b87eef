package journal

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

type staticClusters []int

func (s staticClusters) List(ctx context.Context) ([]*models.ClusterNodeInfo, error) {
	nodes := make([]*models.ClusterNodeInfo, len(s))
	for i, id := range s {
		nodes[i] = &models.ClusterNodeInfo{ClusterID: id, State: models.StateActive}
	}
	return nodes, nil
}

var start = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAppendAndQuery(t *testing.T) {
	ctx := context.Background()
	j := New(store.NewMemoryStore(), zaptest.NewLogger(t))
	gen := revision.NewGenerator(2, revision.NewVirtualClock(start))

	var revs []revision.Revision
	for i := 0; i < 5; i++ {
		r := gen.Next()
		revs = append(revs, r)
		require.NoError(t, j.Append(ctx, r, NewChangeSet(fmt.Sprintf("/n%d", i))))
	}
	// another cluster and the branch partition must not leak into the range
	require.NoError(t, j.Append(ctx, revision.New(revs[2].Timestamp, 0, 3), NewChangeSet("/other")))
	require.NoError(t, j.Append(ctx, revs[2].AsBranch(), NewChangeSet("/branch")))

	entries, err := j.Query(ctx, 2, false, revs[0], revs[3], 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, revs[1], entries[0].Revision)
	assert.Equal(t, revs[3], entries[2].Revision)
	assert.True(t, entries[0].Changes.Contains("/n1"))

	entries, err = j.Query(ctx, 2, false, revision.Revision{}, revs[4], 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, revs[0], entries[0].Revision)

	entries, err = j.Query(ctx, 2, true, revision.Revision{}, revs[4], 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Revision.Branch)
}

func TestAppendIfAbsent(t *testing.T) {
	ctx := context.Background()
	j := New(store.NewMemoryStore(), nil)
	r := revision.New(1000, 0, 1)

	created, err := j.AppendIfAbsent(ctx, r, NewChangeSet("/a"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = j.AppendIfAbsent(ctx, r, NewChangeSet("/b"))
	require.NoError(t, err)
	assert.False(t, created)

	entry, err := j.Find(ctx, r.Key())
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, `{"a":{}}`, entry.Changes.String())

	missing, err := j.Find(ctx, revision.New(1, 0, 1).Key())
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReadFollowsBranchCommits(t *testing.T) {
	ctx := context.Background()
	j := New(store.NewMemoryStore(), zaptest.NewLogger(t))
	gen := revision.NewGenerator(1, revision.NewVirtualClock(start))

	branchRev := gen.Next().AsBranch()
	require.NoError(t, j.Append(ctx, branchRev, NewChangeSet("/b/c")))

	first := gen.Next()
	require.NoError(t, j.Append(ctx, first, NewChangeSet("/a")))
	second := gen.Next()
	require.NoError(t, j.Append(ctx, second, NewChangeSet("/b"), branchRev.Key()))
	third := gen.Next()
	require.NoError(t, j.Append(ctx, third, NewChangeSet("/d")))

	cs := NewChangeSet()
	n, err := j.Read(ctx, 1, revision.Revision{}, third, 1, cs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"/", "/a", "/b", "/b/c", "/d"}, cs.Paths())

	cs = NewChangeSet()
	n, err = j.Read(ctx, 1, first, second, 10, cs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"/", "/b", "/b/c"}, cs.Paths())
}

func TestGCRemovesOldEntriesOnly(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := revision.NewVirtualClock(start)
	j := New(s, nil)
	gc := NewGarbageCollector(s, staticClusters{1, 2}, clock, zaptest.NewLogger(t))

	old1 := revision.NewGenerator(1, clock).Next()
	require.NoError(t, j.Append(ctx, old1, NewChangeSet("/a")))
	require.NoError(t, j.Append(ctx, old1.AsBranch(), NewChangeSet("/a/b")))

	clock.Advance(time.Hour)
	fresh := revision.NewGenerator(2, clock).Next()
	require.NoError(t, j.Append(ctx, fresh, NewChangeSet("/b")))

	removed, err := gc.GC(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	removed, err = gc.GC(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	entry, err := j.Find(ctx, fresh.Key())
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestGCKeepsReferencedBranchEntries(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	clock := revision.NewVirtualClock(start)
	j := New(s, zaptest.NewLogger(t))
	gc := NewGarbageCollector(s, staticClusters{1}, clock, zaptest.NewLogger(t))
	gc.BatchSize = 1
	gen := revision.NewGenerator(1, clock)

	orphan := gen.Next().AsBranch()
	require.NoError(t, j.Append(ctx, orphan, NewChangeSet("/o")))
	merged := gen.Next().AsBranch()
	require.NoError(t, j.Append(ctx, merged, NewChangeSet("/m/n")))
	old := gen.Next()
	require.NoError(t, j.Append(ctx, old, NewChangeSet("/a")))

	// merged long after the branch commit
	clock.Advance(time.Hour)
	trunk := gen.Next()
	require.NoError(t, j.Append(ctx, trunk, NewChangeSet("/m"), merged.Key()))

	removed, err := gc.GC(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entry, err := j.Find(ctx, orphan.Key())
	require.NoError(t, err)
	assert.Nil(t, entry)
	entry, err = j.Find(ctx, merged.Key())
	require.NoError(t, err)
	assert.NotNil(t, entry)

	into := NewChangeSet()
	n, err := j.Read(ctx, 1, old, trunk, 0, into)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.True(t, into.Contains("/m/n"))

	// once the trunk entry is gone the branch entry goes too
	clock.Advance(time.Hour)
	removed, err = gc.GC(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
}

func TestGCLargeCleanup(t *testing.T) {
	for _, n := range []int{100, 1000, 10000, 30000} {
		t.Run(fmt.Sprintf("%d", n), func(t *testing.T) {
			if n > 1000 && testing.Short() {
				t.Skip("large cleanup skipped in short mode")
			}
			ctx := context.Background()
			s := store.NewCountingStore(store.NewMemoryStore())
			clock := revision.NewVirtualClock(start)
			j := New(s, nil)
			gen := revision.NewGenerator(1, clock)

			for i := 0; i < n; i++ {
				require.NoError(t, j.Append(ctx, gen.Next(), NewChangeSet(fmt.Sprintf("/n%d", i))))
			}
			clock.Advance(time.Millisecond)
			s.Reset()

			gc := NewGarbageCollector(s, staticClusters{1}, clock, nil)
			removed, err := gc.GC(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, n, removed)

			// each partition needs ceil(n/batch) removals plus a final empty query
			assert.Equal(t, (n+DefaultBatchSize-1)/DefaultBatchSize, s.Count(store.Journal, store.OpRemove))

			removed, err = gc.GC(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, 0, removed)
		})
	}
}

type failingLister struct{}

func (failingLister) List(ctx context.Context) ([]*models.ClusterNodeInfo, error) {
	return nil, errors.New("boom")
}

func TestGCListFailure(t *testing.T) {
	gc := NewGarbageCollector(store.NewMemoryStore(), failingLister{}, nil, nil)
	_, err := gc.GC(context.Background(), time.Hour)
	assert.Error(t, err)
}
