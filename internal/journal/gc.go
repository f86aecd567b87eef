package journal

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/shivanibhat24/docstore/internal/metrics"
	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

// DefaultBatchSize is the number of entries removed per query
const DefaultBatchSize = 100

// maxTimestamp is the largest timestamp a revision key can hold
const maxTimestamp = 1<<52 - 1

// ClusterLister lists the registered cluster nodes
type ClusterLister interface {
	List(ctx context.Context) ([]*models.ClusterNodeInfo, error)
}

// GarbageCollector removes journal entries older than a maximum age
type GarbageCollector struct {
	store     store.DocumentStore
	clusters  ClusterLister
	clock     revision.Clock
	logger    *zap.Logger
	BatchSize int
}

// NewGarbageCollector creates a collector over all partitions of the
// cluster nodes clusters lists
func NewGarbageCollector(s store.DocumentStore, clusters ClusterLister, clock revision.Clock, logger *zap.Logger) *GarbageCollector {
	if clock == nil {
		clock = revision.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GarbageCollector{
		store:     s,
		clusters:  clusters,
		clock:     clock,
		logger:    logger,
		BatchSize: DefaultBatchSize,
	}
}

// GC removes all entries whose revision timestamp is older than now - maxAge
// and returns how many were removed. An interrupted run is completed by
// calling GC again.
//
// A branch entry listed in _bc of a trunk entry that survives is kept
// regardless of its age, so readers of that trunk entry still see the
// branch changes.
func (gc *GarbageCollector) GC(ctx context.Context, maxAge time.Duration) (int, error) {
	start := time.Now()
	cutoff := gc.clock.Now().Add(-maxAge).UnixMilli()

	nodes, err := gc.clusters.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list cluster nodes: %w", err)
	}

	total := 0
	for _, node := range nodes {
		n, err := gc.collect(ctx, node.ClusterID, false, cutoff, nil)
		total += n
		if err != nil {
			metrics.GCRemovedEntries.Add(float64(total))
			return total, err
		}

		// trunk goes first so only surviving trunk entries pin branch entries
		keep, err := gc.referencedBranches(ctx, node.ClusterID, cutoff)
		if err != nil {
			metrics.GCRemovedEntries.Add(float64(total))
			return total, err
		}
		n, err = gc.collect(ctx, node.ClusterID, true, cutoff, keep)
		total += n
		if err != nil {
			metrics.GCRemovedEntries.Add(float64(total))
			return total, err
		}
	}

	metrics.GCRemovedEntries.Add(float64(total))
	gc.logger.Info("journal garbage collection finished",
		zap.Int("removed", total),
		zap.Duration("max_age", maxAge),
		zap.Duration("took", time.Since(start)),
	)
	return total, nil
}

func (gc *GarbageCollector) batchSize() int {
	if gc.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return gc.BatchSize
}

// referencedBranches returns the branch entry keys listed by trunk entries
// of clusterID at or after cutoff
func (gc *GarbageCollector) referencedBranches(ctx context.Context, clusterID int, cutoff int64) (mapset.Set[string], error) {
	batch := gc.batchSize()
	fromKey := revision.Revision{ClusterID: clusterID}.Key()
	if cutoff > 0 {
		fromKey = revision.Revision{Timestamp: cutoff - 1, Counter: math.MaxInt32, ClusterID: clusterID}.Key()
	}
	toKey := revision.Revision{Timestamp: maxTimestamp, Counter: math.MaxInt32, ClusterID: clusterID}.Key()

	keys := mapset.NewThreadUnsafeSet[string]()
	for {
		docs, err := gc.store.Query(ctx, store.Journal, fromKey, toKey, batch)
		if err != nil {
			return nil, fmt.Errorf("failed to query journal of cluster %d: %w", clusterID, err)
		}
		for _, doc := range docs {
			if bc, ok := doc.Get(BranchCommitsKey); ok && bc != "" {
				keys.Append(strings.Split(bc, ",")...)
			}
			fromKey = doc.ID
		}
		if len(docs) < batch {
			return keys, nil
		}
	}
}

func (gc *GarbageCollector) collect(ctx context.Context, clusterID int, branch bool, cutoff int64, keep mapset.Set[string]) (int, error) {
	batch := gc.batchSize()
	fromKey := revision.Revision{ClusterID: clusterID, Branch: branch}.Key()
	toKey := revision.Revision{Timestamp: cutoff, ClusterID: clusterID, Branch: branch}.Key()

	removed := 0
	for {
		docs, err := gc.store.Query(ctx, store.Journal, fromKey, toKey, batch)
		if err != nil {
			return removed, fmt.Errorf("failed to query journal of cluster %d: %w", clusterID, err)
		}
		keys := make([]string, 0, len(docs))
		for _, doc := range docs {
			fromKey = doc.ID
			if keep != nil && keep.Contains(doc.ID) {
				continue
			}
			keys = append(keys, doc.ID)
		}
		if len(keys) > 0 {
			n, err := gc.store.Remove(ctx, store.Journal, keys)
			removed += n
			if err != nil {
				return removed, fmt.Errorf("failed to remove journal entries of cluster %d: %w", clusterID, err)
			}
			gc.logger.Debug("removed journal entries",
				zap.Int("cluster_id", clusterID),
				zap.Bool("branch", branch),
				zap.Int("count", n),
				zap.Int("kept", len(docs)-len(keys)),
			)
		}
		if len(docs) < batch {
			return removed, nil
		}
	}
}

// Run collects garbage every interval until ctx is done
func (gc *GarbageCollector) Run(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := gc.GC(ctx, maxAge); err != nil {
				gc.logger.Error("journal garbage collection failed", zap.Error(err))
			}
		}
	}
}
