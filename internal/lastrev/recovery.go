package lastrev

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strconv"

	"go.uber.org/zap"

	"github.com/shivanibhat24/docstore/internal/cluster"
	"github.com/shivanibhat24/docstore/internal/journal"
	"github.com/shivanibhat24/docstore/internal/metrics"
	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

// ErrInvalidArgument is returned for a cluster id that never registered
var ErrInvalidArgument = errors.New("invalid argument")

// candidateBatch is the page size used when scanning node documents
const candidateBatch = 1000

// Agent repairs the _lastRev bookkeeping of a cluster node that stopped
// before persisting it. All writes are monotonic, so concurrent agents and
// repeated runs converge on the same state.
type Agent struct {
	store    store.DocumentStore
	journal  *journal.Journal
	registry *cluster.Registry
	logger   *zap.Logger
}

// NewAgent creates a recovery agent
func NewAgent(s store.DocumentStore, j *journal.Journal, registry *cluster.Registry, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{store: s, journal: j, registry: registry, logger: logger}
}

// Recover reconstructs the last revisions of clusterID from the candidate
// documents and writes the ones missing. A candidate is repaired up to the
// newest trunk revision clusterID committed on it; its ancestors are
// repaired up to the newest revision known for any of their candidates.
// Missing ancestors are created the way Persist creates them; a candidate
// that disappeared meanwhile is skipped. It returns the number of documents
// whose last revision advanced.
func (a *Agent) Recover(ctx context.Context, docs iter.Seq[*models.NodeDocument], clusterID int) (int, error) {
	logger := a.logger.With(zap.Int("cluster_id", clusterID))

	planned := make(map[string]revision.Revision)
	candidates := make(map[string]bool)
	for doc := range docs {
		lastMod, committed := doc.LastModification(clusterID)
		lastRev, known := doc.LastRev(clusterID)
		if !committed && !known {
			continue
		}

		path := doc.Path()
		candidates[path] = true
		if committed && (!known || lastMod.NewerThan(lastRev)) {
			putMax(planned, path, lastMod)
		}

		// absent revisions are zero and lose against any real one
		forParents := revision.Max(lastRev, lastMod)
		for _, ancestor := range models.Ancestors(path) {
			putMax(planned, ancestor, forParents)
		}
	}

	// the journal key depends on the candidates only, so every agent working
	// on the same candidates writes the same entry
	evidence, ok := Newest(planned)
	if !ok {
		return 0, nil
	}

	pending := make(map[string]revision.Revision)
	missing := make(map[string]bool)
	for path, rev := range planned {
		doc, err := a.store.Find(ctx, store.Nodes, models.IDFromPath(path))
		if err != nil {
			return 0, fmt.Errorf("failed to read %s: %w", path, err)
		}
		if doc == nil {
			if candidates[path] {
				logger.Debug("skipping missing document", zap.String("path", path))
				continue
			}
			missing[path] = true
			pending[path] = rev
			continue
		}
		if current, ok := models.NewNodeDocument(doc).LastRev(clusterID); ok && !rev.NewerThan(current) {
			continue
		}
		pending[path] = rev
	}
	if len(pending) == 0 {
		return 0, nil
	}

	changes := journal.NewChangeSet()
	for path := range pending {
		changes.Modified(path)
	}
	created, err := a.journal.AppendIfAbsent(ctx, evidence, changes)
	if err != nil {
		return 0, err
	}
	if created {
		metrics.JournalEntriesWritten.WithLabelValues(strconv.Itoa(clusterID), "recovery").Inc()
	}

	paths := make([]string, 0, len(pending))
	for p := range pending {
		paths = append(paths, p)
	}
	SortDeepestFirst(paths)

	recovered := 0
	for _, path := range paths {
		rev := pending[path]
		op := models.SetLastRev(models.NewUpdateOp(models.IDFromPath(path)), rev)
		var previous *models.Document
		if missing[path] {
			previous, err = a.store.CreateOrUpdate(ctx, store.Nodes, op.Set(models.PathKey, path))
		} else {
			previous, err = a.store.FindAndUpdate(ctx, store.Nodes, op)
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to repair last revision of %s: %w", path, err)
		}
		if previous == nil {
			if missing[path] {
				recovered++
			}
			continue
		}
		if before, ok := models.NewNodeDocument(previous).LastRev(clusterID); !ok || rev.NewerThan(before) {
			recovered++
		}
	}

	if recovered > 0 {
		metrics.RecoveredDocuments.WithLabelValues(strconv.Itoa(clusterID)).Add(float64(recovered))
		logger.Info("recovered last revisions",
			zap.Int("documents", recovered),
			zap.String("revision", evidence.String()),
		)
	}
	return recovered, nil
}

// RecoverCluster recovers clusterID using every node document modified
// since the root last recorded a revision of clusterID.
func (a *Agent) RecoverCluster(ctx context.Context, clusterID int) (int, error) {
	info, err := a.registry.Get(ctx, clusterID)
	if err != nil {
		return 0, err
	}
	if info == nil {
		return 0, fmt.Errorf("%w: cluster id %d is not registered", ErrInvalidArgument, clusterID)
	}

	since := int64(0)
	root, err := a.store.Find(ctx, store.Nodes, models.IDFromPath(models.RootPath))
	if err != nil {
		return 0, fmt.Errorf("failed to read root: %w", err)
	}
	if root != nil {
		if r, ok := models.NewNodeDocument(root).LastRev(clusterID); ok {
			since = models.ModifiedInSecs(r.Timestamp)
		}
	}

	candidates, err := a.candidates(ctx, since)
	if err != nil {
		return 0, err
	}
	a.logger.Debug("recovery candidates",
		zap.Int("cluster_id", clusterID),
		zap.Int("count", len(candidates)),
		zap.Int64("modified_since", since),
	)
	return a.Recover(ctx, slices.Values(candidates), clusterID)
}

func (a *Agent) candidates(ctx context.Context, since int64) ([]*models.NodeDocument, error) {
	var candidates []*models.NodeDocument
	from := store.MinKey
	for {
		docs, err := a.store.Query(ctx, store.Nodes, from, store.MaxKey, candidateBatch)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node documents: %w", err)
		}
		for _, doc := range docs {
			node := models.NewNodeDocument(doc)
			if node.Modified() >= since {
				candidates = append(candidates, node)
			}
			from = doc.ID
		}
		if len(docs) < candidateBatch {
			return candidates, nil
		}
	}
}

// RecoverIfNeeded recovers every cluster node other than self whose lease
// expired while still marked active, then marks its lease inactive.
func (a *Agent) RecoverIfNeeded(ctx context.Context, self int) (int, error) {
	expired, err := a.registry.Expired(ctx)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, info := range expired {
		if info.ClusterID == self {
			continue
		}
		n, err := a.RecoverCluster(ctx, info.ClusterID)
		total += n
		if err != nil {
			return total, err
		}
		marked, err := a.registry.MarkRecovered(ctx, info)
		if err != nil {
			return total, err
		}
		a.logger.Info("recovered expired cluster node",
			zap.Int("cluster_id", info.ClusterID),
			zap.Int("documents", n),
			zap.Bool("lease_released", marked),
		)
	}
	return total, nil
}
