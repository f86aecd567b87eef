package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shivanibhat24/docstore/internal/cluster"
	"github.com/shivanibhat24/docstore/internal/journal"
	"github.com/shivanibhat24/docstore/internal/lastrev"
	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/notify"
	"github.com/shivanibhat24/docstore/internal/observer"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

const (
	// DefaultAsyncDelay is the pause between two background cycles
	DefaultAsyncDelay = time.Second
	// DefaultJournalBatch is the page size used when reading peer journals
	DefaultJournalBatch = 100
)

// ErrDisposed is returned by operations on a disposed engine
var ErrDisposed = errors.New("engine disposed")

// ErrEmptyCommit is returned by a commit without changes
var ErrEmptyCommit = errors.New("commit without changes")

// Options configures an Engine
type Options struct {
	// ClusterID to register as; 0 allocates a free id
	ClusterID         int
	Clock             revision.Clock
	AsyncDelay        time.Duration
	LeaseDuration     time.Duration
	JournalBatch      int
	DiffCacheSize     int
	ObserverQueueSize int
	Notifier          notify.Notifier
	Logger            *zap.Logger
}

func (o *Options) setDefaults() {
	if o.Clock == nil {
		o.Clock = revision.SystemClock{}
	}
	if o.AsyncDelay <= 0 {
		o.AsyncDelay = DefaultAsyncDelay
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = cluster.DefaultLeaseDuration
	}
	if o.JournalBatch <= 0 {
		o.JournalBatch = DefaultJournalBatch
	}
	if o.Notifier == nil {
		o.Notifier = notify.Nop{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

// mergedBranch is a branch whose changes were merged to trunk and still
// need their journal entry
type mergedBranch struct {
	rev     revision.Revision
	changes *journal.ChangeSet
}

// Engine is one cluster node: it commits local changes, journals them in
// background cycles and picks up the journals of the other cluster nodes.
type Engine struct {
	store    store.DocumentStore
	registry *cluster.Registry
	journal  *journal.Journal
	agent    *lastrev.Agent
	lease    *cluster.Lease
	gen      *revision.Generator
	opts     Options
	logger   *zap.Logger

	unsaved    *lastrev.UnsavedModifications
	dispatcher *observer.Dispatcher
	diffs      *DiffCache

	// commits hold the read side; a cycle takes the write side to snapshot
	// a consistent set of pending changes
	commitMu   sync.RWMutex
	changes    *journal.ChangeSet
	branchesMu sync.Mutex
	branches   []mergedBranch

	mu       sync.Mutex
	head     revision.Vector
	lastSeen map[int]revision.Revision
	disposed bool

	// cycleMu serializes background cycles
	cycleMu sync.Mutex

	trigger chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Open registers a cluster node on s and returns its engine. The root is
// registered as changed so that the first cycle writes the bootstrap entry.
func Open(ctx context.Context, s store.DocumentStore, opts Options) (*Engine, error) {
	opts.setDefaults()
	registry := cluster.NewRegistry(s, opts.Clock, opts.LeaseDuration, opts.Logger)

	lease, err := registry.Acquire(ctx, opts.ClusterID)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire cluster lease: %w", err)
	}
	logger := opts.Logger.With(zap.Int("cluster_id", lease.ClusterID))
	j := journal.New(s, logger)

	e := &Engine{
		store:      s,
		registry:   registry,
		journal:    j,
		agent:      lastrev.NewAgent(s, j, registry, logger),
		lease:      lease,
		gen:        revision.NewGenerator(lease.ClusterID, opts.Clock),
		opts:       opts,
		logger:     logger,
		unsaved:    lastrev.NewUnsavedModifications(),
		dispatcher: observer.NewDispatcher(opts.ObserverQueueSize, logger),
		diffs:      NewDiffCache(opts.DiffCacheSize),
		changes:    journal.NewChangeSet(),
		head:       revision.NewVector(),
		lastSeen:   make(map[int]revision.Revision),
		trigger:    make(chan struct{}, 1),
	}

	if lease.RecoveryNeeded {
		n, err := e.agent.RecoverCluster(ctx, lease.ClusterID)
		if err != nil {
			e.dispatcher.Close()
			return nil, fmt.Errorf("failed to recover cluster node %d: %w", lease.ClusterID, err)
		}
		logger.Info("recovered own last revisions", zap.Int("documents", n))
	}

	root, err := s.Find(ctx, store.Nodes, models.IDFromPath(models.RootPath))
	if err != nil {
		e.dispatcher.Close()
		return nil, fmt.Errorf("failed to read root: %w", err)
	}
	if root != nil {
		for clusterID, r := range models.NewNodeDocument(root).LastRevs() {
			e.head = e.head.Update(r)
			if clusterID == lease.ClusterID {
				// the clock may lag behind a previous run of this cluster id
				e.gen.Observe(r)
			} else {
				e.lastSeen[clusterID] = r
			}
		}
	}

	rev := e.gen.Next()
	e.unsaved.Put(models.RootPath, rev)
	e.head = e.head.Update(rev)

	logger.Info("cluster node started",
		zap.String("instance", lease.InstanceID),
		zap.String("head", e.head.String()),
	)
	return e, nil
}

// ClusterID returns the cluster id this engine registered as
func (e *Engine) ClusterID() int {
	return e.lease.ClusterID
}

// HeadRevision returns the current head vector
func (e *Engine) HeadRevision() revision.Vector {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.head
}

// Journal returns the journal the engine writes to
func (e *Engine) Journal() *journal.Journal {
	return e.journal
}

// Registry returns the lease registry
func (e *Engine) Registry() *cluster.Registry {
	return e.registry
}

// Agent returns the last revision recovery agent
func (e *Engine) Agent() *lastrev.Agent {
	return e.agent
}

// AddObserver registers o for head changes
func (e *Engine) AddObserver(o observer.Observer) {
	e.dispatcher.Add(o)
}

// DrainObservers blocks until every queued head change was delivered
func (e *Engine) DrainObservers() {
	e.dispatcher.Drain()
}

// Diff returns the paths changed between two head vectors if they are cached
func (e *Engine) Diff(from, to revision.Vector) (*journal.ChangeSet, bool) {
	return e.diffs.Get(from, to)
}

// Document returns the node document at path, nil when absent
func (e *Engine) Document(ctx context.Context, path string) (*models.NodeDocument, error) {
	doc, err := e.store.Find(ctx, store.Nodes, models.IDFromPath(path))
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, nil
	}
	return models.NewNodeDocument(doc), nil
}

func (e *Engine) isDisposed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.disposed
}

// Commit writes changes under a new trunk revision and returns it
func (e *Engine) Commit(ctx context.Context, changes ...models.Change) (revision.Revision, error) {
	if e.isDisposed() {
		return revision.Revision{}, ErrDisposed
	}
	if len(changes) == 0 {
		return revision.Revision{}, ErrEmptyCommit
	}
	e.commitMu.RLock()
	defer e.commitMu.RUnlock()

	rev, written, err := e.apply(ctx, changes)
	e.changes.Merge(written)
	if err != nil {
		return revision.Revision{}, err
	}
	e.advance(rev, written)
	return rev, nil
}

// apply writes changes under a fresh revision and registers the written
// paths as unsaved. Callers hold commitMu.
func (e *Engine) apply(ctx context.Context, changes []models.Change) (revision.Revision, *journal.ChangeSet, error) {
	for _, c := range changes {
		if err := models.ValidatePath(c.Path); err != nil {
			return revision.Revision{}, journal.NewChangeSet(), err
		}
	}

	rev := e.gen.Next()
	written := journal.NewChangeSet()
	for _, c := range changes {
		if _, err := e.store.CreateOrUpdate(ctx, store.Nodes, models.NewCommitOp(c, rev)); err != nil {
			return rev, written, fmt.Errorf("failed to commit %s: %w", c.Path, err)
		}
		written.Modified(c.Path)
		e.unsaved.Put(c.Path, rev)
		for _, ancestor := range models.Ancestors(c.Path) {
			e.unsaved.Put(ancestor, rev)
		}
	}
	return rev, written, nil
}

func (e *Engine) advance(rev revision.Revision, changes *journal.ChangeSet) {
	e.mu.Lock()
	before := e.head
	e.head = e.head.Update(rev)
	after := e.head
	e.mu.Unlock()

	e.diffs.Put(before, after, changes)
	e.dispatcher.Enqueue(observer.Change{Before: before, After: after, Changes: changes})
}

// TriggerSync asks the background loop to run a cycle soon
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// RunBackgroundOperations runs one background cycle: it renews the lease,
// journals and persists local changes, reads the journals of other cluster
// nodes and recovers cluster nodes whose lease expired.
func (e *Engine) RunBackgroundOperations(ctx context.Context) error {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	start := time.Now()
	err := e.runCycle(ctx)
	observeCycle(e.ClusterID(), start, err)
	if err != nil {
		e.logger.Error("background cycle failed", zap.Error(err))
	}
	return err
}

func (e *Engine) runCycle(ctx context.Context) error {
	if err := e.registry.Renew(ctx, e.lease); err != nil {
		return err
	}
	if err := e.backgroundWrite(ctx); err != nil {
		return err
	}
	if err := e.backgroundRead(ctx); err != nil {
		return err
	}
	if _, err := e.agent.RecoverIfNeeded(ctx, e.ClusterID()); err != nil {
		return fmt.Errorf("failed to recover expired cluster nodes: %w", err)
	}
	return nil
}

func (e *Engine) backgroundWrite(ctx context.Context) error {
	e.commitMu.Lock()
	snapshot := e.unsaved.Snapshot()
	changes := e.changes
	e.changes = journal.NewChangeSet()
	branches := e.branches
	e.branches = nil
	e.commitMu.Unlock()

	newest, ok := lastrev.Newest(snapshot)
	if !ok {
		return nil
	}

	err := e.writeJournal(ctx, newest, changes, branches)
	if err == nil {
		err = lastrev.Persist(ctx, e.store, snapshot)
	}
	if err != nil {
		// keep everything for the next cycle; rewriting the entries is harmless
		e.commitMu.Lock()
		e.unsaved.Restore(snapshot)
		changes.Merge(e.changes)
		e.changes = changes
		e.branches = append(branches, e.branches...)
		e.commitMu.Unlock()
		return err
	}

	if err := e.opts.Notifier.Publish(ctx, notify.Hint{ClusterID: e.ClusterID(), Revision: newest.String()}); err != nil {
		e.logger.Warn("failed to publish journal hint", zap.Error(err))
	}
	return nil
}

func (e *Engine) writeJournal(ctx context.Context, rev revision.Revision, changes *journal.ChangeSet, branches []mergedBranch) error {
	clusterID := strconv.Itoa(e.ClusterID())

	keys := make([]string, 0, len(branches))
	for _, b := range branches {
		if err := e.journal.Append(ctx, b.rev, b.changes); err != nil {
			return err
		}
		keys = append(keys, b.rev.Key())
		journalEntriesWritten(clusterID, "branch")
	}
	if err := e.journal.Append(ctx, rev, changes, keys...); err != nil {
		return err
	}
	journalEntriesWritten(clusterID, "trunk")

	e.logger.Debug("journal entry written",
		zap.String("revision", rev.String()),
		zap.String("changes", changes.String()),
		zap.Int("branches", len(keys)),
	)
	return nil
}
