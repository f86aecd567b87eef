package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shivanibhat24/docstore/internal/journal"
	"github.com/shivanibhat24/docstore/internal/metrics"
	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/notify"
	"github.com/shivanibhat24/docstore/internal/observer"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

// backgroundRead picks up the journal entries other cluster nodes wrote
// since the last cycle and moves the head past them.
func (e *Engine) backgroundRead(ctx context.Context) error {
	root, err := e.store.Find(ctx, store.Nodes, models.IDFromPath(models.RootPath))
	if err != nil {
		return fmt.Errorf("failed to read root: %w", err)
	}
	if root == nil {
		return nil
	}

	type peerRead struct {
		from, to revision.Revision
		changes  *journal.ChangeSet
	}
	e.mu.Lock()
	reads := make(map[int]*peerRead)
	for clusterID, r := range models.NewNodeDocument(root).LastRevs() {
		if clusterID == e.ClusterID() {
			continue
		}
		if seen, ok := e.lastSeen[clusterID]; ok && !r.NewerThan(seen) {
			continue
		}
		reads[clusterID] = &peerRead{from: e.lastSeen[clusterID], to: r, changes: journal.NewChangeSet()}
	}
	e.mu.Unlock()

	if len(reads) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for clusterID, read := range reads {
		g.Go(func() error {
			n, err := e.journal.Read(gctx, clusterID, read.from, read.to, e.opts.JournalBatch, read.changes)
			if err != nil {
				return fmt.Errorf("failed to read journal of cluster node %d: %w", clusterID, err)
			}
			metrics.PeerEntriesRead.WithLabelValues(strconv.Itoa(clusterID)).Add(float64(n))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	discovered := journal.NewChangeSet()
	peers := make([]int, 0, len(reads))
	e.mu.Lock()
	before := e.head
	for clusterID, read := range reads {
		discovered.Merge(read.changes)
		e.lastSeen[clusterID] = read.to
		e.head = e.head.Update(read.to)
		peers = append(peers, clusterID)
	}
	after := e.head
	e.mu.Unlock()

	sort.Ints(peers)
	e.logger.Debug("external changes discovered",
		zap.Ints("peers", peers),
		zap.String("changes", discovered.String()),
		zap.String("head", after.String()),
	)
	e.diffs.Put(before, after, discovered)
	e.dispatcher.Enqueue(observer.Change{Before: before, After: after, Changes: discovered, External: true})
	return nil
}

// Start runs background cycles every AsyncDelay, on TriggerSync and on
// journal hints from other cluster nodes until Stop or Dispose.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.disposed {
		return ErrDisposed
	}
	if e.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	hints, err := e.opts.Notifier.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to journal hints: %w", err)
	}
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(ctx, hints)
	}()
	return nil
}

func (e *Engine) loop(ctx context.Context, hints <-chan notify.Hint) {
	ticker := time.NewTicker(e.opts.AsyncDelay)
	defer ticker.Stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.opts.AsyncDelay
	b.MaxElapsedTime = 0
	var retryAt time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.trigger:
		case hint, ok := <-hints:
			if !ok {
				hints = nil
				continue
			}
			if hint.ClusterID == e.ClusterID() {
				continue
			}
		}

		if time.Now().Before(retryAt) {
			continue
		}
		if err := e.RunBackgroundOperations(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := b.NextBackOff()
			retryAt = time.Now().Add(wait)
			e.logger.Warn("backing off background cycles", zap.Duration("wait", wait))
			continue
		}
		b.Reset()
		retryAt = time.Time{}
	}
}

// Stop ends the background loop started by Start
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// Dispose stops the loop, runs a final cycle so that no local change is
// left unjournaled and releases the lease.
func (e *Engine) Dispose(ctx context.Context) error {
	e.Stop()

	e.mu.Lock()
	if e.disposed {
		e.mu.Unlock()
		return nil
	}
	e.disposed = true
	e.mu.Unlock()

	var errs []error
	if err := e.RunBackgroundOperations(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.registry.Release(ctx, e.lease); err != nil {
		errs = append(errs, err)
	}
	e.dispatcher.Drain()
	e.dispatcher.Close()

	e.logger.Info("cluster node disposed")
	return errors.Join(errs...)
}

// Branch collects changes under branch revisions until it is merged
type Branch struct {
	engine  *Engine
	mu      sync.Mutex
	base    revision.Vector
	head    revision.Revision
	changes []models.Change
	paths   *journal.ChangeSet
	merged  bool
}

// NewBranch starts a branch off the current head
func (e *Engine) NewBranch() *Branch {
	return &Branch{engine: e, base: e.HeadRevision(), paths: journal.NewChangeSet()}
}

// Commit records changes on the branch and returns the branch revision
func (b *Branch) Commit(changes ...models.Change) (revision.Revision, error) {
	if len(changes) == 0 {
		return revision.Revision{}, ErrEmptyCommit
	}
	for _, c := range changes {
		if err := models.ValidatePath(c.Path); err != nil {
			return revision.Revision{}, err
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.merged {
		return revision.Revision{}, fmt.Errorf("branch already merged")
	}
	b.head = b.engine.gen.Next().AsBranch()
	for _, c := range changes {
		b.changes = append(b.changes, c)
		b.paths.Modified(c.Path)
	}
	return b.head, nil
}

// Base returns the head vector the branch was created from
func (b *Branch) Base() revision.Vector {
	return b.base
}

// Merge commits all branch changes to trunk under one revision. The branch
// changes are journaled under the branch revision by the next cycle.
func (b *Branch) Merge(ctx context.Context) (revision.Revision, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.merged {
		return revision.Revision{}, fmt.Errorf("branch already merged")
	}
	e := b.engine
	if e.isDisposed() {
		return revision.Revision{}, ErrDisposed
	}
	if len(b.changes) == 0 {
		b.merged = true
		return revision.Revision{}, nil
	}

	e.commitMu.RLock()
	rev, written, err := e.apply(ctx, b.changes)
	if err != nil {
		e.changes.Merge(written)
		e.commitMu.RUnlock()
		return revision.Revision{}, err
	}
	e.branchesMu.Lock()
	e.branches = append(e.branches, mergedBranch{rev: b.head, changes: b.paths.Copy()})
	e.branchesMu.Unlock()
	e.commitMu.RUnlock()

	b.merged = true
	e.advance(rev, b.paths.Copy())
	return rev, nil
}
