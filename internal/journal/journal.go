package journal

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/shivanibhat24/docstore/internal/models"
	"github.com/shivanibhat24/docstore/internal/store"
	"github.com/shivanibhat24/docstore/pkg/revision"
)

const (
	// ChangesKey holds the change tree of an entry
	ChangesKey = "_c"
	// BranchCommitsKey holds the keys of branch entries merged by an entry
	BranchCommitsKey = "_bc"
)

// Entry is one immutable journal record: the paths a cluster node changed
// up to Revision since its previous entry.
type Entry struct {
	ID            string
	Revision      revision.Revision
	Changes       *ChangeSet
	BranchCommits []string
}

// EntryFromDocument decodes a journal document
func EntryFromDocument(doc *models.Document) (*Entry, error) {
	rev, err := revision.ParseKey(doc.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to decode journal entry: %w", err)
	}
	entry := &Entry{ID: doc.ID, Revision: rev, Changes: NewChangeSet()}
	if c, ok := doc.Get(ChangesKey); ok {
		entry.Changes, err = ParseChangeSet(c)
		if err != nil {
			return nil, fmt.Errorf("failed to decode journal entry %s: %w", doc.ID, err)
		}
	}
	if bc, ok := doc.Get(BranchCommitsKey); ok && bc != "" {
		entry.BranchCommits = strings.Split(bc, ",")
	}
	return entry, nil
}

func newEntryOp(rev revision.Revision, changes *ChangeSet, branchCommits []string) *models.UpdateOp {
	if changes == nil {
		changes = NewChangeSet()
	}
	op := models.NewUpdateOp(rev.Key()).Set(ChangesKey, changes.String())
	if len(branchCommits) > 0 {
		op.Set(BranchCommitsKey, strings.Join(branchCommits, ","))
	}
	return op
}

// Journal reads and writes entries in the journal collection. Keys are
// revision keys, so every (cluster id, branch) pair owns a contiguous range.
type Journal struct {
	store  store.DocumentStore
	logger *zap.Logger
}

// New creates a journal on top of s
func New(s store.DocumentStore, logger *zap.Logger) *Journal {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Journal{store: s, logger: logger}
}

// Append writes the entry for rev. The cluster id and branch flag of rev
// select the partition. Rewriting an existing key stores the same content.
func (j *Journal) Append(ctx context.Context, rev revision.Revision, changes *ChangeSet, branchCommits ...string) error {
	if changes == nil {
		changes = NewChangeSet()
	}
	if _, err := j.store.CreateOrUpdate(ctx, store.Journal, newEntryOp(rev, changes, branchCommits)); err != nil {
		return fmt.Errorf("failed to append journal entry %s: %w", rev, err)
	}
	j.logger.Debug("journal entry appended",
		zap.String("key", rev.Key()),
		zap.Int("paths", changes.Len()),
	)
	return nil
}

// AppendIfAbsent writes the entry for rev unless one exists already
func (j *Journal) AppendIfAbsent(ctx context.Context, rev revision.Revision, changes *ChangeSet) (bool, error) {
	created, err := j.store.Create(ctx, store.Journal, newEntryOp(rev, changes, nil))
	if err != nil {
		return false, fmt.Errorf("failed to append journal entry %s: %w", rev, err)
	}
	return created, nil
}

// Find returns the entry with key, nil when absent
func (j *Journal) Find(ctx context.Context, key string) (*Entry, error) {
	doc, err := j.store.Find(ctx, store.Journal, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read journal entry %s: %w", key, err)
	}
	if doc == nil {
		return nil, nil
	}
	return EntryFromDocument(doc)
}

// Query returns the entries of clusterID with from < revision <= to in
// ascending order, at most limit entries (limit <= 0 means all). Only the
// timestamp and counter of from and to are used.
func (j *Journal) Query(ctx context.Context, clusterID int, branch bool, from, to revision.Revision, limit int) ([]*Entry, error) {
	fromKey := revision.Revision{Timestamp: from.Timestamp, Counter: from.Counter, ClusterID: clusterID, Branch: branch}.Key()
	toKey := revision.Revision{Timestamp: to.Timestamp, Counter: to.Counter + 1, ClusterID: clusterID, Branch: branch}.Key()

	docs, err := j.store.Query(ctx, store.Journal, fromKey, toKey, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal of cluster %d: %w", clusterID, err)
	}
	entries := make([]*Entry, 0, len(docs))
	for _, doc := range docs {
		entry, err := EntryFromDocument(doc)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Read folds all entries of clusterID in (from, to] into one change set,
// following branch commit references. Entries are fetched batch at a time.
// It returns the number of entries read.
func (j *Journal) Read(ctx context.Context, clusterID int, from, to revision.Revision, batch int, into *ChangeSet) (int, error) {
	read := 0
	for {
		entries, err := j.Query(ctx, clusterID, false, from, to, batch)
		if err != nil {
			return read, err
		}
		for _, entry := range entries {
			into.Merge(entry.Changes)
			for _, key := range entry.BranchCommits {
				branchEntry, err := j.Find(ctx, key)
				if err != nil {
					return read, err
				}
				if branchEntry == nil {
					j.logger.Warn("branch commit entry missing",
						zap.String("key", key),
						zap.String("entry", entry.ID),
					)
					continue
				}
				into.Merge(branchEntry.Changes)
			}
			read++
			from = entry.Revision
		}
		if batch <= 0 || len(entries) < batch {
			return read, nil
		}
	}
}
