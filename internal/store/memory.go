package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/shivanibhat24/docstore/internal/models"
)

// MemoryStore keeps all collections in process memory. It is shared by
// several engines in tests to simulate a cluster.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[Collection]map[string]*models.Document
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{collections: make(map[Collection]map[string]*models.Document)}
	for _, c := range Collections {
		s.collections[c] = make(map[string]*models.Document)
	}
	return s
}

func (s *MemoryStore) collection(c Collection) map[string]*models.Document {
	docs, ok := s.collections[c]
	if !ok {
		docs = make(map[string]*models.Document)
		s.collections[c] = docs
	}
	return docs
}

// Find retrieves a document by key
func (s *MemoryStore) Find(ctx context.Context, c Collection, key string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.collections[c][key]
	if !ok {
		return nil, nil
	}
	return doc.Copy(), nil
}

// Query retrieves documents in the open key range (fromKey, toKey)
func (s *MemoryStore) Query(ctx context.Context, c Collection, fromKey, toKey string, limit int) ([]*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	docs := s.collections[c]
	keys := make([]string, 0)
	for k := range docs {
		if k > fromKey && k < toKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}

	result := make([]*models.Document, len(keys))
	for i, k := range keys {
		result[i] = docs[k].Copy()
	}
	return result, nil
}

func (s *MemoryStore) write(ctx context.Context, c Collection, op *models.UpdateOp, mode writeMode) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collection(c)
	current := docs[op.ID]
	next, err := prepare(current, op, mode)
	if err != nil {
		return nil, err
	}
	docs[op.ID] = next
	if current == nil {
		return nil, nil
	}
	return current.Copy(), nil
}

// CreateOrUpdate applies op, creating the document if needed
func (s *MemoryStore) CreateOrUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	return s.write(ctx, c, op, modeUpsert)
}

// Create applies op only if the document does not exist
func (s *MemoryStore) Create(ctx context.Context, c Collection, op *models.UpdateOp) (bool, error) {
	_, err := s.write(ctx, c, op, modeCreate)
	if errors.Is(err, errExists) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FindAndUpdate applies op only to an existing document
func (s *MemoryStore) FindAndUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	doc, err := s.write(ctx, c, op, modeUpdate)
	if errors.Is(err, errMissing) {
		return nil, nil
	}
	return doc, err
}

// Remove deletes documents by key
func (s *MemoryStore) Remove(ctx context.Context, c Collection, keys []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collection(c)
	removed := 0
	for _, k := range keys {
		if _, ok := docs[k]; ok {
			delete(docs, k)
			removed++
		}
	}
	return removed, nil
}

// Close is a no-op for the memory store
func (s *MemoryStore) Close() error {
	return nil
}
