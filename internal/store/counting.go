package store

import (
	"context"
	"sync"

	"github.com/shivanibhat24/docstore/internal/metrics"
	"github.com/shivanibhat24/docstore/internal/models"
)

// Operation names the DocumentStore method a call went to
type Operation string

const (
	OpFind           Operation = "find"
	OpQuery          Operation = "query"
	OpCreateOrUpdate Operation = "createOrUpdate"
	OpCreate         Operation = "create"
	OpFindAndUpdate  Operation = "findAndUpdate"
	OpRemove         Operation = "remove"
)

type callKey struct {
	c  Collection
	op Operation
}

// CountingStore wraps a DocumentStore and counts calls per collection and
// operation. Counts are also exported as docstore_backend_calls_total.
type CountingStore struct {
	DocumentStore

	mu     sync.Mutex
	counts map[callKey]int
}

// NewCountingStore wraps s
func NewCountingStore(s DocumentStore) *CountingStore {
	return &CountingStore{DocumentStore: s, counts: make(map[callKey]int)}
}

func (s *CountingStore) record(c Collection, op Operation) {
	s.mu.Lock()
	s.counts[callKey{c, op}]++
	s.mu.Unlock()
	metrics.BackendCalls.WithLabelValues(string(c), string(op)).Inc()
}

// Count returns how many calls op received on c since the last Reset
func (s *CountingStore) Count(c Collection, op Operation) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[callKey{c, op}]
}

// Reset clears all counters
func (s *CountingStore) Reset() {
	s.mu.Lock()
	s.counts = make(map[callKey]int)
	s.mu.Unlock()
}

func (s *CountingStore) Find(ctx context.Context, c Collection, key string) (*models.Document, error) {
	s.record(c, OpFind)
	return s.DocumentStore.Find(ctx, c, key)
}

func (s *CountingStore) Query(ctx context.Context, c Collection, fromKey, toKey string, limit int) ([]*models.Document, error) {
	s.record(c, OpQuery)
	return s.DocumentStore.Query(ctx, c, fromKey, toKey, limit)
}

func (s *CountingStore) CreateOrUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	s.record(c, OpCreateOrUpdate)
	return s.DocumentStore.CreateOrUpdate(ctx, c, op)
}

func (s *CountingStore) Create(ctx context.Context, c Collection, op *models.UpdateOp) (bool, error) {
	s.record(c, OpCreate)
	return s.DocumentStore.Create(ctx, c, op)
}

func (s *CountingStore) FindAndUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	s.record(c, OpFindAndUpdate)
	return s.DocumentStore.FindAndUpdate(ctx, c, op)
}

func (s *CountingStore) Remove(ctx context.Context, c Collection, keys []string) (int, error) {
	s.record(c, OpRemove)
	return s.DocumentStore.Remove(ctx, c, keys)
}
