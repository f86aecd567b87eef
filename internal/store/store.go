package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shivanibhat24/docstore/internal/models"
)

// Collection names a document collection
type Collection string

const (
	Nodes        Collection = "nodes"
	Journal      Collection = "journal"
	ClusterNodes Collection = "clusterNodes"
)

// Collections lists every collection a backend must provide
var Collections = []Collection{Nodes, Journal, ClusterNodes}

const (
	// MinKey sorts before every document id
	MinKey = ""
	// MaxKey sorts after every document id
	MaxKey = "\U0010FFFF"
)

var (
	// ErrConditionFailed is returned when the conditions of an UpdateOp do not hold
	ErrConditionFailed = errors.New("condition failed")
	// ErrUnavailable wraps failures of the underlying backend
	ErrUnavailable = errors.New("backend unavailable")
)

// DocumentStore is the persistence contract shared by all cluster nodes.
// Every write is atomic for a single document; there are no cross-document
// transactions. Failures are returned, never retried.
type DocumentStore interface {
	// Find returns the document with key, or nil when absent
	Find(ctx context.Context, c Collection, key string) (*models.Document, error)

	// Query returns documents with fromKey < id < toKey in ascending id order,
	// at most limit documents (limit <= 0 means no limit)
	Query(ctx context.Context, c Collection, fromKey, toKey string, limit int) ([]*models.Document, error)

	// CreateOrUpdate applies op, creating the document when absent.
	// Returns the previous document or nil.
	CreateOrUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error)

	// Create applies op only if the document does not exist yet
	Create(ctx context.Context, c Collection, op *models.UpdateOp) (bool, error)

	// FindAndUpdate applies op only to an existing document. Returns the
	// previous document, or nil when absent.
	FindAndUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error)

	// Remove deletes the documents with the given keys and returns how many existed
	Remove(ctx context.Context, c Collection, keys []string) (int, error)

	Close() error
}

// Options selects and configures a backend
type Options struct {
	Type string // memory, bolt, sqlite, postgres
	Path string
	DSN  string
}

// Open creates the backend described by opts
func Open(ctx context.Context, opts Options) (DocumentStore, error) {
	switch opts.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "bolt":
		return NewBoltStore(opts.Path)
	case "sqlite":
		return NewSQLiteStore(opts.Path)
	case "postgres":
		return NewPostgresStore(ctx, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", opts.Type)
	}
}

type writeMode int

const (
	modeUpsert writeMode = iota
	modeCreate
	modeUpdate
)

var (
	errExists  = errors.New("document exists")
	errMissing = errors.New("document missing")
)

// prepare computes the document a write must store, given the current
// document (nil when absent). Backends call it inside their atomic section.
func prepare(current *models.Document, op *models.UpdateOp, mode writeMode) (*models.Document, error) {
	switch mode {
	case modeCreate:
		if current != nil {
			return nil, errExists
		}
	case modeUpdate:
		if current == nil {
			return nil, errMissing
		}
	}
	if !op.CheckConditions(current) {
		return nil, fmt.Errorf("%w: %s", ErrConditionFailed, op.ID)
	}
	return models.ApplyUpdate(current, op)
}

func unavailable(action string, c Collection, err error) error {
	return fmt.Errorf("failed to %s %s: %w: %w", action, c, ErrUnavailable, err)
}
