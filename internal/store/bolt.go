package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/shivanibhat24/docstore/internal/models"
)

// BoltStore persists collections in a bbolt file, one bucket per collection.
// bbolt serializes writers, which gives every write single-document atomicity.
type BoltStore struct {
	db   *bbolt.DB
	path string
}

// NewBoltStore opens or creates the bbolt file at path
func NewBoltStore(path string) (*BoltStore, error) {
	if path == "" {
		return nil, fmt.Errorf("bolt backend requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, c := range Collections {
			if _, err := tx.CreateBucketIfNotExists([]byte(c)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BoltStore{db: db, path: path}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

func decodeDocument(data []byte) (*models.Document, error) {
	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to deserialize document: %w", err)
	}
	return &doc, nil
}

// Find retrieves a document by key
func (s *BoltStore) Find(ctx context.Context, c Collection, key string) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *models.Document
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(c))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", c)
		}
		data := bucket.Get([]byte(key))
		if data == nil {
			return nil
		}
		var err error
		doc, err = decodeDocument(data)
		return err
	})
	if err != nil {
		return nil, unavailable("find in", c, err)
	}
	return doc, nil
}

// Query retrieves documents in the open key range (fromKey, toKey)
func (s *BoltStore) Query(ctx context.Context, c Collection, fromKey, toKey string, limit int) ([]*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var docs []*models.Document
	from := []byte(fromKey)
	to := []byte(toKey)

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(c))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", c)
		}
		cursor := bucket.Cursor()
		for k, v := cursor.Seek(from); k != nil && bytes.Compare(k, to) < 0; k, v = cursor.Next() {
			if bytes.Equal(k, from) {
				continue
			}
			doc, err := decodeDocument(v)
			if err != nil {
				return err
			}
			docs = append(docs, doc)
			if limit > 0 && len(docs) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, unavailable("query", c, err)
	}
	return docs, nil
}

func (s *BoltStore) write(ctx context.Context, c Collection, op *models.UpdateOp, mode writeMode) (*models.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var previous *models.Document
	var opErr error

	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(c))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", c)
		}
		if data := bucket.Get([]byte(op.ID)); data != nil {
			doc, err := decodeDocument(data)
			if err != nil {
				return err
			}
			previous = doc
		}

		next, err := prepare(previous, op, mode)
		if err != nil {
			opErr = err
			return nil
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to serialize document: %w", err)
		}
		return bucket.Put([]byte(op.ID), data)
	})
	if err != nil {
		return nil, unavailable("write", c, err)
	}
	if opErr != nil {
		return nil, opErr
	}
	return previous, nil
}

// CreateOrUpdate applies op, creating the document if needed
func (s *BoltStore) CreateOrUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	return s.write(ctx, c, op, modeUpsert)
}

// Create applies op only if the document does not exist
func (s *BoltStore) Create(ctx context.Context, c Collection, op *models.UpdateOp) (bool, error) {
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
func (s *BoltStore) FindAndUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	doc, err := s.write(ctx, c, op, modeUpdate)
	if errors.Is(err, errMissing) {
		return nil, nil
	}
	return doc, err
}

// Remove deletes documents by key
func (s *BoltStore) Remove(ctx context.Context, c Collection, keys []string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(c))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", c)
		}
		for _, k := range keys {
			if bucket.Get([]byte(k)) == nil {
				continue
			}
			if err := bucket.Delete([]byte(k)); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, unavailable("remove from", c, err)
	}
	return removed, nil
}

// Close closes the database file
func (s *BoltStore) Close() error {
	return s.db.Close()
}
