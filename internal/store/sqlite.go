package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/shivanibhat24/docstore/internal/models"
)

// SQLiteStore keeps one table per collection with the document as a JSON column
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new store instance
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = ":memory:"
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single connection serializes read-modify-write transactions and keeps
	// an in-memory database alive for the lifetime of the store
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func tableName(c Collection) string {
	switch c {
	case ClusterNodes:
		return "cluster_nodes"
	default:
		return strings.ToLower(string(c))
	}
}

// init initializes the database schema
func (s *SQLiteStore) init() error {
	for _, c := range Collections {
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			mod_count INTEGER NOT NULL,
			data TEXT NOT NULL
		)`, tableName(c))

		if _, err := s.db.Exec(schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Find retrieves a document by key
func (s *SQLiteStore) Find(ctx context.Context, c Collection, key string) (*models.Document, error) {
	query := fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, tableName(c))

	var data string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find in", c, err)
	}
	return decodeDocument([]byte(data))
}

// Query retrieves documents in the open key range (fromKey, toKey)
func (s *SQLiteStore) Query(ctx context.Context, c Collection, fromKey, toKey string, limit int) ([]*models.Document, error) {
	if limit <= 0 {
		limit = -1
	}
	query := fmt.Sprintf(`
	SELECT data
	FROM %s
	WHERE id > ? AND id < ?
	ORDER BY id ASC
	LIMIT ?
	`, tableName(c))

	rows, err := s.db.QueryContext(ctx, query, fromKey, toKey, limit)
	if err != nil {
		return nil, unavailable("query", c, err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, unavailable("scan", c, err)
		}
		doc, err := decodeDocument([]byte(data))
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query", c, err)
	}
	return docs, nil
}

func (s *SQLiteStore) write(ctx context.Context, c Collection, op *models.UpdateOp, mode writeMode) (*models.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("begin write on", c, err)
	}
	defer tx.Rollback()

	var previous *models.Document
	var data string
	err = tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = ?`, tableName(c)), op.ID).Scan(&data)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, unavailable("read", c, err)
	default:
		previous, err = decodeDocument([]byte(data))
		if err != nil {
			return nil, err
		}
	}

	next, err := prepare(previous, op, mode)
	if err != nil {
		return nil, err
	}
	encoded, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document: %w", err)
	}

	query := fmt.Sprintf(`
	INSERT INTO %s (id, mod_count, data)
	VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		mod_count = excluded.mod_count,
		data = excluded.data
	`, tableName(c))

	if _, err := tx.ExecContext(ctx, query, next.ID, next.ModCount, string(encoded)); err != nil {
		return nil, unavailable("save", c, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("commit", c, err)
	}
	return previous, nil
}

// CreateOrUpdate applies op, creating the document if needed
func (s *SQLiteStore) CreateOrUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	return s.write(ctx, c, op, modeUpsert)
}

// Create applies op only if the document does not exist
func (s *SQLiteStore) Create(ctx context.Context, c Collection, op *models.UpdateOp) (bool, error) {
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
func (s *SQLiteStore) FindAndUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	doc, err := s.write(ctx, c, op, modeUpdate)
	if errors.Is(err, errMissing) {
		return nil, nil
	}
	return doc, err
}

// Remove deletes documents by key
func (s *SQLiteStore) Remove(ctx context.Context, c Collection, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(keys)), ",")
	args := make([]interface{}, len(keys))
	for i, k := range keys {
		args[i] = k
	}

	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, tableName(c), placeholders)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, unavailable("remove from", c, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, unavailable("remove from", c, err)
	}
	return int(n), nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
