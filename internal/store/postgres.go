package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shivanibhat24/docstore/internal/models"
)

// insertAttempts bounds the retries when two writers race to create the same document
const insertAttempts = 3

// PostgresStore shares collections between processes through a PostgreSQL database
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the schema
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres backend requires a dsn")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) init(ctx context.Context) error {
	for _, c := range Collections {
		// "C" collation keeps id ordering byte-wise like the other backends
		schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT COLLATE "C" PRIMARY KEY,
			mod_count BIGINT NOT NULL,
			data JSONB NOT NULL
		)`, tableName(c))

		if _, err := s.pool.Exec(ctx, schema); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Find retrieves a document by key
func (s *PostgresStore) Find(ctx context.Context, c Collection, key string) (*models.Document, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = $1`, tableName(c)), key).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("find in", c, err)
	}
	return decodeDocument(data)
}

// Query retrieves documents in the open key range (fromKey, toKey)
func (s *PostgresStore) Query(ctx context.Context, c Collection, fromKey, toKey string, limit int) ([]*models.Document, error) {
	var rowLimit any
	if limit > 0 {
		rowLimit = limit
	}
	query := fmt.Sprintf(`
	SELECT data
	FROM %s
	WHERE id > $1 AND id < $2
	ORDER BY id ASC
	LIMIT $3
	`, tableName(c))

	rows, err := s.pool.Query(ctx, query, fromKey, toKey, rowLimit)
	if err != nil {
		return nil, unavailable("query", c, err)
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, unavailable("scan", c, err)
		}
		doc, err := decodeDocument(data)
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

// errRaced signals that a concurrent insert won and the write must be retried
var errRaced = errors.New("concurrent insert")

func (s *PostgresStore) write(ctx context.Context, c Collection, op *models.UpdateOp, mode writeMode) (*models.Document, error) {
	for attempt := 0; attempt < insertAttempts; attempt++ {
		previous, err := s.writeOnce(ctx, c, op, mode)
		if errors.Is(err, errRaced) {
			continue
		}
		return previous, err
	}
	return nil, unavailable("write", c, errRaced)
}

func (s *PostgresStore) writeOnce(ctx context.Context, c Collection, op *models.UpdateOp, mode writeMode) (*models.Document, error) {
	table := tableName(c)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, unavailable("begin write on", c, err)
	}
	defer tx.Rollback(ctx)

	var previous *models.Document
	var data []byte
	err = tx.QueryRow(ctx, fmt.Sprintf(`SELECT data FROM %s WHERE id = $1 FOR UPDATE`, table), op.ID).Scan(&data)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return nil, unavailable("read", c, err)
	default:
		previous, err = decodeDocument(data)
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

	if previous == nil {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, mod_count, data)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
		`, table), next.ID, next.ModCount, encoded)
		if err != nil {
			return nil, unavailable("save", c, err)
		}
		if tag.RowsAffected() == 0 {
			return nil, errRaced
		}
	} else {
		_, err := tx.Exec(ctx, fmt.Sprintf(`
		UPDATE %s SET mod_count = $2, data = $3 WHERE id = $1
		`, table), next.ID, next.ModCount, encoded)
		if err != nil {
			return nil, unavailable("save", c, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, unavailable("commit", c, err)
	}
	return previous, nil
}

// CreateOrUpdate applies op, creating the document if needed
func (s *PostgresStore) CreateOrUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	return s.write(ctx, c, op, modeUpsert)
}

// Create applies op only if the document does not exist
func (s *PostgresStore) Create(ctx context.Context, c Collection, op *models.UpdateOp) (bool, error) {
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
func (s *PostgresStore) FindAndUpdate(ctx context.Context, c Collection, op *models.UpdateOp) (*models.Document, error) {
	doc, err := s.write(ctx, c, op, modeUpdate)
	if errors.Is(err, errMissing) {
		return nil, nil
	}
	return doc, err
}

// Remove deletes documents by key
func (s *PostgresStore) Remove(ctx context.Context, c Collection, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ANY($1)`, tableName(c)), keys)
	if err != nil {
		return 0, unavailable("remove from", c, err)
	}
	return int(tag.RowsAffected()), nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
