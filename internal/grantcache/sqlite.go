package grantcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS facts (
	query_id  INTEGER NOT NULL,
	owner_id  INTEGER NOT NULL,
	editor_id INTEGER NOT NULL,
	PRIMARY KEY (query_id, owner_id, editor_id)
);
CREATE INDEX IF NOT EXISTS facts_owner_idx ON facts (owner_id);
CREATE INDEX IF NOT EXISTS facts_query_editor_idx ON facts (query_id, editor_id);
`

// SQLiteStore is the default fact store: a single-file local database, so a
// run leaves nothing behind but the file. Uses the pure-Go sqlite driver.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: sqlite path is required", ErrInvalidInput)
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	return openSQLite(path)
}

// NewInMemorySQLiteStore opens a throwaway database, used by tests.
func NewInMemorySQLiteStore() (*SQLiteStore, error) {
	return openSQLite(":memory:")
}

func openSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	// A single connection keeps the single-writer assumption honest and
	// avoids table-lock errors from the driver under concurrent readers.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply cache schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UpsertFact(ctx context.Context, fact Fact) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrInvalidInput
	}
	if !fact.valid() {
		return false, fmt.Errorf("%w: fact %+v", ErrInvalidInput, fact)
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO facts (query_id, owner_id, editor_id) VALUES (?, ?, ?)`,
		fact.QueryID, fact.OwnerID, fact.EditorID,
	)
	if err != nil {
		return false, fmt.Errorf("insert fact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert fact: %w", err)
	}
	return affected > 0, nil
}

func (s *SQLiteStore) QueriesOwnedBy(ctx context.Context, ownerID int) ([]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrInvalidInput
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT query_id FROM facts WHERE owner_id = ? ORDER BY query_id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list owned queries: %w", err)
	}
	defer rows.Close()

	queryIDs := make([]int, 0)
	for rows.Next() {
		var queryID int
		if err := rows.Scan(&queryID); err != nil {
			return nil, fmt.Errorf("scan owned query: %w", err)
		}
		queryIDs = append(queryIDs, queryID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list owned queries: %w", err)
	}
	return queryIDs, nil
}

func (s *SQLiteStore) EditorsOfOwnedQueries(ctx context.Context, ownerID int) (map[int][]int, error) {
	if s == nil || s.db == nil {
		return nil, ErrInvalidInput
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT query_id, editor_id FROM facts WHERE owner_id = ? ORDER BY query_id, editor_id`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list editors: %w", err)
	}
	defer rows.Close()

	editors := map[int][]int{}
	for rows.Next() {
		var queryID, editorID int
		if err := rows.Scan(&queryID, &editorID); err != nil {
			return nil, fmt.Errorf("scan editor: %w", err)
		}
		editors[queryID] = append(editors[queryID], editorID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list editors: %w", err)
	}
	return editors, nil
}

func (s *SQLiteStore) HasAccess(ctx context.Context, queryID, editorID int) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrInvalidInput
	}
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM facts WHERE query_id = ? AND editor_id = ? LIMIT 1`,
		queryID, editorID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check access: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
