package grantcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresFactsTableName   = "querygrant_facts"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresStore keeps the fact relation in Postgres for deployments where
// the cache must outlive a single host.
type PostgresStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{
		dsn:       dsn,
		tableName: postgresFactsTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresStore) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				query_id  BIGINT NOT NULL,
				owner_id  BIGINT NOT NULL,
				editor_id BIGINT NOT NULL,
				PRIMARY KEY (query_id, owner_id, editor_id)
			)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		for _, index := range []struct{ name, columns string }{
			{s.tableName + "_owner_idx", "(owner_id)"},
			{s.tableName + "_query_editor_idx", "(query_id, editor_id)"},
		} {
			indexQuery := fmt.Sprintf(
				"CREATE INDEX IF NOT EXISTS %s ON %s %s",
				postgresQuoteIdentifier(index.name),
				postgresQuoteIdentifier(s.tableName),
				index.columns,
			)
			if _, err := db.ExecContext(ctx, indexQuery); err != nil {
				_ = db.Close()
				s.initErr = err
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

func (s *PostgresStore) UpsertFact(ctx context.Context, fact Fact) (bool, error) {
	if !fact.valid() {
		return false, fmt.Errorf("%w: fact %+v", ErrInvalidInput, fact)
	}
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (query_id, owner_id, editor_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (query_id, owner_id, editor_id) DO NOTHING`,
		postgresQuoteIdentifier(s.tableName))
	res, err := s.db.ExecContext(opCtx, query, fact.QueryID, fact.OwnerID, fact.EditorID)
	if err != nil {
		return false, fmt.Errorf("insert fact: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert fact: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) QueriesOwnedBy(ctx context.Context, ownerID int) ([]int, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT DISTINCT query_id FROM %s WHERE owner_id = $1 ORDER BY query_id",
		postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(opCtx, query, ownerID)
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

func (s *PostgresStore) EditorsOfOwnedQueries(ctx context.Context, ownerID int) (map[int][]int, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT query_id, editor_id FROM %s WHERE owner_id = $1 ORDER BY query_id, editor_id",
		postgresQuoteIdentifier(s.tableName))
	rows, err := s.db.QueryContext(opCtx, query, ownerID)
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

func (s *PostgresStore) HasAccess(ctx context.Context, queryID, editorID int) (bool, error) {
	if err := s.ensureReady(); err != nil {
		return false, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT 1 FROM %s WHERE query_id = $1 AND editor_id = $2 LIMIT 1",
		postgresQuoteIdentifier(s.tableName))
	var one int
	err := s.db.QueryRowContext(opCtx, query, queryID, editorID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check access: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
