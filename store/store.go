// Package store is the SQLite persistence layer: detection caches, depot
// mappings, download rows, prefill sessions and history, and bans.
//
// The schema is embedded and applied on every open; all DDL is
// idempotent. A single pooled connection keeps SQLite writes serialized,
// and the DSN requests immediate transactions so write locks are taken
// up front rather than at first write.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cachewarden/cachewarden/log"
)

//go:embed schema.sql
var schemaSQL string

// Config configures a Store.
type Config struct {
	// Path is the database file path.
	Path string
	// Logger is an optional logger.
	Logger *log.Logger
}

// Store wraps the SQLite database.
type Store struct {
	db     *sqlx.DB
	path   string
	logger *log.Logger
}

// New opens (creating if needed) the database at config.Path and applies
// the schema.
func New(config Config) (*Store, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate&_loc=UTC", config.Path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db, path: config.Path, logger: config.Logger}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunInTransaction executes fn inside a transaction. A nil return commits;
// an error or panic rolls back (panics are re-raised).
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// encodeList serializes a slice to its JSON column form. Nil and empty
// slices both encode as "[]".
func encodeList[T any](list []T) (string, error) {
	if len(list) == 0 {
		return "[]", nil
	}
	raw, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("failed to encode list: %w", err)
	}
	return string(raw), nil
}

// decodeList parses a JSON column back into a slice. Empty input decodes
// to nil.
func decodeList[T any](raw string) ([]T, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var list []T
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("failed to decode list: %w", err)
	}
	return list, nil
}
