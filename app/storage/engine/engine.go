// Package engine provides a unified database access layer for the warden storage.
// It wraps sqlx.DB with the database type (sqlite or postgres) and picks the right
// SQL dialect for each query through a QueryMap.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // postgres driver loaded here
	_ "modernc.org/sqlite" // sqlite driver loaded here
)

// Type is a type of database engine
type Type string

// enum of supported database engines
const (
	Unknown  Type = ""
	Sqlite   Type = "sqlite"
	Postgres Type = "postgres"
)

// SQL is a wrapper for sqlx.DB with type.
// Type allows distinguishing between different database engines.
type SQL struct {
	sqlx.DB
	dbType Type
}

// New creates a new database engine from the connection URL. Supported formats:
// sqlite file path (with optional file:, file://, sqlite:// prefixes or .db/.sqlite
// suffix), ":memory:" for an in-memory sqlite, or a postgres:// connection string.
func New(ctx context.Context, url string) (*SQL, error) {
	if url == "" {
		return nil, fmt.Errorf("connection URL is empty")
	}

	switch {
	case strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(ctx, url)
	case url == ":memory:", strings.HasPrefix(url, "file:"), strings.HasPrefix(url, "sqlite://"),
		strings.HasSuffix(url, ".db"), strings.HasSuffix(url, ".sqlite"):
		file := strings.TrimPrefix(strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "file://"), "file:")
		return NewSqlite(file)
	default:
		return nil, fmt.Errorf("unsupported database type in connection URL %q", url)
	}
}

// NewSqlite creates a new sqlite database
func NewSqlite(file string) (*SQL, error) {
	db, err := sqlx.Connect("sqlite", file)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}
	// single connection keeps writes serialized and makes :memory: databases
	// shared between all callers
	db.SetMaxOpenConns(1)
	if err := setSqlitePragma(db); err != nil {
		return nil, err
	}
	return &SQL{DB: *db, dbType: Sqlite}, nil
}

// NewPostgres creates a new postgres database connection
func NewPostgres(ctx context.Context, connURL string) (*SQL, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return &SQL{DB: *db, dbType: Postgres}, nil
}

// Type returns the database engine type
func (e *SQL) Type() Type {
	return e.dbType
}

// Adopt converts a query with sqlite-style "?" placeholders to the engine dialect.
// For postgres, placeholders are rewritten to $1, $2, ...
func (e *SQL) Adopt(query string) string {
	if e.dbType != Postgres {
		return query
	}
	var sb strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteString("$" + strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// MakeLock creates a new lock for the database engine
func (e *SQL) MakeLock() RWLocker {
	if e.dbType == Sqlite {
		return new(sync.RWMutex) // sqlite needs locking
	}
	return &NoopLocker{} // other engines don't need locking
}

func setSqlitePragma(db *sqlx.DB) error {
	pragmas := map[string]string{
		"journal_mode": "WAL",
		"busy_timeout": "5000",
		"foreign_keys": "ON",
	}
	for name, value := range pragmas {
		if _, err := db.Exec("PRAGMA " + name + " = " + value); err != nil {
			return fmt.Errorf("failed to set sqlite pragma %s: %w", name, err)
		}
	}
	return nil
}

// TableConfig defines how to initialize a table with the schema from a QueryMap
type TableConfig struct {
	Name          string
	CreateTable   DBCmd
	CreateIndexes DBCmd
	QueriesMap    *QueryMap
}

// InitTable initializes a table with its schema and indexes in a single transaction
func InitTable(ctx context.Context, db *SQL, cfg TableConfig) error {
	if db == nil {
		return fmt.Errorf("db connection is nil")
	}

	createSchema, err := cfg.QueriesMap.Pick(db.Type(), cfg.CreateTable)
	if err != nil {
		return fmt.Errorf("failed to get create table query for %s: %w", cfg.Name, err)
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err = tx.ExecContext(ctx, createSchema); err != nil {
		return fmt.Errorf("failed to create schema for %s: %w", cfg.Name, err)
	}

	if cfg.CreateIndexes != 0 {
		createIndexes, perr := cfg.QueriesMap.Pick(db.Type(), cfg.CreateIndexes)
		if perr != nil {
			return fmt.Errorf("failed to get create indexes query for %s: %w", cfg.Name, perr)
		}
		if _, err = tx.ExecContext(ctx, createIndexes); err != nil {
			return fmt.Errorf("failed to create indexes for %s: %w", cfg.Name, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
