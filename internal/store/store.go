// Package store is the local store the catalog is replicated into: the data
// tables, their metadata tables and the per-dataset sync records.
//
// DuckDB is the default engine. SQLite is supported for small deployments and
// tests. Both are reached through database/sql.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/catalogsync/catalogsync/pkg/types"
)

// Supported drivers.
const (
	DriverDuckDB = "duckdb"
	DriverSQLite = "sqlite3"
)

// StagingPrefix starts the name of every table still being loaded.
const StagingPrefix = "_stage_"

// Config selects and locates the local store.
type Config struct {
	Driver string
	Path   string
}

// Store is the local store.
type Store struct {
	db     *sql.DB // Write connection
	readDB *sql.DB // Read connections; the same pool as db on DuckDB
	driver string
	locks  *keyLocks
	logger *zap.Logger
}

// Open opens (creating if needed) the local store, initializes the schema and
// drops staging tables left behind by an interrupted run.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.Path != "" && cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("store: failed to create directory: %w", err)
		}
	}

	s := &Store{
		driver: cfg.Driver,
		locks:  newKeyLocks(),
		logger: logger.Named("store"),
	}

	switch cfg.Driver {
	case DriverDuckDB, "":
		s.driver = DriverDuckDB
		db, err := sql.Open(DriverDuckDB, cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("store: failed to open database: %w", err)
		}
		s.db, s.readDB = db, db

	case DriverSQLite:
		// Write connection: single writer with WAL mode
		db, err := sql.Open(DriverSQLite, "file:"+cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("store: failed to open database: %w", err)
		}
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)

		// Read connection pool: concurrent readers see committed snapshots only
		readDB, err := sql.Open(DriverSQLite, "file:"+cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000&mode=ro")
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("store: failed to open read database: %w", err)
		}
		readDB.SetMaxOpenConns(4)
		readDB.SetMaxIdleConns(4)
		readDB.SetConnMaxLifetime(5 * time.Minute)
		s.db, s.readDB = db, readDB

	default:
		return nil, fmt.Errorf("store: unsupported driver %q", cfg.Driver)
	}

	if err := s.initSchema(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("store: failed to initialize schema: %w", err)
	}
	if err := s.dropOrphanedStaging(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Driver returns the database driver in use.
func (s *Store) Driver() string {
	return s.driver
}

// Close closes the database connections.
func (s *Store) Close() error {
	var firstErr error
	if s.readDB != nil && s.readDB != s.db {
		firstErr = s.readDB.Close()
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range AllSchemaSQL() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// ListTables returns the names of all tables in the store, bookkeeping and
// staging tables included.
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	query := `SELECT name FROM sqlite_master WHERE type = 'table' ORDER BY name`
	if s.driver == DriverDuckDB {
		query = `SELECT table_name FROM information_schema.tables
			WHERE table_schema = current_schema() ORDER BY table_name`
	}

	rows, err := s.readDB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("store: failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// TableExists reports whether a table is visible to readers.
func (s *Store) TableExists(ctx context.Context, name string) (bool, error) {
	names, err := s.ListTables(ctx)
	if err != nil {
		return false, err
	}
	for _, n := range names {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

// CountRows returns the number of rows in a table.
func (s *Store) CountRows(ctx context.Context, name string) (int64, error) {
	var n int64
	err := s.readDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+types.QuoteIdent(name)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: failed to count rows of %s: %w", name, err)
	}
	return n, nil
}

func (s *Store) dropOrphanedStaging(ctx context.Context) error {
	names, err := s.ListTables(ctx)
	if err != nil {
		return err
	}
	var orphans []string
	for _, n := range names {
		if strings.HasPrefix(n, StagingPrefix) {
			orphans = append(orphans, n)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	s.logger.Warn("store.staging_cleanup", zap.Strings("tables", orphans))
	return s.DropStaging(ctx, orphans...)
}
