package saga

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rbaliyan/event/v3/health"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"
)

// SQLiteStore is a SQLite-based store using the pure Go modernc driver.
//
// Migrations are embedded and applied on open. The store uses a single
// connection, so writes are serialized by the database/sql pool and the
// ":memory:" database is shared by every query.
type SQLiteStore struct {
	*sqlStore
}

// OpenSQLiteStore opens (or creates) a SQLite database at path and applies
// migrations. Use ":memory:" for an ephemeral database.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := ":memory:"
	if path != ":memory:" {
		dsn = filepath.Clean(path)
	}
	dsn += "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := NewSQLiteStore(db)
	if err := store.applyMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// NewSQLiteStore wraps an already opened database. Call Migrate before use
// unless the schema is managed elsewhere.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{sqlStore: &sqlStore{
		db: db,
		dialect: sqlDialect{
			name:              "sqlite",
			isUniqueViolation: isSQLiteUniqueViolation,
		},
	}}
}

// Migrate applies the embedded schema migrations.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	return s.applyMigrations(ctx)
}

// Close releases the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// Compile-time checks
var (
	_ Store          = (*SQLiteStore)(nil)
	_ health.Checker = (*SQLiteStore)(nil)
)
