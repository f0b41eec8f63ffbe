package saga

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
)

/*
PostgreSQL Schema (migrations/postgres/*.sql, applied in name order):

CREATE TABLE saga_transactions (
    id               VARCHAR(36) PRIMARY KEY,
    saga_id          VARCHAR(36) NOT NULL UNIQUE,
    ...
    idempotency_key  VARCHAR(255) NOT NULL UNIQUE,
    status           VARCHAR(32) NOT NULL,
    metadata         JSONB,
    step_ids         JSONB NOT NULL,
    updated_at       BIGINT NOT NULL
);

CREATE TABLE saga_steps (
    id             VARCHAR(36) PRIMARY KEY,
    transaction_id VARCHAR(36) NOT NULL REFERENCES saga_transactions (id) ON DELETE CASCADE,
    step_order     INT NOT NULL,
    status         VARCHAR(32) NOT NULL,
    generation     INT NOT NULL DEFAULT 0,
    ...
    UNIQUE (transaction_id, step_order)
);

Timestamps are stored as unix milliseconds.
*/

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

// PostgresStore is a PostgreSQL-based store.
//
// The transaction row and its step rows are inserted in one database
// transaction; the UNIQUE constraint on idempotency_key decides concurrent
// duplicate creates. Status updates are conditional UPDATEs.
//
// Example:
//
//	db, _ := sql.Open("postgres", dsn)
//	store := saga.NewPostgresStore(db)
//	if err := store.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
type PostgresStore struct {
	*sqlStore
}

// NewPostgresStore creates a new PostgreSQL store over an open database.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{sqlStore: &sqlStore{
		db: db,
		dialect: sqlDialect{
			name:              "postgres",
			numberedParams:    true,
			isUniqueViolation: isPostgresUniqueViolation,
		},
	}}
}

// Migrate applies the embedded schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return s.applyMigrations(ctx)
}

func isPostgresUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	return false
}

// Compile-time checks
var (
	_ Store          = (*PostgresStore)(nil)
	_ health.Checker = (*PostgresStore)(nil)
)
