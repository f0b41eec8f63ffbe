package saga

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

//go:embed migrations
var migrationFS embed.FS

const migrationTable = "saga_schema_migrations"

// sqlDialect captures what differs between the SQL backends.
type sqlDialect struct {
	name              string
	numberedParams    bool // $1, $2 instead of ?
	isUniqueViolation func(error) bool
}

// sqlQuerier is satisfied by *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// sqlStore implements Store over database/sql. Queries are written with ?
// placeholders and rebound for the dialect.
type sqlStore struct {
	db      *sql.DB
	dialect sqlDialect
}

func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numberedParams {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// applyMigrations executes the dialect's embedded migrations at most once per file.
func (s *sqlStore) applyMigrations(ctx context.Context) error {
	root := path.Join("migrations", s.dialect.name)
	entries, err := fs.ReadDir(migrationFS, root)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
    name       VARCHAR(255) PRIMARY KEY,
    applied_at BIGINT NOT NULL
)`, migrationTable)
	if _, err := s.db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		var found int
		err := s.db.QueryRowContext(ctx,
			s.rebind("SELECT 1 FROM "+migrationTable+" WHERE name = ?"), file).Scan(&found)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("check migration %s: %w", file, err)
		}

		content, err := fs.ReadFile(migrationFS, path.Join(root, file))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := extractUpMigration(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx,
			s.rebind("INSERT INTO "+migrationTable+" (name, applied_at) VALUES (?, ?) ON CONFLICT DO NOTHING"),
			file, time.Now().UTC().UnixMilli()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// extractUpMigration returns the SQL in the -- +migrate Up section.
func extractUpMigration(content string) string {
	upIdx := strings.Index(content, "-- +migrate Up")
	if upIdx == -1 {
		return content
	}
	downIdx := strings.Index(content, "-- +migrate Down")
	if downIdx == -1 {
		return content[upIdx+len("-- +migrate Up"):]
	}
	return content[upIdx+len("-- +migrate Up") : downIdx]
}

const transactionColumns = `id, saga_id, user_id, transaction_type, status, amount, asset, idempotency_key,
	retry_count, max_retries, error_message, metadata, step_ids, created_at, updated_at, expires_at`

const stepColumns = `id, transaction_id, step_name, step_order, status, step_data, compensation_data,
	error_message, attempts, generation, started_at, completed_at`

// CreateTransaction persists the transaction and its steps in one database transaction.
func (s *sqlStore) CreateTransaction(ctx context.Context, tx *Transaction, steps []*SagaStep) error {
	if err := validateNew(tx, steps); err != nil {
		return err
	}

	metadata, err := encodeJSON(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	stepIDs, err := json.Marshal(tx.StepIDs)
	if err != nil {
		return fmt.Errorf("marshal step ids: %w", err)
	}

	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	_, err = dbtx.ExecContext(ctx, s.rebind(`
		INSERT INTO saga_transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tx.ID, tx.SagaID, tx.UserID, tx.TransactionType, string(tx.Status), tx.Amount, tx.Asset,
		tx.IdempotencyKey, tx.RetryCount, tx.MaxRetries, tx.ErrorMessage, metadata, string(stepIDs),
		toMillis(tx.CreatedAt), toMillis(tx.UpdatedAt), nullMillis(tx.ExpiresAt),
	)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			_ = dbtx.Rollback()
			if _, lookupErr := s.GetTransactionByIdempotencyKey(ctx, tx.IdempotencyKey); lookupErr == nil {
				return ErrDuplicateIdempotencyKey
			}
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	for _, step := range steps {
		stepData, err := encodeJSON(step.StepData)
		if err != nil {
			return fmt.Errorf("marshal step data: %w", err)
		}
		compData, err := encodeJSON(step.CompensationData)
		if err != nil {
			return fmt.Errorf("marshal compensation data: %w", err)
		}
		_, err = dbtx.ExecContext(ctx, s.rebind(`
			INSERT INTO saga_steps (`+stepColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
			step.ID, step.TransactionID, step.StepName, step.StepOrder, string(step.Status),
			stepData, compData, step.ErrorMessage, step.Attempts, step.Generation,
			nullMillis(step.StartedAt), nullMillis(step.CompletedAt),
		)
		if err != nil {
			return fmt.Errorf("insert step %s: %w", step.StepName, err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *sqlStore) getTransaction(ctx context.Context, column, value string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx,
		s.rebind("SELECT "+transactionColumns+" FROM saga_transactions WHERE "+column+" = ?"), value)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("transaction", value)
	}
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	return tx, nil
}

// GetTransaction retrieves a transaction by ID.
func (s *sqlStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.getTransaction(ctx, "id", id)
}

// GetTransactionBySagaID retrieves a transaction by saga ID.
func (s *sqlStore) GetTransactionBySagaID(ctx context.Context, sagaID string) (*Transaction, error) {
	return s.getTransaction(ctx, "saga_id", sagaID)
}

// GetTransactionByIdempotencyKey retrieves a transaction by idempotency key.
func (s *sqlStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return s.getTransaction(ctx, "idempotency_key", key)
}

// ListSteps returns the transaction's steps ordered by StepOrder.
func (s *sqlStore) ListSteps(ctx context.Context, transactionID string) ([]*SagaStep, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT "+stepColumns+" FROM saga_steps WHERE transaction_id = ? ORDER BY step_order ASC"),
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var steps []*SagaStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

func (s *sqlStore) casTransaction(ctx context.Context, q sqlQuerier, tx *Transaction, expected TransactionStatus) error {
	metadata, err := encodeJSON(tx.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	result, err := q.ExecContext(ctx, s.rebind(`
		UPDATE saga_transactions
		SET status = ?, retry_count = ?, max_retries = ?, error_message = ?, metadata = ?, updated_at = ?, expires_at = ?
		WHERE id = ? AND status = ?`),
		string(tx.Status), tx.RetryCount, tx.MaxRetries, tx.ErrorMessage, metadata,
		toMillis(tx.UpdatedAt), nullMillis(tx.ExpiresAt),
		tx.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Distinguish between not found and a status conflict
		var current string
		err := q.QueryRowContext(ctx, s.rebind("SELECT status FROM saga_transactions WHERE id = ?"), tx.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("transaction", tx.ID)
		}
		if err != nil {
			return fmt.Errorf("query status: %w", err)
		}
		return conflict("transaction", tx.ID, expected, current)
	}
	return nil
}

// UpdateTransaction writes tx if the stored status equals expected.
func (s *sqlStore) UpdateTransaction(ctx context.Context, tx *Transaction, expected TransactionStatus) error {
	return s.casTransaction(ctx, s.db, tx, expected)
}

// UpdateStep writes step if the stored status equals expected.
func (s *sqlStore) UpdateStep(ctx context.Context, step *SagaStep, expected StepStatus) error {
	stepData, err := encodeJSON(step.StepData)
	if err != nil {
		return fmt.Errorf("marshal step data: %w", err)
	}
	compData, err := encodeJSON(step.CompensationData)
	if err != nil {
		return fmt.Errorf("marshal compensation data: %w", err)
	}

	result, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE saga_steps
		SET status = ?, step_data = ?, compensation_data = ?, error_message = ?, attempts = ?, generation = ?,
			started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`),
		string(step.Status), stepData, compData, step.ErrorMessage, step.Attempts, step.Generation,
		nullMillis(step.StartedAt), nullMillis(step.CompletedAt),
		step.ID, string(expected),
	)
	if err != nil {
		return fmt.Errorf("update step: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var current string
		err := s.db.QueryRowContext(ctx, s.rebind("SELECT status FROM saga_steps WHERE id = ?"), step.ID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return notFound("step", step.ID)
		}
		if err != nil {
			return fmt.Errorf("query step status: %w", err)
		}
		return conflict("step", step.ID, expected, current)
	}
	return nil
}

// ResetForRetry updates the transaction and resets the matching steps in one database transaction.
func (s *sqlStore) ResetForRetry(ctx context.Context, tx *Transaction, expected TransactionStatus, resetFrom []StepStatus) error {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	if err := s.casTransaction(ctx, dbtx, tx, expected); err != nil {
		return err
	}

	if len(resetFrom) > 0 {
		placeholders := make([]string, len(resetFrom))
		args := []any{string(StepPending), string(StepCompensated), tx.ID}
		for i, st := range resetFrom {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		// The CASE reads the status from before the update.
		_, err := dbtx.ExecContext(ctx, s.rebind(`
			UPDATE saga_steps
			SET status = ?, attempts = 0, error_message = '', compensation_data = NULL, started_at = NULL, completed_at = NULL,
				generation = generation + CASE WHEN status = ? THEN 1 ELSE 0 END
			WHERE transaction_id = ? AND status IN (`+strings.Join(placeholders, ", ")+`)`),
			args...)
		if err != nil {
			return fmt.Errorf("reset steps: %w", err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ListTransactions lists transactions matching the filter.
func (s *sqlStore) ListTransactions(ctx context.Context, filter Filter) ([]*Transaction, error) {
	query := "SELECT " + transactionColumns + " FROM saga_transactions WHERE 1=1"
	var args []any

	if filter.TransactionType != "" {
		query += " AND transaction_type = ?"
		args = append(args, filter.TransactionType)
	}
	if filter.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, filter.UserID)
	}
	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, status := range filter.Status {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		query += " AND status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	if !filter.UpdatedBefore.IsZero() {
		query += " AND updated_at < ?"
		args = append(args, toMillis(filter.UpdatedBefore))
	}

	query += " ORDER BY updated_at ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		results = append(results, tx)
	}
	return results, rows.Err()
}

// DeleteOlderThan removes terminal transactions last updated before cutoff.
func (s *sqlStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	dbtx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	where := "status IN (?, ?, ?) AND updated_at < ?"
	args := []any{string(StatusCompleted), string(StatusCompensated), string(StatusCancelled), toMillis(cutoff)}

	if _, err := dbtx.ExecContext(ctx, s.rebind(
		"DELETE FROM saga_steps WHERE transaction_id IN (SELECT id FROM saga_transactions WHERE "+where+")"),
		args...); err != nil {
		return 0, fmt.Errorf("delete steps: %w", err)
	}
	result, err := dbtx.ExecContext(ctx, s.rebind("DELETE FROM saga_transactions WHERE "+where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	n, _ := result.RowsAffected()

	if err := dbtx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

// Health pings the database and reports transaction counts by status.
func (s *sqlStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.db.PingContext(ctx); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("%s ping failed: %v", s.dialect.name, err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var count int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM saga_transactions").Scan(&count); err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count transactions: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	var pending, processing, compensating, failed int64
	statusQuery := s.rebind("SELECT COUNT(*) FROM saga_transactions WHERE status = ?")
	_ = s.db.QueryRowContext(ctx, statusQuery, string(StatusPending)).Scan(&pending)
	_ = s.db.QueryRowContext(ctx, statusQuery, string(StatusProcessing)).Scan(&processing)
	_ = s.db.QueryRowContext(ctx, statusQuery, string(StatusCompensating)).Scan(&compensating)
	_ = s.db.QueryRowContext(ctx, statusQuery, string(StatusFailed)).Scan(&failed)

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"total_transactions":        count,
			"pending_transactions":      pending,
			"processing_transactions":   processing,
			"compensating_transactions": compensating,
			"failed_transactions":       failed,
			"dialect":                   s.dialect.name,
		},
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*Transaction, error) {
	var (
		tx        Transaction
		status    string
		metadata  sql.NullString
		stepIDs   string
		createdAt int64
		updatedAt int64
		expiresAt sql.NullInt64
	)
	err := row.Scan(
		&tx.ID, &tx.SagaID, &tx.UserID, &tx.TransactionType, &status, &tx.Amount, &tx.Asset,
		&tx.IdempotencyKey, &tx.RetryCount, &tx.MaxRetries, &tx.ErrorMessage, &metadata, &stepIDs,
		&createdAt, &updatedAt, &expiresAt,
	)
	if err != nil {
		return nil, err
	}

	tx.Status = TransactionStatus(status)
	tx.CreatedAt = fromMillis(createdAt)
	tx.UpdatedAt = fromMillis(updatedAt)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		tx.ExpiresAt = &t
	}
	if tx.Metadata, err = decodeJSON(metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	if err := json.Unmarshal([]byte(stepIDs), &tx.StepIDs); err != nil {
		return nil, fmt.Errorf("unmarshal step ids: %w", err)
	}
	return &tx, nil
}

func scanStep(row rowScanner) (*SagaStep, error) {
	var (
		step        SagaStep
		status      string
		stepData    sql.NullString
		compData    sql.NullString
		startedAt   sql.NullInt64
		completedAt sql.NullInt64
	)
	err := row.Scan(
		&step.ID, &step.TransactionID, &step.StepName, &step.StepOrder, &status,
		&stepData, &compData, &step.ErrorMessage, &step.Attempts, &step.Generation, &startedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	step.Status = StepStatus(status)
	if step.StepData, err = decodeJSON(stepData); err != nil {
		return nil, fmt.Errorf("unmarshal step data: %w", err)
	}
	if step.CompensationData, err = decodeJSON(compData); err != nil {
		return nil, fmt.Errorf("unmarshal compensation data: %w", err)
	}
	if startedAt.Valid {
		t := fromMillis(startedAt.Int64)
		step.StartedAt = &t
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		step.CompletedAt = &t
	}
	return &step, nil
}

func encodeJSON(p Payload) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(s sql.NullString) (Payload, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var p Payload
	if err := json.Unmarshal([]byte(s.String), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
