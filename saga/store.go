package saga

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-memdb"
	"github.com/rbaliyan/event/v3/health"
)

// Store persists transactions and their steps.
//
// Implementations must be safe for concurrent use and provide:
//   - Atomic creation of a transaction together with all of its steps
//   - A unique idempotency key; a second create with a taken key fails with
//     ErrDuplicateIdempotencyKey and writes nothing
//   - Compare-and-swap updates keyed on the expected current status; a
//     mismatch fails with an error matching ErrConflict
//
// Implementations:
//   - MemoryStore: in-process, for tests and single-node use
//   - SQLiteStore: embedded database (see sqlite.go)
//   - PostgresStore: PostgreSQL (see postgres.go)
//   - MongoStore: MongoDB, steps embedded in the transaction document (see mongodb.go)
//   - RedisStore: Redis hashes updated by Lua scripts (see redis.go)
type Store interface {
	// CreateTransaction persists the transaction and its steps atomically.
	CreateTransaction(ctx context.Context, tx *Transaction, steps []*SagaStep) error

	// GetTransaction retrieves a transaction by ID.
	GetTransaction(ctx context.Context, id string) (*Transaction, error)

	// GetTransactionBySagaID retrieves a transaction by its saga ID.
	GetTransactionBySagaID(ctx context.Context, sagaID string) (*Transaction, error)

	// GetTransactionByIdempotencyKey retrieves the transaction created for a key.
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// ListSteps returns the transaction's steps ordered by StepOrder.
	ListSteps(ctx context.Context, transactionID string) ([]*SagaStep, error)

	// UpdateTransaction writes tx if the stored status equals expected.
	UpdateTransaction(ctx context.Context, tx *Transaction, expected TransactionStatus) error

	// UpdateStep writes step if the stored status equals expected.
	UpdateStep(ctx context.Context, step *SagaStep, expected StepStatus) error

	// ResetForRetry writes tx if the stored status equals expected and, in the
	// same atomic operation, resets every step whose status is in resetFrom
	// back to PENDING with no attempts, timestamps, error or compensation data.
	ResetForRetry(ctx context.Context, tx *Transaction, expected TransactionStatus, resetFrom []StepStatus) error

	// ListTransactions lists transactions matching the filter, oldest update first.
	ListTransactions(ctx context.Context, filter Filter) ([]*Transaction, error)

	// DeleteOlderThan removes terminal transactions (and their steps) last
	// updated before the cutoff. Returns the number of transactions removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

func validateNew(tx *Transaction, steps []*SagaStep) error {
	if tx == nil {
		return fmt.Errorf("transaction is nil")
	}
	if tx.ID == "" {
		return fmt.Errorf("transaction ID is required")
	}
	if tx.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if len(steps) == 0 {
		return fmt.Errorf("transaction %s has no steps", tx.ID)
	}
	for i, s := range steps {
		if s == nil || s.ID == "" {
			return fmt.Errorf("step %d: ID is required", i+1)
		}
		if s.TransactionID != tx.ID {
			return fmt.Errorf("step %s belongs to transaction %s", s.ID, s.TransactionID)
		}
	}
	return nil
}

// resetStep clears a step's execution state for a retry. A compensated step
// starts a new generation, since its earlier effects were undone.
func resetStep(s *SagaStep) {
	if s.Status == StepCompensated {
		s.Generation++
	}
	s.Status = StepPending
	s.Attempts = 0
	s.ErrorMessage = ""
	s.CompensationData = nil
	s.StartedAt = nil
	s.CompletedAt = nil
}

func containsStepStatus(statuses []StepStatus, s StepStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func sortSteps(steps []*SagaStep) {
	sort.Slice(steps, func(i, j int) bool { return steps[i].StepOrder < steps[j].StepOrder })
}

const (
	tableTransactions = "transactions"
	tableSteps        = "steps"
)

func memorySchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTransactions: {
				Name: tableTransactions,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"saga_id": {
						Name:    "saga_id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "SagaID"},
					},
					"idempotency_key": {
						Name:    "idempotency_key",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "IdempotencyKey"},
					},
				},
			},
			tableSteps: {
				Name: tableSteps,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"transaction_id": {
						Name:    "transaction_id",
						Indexer: &memdb.StringFieldIndex{Field: "TransactionID"},
					},
				},
			},
		},
	}
}

// MemoryStore is an in-memory store backed by go-memdb.
//
// Write transactions are serialized by memdb, so the idempotency check and the
// insert of a transaction with its steps happen as one unit. Objects are
// copied on the way in and out; stored rows are never mutated in place.
type MemoryStore struct {
	db *memdb.MemDB
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	db, err := memdb.NewMemDB(memorySchema())
	if err != nil {
		// The schema is static; a failure here is a programming error.
		panic(fmt.Sprintf("saga: invalid memory schema: %v", err))
	}
	return &MemoryStore{db: db}
}

// CreateTransaction persists the transaction and its steps atomically.
func (s *MemoryStore) CreateTransaction(ctx context.Context, tx *Transaction, steps []*SagaStep) error {
	if err := validateNew(tx, steps); err != nil {
		return err
	}

	txn := s.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableTransactions, "idempotency_key", tx.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("lookup idempotency key: %w", err)
	}
	if existing != nil {
		return ErrDuplicateIdempotencyKey
	}
	if existing, err := txn.First(tableTransactions, "id", tx.ID); err != nil {
		return fmt.Errorf("lookup transaction: %w", err)
	} else if existing != nil {
		return fmt.Errorf("transaction already exists: %s", tx.ID)
	}

	if err := txn.Insert(tableTransactions, tx.Clone()); err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	for _, step := range steps {
		if err := txn.Insert(tableSteps, step.Clone()); err != nil {
			return fmt.Errorf("insert step %s: %w", step.StepName, err)
		}
	}

	txn.Commit()
	return nil
}

func (s *MemoryStore) getTransaction(index, value string) (*Transaction, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	raw, err := txn.First(tableTransactions, index, value)
	if err != nil {
		return nil, fmt.Errorf("lookup transaction: %w", err)
	}
	if raw == nil {
		return nil, notFound("transaction", value)
	}
	return raw.(*Transaction).Clone(), nil
}

// GetTransaction retrieves a transaction by ID.
func (s *MemoryStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.getTransaction("id", id)
}

// GetTransactionBySagaID retrieves a transaction by saga ID.
func (s *MemoryStore) GetTransactionBySagaID(ctx context.Context, sagaID string) (*Transaction, error) {
	return s.getTransaction("saga_id", sagaID)
}

// GetTransactionByIdempotencyKey retrieves a transaction by idempotency key.
func (s *MemoryStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return s.getTransaction("idempotency_key", key)
}

// ListSteps returns the transaction's steps ordered by StepOrder.
func (s *MemoryStore) ListSteps(ctx context.Context, transactionID string) ([]*SagaStep, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableSteps, "transaction_id", transactionID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	var steps []*SagaStep
	for raw := it.Next(); raw != nil; raw = it.Next() {
		steps = append(steps, raw.(*SagaStep).Clone())
	}
	sortSteps(steps)
	return steps, nil
}

// UpdateTransaction writes tx if the stored status equals expected.
func (s *MemoryStore) UpdateTransaction(ctx context.Context, tx *Transaction, expected TransactionStatus) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := casTransaction(txn, tx, expected); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

func casTransaction(txn *memdb.Txn, tx *Transaction, expected TransactionStatus) error {
	raw, err := txn.First(tableTransactions, "id", tx.ID)
	if err != nil {
		return fmt.Errorf("lookup transaction: %w", err)
	}
	if raw == nil {
		return notFound("transaction", tx.ID)
	}
	current := raw.(*Transaction)
	if current.Status != expected {
		return conflict("transaction", tx.ID, expected, current.Status)
	}

	stored := tx.Clone()
	// Identity and ownership are fixed at creation.
	stored.SagaID = current.SagaID
	stored.IdempotencyKey = current.IdempotencyKey
	stored.StepIDs = current.StepIDs
	stored.CreatedAt = current.CreatedAt
	if err := txn.Insert(tableTransactions, stored); err != nil {
		return fmt.Errorf("update transaction: %w", err)
	}
	return nil
}

// UpdateStep writes step if the stored status equals expected.
func (s *MemoryStore) UpdateStep(ctx context.Context, step *SagaStep, expected StepStatus) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableSteps, "id", step.ID)
	if err != nil {
		return fmt.Errorf("lookup step: %w", err)
	}
	if raw == nil {
		return notFound("step", step.ID)
	}
	current := raw.(*SagaStep)
	if current.Status != expected {
		return conflict("step", step.ID, expected, current.Status)
	}

	stored := step.Clone()
	stored.TransactionID = current.TransactionID
	stored.StepName = current.StepName
	stored.StepOrder = current.StepOrder
	if err := txn.Insert(tableSteps, stored); err != nil {
		return fmt.Errorf("update step: %w", err)
	}
	txn.Commit()
	return nil
}

// ResetForRetry updates the transaction and resets the matching steps atomically.
func (s *MemoryStore) ResetForRetry(ctx context.Context, tx *Transaction, expected TransactionStatus, resetFrom []StepStatus) error {
	txn := s.db.Txn(true)
	defer txn.Abort()

	if err := casTransaction(txn, tx, expected); err != nil {
		return err
	}

	it, err := txn.Get(tableSteps, "transaction_id", tx.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	var reset []*SagaStep
	for raw := it.Next(); raw != nil; raw = it.Next() {
		step := raw.(*SagaStep)
		if containsStepStatus(resetFrom, step.Status) {
			c := step.Clone()
			resetStep(c)
			reset = append(reset, c)
		}
	}
	// Inserting while iterating would invalidate the iterator.
	for _, step := range reset {
		if err := txn.Insert(tableSteps, step); err != nil {
			return fmt.Errorf("reset step %s: %w", step.StepName, err)
		}
	}

	txn.Commit()
	return nil
}

// ListTransactions lists transactions matching the filter.
func (s *MemoryStore) ListTransactions(ctx context.Context, filter Filter) ([]*Transaction, error) {
	txn := s.db.Txn(false)
	defer txn.Abort()

	it, err := txn.Get(tableTransactions, "id")
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	var results []*Transaction
	for raw := it.Next(); raw != nil; raw = it.Next() {
		tx := raw.(*Transaction)
		if filter.matches(tx) {
			results = append(results, tx.Clone())
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].UpdatedAt.Before(results[j].UpdatedAt) })
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// DeleteOlderThan removes terminal transactions last updated before cutoff.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	txn := s.db.Txn(true)
	defer txn.Abort()

	it, err := txn.Get(tableTransactions, "id")
	if err != nil {
		return 0, fmt.Errorf("list transactions: %w", err)
	}
	var victims []*Transaction
	for raw := it.Next(); raw != nil; raw = it.Next() {
		tx := raw.(*Transaction)
		if tx.Status.Terminal() && tx.UpdatedAt.Before(cutoff) {
			victims = append(victims, tx)
		}
	}

	for _, tx := range victims {
		if _, err := txn.DeleteAll(tableSteps, "transaction_id", tx.ID); err != nil {
			return 0, fmt.Errorf("delete steps: %w", err)
		}
		if err := txn.Delete(tableTransactions, tx); err != nil {
			return 0, fmt.Errorf("delete transaction: %w", err)
		}
	}

	txn.Commit()
	return len(victims), nil
}

// Health performs a health check on the memory store.
// Always returns healthy since in-memory stores don't have connectivity issues.
func (s *MemoryStore) Health(ctx context.Context) *health.Result {
	txn := s.db.Txn(false)
	defer txn.Abort()

	count := 0
	if it, err := txn.Get(tableTransactions, "id"); err == nil {
		for raw := it.Next(); raw != nil; raw = it.Next() {
			count++
		}
	}

	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"transactions_count": count,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*MemoryStore)(nil)
	_ health.Checker = (*MemoryStore)(nil)
)
