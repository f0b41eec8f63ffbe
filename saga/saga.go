// Package saga provides saga orchestration for multi-step financial operations.
//
// A saga coordinates a deposit or withdrawal across several subsystems (balance
// reservation, ledger or chain execution, balance update, notification) without
// a single atomic transaction:
//   - Transactions are created idempotently from a caller-supplied key
//   - Steps execute one at a time, in ascending order, from a durable queue
//   - Failing steps are retried with backoff and a timeout before escalating
//   - Escalated failures compensate completed steps in reverse order
//   - Failed sagas can be retried a bounded number of times
//
// # Overview
//
// The package is built around a few collaborators:
//   - Registry: per transaction type ordered step definitions, plus step
//     handlers registered by name so queued work survives a restart
//   - Store: durable Transaction and SagaStep rows with atomic creation and
//     compare-and-swap status updates (memory, SQLite, PostgreSQL, MongoDB, Redis)
//   - Orchestrator: the public API and the state machine driver
//   - Executor: queue workers that run step and compensation handlers
//   - Locker: a per-transaction lease that serializes all work on one saga
//   - Publisher: fire-and-forget lifecycle events
//
// # Basic Usage
//
// Register the definition and its handlers, then start the orchestrator and
// the executor:
//
//	registry := saga.NewRegistry()
//	registry.RegisterHandler("reserve-balance", &ReserveBalanceHandler{balances})
//	registry.RegisterHandler("execute-blockchain-transaction", &ChainHandler{chain})
//	err := registry.RegisterDefinition("DEPOSIT", []saga.StepDefinition{
//	    {Name: "reserve-balance", Order: 1, Handler: "reserve-balance",
//	        CompensationHandler: "reserve-balance", Timeout: 10 * time.Second},
//	    {Name: "execute-blockchain-transaction", Order: 2,
//	        Handler: "execute-blockchain-transaction",
//	        CompensationHandler: "execute-blockchain-transaction",
//	        Timeout: time.Minute, Retryable: true, MaxRetries: 3},
//	})
//
//	orch, err := saga.NewOrchestrator(registry, store, jobs,
//	    saga.WithLocker(saga.NewRedisLocker(rdb)),
//	    saga.WithPublisher(saga.NewRedisPublisher(rdb)),
//	)
//	exec := saga.NewExecutor(orch, saga.WithWorkers(8))
//	go exec.Run(ctx)
//
//	tx, err := orch.StartSaga(ctx, saga.Request{
//	    IdempotencyKey:  "idem-123",
//	    UserID:          "user-1",
//	    TransactionType: "DEPOSIT",
//	    Amount:          1500,
//	    Asset:           "USDT",
//	})
//
// StartSaga returns once the transaction is persisted and the first job is
// queued. Use GetTransactionByID or GetSagaStatus to observe progress.
//
// # Compensation Behavior
//
// When a step exhausts its retries or times out:
//  1. The step is marked failed and the transaction enters compensating
//  2. Completed steps are compensated in descending step order
//  3. The transaction becomes compensated, or failed if any compensation fails
//
// A failed transaction is never retried automatically. An operator may call
// RetryFailedSaga, which resumes from the first non-completed step.
//
// # Best Practices
//
//   - Keep handlers idempotent per (transaction, step); jobs are delivered at least once
//   - Deduplicate side effects with StepInput.DedupeToken
//   - Give every step a timeout shorter than the lease TTL
//   - Monitor failed transactions and alert on them
package saga

import (
	"time"

	"github.com/rbaliyan/event/v3/backoff"
)

// BackoffStrategy is an alias for backoff.Strategy from the main event library.
// All implementations from github.com/rbaliyan/event/v3/backoff can be used directly.
//
// Implementations must be stateless and safe for concurrent use.
type BackoffStrategy = backoff.Strategy

// TransactionStatus represents the lifecycle state of a transaction.
//
// State transitions:
//
//	pending -> processing -> completed
//	                      \
//	                   compensating -> compensated
//	                               \
//	                               failed -> pending (bounded retry)
//
// Any non-terminal status may move to cancelled.
type TransactionStatus string

const (
	// StatusPending indicates the transaction is persisted but not yet running.
	StatusPending TransactionStatus = "PENDING"

	// StatusProcessing indicates steps are being executed.
	StatusProcessing TransactionStatus = "PROCESSING"

	// StatusCompleted indicates all steps succeeded.
	StatusCompleted TransactionStatus = "COMPLETED"

	// StatusCompensating indicates completed steps are being undone.
	StatusCompensating TransactionStatus = "COMPENSATING"

	// StatusCompensated indicates the saga failed and every compensation succeeded.
	StatusCompensated TransactionStatus = "COMPENSATED"

	// StatusFailed indicates a compensation failed. Requires operator action.
	StatusFailed TransactionStatus = "FAILED"

	// StatusCancelled indicates the transaction was cancelled before finishing.
	StatusCancelled TransactionStatus = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s TransactionStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a single saga step.
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepCompleted   StepStatus = "COMPLETED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
)

// Payload is free-form step data. It must survive a JSON or BSON round trip.
type Payload map[string]any

// Transaction is one saga instance.
//
// The transaction owns its steps: they are created together and StepIDs lists
// them in step order. A SagaStep only refers back to its transaction by ID.
type Transaction struct {
	ID              string
	SagaID          string
	UserID          string
	TransactionType string
	Status          TransactionStatus
	Amount          int64 // minor units
	Asset           string
	IdempotencyKey  string
	RetryCount      int
	MaxRetries      int
	ErrorMessage    string
	Metadata        Payload
	StepIDs         []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       *time.Time
}

// Clone returns a deep enough copy for stores that hand out snapshots.
func (t *Transaction) Clone() *Transaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Metadata = clonePayload(t.Metadata)
	if t.StepIDs != nil {
		c.StepIDs = append([]string(nil), t.StepIDs...)
	}
	if t.ExpiresAt != nil {
		e := *t.ExpiresAt
		c.ExpiresAt = &e
	}
	return &c
}

// SagaStep is one unit of work within a transaction.
type SagaStep struct {
	ID               string
	TransactionID    string
	StepName         string
	StepOrder        int
	Status           StepStatus
	StepData         Payload
	CompensationData Payload
	ErrorMessage     string
	Attempts         int // forward attempts consumed so far
	Generation       int // bumped each time a compensated step is reset for a retry
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// Clone returns a copy of the step.
func (s *SagaStep) Clone() *SagaStep {
	if s == nil {
		return nil
	}
	c := *s
	c.StepData = clonePayload(s.StepData)
	c.CompensationData = clonePayload(s.CompensationData)
	if s.StartedAt != nil {
		t := *s.StartedAt
		c.StartedAt = &t
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Request asks the orchestrator to start a saga.
type Request struct {
	IdempotencyKey  string
	UserID          string
	TransactionType string
	Amount          int64
	Asset           string
	Metadata        Payload
	StepData        map[string]Payload // optional per-step data keyed by step name
	MaxRetries      *int               // nil uses the orchestrator default
	TTL             time.Duration      // 0 uses the orchestrator default
}

// Filter specifies criteria for listing transactions.
//
// All fields are optional. Empty filter returns all transactions.
type Filter struct {
	TransactionType string
	Status          []TransactionStatus
	UserID          string
	UpdatedBefore   time.Time // zero = no bound
	Limit           int       // 0 = no limit
}

func (f Filter) matches(tx *Transaction) bool {
	if f.TransactionType != "" && tx.TransactionType != f.TransactionType {
		return false
	}
	if f.UserID != "" && tx.UserID != f.UserID {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !tx.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	if len(f.Status) > 0 {
		for _, s := range f.Status {
			if tx.Status == s {
				return true
			}
		}
		return false
	}
	return true
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	c := make(Payload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

func statusStrings(statuses []TransactionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
