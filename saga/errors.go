// Package saga provides saga orchestration for multi-step financial operations.
//
// # Error Handling
//
// Every failure surfaced by the orchestrator is an *Error carrying the
// transaction, saga and (where applicable) step identifiers. Callers branch on
// the kind with errors.Is against the sentinels below, or with the Is* helpers:
//
//	tx, err := orch.RetryFailedSaga(ctx, id)
//	switch {
//	case saga.IsRetryLimitExceeded(err):
//	    // leave for an operator
//	case saga.IsConflict(err):
//	    // transaction moved on; re-read it
//	}
//
// A duplicate idempotency key is not an error: StartSaga returns the existing
// transaction.
package saga

import (
	"errors"
	"fmt"
	"strings"

	eventerrors "github.com/rbaliyan/event/v3/errors"
)

// Kind classifies an Error.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindStepExecution      Kind = "step_execution"
	KindCompensation       Kind = "compensation"
	KindRetryLimitExceeded Kind = "retry_limit_exceeded"
)

var (
	// ErrValidation is returned for malformed requests and unknown transaction types.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is returned when a transaction, step or definition does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a compare-and-swap update finds a different
	// status than expected, or a transition is not allowed.
	//
	// This is an alias to the shared event errors package for ecosystem consistency.
	ErrConflict = eventerrors.ErrVersionConflict

	// ErrStepExecution marks a handler error or timeout.
	ErrStepExecution = errors.New("step execution failed")

	// ErrCompensation marks a failed compensation handler.
	ErrCompensation = errors.New("compensation failed")

	// ErrRetryLimitExceeded is returned by RetryFailedSaga once RetryCount reaches MaxRetries.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")

	// ErrDuplicateIdempotencyKey is returned by Store.CreateTransaction when the
	// idempotency key is already taken. The orchestrator resolves it by reading
	// the existing row; it is never returned from StartSaga.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

var kindSentinels = map[Kind]error{
	KindValidation:         ErrValidation,
	KindNotFound:           ErrNotFound,
	KindConflict:           ErrConflict,
	KindStepExecution:      ErrStepExecution,
	KindCompensation:       ErrCompensation,
	KindRetryLimitExceeded: ErrRetryLimitExceeded,
}

// Error is the error type returned by the orchestrator and executor.
type Error struct {
	Kind          Kind
	Op            string
	TransactionID string
	SagaID        string
	StepID        string
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	b.WriteString(": ")
	b.WriteString(string(e.Kind))
	if e.TransactionID != "" {
		fmt.Fprintf(&b, " transaction=%s", e.TransactionID)
	}
	if e.SagaID != "" {
		fmt.Fprintf(&b, " saga=%s", e.SagaID)
	}
	if e.StepID != "" {
		fmt.Fprintf(&b, " step=%s", e.StepID)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && target == sentinel
}

func newError(kind Kind, op string, tx *Transaction, step *SagaStep, err error) *Error {
	e := &Error{Kind: kind, Op: op, Err: err}
	if tx != nil {
		e.TransactionID = tx.ID
		e.SagaID = tx.SagaID
	}
	if step != nil {
		e.StepID = step.ID
		if e.TransactionID == "" {
			e.TransactionID = step.TransactionID
		}
	}
	return e
}

// wrapStoreError classifies a store error and attaches transaction context.
func wrapStoreError(op string, tx *Transaction, step *SagaStep, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case IsNotFound(err):
		return newError(KindNotFound, op, tx, step, err)
	case IsConflict(err):
		return newError(KindConflict, op, tx, step, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound checks if an error indicates a missing transaction, step or definition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || eventerrors.IsNotFound(err)
}

// IsConflict checks if an error indicates a failed compare-and-swap or an
// illegal state transition.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || eventerrors.IsVersionConflict(err)
}

// IsValidation checks if an error indicates a rejected request.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsRetryLimitExceeded checks if a retry was rejected because the budget is spent.
func IsRetryLimitExceeded(err error) bool {
	return errors.Is(err, ErrRetryLimitExceeded)
}

func notFound(what, id string) error {
	return fmt.Errorf("%s not found: %s: %w", what, id, ErrNotFound)
}

func conflict(what, id string, expected, actual any) error {
	return fmt.Errorf("%s %s: expected status %v, found %v: %w", what, id, expected, actual, ErrConflict)
}
