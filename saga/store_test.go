package saga

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

// newTestTransaction builds an unsaved transaction with n pending steps.
// Timestamps are truncated to milliseconds, the precision every store keeps.
func newTestTransaction(userID string, n int) (*Transaction, []*SagaStep) {
	now := time.Now().UTC().Truncate(time.Millisecond)
	expires := now.Add(time.Hour)
	tx := &Transaction{
		ID:              uuid.NewString(),
		SagaID:          uuid.NewString(),
		UserID:          userID,
		TransactionType: "DEPOSIT",
		Status:          StatusPending,
		Amount:          1500,
		Asset:           "USDT",
		IdempotencyKey:  uuid.NewString(),
		MaxRetries:      3,
		Metadata:        Payload{"source": "api"},
		CreatedAt:       now,
		UpdatedAt:       now,
		ExpiresAt:       &expires,
	}
	names := []string{"reserve-balance", "execute-blockchain-transaction", "update-balance", "send-notification"}
	steps := make([]*SagaStep, n)
	tx.StepIDs = make([]string, n)
	for i := range steps {
		steps[i] = &SagaStep{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			StepName:      names[i%len(names)],
			StepOrder:     i + 1,
			Status:        StepPending,
			StepData:      Payload{"address": "0xabc"},
		}
		tx.StepIDs[i] = steps[i].ID
	}
	return tx, steps
}

func mustCreate(t *testing.T, store Store, tx *Transaction, steps []*SagaStep) {
	t.Helper()
	if err := store.CreateTransaction(context.Background(), tx, steps); err != nil {
		t.Fatalf("CreateTransaction failed: %v", err)
	}
}

// runStoreTests runs common store tests against any Store implementation.
// Every subtest uses fresh IDs, so a store may be shared with other data.
func runStoreTests(t *testing.T, store Store) {
	ctx := context.Background()

	t.Run("Create and Get", func(t *testing.T) {
		tx, steps := newTestTransaction("user-create", 3)
		mustCreate(t, store, tx, steps)

		for name, get := range map[string]func() (*Transaction, error){
			"by id":              func() (*Transaction, error) { return store.GetTransaction(ctx, tx.ID) },
			"by saga id":         func() (*Transaction, error) { return store.GetTransactionBySagaID(ctx, tx.SagaID) },
			"by idempotency key": func() (*Transaction, error) { return store.GetTransactionByIdempotencyKey(ctx, tx.IdempotencyKey) },
		} {
			got, err := get()
			if err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if got.ID != tx.ID || got.SagaID != tx.SagaID {
				t.Errorf("%s: wrong transaction %s", name, got.ID)
			}
		}

		got, _ := store.GetTransaction(ctx, tx.ID)
		if got.Status != StatusPending || got.Amount != 1500 || got.Asset != "USDT" || got.UserID != "user-create" {
			t.Errorf("unexpected transaction: %+v", got)
		}
		if got.Metadata["source"] != "api" {
			t.Errorf("expected metadata to round-trip, got %v", got.Metadata)
		}
		if got.ExpiresAt == nil || !got.ExpiresAt.Equal(*tx.ExpiresAt) {
			t.Errorf("expected ExpiresAt %v, got %v", tx.ExpiresAt, got.ExpiresAt)
		}
		if !got.CreatedAt.Equal(tx.CreatedAt) {
			t.Errorf("expected CreatedAt %v, got %v", tx.CreatedAt, got.CreatedAt)
		}
		if len(got.StepIDs) != 3 || got.StepIDs[0] != steps[0].ID {
			t.Errorf("unexpected step IDs %v", got.StepIDs)
		}

		listed, err := store.ListSteps(ctx, tx.ID)
		if err != nil {
			t.Fatalf("ListSteps failed: %v", err)
		}
		if len(listed) != 3 {
			t.Fatalf("expected 3 steps, got %d", len(listed))
		}
		for i, s := range listed {
			if s.ID != steps[i].ID || s.StepOrder != i+1 || s.Status != StepPending {
				t.Errorf("step %d: unexpected %+v", i, s)
			}
			if s.StepData["address"] != "0xabc" {
				t.Errorf("step %d: expected step data, got %v", i, s.StepData)
			}
		}
	})

	t.Run("Duplicate idempotency key", func(t *testing.T) {
		tx, steps := newTestTransaction("user-dup", 2)
		mustCreate(t, store, tx, steps)

		again, againSteps := newTestTransaction("user-dup", 2)
		again.IdempotencyKey = tx.IdempotencyKey
		err := store.CreateTransaction(ctx, again, againSteps)
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			t.Fatalf("expected ErrDuplicateIdempotencyKey, got %v", err)
		}
		if _, err := store.GetTransaction(ctx, again.ID); !IsNotFound(err) {
			t.Errorf("losing create must write nothing, got %v", err)
		}
		if got, _ := store.GetTransactionByIdempotencyKey(ctx, tx.IdempotencyKey); got == nil || got.ID != tx.ID {
			t.Errorf("expected key to resolve to the first transaction")
		}
	})

	t.Run("Create rejects invalid input", func(t *testing.T) {
		tx, _ := newTestTransaction("user-invalid", 1)
		if err := store.CreateTransaction(ctx, tx, nil); err == nil {
			t.Error("expected error for transaction without steps")
		}
	})

	t.Run("Get non-existent", func(t *testing.T) {
		if _, err := store.GetTransaction(ctx, uuid.NewString()); !IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
		if _, err := store.GetTransactionBySagaID(ctx, uuid.NewString()); !IsNotFound(err) {
			t.Errorf("expected not found by saga id, got %v", err)
		}
		if _, err := store.GetTransactionByIdempotencyKey(ctx, uuid.NewString()); !IsNotFound(err) {
			t.Errorf("expected not found by key, got %v", err)
		}
	})

	t.Run("UpdateTransaction compare-and-swap", func(t *testing.T) {
		tx, steps := newTestTransaction("user-cas", 1)
		mustCreate(t, store, tx, steps)

		tx.Status = StatusProcessing
		tx.ErrorMessage = "working"
		tx.UpdatedAt = tx.UpdatedAt.Add(time.Second)
		if err := store.UpdateTransaction(ctx, tx, StatusPending); err != nil {
			t.Fatalf("UpdateTransaction failed: %v", err)
		}
		got, _ := store.GetTransaction(ctx, tx.ID)
		if got.Status != StatusProcessing || got.ErrorMessage != "working" || !got.UpdatedAt.Equal(tx.UpdatedAt) {
			t.Errorf("update not applied: %+v", got)
		}

		stale := tx.Clone()
		stale.Status = StatusCancelled
		if err := store.UpdateTransaction(ctx, stale, StatusPending); !IsConflict(err) {
			t.Errorf("expected conflict, got %v", err)
		}
		if got, _ := store.GetTransaction(ctx, tx.ID); got.Status != StatusProcessing {
			t.Errorf("conflicting write was applied: %s", got.Status)
		}

		missing, _ := newTestTransaction("user-cas", 1)
		if err := store.UpdateTransaction(ctx, missing, StatusPending); !IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("UpdateStep compare-and-swap", func(t *testing.T) {
		tx, steps := newTestTransaction("user-step", 2)
		mustCreate(t, store, tx, steps)

		started := time.Now().UTC().Truncate(time.Millisecond)
		step := steps[0].Clone()
		step.Status = StepCompleted
		step.Attempts = 2
		step.StartedAt = &started
		step.CompletedAt = &started
		step.CompensationData = Payload{"hold_id": tx.ID}
		if err := store.UpdateStep(ctx, step, StepPending); err != nil {
			t.Fatalf("UpdateStep failed: %v", err)
		}

		listed, _ := store.ListSteps(ctx, tx.ID)
		got := listed[0]
		if got.Status != StepCompleted || got.Attempts != 2 {
			t.Errorf("update not applied: %+v", got)
		}
		if got.CompletedAt == nil || !got.CompletedAt.Equal(started) {
			t.Errorf("expected CompletedAt %v, got %v", started, got.CompletedAt)
		}
		if got.CompensationData["hold_id"] != tx.ID {
			t.Errorf("expected compensation data, got %v", got.CompensationData)
		}
		if listed[1].Status != StepPending {
			t.Errorf("other step changed: %s", listed[1].Status)
		}

		step.Status = StepFailed
		if err := store.UpdateStep(ctx, step, StepPending); !IsConflict(err) {
			t.Errorf("expected conflict, got %v", err)
		}
		ghost := &SagaStep{ID: uuid.NewString(), TransactionID: tx.ID, Status: StepCompleted}
		if err := store.UpdateStep(ctx, ghost, StepPending); !IsNotFound(err) {
			t.Errorf("expected not found, got %v", err)
		}
	})

	t.Run("ResetForRetry", func(t *testing.T) {
		tx, steps := newTestTransaction("user-reset", 3)
		tx.Status = StatusFailed
		mustCreate(t, store, tx, steps)

		now := time.Now().UTC().Truncate(time.Millisecond)
		for i, st := range []StepStatus{StepCompleted, StepCompensated, StepFailed} {
			s := steps[i].Clone()
			s.Status = st
			s.Attempts = i + 1
			s.ErrorMessage = "boom"
			s.StartedAt = &now
			s.CompensationData = Payload{"n": "x"}
			if st == StepCompensated {
				// PENDING -> COMPENSATED is not a legal step move, go through COMPLETED.
				c := s.Clone()
				c.Status = StepCompleted
				if err := store.UpdateStep(ctx, c, StepPending); err != nil {
					t.Fatalf("UpdateStep failed: %v", err)
				}
				if err := store.UpdateStep(ctx, s, StepCompleted); err != nil {
					t.Fatalf("UpdateStep failed: %v", err)
				}
				continue
			}
			if err := store.UpdateStep(ctx, s, StepPending); err != nil {
				t.Fatalf("UpdateStep failed: %v", err)
			}
		}

		stale := tx.Clone()
		stale.Status = StatusPending
		if err := store.ResetForRetry(ctx, stale, StatusCompensating, []StepStatus{StepFailed}); !IsConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if listed, _ := store.ListSteps(ctx, tx.ID); listed[2].Status != StepFailed {
			t.Fatalf("conflicting reset touched steps")
		}

		tx.Status = StatusPending
		tx.RetryCount = 1
		if err := store.ResetForRetry(ctx, tx, StatusFailed, []StepStatus{StepFailed, StepCompensated}); err != nil {
			t.Fatalf("ResetForRetry failed: %v", err)
		}

		got, _ := store.GetTransaction(ctx, tx.ID)
		if got.Status != StatusPending || got.RetryCount != 1 {
			t.Errorf("expected PENDING with RetryCount 1, got %s %d", got.Status, got.RetryCount)
		}
		listed, _ := store.ListSteps(ctx, tx.ID)
		if listed[0].Status != StepCompleted || listed[0].Attempts != 1 {
			t.Errorf("completed step must be preserved, got %+v", listed[0])
		}
		for _, s := range listed[1:] {
			if s.Status != StepPending || s.Attempts != 0 || s.ErrorMessage != "" || s.StartedAt != nil || len(s.CompensationData) != 0 {
				t.Errorf("step %s not reset: %+v", s.StepName, s)
			}
			if s.StepData["address"] != "0xabc" {
				t.Errorf("step %s lost its input data", s.StepName)
			}
		}
		if listed[0].Generation != 0 || listed[1].Generation != 1 || listed[2].Generation != 0 {
			t.Errorf("expected only the compensated step to start a new generation, got %d %d %d",
				listed[0].Generation, listed[1].Generation, listed[2].Generation)
		}
	})

	t.Run("ListTransactions", func(t *testing.T) {
		user := "user-list-" + uuid.NewString()
		base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
		var ids []string
		for i, status := range []TransactionStatus{StatusPending, StatusCompleted, StatusPending} {
			tx, steps := newTestTransaction(user, 1)
			tx.Status = status
			tx.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			tx.UpdatedAt = tx.CreatedAt
			mustCreate(t, store, tx, steps)
			ids = append(ids, tx.ID)
		}

		all, err := store.ListTransactions(ctx, Filter{UserID: user})
		if err != nil {
			t.Fatalf("ListTransactions failed: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 transactions, got %d", len(all))
		}
		for i := range ids {
			if all[i].ID != ids[i] {
				t.Errorf("expected oldest update first, position %d is %s", i, all[i].ID)
			}
		}

		pending, _ := store.ListTransactions(ctx, Filter{UserID: user, Status: []TransactionStatus{StatusPending}})
		if len(pending) != 2 {
			t.Errorf("expected 2 pending, got %d", len(pending))
		}

		older, _ := store.ListTransactions(ctx, Filter{UserID: user, UpdatedBefore: base.Add(90 * time.Second)})
		if len(older) != 2 {
			t.Errorf("expected 2 updated before cutoff, got %d", len(older))
		}

		limited, _ := store.ListTransactions(ctx, Filter{UserID: user, TransactionType: "DEPOSIT", Limit: 1})
		if len(limited) != 1 || limited[0].ID != ids[0] {
			t.Errorf("expected the oldest transaction only, got %v", limited)
		}

		none, _ := store.ListTransactions(ctx, Filter{UserID: user, TransactionType: "WITHDRAWAL"})
		if len(none) != 0 {
			t.Errorf("expected no withdrawals, got %d", len(none))
		}
	})

	t.Run("DeleteOlderThan", func(t *testing.T) {
		old := time.Now().UTC().Truncate(time.Millisecond).Add(-48 * time.Hour)

		done, doneSteps := newTestTransaction("user-gc", 2)
		done.Status = StatusCompleted
		done.UpdatedAt = old
		mustCreate(t, store, done, doneSteps)

		stuck, stuckSteps := newTestTransaction("user-gc", 1)
		stuck.Status = StatusFailed
		stuck.UpdatedAt = old
		mustCreate(t, store, stuck, stuckSteps)

		fresh, freshSteps := newTestTransaction("user-gc", 1)
		fresh.Status = StatusCompensated
		mustCreate(t, store, fresh, freshSteps)

		n, err := store.DeleteOlderThan(ctx, time.Now().Add(-24*time.Hour))
		if err != nil {
			t.Fatalf("DeleteOlderThan failed: %v", err)
		}
		if n < 1 {
			t.Errorf("expected at least one deletion, got %d", n)
		}
		if _, err := store.GetTransaction(ctx, done.ID); !IsNotFound(err) {
			t.Errorf("expected old completed transaction deleted, got %v", err)
		}
		if _, err := store.GetTransactionByIdempotencyKey(ctx, done.IdempotencyKey); !IsNotFound(err) {
			t.Errorf("expected idempotency key released, got %v", err)
		}
		if steps, _ := store.ListSteps(ctx, done.ID); len(steps) != 0 {
			t.Errorf("expected steps deleted, got %d", len(steps))
		}
		if _, err := store.GetTransaction(ctx, stuck.ID); err != nil {
			t.Errorf("FAILED transactions are kept for operators, got %v", err)
		}
		if _, err := store.GetTransaction(ctx, fresh.ID); err != nil {
			t.Errorf("recent transaction must be kept, got %v", err)
		}
	})

	t.Run("Health", func(t *testing.T) {
		checker, ok := store.(health.Checker)
		if !ok {
			t.Skip("store does not report health")
		}
		if res := checker.Health(ctx); res.Status != health.StatusHealthy {
			t.Errorf("expected healthy, got %s: %s", res.Status, res.Message)
		}
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, NewMemoryStore())

	t.Run("returns copies", func(t *testing.T) {
		store := NewMemoryStore()
		ctx := context.Background()
		tx, steps := newTestTransaction("user-copy", 1)
		mustCreate(t, store, tx, steps)

		tx.Status = StatusCancelled
		steps[0].Status = StepFailed
		got, _ := store.GetTransaction(ctx, tx.ID)
		if got.Status != StatusPending {
			t.Errorf("caller mutation leaked into the store: %s", got.Status)
		}
		got.Metadata["source"] = "changed"
		again, _ := store.GetTransaction(ctx, tx.ID)
		if again.Metadata["source"] != "api" {
			t.Error("returned transaction shares metadata with the store")
		}
		listed, _ := store.ListSteps(ctx, tx.ID)
		if listed[0].Status != StepPending {
			t.Errorf("caller mutation leaked into step: %s", listed[0].Status)
		}
	})
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	store, err := OpenSQLiteStore(ctx, ":memory:")
	if err != nil {
		t.Fatalf("OpenSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	// Migrations are recorded and skipped on the second run.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}

	runStoreTests(t, store)

	if _, err := OpenSQLiteStore(ctx, "  "); err == nil {
		t.Error("expected error for empty path")
	}
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisStore(client).WithKeyPrefix("test:saga:")
	runStoreTests(t, store)

	keys := mr.Keys()
	if len(keys) == 0 {
		t.Fatal("expected keys to be written")
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, "test:saga:") {
			t.Errorf("key %q escaped the prefix", k)
		}
	}

	mr.SetError("LOADING Redis is loading the dataset in memory")
	if res := store.Health(context.Background()); res.Status != health.StatusUnhealthy {
		t.Errorf("expected unhealthy while the server errors, got %s", res.Status)
	}
}

func TestPostgresStore(t *testing.T) {
	ctx := context.Background()

	t.Run("numbered placeholders", func(t *testing.T) {
		store := NewPostgresStore(nil)
		got := store.rebind("UPDATE saga_steps SET status = ? WHERE id = ? AND status = ?")
		want := "UPDATE saga_steps SET status = $1 WHERE id = $2 AND status = $3"
		if got != want {
			t.Errorf("rebind = %q, want %q", got, want)
		}
	})

	t.Run("status conflict", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New failed: %v", err)
		}
		defer db.Close()
		store := NewPostgresStore(db)

		tx, _ := newTestTransaction("user-pg", 1)
		tx.Status = StatusProcessing

		mock.ExpectExec(regexp.QuoteMeta("UPDATE saga_transactions")).
			WithArgs(string(StatusProcessing), 0, 3, "", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), tx.ID, string(StatusPending)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM saga_transactions WHERE id = $1")).
			WithArgs(tx.ID).
			WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow(string(StatusCancelled)))

		if err := store.UpdateTransaction(ctx, tx, StatusPending); !IsConflict(err) {
			t.Errorf("expected conflict, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("duplicate idempotency key", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New failed: %v", err)
		}
		defer db.Close()
		store := NewPostgresStore(db)

		tx, steps := newTestTransaction("user-pg", 1)
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO saga_transactions")).
			WillReturnError(&pq.Error{Code: pqUniqueViolation, Message: "duplicate key value"})
		mock.ExpectRollback()
		mock.ExpectQuery(regexp.QuoteMeta("FROM saga_transactions WHERE idempotency_key = $1")).
			WithArgs(tx.IdempotencyKey).
			WillReturnRows(sqlmock.NewRows([]string{
				"id", "saga_id", "user_id", "transaction_type", "status", "amount", "asset", "idempotency_key",
				"retry_count", "max_retries", "error_message", "metadata", "step_ids", "created_at", "updated_at", "expires_at",
			}).AddRow(
				"winner", "saga-winner", tx.UserID, tx.TransactionType, string(StatusPending), tx.Amount, tx.Asset, tx.IdempotencyKey,
				0, 3, "", nil, `["s1"]`, tx.CreatedAt.UnixMilli(), tx.UpdatedAt.UnixMilli(), nil,
			))

		err = store.CreateTransaction(ctx, tx, steps)
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			t.Errorf("expected ErrDuplicateIdempotencyKey, got %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("migrate skips applied files", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		if err != nil {
			t.Fatalf("sqlmock.New failed: %v", err)
		}
		defer db.Close()
		store := NewPostgresStore(db)

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
		for _, file := range []string{"001_init.sql", "002_step_generation.sql"} {
			mock.ExpectQuery(regexp.QuoteMeta("WHERE name = $1")).
				WithArgs(file).
				WillReturnRows(sqlmock.NewRows([]string{"one"}).AddRow(1))
		}

		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("Migrate failed: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Error(err)
		}
	})

	t.Run("health", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		if err != nil {
			t.Fatalf("sqlmock.New failed: %v", err)
		}
		defer db.Close()
		store := NewPostgresStore(db)

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))
		if res := store.Health(ctx); res.Status != health.StatusUnhealthy {
			t.Errorf("expected unhealthy, got %s", res.Status)
		}
	})
}
