package escrow

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/escrow/queue"
	"github.com/rbaliyan/escrow/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedBackoff struct {
	delay time.Duration
}

func (b *fixedBackoff) NextDelay(int) time.Duration {
	return b.delay
}

type harness struct {
	orch     *saga.Orchestrator
	ledger   *MemoryLedger
	chain    *MemoryChain
	notifier *MemoryNotifier
}

// flakyNotifier fails while fail is set.
type flakyNotifier struct {
	*MemoryNotifier
	fail atomic.Bool
}

func (n *flakyNotifier) Notify(ctx context.Context, token string, msg Notification) error {
	if n.fail.Load() {
		return errors.New("smtp relay down")
	}
	return n.MemoryNotifier.Notify(ctx, token, msg)
}

// flakyLedger refuses to release holds while failRelease is set.
type flakyLedger struct {
	*MemoryLedger
	failRelease atomic.Bool
}

func (l *flakyLedger) Release(ctx context.Context, holdID string) error {
	if l.failRelease.Load() {
		return errors.New("ledger write timeout")
	}
	return l.MemoryLedger.Release(ctx, holdID)
}

func newHarness(t *testing.T, configure func(*Services)) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &harness{
		ledger:   NewMemoryLedger(),
		chain:    NewMemoryChain("testnet"),
		notifier: NewMemoryNotifier(logger),
	}
	svc := Services{
		Balances: h.ledger,
		Chain:    h.chain,
		Notifier: h.notifier,
	}
	if configure != nil {
		configure(&svc)
	}
	registry := saga.NewRegistry()
	require.NoError(t, Register(registry, svc))

	orch, err := saga.NewOrchestrator(registry, saga.NewMemoryStore(),
		queue.NewMemoryQueue(queue.WithRetryDelay(time.Millisecond), queue.WithLogger(logger)),
		saga.WithLogger(logger),
		saga.WithBackoff(&fixedBackoff{delay: time.Millisecond}),
	)
	require.NoError(t, err)
	h.orch = orch

	exec := saga.NewExecutor(orch, saga.WithWorkers(2), saga.WithLeaseRetryDelay(time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = exec.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) await(t *testing.T, id string, want saga.TransactionStatus) *saga.Transaction {
	t.Helper()
	var tx *saga.Transaction
	require.Eventually(t, func() bool {
		var err error
		tx, err = h.orch.GetTransactionByID(context.Background(), id)
		return err == nil && tx.Status == want
	}, 5*time.Second, 5*time.Millisecond, "transaction %s never reached %s", id, want)
	return tx
}

func TestDeposit(t *testing.T) {
	ctx := context.Background()

	t.Run("credits the user", func(t *testing.T) {
		h := newHarness(t, nil)
		tx, err := h.orch.StartSaga(ctx, saga.Request{
			IdempotencyKey:  "dep-1",
			UserID:          "user-1",
			TransactionType: TypeDeposit,
			Amount:          1500,
			Asset:           "USDT",
			Metadata:        saga.Payload{"address": "0xabc"},
		})
		require.NoError(t, err)
		h.await(t, tx.ID, saga.StatusCompleted)

		bal, err := h.ledger.Balance(ctx, "user-1", "USDT")
		require.NoError(t, err)
		assert.Equal(t, Balance{Available: 1500}, bal)
		assert.Equal(t, 1, h.chain.Transfers())

		sent := h.notifier.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, tx.ID, sent[0].TransactionID)
		assert.Equal(t, TypeDeposit, sent[0].TransactionType)

		steps, err := h.orch.GetSteps(ctx, tx.ID)
		require.NoError(t, err)
		require.Len(t, steps, 5)
		names := make([]string, len(steps))
		for i, s := range steps {
			names[i] = s.StepName
			assert.Equal(t, saga.StepCompleted, s.Status)
		}
		assert.Equal(t, []string{
			StepValidateDeposit, StepReserveBalance, StepExecuteChain, StepUpdateBalance, StepSendNotification,
		}, names)
		assert.NotEmpty(t, steps[2].CompensationData["tx_hash"])
	})

	t.Run("recovers from transient chain failures", func(t *testing.T) {
		h := newHarness(t, nil)
		h.chain.FailNext(2, nil)

		tx, err := h.orch.StartSaga(ctx, saga.Request{
			IdempotencyKey: "dep-2", UserID: "user-1", TransactionType: TypeDeposit, Amount: 200, Asset: "BTC",
		})
		require.NoError(t, err)
		h.await(t, tx.ID, saga.StatusCompleted)

		steps, err := h.orch.GetSteps(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, 3, steps[2].Attempts)
		assert.Equal(t, 3, h.chain.Calls())
	})

	t.Run("compensates when the chain stays down", func(t *testing.T) {
		h := newHarness(t, nil)
		h.chain.FailNext(100, nil)

		tx, err := h.orch.StartSaga(ctx, saga.Request{
			IdempotencyKey: "dep-3", UserID: "user-1", TransactionType: TypeDeposit, Amount: 700, Asset: "ETH",
		})
		require.NoError(t, err)
		final := h.await(t, tx.ID, saga.StatusCompensated)
		assert.Contains(t, final.ErrorMessage, "chain unavailable")

		// One initial attempt plus three retries.
		assert.Equal(t, 4, h.chain.Calls())

		bal, err := h.ledger.Balance(ctx, "user-1", "ETH")
		require.NoError(t, err)
		assert.Equal(t, Balance{}, bal, "pending credit must be released")

		steps, err := h.orch.GetSteps(ctx, tx.ID)
		require.NoError(t, err)
		assert.Equal(t, saga.StepCompensated, steps[0].Status)
		assert.Equal(t, saga.StepCompensated, steps[1].Status)
		assert.Equal(t, saga.StepFailed, steps[2].Status)
		assert.Equal(t, saga.StepPending, steps[3].Status)
		assert.Equal(t, saga.StepPending, steps[4].Status)
		assert.Empty(t, h.notifier.Sent())
	})

	t.Run("rejects unsupported assets", func(t *testing.T) {
		h := newHarness(t, func(svc *Services) {
			svc.Assets = map[string]Limits{"USDT": {Min: 100, Max: 1_000_000}}
		})

		tx, err := h.orch.StartSaga(ctx, saga.Request{
			IdempotencyKey: "dep-4", UserID: "user-1", TransactionType: TypeDeposit, Amount: 500, Asset: "DOGE",
		})
		require.NoError(t, err)
		final := h.await(t, tx.ID, saga.StatusCompensated)
		assert.Contains(t, final.ErrorMessage, ErrUnsupportedAsset.Error())
		assert.Zero(t, h.chain.Calls())
	})
}

func TestWithdrawal(t *testing.T) {
	ctx := context.Background()

	t.Run("debits the user", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ledger.Fund("user-2", "USDT", 5000)

		tx, err := h.orch.StartSaga(ctx, saga.Request{
			IdempotencyKey: "wd-1", UserID: "user-2", TransactionType: TypeWithdrawal, Amount: 1200, Asset: "USDT",
			StepData: map[string]saga.Payload{StepExecuteChain: {"address": "0xdef"}},
		})
		require.NoError(t, err)
		h.await(t, tx.ID, saga.StatusCompleted)

		bal, err := h.ledger.Balance(ctx, "user-2", "USDT")
		require.NoError(t, err)
		assert.Equal(t, Balance{Available: 3800}, bal)
	})

	t.Run("fails validation on insufficient funds", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ledger.Fund("user-2", "USDT", 100)

		tx, err := h.orch.StartSaga(ctx, saga.Request{
			IdempotencyKey: "wd-2", UserID: "user-2", TransactionType: TypeWithdrawal, Amount: 1200, Asset: "USDT",
		})
		require.NoError(t, err)
		final := h.await(t, tx.ID, saga.StatusCompensated)
		assert.Contains(t, final.ErrorMessage, ErrInsufficientFunds.Error())

		bal, err := h.ledger.Balance(ctx, "user-2", "USDT")
		require.NoError(t, err)
		assert.Equal(t, Balance{Available: 100}, bal)
	})

	t.Run("unfreezes funds after a chain failure", func(t *testing.T) {
		h := newHarness(t, nil)
		h.ledger.Fund("user-2", "USDT", 5000)
		h.chain.FailNext(100, errors.New("nonce too low"))

		tx, err := h.orch.StartSaga(ctx, saga.Request{
			IdempotencyKey: "wd-3", UserID: "user-2", TransactionType: TypeWithdrawal, Amount: 1200, Asset: "USDT",
		})
		require.NoError(t, err)
		h.await(t, tx.ID, saga.StatusCompensated)

		bal, err := h.ledger.Balance(ctx, "user-2", "USDT")
		require.NoError(t, err)
		assert.Equal(t, Balance{Available: 5000}, bal)
	})
}

func TestFailedCompensation(t *testing.T) {
	ctx := context.Background()
	notifier := &flakyNotifier{MemoryNotifier: NewMemoryNotifier(slog.New(slog.NewTextHandler(io.Discard, nil)))}
	notifier.fail.Store(true)
	h := newHarness(t, func(svc *Services) { svc.Notifier = notifier })
	h.chain.FailReversals(true)

	tx, err := h.orch.StartSaga(ctx, saga.Request{
		IdempotencyKey: "dep-fail", UserID: "user-4", TransactionType: TypeDeposit, Amount: 900, Asset: "USDT",
	})
	require.NoError(t, err)

	// The notification never goes out, and the chain refuses to reverse the
	// transfer while compensating.
	failed := h.await(t, tx.ID, saga.StatusFailed)
	assert.Contains(t, failed.ErrorMessage, "compensation")

	steps, err := h.orch.GetSteps(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StepCompleted, steps[0].Status)
	assert.Equal(t, saga.StepCompleted, steps[1].Status)
	assert.Equal(t, saga.StepCompleted, steps[2].Status)
	assert.Contains(t, steps[2].ErrorMessage, "compensation failed")
	assert.Equal(t, saga.StepCompensated, steps[3].Status)
	assert.Equal(t, saga.StepFailed, steps[4].Status)

	bal, err := h.ledger.Balance(ctx, "user-4", "USDT")
	require.NoError(t, err)
	assert.Equal(t, Balance{Pending: 900}, bal, "settlement reversed, hold kept")

	// An operator fixes the notifier and retries.
	notifier.fail.Store(false)
	h.chain.FailReversals(false)
	retried, err := h.orch.RetryFailedSaga(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, retried.RetryCount)

	h.await(t, tx.ID, saga.StatusCompleted)
	bal, err = h.ledger.Balance(ctx, "user-4", "USDT")
	require.NoError(t, err)
	assert.Equal(t, Balance{Available: 900}, bal)
	assert.Equal(t, 1, h.chain.Transfers())
	assert.Len(t, notifier.Sent(), 1)
}

func TestRetryAfterReversedTransfer(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &flakyNotifier{MemoryNotifier: NewMemoryNotifier(logger)}
	notifier.fail.Store(true)
	ledger := &flakyLedger{MemoryLedger: NewMemoryLedger()}
	ledger.failRelease.Store(true)
	h := newHarness(t, func(svc *Services) {
		svc.Notifier = notifier
		svc.Balances = ledger
	})

	tx, err := h.orch.StartSaga(ctx, saga.Request{
		IdempotencyKey: "dep-reversed", UserID: "user-5", TransactionType: TypeDeposit, Amount: 900, Asset: "USDT",
	})
	require.NoError(t, err)

	// The transfer and the settlement are undone, then releasing the hold fails.
	h.await(t, tx.ID, saga.StatusFailed)
	steps, err := h.orch.GetSteps(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, saga.StepCompleted, steps[1].Status)
	assert.Contains(t, steps[1].ErrorMessage, "compensation failed")
	require.Equal(t, saga.StepCompensated, steps[2].Status)
	reversedHash, _ := steps[2].CompensationData["tx_hash"].(string)
	require.NotEmpty(t, reversedHash)
	assert.True(t, h.chain.Reversed(reversedHash))

	notifier.fail.Store(false)
	ledger.failRelease.Store(false)
	_, err = h.orch.RetryFailedSaga(ctx, tx.ID)
	require.NoError(t, err)
	h.await(t, tx.ID, saga.StatusCompleted)

	// The retry must broadcast a new transfer rather than reuse the reversed one.
	assert.Equal(t, 2, h.chain.Transfers())
	steps, err = h.orch.GetSteps(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, steps[2].Generation)
	newHash, _ := steps[2].CompensationData["tx_hash"].(string)
	assert.NotEqual(t, reversedHash, newHash)
	assert.False(t, h.chain.Reversed(newHash))

	bal, err := ledger.Balance(ctx, "user-5", "USDT")
	require.NoError(t, err)
	assert.Equal(t, Balance{Available: 900}, bal)
	assert.Len(t, notifier.Sent(), 1)
}

func TestDuplicateRequests(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.ledger.Fund("user-3", "USDT", 1000)

	req := saga.Request{
		IdempotencyKey: "idem-123", UserID: "user-3", TransactionType: TypeWithdrawal, Amount: 400, Asset: "USDT",
	}
	first, err := h.orch.StartSaga(ctx, req)
	require.NoError(t, err)
	second, err := h.orch.StartSaga(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	h.await(t, first.ID, saga.StatusCompleted)

	bal, err := h.ledger.Balance(ctx, "user-3", "USDT")
	require.NoError(t, err)
	assert.Equal(t, int64(600), bal.Available, "withdrawal applied once")
	assert.Equal(t, 1, h.chain.Transfers())
	assert.Len(t, h.notifier.Sent(), 1)
}
