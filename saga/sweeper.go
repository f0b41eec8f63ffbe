package saga

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/escrow/queue"
	"github.com/robfig/cron/v3"
)

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSchedule sets the cron schedule. Standard five-field expressions and
// descriptors such as "@every 30s" are accepted. Default: "@every 30s".
func WithSchedule(spec string) SweeperOption {
	return func(s *Sweeper) {
		if spec != "" {
			s.schedule = spec
		}
	}
}

// WithStaleAfter sets how long a non-terminal transaction may go without an
// update before it is re-queued. Every step dispatch counts as an update, so
// d should exceed the longest step timeout plus the longest retry backoff.
// Default: 5m.
func WithStaleAfter(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// WithRetention deletes terminal transactions last updated longer ago than d.
// Zero (the default) keeps everything.
func WithRetention(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d >= 0 {
			s.retention = d
		}
	}
}

// WithBatchSize caps how many transactions one sweep re-queues. Default: 100.
func WithBatchSize(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// Sweeper recovers sagas whose jobs were lost.
//
// Jobs are normally durable, but a process can die between a store write and
// the enqueue that follows it. On every tick the sweeper:
//   - cancels PENDING transactions past their ExpiresAt
//   - re-queues execution of stale PENDING and PROCESSING transactions
//   - re-queues compensation of stale COMPENSATING transactions
//   - deletes old terminal transactions when a retention is configured
//
// Re-queued work is safe to duplicate: the executor drops jobs that no longer
// match the stored state.
type Sweeper struct {
	orch       *Orchestrator
	logger     *slog.Logger
	schedule   string
	staleAfter time.Duration
	retention  time.Duration
	batch      int
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Expired  int
	Requeued int
	Deleted  int
}

// NewSweeper creates a sweeper for the orchestrator.
func NewSweeper(orch *Orchestrator, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		orch:       orch,
		logger:     orch.logger.With("component", "sweeper"),
		schedule:   "@every 30s",
		staleAfter: 5 * time.Minute,
		batch:      100,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps on the configured schedule until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(s.schedule)
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		res, err := s.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			s.logger.Error("sweep failed", "error", err)
			return
		}
		if res.Expired+res.Requeued+res.Deleted > 0 {
			s.logger.Info("sweep finished",
				"expired", res.Expired,
				"requeued", res.Requeued,
				"deleted", res.Deleted)
		}
	}))

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// Sweep runs one recovery pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := time.Now().UTC()

	expired, err := s.expire(ctx, now)
	res.Expired = expired
	if err != nil {
		return res, err
	}

	requeued, err := s.requeue(ctx, now)
	res.Requeued = requeued
	if err != nil {
		return res, err
	}

	if s.retention > 0 {
		deleted, err := s.orch.store.DeleteOlderThan(ctx, now.Add(-s.retention))
		res.Deleted = deleted
		if err != nil {
			return res, fmt.Errorf("delete old transactions: %w", err)
		}
	}
	return res, nil
}

func (s *Sweeper) expire(ctx context.Context, now time.Time) (int, error) {
	pending, err := s.orch.store.ListTransactions(ctx, Filter{
		Status: []TransactionStatus{StatusPending},
	})
	if err != nil {
		return 0, fmt.Errorf("list pending transactions: %w", err)
	}

	expired := 0
	for _, tx := range pending {
		if tx.ExpiresAt == nil || now.Before(*tx.ExpiresAt) {
			continue
		}
		err := s.orch.withLease(ctx, tx.ID, func(ctx context.Context) error {
			current, err := s.orch.store.GetTransaction(ctx, tx.ID)
			if err != nil {
				return err
			}
			if current.Status != StatusPending {
				return nil
			}
			if err := s.orch.cancel(ctx, "expire transaction", current, "expired before execution"); err != nil {
				return err
			}
			expired++
			return nil
		})
		if err != nil && !IsConflict(err) {
			s.logger.Warn("failed to expire transaction", "transaction_id", tx.ID, "error", err)
		}
	}
	return expired, nil
}

func (s *Sweeper) requeue(ctx context.Context, now time.Time) (int, error) {
	stale, err := s.orch.store.ListTransactions(ctx, Filter{
		Status:        []TransactionStatus{StatusPending, StatusProcessing, StatusCompensating},
		UpdatedBefore: now.Add(-s.staleAfter),
		Limit:         s.batch,
	})
	if err != nil {
		return 0, fmt.Errorf("list stale transactions: %w", err)
	}

	requeued := 0
	for _, tx := range stale {
		kind := queue.KindExecuteSaga
		if tx.Status == StatusCompensating {
			kind = queue.KindCompensateSaga
		}
		if err := s.orch.enqueue(ctx, queue.Job{Kind: kind, TransactionID: tx.ID}, 0); err != nil {
			return requeued, err
		}
		requeued++
		s.logger.Info("re-queued stale transaction",
			"transaction_id", tx.ID,
			"saga_id", tx.SagaID,
			"status", tx.Status,
			"updated_at", tx.UpdatedAt)
	}
	return requeued, nil
}
