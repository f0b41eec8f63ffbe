package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/escrow/queue"
	"github.com/rbaliyan/escrow/ratelimit"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*executorOptions)

type executorOptions struct {
	workers         int
	name            string
	limiter         ratelimit.Limiter
	logger          *slog.Logger
	leaseRetryDelay time.Duration
}

// WithWorkers sets the number of concurrent queue consumers. Default: 4.
func WithWorkers(n int) ExecutorOption {
	return func(o *executorOptions) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithConsumerName sets the prefix of the queue consumer names. Each worker
// consumes as "<name>-<n>". Use a name unique to the process. Default: "executor".
func WithConsumerName(name string) ExecutorOption {
	return func(o *executorOptions) {
		if name != "" {
			o.name = name
		}
	}
}

// WithLimiter throttles how fast jobs are dispatched to handlers.
func WithLimiter(limiter ratelimit.Limiter) ExecutorOption {
	return func(o *executorOptions) {
		o.limiter = limiter
	}
}

// WithExecutorLogger sets the executor's logger.
// If not set, the orchestrator's logger is used.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(o *executorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithLeaseRetryDelay sets how long a job waits before it is retried when its
// transaction's lease is held by another worker. Default: 500ms.
func WithLeaseRetryDelay(d time.Duration) ExecutorOption {
	return func(o *executorOptions) {
		if d >= 0 {
			o.leaseRetryDelay = d
		}
	}
}

// Executor consumes saga jobs and runs step and compensation handlers.
//
// Every job runs under its transaction's lease. A step job that no longer
// matches the stored state (the transaction moved on, the step already
// finished, or the attempt was already consumed) is acknowledged and dropped,
// which makes redelivered and duplicate jobs harmless.
//
// Example:
//
//	exec := saga.NewExecutor(orch, saga.WithWorkers(8), saga.WithConsumerName(hostname))
//	if err := exec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	    log.Fatal(err)
//	}
type Executor struct {
	orch            *Orchestrator
	workers         int
	name            string
	limiter         ratelimit.Limiter
	logger          *slog.Logger
	leaseRetryDelay time.Duration
}

// NewExecutor creates an executor for the orchestrator's queue.
func NewExecutor(orch *Orchestrator, opts ...ExecutorOption) *Executor {
	o := &executorOptions{
		workers:         4,
		name:            "executor",
		logger:          orch.logger,
		leaseRetryDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Executor{
		orch:            orch,
		workers:         o.workers,
		name:            o.name,
		limiter:         o.limiter,
		logger:          o.logger,
		leaseRetryDelay: o.leaseRetryDelay,
	}
}

// Run consumes jobs until ctx is cancelled or a consumer fails.
// It returns nil after a cancellation.
func (e *Executor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < e.workers; i++ {
		consumer := fmt.Sprintf("%s-%d", e.name, i)
		g.Go(func() error {
			err := e.orch.jobs.Consume(ctx, consumer, e.Handle)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	e.logger.Info("executor started", "workers", e.workers, "consumer", e.name)
	err := g.Wait()
	e.logger.Info("executor stopped", "error", err)
	return err
}

// Handle processes one job. It is the queue.Handler the workers consume with.
//
// Outcomes that are part of the saga state machine, including failed steps,
// failed compensations and stale jobs, acknowledge the job. Only
// infrastructure errors are returned, so the queue redelivers the job.
func (e *Executor) Handle(ctx context.Context, job *queue.Job) error {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	log := e.logger.With(
		"job_id", job.ID,
		"kind", job.Kind,
		"transaction_id", job.TransactionID)

	var err error
	switch job.Kind {
	case queue.KindExecuteSaga:
		err = e.orch.ExecuteSaga(ctx, job.TransactionID)
	case queue.KindExecuteStep:
		err = e.orch.withLease(ctx, job.TransactionID, func(ctx context.Context) error {
			return e.runStep(ctx, job)
		})
	case queue.KindCompensateSaga:
		err = e.orch.CompensateSaga(ctx, job.TransactionID)
	default:
		log.Error("dropping job of unknown kind")
		return nil
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrLeaseNotAcquired):
		// Another worker owns the transaction; try again shortly.
		log.Debug("transaction busy, deferring job")
		if qerr := e.orch.jobs.Enqueue(ctx, *job, e.leaseRetryDelay); qerr != nil {
			return fmt.Errorf("defer job: %w", qerr)
		}
		return nil
	case errors.Is(err, ErrCompensation):
		// Recorded as FAILED; an operator takes it from here.
		return nil
	case IsConflict(err), IsNotFound(err), IsValidation(err):
		log.Debug("dropping stale job", "error", err)
		return nil
	default:
		return err
	}
}

// runStep executes one attempt of a step. Must hold the transaction's lease.
func (e *Executor) runStep(ctx context.Context, job *queue.Job) error {
	const op = "execute step"
	o := e.orch

	tx, steps, err := o.load(ctx, op, job.TransactionID)
	if err != nil {
		return err
	}
	log := e.logger.With(
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID,
		"step", job.StepName,
		"attempt", job.Attempt)

	if tx.Status != StatusProcessing {
		log.Debug("dropping step job, transaction not processing", "status", tx.Status)
		return nil
	}
	step := firstIncomplete(steps)
	if step == nil || step.StepName != job.StepName || step.Status != StepPending || job.Attempt <= step.Attempts {
		log.Debug("dropping stale step job")
		return nil
	}

	sd, err := o.stepDefinition(op, tx, step)
	if err != nil {
		return err
	}
	if step.Attempts >= sd.MaxAttempts() {
		return o.advance(ctx, op, tx, steps)
	}
	handler, err := o.registry.Handler(sd.Handler)
	if err != nil {
		return newError(KindNotFound, op, tx, step, err)
	}

	// Consume the attempt before running the handler, so a crash mid-call
	// still counts against the step's budget.
	now := time.Now().UTC()
	step.Attempts = job.Attempt
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	if err := o.saveStep(ctx, op, tx, step, StepPending); err != nil {
		return err
	}

	log.Info("executing step", "max_attempts", sd.MaxAttempts())

	var output Payload
	start := time.Now()
	herr := o.invoke(ctx, "saga.execute", tx, step, o.timeoutFor(sd), job.Attempt, func(ctx context.Context, in *StepInput) error {
		in.Data = clonePayload(step.StepData)
		out, err := handler.Execute(ctx, in)
		output = out
		return err
	})
	elapsed := time.Since(start)

	// The outcome is recorded even if the worker is shutting down.
	ctx = context.WithoutCancel(ctx)

	if herr == nil {
		o.metrics.RecordStepExecution(ctx, tx.TransactionType, step.StepName, ResultSuccess, elapsed)
		completed := time.Now().UTC()
		step.Status = StepCompleted
		step.CompensationData = output
		step.ErrorMessage = ""
		step.CompletedAt = &completed
		if err := o.saveStep(ctx, op, tx, step, StepPending); err != nil {
			return err
		}
		log.Info("step completed", "duration", elapsed)

		current, err := o.store.GetTransaction(ctx, tx.ID)
		if err != nil {
			return wrapStoreError(op, tx, step, err)
		}
		if current.Status != StatusProcessing {
			return o.completedAfterExit(ctx, current, step)
		}
		return o.advance(ctx, op, current, steps)
	}

	result := ResultFailure
	if errors.Is(herr, context.DeadlineExceeded) {
		result = ResultTimeout
	}
	step.ErrorMessage = herr.Error()

	if sd.Retryable && step.Attempts < sd.MaxAttempts() {
		o.metrics.RecordStepExecution(ctx, tx.TransactionType, step.StepName, ResultRetry, elapsed)
		if err := o.saveStep(ctx, op, tx, step, StepPending); err != nil {
			return err
		}
		if err := o.touch(ctx, op, tx); err != nil {
			return err
		}
		delay := o.backoffFor(sd).NextDelay(step.Attempts - 1)
		log.Warn("step failed, will retry",
			"max_attempts", sd.MaxAttempts(),
			"backoff_delay", delay,
			"error", herr)
		return o.enqueue(ctx, queue.Job{
			Kind:          queue.KindExecuteStep,
			TransactionID: tx.ID,
			StepName:      step.StepName,
			Attempt:       step.Attempts + 1,
		}, delay)
	}

	o.metrics.RecordStepExecution(ctx, tx.TransactionType, step.StepName, result, elapsed)
	log.Error("step failed", "attempts", step.Attempts, "error", herr)
	return o.escalate(ctx, op, tx, step, newError(KindStepExecution, op, tx, step, herr))
}

// completedAfterExit handles a step that finished after its transaction left
// PROCESSING. A running compensation is queued again so it sees the step.
func (o *Orchestrator) completedAfterExit(ctx context.Context, tx *Transaction, step *SagaStep) error {
	if tx.Status == StatusCompensating {
		o.log().Warn("step completed during compensation, requeueing compensation",
			"transaction_id", tx.ID,
			"step", step.StepName)
		return o.enqueue(ctx, queue.Job{Kind: queue.KindCompensateSaga, TransactionID: tx.ID}, 0)
	}
	o.log().Error("step completed after transaction left processing, effect needs manual review",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID,
		"status", tx.Status,
		"step", step.StepName,
		"step_id", step.ID)
	return nil
}

func (o *Orchestrator) backoffFor(sd StepDefinition) BackoffStrategy {
	if sd.Backoff != nil {
		return sd.Backoff
	}
	return o.backoff
}

func stepAttributes(tx *Transaction, step *SagaStep, attempt int) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("saga.transaction_id", tx.ID),
		attribute.String("saga.id", tx.SagaID),
		attribute.String("saga.transaction_type", tx.TransactionType),
		attribute.String("saga.step", step.StepName),
		attribute.Int("saga.step_order", step.StepOrder),
	}
	if attempt > 0 {
		attrs = append(attrs, attribute.Int("saga.attempt", attempt))
	}
	return attrs
}

func recordSpanError(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
