package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/rbaliyan/escrow/queue"
	"github.com/rbaliyan/event/v3/backoff"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/rbaliyan/escrow/saga"

// Option configures an Orchestrator.
type Option func(*orchestratorOptions)

type orchestratorOptions struct {
	locker         Locker
	publisher      Publisher
	logger         *slog.Logger
	metrics        *MetricsRecorder
	tracerProvider trace.TracerProvider
	backoff        BackoffStrategy
	maxRetries     int
	ttl            time.Duration
	stepTimeout    time.Duration
	leaseTTL       time.Duration
	leaseWait      time.Duration
}

func defaultOrchestratorOptions() *orchestratorOptions {
	return &orchestratorOptions{
		locker:    NewMemoryLocker(),
		publisher: NopPublisher{},
		logger:    slog.Default(),
		backoff: &backoff.Exponential{
			Initial:    time.Second,
			Multiplier: 2.0,
			Max:        30 * time.Second,
			Jitter:     0.1,
		},
		maxRetries:  3,
		stepTimeout: 30 * time.Second,
		leaseTTL:    5 * time.Minute,
		leaseWait:   2 * time.Second,
	}
}

// WithLocker sets the per-transaction lease provider.
//
// The default MemoryLocker only serializes work inside one process. Use a
// RedisLocker when several processes consume the same queue.
func WithLocker(locker Locker) Option {
	return func(o *orchestratorOptions) {
		if locker != nil {
			o.locker = locker
		}
	}
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(publisher Publisher) Option {
	return func(o *orchestratorOptions) {
		if publisher != nil {
			o.publisher = publisher
		}
	}
}

// WithLogger sets a custom logger.
// If not set, slog.Default() is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *orchestratorOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
//
// Example:
//
//	recorder := saga.NewMetricsRecorder("escrowd")
//	orch, err := saga.NewOrchestrator(registry, store, jobs, saga.WithMetrics(recorder))
func WithMetrics(recorder *MetricsRecorder) Option {
	return func(o *orchestratorOptions) {
		o.metrics = recorder
	}
}

// WithTracerProvider sets the provider for handler spans.
// If not set, the global tracer provider is used.
func WithTracerProvider(provider trace.TracerProvider) Option {
	return func(o *orchestratorOptions) {
		if provider != nil {
			o.tracerProvider = provider
		}
	}
}

// WithBackoff sets the delay strategy between attempts of a retryable step.
// A StepDefinition's own Backoff takes precedence.
//
// Example:
//
//	orch, err := saga.NewOrchestrator(registry, store, jobs,
//	    saga.WithBackoff(&backoff.Exponential{
//	        Initial:    500 * time.Millisecond,
//	        Multiplier: 2.0,
//	        Max:        time.Minute,
//	        Jitter:     0.2,
//	    }),
//	)
func WithBackoff(strategy BackoffStrategy) Option {
	return func(o *orchestratorOptions) {
		if strategy != nil {
			o.backoff = strategy
		}
	}
}

// WithMaxRetries sets how many times a FAILED transaction may be retried
// with RetryFailedSaga when the request does not say. Default: 3.
func WithMaxRetries(max int) Option {
	return func(o *orchestratorOptions) {
		if max >= 0 {
			o.maxRetries = max
		}
	}
}

// WithDefaultTTL sets how long a transaction may stay PENDING before the
// sweeper cancels it, when the request does not say. Zero disables expiry.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(o *orchestratorOptions) {
		if ttl >= 0 {
			o.ttl = ttl
		}
	}
}

// WithDefaultStepTimeout sets the handler timeout for steps defined without one.
// Default: 30s.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(o *orchestratorOptions) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithLease sets the per-transaction lease TTL and how long a worker waits
// for it. The TTL must exceed the longest step timeout. Defaults: 5m and 2s.
func WithLease(ttl, wait time.Duration) Option {
	return func(o *orchestratorOptions) {
		if ttl > 0 {
			o.leaseTTL = ttl
		}
		if wait > 0 {
			o.leaseWait = wait
		}
	}
}

// Orchestrator drives sagas through their state machine.
//
// Public operations only schedule work: StartSaga persists the transaction and
// queues it, and the Executor carries it forward. Every status change is a
// compare-and-swap on the expected previous status, and all work on one
// transaction happens under its lease.
type Orchestrator struct {
	registry  *Registry
	store     Store
	jobs      queue.Queue
	locker    Locker
	publisher Publisher
	logger    *slog.Logger
	metrics   *MetricsRecorder
	tracer    trace.Tracer
	backoff   BackoffStrategy

	maxRetries  int
	ttl         time.Duration
	stepTimeout time.Duration
	leaseTTL    time.Duration
	leaseWait   time.Duration
}

// NewOrchestrator creates an orchestrator.
//
// Returns an error if a collaborator is missing, a definition references an
// unregistered handler, or a step timeout is not shorter than the lease TTL.
func NewOrchestrator(registry *Registry, store Store, jobs queue.Queue, opts ...Option) (*Orchestrator, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if jobs == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if err := registry.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry: %w", err)
	}

	o := defaultOrchestratorOptions()
	for _, opt := range opts {
		opt(o)
	}
	if err := checkLeaseCoversSteps(registry, o.leaseTTL, o.stepTimeout); err != nil {
		return nil, err
	}
	provider := o.tracerProvider
	if provider == nil {
		provider = otel.GetTracerProvider()
	}

	return &Orchestrator{
		registry:    registry,
		store:       store,
		jobs:        jobs,
		locker:      o.locker,
		publisher:   o.publisher,
		logger:      o.logger,
		metrics:     o.metrics,
		tracer:      provider.Tracer(tracerName),
		backoff:     o.backoff,
		maxRetries:  o.maxRetries,
		ttl:         o.ttl,
		stepTimeout: o.stepTimeout,
		leaseTTL:    o.leaseTTL,
		leaseWait:   o.leaseWait,
	}, nil
}

// checkLeaseCoversSteps rejects configurations where a step may still be
// running after its transaction's lease has expired.
func checkLeaseCoversSteps(registry *Registry, leaseTTL, defaultTimeout time.Duration) error {
	for _, typ := range registry.Types() {
		def, err := registry.Definition(typ)
		if err != nil {
			return err
		}
		for _, sd := range def.Steps {
			timeout := sd.Timeout
			if timeout <= 0 {
				timeout = defaultTimeout
			}
			if timeout >= leaseTTL {
				return fmt.Errorf("%s step %s: timeout %s must be shorter than the lease TTL %s",
					typ, sd.Name, timeout, leaseTTL)
			}
		}
	}
	return nil
}

// log returns the configured logger.
func (o *Orchestrator) log() *slog.Logger {
	return o.logger
}

// Registry returns the orchestrator's registry.
func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Store {
	return o.store
}

func validateRequest(req Request) error {
	switch {
	case req.IdempotencyKey == "":
		return fmt.Errorf("idempotency key is required")
	case req.UserID == "":
		return fmt.Errorf("user ID is required")
	case req.TransactionType == "":
		return fmt.Errorf("transaction type is required")
	case req.Amount <= 0:
		return fmt.Errorf("amount must be positive, got %d", req.Amount)
	case req.MaxRetries != nil && *req.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative")
	case req.TTL < 0:
		return fmt.Errorf("ttl must not be negative")
	}
	return nil
}

// StartSaga creates a transaction and queues its execution.
//
// A request whose idempotency key has been seen before returns the existing
// transaction unchanged, including when two requests race: the loser reads
// back the winner's row. An unknown transaction type is a validation error and
// nothing is persisted.
func (o *Orchestrator) StartSaga(ctx context.Context, req Request) (*Transaction, error) {
	const op = "start saga"

	if err := validateRequest(req); err != nil {
		return nil, newError(KindValidation, op, nil, nil, err)
	}

	existing, err := o.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
	if err == nil {
		o.log().Debug("duplicate request, returning existing transaction",
			"idempotency_key", req.IdempotencyKey,
			"transaction_id", existing.ID)
		return existing, nil
	}
	if !IsNotFound(err) {
		return nil, wrapStoreError(op, nil, nil, err)
	}

	def, err := o.registry.Definition(req.TransactionType)
	if err != nil {
		return nil, newError(KindValidation, op, nil, nil, err)
	}

	tx, steps := o.newTransaction(req, def)
	if err := o.store.CreateTransaction(ctx, tx, steps); err != nil {
		if !errors.Is(err, ErrDuplicateIdempotencyKey) {
			return nil, wrapStoreError(op, tx, nil, err)
		}
		winner, gerr := o.store.GetTransactionByIdempotencyKey(ctx, req.IdempotencyKey)
		if gerr != nil {
			return nil, wrapStoreError(op, nil, nil, gerr)
		}
		o.log().Debug("lost idempotency race, returning winner",
			"idempotency_key", req.IdempotencyKey,
			"transaction_id", winner.ID)
		return winner, nil
	}

	o.metrics.RecordTransactionStart(ctx, tx.TransactionType)
	o.log().Info("saga started",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID,
		"transaction_type", tx.TransactionType,
		"steps", len(steps))
	o.publish(ctx, EventSagaStarted, tx)

	// A failed enqueue leaves a PENDING transaction behind; the sweeper
	// re-queues it once it is stale.
	if err := o.enqueue(ctx, queue.Job{Kind: queue.KindExecuteSaga, TransactionID: tx.ID}, 0); err != nil {
		o.log().Error("failed to queue saga execution",
			"transaction_id", tx.ID,
			"saga_id", tx.SagaID,
			"error", err)
	}
	return tx, nil
}

// CreateTransaction is an alias for StartSaga.
func (o *Orchestrator) CreateTransaction(ctx context.Context, req Request) (*Transaction, error) {
	return o.StartSaga(ctx, req)
}

func (o *Orchestrator) newTransaction(req Request, def *Definition) (*Transaction, []*SagaStep) {
	now := time.Now().UTC()
	tx := &Transaction{
		ID:              uuid.NewString(),
		SagaID:          uuid.NewString(),
		UserID:          req.UserID,
		TransactionType: req.TransactionType,
		Status:          StatusPending,
		Amount:          req.Amount,
		Asset:           req.Asset,
		IdempotencyKey:  req.IdempotencyKey,
		MaxRetries:      o.maxRetries,
		Metadata:        clonePayload(req.Metadata),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if req.MaxRetries != nil {
		tx.MaxRetries = *req.MaxRetries
	}
	ttl := o.ttl
	if req.TTL > 0 {
		ttl = req.TTL
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		tx.ExpiresAt = &expires
	}

	steps := make([]*SagaStep, len(def.Steps))
	tx.StepIDs = make([]string, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = &SagaStep{
			ID:            uuid.NewString(),
			TransactionID: tx.ID,
			StepName:      sd.Name,
			StepOrder:     sd.Order,
			Status:        StepPending,
			StepData:      clonePayload(req.StepData[sd.Name]),
		}
		tx.StepIDs[i] = steps[i].ID
	}
	return tx, steps
}

// withLease runs fn while holding the transaction's lease.
func (o *Orchestrator) withLease(ctx context.Context, transactionID string, fn func(ctx context.Context) error) error {
	lease, err := o.locker.Acquire(ctx, transactionID, o.leaseTTL, o.leaseWait)
	if err != nil {
		return fmt.Errorf("lease %s: %w", transactionID, err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			o.log().Warn("failed to release lease", "transaction_id", transactionID, "error", err)
		}
	}()
	return fn(ctx)
}

// load reads a transaction and its ordered steps.
func (o *Orchestrator) load(ctx context.Context, op, transactionID string) (*Transaction, []*SagaStep, error) {
	tx, err := o.store.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, nil, wrapStoreError(op, &Transaction{ID: transactionID}, nil, err)
	}
	steps, err := o.store.ListSteps(ctx, transactionID)
	if err != nil {
		return nil, nil, wrapStoreError(op, tx, nil, err)
	}
	return tx, steps, nil
}

// transition moves tx to a new status with a compare-and-swap on its current one.
func (o *Orchestrator) transition(ctx context.Context, op string, tx *Transaction, to TransactionStatus) error {
	if err := checkTransition(tx, to); err != nil {
		return newError(KindConflict, op, tx, nil, err)
	}
	expected := tx.Status
	tx.Status = to
	tx.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateTransaction(ctx, tx, expected); err != nil {
		tx.Status = expected
		return wrapStoreError(op, tx, nil, err)
	}
	return nil
}

// touch records progress on tx without changing its status, so the sweeper
// does not mistake a saga that is moving through its steps for a stuck one.
func (o *Orchestrator) touch(ctx context.Context, op string, tx *Transaction) error {
	prev := tx.UpdatedAt
	tx.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateTransaction(ctx, tx, tx.Status); err != nil {
		tx.UpdatedAt = prev
		return wrapStoreError(op, tx, nil, err)
	}
	return nil
}

// saveStep writes step with a compare-and-swap on expected.
func (o *Orchestrator) saveStep(ctx context.Context, op string, tx *Transaction, step *SagaStep, expected StepStatus) error {
	if step.Status != expected && !canStepTransition(expected, step.Status) {
		return newError(KindConflict, op, tx, step,
			conflict("step", step.ID, "transition to "+string(step.Status), expected))
	}
	if err := o.store.UpdateStep(ctx, step, expected); err != nil {
		return wrapStoreError(op, tx, step, err)
	}
	return nil
}

func (o *Orchestrator) enqueue(ctx context.Context, job queue.Job, delay time.Duration) error {
	if err := o.jobs.Enqueue(ctx, job, delay); err != nil {
		return fmt.Errorf("enqueue %s: %w", job.Kind, err)
	}
	return nil
}

// publish emits a lifecycle event. Failures are logged and otherwise ignored.
func (o *Orchestrator) publish(ctx context.Context, typ EventType, tx *Transaction) {
	if err := o.publisher.Publish(ctx, newEvent(typ, tx)); err != nil {
		o.log().Warn("failed to publish saga event",
			"event", typ,
			"transaction_id", tx.ID,
			"saga_id", tx.SagaID,
			"error", err)
	}
}

func (o *Orchestrator) recordEnd(ctx context.Context, tx *Transaction) {
	o.metrics.RecordTransactionEnd(ctx, tx.TransactionType, tx.Status, time.Since(tx.CreatedAt))
}

// firstIncomplete returns the lowest-ordered step that is not COMPLETED.
func firstIncomplete(steps []*SagaStep) *SagaStep {
	for _, s := range steps {
		if s.Status != StepCompleted {
			return s
		}
	}
	return nil
}

func (o *Orchestrator) stepDefinition(op string, tx *Transaction, step *SagaStep) (StepDefinition, error) {
	def, err := o.registry.Definition(tx.TransactionType)
	if err != nil {
		return StepDefinition{}, newError(KindNotFound, op, tx, step, err)
	}
	sd, ok := def.Step(step.StepName)
	if !ok {
		return StepDefinition{}, newError(KindNotFound, op, tx, step,
			notFound("step definition", tx.TransactionType+"/"+step.StepName))
	}
	return sd, nil
}

// ExecuteSaga starts or resumes forward execution of a transaction.
//
// It moves a PENDING transaction to PROCESSING and dispatches the lowest
// non-completed step. A transaction whose steps are all complete becomes
// COMPLETED. Transactions in any other status are left alone.
func (o *Orchestrator) ExecuteSaga(ctx context.Context, transactionID string) error {
	return o.withLease(ctx, transactionID, func(ctx context.Context) error {
		return o.executeSaga(ctx, transactionID)
	})
}

func (o *Orchestrator) executeSaga(ctx context.Context, transactionID string) error {
	const op = "execute saga"

	tx, steps, err := o.load(ctx, op, transactionID)
	if err != nil {
		return err
	}

	switch tx.Status {
	case StatusPending:
		if tx.ExpiresAt != nil && time.Now().After(*tx.ExpiresAt) {
			return o.cancel(ctx, op, tx, "expired before execution")
		}
		if err := o.transition(ctx, op, tx, StatusProcessing); err != nil {
			return err
		}
		o.log().Info("saga processing",
			"transaction_id", tx.ID,
			"saga_id", tx.SagaID,
			"retry_count", tx.RetryCount)
	case StatusProcessing:
		// Re-entry after a crash or a sweep.
	default:
		o.log().Debug("ignoring execute request",
			"transaction_id", tx.ID,
			"status", tx.Status)
		return nil
	}

	return o.advance(ctx, op, tx, steps)
}

// advance dispatches the next step of a PROCESSING transaction, or completes it.
// Only one step job is outstanding at a time.
func (o *Orchestrator) advance(ctx context.Context, op string, tx *Transaction, steps []*SagaStep) error {
	next := firstIncomplete(steps)
	if next == nil {
		return o.complete(ctx, op, tx)
	}

	switch next.Status {
	case StepPending:
		sd, err := o.stepDefinition(op, tx, next)
		if err != nil {
			return err
		}
		if next.Attempts >= sd.MaxAttempts() {
			cause := fmt.Errorf("%w: %d of %d attempts used: %s",
				ErrStepExecution, next.Attempts, sd.MaxAttempts(), next.ErrorMessage)
			return o.escalate(ctx, op, tx, next, cause)
		}
		if err := o.touch(ctx, op, tx); err != nil {
			return err
		}
		return o.enqueue(ctx, queue.Job{
			Kind:          queue.KindExecuteStep,
			TransactionID: tx.ID,
			StepName:      next.StepName,
			Attempt:       next.Attempts + 1,
		}, 0)
	case StepFailed:
		// The step failed but the transaction never left PROCESSING.
		return o.escalate(ctx, op, tx, next, fmt.Errorf("%w: %s", ErrStepExecution, next.ErrorMessage))
	default:
		return newError(KindConflict, op, tx, next,
			conflict("step", next.ID, "pending or failed", next.Status))
	}
}

func (o *Orchestrator) complete(ctx context.Context, op string, tx *Transaction) error {
	tx.ErrorMessage = ""
	if err := o.transition(ctx, op, tx, StatusCompleted); err != nil {
		return err
	}
	o.recordEnd(ctx, tx)
	o.log().Info("saga completed",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID,
		"transaction_type", tx.TransactionType)
	o.publish(ctx, EventSagaCompleted, tx)
	return nil
}

// escalate marks step FAILED, moves tx to COMPENSATING and queues compensation.
func (o *Orchestrator) escalate(ctx context.Context, op string, tx *Transaction, step *SagaStep, cause error) error {
	if step.Status != StepFailed {
		step.Status = StepFailed
		step.ErrorMessage = cause.Error()
		if err := o.saveStep(ctx, op, tx, step, StepPending); err != nil {
			return err
		}
	}

	tx.ErrorMessage = fmt.Sprintf("step %s failed: %v", step.StepName, cause)
	if err := o.transition(ctx, op, tx, StatusCompensating); err != nil {
		return err
	}
	o.log().Warn("step failed, compensating",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID,
		"step", step.StepName,
		"step_id", step.ID,
		"attempts", step.Attempts,
		"error", cause)

	return o.enqueue(ctx, queue.Job{Kind: queue.KindCompensateSaga, TransactionID: tx.ID}, 0)
}

// CompensateSaga undoes the completed steps of a COMPENSATING transaction in
// descending step order.
//
// When every compensation succeeds the transaction becomes COMPENSATED. The
// first failing compensation stops the walk and moves the transaction to
// FAILED; the returned error then matches ErrCompensation. A FAILED
// transaction is never retried automatically.
func (o *Orchestrator) CompensateSaga(ctx context.Context, transactionID string) error {
	return o.withLease(ctx, transactionID, func(ctx context.Context) error {
		return o.compensateSaga(ctx, transactionID)
	})
}

func (o *Orchestrator) compensateSaga(ctx context.Context, transactionID string) error {
	const op = "compensate saga"

	tx, steps, err := o.load(ctx, op, transactionID)
	if err != nil {
		return err
	}
	if tx.Status != StatusCompensating {
		o.log().Debug("ignoring compensate request",
			"transaction_id", tx.ID,
			"status", tx.Status)
		return nil
	}

	o.log().Info("starting compensation",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID)

	for i := len(steps) - 1; i >= 0; i-- {
		step := steps[i]
		if step.Status != StepCompleted {
			continue
		}
		if err := o.compensateStep(ctx, op, tx, step); err != nil {
			return err
		}
	}

	if err := o.transition(ctx, op, tx, StatusCompensated); err != nil {
		return err
	}
	o.recordEnd(ctx, tx)
	o.log().Info("saga compensated",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID)
	o.publish(ctx, EventSagaCompensated, tx)
	return nil
}

func (o *Orchestrator) compensateStep(ctx context.Context, op string, tx *Transaction, step *SagaStep) error {
	sd, err := o.stepDefinition(op, tx, step)
	if err != nil {
		return err
	}
	handler, err := o.registry.Handler(sd.CompensationHandler)
	if err != nil {
		return newError(KindNotFound, op, tx, step, err)
	}

	o.log().Info("compensating step",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID,
		"step", step.StepName)

	start := time.Now()
	cerr := o.invoke(ctx, "saga.compensate", tx, step, o.timeoutFor(sd), 0, func(ctx context.Context, in *StepInput) error {
		in.Data = clonePayload(step.CompensationData)
		return handler.Compensate(ctx, in)
	})

	if cerr != nil {
		o.metrics.RecordCompensation(ctx, tx.TransactionType, step.StepName, ResultFailure, time.Since(start))
		return o.failCompensation(context.WithoutCancel(ctx), op, tx, step, cerr)
	}
	o.metrics.RecordCompensation(ctx, tx.TransactionType, step.StepName, ResultSuccess, time.Since(start))

	step.Status = StepCompensated
	step.ErrorMessage = ""
	return o.saveStep(ctx, op, tx, step, StepCompleted)
}

// failCompensation records a failed compensation and moves tx to FAILED.
func (o *Orchestrator) failCompensation(ctx context.Context, op string, tx *Transaction, step *SagaStep, cause error) error {
	step.ErrorMessage = fmt.Sprintf("compensation failed: %v", cause)
	if err := o.saveStep(ctx, op, tx, step, StepCompleted); err != nil {
		o.log().Error("failed to record compensation error",
			"transaction_id", tx.ID,
			"step", step.StepName,
			"error", err)
	}

	failure := newError(KindCompensation, op, tx, step, cause)
	tx.ErrorMessage = failure.Error()
	if err := o.transition(ctx, op, tx, StatusFailed); err != nil {
		return err
	}
	o.recordEnd(ctx, tx)
	o.log().Error("compensation failed, saga needs attention",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID,
		"transaction_type", tx.TransactionType,
		"user_id", tx.UserID,
		"amount", tx.Amount,
		"asset", tx.Asset,
		"step", step.StepName,
		"step_id", step.ID,
		"retry_count", tx.RetryCount,
		"error", cause)
	o.publish(ctx, EventSagaFailed, tx)
	return failure
}

func (o *Orchestrator) timeoutFor(sd StepDefinition) time.Duration {
	if sd.Timeout > 0 {
		return sd.Timeout
	}
	return o.stepTimeout
}

// invoke runs a handler call inside a span and under the step timeout.
// A timeout surfaces as an error wrapping context.DeadlineExceeded.
func (o *Orchestrator) invoke(ctx context.Context, spanName string, tx *Transaction, step *SagaStep, timeout time.Duration, attempt int, call func(ctx context.Context, in *StepInput) error) error {
	ctx, span := o.tracer.Start(ctx, spanName, trace.WithAttributes(stepAttributes(tx, step, attempt)...))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	in := &StepInput{
		TransactionID:   tx.ID,
		SagaID:          tx.SagaID,
		TransactionType: tx.TransactionType,
		UserID:          tx.UserID,
		Amount:          tx.Amount,
		Asset:           tx.Asset,
		IdempotencyKey:  tx.IdempotencyKey,
		StepName:        step.StepName,
		StepOrder:       step.StepOrder,
		Attempt:         attempt,
		Generation:      step.Generation,
		Metadata:        clonePayload(tx.Metadata),
	}

	err := safeCall(callCtx, in, call)
	if err == nil && callCtx.Err() != nil {
		// The handler ignored its deadline.
		err = callCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("step %s timed out after %s: %w", step.StepName, timeout, err)
	}
	recordSpanError(span, err)
	return err
}

// safeCall turns a handler panic into an error.
func safeCall(ctx context.Context, in *StepInput, call func(ctx context.Context, in *StepInput) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return call(ctx, in)
}

// RetryFailedSaga re-runs a FAILED transaction from its first non-completed step.
//
// The transaction's retry budget bounds how often this may happen; once
// RetryCount reaches MaxRetries every call fails with ErrRetryLimitExceeded
// and nothing runs. A transaction that is not FAILED fails with ErrConflict.
//
// Completed steps are preserved. Failed steps, and steps whose effects
// compensation reversed, run again from scratch.
func (o *Orchestrator) RetryFailedSaga(ctx context.Context, transactionID string) (*Transaction, error) {
	const op = "retry saga"

	var retried *Transaction
	err := o.withLease(ctx, transactionID, func(ctx context.Context) error {
		tx, err := o.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return wrapStoreError(op, &Transaction{ID: transactionID}, nil, err)
		}
		if tx.RetryCount >= tx.MaxRetries {
			return newError(KindRetryLimitExceeded, op, tx, nil,
				fmt.Errorf("%d of %d retries used", tx.RetryCount, tx.MaxRetries))
		}
		if tx.Status != StatusFailed {
			return newError(KindConflict, op, tx, nil,
				conflict("transaction", tx.ID, StatusFailed, tx.Status))
		}
		if err := checkTransition(tx, StatusPending); err != nil {
			return newError(KindConflict, op, tx, nil, err)
		}

		tx.RetryCount++
		tx.Status = StatusPending
		tx.ErrorMessage = ""
		tx.UpdatedAt = time.Now().UTC()
		if err := o.store.ResetForRetry(ctx, tx, StatusFailed, []StepStatus{StepFailed, StepCompensated}); err != nil {
			return wrapStoreError(op, tx, nil, err)
		}
		retried = tx
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLeaseNotAcquired) {
			return nil, newError(KindConflict, op, &Transaction{ID: transactionID}, nil, err)
		}
		return nil, err
	}

	o.metrics.RecordTransactionStart(ctx, retried.TransactionType)
	o.log().Info("retrying saga",
		"transaction_id", retried.ID,
		"saga_id", retried.SagaID,
		"retry_count", retried.RetryCount,
		"max_retries", retried.MaxRetries)

	if err := o.enqueue(ctx, queue.Job{Kind: queue.KindExecuteSaga, TransactionID: retried.ID}, 0); err != nil {
		o.log().Error("failed to queue saga retry",
			"transaction_id", retried.ID,
			"error", err)
	}
	return retried, nil
}

// RetryTransaction is an alias for RetryFailedSaga.
func (o *Orchestrator) RetryTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	return o.RetryFailedSaga(ctx, transactionID)
}

// CancelTransaction cancels a PENDING, PROCESSING or FAILED transaction.
// Completed steps are not compensated. A COMPENSATING transaction must finish
// its rollback first, and terminal transactions cannot be cancelled; both fail
// with ErrConflict, as does a transaction whose lease another worker holds.
func (o *Orchestrator) CancelTransaction(ctx context.Context, transactionID string) (*Transaction, error) {
	const op = "cancel transaction"

	var cancelled *Transaction
	err := o.withLease(ctx, transactionID, func(ctx context.Context) error {
		tx, err := o.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return wrapStoreError(op, &Transaction{ID: transactionID}, nil, err)
		}
		if tx.Status.Terminal() || tx.Status == StatusCompensating {
			return newError(KindConflict, op, tx, nil,
				conflict("transaction", tx.ID, "cancellable status", tx.Status))
		}
		if err := o.cancel(ctx, op, tx, "cancelled"); err != nil {
			return err
		}
		cancelled = tx
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLeaseNotAcquired) {
			return nil, newError(KindConflict, op, &Transaction{ID: transactionID}, nil, err)
		}
		return nil, err
	}
	return cancelled, nil
}

func (o *Orchestrator) cancel(ctx context.Context, op string, tx *Transaction, reason string) error {
	tx.ErrorMessage = reason
	if err := o.transition(ctx, op, tx, StatusCancelled); err != nil {
		return err
	}
	o.recordEnd(ctx, tx)
	o.log().Info("saga cancelled",
		"transaction_id", tx.ID,
		"saga_id", tx.SagaID,
		"reason", reason)
	o.publish(ctx, EventSagaCancelled, tx)
	return nil
}

// AbortTransaction rolls back a PROCESSING transaction through the
// compensation path: it moves to COMPENSATING and its completed steps are
// compensated in reverse order.
func (o *Orchestrator) AbortTransaction(ctx context.Context, transactionID, reason string) (*Transaction, error) {
	const op = "abort transaction"

	var aborted *Transaction
	err := o.withLease(ctx, transactionID, func(ctx context.Context) error {
		tx, err := o.store.GetTransaction(ctx, transactionID)
		if err != nil {
			return wrapStoreError(op, &Transaction{ID: transactionID}, nil, err)
		}
		if tx.Status != StatusProcessing {
			return newError(KindConflict, op, tx, nil,
				conflict("transaction", tx.ID, StatusProcessing, tx.Status))
		}
		if reason == "" {
			reason = "aborted"
		}
		tx.ErrorMessage = reason
		if err := o.transition(ctx, op, tx, StatusCompensating); err != nil {
			return err
		}
		aborted = tx
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrLeaseNotAcquired) {
			return nil, newError(KindConflict, op, &Transaction{ID: transactionID}, nil, err)
		}
		return nil, err
	}

	o.log().Warn("saga aborted",
		"transaction_id", aborted.ID,
		"saga_id", aborted.SagaID,
		"reason", reason)
	if err := o.enqueue(ctx, queue.Job{Kind: queue.KindCompensateSaga, TransactionID: aborted.ID}, 0); err != nil {
		o.log().Error("failed to queue compensation",
			"transaction_id", aborted.ID,
			"error", err)
	}
	return aborted, nil
}

// GetTransactionByID returns a transaction by ID.
func (o *Orchestrator) GetTransactionByID(ctx context.Context, id string) (*Transaction, error) {
	tx, err := o.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, wrapStoreError("get transaction", &Transaction{ID: id}, nil, err)
	}
	return tx, nil
}

// GetSagaStatus returns the transaction for a saga ID.
func (o *Orchestrator) GetSagaStatus(ctx context.Context, sagaID string) (*Transaction, error) {
	tx, err := o.store.GetTransactionBySagaID(ctx, sagaID)
	if err != nil {
		return nil, wrapStoreError("get saga status", &Transaction{SagaID: sagaID}, nil, err)
	}
	return tx, nil
}

// GetSteps returns a transaction's steps in step order.
func (o *Orchestrator) GetSteps(ctx context.Context, transactionID string) ([]*SagaStep, error) {
	if _, err := o.GetTransactionByID(ctx, transactionID); err != nil {
		return nil, err
	}
	steps, err := o.store.ListSteps(ctx, transactionID)
	if err != nil {
		return nil, wrapStoreError("get steps", &Transaction{ID: transactionID}, nil, err)
	}
	return steps, nil
}

// ListTransactions lists transactions matching the filter.
func (o *Orchestrator) ListTransactions(ctx context.Context, filter Filter) ([]*Transaction, error) {
	txs, err := o.store.ListTransactions(ctx, filter)
	if err != nil {
		return nil, wrapStoreError("list transactions", nil, nil, err)
	}
	return txs, nil
}
