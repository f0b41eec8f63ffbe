package saga

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Step results recorded by MetricsRecorder.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultRetry   = "retry"
	ResultTimeout = "timeout"
)

// MetricsRecorder records saga metrics using OpenTelemetry.
//
// All methods are nil-safe; calling methods on a nil *MetricsRecorder is a no-op.
//
// Metrics recorded:
//   - saga_transactions_total: Counter of transactions by type and resulting status
//   - saga_step_executions_total: Counter of step attempts by step name and result
//   - saga_compensation_steps_total: Counter of compensation handler calls by result
//   - saga_transaction_duration_seconds: Histogram of creation-to-terminal duration
//   - saga_step_duration_seconds: Histogram of handler duration
//   - saga_active_count: Gauge of transactions started but not yet terminal in this process
//
// Example:
//
//	recorder := saga.NewMetricsRecorder("escrowd")
//	orch, err := saga.NewOrchestrator(registry, store, jobs, saga.WithMetrics(recorder))
type MetricsRecorder struct {
	meterName string
	provider  metric.MeterProvider
	meter     metric.Meter

	transactions      metric.Int64Counter
	stepExecutions    metric.Int64Counter
	compensationSteps metric.Int64Counter

	transactionDuration metric.Float64Histogram
	stepDuration        metric.Float64Histogram

	activeCount int64
	activeGauge metric.Int64ObservableGauge

	initOnce sync.Once
	initErr  error
}

// MetricsOption configures a MetricsRecorder.
type MetricsOption func(*MetricsRecorder)

// WithMeterProvider sets a custom OpenTelemetry meter provider.
//
// If not set, the global meter provider is used when the first metric is recorded.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(m *MetricsRecorder) {
		if provider != nil {
			m.provider = provider
		}
	}
}

// NewMetricsRecorder creates a new metrics recorder.
//
// The meterName is used to create the OpenTelemetry meter and should be
// unique to your application (e.g., "escrowd" or "github.com/myorg/escrowd").
func NewMetricsRecorder(meterName string, opts ...MetricsOption) *MetricsRecorder {
	m := &MetricsRecorder{meterName: meterName}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// init lazily initializes the metrics instruments.
// This allows the recorder to be created before the OTel SDK is configured.
func (m *MetricsRecorder) init() error {
	m.initOnce.Do(func() {
		provider := m.provider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		m.meter = provider.Meter(m.meterName)

		m.transactions, m.initErr = m.meter.Int64Counter(
			"saga_transactions_total",
			metric.WithDescription("Total number of saga transactions by resulting status"),
			metric.WithUnit("{transaction}"),
		)
		if m.initErr != nil {
			return
		}

		m.stepExecutions, m.initErr = m.meter.Int64Counter(
			"saga_step_executions_total",
			metric.WithDescription("Total number of step attempts"),
			metric.WithUnit("{execution}"),
		)
		if m.initErr != nil {
			return
		}

		m.compensationSteps, m.initErr = m.meter.Int64Counter(
			"saga_compensation_steps_total",
			metric.WithDescription("Total number of compensation step executions"),
			metric.WithUnit("{execution}"),
		)
		if m.initErr != nil {
			return
		}

		m.transactionDuration, m.initErr = m.meter.Float64Histogram(
			"saga_transaction_duration_seconds",
			metric.WithDescription("Duration from transaction creation to a terminal status in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300, 900),
		)
		if m.initErr != nil {
			return
		}

		m.stepDuration, m.initErr = m.meter.Float64Histogram(
			"saga_step_duration_seconds",
			metric.WithDescription("Duration of individual step handler calls in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60),
		)
		if m.initErr != nil {
			return
		}

		m.activeGauge, m.initErr = m.meter.Int64ObservableGauge(
			"saga_active_count",
			metric.WithDescription("Number of transactions started and not yet terminal"),
			metric.WithUnit("{transaction}"),
			metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
				o.Observe(atomic.LoadInt64(&m.activeCount))
				return nil
			}),
		)
	})

	return m.initErr
}

// RecordTransactionStart records a newly created transaction.
func (m *MetricsRecorder) RecordTransactionStart(ctx context.Context, transactionType string) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}
	atomic.AddInt64(&m.activeCount, 1)
	m.transactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("transaction_type", transactionType),
		attribute.String("status", string(StatusPending)),
	))
}

// RecordTransactionEnd records a transaction reaching an outcome status
// (completed, compensated, failed or cancelled).
func (m *MetricsRecorder) RecordTransactionEnd(ctx context.Context, transactionType string, status TransactionStatus, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	if atomic.AddInt64(&m.activeCount, -1) < 0 {
		// Transactions started by another process finish here too.
		atomic.StoreInt64(&m.activeCount, 0)
	}

	attrs := metric.WithAttributes(
		attribute.String("transaction_type", transactionType),
		attribute.String("status", string(status)),
	)
	m.transactions.Add(ctx, 1, attrs)
	m.transactionDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordStepExecution records one step attempt.
// The result is one of ResultSuccess, ResultFailure, ResultRetry or ResultTimeout.
func (m *MetricsRecorder) RecordStepExecution(ctx context.Context, transactionType, stepName, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("transaction_type", transactionType),
		attribute.String("step_name", stepName),
		attribute.String("result", result),
	)

	m.stepExecutions.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordCompensation records a compensation handler call.
// The result should be ResultSuccess or ResultFailure.
func (m *MetricsRecorder) RecordCompensation(ctx context.Context, transactionType, stepName, result string, duration time.Duration) {
	if m == nil {
		return
	}
	if err := m.init(); err != nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("transaction_type", transactionType),
		attribute.String("step_name", stepName),
		attribute.String("result", result),
	)

	m.compensationSteps.Add(ctx, 1, attrs)
	m.stepDuration.Record(ctx, duration.Seconds(), attrs)
}
