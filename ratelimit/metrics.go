package ratelimit

import (
	"context"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Reasons attached to denied dispatches.
const (
	DenyExhausted   = "exhausted"   // Allow found no token
	DenyCancelled   = "cancelled"   // Wait gave up before a token arrived
	DenyUnreachable = "unreachable" // Reserve can never be granted
)

// throttleThreshold is the wait above which a grant counts as throttled.
const throttleThreshold = time.Millisecond

// Metrics records how a dispatch limiter shapes job flow.
//
// All methods are nil-safe, so a limiter may be built with nil metrics.
//
// Instruments (prefixed by the namespace, if any):
//   - dispatch_granted_total: dispatches let through
//   - dispatch_throttled_total: grants that had to wait for a token
//   - dispatch_denied_total: dispatches refused, by reason
//   - dispatch_wait_seconds: time spent waiting for a token
//   - dispatch_tokens_available: tokens left in each observed bucket
type Metrics struct {
	granted   metric.Int64Counter
	throttled metric.Int64Counter
	denied    metric.Int64Counter
	wait      metric.Float64Histogram

	mu      deadlock.Mutex
	buckets map[string]remainer
}

type remainer interface {
	Remaining() int
}

type metricsOptions struct {
	meterProvider metric.MeterProvider
	namespace     string
}

// MetricsOption configures Metrics.
type MetricsOption func(*metricsOptions)

// WithMeterProvider sets the meter provider. Defaults to the global provider.
func WithMeterProvider(provider metric.MeterProvider) MetricsOption {
	return func(o *metricsOptions) {
		if provider != nil {
			o.meterProvider = provider
		}
	}
}

// WithMetricsNamespace prefixes instrument names, so "escrowd" yields
// "escrowd_dispatch_granted_total".
func WithMetricsNamespace(namespace string) MetricsOption {
	return func(o *metricsOptions) {
		o.namespace = namespace
	}
}

// NewMetrics creates the dispatch instruments.
func NewMetrics(opts ...MetricsOption) (*Metrics, error) {
	o := &metricsOptions{meterProvider: otel.GetMeterProvider()}
	for _, opt := range opts {
		opt(o)
	}
	name := func(s string) string {
		if o.namespace == "" {
			return s
		}
		return o.namespace + "_" + s
	}

	meter := o.meterProvider.Meter("github.com/rbaliyan/escrow/ratelimit")
	m := &Metrics{buckets: make(map[string]remainer)}

	var err error
	if m.granted, err = meter.Int64Counter(name("dispatch_granted_total"),
		metric.WithDescription("Dispatches let through the limiter"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.throttled, err = meter.Int64Counter(name("dispatch_throttled_total"),
		metric.WithDescription("Dispatches that waited for a token"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.denied, err = meter.Int64Counter(name("dispatch_denied_total"),
		metric.WithDescription("Dispatches refused by the limiter"),
		metric.WithUnit("{job}")); err != nil {
		return nil, err
	}
	if m.wait, err = meter.Float64Histogram(name("dispatch_wait_seconds"),
		metric.WithDescription("Time a dispatch waited for a token"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30)); err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(name("dispatch_tokens_available"),
		metric.WithDescription("Tokens left in the bucket"),
		metric.WithUnit("{token}"),
		metric.WithInt64Callback(m.observeTokens))
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) observeTokens(_ context.Context, o metric.Int64Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for limiter, b := range m.buckets {
		o.Observe(int64(b.Remaining()), metric.WithAttributes(attribute.String("limiter", limiter)))
	}
	return nil
}

// track reports the bucket's remaining tokens under the limiter name.
func (m *Metrics) track(limiter string, b remainer) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.buckets[limiter] = b
	m.mu.Unlock()
}

// RecordGrant records a dispatch let through after waiting for waited.
func (m *Metrics) RecordGrant(ctx context.Context, limiter string, waited time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("limiter", limiter))
	m.granted.Add(ctx, 1, attrs)
	m.wait.Record(ctx, waited.Seconds(), attrs)
	if waited >= throttleThreshold {
		m.throttled.Add(ctx, 1, attrs)
	}
}

// RecordDenied records a refused dispatch.
func (m *Metrics) RecordDenied(ctx context.Context, limiter, reason string) {
	if m == nil {
		return
	}
	m.denied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter", limiter),
		attribute.String("reason", reason),
	))
}

// MetricsLimiter wraps a Limiter and records every decision it makes.
// When the wrapped limiter reports its remaining tokens, they are exported
// as a gauge.
//
//	metrics, _ := ratelimit.NewMetrics()
//	limiter := ratelimit.NewMetricsLimiter(ratelimit.NewTokenBucket("dispatch", 50, 100), "dispatch", metrics)
//	exec := saga.NewExecutor(orch, saga.WithLimiter(limiter))
type MetricsLimiter struct {
	limiter Limiter
	name    string
	metrics *Metrics
}

// NewMetricsLimiter wraps limiter. Metrics may be nil.
func NewMetricsLimiter(limiter Limiter, name string, metrics *Metrics) *MetricsLimiter {
	if b, ok := limiter.(remainer); ok {
		metrics.track(name, b)
	}
	return &MetricsLimiter{limiter: limiter, name: name, metrics: metrics}
}

// Allow reports whether a dispatch may happen now.
func (m *MetricsLimiter) Allow(ctx context.Context) bool {
	if !m.limiter.Allow(ctx) {
		m.metrics.RecordDenied(ctx, m.name, DenyExhausted)
		return false
	}
	m.metrics.RecordGrant(ctx, m.name, 0)
	return true
}

// Wait blocks until a dispatch may happen or ctx is done.
func (m *MetricsLimiter) Wait(ctx context.Context) error {
	start := time.Now()
	if err := m.limiter.Wait(ctx); err != nil {
		m.metrics.RecordDenied(ctx, m.name, DenyCancelled)
		return err
	}
	m.metrics.RecordGrant(ctx, m.name, time.Since(start))
	return nil
}

// Reserve claims a future dispatch slot. The grant is recorded with the
// delay the caller will have to wait.
func (m *MetricsLimiter) Reserve(ctx context.Context) Reservation {
	r := m.limiter.Reserve(ctx)
	if !r.OK() {
		m.metrics.RecordDenied(ctx, m.name, DenyUnreachable)
		return r
	}
	m.metrics.RecordGrant(ctx, m.name, r.Delay())
	return r
}

// Unwrap returns the underlying limiter.
func (m *MetricsLimiter) Unwrap() Limiter {
	return m.limiter
}

var _ Limiter = (*MetricsLimiter)(nil)
