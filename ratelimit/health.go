package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/rbaliyan/event/v3/health"
)

// Health reports the bucket's remaining capacity.
//
// Returns health.StatusDegraded when fewer than 10% of the burst tokens are
// left, which means dispatch is being throttled.
func (b *TokenBucket) Health(ctx context.Context) *health.Result {
	start := time.Now()
	remaining := b.Remaining()

	status := health.StatusHealthy
	message := ""

	threshold := b.burst / 10
	if threshold < 1 {
		threshold = 1
	}
	if remaining < threshold {
		status = health.StatusDegraded
		message = fmt.Sprintf("low capacity: %d/%d remaining", remaining, b.burst)
	}

	return &health.Result{
		Status:    status,
		Message:   message,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"remaining": remaining,
			"burst":     b.burst,
			"rate":      float64(b.limiter.Limit()),
			"name":      b.name,
		},
	}
}

// Health reports the wrapped limiter's health, or healthy if it has no check.
func (m *MetricsLimiter) Health(ctx context.Context) *health.Result {
	if checker, ok := m.limiter.(health.Checker); ok {
		return checker.Health(ctx)
	}
	return &health.Result{
		Status:    health.StatusHealthy,
		CheckedAt: time.Now(),
		Details:   map[string]any{"name": m.name},
	}
}

// Compile-time checks
var (
	_ health.Checker = (*TokenBucket)(nil)
	_ health.Checker = (*MetricsLimiter)(nil)
)
