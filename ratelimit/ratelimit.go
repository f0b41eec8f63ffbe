// Package ratelimit throttles work dispatch.
//
// The saga executor takes a Limiter to cap how fast jobs reach step handlers,
// which protects downstream balance, chain and notification services during
// a backlog or a recovery sweep.
//
// Implementations:
//   - TokenBucket: in-process token bucket on golang.org/x/time/rate
//   - MetricsLimiter: wraps any Limiter with OpenTelemetry metrics
package ratelimit

import (
	"context"
	"time"
)

// Limiter controls how frequently events may happen.
type Limiter interface {
	// Allow reports whether an event may happen now, consuming a token if so.
	Allow(ctx context.Context) bool

	// Wait blocks until an event may happen or ctx is done.
	Wait(ctx context.Context) error

	// Reserve claims a future event slot.
	Reserve(ctx context.Context) Reservation
}

// Reservation is a claimed future event slot.
type Reservation interface {
	// OK reports whether the limiter can ever grant the reservation.
	OK() bool

	// Delay is how long the caller must wait before acting.
	Delay() time.Duration

	// Cancel returns the slot to the limiter.
	Cancel()
}
