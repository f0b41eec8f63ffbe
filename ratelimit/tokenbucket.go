package ratelimit

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket is an in-process Limiter.
//
// Tokens refill at a fixed rate up to burst; each event takes one token.
//
// Example:
//
//	// 50 step dispatches per second, bursts of up to 100
//	limiter := ratelimit.NewTokenBucket("dispatch", 50, 100)
type TokenBucket struct {
	name    string
	limiter *rate.Limiter
	burst   int
}

// NewTokenBucket creates a token bucket refilling perSecond tokens per second.
// A perSecond of zero or less means unlimited.
func NewTokenBucket(name string, perSecond float64, burst int) *TokenBucket {
	if burst < 1 {
		burst = 1
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &TokenBucket{
		name:    name,
		limiter: rate.NewLimiter(limit, burst),
		burst:   burst,
	}
}

// Name returns the limiter name.
func (b *TokenBucket) Name() string {
	return b.name
}

// Allow reports whether an event may happen now.
func (b *TokenBucket) Allow(ctx context.Context) bool {
	return b.limiter.Allow()
}

// Wait blocks until an event may happen or ctx is done.
func (b *TokenBucket) Wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("ratelimit %s: %w", b.name, err)
	}
	return nil
}

// Reserve claims a future event slot.
func (b *TokenBucket) Reserve(ctx context.Context) Reservation {
	return tokenReservation{r: b.limiter.Reserve()}
}

// Remaining returns the number of whole tokens currently available.
func (b *TokenBucket) Remaining() int {
	tokens := b.limiter.Tokens()
	if tokens < 0 {
		return 0
	}
	return int(tokens)
}

type tokenReservation struct {
	r *rate.Reservation
}

func (t tokenReservation) OK() bool             { return t.r.OK() }
func (t tokenReservation) Delay() time.Duration { return t.r.Delay() }
func (t tokenReservation) Cancel()              { t.r.Cancel() }

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
