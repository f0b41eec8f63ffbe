package saga

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// runLockerTests runs the common Locker contract. expire makes every lease
// granted so far time out.
func runLockerTests(t *testing.T, locker Locker, expire func()) {
	ctx := context.Background()

	t.Run("exclusive", func(t *testing.T) {
		lease, err := locker.Acquire(ctx, "tx-exclusive", time.Minute, 0)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}

		if _, err := locker.Acquire(ctx, "tx-exclusive", time.Minute, 30*time.Millisecond); !errors.Is(err, ErrLeaseNotAcquired) {
			t.Fatalf("expected ErrLeaseNotAcquired, got %v", err)
		}
		other, err := locker.Acquire(ctx, "tx-other", time.Minute, 0)
		if err != nil {
			t.Fatalf("unrelated key should be free: %v", err)
		}
		_ = other.Release(ctx)

		if err := lease.Release(ctx); err != nil {
			t.Fatalf("Release failed: %v", err)
		}
		again, err := locker.Acquire(ctx, "tx-exclusive", time.Minute, 0)
		if err != nil {
			t.Fatalf("Acquire after release failed: %v", err)
		}
		_ = again.Release(ctx)
	})

	t.Run("waits for release", func(t *testing.T) {
		lease, err := locker.Acquire(ctx, "tx-wait", time.Minute, 0)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = lease.Release(context.Background())
		}()

		next, err := locker.Acquire(ctx, "tx-wait", time.Minute, 2*time.Second)
		if err != nil {
			t.Fatalf("waiting Acquire failed: %v", err)
		}
		_ = next.Release(ctx)
	})

	t.Run("expired lease is taken over", func(t *testing.T) {
		stale, err := locker.Acquire(ctx, "tx-expire", 50*time.Millisecond, 0)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		expire()

		owner, err := locker.Acquire(ctx, "tx-expire", time.Minute, 0)
		if err != nil {
			t.Fatalf("expected expired lease to be free: %v", err)
		}

		// The old holder's release must not free the new holder's lease.
		if err := stale.Release(ctx); err != nil {
			t.Fatalf("releasing an expired lease failed: %v", err)
		}
		if _, err := locker.Acquire(ctx, "tx-expire", time.Minute, 0); !errors.Is(err, ErrLeaseNotAcquired) {
			t.Errorf("expected lease still held, got %v", err)
		}
		_ = owner.Release(ctx)
	})

	t.Run("cancelled context", func(t *testing.T) {
		lease, err := locker.Acquire(ctx, "tx-cancel", time.Minute, 0)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		defer lease.Release(ctx)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		if got, err := locker.Acquire(cctx, "tx-cancel", time.Minute, time.Second); err == nil {
			_ = got.Release(ctx)
			t.Error("expected error for cancelled context")
		}
	})
}

func TestMemoryLocker(t *testing.T) {
	runLockerTests(t, NewMemoryLocker(), func() { time.Sleep(60 * time.Millisecond) })
}

func TestRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client).WithKeyPrefix("test:lease:")
	runLockerTests(t, locker, func() { mr.FastForward(time.Second) })

	t.Run("prefixed key with ttl", func(t *testing.T) {
		lease, err := locker.Acquire(context.Background(), "tx-key", time.Minute, 0)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		if !mr.Exists("test:lease:tx-key") {
			t.Fatal("expected lease key")
		}
		if ttl := mr.TTL("test:lease:tx-key"); ttl <= 0 || ttl > time.Minute {
			t.Errorf("expected ttl up to a minute, got %s", ttl)
		}
		_ = lease.Release(context.Background())
		if mr.Exists("test:lease:tx-key") {
			t.Error("expected key removed on release")
		}
	})
}
