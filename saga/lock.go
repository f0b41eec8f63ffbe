package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
)

// ErrLeaseNotAcquired is returned when a lease could not be obtained within
// the wait bound. The caller should hand its work back to the queue.
var ErrLeaseNotAcquired = errors.New("lease not acquired")

// errLeaseBusy marks one failed attempt during polling.
var errLeaseBusy = errors.New("lease busy")

// Locker grants per-transaction leases.
//
// A lease serializes all work on one transaction across workers and processes.
// Leases expire after their TTL, so a crashed holder cannot block a saga forever.
type Locker interface {
	// Acquire obtains the lease for key, waiting at most wait.
	Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error)
}

// Lease is a held lock.
type Lease interface {
	// Release gives the lease up. Releasing an expired lease is not an error.
	Release(ctx context.Context) error
}

const leasePollInterval = 20 * time.Millisecond

// pollAcquire retries try until it succeeds or wait elapses.
func pollAcquire(ctx context.Context, wait time.Duration, try func(ctx context.Context) (bool, error)) error {
	if wait <= 0 {
		wait = leasePollInterval
	}
	err := retry.Do(ctx,
		retry.WithMaxDuration(wait, retry.NewConstant(leasePollInterval)),
		func(ctx context.Context) error {
			ok, err := try(ctx)
			if err != nil {
				return err
			}
			if !ok {
				return retry.RetryableError(errLeaseBusy)
			}
			return nil
		})
	if errors.Is(err, errLeaseBusy) {
		return ErrLeaseNotAcquired
	}
	return err
}

type memoryLeaseEntry struct {
	token     string
	expiresAt time.Time
}

// MemoryLocker is an in-process Locker.
type MemoryLocker struct {
	mu     deadlock.Mutex
	leases map[string]memoryLeaseEntry
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: make(map[string]memoryLeaseEntry)}
}

func (l *MemoryLocker) tryAcquire(key, token string, ttl time.Duration) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if cur, held := l.leases[key]; held && now.Before(cur.expiresAt) {
		return false
	}
	l.leases[key] = memoryLeaseEntry{token: token, expiresAt: now.Add(ttl)}
	return true
}

// Acquire obtains the lease for key, waiting at most wait.
func (l *MemoryLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	token := uuid.NewString()
	err := pollAcquire(ctx, wait, func(context.Context) (bool, error) {
		return l.tryAcquire(key, token, ttl), nil
	})
	if err != nil {
		return nil, err
	}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()

	if cur, ok := m.locker.leases[m.key]; ok && cur.token == m.token {
		delete(m.locker.leases, m.key)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX PX with a random token.
// Release deletes the key only if it still holds the caller's token.
type RedisLocker struct {
	client redis.Cmdable
	prefix string
}

// NewRedisLocker creates a Redis-backed locker.
//
// Default key prefix: "saga:lease:".
func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client, prefix: "saga:lease:"}
}

// WithKeyPrefix sets a custom key prefix.
func (l *RedisLocker) WithKeyPrefix(prefix string) *RedisLocker {
	l.prefix = prefix
	return l
}

// Acquire obtains the lease for key, waiting at most wait.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (Lease, error) {
	token := uuid.NewString()
	fullKey := l.prefix + key
	err := pollAcquire(ctx, wait, func(ctx context.Context) (bool, error) {
		ok, err := l.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("setnx: %w", err)
		}
		return ok, nil
	})
	if err != nil {
		return nil, err
	}
	return &redisLease{client: l.client, key: fullKey, token: token}, nil
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
}

func (r *redisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Err(); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// Compile-time checks
var (
	_ Locker = (*MemoryLocker)(nil)
	_ Locker = (*RedisLocker)(nil)
)
