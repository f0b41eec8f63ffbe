package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

- Hash:       saga:tx:{id}              - fields "status" and "data" (JSON transaction)
- Hash:       saga:step:{id}            - fields "status" and "data" (JSON step)
- Sorted Set: saga:steps:{txID}         - step IDs scored by step order
- String:     saga:idem:{key}           - transaction ID for an idempotency key
- String:     saga:saga:{sagaID}        - transaction ID for a saga ID
- Set:        saga:by_status:{status}   - transaction IDs in a given status
- Sorted Set: saga:by_updated           - transaction IDs scored by update time (ms)

Every write is a Lua script, so the status check and the write (and the
index maintenance) are atomic. Scripts touch several keys, so the store
targets a single node or Sentinel deployment rather than Cluster.
*/

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
if redis.call('EXISTS', KEYS[3]) == 1 then
	return -1
end
redis.call('SET', KEYS[1], ARGV[1])
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[3], 'status', ARGV[2], 'data', ARGV[3])
redis.call('SADD', KEYS[5], ARGV[1])
redis.call('ZADD', KEYS[6], ARGV[4], ARGV[1])
local n = (#ARGV - 4) / 4
for i = 0, n - 1 do
	local a = 5 + i * 4
	redis.call('HSET', KEYS[7 + i], 'status', ARGV[a + 2], 'data', ARGV[a + 3])
	redis.call('ZADD', KEYS[4], ARGV[a + 1], ARGV[a])
end
return 1
`)

// KEYS: tx, old status set, new status set, by_updated, step keys...
// ARGV: expected, new status, data, score, id, n reset statuses, statuses..., reset step data...
var casTransactionScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur ~= ARGV[1] then
	return cur
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
if KEYS[2] ~= KEYS[3] then
	redis.call('SREM', KEYS[2], ARGV[5])
	redis.call('SADD', KEYS[3], ARGV[5])
end
redis.call('ZADD', KEYS[4], ARGV[4], ARGV[5])
local m = tonumber(ARGV[6])
if m > 0 then
	local reset = {}
	for i = 1, m do
		reset[ARGV[6 + i]] = true
	end
	for i = 5, #KEYS do
		local st = redis.call('HGET', KEYS[i], 'status')
		if st and reset[st] then
			redis.call('HSET', KEYS[i], 'status', 'PENDING', 'data', ARGV[6 + m + i - 4])
		end
	end
end
return 1
`)

var casStepScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'status')
if not cur then
	return -1
end
if cur ~= ARGV[1] then
	return cur
end
redis.call('HSET', KEYS[1], 'status', ARGV[2], 'data', ARGV[3])
return 1
`)

// RedisStore is a Redis-based store.
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	store := saga.NewRedisStore(rdb).WithKeyPrefix("escrow:saga:")
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

// NewRedisStore creates a new Redis store.
//
// Default configuration:
//   - Key prefix: "saga:"
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "saga:",
	}
}

// WithKeyPrefix sets a custom key prefix.
//
// Use this for multi-tenant deployments or to organize keys by application.
// Returns the store for method chaining.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) txKey(id string) string       { return s.prefix + "tx:" + id }
func (s *RedisStore) stepKey(id string) string     { return s.prefix + "step:" + id }
func (s *RedisStore) stepsKey(txID string) string  { return s.prefix + "steps:" + txID }
func (s *RedisStore) idemKey(key string) string    { return s.prefix + "idem:" + key }
func (s *RedisStore) sagaKey(sagaID string) string { return s.prefix + "saga:" + sagaID }
func (s *RedisStore) updatedKey() string           { return s.prefix + "by_updated" }
func (s *RedisStore) statusKey(st TransactionStatus) string {
	return s.prefix + "by_status:" + string(st)
}

// CreateTransaction persists the transaction and its steps in one script.
func (s *RedisStore) CreateTransaction(ctx context.Context, tx *Transaction, steps []*SagaStep) error {
	if err := validateNew(tx, steps); err != nil {
		return err
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	keys := []string{
		s.idemKey(tx.IdempotencyKey),
		s.sagaKey(tx.SagaID),
		s.txKey(tx.ID),
		s.stepsKey(tx.ID),
		s.statusKey(tx.Status),
		s.updatedKey(),
	}
	args := []any{tx.ID, string(tx.Status), string(data), tx.UpdatedAt.UnixMilli()}
	for _, step := range steps {
		stepData, err := json.Marshal(step)
		if err != nil {
			return fmt.Errorf("marshal step %s: %w", step.StepName, err)
		}
		keys = append(keys, s.stepKey(step.ID))
		args = append(args, step.ID, step.StepOrder, string(step.Status), string(stepData))
	}

	res, err := createScript.Run(ctx, s.client, keys, args...).Int64()
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	switch res {
	case 0:
		return ErrDuplicateIdempotencyKey
	case -1:
		return fmt.Errorf("transaction already exists: %s", tx.ID)
	}
	return nil
}

func (s *RedisStore) loadTransaction(ctx context.Context, id string) (*Transaction, error) {
	data, err := s.client.HGet(ctx, s.txKey(id), "data").Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("transaction", id)
	}
	if err != nil {
		return nil, fmt.Errorf("hget: %w", err)
	}
	var tx Transaction
	if err := json.Unmarshal([]byte(data), &tx); err != nil {
		return nil, fmt.Errorf("unmarshal transaction: %w", err)
	}
	return &tx, nil
}

func (s *RedisStore) resolve(ctx context.Context, key, what string) (*Transaction, error) {
	id, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, notFound("transaction", what)
	}
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return s.loadTransaction(ctx, id)
}

// GetTransaction retrieves a transaction by ID.
func (s *RedisStore) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return s.loadTransaction(ctx, id)
}

// GetTransactionBySagaID retrieves a transaction by saga ID.
func (s *RedisStore) GetTransactionBySagaID(ctx context.Context, sagaID string) (*Transaction, error) {
	return s.resolve(ctx, s.sagaKey(sagaID), sagaID)
}

// GetTransactionByIdempotencyKey retrieves a transaction by idempotency key.
func (s *RedisStore) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return s.resolve(ctx, s.idemKey(key), key)
}

func (s *RedisStore) stepIDs(ctx context.Context, transactionID string) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.stepsKey(transactionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}
	return ids, nil
}

// ListSteps returns the transaction's steps ordered by StepOrder.
func (s *RedisStore) ListSteps(ctx context.Context, transactionID string) ([]*SagaStep, error) {
	ids, err := s.stepIDs(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		if _, err := s.loadTransaction(ctx, transactionID); err != nil {
			return nil, err
		}
		return nil, nil
	}

	cmds := make([]*redis.StringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGet(ctx, s.stepKey(id), "data")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	steps := make([]*SagaStep, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Result()
		if errors.Is(err, redis.Nil) {
			return nil, notFound("step", ids[i])
		}
		if err != nil {
			return nil, fmt.Errorf("hget step: %w", err)
		}
		var step SagaStep
		if err := json.Unmarshal([]byte(data), &step); err != nil {
			return nil, fmt.Errorf("unmarshal step: %w", err)
		}
		steps = append(steps, &step)
	}
	sortSteps(steps)
	return steps, nil
}

func (s *RedisStore) runCAS(ctx context.Context, script *redis.Script, keys []string, args []any, what, id string, expected any) error {
	res, err := script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return fmt.Errorf("update %s: %w", what, err)
	}
	switch v := res.(type) {
	case int64:
		if v == -1 {
			return notFound(what, id)
		}
		return nil
	case string:
		return conflict(what, id, expected, v)
	}
	return fmt.Errorf("update %s: unexpected script result %v", what, res)
}

func (s *RedisStore) txCAS(ctx context.Context, tx *Transaction, expected TransactionStatus, resetFrom []StepStatus) error {
	data, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("marshal transaction: %w", err)
	}

	keys := []string{
		s.txKey(tx.ID),
		s.statusKey(expected),
		s.statusKey(tx.Status),
		s.updatedKey(),
	}
	args := []any{string(expected), string(tx.Status), string(data), tx.UpdatedAt.UnixMilli(), tx.ID, len(resetFrom)}

	if len(resetFrom) > 0 {
		steps, err := s.ListSteps(ctx, tx.ID)
		if err != nil {
			return err
		}
		for _, st := range resetFrom {
			args = append(args, string(st))
		}
		for _, step := range steps {
			resetStep(step)
			stepData, err := json.Marshal(step)
			if err != nil {
				return fmt.Errorf("marshal step %s: %w", step.StepName, err)
			}
			keys = append(keys, s.stepKey(step.ID))
			args = append(args, string(stepData))
		}
	}

	return s.runCAS(ctx, casTransactionScript, keys, args, "transaction", tx.ID, expected)
}

// UpdateTransaction writes tx if the stored status equals expected.
func (s *RedisStore) UpdateTransaction(ctx context.Context, tx *Transaction, expected TransactionStatus) error {
	return s.txCAS(ctx, tx, expected, nil)
}

// UpdateStep writes step if the stored status equals expected.
func (s *RedisStore) UpdateStep(ctx context.Context, step *SagaStep, expected StepStatus) error {
	data, err := json.Marshal(step)
	if err != nil {
		return fmt.Errorf("marshal step: %w", err)
	}
	return s.runCAS(ctx, casStepScript,
		[]string{s.stepKey(step.ID)},
		[]any{string(expected), string(step.Status), string(data)},
		"step", step.ID, expected)
}

// ResetForRetry updates the transaction and resets matching steps in one script.
func (s *RedisStore) ResetForRetry(ctx context.Context, tx *Transaction, expected TransactionStatus, resetFrom []StepStatus) error {
	return s.txCAS(ctx, tx, expected, resetFrom)
}

// ListTransactions lists transactions matching the filter.
func (s *RedisStore) ListTransactions(ctx context.Context, filter Filter) ([]*Transaction, error) {
	var ids []string
	var err error

	if len(filter.Status) > 0 {
		keys := make([]string, len(filter.Status))
		for i, st := range filter.Status {
			keys[i] = s.statusKey(st)
		}
		ids, err = s.client.SUnion(ctx, keys...).Result()
	} else {
		upper := "+inf"
		if !filter.UpdatedBefore.IsZero() {
			upper = "(" + strconv.FormatInt(filter.UpdatedBefore.UnixMilli(), 10)
		}
		ids, err = s.client.ZRangeByScore(ctx, s.updatedKey(), &redis.ZRangeBy{Min: "-inf", Max: upper}).Result()
	}
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}

	var results []*Transaction
	for _, id := range ids {
		tx, err := s.loadTransaction(ctx, id)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if filter.matches(tx) {
			results = append(results, tx)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].UpdatedAt.Before(results[j].UpdatedAt) })
	if filter.Limit > 0 && len(results) > filter.Limit {
		results = results[:filter.Limit]
	}
	return results, nil
}

// DeleteOlderThan removes terminal transactions last updated before cutoff.
func (s *RedisStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	txs, err := s.ListTransactions(ctx, Filter{
		Status:        []TransactionStatus{StatusCompleted, StatusCompensated, StatusCancelled},
		UpdatedBefore: cutoff,
	})
	if err != nil {
		return 0, err
	}

	deleted := 0
	for _, tx := range txs {
		ids, err := s.stepIDs(ctx, tx.ID)
		if err != nil {
			return deleted, err
		}
		_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for _, id := range ids {
				p.Del(ctx, s.stepKey(id))
			}
			p.Del(ctx, s.stepsKey(tx.ID), s.txKey(tx.ID), s.idemKey(tx.IdempotencyKey), s.sagaKey(tx.SagaID))
			p.SRem(ctx, s.statusKey(tx.Status), tx.ID)
			p.ZRem(ctx, s.updatedKey(), tx.ID)
			return nil
		})
		if err != nil {
			return deleted, fmt.Errorf("delete %s: %w", tx.ID, err)
		}
		deleted++
	}
	return deleted, nil
}

// Health performs a health check on the Redis store.
func (s *RedisStore) Health(ctx context.Context) *health.Result {
	start := time.Now()

	if err := s.client.Ping(ctx).Err(); err != nil {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("redis ping failed: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	total, err := s.client.ZCard(ctx, s.updatedKey()).Result()
	if err != nil {
		return &health.Result{
			Status:    health.StatusDegraded,
			Message:   fmt.Sprintf("failed to count transactions: %v", err),
			Latency:   time.Since(start),
			CheckedAt: start,
		}
	}

	processing, _ := s.client.SCard(ctx, s.statusKey(StatusProcessing)).Result()
	compensating, _ := s.client.SCard(ctx, s.statusKey(StatusCompensating)).Result()
	failed, _ := s.client.SCard(ctx, s.statusKey(StatusFailed)).Result()

	return &health.Result{
		Status:    health.StatusHealthy,
		Latency:   time.Since(start),
		CheckedAt: start,
		Details: map[string]any{
			"total_transactions":        total,
			"processing_transactions":   processing,
			"compensating_transactions": compensating,
			"failed_transactions":       failed,
			"prefix":                    s.prefix,
		},
	}
}

// Compile-time checks
var (
	_ Store          = (*RedisStore)(nil)
	_ health.Checker = (*RedisStore)(nil)
)
