package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/redis/go-redis/v9"
)

// promoteScript moves due jobs from the delayed ZSET onto the stream.
// KEYS[1] = delayed zset, KEYS[2] = stream
// ARGV[1] = now (ms), ARGV[2] = max jobs to move
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, payload in ipairs(due) do
	redis.call('XADD', KEYS[2], '*', 'data', payload)
	redis.call('ZREM', KEYS[1], payload)
end
return #due
`)

// RedisQueue is a Queue on a Redis Stream consumer group.
//
// Layout:
//   - <stream>: ready jobs, read through the consumer group
//   - <stream>:delayed: ZSET of delayed jobs scored by due time (ms)
//   - <stream>:dlq: stream of dead-lettered jobs
//
// Acknowledged entries are deleted from the stream. A job whose handler
// failed is acknowledged and re-added with its delivery count bumped, so a
// redelivery is always a fresh stream entry.
type RedisQueue struct {
	client redis.Cmdable
	stream string
	group  string
	opts   *options
}

// NewRedisQueue creates a stream-backed queue.
func NewRedisQueue(client redis.Cmdable, stream, group string, opts ...Option) *RedisQueue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &RedisQueue{client: client, stream: stream, group: group, opts: o}
}

func (q *RedisQueue) delayedKey() string    { return q.stream + ":delayed" }
func (q *RedisQueue) deadLetterKey() string { return q.stream + ":dlq" }

// Enqueue adds a job, visible after delay.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if err := prepare(&job); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return q.add(ctx, q.client, data, delay)
}

func (q *RedisQueue) add(ctx context.Context, c redis.Cmdable, data []byte, delay time.Duration) error {
	if delay > 0 {
		score := float64(time.Now().Add(delay).UnixMilli())
		if err := c.ZAdd(ctx, q.delayedKey(), redis.Z{Score: score, Member: string(data)}).Err(); err != nil {
			return fmt.Errorf("zadd: %w", err)
		}
		return nil
	}
	if err := c.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("xadd: %w", err)
	}
	return nil
}

// EnsureGroup creates the stream and consumer group if they do not exist.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group: %w", err)
	}
	return nil
}

// Consume reads jobs as consumer until ctx is cancelled.
func (q *RedisQueue) Consume(ctx context.Context, consumer string, handler Handler) error {
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}
	log := q.opts.logger.With("stream", q.stream, "consumer", consumer)

	reclaimEvery := q.opts.visibilityTimeout / 2
	var lastReclaim time.Time

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := q.promote(ctx); err != nil && ctx.Err() == nil {
			log.Warn("failed to promote delayed jobs", "error", err)
		}

		if time.Since(lastReclaim) >= reclaimEvery {
			lastReclaim = time.Now()
			if err := q.reclaim(ctx, consumer, handler); err != nil && ctx.Err() == nil {
				log.Warn("failed to reclaim pending jobs", "error", err)
			}
		}

		results, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    int64(q.opts.batchSize),
			Block:    q.opts.pollInterval,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error("xreadgroup failed", "error", err)
			if err := sleep(ctx, q.opts.pollInterval); err != nil {
				return err
			}
			continue
		}

		for _, result := range results {
			for _, m := range result.Messages {
				q.process(ctx, consumer, m, handler)
			}
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// promote moves due delayed jobs onto the stream.
func (q *RedisQueue) promote(ctx context.Context) error {
	now := time.Now().UnixMilli()
	return promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.stream},
		now, q.opts.batchSize*10,
	).Err()
}

// reclaim claims entries another consumer left unacknowledged for longer
// than the visibility timeout, and handles them. Entries claimed more than
// MaxDeliveries times are dead-lettered without running the handler.
func (q *RedisQueue) reclaim(ctx context.Context, consumer string, handler Handler) error {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group,
		Start:  "-",
		End:    "+",
		Count:  int64(q.opts.batchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("xpending: %w", err)
	}

	ids := make([]string, 0, len(pending))
	exhausted := make(map[string]int64)
	for _, p := range pending {
		if p.Idle < q.opts.visibilityTimeout {
			continue
		}
		ids = append(ids, p.ID)
		if q.opts.maxDeliveries > 0 && p.RetryCount > int64(q.opts.maxDeliveries) {
			exhausted[p.ID] = p.RetryCount
		}
	}
	if len(ids) == 0 {
		return nil
	}

	messages, err := q.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.opts.visibilityTimeout,
		Messages: ids,
	}).Result()
	if err != nil {
		return fmt.Errorf("xclaim: %w", err)
	}

	for _, m := range messages {
		if count, ok := exhausted[m.ID]; ok {
			job, _ := decodeMessage(m)
			reason := fmt.Sprintf("claimed %d times without acknowledgement", count)
			if err := q.deadLetter(ctx, m, job, reason); err != nil {
				q.opts.logger.Error("failed to dead-letter job", "message_id", m.ID, "error", err)
			}
			continue
		}
		q.opts.logger.Info("reclaimed abandoned job", "message_id", m.ID, "consumer", consumer)
		q.process(ctx, consumer, m, handler)
	}
	return nil
}

func decodeMessage(m redis.XMessage) (Job, error) {
	var job Job
	data, ok := m.Values["data"].(string)
	if !ok {
		return job, fmt.Errorf("%w: message %s has no data field", ErrInvalidJob, m.ID)
	}
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return job, fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	return job, nil
}

// process runs handler on one stream entry and settles it.
func (q *RedisQueue) process(ctx context.Context, consumer string, m redis.XMessage, handler Handler) {
	log := q.opts.logger.With("stream", q.stream, "consumer", consumer, "message_id", m.ID)

	job, err := decodeMessage(m)
	if err != nil {
		log.Error("dropping undecodable job", "error", err)
		if err := q.deadLetter(ctx, m, job, err.Error()); err != nil {
			log.Error("failed to dead-letter job", "error", err)
		}
		return
	}

	herr := handler(ctx, &job)

	// Settle even when ctx was cancelled mid-handler.
	settleCtx := context.WithoutCancel(ctx)

	switch {
	case herr == nil:
		err = q.ack(settleCtx, m.ID)
	case ctx.Err() != nil:
		// Interrupted by shutdown: hand the job back as it was.
		err = q.requeue(settleCtx, m.ID, job, 0)
	case q.opts.deadLettered(&job):
		job.Deliveries++
		log.Error("job dead-lettered",
			"job_id", job.ID,
			"kind", job.Kind,
			"transaction_id", job.TransactionID,
			"step", job.StepName,
			"deliveries", job.Deliveries,
			"error", herr)
		err = q.deadLetter(settleCtx, m, job, herr.Error())
	default:
		log.Warn("job failed, will be redelivered",
			"job_id", job.ID,
			"kind", job.Kind,
			"transaction_id", job.TransactionID,
			"error", herr)
		job.Deliveries++
		err = q.requeue(settleCtx, m.ID, job, q.opts.retryDelay)
	}
	if err != nil {
		// The entry stays pending and is reclaimed after the visibility timeout.
		log.Error("failed to settle job", "job_id", job.ID, "error", err)
	}
}

func (q *RedisQueue) ack(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAck(ctx, q.stream, q.group, id)
		pipe.XDel(ctx, q.stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("ack %s: %w", id, err)
	}
	return nil
}

// requeue atomically acknowledges entry id and re-adds job after delay.
func (q *RedisQueue) requeue(ctx context.Context, id string, job Job, delay time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := q.add(ctx, pipe, data, delay); err != nil {
			return err
		}
		pipe.XAck(ctx, q.stream, q.group, id)
		pipe.XDel(ctx, q.stream, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	return nil
}

// deadLetter moves entry m to the dead-letter stream.
func (q *RedisQueue) deadLetter(ctx context.Context, m redis.XMessage, job Job, reason string) error {
	data := m.Values["data"]
	if job.ID != "" {
		if b, err := json.Marshal(job); err == nil {
			data = string(b)
		}
	}
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: q.deadLetterKey(),
			Values: map[string]any{
				"data":   data,
				"msgId":  m.ID,
				"reason": reason,
				"tsMs":   time.Now().UnixMilli(),
				"group":  q.group,
			},
		})
		pipe.XAck(ctx, q.stream, q.group, m.ID)
		pipe.XDel(ctx, q.stream, m.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", m.ID, err)
	}
	return nil
}

// DeadLetters returns the dead-lettered jobs, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]Job, error) {
	msgs, err := q.client.XRange(ctx, q.deadLetterKey(), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}
	jobs := make([]Job, 0, len(msgs))
	for _, m := range msgs {
		job, err := decodeMessage(m)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Health reports stream, delayed and dead-letter depth.
func (q *RedisQueue) Health(ctx context.Context) *health.Result {
	start := time.Now()

	pipe := q.client.Pipeline()
	streamLen := pipe.XLen(ctx, q.stream)
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.XLen(ctx, q.deadLetterKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return &health.Result{
			Status:    health.StatusUnhealthy,
			Message:   fmt.Sprintf("redis: %v", err),
			Latency:   time.Since(start),
			CheckedAt: time.Now(),
		}
	}

	status := health.StatusHealthy
	message := ""
	if dead.Val() > 0 {
		status = health.StatusDegraded
		message = "dead-lettered jobs present"
	}
	return &health.Result{
		Status:    status,
		Message:   message,
		Latency:   time.Since(start),
		CheckedAt: time.Now(),
		Details: map[string]any{
			"stream":        q.stream,
			"group":         q.group,
			"stream_length": streamLen.Val(),
			"delayed":       delayed.Val(),
			"dead_lettered": dead.Val(),
		},
	}
}

// Compile-time checks
var (
	_ Queue          = (*RedisQueue)(nil)
	_ health.Checker = (*RedisQueue)(nil)
)
