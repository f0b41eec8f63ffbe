// Package queue provides the durable, at-least-once job queue that drives
// saga execution.
//
// A consumer handles one job at a time. Returning nil from the handler
// acknowledges the job. Returning an error hands it back: it is redelivered
// after the queue's retry delay, and moved to a dead-letter store once it has
// been delivered MaxDeliveries times. A consumer that crashes mid-job never
// acknowledges it; RedisQueue reclaims such jobs once they have been idle for
// the visibility timeout.
//
// Implementations:
//   - MemoryQueue: in-process, for tests and single-node use
//   - RedisQueue: Redis Streams consumer group with a delayed ZSET and a dead-letter stream
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Kind identifies what a job asks the executor to do.
type Kind string

const (
	// KindExecuteSaga starts or resumes forward execution of a transaction.
	KindExecuteSaga Kind = "execute-saga"

	// KindExecuteStep runs one attempt of one step.
	KindExecuteStep Kind = "execute-step"

	// KindCompensateSaga undoes the completed steps of a transaction.
	KindCompensateSaga Kind = "compensate-saga"
)

// Job is a unit of queued work.
type Job struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	TransactionID string    `json:"transaction_id"`
	StepName      string    `json:"step_name,omitempty"`
	Attempt       int       `json:"attempt,omitempty"`
	Deliveries    int       `json:"deliveries"` // prior failed deliveries
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// Key identifies the logical work a job represents. Redelivered copies of a
// job share its key.
func (j *Job) Key() string {
	return fmt.Sprintf("%s:%s:%s:%d", j.Kind, j.TransactionID, j.StepName, j.Attempt)
}

// Handler processes a job. A nil error acknowledges it.
type Handler func(ctx context.Context, job *Job) error

// Queue is a durable at-least-once job queue.
type Queue interface {
	// Enqueue adds a job, visible to consumers after delay.
	Enqueue(ctx context.Context, job Job, delay time.Duration) error

	// Consume delivers jobs to handler until ctx is cancelled.
	// Each call is one consumer; run several for parallelism.
	Consume(ctx context.Context, consumer string, handler Handler) error
}

// ErrInvalidJob is returned by Enqueue for jobs missing a kind or transaction.
var ErrInvalidJob = errors.New("invalid job")

// prepare validates a job and fills its ID and enqueue time.
func prepare(job *Job) error {
	if job.Kind == "" || job.TransactionID == "" {
		return fmt.Errorf("%w: kind and transaction ID are required", ErrInvalidJob)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return nil
}

// Option configures a queue.
type Option func(*options)

type options struct {
	maxDeliveries     int
	retryDelay        time.Duration
	visibilityTimeout time.Duration
	pollInterval      time.Duration
	batchSize         int
	logger            *slog.Logger
}

func defaultOptions() *options {
	return &options{
		maxDeliveries:     10,
		retryDelay:        time.Second,
		visibilityTimeout: 5 * time.Minute,
		pollInterval:      100 * time.Millisecond,
		batchSize:         10,
		logger:            slog.Default(),
	}
}

// WithMaxDeliveries sets how many times a failing job is delivered before it
// is dead-lettered. Zero or negative disables dead-lettering.
func WithMaxDeliveries(n int) Option {
	return func(o *options) {
		o.maxDeliveries = n
	}
}

// WithRetryDelay sets the delay before a job whose handler failed is redelivered.
func WithRetryDelay(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retryDelay = d
		}
	}
}

// WithVisibilityTimeout sets how long a delivered, unacknowledged job stays
// invisible before another consumer may reclaim it. Set it above the longest
// handler runtime.
func WithVisibilityTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.visibilityTimeout = d
		}
	}
}

// WithPollInterval sets how often delayed jobs are promoted and how long a
// Redis read blocks.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.pollInterval = d
		}
	}
}

// WithBatchSize sets how many messages a Redis consumer reads at once.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// deadLettered reports whether a job that just failed has used up its deliveries.
func (o *options) deadLettered(job *Job) bool {
	return o.maxDeliveries > 0 && job.Deliveries+1 >= o.maxDeliveries
}
