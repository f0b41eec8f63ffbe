package queue

import (
	"container/heap"
	"context"
	"time"

	"github.com/rbaliyan/event/v3/health"
	"github.com/sasha-s/go-deadlock"
)

type delayedJob struct {
	job   Job
	dueAt time.Time
	seq   uint64
}

// delayedHeap orders delayed jobs by due time, then by insertion.
type delayedHeap []delayedJob

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if h[i].dueAt.Equal(h[j].dueAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].dueAt.Before(h[j].dueAt)
}
func (h delayedHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *delayedHeap) Push(x any)   { *h = append(*h, x.(delayedJob)) }
func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// MemoryQueue is an in-process Queue.
//
// Jobs do not survive a restart; use RedisQueue where durability matters.
type MemoryQueue struct {
	opts *options

	mu       deadlock.Mutex
	ready    []Job
	delayed  delayedHeap
	seq      uint64
	inflight int
	dead     []Job
	wake     chan struct{} // closed and replaced on every enqueue
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &MemoryQueue{
		opts: o,
		wake: make(chan struct{}),
	}
}

// Enqueue adds a job, visible after delay.
func (q *MemoryQueue) Enqueue(ctx context.Context, job Job, delay time.Duration) error {
	if err := prepare(&job); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.push(job, delay)
	return nil
}

// push requires q.mu.
func (q *MemoryQueue) push(job Job, delay time.Duration) {
	if delay > 0 {
		q.seq++
		heap.Push(&q.delayed, delayedJob{job: job, dueAt: time.Now().Add(delay), seq: q.seq})
	} else {
		q.ready = append(q.ready, job)
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

// next pops a ready job, promoting due delayed jobs first. When nothing is
// ready it returns the channel to wait on and the time of the next due job.
func (q *MemoryQueue) next() (job Job, ok bool, wake <-chan struct{}, nextDue time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for q.delayed.Len() > 0 && !q.delayed[0].dueAt.After(now) {
		d := heap.Pop(&q.delayed).(delayedJob)
		q.ready = append(q.ready, d.job)
	}

	if len(q.ready) > 0 {
		job = q.ready[0]
		q.ready = q.ready[1:]
		q.inflight++
		return job, true, nil, time.Time{}
	}
	if q.delayed.Len() > 0 {
		nextDue = q.delayed[0].dueAt
	}
	return Job{}, false, q.wake, nextDue
}

func (q *MemoryQueue) done(job Job, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.inflight--
	if err == nil {
		return
	}
	if q.opts.deadLettered(&job) {
		job.Deliveries++
		q.dead = append(q.dead, job)
		q.opts.logger.Error("job dead-lettered",
			"job_id", job.ID,
			"kind", job.Kind,
			"transaction_id", job.TransactionID,
			"step", job.StepName,
			"deliveries", job.Deliveries,
			"error", err)
		return
	}
	job.Deliveries++
	q.push(job, q.opts.retryDelay)
}

func (q *MemoryQueue) release(job Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight--
	q.push(job, 0)
}

// Consume delivers jobs to handler until ctx is cancelled.
func (q *MemoryQueue) Consume(ctx context.Context, consumer string, handler Handler) error {
	log := q.opts.logger.With("consumer", consumer)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, ok, wake, nextDue := q.next()
		if !ok {
			if err := wait(ctx, wake, nextDue); err != nil {
				return err
			}
			continue
		}

		err := handler(ctx, &job)
		switch {
		case err == nil:
			q.done(job, nil)
		case ctx.Err() != nil:
			// Interrupted by shutdown: hand the job back as it was.
			q.release(job)
		default:
			log.Warn("job failed, will be redelivered",
				"job_id", job.ID,
				"kind", job.Kind,
				"transaction_id", job.TransactionID,
				"error", err)
			q.done(job, err)
		}
	}
}

// wait blocks until an enqueue, the next due time or cancellation.
func wait(ctx context.Context, wake <-chan struct{}, nextDue time.Time) error {
	var due <-chan time.Time
	if !nextDue.IsZero() {
		t := time.NewTimer(time.Until(nextDue))
		defer t.Stop()
		due = t.C
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
	case <-due:
	}
	return nil
}

// Len returns the number of queued (ready, delayed and in-flight) jobs.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + q.delayed.Len() + q.inflight
}

// DeadLetters returns a copy of the dead-lettered jobs.
func (q *MemoryQueue) DeadLetters() []Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Job, len(q.dead))
	copy(out, q.dead)
	return out
}

// Health reports queue depth. Dead letters degrade the queue.
func (q *MemoryQueue) Health(ctx context.Context) *health.Result {
	q.mu.Lock()
	ready, delayed, inflight, dead := len(q.ready), q.delayed.Len(), q.inflight, len(q.dead)
	q.mu.Unlock()

	status := health.StatusHealthy
	message := ""
	if dead > 0 {
		status = health.StatusDegraded
		message = "dead-lettered jobs present"
	}
	return &health.Result{
		Status:    status,
		Message:   message,
		CheckedAt: time.Now(),
		Details: map[string]any{
			"ready":         ready,
			"delayed":       delayed,
			"inflight":      inflight,
			"dead_lettered": dead,
		},
	}
}

// Compile-time checks
var (
	_ Queue          = (*MemoryQueue)(nil)
	_ health.Checker = (*MemoryQueue)(nil)
)
