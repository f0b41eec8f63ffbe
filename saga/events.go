package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sasha-s/go-deadlock"
	"github.com/sethvargo/go-retry"
)

// EventType names a saga lifecycle event.
type EventType string

const (
	EventSagaStarted     EventType = "saga.started"
	EventSagaCompleted   EventType = "saga.completed"
	EventSagaCompensated EventType = "saga.compensated"
	EventSagaFailed      EventType = "saga.failed"
	EventSagaCancelled   EventType = "saga.cancelled"
)

// Event is published on saga lifecycle transitions.
type Event struct {
	Type            EventType         `json:"type"`
	SagaID          string            `json:"sagaId"`
	TransactionID   string            `json:"transactionId"`
	TransactionType string            `json:"transactionType"`
	Status          TransactionStatus `json:"status"`
	Error           string            `json:"error,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

func newEvent(typ EventType, tx *Transaction) Event {
	return Event{
		Type:            typ,
		SagaID:          tx.SagaID,
		TransactionID:   tx.ID,
		TransactionType: tx.TransactionType,
		Status:          tx.Status,
		Error:           tx.ErrorMessage,
		Timestamp:       time.Now().UTC(),
	}
}

// Publisher delivers lifecycle events.
//
// Publishing is fire-and-forget: the orchestrator logs a failed publish and
// carries on, so a publisher must never be the only record of a transition.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// NopPublisher discards events.
type NopPublisher struct{}

// Publish does nothing.
func (NopPublisher) Publish(context.Context, Event) error { return nil }

// MemoryPublisher fans events out to in-process subscribers.
type MemoryPublisher struct {
	mu     deadlock.RWMutex
	subs   map[int]chan Event
	nextID int
	buffer int
}

// NewMemoryPublisher creates an in-process publisher. Each subscriber gets a
// channel with the given buffer; events are dropped for a subscriber whose
// buffer is full.
func NewMemoryPublisher(buffer int) *MemoryPublisher {
	if buffer < 1 {
		buffer = 64
	}
	return &MemoryPublisher{subs: make(map[int]chan Event), buffer: buffer}
}

// Subscribe returns a channel of events and a function that cancels the subscription.
func (p *MemoryPublisher) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan Event, p.buffer)
	p.subs[id] = ch

	return ch, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if c, ok := p.subs[id]; ok {
			delete(p.subs, id)
			close(c)
		}
	}
}

// Publish delivers the event to every subscriber without blocking.
func (p *MemoryPublisher) Publish(ctx context.Context, event Event) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

// RedisPublisher publishes JSON events on a Redis Pub/Sub channel.
type RedisPublisher struct {
	client     redis.Cmdable
	channel    string
	maxRetries uint64
	interval   time.Duration
}

// NewRedisPublisher creates a Redis Pub/Sub publisher.
//
// Default configuration:
//   - Channel: "saga.events"
//   - Retries: 3, 50ms apart with jitter
func NewRedisPublisher(client redis.Cmdable) *RedisPublisher {
	return &RedisPublisher{
		client:     client,
		channel:    "saga.events",
		maxRetries: 3,
		interval:   50 * time.Millisecond,
	}
}

// WithChannel sets the Pub/Sub channel.
func (p *RedisPublisher) WithChannel(channel string) *RedisPublisher {
	if channel != "" {
		p.channel = channel
	}
	return p
}

// Channel returns the Pub/Sub channel name.
func (p *RedisPublisher) Channel() string {
	return p.channel
}

// Publish sends the event, retrying transient failures a bounded number of times.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	backoff := retry.WithMaxRetries(p.maxRetries, retry.WithJitter(p.interval/2, retry.NewConstant(p.interval)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
			return retry.RetryableError(fmt.Errorf("publish %s: %w", event.Type, err))
		}
		return nil
	})
}

// Compile-time checks
var (
	_ Publisher = NopPublisher{}
	_ Publisher = (*MemoryPublisher)(nil)
	_ Publisher = (*RedisPublisher)(nil)
)
