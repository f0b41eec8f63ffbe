package saga

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func testEvent(typ EventType) Event {
	return newEvent(typ, &Transaction{
		ID:              "tx-1",
		SagaID:          "saga-1",
		TransactionType: "DEPOSIT",
		Status:          StatusCompensated,
		ErrorMessage:    "step execute-blockchain-transaction failed",
	})
}

func TestMemoryPublisher(t *testing.T) {
	ctx := context.Background()
	pub := NewMemoryPublisher(2)

	first, cancelFirst := pub.Subscribe()
	second, cancelSecond := pub.Subscribe()
	defer cancelSecond()

	if err := pub.Publish(ctx, testEvent(EventSagaStarted)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	for i, ch := range []<-chan Event{first, second} {
		select {
		case ev := <-ch:
			if ev.Type != EventSagaStarted || ev.TransactionID != "tx-1" {
				t.Errorf("subscriber %d: unexpected event %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}

	cancelFirst()
	if _, ok := <-first; ok {
		t.Error("expected closed channel after cancel")
	}
	cancelFirst()

	// A full subscriber drops events instead of blocking the publisher.
	for i := 0; i < 5; i++ {
		if err := pub.Publish(ctx, testEvent(EventSagaCompleted)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	if len(second) != 2 {
		t.Errorf("expected buffer of 2 filled, got %d", len(second))
	}
}

func TestNopPublisher(t *testing.T) {
	if err := (NopPublisher{}).Publish(context.Background(), testEvent(EventSagaFailed)); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}

func TestRedisPublisher(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pub := NewRedisPublisher(client).WithChannel("escrow:events")
	if pub.Channel() != "escrow:events" {
		t.Fatalf("unexpected channel %q", pub.Channel())
	}
	if NewRedisPublisher(client).WithChannel("").Channel() != "saga.events" {
		t.Error("empty channel should keep the default")
	}

	sub := client.Subscribe(ctx, "escrow:events")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := pub.Publish(ctx, testEvent(EventSagaCompensated)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		var raw map[string]any
		if err := json.Unmarshal([]byte(msg.Payload), &raw); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}
		want := map[string]any{
			"type":            "saga.compensated",
			"sagaId":          "saga-1",
			"transactionId":   "tx-1",
			"transactionType": "DEPOSIT",
			"status":          "COMPENSATED",
			"error":           "step execute-blockchain-transaction failed",
		}
		for k, v := range want {
			if raw[k] != v {
				t.Errorf("%s = %v, want %v", k, raw[k], v)
			}
		}
		if _, ok := raw["timestamp"]; !ok {
			t.Error("expected timestamp")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	t.Run("gives up after retries", func(t *testing.T) {
		mr.SetError("ERR server unavailable")
		defer mr.SetError("")

		start := time.Now()
		if err := pub.Publish(ctx, testEvent(EventSagaFailed)); err == nil {
			t.Fatal("expected error")
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("retries took too long: %s", elapsed)
		}
	})
}
