package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type mockBus struct {
	publishFunc func(ctx context.Context, topic string) error
	*InMemoryBus
}

func (m *mockBus) Publish(ctx context.Context, topic string) error {
	if m.publishFunc != nil {
		return m.publishFunc(ctx, topic)
	}
	return m.InMemoryBus.Publish(ctx, topic)
}

func TestCircuitBreaker_StateTransitions(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	now := time.Unix(0, 0)
	timeout := 50 * time.Millisecond
	cb := NewCircuitBreaker(mb, 2, timeout)
	cb.now = func() time.Time { return now }

	ctx := context.Background()
	failErr := errors.New("fail")

	if !cb.IsHealthy() {
		t.Fatal("expected healthy initially")
	}

	mb.publishFunc = func(context.Context, string) error { return failErr }
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if !cb.IsHealthy() {
		t.Fatal("expected healthy after 1 failure (threshold 2)")
	}
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr, got %v", err)
	}
	if cb.IsHealthy() {
		t.Fatal("expected open after threshold reached")
	}
	if err := cb.Publish(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if cb.State() != "open" || cb.Rejected() != 1 {
		t.Fatalf("expected open with one rejection, got %s/%d", cb.State(), cb.Rejected())
	}

	now = now.Add(timeout + time.Millisecond)
	if !cb.IsHealthy() {
		t.Fatal("expected healthy once the timeout elapsed")
	}

	mb.publishFunc = func(context.Context, string) error { return nil }
	if err := cb.Publish(ctx, "key"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cb.State() != "closed" {
		t.Fatalf("successful trial call must close the circuit, got %s", cb.State())
	}
	if cb.failures != 0 {
		t.Fatalf("expected failures=0, got %d", cb.failures)
	}

	mb.publishFunc = func(context.Context, string) error { return failErr }
	_ = cb.Publish(ctx, "key")
	_ = cb.Publish(ctx, "key")
	if cb.IsHealthy() {
		t.Fatal("expected open")
	}

	now = now.Add(timeout + time.Millisecond)
	if err := cb.Publish(ctx, "key"); err != failErr {
		t.Fatalf("expected failErr from the trial call, got %v", err)
	}
	if err := cb.Publish(ctx, "key"); err != ErrCircuitOpen {
		t.Fatalf("expected ErrCircuitOpen after a failed trial call, got %v", err)
	}
}

func TestCircuitBreaker_Passthrough(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	cb := NewCircuitBreaker(mb, 5, time.Minute)
	ctx := context.Background()

	sub, err := cb.Subscribe(ctx, "foo")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(ctx, "foo"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-sub:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message on underlying bus")
	}
	if err := cb.Unsubscribe(ctx, "foo", sub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}

func TestCircuitBreaker_SubscribeFailsFastWhenOpen(t *testing.T) {
	mb := &mockBus{InMemoryBus: NewInMemoryBus()}
	mb.publishFunc = func(context.Context, string) error { return errors.New("down") }
	cb := NewCircuitBreaker(mb, 1, time.Hour)
	_ = cb.Publish(context.Background(), "k")
	if _, err := cb.Subscribe(context.Background(), "k"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
}
