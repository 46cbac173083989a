package watchbus

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	if err := bus.Unwatch(ctx, "foo", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
}

func TestInMemoryWatchBusPrefix(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	chKey, err := bus.Watch(ctx, "order:1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	chPrefix, err := bus.SubscribePrefix(ctx, "order:")
	if err != nil {
		t.Fatalf("sub prefix: %v", err)
	}
	if err := bus.Publish(ctx, "order:1", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "order:2", []byte("b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.Publish(ctx, "invoice:1", []byte("c")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if msg := <-chKey; string(msg) != "a" {
		t.Fatalf("unexpected key msg %s", msg)
	}
	select {
	case msg := <-chKey:
		t.Fatalf("key watcher got foreign message %s", msg)
	default:
	}
	for _, want := range []string{"a", "b"} {
		select {
		case msg := <-chPrefix:
			if string(msg) != want {
				t.Fatalf("expected %s got %s", want, msg)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for prefix msg")
		}
	}
	select {
	case msg := <-chPrefix:
		t.Fatalf("prefix watcher got foreign message %s", msg)
	default:
	}
	_ = bus.Unwatch(ctx, "order:1", chKey)
	_ = bus.Unwatch(ctx, "order:", chPrefix)

	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.subs) != 0 || len(bus.prefixSubs) != 0 {
		t.Fatalf("expected no watchers, got %d/%d", len(bus.subs), len(bus.prefixSubs))
	}
}

func TestInMemoryWatchBusContextUnwatch(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.SubscribePrefix(ctx, "k")
	if err != nil {
		t.Fatalf("sub prefix: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unwatch")
	}
}

func TestPublishEventRoundTrip(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, _ := bus.Watch(ctx, "order:42")
	now := time.Unix(1_700_000_000, 0).UTC()
	ev := Event{
		Type:      EventAcquired,
		Key:       "order:42",
		Owner:     "worker-1",
		Token:     "tok",
		HoldCount: 1,
		ExpiresAt: now.Add(5 * time.Second),
		Time:      now,
	}
	if err := PublishEvent(ctx, bus, ev); err != nil {
		t.Fatalf("publish event: %v", err)
	}
	got, err := DecodeEvent(<-ch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != ev.Type || got.Key != ev.Key || got.Owner != ev.Owner || got.Token != ev.Token ||
		got.HoldCount != ev.HoldCount || !got.ExpiresAt.Equal(ev.ExpiresAt) || !got.Time.Equal(ev.Time) {
		t.Fatalf("expected %+v got %+v", ev, got)
	}
}
