package watchbus

import (
	"context"
	"strings"
	"sync"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu         sync.Mutex
	subs       map[string][]chan []byte
	prefixSubs map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:       make(map[string][]chan []byte),
		prefixSubs: make(map[string][]chan []byte),
	}
}

// Publish sends data to all watchers of key and to matching prefix
// subscribers. Slow watchers miss messages instead of blocking the publisher.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	send(b.subs[key], data)
	for prefix, chans := range b.prefixSubs {
		if strings.HasPrefix(key, prefix) {
			send(chans, data)
		}
	}
	return nil
}

func send(chans []chan []byte, data []byte) {
	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.subscribe(ctx, b.subs, key)
}

// SubscribePrefix subscribes to every key starting with prefix.
func (b *InMemoryWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.subscribe(ctx, b.prefixSubs, prefix)
}

func (b *InMemoryWatchBus) subscribe(ctx context.Context, m map[string][]chan []byte, name string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan []byte, 16)
	b.mu.Lock()
	m[name] = append(m[name], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), name, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key (or prefix) watchers and closes it.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !remove(b.subs, key, ch) {
		remove(b.prefixSubs, key, ch)
	}
	return nil
}

func remove(m map[string][]chan []byte, name string, ch chan []byte) bool {
	subs := m[name]
	for i, c := range subs {
		if c != ch {
			continue
		}
		subs[i] = subs[len(subs)-1]
		subs = subs[:len(subs)-1]
		if len(subs) == 0 {
			delete(m, name)
		} else {
			m[name] = subs
		}
		close(c)
		return true
	}
	return false
}
