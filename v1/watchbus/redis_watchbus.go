package watchbus

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "lease:events:"

// RedisWatchBus uses Redis pub/sub to implement WatchBus, so that events of
// every process sharing a Redis deployment reach the same observers.
type RedisWatchBus struct {
	client  *redis.Client
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client:  client,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish publishes data on the channel of key. Prefix subscribers match
// through PSUBSCRIBE.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.Publish(ctx, redisChannelPrefix+key, data).Err()
}

// Watch subscribes to the channel of key.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ps := b.client.Subscribe(ctx, redisChannelPrefix+key)
	return b.listen(ctx, key, ps)
}

// SubscribePrefix subscribes to the channels of every key with prefix.
func (b *RedisWatchBus) SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error) {
	ps := b.client.PSubscribe(ctx, redisChannelPrefix+prefix+"*")
	return b.listen(ctx, prefix, ps)
}

func (b *RedisWatchBus) listen(ctx context.Context, name string, ps *redis.PubSub) (chan []byte, error) {
	// wait for the subscription confirmation so that no message published
	// after Watch returns is missed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 16)
	b.mu.Lock()
	m := b.cancels[name]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[name] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer ps.Close()
		defer func() {
			if cancel := b.forget(name, ch); cancel != nil {
				cancel()
			}
		}()
		msgs := ps.Channel()
		for {
			select {
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case ch <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (b *RedisWatchBus) forget(name string, ch chan []byte) context.CancelFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	m, ok := b.cancels[name]
	if !ok {
		return nil
	}
	cancel := m[ch]
	delete(m, ch)
	if len(m) == 0 {
		delete(b.cancels, name)
	}
	return cancel
}

// Unwatch stops watching the given key (or prefix) and channel. The channel
// is closed asynchronously.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	if cancel := b.forget(key, ch); cancel != nil {
		cancel()
	}
	return nil
}
