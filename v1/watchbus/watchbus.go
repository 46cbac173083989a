package watchbus

import "context"

// WatchBus streams lock lifecycle events to observers. Messages are
// JSON-encoded Events keyed by lock key; see PublishEvent.
type WatchBus interface {
	// Publish sends data to the watchers of key and to every prefix
	// subscriber whose prefix matches key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. The returned channel receives
	// payloads until ctx is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// SubscribePrefix subscribes to messages of every key with prefix.
	SubscribePrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering messages for key (or prefix) to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
