package syncbus

import (
	"context"
	stdErrors "errors"
	"strings"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	leaseerrors "github.com/mirkobrombin/go-lease/v1/errors"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan struct{}
}

// KafkaBus implements Bus using a Kafka backend. Every bus topic maps to a
// single partition Kafka topic, see KafkaTopic.
type KafkaBus struct {
	producer  sarama.SyncProducer
	consumer  sarama.Consumer
	closers   []func() error
	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	b := NewKafkaBusFromClients(producer, consumer)
	b.closers = append(b.closers, client.Close)
	return b, nil
}

// NewKafkaBusFromClients wraps an existing producer and consumer. Close
// closes both.
func NewKafkaBusFromClients(producer sarama.SyncProducer, consumer sarama.Consumer) *KafkaBus {
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}
}

// KafkaTopic returns the Kafka topic used for a bus topic. Kafka only
// accepts [a-zA-Z0-9._-], anything else is replaced with '_'.
func KafkaTopic(topic string) string {
	var sb strings.Builder
	sb.Grow(len(topic) + len("lease."))
	sb.WriteString("lease.")
	for _, r := range topic {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, topic string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: KafkaTopic(topic), Value: sarama.StringEncoder("1")}
	if _, _, err := b.producer.SendMessage(msg); err != nil {
		return mapKafkaError(err)
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. Only notifications produced after the
// subscription started are delivered.
func (b *KafkaBus) Subscribe(ctx context.Context, topic string) (<-chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(KafkaTopic(topic), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, mapKafkaError(err)
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[topic] = sub
		go b.dispatch(sub)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), topic, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(sub *kafkaSubscription) {
	for range sub.pc.Messages() {
		b.mu.Lock()
		b.delivered.Add(fanOut(sub.chans))
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, topic string, ch <-chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	sub := b.subs[topic]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, topic)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close drops every subscription and releases the Kafka clients.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	for _, sub := range subs {
		for _, ch := range sub.chans {
			close(ch)
		}
		sub.chans = nil
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		errs = append(errs, sub.pc.Close())
	}
	errs = append(errs, b.producer.Close(), b.consumer.Close())
	for _, c := range b.closers {
		errs = append(errs, c())
	}
	return stdErrors.Join(errs...)
}

func mapKafkaError(err error) error {
	switch {
	case stdErrors.Is(err, sarama.ErrClosedClient), stdErrors.Is(err, sarama.ErrShuttingDown):
		return leaseerrors.ErrConnectionClosed
	case stdErrors.Is(err, sarama.ErrRequestTimedOut), stdErrors.Is(err, context.DeadlineExceeded):
		return leaseerrors.ErrTimeout
	}
	return err
}
