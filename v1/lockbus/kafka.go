package lockbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
)

const kafkaTopicPrefix = "vvlock-changes-"

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan struct{}
}

// KafkaBus implements Bus using a Kafka backend. Each lock key maps to a
// topic; key characters outside the topic alphabet are replaced with '-'.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

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
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
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
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

func kafkaTopic(key string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, key)
	return kafkaTopicPrefix + sanitized
}

// Publish implements Bus.Publish.
func (b *KafkaBus) Publish(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	_, _, err := b.producer.SendMessage(&sarama.ProducerMessage{
		Topic: kafkaTopic(key),
		Value: sarama.StringEncoder(uuid.NewString()),
	})
	if err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[key]
	if !ok {
		pc, err := b.consumer.ConsumePartition(kafkaTopic(key), 0, sarama.OffsetNewest)
		if err != nil {
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go func() {
			for range pc.Messages() {
				b.mu.Lock()
				chans := append([]chan struct{}(nil), sub.chans...)
				b.mu.Unlock()
				for _, c := range chans {
					select {
					case c <- struct{}{}:
						b.delivered.Add(1)
					default:
					}
				}
			}
		}()
	}
	sub.chans = append(sub.chans, ch)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *KafkaBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub, ok := b.subs[key]
	if !ok {
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
	var toClose sarama.PartitionConsumer
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		toClose = sub.pc
	}
	b.mu.Unlock()
	if toClose != nil {
		return toClose.Close()
	}
	return nil
}

// Close tears down the producer and consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	for key, sub := range b.subs {
		for _, c := range sub.chans {
			close(c)
		}
		_ = sub.pc.Close()
		delete(b.subs, key)
	}
	b.mu.Unlock()
	if err := b.producer.Close(); err != nil {
		_ = b.consumer.Close()
		return err
	}
	return b.consumer.Close()
}

// Metrics returns current bus counters.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
