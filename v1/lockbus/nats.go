package lockbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
)

const natsSubjectPrefix = "vvlock.changes."

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSBus implements Bus using a NATS backend. Lock keys become subject
// suffixes; keys must not contain spaces or NATS wildcards.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if err := b.conn.Publish(natsSubjectPrefix+key, []byte(uuid.NewString())); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[key]
	if !ok {
		sub = &natsSubscription{}
		ns, err := b.conn.Subscribe(natsSubjectPrefix+key, func(_ *nats.Msg) {
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
		})
		if err != nil {
			return nil, err
		}
		sub.sub = ns
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
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
	var toDrain *nats.Subscription
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		toDrain = sub.sub
	}
	b.mu.Unlock()
	if toDrain != nil {
		return toDrain.Unsubscribe()
	}
	return nil
}

// Metrics returns current bus counters.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
