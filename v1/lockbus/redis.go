package lockbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	vverrors "github.com/thef4tdaddy/violet-vault-sub003/v1/errors"
)

const (
	redisBusTimeout = 5 * time.Second
	redisChannel    = "vvlock:changes:"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
	cancel context.CancelFunc
}

// RedisBus implements Bus using Redis pub/sub. Each lock key maps to its
// own channel; payloads are event ids and carry no document data.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	cctx, cancel := context.WithTimeout(ctx, redisBusTimeout)
	defer cancel()
	if err := b.client.Publish(cctx, redisChannel+key, uuid.NewString()).Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return vverrors.ErrTimeout
		}
		if stdErrors.Is(err, redis.ErrClosed) {
			return vverrors.ErrConnectionClosed
		}
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe. The first subscriber for a key opens
// the underlying Redis subscription; later subscribers share it.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub, ok := b.subs[key]
	if ok {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
		return ch, nil
	}
	sctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(sctx, redisChannel+key)
	sub = &redisSubscription{pubsub: pubsub, chans: []chan struct{}{ch}, cancel: cancel}
	b.subs[key] = sub
	b.mu.Unlock()

	go func() {
		for range pubsub.Channel() {
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
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. Closing the last channel for a
// key closes the underlying Redis subscription.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
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
	var toClose *redisSubscription
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		toClose = sub
	}
	b.mu.Unlock()
	if toClose != nil {
		toClose.cancel()
		return toClose.pubsub.Close()
	}
	return nil
}

// Metrics returns current bus counters.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
