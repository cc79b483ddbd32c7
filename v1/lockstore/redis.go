package lockstore

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"

	vverrors "github.com/thef4tdaddy/violet-vault-sub003/v1/errors"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/lockbus"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	redisKeyPrefix        = "vvlock:"
)

// RedisStore implements Store using a Redis backend. Lock documents are
// JSON values keyed by budget-scoped lock id; change propagation between
// processes rides on a lockbus.Bus, with subscribers re-querying on every
// event. Timestamps come from the Redis server clock (TIME).
type RedisStore struct {
	client  *redis.Client
	bus     lockbus.Bus
	timeout time.Duration

	mu   sync.Mutex
	subs map[chan []Record]func()
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) { o.timeout = d }
}

// NewRedisStore returns a new RedisStore. If bus is nil an in-memory bus
// is used, which confines change notifications to this process.
func NewRedisStore(client *redis.Client, bus lockbus.Bus, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if bus == nil {
		bus = lockbus.NewInMemoryBus()
	}
	return &RedisStore{
		client:  client,
		bus:     bus,
		timeout: o.timeout,
		subs:    make(map[chan []Record]func()),
	}
}

func mapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return vverrors.ErrTimeout
	}
	if stdErrors.Is(err, redis.ErrClosed) {
		return vverrors.ErrConnectionClosed
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "NOAUTH") || strings.HasPrefix(msg, "NOPERM") ||
		strings.HasPrefix(msg, "WRONGPASS") {
		return vverrors.ErrPermissionDenied
	}
	return err
}

// IsAuthenticated implements Store.IsAuthenticated via PING.
func (s *RedisStore) IsAuthenticated(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(cctx).Err() == nil
}

// Now implements Store.Now via the Redis TIME command, falling back to
// the local clock when the command is unavailable.
func (s *RedisStore) Now(ctx context.Context) time.Time {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	t, err := s.client.Time(cctx).Result()
	if err != nil {
		return time.Now()
	}
	return t
}

// Put implements Store.Put.
func (s *RedisStore) Put(ctx context.Context, f Filter, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Set(cctx, redisKeyPrefix+f.Key(), data, 0).Err(); err != nil {
		return mapRedisErr(err)
	}
	_ = s.bus.Publish(cctx, f.Key())
	return nil
}

// MergePut implements Store.MergePut as a read-modify-write; the lock
// document has a single writer per heartbeat so the window is acceptable.
func (s *RedisStore) MergePut(ctx context.Context, f Filter, p Patch) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, redisKeyPrefix+f.Key()).Bytes()
	rec := Record{RecordType: f.RecordType, RecordID: f.RecordID, BudgetID: f.BudgetID}
	if err != nil && err != redis.Nil {
		return mapRedisErr(err)
	}
	if err == nil {
		if uerr := json.Unmarshal(data, &rec); uerr != nil {
			return uerr
		}
	}
	rec.ExpiresAt = p.ExpiresAt
	rec.LastActivity = p.LastActivity
	out, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.client.Set(cctx, redisKeyPrefix+f.Key(), out, 0).Err(); err != nil {
		return mapRedisErr(err)
	}
	_ = s.bus.Publish(cctx, f.Key())
	return nil
}

// Delete implements Store.Delete. DEL of a missing key is not an error.
func (s *RedisStore) Delete(ctx context.Context, f Filter) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.client.Del(cctx, redisKeyPrefix+f.Key()).Err(); err != nil {
		return mapRedisErr(err)
	}
	_ = s.bus.Publish(cctx, f.Key())
	return nil
}

// Query implements Store.Query. The key embeds all filter fields, so at
// most one document matches.
func (s *RedisStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, redisKeyPrefix+f.Key()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapRedisErr(err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return []Record{rec}, nil
}

// Subscribe implements Store.Subscribe. The current state is pushed
// first; afterwards every bus event triggers a re-query.
func (s *RedisStore) Subscribe(ctx context.Context, f Filter) (chan []Record, error) {
	sctx, cancel := context.WithCancel(context.Background())
	events, err := s.bus.Subscribe(sctx, f.Key())
	if err != nil {
		cancel()
		return nil, mapRedisErr(err)
	}
	ch := make(chan []Record, 1)
	stop := func() {
		cancel()
		_ = s.bus.Unsubscribe(context.Background(), f.Key(), events)
	}
	s.mu.Lock()
	s.subs[ch] = stop
	s.mu.Unlock()

	go func() {
		defer close(ch)
		if recs, qerr := s.Query(sctx, f); qerr == nil {
			send(ch, recs)
		}
		for {
			select {
			case _, ok := <-events:
				if !ok {
					return
				}
				recs, qerr := s.Query(sctx, f)
				if qerr != nil {
					continue
				}
				send(ch, recs)
			case <-sctx.Done():
				return
			}
		}
	}()
	go func() {
		<-ctx.Done()
		_ = s.Unsubscribe(context.Background(), f, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Store.Unsubscribe.
func (s *RedisStore) Unsubscribe(ctx context.Context, f Filter, ch chan []Record) error {
	s.mu.Lock()
	stop, ok := s.subs[ch]
	delete(s.subs, ch)
	s.mu.Unlock()
	if ok {
		stop()
	}
	return nil
}
