package lockstore

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
)

const defaultCacheTTL = time.Second

// Cached wraps a Store with a short-lived ristretto read cache over
// Query. UI surfaces poll GetLease often; the cache absorbs those reads
// without changing lock semantics because every local write invalidates
// and the TTL bounds staleness from remote writers.
type Cached struct {
	Store
	cache *ristretto.Cache
	ttl   time.Duration
}

// CachedOption configures a Cached store.
type CachedOption func(*Cached)

// WithCacheTTL sets how long query results may be served from cache.
func WithCacheTTL(d time.Duration) CachedOption {
	return func(c *Cached) { c.ttl = d }
}

// NewCached returns a caching wrapper around next.
func NewCached(next Store, opts ...CachedOption) *Cached {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	})
	if err != nil {
		panic(err)
	}
	c := &Cached{Store: next, cache: rc, ttl: defaultCacheTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query implements Store.Query with a read-through cache.
func (c *Cached) Query(ctx context.Context, f Filter) ([]Record, error) {
	if v, ok := c.cache.Get(f.Key()); ok {
		return v.([]Record), nil
	}
	recs, err := c.Store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(f.Key(), recs, 1, c.ttl)
	c.cache.Wait()
	return recs, nil
}

// Put implements Store.Put, invalidating the cached result.
func (c *Cached) Put(ctx context.Context, f Filter, rec Record) error {
	err := c.Store.Put(ctx, f, rec)
	c.cache.Del(f.Key())
	return err
}

// MergePut implements Store.MergePut, invalidating the cached result.
func (c *Cached) MergePut(ctx context.Context, f Filter, p Patch) error {
	err := c.Store.MergePut(ctx, f, p)
	c.cache.Del(f.Key())
	return err
}

// Delete implements Store.Delete, invalidating the cached result.
func (c *Cached) Delete(ctx context.Context, f Filter) error {
	err := c.Store.Delete(ctx, f)
	c.cache.Del(f.Key())
	return err
}
