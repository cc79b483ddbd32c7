package lockstore

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

// countingStore tallies how often each operation reaches the backend.
type countingStore struct {
	Store
	queries atomic.Int64
}

func (s *countingStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	s.queries.Add(1)
	return s.Store.Query(ctx, f)
}

func TestCachedQueryAbsorbsRepeatedReads(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{Store: NewInMemoryStore()}
	c := NewCached(backend, WithCacheTTL(time.Minute))
	f := testFilter()
	if err := c.Put(ctx, f, testRecord()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		recs, err := c.Query(ctx, f)
		if err != nil || len(recs) != 1 {
			t.Fatalf("query %d: %v %v", i, recs, err)
		}
	}
	if n := backend.queries.Load(); n != 1 {
		t.Fatalf("want one backend query, got %d", n)
	}
}

func TestCachedWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{Store: NewInMemoryStore()}
	c := NewCached(backend, WithCacheTTL(time.Minute))
	f := testFilter()
	rec := testRecord()
	if err := c.Put(ctx, f, rec); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Query(ctx, f); err != nil {
		t.Fatal(err)
	}

	newExpiry := rec.ExpiresAt.Add(time.Minute)
	if err := c.MergePut(ctx, f, Patch{ExpiresAt: newExpiry, LastActivity: newExpiry}); err != nil {
		t.Fatal(err)
	}
	recs, err := c.Query(ctx, f)
	if err != nil || len(recs) != 1 {
		t.Fatalf("query after merge: %v %v", recs, err)
	}
	if !recs[0].ExpiresAt.Equal(newExpiry) {
		t.Fatal("stale result served after a write")
	}

	if err := c.Delete(ctx, f); err != nil {
		t.Fatal(err)
	}
	recs, err = c.Query(ctx, f)
	if err != nil || len(recs) != 0 {
		t.Fatalf("query after delete: %v %v", recs, err)
	}
}

func TestCachedExpiresByTTL(t *testing.T) {
	ctx := context.Background()
	backend := &countingStore{Store: NewInMemoryStore()}
	c := NewCached(backend, WithCacheTTL(20*time.Millisecond))
	f := testFilter()
	if err := c.Put(ctx, f, testRecord()); err != nil {
		t.Fatal(err)
	}

	if _, err := c.Query(ctx, f); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, err := c.Query(ctx, f); err != nil {
		t.Fatal(err)
	}
	if n := backend.queries.Load(); n != 2 {
		t.Fatalf("want a fresh read after the TTL, got %d backend queries", n)
	}
}
