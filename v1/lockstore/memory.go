package lockstore

import (
	"context"
	"sync"
	"time"

	vverrors "github.com/thef4tdaddy/violet-vault-sub003/v1/errors"
)

// InMemoryStore is a Store implementation backed by a map. It is the
// reference implementation for tests and single-process use; subscribers
// receive the current result set after every mutation.
type InMemoryStore struct {
	mu     sync.Mutex
	items  map[string]Record
	subs   map[string][]chan []Record
	authed bool
	clock  func() time.Time
}

// InMemoryOption configures an InMemoryStore.
type InMemoryOption func(*InMemoryStore)

// WithClock overrides the store clock, mainly for tests.
func WithClock(now func() time.Time) InMemoryOption {
	return func(s *InMemoryStore) { s.clock = now }
}

// NewInMemoryStore returns a new, authenticated InMemoryStore.
func NewInMemoryStore(opts ...InMemoryOption) *InMemoryStore {
	s := &InMemoryStore{
		items:  make(map[string]Record),
		subs:   make(map[string][]chan []Record),
		authed: true,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetAuthenticated toggles the simulated authentication state.
func (s *InMemoryStore) SetAuthenticated(ok bool) {
	s.mu.Lock()
	s.authed = ok
	s.mu.Unlock()
}

// IsAuthenticated implements Store.IsAuthenticated.
func (s *InMemoryStore) IsAuthenticated(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Now implements Store.Now.
func (s *InMemoryStore) Now(ctx context.Context) time.Time {
	return s.clock()
}

func (s *InMemoryStore) checkAuth() error {
	if !s.authed {
		return vverrors.ErrPermissionDenied
	}
	return nil
}

// Put implements Store.Put.
func (s *InMemoryStore) Put(ctx context.Context, f Filter, rec Record) error {
	s.mu.Lock()
	if err := s.checkAuth(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.items[f.Key()] = rec
	s.notifyLocked(f)
	s.mu.Unlock()
	return nil
}

// MergePut implements Store.MergePut. A missing document is created with
// the filter identity and the patch fields, matching merge-upsert stores.
func (s *InMemoryStore) MergePut(ctx context.Context, f Filter, p Patch) error {
	s.mu.Lock()
	if err := s.checkAuth(); err != nil {
		s.mu.Unlock()
		return err
	}
	rec, ok := s.items[f.Key()]
	if !ok {
		rec = Record{RecordType: f.RecordType, RecordID: f.RecordID, BudgetID: f.BudgetID}
	}
	rec.ExpiresAt = p.ExpiresAt
	rec.LastActivity = p.LastActivity
	s.items[f.Key()] = rec
	s.notifyLocked(f)
	s.mu.Unlock()
	return nil
}

// Delete implements Store.Delete. Deleting a missing key is a no-op.
func (s *InMemoryStore) Delete(ctx context.Context, f Filter) error {
	s.mu.Lock()
	if err := s.checkAuth(); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.items[f.Key()]; ok {
		delete(s.items, f.Key())
		s.notifyLocked(f)
	}
	s.mu.Unlock()
	return nil
}

// Query implements Store.Query.
func (s *InMemoryStore) Query(ctx context.Context, f Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAuth(); err != nil {
		return nil, err
	}
	return s.resultLocked(f), nil
}

// Subscribe implements Store.Subscribe. The current state is pushed
// immediately so new watchers do not wait for the next change.
func (s *InMemoryStore) Subscribe(ctx context.Context, f Filter) (chan []Record, error) {
	s.mu.Lock()
	if err := s.checkAuth(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ch := make(chan []Record, 1)
	s.subs[f.Key()] = append(s.subs[f.Key()], ch)
	send(ch, s.resultLocked(f))
	s.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = s.Unsubscribe(context.Background(), f, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Store.Unsubscribe and closes the channel.
func (s *InMemoryStore) Unsubscribe(ctx context.Context, f Filter, ch chan []Record) error {
	s.mu.Lock()
	subs := s.subs[f.Key()]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			s.subs[f.Key()] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(s.subs, f.Key())
	}
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) resultLocked(f Filter) []Record {
	rec, ok := s.items[f.Key()]
	if !ok {
		return nil
	}
	return []Record{rec}
}

func (s *InMemoryStore) notifyLocked(f Filter) {
	recs := s.resultLocked(f)
	for _, ch := range s.subs[f.Key()] {
		send(ch, recs)
	}
}

// send delivers the latest result without blocking, replacing any stale
// undelivered state. Watchers always observe the newest snapshot.
func send(ch chan []Record, recs []Record) {
	for {
		select {
		case ch <- recs:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
