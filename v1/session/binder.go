// Package session binds UI edit surfaces to the lock coordinator: it
// auto-acquires when an edit surface opens, streams a displayable lock
// status while it stays open, and auto-releases on close without ever
// releasing a lock it does not own.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/thef4tdaddy/violet-vault-sub003/v1/editlock"
)

// Status is the displayable lock state of a bound record.
type Status int

const (
	// StatusUnlocked means no lease is visible; editing may proceed.
	StatusUnlocked Status = iota
	// StatusOwnActive means this session holds the lease.
	StatusOwnActive
	// StatusForeignActive means another user holds a valid lease.
	StatusForeignActive
	// StatusForeignExpired means another user's lease has expired and is
	// eligible for BreakLock.
	StatusForeignExpired
)

// String returns the wire label for the status.
func (s Status) String() string {
	switch s {
	case StatusOwnActive:
		return "own-active"
	case StatusForeignActive:
		return "foreign-active"
	case StatusForeignExpired:
		return "foreign-expired"
	default:
		return "unlocked"
	}
}

// State is a snapshot of the bound record's lock situation.
type State struct {
	Status    Status
	Lease     *editlock.Lease
	LockedBy  string
	ExpiresAt time.Time
	Remaining time.Duration
	// Degraded is set when locking is disabled (backend unauthenticated
	// or unauthorized); editing proceeds unprotected.
	Degraded bool
	CanEdit  bool
}

const (
	defaultTick     = time.Second
	bindTimeout     = 10 * time.Second
	teardownTimeout = 5 * time.Second
)

// Option configures a Binder.
type Option func(*Binder)

// WithoutAutoAcquire disables acquisition on bind; the caller drives
// Acquire through the coordinator explicitly.
func WithoutAutoAcquire() Option {
	return func(b *Binder) { b.autoAcquire = false }
}

// WithoutAutoRelease disables release on Close/Rebind.
func WithoutAutoRelease() Option {
	return func(b *Binder) { b.autoRelease = false }
}

// WithTick sets the countdown refresh interval.
func WithTick(d time.Duration) Option {
	return func(b *Binder) { b.tick = d }
}

// WithOnChange registers a callback invoked with every state change.
func WithOnChange(fn func(State)) Option {
	return func(b *Binder) { b.onChange = fn }
}

// Binder drives the coordinator from one edit surface's lifecycle.
type Binder struct {
	id    string
	coord *editlock.Coordinator

	autoAcquire bool
	autoRelease bool
	tick        time.Duration
	onChange    func(State)

	mu         sync.Mutex
	recordType string
	recordID   string
	state      State
	unwatch    func()
	stopTick   chan struct{}
	closed     bool

	updates chan State
}

// New creates a binder for a record and activates it immediately when
// both identifiers are non-empty. An empty identifier leaves the binder
// inert until Rebind supplies a real record (the null-to-non-null
// transition of an opening edit surface).
func New(coord *editlock.Coordinator, recordType, recordID string, opts ...Option) *Binder {
	id, _ := uuid.GenerateUUID()
	b := &Binder{
		id:          id,
		coord:       coord,
		autoAcquire: true,
		autoRelease: true,
		tick:        defaultTick,
		updates:     make(chan State, 1),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.mu.Lock()
	b.bindLocked(recordType, recordID)
	b.mu.Unlock()
	return b
}

// ID returns the binder's unique id.
func (b *Binder) ID() string { return b.id }

// State returns the current snapshot.
func (b *Binder) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Updates returns a channel carrying state snapshots. Only the newest
// undelivered snapshot is retained; slow consumers skip intermediate
// states rather than lag behind.
func (b *Binder) Updates() <-chan State { return b.updates }

func (b *Binder) bindLocked(recordType, recordID string) {
	b.recordType = recordType
	b.recordID = recordID
	b.state = State{Status: StatusUnlocked, CanEdit: true}
	if recordType == "" || recordID == "" {
		return
	}
	b.unwatch = b.coord.Watch(recordType, recordID, b.onLease)
	stop := make(chan struct{})
	b.stopTick = stop
	go b.runTicker(stop)
	if b.autoAcquire {
		go b.acquire(recordType, recordID)
	}
}

func (b *Binder) unbindLocked() {
	if b.unwatch != nil {
		b.unwatch()
		b.unwatch = nil
	}
	if b.stopTick != nil {
		close(b.stopTick)
		b.stopTick = nil
	}
	recordType, recordID := b.recordType, b.recordID
	b.recordType, b.recordID = "", ""
	if b.autoRelease && recordType != "" && b.coord.OwnsLease(recordType, recordID) {
		// Best-effort; teardown must not depend on the backend.
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			_, _ = b.coord.Release(ctx, recordType, recordID)
		}()
	}
}

// Rebind tears down the current binding (releasing an own lease) and
// binds the new record. Empty identifiers deactivate the binder.
func (b *Binder) Rebind(recordType, recordID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.unbindLocked()
	b.bindLocked(recordType, recordID)
}

// Close tears down the binding. Safe to call more than once.
func (b *Binder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.unbindLocked()
}

// BreakLock reclaims an expired foreign lease through the normal
// acquire path (delete stale, write fresh). It refuses when no lease is
// visible, when the lease is our own, or — with ReasonNotExpired — when
// the foreign lease is still valid.
func (b *Binder) BreakLock(ctx context.Context) (editlock.AcquireResult, error) {
	b.mu.Lock()
	recordType, recordID := b.recordType, b.recordID
	lease := b.state.Lease
	b.mu.Unlock()
	if recordType == "" || recordID == "" || lease == nil {
		return editlock.AcquireResult{}, nil
	}
	if editlock.IsOwn(lease, b.coord.Identity()) {
		return editlock.AcquireResult{}, nil
	}
	if !editlock.IsExpired(lease, time.Now()) {
		return editlock.AcquireResult{Reason: editlock.ReasonNotExpired}, nil
	}
	return b.coord.Acquire(ctx, recordType, recordID)
}

// Acquire takes the lock for the bound record explicitly.
func (b *Binder) Acquire(ctx context.Context) (editlock.AcquireResult, error) {
	b.mu.Lock()
	recordType, recordID := b.recordType, b.recordID
	b.mu.Unlock()
	if recordType == "" || recordID == "" {
		return editlock.AcquireResult{}, nil
	}
	res, err := b.coord.Acquire(ctx, recordType, recordID)
	b.noteAcquire(res, err)
	return res, err
}

// Release gives up the lock for the bound record explicitly.
func (b *Binder) Release(ctx context.Context) (editlock.ReleaseResult, error) {
	b.mu.Lock()
	recordType, recordID := b.recordType, b.recordID
	b.mu.Unlock()
	if recordType == "" || recordID == "" {
		return editlock.ReleaseResult{}, nil
	}
	return b.coord.Release(ctx, recordType, recordID)
}

func (b *Binder) acquire(recordType, recordID string) {
	ctx, cancel := context.WithTimeout(context.Background(), bindTimeout)
	defer cancel()
	res, err := b.coord.Acquire(ctx, recordType, recordID)
	if err != nil {
		slog.Warn("vvlock: auto-acquire failed", "recordType", recordType, "recordId", recordID, "error", err)
		return
	}
	b.noteAcquire(res, nil)
}

func (b *Binder) noteAcquire(res editlock.AcquireResult, err error) {
	if err != nil || !res.OK || res.Reason != editlock.ReasonLocksDisabled {
		return
	}
	b.mu.Lock()
	b.state.Degraded = true
	b.recomputeLocked(time.Now())
	st := b.state
	closed := b.closed
	b.mu.Unlock()
	b.publish(st, closed)
}

func (b *Binder) onLease(l *editlock.Lease) {
	b.mu.Lock()
	b.state.Lease = l
	b.recomputeLocked(time.Now())
	st := b.state
	closed := b.closed
	recordType, recordID := b.recordType, b.recordID
	b.mu.Unlock()
	slog.Debug("vvlock: lock state updated",
		"recordType", recordType, "recordId", recordID,
		"status", st.Status.String(), "lockedBy", st.LockedBy,
		"currentUser", b.coord.Identity())
	b.publish(st, closed)
}

func (b *Binder) runTicker(stop chan struct{}) {
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			prev := b.state
			b.recomputeLocked(time.Now())
			st := b.state
			closed := b.closed
			b.mu.Unlock()
			if st.Status != prev.Status || st.Remaining != prev.Remaining {
				b.publish(st, closed)
			}
		}
	}
}

func (b *Binder) recomputeLocked(now time.Time) {
	l := b.state.Lease
	switch {
	case l == nil:
		b.state.Status = StatusUnlocked
		b.state.LockedBy = ""
		b.state.ExpiresAt = time.Time{}
	case editlock.IsOwn(l, b.coord.Identity()):
		b.state.Status = StatusOwnActive
		b.state.LockedBy = l.UserName
		b.state.ExpiresAt = l.ExpiresAt
	case editlock.IsExpired(l, now):
		b.state.Status = StatusForeignExpired
		b.state.LockedBy = l.UserName
		b.state.ExpiresAt = l.ExpiresAt
	default:
		b.state.Status = StatusForeignActive
		b.state.LockedBy = l.UserName
		b.state.ExpiresAt = l.ExpiresAt
	}
	b.state.Remaining = editlock.Remaining(l, now)
	b.state.CanEdit = b.state.Status == StatusUnlocked ||
		b.state.Status == StatusOwnActive || b.state.Degraded
}

func (b *Binder) publish(st State, closed bool) {
	if b.onChange != nil {
		b.onChange(st)
	}
	if closed {
		return
	}
	for {
		select {
		case b.updates <- st:
			return
		default:
		}
		select {
		case <-b.updates:
		default:
		}
	}
}
