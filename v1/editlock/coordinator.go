package editlock

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	vverrors "github.com/thef4tdaddy/violet-vault-sub003/v1/errors"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/lockstore"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/metrics"
)

var tracer = otel.Tracer("github.com/thef4tdaddy/violet-vault-sub003/v1/editlock")

// Default lease timing. All three are configurable per coordinator.
const (
	DefaultLeaseDuration = 60 * time.Second
	HeartbeatInterval    = 5 * time.Second
	HeartbeatExtension   = 60 * time.Second

	cleanupTimeout = 5 * time.Second
)

// Reason tags an acquire outcome so callers can distinguish "succeeded"
// from "succeeded because locking is off".
type Reason string

const (
	ReasonAcquiredNew      Reason = "acquired_new"
	ReasonExtendedExisting Reason = "extended_existing"
	ReasonLockedByOther    Reason = "locked_by_other"
	ReasonLocksDisabled    Reason = "locks_disabled"
	ReasonNotExpired       Reason = "not_expired"
)

// AcquireResult reports the outcome of an Acquire call. On conflict,
// LockedBy and ExpiresAt describe the competing lease so the UI can
// offer a wait-or-break experience.
type AcquireResult struct {
	OK        bool
	Reason    Reason
	Lease     *Lease
	LockedBy  string
	ExpiresAt time.Time
}

// ReleaseResult reports the outcome of a Release call.
type ReleaseResult struct {
	OK bool
}

// Coordinator owns the acquire/release/extend/reclaim protocol for one
// session: the leases it believes it holds, one heartbeat per held
// lease, and one live watch per observed record.
type Coordinator struct {
	store    lockstore.Store
	budgetID string
	user     User
	userID   string

	leaseDuration time.Duration
	hbInterval    time.Duration
	hbExtension   time.Duration

	sf singleflight.Group

	mu         sync.Mutex
	held       map[string]Lease
	heartbeats map[string]*heartbeat
	watches    map[string]*watch
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLeaseDuration sets the default lease duration.
func WithLeaseDuration(d time.Duration) Option {
	return func(c *Coordinator) { c.leaseDuration = d }
}

// WithHeartbeat sets the renewal interval and per-renewal extension.
func WithHeartbeat(interval, extension time.Duration) Option {
	return func(c *Coordinator) {
		c.hbInterval = interval
		c.hbExtension = extension
	}
}

// New creates a Coordinator for one tenant and user session.
func New(store lockstore.Store, budgetID string, user User, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:         store,
		budgetID:      budgetID,
		user:          user,
		userID:        DeriveIdentity(user),
		leaseDuration: DefaultLeaseDuration,
		hbInterval:    HeartbeatInterval,
		hbExtension:   HeartbeatExtension,
		held:          make(map[string]Lease),
		heartbeats:    make(map[string]*heartbeat),
		watches:       make(map[string]*watch),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Identity returns the derived lock identity of this session.
func (c *Coordinator) Identity() string { return c.userID }

func (c *Coordinator) filter(recordType, recordID string) lockstore.Filter {
	return lockstore.Filter{BudgetID: c.budgetID, RecordType: recordType, RecordID: recordID}
}

func (c *Coordinator) initialized(recordType, recordID string) bool {
	return c.store != nil && c.budgetID != "" && recordType != "" && recordID != ""
}

// AcquireOption configures a single Acquire call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	duration time.Duration
}

// WithDuration overrides the lease duration for this acquisition.
func WithDuration(d time.Duration) AcquireOption {
	return func(o *acquireOptions) { o.duration = d }
}

func degraded(f lockstore.Filter, cause string) AcquireResult {
	slog.Warn("vvlock: locking disabled, allowing edit", "lock", f.Key(), "cause", cause)
	metrics.DegradedCounter.Inc()
	return AcquireResult{OK: true, Reason: ReasonLocksDisabled}
}

// Acquire attempts to take the edit lock for a record.
//
// A foreign valid lease yields a ReasonLockedByOther result; an expired
// foreign lease is reclaimed; an own lease is extended. Permission
// failures anywhere degrade to ReasonLocksDisabled success rather than
// blocking the edit. Concurrent Acquire calls for the same key within
// this process share a single flight. If the backing query ever returns
// several leases for one key (a read-then-write race artifact), the
// first result wins; no reconciliation is attempted.
func (c *Coordinator) Acquire(ctx context.Context, recordType, recordID string, opts ...AcquireOption) (AcquireResult, error) {
	if !c.initialized(recordType, recordID) {
		return AcquireResult{}, vverrors.ErrNotInitialized
	}
	o := acquireOptions{duration: c.leaseDuration}
	for _, opt := range opts {
		opt(&o)
	}
	f := c.filter(recordType, recordID)

	type outcome struct {
		res AcquireResult
		err error
	}
	v, _, _ := c.sf.Do(f.Key(), func() (interface{}, error) {
		res, err := c.acquire(ctx, f, o.duration)
		return outcome{res: res, err: err}, nil
	})
	out := v.(outcome)
	return out.res, out.err
}

func (c *Coordinator) acquire(ctx context.Context, f lockstore.Filter, duration time.Duration) (AcquireResult, error) {
	ctx, span := tracer.Start(ctx, "editlock.Acquire")
	defer span.End()
	span.SetAttributes(attribute.String("lock.key", f.Key()))

	if !c.store.IsAuthenticated(ctx) {
		span.SetAttributes(attribute.String("lock.outcome", string(ReasonLocksDisabled)))
		return degraded(f, "unauthenticated"), nil
	}

	recs, err := c.store.Query(ctx, f)
	if stdErrors.Is(err, vverrors.ErrPermissionDenied) {
		return degraded(f, "permission denied on query"), nil
	}
	if err != nil {
		return AcquireResult{}, err
	}
	var cur *Lease
	if len(recs) > 0 {
		cur = &recs[0]
	}
	now := c.store.Now(ctx)

	if cur != nil && !IsOwn(cur, c.userID) {
		if !IsExpired(cur, now) {
			metrics.ConflictCounter.Inc()
			span.SetAttributes(attribute.String("lock.outcome", string(ReasonLockedByOther)))
			return AcquireResult{
				Reason:    ReasonLockedByOther,
				LockedBy:  cur.UserName,
				ExpiresAt: cur.ExpiresAt,
			}, nil
		}
		// Stale foreign lease: reclaim. Delete errors are ignored; the
		// Put below supersedes the document either way.
		_ = c.store.Delete(ctx, f)
		metrics.ReclaimCounter.Inc()
		cur = nil
	}

	var (
		lease  Lease
		reason Reason
	)
	if cur == nil {
		lease = NewLease(f.RecordType, f.RecordID, c.budgetID, c.user, duration, now)
		reason = ReasonAcquiredNew
	} else {
		lease = Extend(*cur, duration, now)
		reason = ReasonExtendedExisting
	}
	if err := c.store.Put(ctx, f, lease); err != nil {
		if stdErrors.Is(err, vverrors.ErrPermissionDenied) {
			return degraded(f, "permission denied on write"), nil
		}
		return AcquireResult{}, err
	}

	c.mu.Lock()
	if _, ok := c.held[lease.LockID()]; !ok {
		metrics.HeldGauge.Inc()
	}
	c.held[lease.LockID()] = lease
	c.mu.Unlock()
	c.startHeartbeat(f)

	metrics.AcquireCounter.Inc()
	span.SetAttributes(attribute.String("lock.outcome", string(reason)))
	slog.Debug("vvlock: lock acquired", "lock", f.Key(), "reason", string(reason), "expiresAt", lease.ExpiresAt)
	return AcquireResult{OK: true, Reason: reason, Lease: &lease}, nil
}

// Release deletes the record's lease document and clears all local
// state for it. Permission-denied deletes count as success; any other
// error is surfaced, but the local cache and heartbeat are cleared
// regardless, making Release idempotent for the caller.
func (c *Coordinator) Release(ctx context.Context, recordType, recordID string) (ReleaseResult, error) {
	if !c.initialized(recordType, recordID) {
		return ReleaseResult{}, vverrors.ErrNotInitialized
	}
	ctx, span := tracer.Start(ctx, "editlock.Release")
	defer span.End()
	f := c.filter(recordType, recordID)
	span.SetAttributes(attribute.String("lock.key", f.Key()))

	lockID := f.RecordType + "_" + f.RecordID
	c.stopHeartbeat(lockID)
	c.mu.Lock()
	if _, ok := c.held[lockID]; ok {
		delete(c.held, lockID)
		metrics.HeldGauge.Dec()
	}
	c.mu.Unlock()

	err := c.store.Delete(ctx, f)
	if stdErrors.Is(err, vverrors.ErrPermissionDenied) {
		slog.Warn("vvlock: release denied, clearing local state only", "lock", f.Key())
		return ReleaseResult{OK: true}, nil
	}
	if err != nil {
		return ReleaseResult{}, err
	}
	metrics.ReleaseCounter.Inc()
	return ReleaseResult{OK: true}, nil
}

// GetLease returns the current lease for a record, or nil when none
// exists or the backend denies the read. Absence of a lock is a normal
// state, never an error.
func (c *Coordinator) GetLease(ctx context.Context, recordType, recordID string) (*Lease, error) {
	if !c.initialized(recordType, recordID) {
		return nil, vverrors.ErrNotInitialized
	}
	recs, err := c.store.Query(ctx, c.filter(recordType, recordID))
	if stdErrors.Is(err, vverrors.ErrPermissionDenied) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}
	return &recs[0], nil
}

// OwnsLease reports whether this process believes it holds the record's
// lease. Pure local-cache check; no I/O.
func (c *Coordinator) OwnsLease(recordType, recordID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.held[recordType+"_"+recordID]
	return ok && l.UserID == c.userID
}

// Cleanup stops every heartbeat, best-effort releases every held own
// lease, cancels every watch and clears all local state. It never
// awaits the release writes, is safe to call repeatedly, and swallows
// backend errors so teardown cannot fail.
func (c *Coordinator) Cleanup() {
	c.mu.Lock()
	hbs := c.heartbeats
	held := c.held
	watches := c.watches
	c.heartbeats = make(map[string]*heartbeat)
	c.held = make(map[string]Lease)
	c.watches = make(map[string]*watch)
	c.mu.Unlock()

	for _, hb := range hbs {
		hb.halt()
	}
	for _, l := range held {
		metrics.HeldGauge.Dec()
		if l.UserID != c.userID {
			continue
		}
		f := c.filter(l.RecordType, l.RecordID)
		go func(f lockstore.Filter) {
			ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
			defer cancel()
			_ = c.store.Delete(ctx, f)
		}(f)
	}
	for _, w := range watches {
		w.stop(c.store)
	}
}
