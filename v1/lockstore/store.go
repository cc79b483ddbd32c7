// Package lockstore abstracts the document store that persists edit-lock
// leases. The coordinator only ever touches the store through the Store
// interface; implementations cover a single "locks" collection scoped by
// budget (tenant).
package lockstore

import (
	"context"
	"time"
)

// Record is the persisted lock document. ExpiresAt is authoritative for
// validity; LastActivity is informational only.
type Record struct {
	RecordType   string    `json:"recordType"`
	RecordID     string    `json:"recordId"`
	BudgetID     string    `json:"budgetId"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	AcquiredAt   time.Time `json:"acquiredAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// LockID returns the wire identity of the lock document.
func (r Record) LockID() string {
	return r.RecordType + "_" + r.RecordID
}

// Filter selects lock documents by equality on all three fields.
type Filter struct {
	BudgetID   string
	RecordType string
	RecordID   string
}

// Key returns the storage key for the filter, scoping the lock id by budget.
func (f Filter) Key() string {
	return f.BudgetID + "/" + f.RecordType + "_" + f.RecordID
}

// Patch is the partial-field update applied by MergePut. The heartbeat
// uses it so renewals never rewrite identity fields.
type Patch struct {
	ExpiresAt    time.Time `json:"expiresAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Store is the document-store surface the coordinator requires.
//
// Subscribe pushes the full current result set for the filter on every
// matching change, starting with the state at subscription time. Delete
// of a missing document is not an error. Implementations map backend
// authorization failures onto errors.ErrPermissionDenied so the
// coordinator can degrade instead of failing.
type Store interface {
	Put(ctx context.Context, f Filter, rec Record) error
	MergePut(ctx context.Context, f Filter, p Patch) error
	Delete(ctx context.Context, f Filter) error
	Query(ctx context.Context, f Filter) ([]Record, error)
	Subscribe(ctx context.Context, f Filter) (chan []Record, error)
	Unsubscribe(ctx context.Context, f Filter, ch chan []Record) error
	// IsAuthenticated reports whether the backend will accept writes for
	// this session. The coordinator checks it before every acquisition.
	IsAuthenticated(ctx context.Context) bool
	// Now returns the store's authoritative timestamp, used for
	// AcquiredAt and LastActivity so all clients share one clock.
	Now(ctx context.Context) time.Time
}
