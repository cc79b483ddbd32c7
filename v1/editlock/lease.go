package editlock

import (
	"strings"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub003/v1/lockstore"
)

// Lease is the persisted lock document granting one identity presumed
// exclusive edit rights over a record until ExpiresAt.
type Lease = lockstore.Record

// User describes the local session's user profile. Any subset of fields
// may be empty; identity derivation falls back accordingly.
type User struct {
	ID       string
	BudgetID string
	UserName string
}

// AnonymousIdentity is the identity of a session with no usable profile.
const AnonymousIdentity = "anonymous"

// DeriveIdentity returns the stable lock identity for a user: the
// explicit id, else the budget id, else a normalized slug of the display
// name, else "anonymous". Two sessions of the same logical user always
// derive the same identity.
func DeriveIdentity(u User) string {
	switch {
	case u.ID != "":
		return u.ID
	case u.BudgetID != "":
		return u.BudgetID
	case u.UserName != "":
		slug := strings.Map(func(r rune) rune {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				return r
			}
			return '_'
		}, strings.ToLower(u.UserName))
		return "user_" + slug
	default:
		return AnonymousIdentity
	}
}

// NewLease builds a fresh lease expiring at now+duration. A non-positive
// duration falls back to DefaultLeaseDuration.
func NewLease(recordType, recordID, budgetID string, u User, duration time.Duration, now time.Time) Lease {
	if duration <= 0 {
		duration = DefaultLeaseDuration
	}
	return Lease{
		RecordType:   recordType,
		RecordID:     recordID,
		BudgetID:     budgetID,
		UserID:       DeriveIdentity(u),
		UserName:     u.UserName,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(duration),
		LastActivity: now,
	}
}

// Extend returns a copy of the lease with its expiry pushed to
// now+duration and activity refreshed. The input is not mutated; callers
// may hold the original for rollback.
func Extend(l Lease, duration time.Duration, now time.Time) Lease {
	if duration <= 0 {
		duration = DefaultLeaseDuration
	}
	l.ExpiresAt = now.Add(duration)
	l.LastActivity = now
	return l
}

// IsOwn reports whether the lease belongs to the given identity.
func IsOwn(l *Lease, userID string) bool {
	return l != nil && userID != "" && l.UserID == userID
}

// IsExpired reports whether the lease has expired. A lease expiring
// exactly now counts as expired; a lease without an expiry never does.
func IsExpired(l *Lease, now time.Time) bool {
	if l == nil || l.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(l.ExpiresAt)
}

// Remaining returns the time left on the lease, clamped at zero.
func Remaining(l *Lease, now time.Time) time.Duration {
	if l == nil || l.ExpiresAt.IsZero() {
		return 0
	}
	if d := l.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
