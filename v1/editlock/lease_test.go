package editlock

import (
	"testing"
	"time"
)

func TestDeriveIdentity(t *testing.T) {
	cases := []struct {
		name string
		user User
		want string
	}{
		{"explicit id", User{ID: "user-123", BudgetID: "budget-456", UserName: "testuser"}, "user-123"},
		{"budget fallback", User{BudgetID: "budget-456", UserName: "testuser"}, "budget-456"},
		{"name slug", User{UserName: "Test User@123"}, "user_test_user_123"},
		{"name specials", User{UserName: "John-Doe!@#$%^&*()"}, "user_john_doe__________"},
		{"name spaces", User{UserName: "Test  User  Name"}, "user_test__user__name"},
		{"only specials", User{UserName: "!@#$%^&*()"}, "user___________"},
		{"empty", User{}, "anonymous"},
	}
	for _, tc := range cases {
		if got := DeriveIdentity(tc.user); got != tc.want {
			t.Errorf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestDeriveIdentityStable(t *testing.T) {
	u := User{UserName: "Same User"}
	if DeriveIdentity(u) != DeriveIdentity(u) {
		t.Fatal("identity derivation must be deterministic")
	}
}

func TestNewLease(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	l := NewLease("envelope", "rec-123", "budget-1", User{ID: "u1", UserName: "Alice"}, 0, now)
	if l.UserID != "u1" || l.UserName != "Alice" {
		t.Fatalf("identity fields: %+v", l)
	}
	if l.LockID() != "envelope_rec-123" {
		t.Fatalf("lock id: %s", l.LockID())
	}
	if !l.ExpiresAt.Equal(now.Add(DefaultLeaseDuration)) {
		t.Fatalf("default duration not applied: %v", l.ExpiresAt)
	}
	if !l.AcquiredAt.Equal(now) || !l.LastActivity.Equal(now) {
		t.Fatalf("timestamps: %+v", l)
	}
}

func TestExtendDoesNotMutateInput(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	orig := NewLease("debt", "42", "b", User{ID: "u"}, time.Minute, now)
	later := now.Add(30 * time.Second)
	ext := Extend(orig, time.Minute, later)
	if !orig.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatal("Extend mutated its input")
	}
	if !ext.ExpiresAt.Equal(later.Add(time.Minute)) {
		t.Fatalf("extended expiry: %v", ext.ExpiresAt)
	}
	if !ext.LastActivity.Equal(later) {
		t.Fatalf("last activity: %v", ext.LastActivity)
	}
	if ext.UserID != orig.UserID || ext.AcquiredAt != orig.AcquiredAt {
		t.Fatal("Extend changed identity fields")
	}
}

func TestIsExpired(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	past := Lease{ExpiresAt: now.Add(-time.Hour)}
	future := Lease{ExpiresAt: now.Add(time.Hour)}
	exact := Lease{ExpiresAt: now}
	if !IsExpired(&past, now) {
		t.Fatal("past lease should be expired")
	}
	if IsExpired(&future, now) {
		t.Fatal("future lease should not be expired")
	}
	if !IsExpired(&exact, now) {
		t.Fatal("lease expiring exactly now counts as expired")
	}
	if IsExpired(nil, now) {
		t.Fatal("nil lease is never expired")
	}
	if IsExpired(&Lease{}, now) {
		t.Fatal("lease without expiry is never expired")
	}
}

func TestIsOwn(t *testing.T) {
	l := &Lease{UserID: "u1"}
	if !IsOwn(l, "u1") {
		t.Fatal("own lock not recognized")
	}
	if IsOwn(l, "u2") || IsOwn(nil, "u1") || IsOwn(l, "") || IsOwn(&Lease{}, "u1") {
		t.Fatal("foreign/empty cases must be false")
	}
}

func TestRemaining(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	l := &Lease{ExpiresAt: now.Add(45 * time.Second)}
	if got := Remaining(l, now); got != 45*time.Second {
		t.Fatalf("remaining: %v", got)
	}
	if Remaining(&Lease{ExpiresAt: now.Add(-time.Minute)}, now) != 0 {
		t.Fatal("remaining must clamp at zero")
	}
	if Remaining(nil, now) != 0 {
		t.Fatal("nil lease has no remaining time")
	}
}
