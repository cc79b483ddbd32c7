// Package editlock implements the lease-based edit-lock coordinator that
// keeps multiple household sessions from clobbering each other's edits.
// Locks are advisory: clients coordinate exclusively through the shared
// lock document store, tolerate a read-then-write race window (last
// writer wins on the lock document), and degrade to unlocked editing
// when the locking backend itself is unreachable or unauthorized.
package editlock
