package editlock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/thef4tdaddy/violet-vault-sub003/v1/lockstore"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/metrics"
)

const heartbeatWriteTimeout = 5 * time.Second

type heartbeat struct {
	stop chan struct{}
	once sync.Once
}

func (hb *heartbeat) halt() {
	hb.once.Do(func() { close(hb.stop) })
}

// startHeartbeat begins periodic renewal for a held lease. A running
// heartbeat for the same key is stopped first so a key never has two
// concurrent renewal loops.
func (c *Coordinator) startHeartbeat(f lockstore.Filter) {
	lockID := f.RecordType + "_" + f.RecordID
	hb := &heartbeat{stop: make(chan struct{})}
	c.mu.Lock()
	if old, ok := c.heartbeats[lockID]; ok {
		old.halt()
	}
	c.heartbeats[lockID] = hb
	c.mu.Unlock()
	go c.runHeartbeat(hb, f, lockID)
}

func (c *Coordinator) stopHeartbeat(lockID string) {
	c.mu.Lock()
	hb, ok := c.heartbeats[lockID]
	if ok {
		delete(c.heartbeats, lockID)
	}
	c.mu.Unlock()
	if ok {
		hb.halt()
	}
}

// runHeartbeat renews the lease every interval until stopped. A failed
// renewal abandons the lease immediately (fail-closed): other clients
// detect the loss through normal expiry, never an explicit signal.
func (c *Coordinator) runHeartbeat(hb *heartbeat, f lockstore.Filter, lockID string) {
	ticker := time.NewTicker(c.hbInterval)
	defer ticker.Stop()
	for {
		select {
		case <-hb.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), heartbeatWriteTimeout)
			now := c.store.Now(ctx)
			patch := lockstore.Patch{ExpiresAt: now.Add(c.hbExtension), LastActivity: now}
			err := c.store.MergePut(ctx, f, patch)
			cancel()
			if err != nil {
				slog.Warn("vvlock: heartbeat failed, abandoning lease", "lock", f.Key(), "error", err)
				metrics.HeartbeatFailureCounter.Inc()
				c.mu.Lock()
				if c.heartbeats[lockID] == hb {
					delete(c.heartbeats, lockID)
				}
				c.mu.Unlock()
				return
			}
			metrics.HeartbeatCounter.Inc()
			c.mu.Lock()
			if cur, ok := c.held[lockID]; ok {
				cur.ExpiresAt = patch.ExpiresAt
				cur.LastActivity = patch.LastActivity
				c.held[lockID] = cur
			}
			c.mu.Unlock()
		}
	}
}
