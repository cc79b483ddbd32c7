package editlock

import (
	"context"
	"log/slog"

	"github.com/thef4tdaddy/violet-vault-sub003/v1/lockstore"
	"github.com/thef4tdaddy/violet-vault-sub003/v1/metrics"
)

// Callback receives the current lease for a watched record, or nil when
// no lock is visible. It is invoked from a watch goroutine and must not
// block for long.
type Callback func(*Lease)

type watch struct {
	filter lockstore.Filter
	cancel context.CancelFunc
	ch     chan []lockstore.Record
}

func (w *watch) stop(store lockstore.Store) {
	w.cancel()
	_ = store.Unsubscribe(context.Background(), w.filter, w.ch)
}

// Watch opens one live subscription for the record and invokes cb on
// every change with the first matching lease or nil. A failed
// subscription is reported as "no visible lock" (cb(nil)) rather than
// an error surfaced to UI code. Watching an already-watched key
// replaces the previous subscription. The returned function stops the
// watch and is safe to call more than once.
func (c *Coordinator) Watch(recordType, recordID string, cb Callback) func() {
	if !c.initialized(recordType, recordID) || cb == nil {
		if cb != nil {
			go cb(nil)
		}
		return func() {}
	}
	f := c.filter(recordType, recordID)
	lockID := f.RecordType + "_" + f.RecordID

	sctx, cancel := context.WithCancel(context.Background())
	ch, err := c.store.Subscribe(sctx, f)
	if err != nil {
		cancel()
		slog.Warn("vvlock: watch subscription failed", "lock", f.Key(), "error", err)
		// Subscription failure reads as "no visible lock"; delivered on a
		// fresh goroutine like any other watch event.
		go cb(nil)
		return func() {}
	}
	w := &watch{filter: f, cancel: cancel, ch: ch}

	c.mu.Lock()
	if old, ok := c.watches[lockID]; ok {
		old.stop(c.store)
	}
	c.watches[lockID] = w
	c.mu.Unlock()

	metrics.WatcherGauge.Inc()
	go func() {
		defer metrics.WatcherGauge.Dec()
		for recs := range ch {
			if len(recs) > 0 {
				rec := recs[0]
				cb(&rec)
			} else {
				cb(nil)
			}
		}
	}()
	return func() { c.Unwatch(recordType, recordID) }
}

// Unwatch cancels the record's subscription. Unknown keys are a no-op.
func (c *Coordinator) Unwatch(recordType, recordID string) {
	lockID := recordType + "_" + recordID
	c.mu.Lock()
	w, ok := c.watches[lockID]
	if ok {
		delete(c.watches, lockID)
	}
	c.mu.Unlock()
	if ok {
		w.stop(c.store)
	}
}
