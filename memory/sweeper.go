package memory

import (
	"context"
	"time"

	"github.com/wolfeidau/tiercache/telemetry"
)

// Start launches the background sweep goroutine. Calling it more than once,
// or after Close, is a no-op.
func (t *Tier) Start(ctx context.Context) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.running || t.stopped {
		return
	}
	t.running = true
	go t.run(ctx)
}

// Close stops the background sweep and waits for it to exit. Entries are kept.
func (t *Tier) Close() {
	t.lifecycle.Lock()
	if t.stopped {
		t.lifecycle.Unlock()
		return
	}
	t.stopped = true
	running := t.running
	t.lifecycle.Unlock()

	close(t.stopCh)
	if running {
		<-t.doneCh
	}
}

func (t *Tier) run(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	t.logger.Debug("memory sweep started", "interval", t.sweepInterval, "max_size", t.maxSize)

	for {
		select {
		case <-ticker.C:
			t.SweepNow(ctx)
		case <-t.stopCh:
			t.logger.Debug("memory sweep stopped")
			return
		case <-ctx.Done():
			t.logger.Debug("memory sweep stopped")
			return
		}
	}
}

// SweepNow removes every expired entry in one pass and returns how many were removed.
func (t *Tier) SweepNow(ctx context.Context) int {
	start := time.Now()

	t.mu.Lock()
	now := t.now()
	removed := 0
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*item).entry.IsExpired(now) {
			t.removeElement(el)
			removed++
		}
		el = next
	}
	size := t.order.Len()
	t.mu.Unlock()

	t.stats.Expirations.Add(uint64(removed)) //nolint:gosec // removed is non-negative
	telemetry.RecordSweep(ctx, telemetry.TierMemory, removed, time.Since(start))
	telemetry.RecordEviction(ctx, telemetry.TierMemory, "expired", removed)
	telemetry.UpdateTierSize(ctx, telemetry.TierMemory, size)

	if removed > 0 {
		t.logger.Debug("swept expired entries", "removed", removed, "remaining", size)
	}
	return removed
}
