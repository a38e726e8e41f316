package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/tiercache"
	"github.com/wolfeidau/tiercache/telemetry"
	"golang.org/x/sync/errgroup"
)

// WarmEntry names a key to populate and the function that produces its value.
type WarmEntry[T any] struct {
	Key   string
	Fetch func(ctx context.Context) (T, error)

	// Config applies to the stored value. Nil means the default config.
	Config *tiercache.Config
}

// WarmResult counts the outcome of a Warm call.
type WarmResult struct {
	Stored int
	Failed int
}

// Warm runs every fetcher concurrently, bounded by the warm concurrency, and
// stores each successful result. A fetcher that fails or panics is logged and
// skipped; it never stops the others.
func (m *Manager[T]) Warm(ctx context.Context, entries []WarmEntry[T]) WarmResult {
	var stored, failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(m.warmConcurrency)

	start := time.Now()
	for _, entry := range entries {
		g.Go(func() error {
			if m.warmOne(ctx, entry) {
				stored.Add(1)
			} else {
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	res := WarmResult{Stored: int(stored.Load()), Failed: int(failed.Load())}
	m.logger.Info("cache warmed",
		"entries", len(entries),
		"stored", res.Stored,
		"failed", res.Failed,
		"duration", time.Since(start))
	return res
}

func (m *Manager[T]) warmOne(ctx context.Context, entry WarmEntry[T]) (ok bool) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("warm fetcher panicked", "key", entry.Key, "panic", fmt.Sprint(r))
			telemetry.RecordWarmFetch(ctx, "panic", time.Since(start))
			ok = false
		}
	}()

	if entry.Fetch == nil {
		m.logger.Warn("warm entry has no fetcher", "key", entry.Key)
		return false
	}

	v, err := entry.Fetch(ctx)
	if err != nil {
		m.logger.Warn("warm fetcher failed", "key", entry.Key, "error", err)
		telemetry.RecordWarmFetch(ctx, "error", time.Since(start))
		return false
	}

	var cfg []tiercache.Config
	if entry.Config != nil {
		cfg = append(cfg, *entry.Config)
	}
	if err := m.Set(ctx, entry.Key, v, cfg...); err != nil {
		m.logger.Warn("storing warmed value failed", "key", entry.Key, "error", err)
		telemetry.RecordWarmFetch(ctx, "error", time.Since(start))
		return false
	}

	telemetry.RecordWarmFetch(ctx, "success", time.Since(start))
	return true
}
