// Package memory implements the process-local cache tier (L1): a bounded map
// with insertion-order eviction and a periodic expiry sweep.
package memory

import (
	"container/list"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/tiercache"
	"github.com/wolfeidau/tiercache/telemetry"
)

const (
	// DefaultMaxSize is the entry capacity used when none is configured.
	DefaultMaxSize = 1000

	// DefaultSweepInterval is how often expired entries are swept.
	DefaultSweepInterval = 5 * time.Minute
)

// Tier is the in-process cache tier.
//
// Concurrency model:
//   - Every mutation, including Get (which drops expired and corrupt entries),
//     holds mu exclusively. Has, Len and Keys take the read lock.
//   - A single background goroutine sweeps expired entries on a ticker,
//     holding mu for one pass at a time.
//   - Counters are atomics and are read without the lock.
type Tier struct {
	maxSize       int
	sweepInterval time.Duration
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.RWMutex
	entries map[string]*list.Element
	order   *list.List // front is the oldest insertion

	stats tiercache.Counters

	lifecycle sync.Mutex
	running   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

type item struct {
	key   string
	entry *tiercache.Entry
}

// Option configures a Tier.
type Option func(*Tier)

// WithMaxSize sets the maximum number of entries. Values <= 0 keep the default.
func WithMaxSize(n int) Option {
	return func(t *Tier) {
		if n > 0 {
			t.maxSize = n
		}
	}
}

// WithSweepInterval sets how often the background sweep runs.
func WithSweepInterval(d time.Duration) Option {
	return func(t *Tier) {
		if d > 0 {
			t.sweepInterval = d
		}
	}
}

// WithLogger sets the logger for the tier.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tier) {
		t.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(t *Tier) {
		t.now = now
	}
}

// New creates a memory tier. Call Start to run the background sweep.
// Defaults: maxSize=1000, sweepInterval=5m.
func New(opts ...Option) *Tier {
	t := &Tier{
		maxSize:       DefaultMaxSize,
		sweepInterval: DefaultSweepInterval,
		logger:        slog.Default(),
		now:           time.Now,
		entries:       make(map[string]*list.Element),
		order:         list.New(),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// MaxSize returns the configured entry capacity.
func (t *Tier) MaxSize() int {
	return t.maxSize
}

// Get returns the value stored under key. Expired, absent and corrupt
// entries are misses; expired and corrupt entries are dropped.
func (t *Tier) Get(ctx context.Context, key string) ([]byte, bool) {
	it, ok := t.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return it.Value, true
}

// Lookup is Get returning the entry metadata alongside the value.
func (t *Tier) Lookup(ctx context.Context, key string) (*tiercache.Item, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		return t.miss(ctx)
	}

	e := el.Value.(*item).entry
	if e.IsExpired(t.now()) {
		t.removeElement(el)
		t.stats.Expirations.Add(1)
		telemetry.RecordEviction(ctx, telemetry.TierMemory, "expired", 1)
		return t.miss(ctx)
	}

	it, err := e.Item()
	if err != nil {
		t.removeElement(el)
		t.stats.Corruptions.Add(1)
		t.logger.Warn("dropping corrupt entry", "key", key, "error", err)
		return t.miss(ctx)
	}

	t.stats.Hits.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierMemory, "get", string(telemetry.CacheHit))
	return it, true
}

func (t *Tier) miss(ctx context.Context) (*tiercache.Item, bool) {
	t.stats.Misses.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierMemory, "get", string(telemetry.CacheMiss))
	return nil, false
}

// Set stores a copy of value under key. Overwriting keeps the key's original
// insertion position; inserting a new key at capacity first evicts the
// oldest-inserted entry.
func (t *Tier) Set(ctx context.Context, key string, value []byte, cfg tiercache.Config) {
	e := tiercache.NewEntry(value, cfg.WithDefaults(), t.now())

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[key]; ok {
		el.Value.(*item).entry = e
	} else {
		if t.order.Len() >= t.maxSize {
			if oldest := t.order.Front(); oldest != nil {
				evicted := oldest.Value.(*item).key
				t.removeElement(oldest)
				t.stats.Evictions.Add(1)
				telemetry.RecordEviction(ctx, telemetry.TierMemory, "capacity", 1)
				t.logger.Debug("evicted oldest entry", "key", evicted)
			}
		}
		t.entries[key] = t.order.PushBack(&item{key: key, entry: e})
	}

	t.stats.Sets.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierMemory, "set", "ok")
}

// Delete removes key and reports whether it existed.
func (t *Tier) Delete(ctx context.Context, key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[key]
	if !ok {
		return false
	}
	t.removeElement(el)
	t.stats.Deletes.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierMemory, "delete", "ok")
	return true
}

// InvalidateByTags removes every entry carrying any of tags and returns how
// many were removed.
func (t *Tier) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for el := t.order.Front(); el != nil; {
		next := el.Next()
		if el.Value.(*item).entry.HasAnyTag(tags) {
			t.removeElement(el)
			removed++
		}
		el = next
	}

	telemetry.RecordInvalidation(ctx, telemetry.TierMemory, removed)
	return removed
}

// Clear removes every entry.
func (t *Tier) Clear(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[string]*list.Element)
	t.order.Init()
	telemetry.UpdateTierSize(ctx, telemetry.TierMemory, 0)
}

// Has reports whether key holds an unexpired entry. It does not touch stats.
func (t *Tier) Has(key string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	el, ok := t.entries[key]
	return ok && !el.Value.(*item).entry.IsExpired(t.now())
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.order.Len()
}

// Keys returns stored keys in insertion order.
func (t *Tier) Keys() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	keys := make([]string, 0, t.order.Len())
	for el := t.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*item).key)
	}
	return keys
}

// Stats returns a snapshot of the tier counters.
func (t *Tier) Stats() tiercache.Stats {
	s := t.stats.Snapshot()
	s.Size = t.Len()
	return s
}

// ResetStats zeroes the tier counters.
func (t *Tier) ResetStats() {
	t.stats.Reset()
}

// removeElement must be called with mu held.
func (t *Tier) removeElement(el *list.Element) {
	delete(t.entries, el.Value.(*item).key)
	t.order.Remove(el)
}
