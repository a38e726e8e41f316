package remote

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/tiercache"
	"github.com/wolfeidau/tiercache/telemetry"
)

const (
	// DefaultTimeout bounds every store call.
	DefaultTimeout = 2 * time.Second

	// DefaultHealthInterval is how often the health loop pings the store.
	DefaultHealthInterval = 10 * time.Second

	// DefaultPruneInterval is how often the health loop prunes tag records.
	DefaultPruneInterval = 5 * time.Minute

	entryPrefix = "k:"
	tagPrefix   = "t:"
)

// Tier is the shared cache tier.
//
// Every store call is bounded by a timeout. A failed call, or one that ran
// into the tier's own timeout, marks the tier unavailable; while unavailable
// reads are misses and writes are dropped. A call abandoned because the
// caller's context ended is only a miss for that caller. The health loop
// pings the store and marks it available again. No error from the store ever
// reaches the caller.
type Tier struct {
	store          Store
	timeout        time.Duration
	healthInterval time.Duration
	pruneInterval  time.Duration
	logger         *slog.Logger
	now            func() time.Time

	available atomic.Bool
	lastPrune atomic.Int64
	stats     tiercache.Counters

	lifecycle sync.Mutex
	running   bool
	stopped   bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// Option configures a Tier.
type Option func(*Tier)

// WithTimeout sets the per-call store timeout.
func WithTimeout(d time.Duration) Option {
	return func(t *Tier) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithHealthInterval sets how often the store is pinged in the background.
func WithHealthInterval(d time.Duration) Option {
	return func(t *Tier) {
		if d > 0 {
			t.healthInterval = d
		}
	}
}

// WithPruneInterval sets how often the health loop drops tag index members
// whose entries are gone.
func WithPruneInterval(d time.Duration) Option {
	return func(t *Tier) {
		if d > 0 {
			t.pruneInterval = d
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

// New creates a remote tier over store. The tier starts out available.
// Call Start to run the health loop.
func New(store Store, opts ...Option) *Tier {
	t := &Tier{
		store:          store,
		timeout:        DefaultTimeout,
		healthInterval: DefaultHealthInterval,
		pruneInterval:  DefaultPruneInterval,
		logger:         slog.Default(),
		now:            time.Now,
		stopCh:         make(chan struct{}),
		doneCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.available.Store(true)
	return t
}

// Available reports whether the tier is currently serving requests.
func (t *Tier) Available() bool {
	return t.available.Load()
}

// SetAvailable forces the availability flag.
func (t *Tier) SetAvailable(ok bool) {
	if t.available.Swap(ok) != ok {
		telemetry.SetRemoteAvailable(context.Background(), ok)
		t.logger.Info("remote tier availability changed", "available", ok)
	}
}

// usable reports whether a store call should be attempted.
func (t *Tier) usable(ctx context.Context) bool {
	return t.available.Load() && ctx.Err() == nil
}

// fail records a store error. NotFound and the end of the caller's own
// context do not count against availability; the tier timeout and every
// other error do.
func (t *Tier) fail(ctx context.Context, op, key string, err error) {
	if errors.Is(err, ErrNotFound) {
		return
	}
	if ctx.Err() != nil {
		t.logger.Debug("remote call abandoned by caller", "op", op, "key", key, "error", err)
		return
	}
	if t.available.CompareAndSwap(true, false) {
		telemetry.SetRemoteAvailable(ctx, false)
		t.logger.Warn("remote tier unavailable", "op", op, "key", key, "error", err)
	}
}

func (t *Tier) call(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

// Get returns the value stored under key.
func (t *Tier) Get(ctx context.Context, key string) ([]byte, bool) {
	it, ok := t.Lookup(ctx, key)
	if !ok {
		return nil, false
	}
	return it.Value, true
}

// Lookup is Get returning the entry metadata alongside the value.
// Expired and corrupt entries are deleted from the store.
func (t *Tier) Lookup(ctx context.Context, key string) (*tiercache.Item, bool) {
	if !t.usable(ctx) {
		return t.miss(ctx)
	}

	cctx, cancel := t.call(ctx)
	data, err := t.store.Get(cctx, entryPrefix+key)
	cancel()
	if err != nil {
		t.fail(ctx, "get", key, err)
		return t.miss(ctx)
	}

	e, err := tiercache.UnmarshalEntry(data)
	if err != nil {
		t.dropCorrupt(ctx, key, err)
		return t.miss(ctx)
	}

	if e.IsExpired(t.now()) {
		t.deleteEntry(ctx, key)
		t.stats.Expirations.Add(1)
		telemetry.RecordEviction(ctx, telemetry.TierRemote, "expired", 1)
		return t.miss(ctx)
	}

	it, err := e.Item()
	if err != nil {
		t.dropCorrupt(ctx, key, err)
		return t.miss(ctx)
	}

	t.stats.Hits.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierRemote, "get", string(telemetry.CacheHit))
	return it, true
}

func (t *Tier) dropCorrupt(ctx context.Context, key string, err error) {
	t.stats.Corruptions.Add(1)
	t.logger.Warn("dropping corrupt entry", "key", key, "error", err)
	t.deleteEntry(ctx, key)
}

func (t *Tier) miss(ctx context.Context) (*tiercache.Item, bool) {
	t.stats.Misses.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierRemote, "get", string(telemetry.CacheMiss))
	return nil, false
}

// Set writes the entry and adds key to each tag's index record. If indexing
// fails the entry is removed again so no tagged entry escapes invalidation.
func (t *Tier) Set(ctx context.Context, key string, value []byte, cfg tiercache.Config) {
	if !t.usable(ctx) {
		telemetry.RecordTierOp(ctx, telemetry.TierRemote, "set", "skipped")
		return
	}

	cfg = cfg.WithDefaults()
	e := tiercache.NewEntry(value, cfg, t.now())

	cctx, cancel := t.call(ctx)
	defer cancel()

	if err := t.store.Put(cctx, entryPrefix+key, tiercache.MarshalEntry(e), cfg.TTL); err != nil {
		t.fail(ctx, "set", key, err)
		return
	}
	for _, tag := range e.Tags {
		if err := t.store.AddMember(cctx, tagPrefix+tag, key); err != nil {
			t.fail(ctx, "tag", key, err)
			t.discard(ctx, key)
			return
		}
	}

	t.stats.Sets.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierRemote, "set", "ok")
}

// discard deletes an entry whose tag index write failed. It runs on its own
// deadline since the caller's may already be spent.
func (t *Tier) discard(ctx context.Context, key string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	if err := t.store.Delete(cctx, entryPrefix+key); err != nil && !errors.Is(err, ErrNotFound) {
		t.logger.Warn("entry left without a complete tag index", "key", key, "error", err)
	}
}

// Delete removes key and reports whether it existed.
func (t *Tier) Delete(ctx context.Context, key string) bool {
	if !t.usable(ctx) {
		return false
	}
	if !t.deleteEntry(ctx, key) {
		return false
	}
	t.stats.Deletes.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierRemote, "delete", "ok")
	return true
}

func (t *Tier) deleteEntry(ctx context.Context, key string) bool {
	cctx, cancel := t.call(ctx)
	defer cancel()

	if err := t.store.Delete(cctx, entryPrefix+key); err != nil {
		t.fail(ctx, "delete", key, err)
		return false
	}
	return true
}

// InvalidateByTags deletes every key listed under each tag, then the tag's
// index record, and returns how many entries were removed. Keys whose entry
// no longer carries the tag are pruned from the index without deleting the
// entry.
func (t *Tier) InvalidateByTags(ctx context.Context, tags []string) int {
	removed := 0
	for _, tag := range tags {
		if !t.usable(ctx) {
			break
		}
		removed += t.invalidateTag(ctx, tag)
	}
	telemetry.RecordInvalidation(ctx, telemetry.TierRemote, removed)
	return removed
}

func (t *Tier) invalidateTag(ctx context.Context, tag string) int {
	cctx, cancel := t.call(ctx)
	defer cancel()

	keys, err := t.store.Members(cctx, tagPrefix+tag)
	if err != nil {
		t.fail(ctx, "invalidate", tag, err)
		return 0
	}

	removed := 0
	for _, key := range keys {
		data, err := t.store.Get(cctx, entryPrefix+key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				t.fail(ctx, "invalidate", key, err)
				return removed
			}
			continue
		}
		if e, err := tiercache.UnmarshalEntry(data); err == nil && !e.HasAnyTag([]string{tag}) {
			// Re-written without this tag since it was indexed.
			continue
		}
		switch err := t.store.Delete(cctx, entryPrefix+key); {
		case err == nil:
			removed++
		case !errors.Is(err, ErrNotFound):
			t.fail(ctx, "invalidate", key, err)
			return removed
		}
	}

	if err := t.store.Delete(cctx, tagPrefix+tag); err != nil {
		t.fail(ctx, "invalidate", tag, err)
	}
	t.logger.Debug("invalidated tag", "tag", tag, "indexed", len(keys), "removed", removed)
	return removed
}

// Clear deletes every entry and tag record in the store.
func (t *Tier) Clear(ctx context.Context) {
	if !t.usable(ctx) {
		return
	}

	cctx, cancel := t.call(ctx)
	defer cancel()

	keys, err := t.store.Keys(cctx)
	if err != nil {
		t.fail(ctx, "clear", "", err)
		return
	}
	for _, k := range keys {
		if !strings.HasPrefix(k, entryPrefix) && !strings.HasPrefix(k, tagPrefix) {
			continue
		}
		if err := t.store.Delete(cctx, k); err != nil && !errors.Is(err, ErrNotFound) {
			t.fail(ctx, "clear", k, err)
			return
		}
	}
	t.logger.Debug("cleared remote tier", "keys", len(keys))
}

// Stats returns a snapshot of the tier counters.
func (t *Tier) Stats() tiercache.Stats {
	return t.stats.Snapshot()
}

// ResetStats zeroes the tier counters.
func (t *Tier) ResetStats() {
	t.stats.Reset()
}

// Start launches the health loop. Calling it more than once, or after Close,
// is a no-op.
func (t *Tier) Start(ctx context.Context) {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	if t.running || t.stopped {
		return
	}
	t.running = true
	go t.run(ctx)
}

// Close stops the health loop and closes the store.
func (t *Tier) Close() error {
	t.lifecycle.Lock()
	if t.stopped {
		t.lifecycle.Unlock()
		return nil
	}
	t.stopped = true
	running := t.running
	t.lifecycle.Unlock()

	close(t.stopCh)
	if running {
		<-t.doneCh
	}
	return t.store.Close()
}

func (t *Tier) run(ctx context.Context) {
	defer close(t.doneCh)

	ticker := time.NewTicker(t.healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.CheckHealth(ctx)
		case <-t.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// CheckHealth pings the store, updates availability, purges expired values
// for stores that need it and, once per prune interval, prunes tag records.
func (t *Tier) CheckHealth(ctx context.Context) {
	cctx, cancel := t.call(ctx)
	err := t.store.Ping(cctx)
	cancel()

	if err != nil {
		t.fail(ctx, "ping", "", err)
		return
	}
	if !t.available.Load() {
		t.SetAvailable(true)
	}

	if p, ok := t.store.(Purger); ok {
		start := time.Now()
		pctx, cancel := t.call(ctx)
		n, err := p.PurgeExpired(pctx)
		cancel()
		if err != nil {
			t.logger.Warn("purging expired values failed", "error", err)
		} else {
			telemetry.RecordSweep(ctx, telemetry.TierRemote, n, time.Since(start))
		}
	}

	now := t.now()
	if now.Sub(time.Unix(0, t.lastPrune.Load())) >= t.pruneInterval {
		t.lastPrune.Store(now.UnixNano())
		t.PruneTags(ctx)
	}
}

// PruneTags drops tag index members whose entry is gone, expired, corrupt or
// no longer carries the tag, and returns how many were dropped. Tags that are
// never invalidated would otherwise collect members forever.
func (t *Tier) PruneTags(ctx context.Context) int {
	if !t.usable(ctx) {
		return 0
	}

	cctx, cancel := t.call(ctx)
	keys, err := t.store.Keys(cctx)
	cancel()
	if err != nil {
		t.fail(ctx, "prune", "", err)
		return 0
	}

	pruned := 0
	for _, k := range keys {
		tag, ok := strings.CutPrefix(k, tagPrefix)
		if !ok {
			continue
		}
		n, err := t.pruneTag(ctx, tag)
		if err != nil {
			t.fail(ctx, "prune", tag, err)
			break
		}
		pruned += n
	}
	if pruned > 0 {
		t.logger.Debug("pruned tag index", "members", pruned)
	}
	return pruned
}

// pruneTag removes stale members of one tag record. A member is re-added if
// its entry turns up after removal: Set writes the entry before indexing it,
// so a write racing the removal is either seen here or indexes itself again.
func (t *Tier) pruneTag(ctx context.Context, tag string) (int, error) {
	cctx, cancel := t.call(ctx)
	defer cancel()

	members, err := t.store.Members(cctx, tagPrefix+tag)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var stale []string
	for _, key := range members {
		live, err := t.indexed(cctx, key, tag)
		if err != nil {
			return 0, err
		}
		if !live {
			stale = append(stale, key)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := t.store.RemoveMembers(cctx, tagPrefix+tag, stale); err != nil {
		return 0, err
	}

	removed := len(stale)
	for _, key := range stale {
		live, err := t.indexed(cctx, key, tag)
		if err != nil {
			return removed, err
		}
		if live {
			if err := t.store.AddMember(cctx, tagPrefix+tag, key); err != nil {
				return removed, err
			}
			removed--
		}
	}
	return removed, nil
}

// indexed reports whether key holds a live entry carrying tag.
func (t *Tier) indexed(ctx context.Context, key, tag string) (bool, error) {
	data, err := t.store.Get(ctx, entryPrefix+key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	e, err := tiercache.UnmarshalEntry(data)
	if err != nil {
		return false, nil
	}
	return !e.IsExpired(t.now()) && e.HasAnyTag([]string{tag}), nil
}
