// Package response implements the response cache tier (L3): network
// responses keyed by URL, each fresh for a max-age chosen at write time.
package response

import (
	"container/list"
	"context"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/tiercache"
	"github.com/wolfeidau/tiercache/telemetry"
)

// DefaultMaxAge is used when Set is called with a zero max-age.
const DefaultMaxAge = 300 * time.Second

// Response is a cached network response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	return &Response{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       slices.Clone(r.Body),
	}
}

type stored struct {
	url      string
	resp     *Response
	storedAt time.Time
	maxAge   time.Duration
	checksum string
}

func (s *stored) expired(now time.Time) bool {
	return now.Sub(s.storedAt) > s.maxAge
}

// Tier holds cached responses. It has no tags and no background sweep:
// stale responses are dropped when read, or when capacity forces the oldest out.
type Tier struct {
	defaultMaxAge time.Duration
	maxEntries    int
	logger        *slog.Logger
	now           func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List

	stats tiercache.Counters
}

// Option configures a Tier.
type Option func(*Tier)

// WithDefaultMaxAge sets the max-age used when Set is given zero.
func WithDefaultMaxAge(d time.Duration) Option {
	return func(t *Tier) {
		if d > 0 {
			t.defaultMaxAge = d
		}
	}
}

// WithMaxEntries bounds the number of cached responses. Zero means unbounded.
func WithMaxEntries(n int) Option {
	return func(t *Tier) {
		if n >= 0 {
			t.maxEntries = n
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

// New creates a response tier.
func New(opts ...Option) *Tier {
	t := &Tier{
		defaultMaxAge: DefaultMaxAge,
		logger:        slog.Default(),
		now:           time.Now,
		entries:       make(map[string]*list.Element),
		order:         list.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns a copy of the response cached for url if it is still fresh.
// A stale or damaged response is deleted and reported as a miss.
func (t *Tier) Get(ctx context.Context, url string) (*Response, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[url]
	if !ok {
		return t.miss(ctx)
	}

	s := el.Value.(*stored)
	if s.expired(t.now()) {
		t.removeElement(el)
		t.stats.Expirations.Add(1)
		telemetry.RecordEviction(ctx, telemetry.TierResponse, "expired", 1)
		return t.miss(ctx)
	}
	if !tiercache.VerifyChecksum(s.resp.Body, s.checksum) {
		t.removeElement(el)
		t.stats.Corruptions.Add(1)
		t.logger.Warn("dropping corrupt response", "url", url)
		return t.miss(ctx)
	}

	t.stats.Hits.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierResponse, "get", string(telemetry.CacheHit))
	return s.resp.Clone(), true
}

func (t *Tier) miss(ctx context.Context) (*Response, bool) {
	t.stats.Misses.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierResponse, "get", string(telemetry.CacheMiss))
	return nil, false
}

// Set caches a copy of resp under url for maxAge, or the default max-age when
// maxAge is zero.
func (t *Tier) Set(ctx context.Context, url string, resp *Response, maxAge time.Duration) {
	if resp == nil {
		return
	}
	if maxAge <= 0 {
		maxAge = t.defaultMaxAge
	}
	s := &stored{
		url:      url,
		resp:     resp.Clone(),
		storedAt: t.now(),
		maxAge:   maxAge,
		checksum: tiercache.Checksum(resp.Body),
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.entries[url]; ok {
		el.Value = s
	} else {
		if t.maxEntries > 0 && t.order.Len() >= t.maxEntries {
			if oldest := t.order.Front(); oldest != nil {
				t.removeElement(oldest)
				t.stats.Evictions.Add(1)
				telemetry.RecordEviction(ctx, telemetry.TierResponse, "capacity", 1)
			}
		}
		t.entries[url] = t.order.PushBack(s)
	}

	t.stats.Sets.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierResponse, "set", "ok")
}

// Delete removes url and reports whether it was cached.
func (t *Tier) Delete(ctx context.Context, url string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	el, ok := t.entries[url]
	if !ok {
		return false
	}
	t.removeElement(el)
	t.stats.Deletes.Add(1)
	telemetry.RecordTierOp(ctx, telemetry.TierResponse, "delete", "ok")
	return true
}

// Clear removes every cached response.
func (t *Tier) Clear(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries = make(map[string]*list.Element)
	t.order.Init()
	telemetry.UpdateTierSize(ctx, telemetry.TierResponse, 0)
}

// Len returns the number of cached responses, fresh or not.
func (t *Tier) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.Len()
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

func (t *Tier) removeElement(el *list.Element) {
	delete(t.entries, el.Value.(*stored).url)
	t.order.Remove(el)
}
