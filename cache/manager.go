// Package cache provides the Manager that fronts the cache tiers: a waterfall
// read through memory then remote, fan-out writes, cross-tier tag
// invalidation, combined statistics, warming and memoization.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/tiercache"
	"github.com/wolfeidau/tiercache/flight"
	"github.com/wolfeidau/tiercache/memory"
	"github.com/wolfeidau/tiercache/remote"
	"github.com/wolfeidau/tiercache/response"
	"github.com/wolfeidau/tiercache/telemetry"
)

// DefaultWarmConcurrency bounds how many fetchers Warm runs at once.
const DefaultWarmConcurrency = 8

// Tier names reported in Info.
const (
	TierMemory = telemetry.TierMemory
	TierRemote = telemetry.TierRemote
)

// Manager is the entry point to the cache. It holds no mutable state of its
// own beyond references to its tiers and is safe for concurrent use.
//
// The remote and response tiers are optional; a nil tier is treated as
// always missing.
type Manager[T any] struct {
	memory   *memory.Tier
	remote   *remote.Tier
	response *response.Tier

	codec           Codec[T]
	logger          *slog.Logger
	warmConcurrency int
	flights         *flight.Group[T]
}

// Option configures a Manager.
type Option func(*options)

type options struct {
	logger          *slog.Logger
	warmConcurrency int
	singleFlight    bool
	codec           any
}

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithWarmConcurrency bounds how many fetchers Warm runs at once.
func WithWarmConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.warmConcurrency = n
		}
	}
}

// WithSingleFlight makes memoized functions share one computation among
// concurrent misses on the same key.
func WithSingleFlight() Option {
	return func(o *options) {
		o.singleFlight = true
	}
}

// WithCodec replaces the default JSON codec. The codec's type must match the
// manager's value type.
func WithCodec[T any](c Codec[T]) Option {
	return func(o *options) {
		o.codec = c
	}
}

// New creates a manager over the given tiers. mem is required.
func New[T any](mem *memory.Tier, rem *remote.Tier, resp *response.Tier, opts ...Option) (*Manager[T], error) {
	if mem == nil {
		return nil, errors.New("cache: memory tier is required")
	}

	o := options{
		logger:          slog.Default(),
		warmConcurrency: DefaultWarmConcurrency,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var codec Codec[T] = JSONCodec[T]{}
	if o.codec != nil {
		c, ok := o.codec.(Codec[T])
		if !ok {
			return nil, fmt.Errorf("cache: codec %T does not encode %T", o.codec, *new(T))
		}
		codec = c
	}

	m := &Manager[T]{
		memory:          mem,
		remote:          rem,
		response:        resp,
		codec:           codec,
		logger:          o.logger,
		warmConcurrency: o.warmConcurrency,
	}
	if o.singleFlight {
		m.flights = flight.New[T](flight.WithLogger(o.logger))
	}
	return m, nil
}

// Start launches the memory sweep and the remote health loop.
func (m *Manager[T]) Start(ctx context.Context) {
	m.memory.Start(ctx)
	if m.remote != nil {
		m.remote.Start(ctx)
	}
}

// Close stops background work and closes the remote store.
func (m *Manager[T]) Close() error {
	m.memory.Close()
	if m.remote != nil {
		return m.remote.Close()
	}
	return nil
}

// Info describes where a value was found and how long it stays fresh.
type Info struct {
	Tier       string
	WrittenAt  time.Time
	ExpiresAt  time.Time
	StaleUntil time.Time
	Tags       []string
}

// Get returns the value for key, reading memory first and then remote.
func (m *Manager[T]) Get(ctx context.Context, key string) (T, bool) {
	v, _, ok := m.GetWithInfo(ctx, key)
	return v, ok
}

// GetWithInfo is Get that also reports which tier served the value.
//
// A remote hit is copied into memory before returning, using the default
// config and the entry's tags, so the next read is served locally.
func (m *Manager[T]) GetWithInfo(ctx context.Context, key string) (T, Info, bool) {
	if it, ok := m.memory.Lookup(ctx, key); ok {
		v, err := m.codec.Unmarshal(it.Value)
		if err == nil {
			return v, infoFrom(TierMemory, it), true
		}
		m.logger.Warn("dropping undecodable value", "key", key, "tier", TierMemory, "error", err)
		m.memory.Delete(ctx, key)
	}

	var zero T
	if m.remote == nil {
		return zero, Info{}, false
	}

	// A done ctx skips the store and counts as a remote miss.
	it, ok := m.remote.Lookup(ctx, key)
	if !ok {
		return zero, Info{}, false
	}
	v, err := m.codec.Unmarshal(it.Value)
	if err != nil {
		m.logger.Warn("dropping undecodable value", "key", key, "tier", TierRemote, "error", err)
		m.remote.Delete(ctx, key)
		return zero, Info{}, false
	}

	backfill := tiercache.DefaultConfig()
	backfill.Tags = it.Tags
	m.memory.Set(ctx, key, it.Value, backfill)

	return v, infoFrom(TierRemote, it), true
}

func infoFrom(tier string, it *tiercache.Item) Info {
	return Info{
		Tier:       tier,
		WrittenAt:  it.WrittenAt,
		ExpiresAt:  it.ExpiresAt,
		StaleUntil: it.StaleUntil,
		Tags:       it.Tags,
	}
}

// Set writes value to memory and remote. Without a config the defaults
// apply. It fails only for an invalid config or a value the codec rejects.
func (m *Manager[T]) Set(ctx context.Context, key string, value T, cfg ...tiercache.Config) error {
	c, err := tiercache.ResolveConfig(cfg...)
	if err != nil {
		return err
	}
	data, err := m.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding value for %q: %w", key, err)
	}

	m.memory.Set(ctx, key, data, c)
	if m.remote != nil {
		m.remote.Set(ctx, key, data, c)
	}
	return nil
}

// Delete removes key from memory and remote.
func (m *Manager[T]) Delete(ctx context.Context, key string) {
	m.memory.Delete(ctx, key)
	if m.remote != nil {
		m.remote.Delete(ctx, key)
	}
}

// InvalidateByTags removes every entry carrying any of tags from memory and
// remote and returns the combined count.
func (m *Manager[T]) InvalidateByTags(ctx context.Context, tags []string) int {
	if len(tags) == 0 {
		return 0
	}

	local := m.memory.InvalidateByTags(ctx, tags)
	shared := 0
	if m.remote != nil {
		shared = m.remote.InvalidateByTags(ctx, tags)
	}

	m.logger.Info("invalidated tags", "tags", tags, "memory", local, "remote", shared, "total", local+shared)
	return local + shared
}

// Clear empties every tier, including the response tier.
func (m *Manager[T]) Clear(ctx context.Context) {
	m.memory.Clear(ctx)
	if m.remote != nil {
		m.remote.Clear(ctx)
	}
	if m.response != nil {
		m.response.Clear(ctx)
	}
	m.logger.Info("cleared cache")
}

// Stats is a snapshot of every tier's counters. Combined sums memory and
// remote and recomputes the hit rate from the summed counters.
type Stats struct {
	Memory   tiercache.Stats `json:"memory"`
	Remote   tiercache.Stats `json:"remote"`
	Combined tiercache.Stats `json:"combined"`
	Response tiercache.Stats `json:"response"`
}

// Stats returns the current counters of every tier.
func (m *Manager[T]) Stats() Stats {
	s := Stats{Memory: m.memory.Stats()}
	if m.remote != nil {
		s.Remote = m.remote.Stats()
	}
	if m.response != nil {
		s.Response = m.response.Stats()
	}
	s.Combined = s.Memory.Add(s.Remote)
	return s
}

// ResetStats zeroes the counters of every tier.
func (m *Manager[T]) ResetStats() {
	m.memory.ResetStats()
	if m.remote != nil {
		m.remote.ResetStats()
	}
	if m.response != nil {
		m.response.ResetStats()
	}
}

// RemoteAvailable reports whether the remote tier is configured and serving.
func (m *Manager[T]) RemoteAvailable() bool {
	return m.remote != nil && m.remote.Available()
}

// GetResponse returns a fresh cached response for url.
func (m *Manager[T]) GetResponse(ctx context.Context, url string) (*response.Response, bool) {
	if m.response == nil {
		return nil, false
	}
	return m.response.Get(ctx, url)
}

// SetResponse caches resp for url. A zero maxAge uses the tier default.
func (m *Manager[T]) SetResponse(ctx context.Context, url string, resp *response.Response, maxAge time.Duration) {
	if m.response == nil {
		return
	}
	m.response.Set(ctx, url, resp, maxAge)
}
