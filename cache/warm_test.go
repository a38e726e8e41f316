package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tiercache"
)

func fetchValue(v string) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return v, nil }
}

func TestWarmPartialFailure(t *testing.T) {
	ctx := context.Background()
	m := newTestManager[string](t, newTestTiers(t))

	res := m.Warm(ctx, []WarmEntry[string]{
		{Key: "k1", Fetch: fetchValue("v1")},
		{Key: "k2", Fetch: func(context.Context) (string, error) { return "", errFetch }},
		{Key: "k3", Fetch: fetchValue("v3")},
	})
	require.Equal(t, WarmResult{Stored: 2, Failed: 1}, res)

	v, ok := m.Get(ctx, "k1")
	require.True(t, ok)
	require.Equal(t, "v1", v)
	_, ok = m.Get(ctx, "k2")
	require.False(t, ok)
	v, ok = m.Get(ctx, "k3")
	require.True(t, ok)
	require.Equal(t, "v3", v)
}

func TestWarmRecoversPanics(t *testing.T) {
	ctx := context.Background()
	m := newTestManager[string](t, newTestTiers(t))

	res := m.Warm(ctx, []WarmEntry[string]{
		{Key: "boom", Fetch: func(context.Context) (string, error) { panic("fetcher bug") }},
		{Key: "nil"},
		{Key: "ok", Fetch: fetchValue("v")},
	})
	require.Equal(t, WarmResult{Stored: 1, Failed: 2}, res)

	_, ok := m.Get(ctx, "ok")
	require.True(t, ok)
}

func TestWarmUsesEntryConfig(t *testing.T) {
	ctx := context.Background()
	tiers := newTestTiers(t)
	m := newTestManager[string](t, tiers)

	m.Warm(ctx, []WarmEntry[string]{
		{Key: "tagged", Fetch: fetchValue("v"), Config: &tiercache.Config{TTL: time.Hour, Tags: []string{"report"}}},
		{Key: "invalid", Fetch: fetchValue("v"), Config: &tiercache.Config{TTL: -1}},
	})

	require.Equal(t, 2, m.InvalidateByTags(ctx, []string{"report"}))
	_, ok := m.Get(ctx, "invalid")
	require.False(t, ok, "invalid config is logged, not stored")
}

func TestWarmBoundsConcurrency(t *testing.T) {
	ctx := context.Background()
	m := newTestManager[int](t, newTestTiers(t), WithWarmConcurrency(3))

	var inFlight, peak atomic.Int32
	entries := make([]WarmEntry[int], 20)
	for i := range entries {
		entries[i] = WarmEntry[int]{
			Key: fmt.Sprintf("k%d", i),
			Fetch: func(context.Context) (int, error) {
				n := inFlight.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				inFlight.Add(-1)
				return i, nil
			},
		}
	}

	res := m.Warm(ctx, entries)
	require.Equal(t, 20, res.Stored)
	require.LessOrEqual(t, peak.Load(), int32(3))
}

func TestWarmEmpty(t *testing.T) {
	m := newTestManager[string](t, newTestTiers(t))
	require.Equal(t, WarmResult{}, m.Warm(context.Background(), nil))
}
