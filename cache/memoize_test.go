package cache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tiercache"
)

type reportRange struct {
	From, To string
}

func reportKey(r reportRange) string {
	return fmt.Sprintf("analytics:%s:%s", r.From, r.To)
}

func TestMemoizeCachesResult(t *testing.T) {
	ctx := context.Background()
	m := newTestManager[int](t, newTestTiers(t))

	var calls atomic.Int32
	report := Memoize(m, func(_ context.Context, r reportRange) (int, error) {
		calls.Add(1)
		return len(r.From) + len(r.To), nil
	}, reportKey)

	arg := reportRange{From: "2024-01", To: "2024-03"}
	for range 3 {
		v, err := report(ctx, arg)
		require.NoError(t, err)
		require.Equal(t, 14, v)
	}
	require.Equal(t, int32(1), calls.Load())

	_, ok := m.Get(ctx, "analytics:2024-01:2024-03")
	require.True(t, ok)
}

func TestMemoizePropagatesErrorsWithoutCaching(t *testing.T) {
	ctx := context.Background()
	m := newTestManager[int](t, newTestTiers(t))

	var calls atomic.Int32
	fn := Memoize(m, func(context.Context, string) (int, error) {
		calls.Add(1)
		return 0, errFetch
	}, func(s string) string { return "k:" + s })

	for range 2 {
		_, err := fn(ctx, "x")
		require.ErrorIs(t, err, errFetch)
	}
	require.Equal(t, int32(2), calls.Load(), "errors are not cached")
}

func TestMemoizeUsesConfig(t *testing.T) {
	ctx := context.Background()
	m := newTestManager[string](t, newTestTiers(t))

	fn := Memoize(m, func(_ context.Context, s string) (string, error) {
		return s, nil
	}, func(s string) string { return s }, tiercache.Config{TTL: time.Hour, Tags: []string{"memo"}})

	_, err := fn(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 2, m.InvalidateByTags(ctx, []string{"memo"}))
}

func TestMemoizeConcurrentMissesWithoutSingleFlight(t *testing.T) {
	ctx := context.Background()
	m := newTestManager[int](t, newTestTiers(t))

	var calls atomic.Int32
	release := make(chan struct{})
	fn := Memoize(m, func(context.Context, int) (int, error) {
		calls.Add(1)
		<-release
		return 1, nil
	}, func(int) string { return "same" })

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = fn(ctx, 0)
		}()
	}
	require.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, time.Millisecond,
		"every concurrent miss computes")
	close(release)
	wg.Wait()
}

func TestMemoizeSingleFlight(t *testing.T) {
	ctx := context.Background()
	m := newTestManager[int](t, newTestTiers(t), WithSingleFlight())

	var calls atomic.Int32
	fn := Memoize(m, func(context.Context, int) (int, error) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond)
		return 7, nil
	}, func(int) string { return "same" })

	var wg sync.WaitGroup
	results := make([]int, 10)
	for i := range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = fn(ctx, 0)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		require.Equal(t, 7, v)
	}
}
