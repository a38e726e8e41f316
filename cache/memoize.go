package cache

import (
	"context"

	"github.com/wolfeidau/tiercache"
)

// Memoize wraps fn so that its results are cached under keyGen(arg).
//
// A hit returns the cached value without calling fn. A miss calls fn, stores
// the result and returns it. Errors from fn are returned to the caller and
// never cached. Concurrent misses on one key each call fn unless the manager
// was built WithSingleFlight, in which case they share one call.
func Memoize[A, T any](m *Manager[T], fn func(ctx context.Context, arg A) (T, error), keyGen func(arg A) string, cfg ...tiercache.Config) func(ctx context.Context, arg A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		key := keyGen(arg)
		if v, ok := m.Get(ctx, key); ok {
			return v, nil
		}

		compute := func(ctx context.Context) (T, error) {
			v, err := fn(ctx, arg)
			if err != nil {
				return v, err
			}
			if err := m.Set(ctx, key, v, cfg...); err != nil {
				m.logger.Warn("caching memoized result failed", "key", key, "error", err)
			}
			return v, nil
		}

		if m.flights == nil {
			return compute(ctx)
		}
		v, _, err := m.flights.Do(ctx, key, compute)
		return v, err
	}
}
