// Package flight deduplicates concurrent computations of the same key. When
// several callers miss on one key at once, only one of them runs the
// computation and the rest share its result.
package flight

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Func computes a value. The context passed to it is detached from any single
// caller so that one caller timing out does not cancel the work for the others.
type Func[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent calls for the same key using singleflight.
// It uses DoChan so each caller can respect its own context deadline.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{logger: o.logger}
}

// Do runs fn once per key among concurrent callers.
// Returns the value, whether it was shared with another caller, and any error.
//
// If the caller's context ends first, Do returns the context error while the
// in-flight call continues for other waiters. Errors are not remembered: the
// key is forgotten so the next caller runs fn again.
func (g *Group[T]) Do(ctx context.Context, key string, fn Func[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		v, err := fn(context.WithoutCancel(ctx))
		if err != nil {
			g.group.Forget(key)
		}
		return v, err
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Shared, res.Err
		}
		if res.Shared {
			g.logger.Debug("shared in-flight result", "key", key)
		}
		v, _ := res.Val.(T)
		return v, res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget drops any in-flight call for key so the next caller starts afresh.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}
