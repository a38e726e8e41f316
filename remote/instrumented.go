package remote

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/tiercache/telemetry"
)

// InstrumentedStore wraps a Store with metrics recording.
type InstrumentedStore struct {
	store Store
	name  string
}

// NewInstrumentedStore creates a new instrumented store wrapper.
func NewInstrumentedStore(s Store, name string) *InstrumentedStore {
	return &InstrumentedStore{store: s, name: name}
}

func (is *InstrumentedStore) Get(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	v, err := is.store.Get(ctx, key)
	telemetry.RecordRemoteOp(ctx, is.name, "get", outcomeFromError(err), time.Since(start), int64(len(v)))
	return v, err
}

func (is *InstrumentedStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := is.store.Put(ctx, key, value, ttl)
	telemetry.RecordRemoteOp(ctx, is.name, "put", outcomeFromError(err), time.Since(start), int64(len(value)))
	return err
}

func (is *InstrumentedStore) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := is.store.Delete(ctx, key)
	telemetry.RecordRemoteOp(ctx, is.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) AddMember(ctx context.Context, key, member string) error {
	start := time.Now()
	err := is.store.AddMember(ctx, key, member)
	telemetry.RecordRemoteOp(ctx, is.name, "add_member", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) RemoveMembers(ctx context.Context, key string, members []string) error {
	start := time.Now()
	err := is.store.RemoveMembers(ctx, key, members)
	telemetry.RecordRemoteOp(ctx, is.name, "remove_members", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) Members(ctx context.Context, key string) ([]string, error) {
	start := time.Now()
	m, err := is.store.Members(ctx, key)
	telemetry.RecordRemoteOp(ctx, is.name, "members", outcomeFromError(err), time.Since(start), 0)
	return m, err
}

func (is *InstrumentedStore) Keys(ctx context.Context) ([]string, error) {
	start := time.Now()
	keys, err := is.store.Keys(ctx)
	telemetry.RecordRemoteOp(ctx, is.name, "keys", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (is *InstrumentedStore) Ping(ctx context.Context) error {
	start := time.Now()
	err := is.store.Ping(ctx)
	telemetry.RecordRemoteOp(ctx, is.name, "ping", outcomeFromError(err), time.Since(start), 0)
	return err
}

// PurgeExpired delegates to the underlying store if it implements Purger.
func (is *InstrumentedStore) PurgeExpired(ctx context.Context) (int, error) {
	p, ok := is.store.(Purger)
	if !ok {
		return 0, nil
	}
	start := time.Now()
	n, err := p.PurgeExpired(ctx)
	telemetry.RecordRemoteOp(ctx, is.name, "purge", outcomeFromError(err), time.Since(start), 0)
	return n, err
}

func (is *InstrumentedStore) Close() error {
	return is.store.Close()
}

// Unwrap returns the underlying store.
func (is *InstrumentedStore) Unwrap() Store {
	return is.store
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
