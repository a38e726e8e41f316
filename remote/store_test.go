package remote

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

var errDown = errors.New("connection refused")

// mapStore is an in-memory Store with fault injection.
type mapStore struct {
	mu      sync.Mutex
	data    map[string][]byte
	sets    map[string][]string
	ttls    map[string]time.Duration
	fail    error
	addFail error
	block   bool
	closed  bool
	pinged  int
}

func newMapStore() *mapStore {
	return &mapStore{
		data: make(map[string][]byte),
		sets: make(map[string][]string),
		ttls: make(map[string]time.Duration),
	}
}

func (m *mapStore) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *mapStore) setBlock(b bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.block = b
}

func (m *mapStore) check(ctx context.Context) error {
	m.mu.Lock()
	block, fail := m.block, m.fail
	m.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return fail
}

func (m *mapStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(v), nil
}

func (m *mapStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = slices.Clone(value)
	m.ttls[key] = ttl
	return nil
}

func (m *mapStore) Delete(ctx context.Context, key string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, inData := m.data[key]
	_, inSets := m.sets[key]
	if !inData && !inSets {
		return ErrNotFound
	}
	delete(m.data, key)
	delete(m.sets, key)
	return nil
}

func (m *mapStore) AddMember(ctx context.Context, key, member string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.addFail != nil {
		return m.addFail
	}
	if !slices.Contains(m.sets[key], member) {
		m.sets[key] = append(m.sets[key], member)
	}
	return nil
}

func (m *mapStore) RemoveMembers(ctx context.Context, key string, members []string) error {
	if err := m.check(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := slices.DeleteFunc(m.sets[key], func(s string) bool {
		return slices.Contains(members, s)
	})
	if len(kept) == 0 {
		delete(m.sets, key)
		return nil
	}
	m.sets[key] = kept
	return nil
}

func (m *mapStore) Members(ctx context.Context, key string) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return slices.Clone(s), nil
}

func (m *mapStore) Keys(ctx context.Context) ([]string, error) {
	if err := m.check(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		keys = append(keys, k)
	}
	for k := range m.sets {
		keys = append(keys, k)
	}
	return keys, nil
}

func (m *mapStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	m.pinged++
	m.mu.Unlock()
	return m.check(ctx)
}

func (m *mapStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mapStore) raw(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

func (m *mapStore) putRaw(key string, v []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = v
}
