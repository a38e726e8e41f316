package remote

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/tiercache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func ttl(d time.Duration, tags ...string) tiercache.Config {
	return tiercache.Config{TTL: d, Tags: tags}
}

func newTestTier(t *testing.T, opts ...Option) (*Tier, *mapStore) {
	t.Helper()
	store := newMapStore()
	return New(store, opts...), store
}

func TestTierSetGet(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	tier.Set(ctx, "analytics:2024:q1", []byte(`{"n":1}`), ttl(time.Minute))

	v, ok := tier.Get(ctx, "analytics:2024:q1")
	require.True(t, ok)
	require.Equal(t, []byte(`{"n":1}`), v)

	store.mu.Lock()
	require.Equal(t, time.Minute, store.ttls["k:analytics:2024:q1"], "store ttl follows the entry ttl")
	store.mu.Unlock()

	s := tier.Stats()
	assert.Equal(t, uint64(1), s.Hits)
	assert.Equal(t, uint64(1), s.Sets)
}

func TestTierMiss(t *testing.T) {
	tier, _ := newTestTier(t)

	_, ok := tier.Get(context.Background(), "absent")
	require.False(t, ok)
	require.Equal(t, uint64(1), tier.Stats().Misses)
	require.True(t, tier.Available(), "not found does not affect availability")
}

func TestTierExpiredEntryIsDeleted(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tier, store := newTestTier(t, WithNow(clock.Now))

	tier.Set(ctx, "x", []byte("1"), ttl(time.Second))
	clock.Advance(2 * time.Second)

	_, ok := tier.Get(ctx, "x")
	require.False(t, ok)

	_, exists := store.raw("k:x")
	require.False(t, exists)
	require.Equal(t, uint64(1), tier.Stats().Expirations)
}

func TestTierCorruptEntryIsDeleted(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	tier.Set(ctx, "k", []byte("value"), ttl(time.Minute))
	raw, ok := store.raw("k:k")
	require.True(t, ok)

	// Flip a payload byte; the payload is the final field.
	corrupted := append([]byte(nil), raw...)
	corrupted[len(corrupted)-1] ^= 0xff
	store.putRaw("k:k", corrupted)

	_, ok = tier.Get(ctx, "k")
	require.False(t, ok)

	_, exists := store.raw("k:k")
	require.False(t, exists)
	require.Equal(t, uint64(1), tier.Stats().Corruptions)
	require.True(t, tier.Available())
}

func TestTierGarbageEntryIsDeleted(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	store.putRaw("k:k", []byte("not an entry"))

	_, ok := tier.Get(ctx, "k")
	require.False(t, ok)
	_, exists := store.raw("k:k")
	require.False(t, exists)
}

func TestTierUnavailableFailsOpen(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	tier.Set(ctx, "k", []byte("v"), ttl(time.Minute))
	store.setFail(errDown)

	_, ok := tier.Get(ctx, "k")
	require.False(t, ok)
	require.False(t, tier.Available())

	// While unavailable nothing reaches the store.
	store.setFail(nil)
	_, ok = tier.Get(ctx, "k")
	require.False(t, ok)
	tier.Set(ctx, "other", []byte("v"), ttl(time.Minute))
	require.False(t, tier.Delete(ctx, "k"))
	require.Zero(t, tier.InvalidateByTags(ctx, []string{"t"}))
	tier.Clear(ctx)

	_, exists := store.raw("k:other")
	require.False(t, exists)
	_, exists = store.raw("k:k")
	require.True(t, exists)
}

func TestTierTimeoutMarksUnavailable(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t, WithTimeout(20*time.Millisecond))
	store.setBlock(true)

	start := time.Now()
	_, ok := tier.Get(ctx, "k")
	require.False(t, ok)
	require.Less(t, time.Since(start), time.Second)
	require.False(t, tier.Available())
}

func TestTierSkipsWhenCallerContextDone(t *testing.T) {
	tier, store := newTestTier(t)
	tier.Set(context.Background(), "k", []byte("v"), ttl(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store.setBlock(true)
	_, ok := tier.Get(ctx, "k")
	require.False(t, ok)
	require.True(t, tier.Available(), "caller cancellation does not mark the tier unavailable")
}

func TestTierCallerDeadlineOnlyMissesThatCall(t *testing.T) {
	tier, store := newTestTier(t)
	tier.Set(context.Background(), "k", []byte("v"), ttl(time.Minute))

	store.setBlock(true)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, ok := tier.Get(ctx, "k")
	require.False(t, ok)
	require.True(t, tier.Available(), "a caller's own deadline does not mark the tier unavailable")

	store.setBlock(false)
	v, ok := tier.Get(context.Background(), "k")
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
	require.Equal(t, uint64(1), tier.Stats().Misses)
}

func TestTierHealthRestoresAvailability(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	tier.SetAvailable(false)
	store.setFail(errDown)
	tier.CheckHealth(ctx)
	require.False(t, tier.Available())

	store.setFail(nil)
	tier.CheckHealth(ctx)
	require.True(t, tier.Available())
}

func TestTierHealthLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tier, _ := newTestTier(t, WithHealthInterval(10*time.Millisecond))
	tier.SetAvailable(false)
	tier.Start(ctx)

	require.Eventually(t, tier.Available, time.Second, 10*time.Millisecond)
	require.NoError(t, tier.Close())
}

func TestTierInvalidateByTags(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	tier.Set(ctx, "p1", []byte("v1"), ttl(time.Minute, "inventory"))
	tier.Set(ctx, "p2", []byte("v2"), ttl(time.Minute, "inventory"))
	tier.Set(ctx, "p3", []byte("v3"), ttl(time.Minute, "other"))

	require.Equal(t, 2, tier.InvalidateByTags(ctx, []string{"inventory"}))

	_, ok := tier.Get(ctx, "p1")
	require.False(t, ok)
	_, ok = tier.Get(ctx, "p2")
	require.False(t, ok)
	_, ok = tier.Get(ctx, "p3")
	require.True(t, ok)

	_, err := store.Members(ctx, "t:inventory")
	require.ErrorIs(t, err, ErrNotFound, "tag record is removed")
}

func TestTierInvalidatePrunesOrphans(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	tier.Set(ctx, "gone", []byte("v"), ttl(time.Minute, "t"))
	tier.Set(ctx, "retagged", []byte("v"), ttl(time.Minute, "t"))
	require.NoError(t, store.Delete(ctx, "k:gone"))
	tier.Set(ctx, "retagged", []byte("v2"), ttl(time.Minute, "other"))

	require.Zero(t, tier.InvalidateByTags(ctx, []string{"t"}))

	v, ok := tier.Get(ctx, "retagged")
	require.True(t, ok, "entry re-written without the tag survives")
	require.Equal(t, []byte("v2"), v)

	_, err := store.Members(ctx, "t:t")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTierSetDropsEntryWhenIndexFails(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	store.mu.Lock()
	store.addFail = errDown
	store.mu.Unlock()

	tier.Set(ctx, "p1", []byte("v"), ttl(time.Minute, "inventory"))
	require.False(t, tier.Available())
	_, exists := store.raw("k:p1")
	require.False(t, exists, "an entry missing from its tag index is not kept")

	tier.SetAvailable(true)
	require.Zero(t, tier.InvalidateByTags(ctx, []string{"inventory"}))
	_, ok := tier.Get(ctx, "p1")
	require.False(t, ok)

	tier.Set(ctx, "untagged", []byte("v"), ttl(time.Minute))
	_, ok = tier.Get(ctx, "untagged")
	require.True(t, ok, "writes without tags do not touch the index")
}

func TestTierPruneTags(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tier, store := newTestTier(t, WithNow(clock.Now))

	tier.Set(ctx, "old", []byte("v"), ttl(time.Second, "inventory"))
	clock.Advance(2 * time.Second)
	tier.Set(ctx, "gone", []byte("v"), ttl(time.Minute, "inventory"))
	tier.Set(ctx, "live", []byte("v"), ttl(time.Minute, "inventory"))
	tier.Set(ctx, "retagged", []byte("v"), ttl(time.Minute, "inventory"))
	tier.Set(ctx, "retagged", []byte("v2"), ttl(time.Minute, "other"))
	tier.Set(ctx, "solo", []byte("v"), ttl(time.Minute, "orphaned"))
	require.NoError(t, store.Delete(ctx, "k:gone"))
	require.NoError(t, store.Delete(ctx, "k:solo"))

	require.Equal(t, 4, tier.PruneTags(ctx))

	members, err := store.Members(ctx, "t:inventory")
	require.NoError(t, err)
	require.Equal(t, []string{"live"}, members)

	members, err = store.Members(ctx, "t:other")
	require.NoError(t, err)
	require.Equal(t, []string{"retagged"}, members)

	_, err = store.Members(ctx, "t:orphaned")
	require.ErrorIs(t, err, ErrNotFound, "an emptied tag record is deleted")

	require.Zero(t, tier.PruneTags(ctx))
}

func TestTierHealthPrunesOncePerInterval(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	tier, store := newTestTier(t, WithNow(clock.Now), WithPruneInterval(time.Minute))

	tier.Set(ctx, "a", []byte("v"), ttl(time.Hour, "inventory"))
	require.NoError(t, store.Delete(ctx, "k:a"))
	tier.CheckHealth(ctx)
	_, err := store.Members(ctx, "t:inventory")
	require.ErrorIs(t, err, ErrNotFound)

	tier.Set(ctx, "b", []byte("v"), ttl(time.Hour, "inventory"))
	require.NoError(t, store.Delete(ctx, "k:b"))
	tier.CheckHealth(ctx)
	members, err := store.Members(ctx, "t:inventory")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members, "pruning waits for the interval")

	clock.Advance(time.Minute)
	tier.CheckHealth(ctx)
	_, err = store.Members(ctx, "t:inventory")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTierDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	tier, store := newTestTier(t)

	tier.Set(ctx, "a", []byte("v"), ttl(time.Minute, "t"))
	tier.Set(ctx, "b", []byte("v"), ttl(time.Minute))

	require.True(t, tier.Delete(ctx, "a"))
	require.False(t, tier.Delete(ctx, "a"))
	require.Equal(t, uint64(1), tier.Stats().Deletes)

	store.putRaw("unrelated", []byte("x"))
	tier.Clear(ctx)

	keys, err := store.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"unrelated"}, keys, "clear leaves foreign keys alone")
}

func TestTierCompressedRoundTrip(t *testing.T) {
	ctx := context.Background()
	tier, _ := newTestTier(t)

	big := make([]byte, 8*1024)
	for i := range big {
		big[i] = byte('a' + i%4)
	}
	tier.Set(ctx, "big", big, tiercache.Config{TTL: time.Minute, Compress: true})

	v, ok := tier.Get(ctx, "big")
	require.True(t, ok)
	require.Equal(t, big, v)
}

func TestTierCloseClosesStore(t *testing.T) {
	tier, store := newTestTier(t)
	require.NoError(t, tier.Close())
	require.NoError(t, tier.Close())
	require.True(t, store.closed)
}
