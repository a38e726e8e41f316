package remote

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstrumentedStore_Delegates(t *testing.T) {
	ctx := context.Background()
	inner := newMapStore()
	is := NewInstrumentedStore(inner, "map")

	require.NoError(t, is.Put(ctx, "k", []byte("v"), time.Minute))
	v, err := is.Get(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), v)

	require.NoError(t, is.AddMember(ctx, "t:a", "k"))
	members, err := is.Members(ctx, "t:a")
	require.NoError(t, err)
	require.Equal(t, []string{"k"}, members)

	keys, err := is.Keys(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"k", "t:a"}, keys)

	require.NoError(t, is.RemoveMembers(ctx, "t:a", []string{"k"}))
	_, err = is.Members(ctx, "t:a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, is.Ping(ctx))
	require.NoError(t, is.Delete(ctx, "k"))
	require.ErrorIs(t, is.Delete(ctx, "k"), ErrNotFound)

	require.Same(t, inner, is.Unwrap())
	require.NoError(t, is.Close())
	require.True(t, inner.closed)
}

func TestInstrumentedStore_PurgeDelegation(t *testing.T) {
	ctx := context.Background()

	n, err := NewInstrumentedStore(newMapStore(), "map").PurgeExpired(ctx)
	require.NoError(t, err)
	require.Zero(t, n, "stores without purge support report nothing purged")

	clock := newFakeClock()
	bolt, err := OpenBolt(filepath.Join(t.TempDir(), "l2.db"), WithBoltNow(clock.Now))
	require.NoError(t, err)
	is := NewInstrumentedStore(bolt, "bolt")
	defer is.Close()

	require.NoError(t, is.Put(ctx, "k", []byte("v"), time.Second))
	clock.Advance(time.Minute)
	n, err = is.PurgeExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestOutcomeFromError(t *testing.T) {
	require.Equal(t, "success", outcomeFromError(nil))
	require.Equal(t, "not_found", outcomeFromError(ErrNotFound))
	require.Equal(t, "timeout", outcomeFromError(context.DeadlineExceeded))
	require.Equal(t, "error", outcomeFromError(errors.New("boom")))
}
