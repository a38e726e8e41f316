// Package remote implements the shared cache tier (L2): a Tier that wraps a
// pluggable network key-value Store, keeps a tag reverse index beside the
// entries, verifies integrity on read and degrades to a no-op when the store
// is unreachable.
package remote

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the store.
	ErrNotFound = errors.New("remote: not found")

	// ErrConflict is returned by stores when a compare-and-set lost a race.
	ErrConflict = errors.New("remote: concurrent update")
)

// Store is the key-value backend behind the remote tier.
// Implementations must be safe for concurrent use. Values handed to and
// returned from a Store are owned by the receiver.
type Store interface {
	// Get returns the value at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value at key, overwriting any existing value. A positive ttl
	// lets the store drop the value on its own after that long; zero keeps it.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key, returning ErrNotFound if it did not exist.
	Delete(ctx context.Context, key string) error

	// AddMember adds member to the set stored at key, creating it if needed.
	// Adding an existing member is a no-op.
	AddMember(ctx context.Context, key, member string) error

	// RemoveMembers removes members from the set stored at key and deletes
	// the record once it is empty. A missing set is not an error.
	RemoveMembers(ctx context.Context, key string, members []string) error

	// Members returns the set stored at key, or ErrNotFound.
	Members(ctx context.Context, key string) ([]string, error)

	// Keys lists every key in the store.
	Keys(ctx context.Context) ([]string, error)

	// Ping checks the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Purger is implemented by stores that need help dropping expired values.
// The tier calls it from its background loop.
type Purger interface {
	PurgeExpired(ctx context.Context) (int, error)
}
