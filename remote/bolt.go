package remote

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.etcd.io/bbolt"
)

var bucketValues = []byte("values")

// expiryPrefixLen is the width of the big-endian unix-nano expiry prefixed to
// every stored value. Zero means the value never expires on its own.
const expiryPrefixLen = 8

// BoltStore is a Store backed by a bbolt file. It lets several processes on
// one host share an L2 through a common path, and backs tests without a
// network service.
type BoltStore struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithBoltLogger sets the logger for the store.
func WithBoltLogger(logger *slog.Logger) BoltOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithBoltNow sets the time function for testing.
func WithBoltNow(now func() time.Time) BoltOption {
	return func(b *BoltStore) {
		b.now = now
	}
}

// WithBoltNoSync disables fsync per transaction.
// Use only for testing or benchmarking, never in production.
func WithBoltNoSync(noSync bool) BoltOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBolt opens or creates the store at path.
func OpenBolt(path string, opts ...BoltOption) (*BoltStore, error) {
	b := &BoltStore{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketValues)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketValues, err)
	}

	b.db = db
	b.logger.Debug("opened bolt store", "path", path, "noSync", b.noSync)
	return b, nil
}

func (b *BoltStore) encode(value []byte, ttl time.Duration) []byte {
	buf := make([]byte, expiryPrefixLen+len(value))
	if ttl > 0 {
		binary.BigEndian.PutUint64(buf, uint64(b.now().Add(ttl).UnixNano())) //nolint:gosec // post-1970 timestamps
	}
	copy(buf[expiryPrefixLen:], value)
	return buf
}

// decode returns the value, or false when the record is malformed or expired.
func (b *BoltStore) decode(raw []byte, now time.Time) ([]byte, bool) {
	if len(raw) < expiryPrefixLen {
		return nil, false
	}
	if exp := binary.BigEndian.Uint64(raw); exp != 0 && uint64(now.UnixNano()) >= exp { //nolint:gosec // post-1970 timestamps
		return nil, false
	}
	return slices.Clone(raw[expiryPrefixLen:]), true
}

// Get returns the value at key, or ErrNotFound.
func (b *BoltStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketValues).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		v, ok := b.decode(raw, b.now())
		if !ok {
			return ErrNotFound
		}
		out = v
		return nil
	})
	return out, err
}

// Put stores value at key with an optional expiry.
func (b *BoltStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).Put([]byte(key), b.encode(value, ttl))
	})
}

// Delete removes key.
func (b *BoltStore) Delete(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketValues)
		if bkt.Get([]byte(key)) == nil {
			return ErrNotFound
		}
		return bkt.Delete([]byte(key))
	})
}

// AddMember adds member to the JSON set at key inside a single transaction.
func (b *BoltStore) AddMember(_ context.Context, key, member string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketValues)

		var members []string
		if raw := bkt.Get([]byte(key)); raw != nil {
			if v, ok := b.decode(raw, b.now()); ok {
				if err := json.Unmarshal(v, &members); err != nil {
					return fmt.Errorf("decoding set %q: %w", key, err)
				}
			}
		}
		if slices.Contains(members, member) {
			return nil
		}
		members = append(members, member)

		data, err := json.Marshal(members)
		if err != nil {
			return fmt.Errorf("encoding set %q: %w", key, err)
		}
		return bkt.Put([]byte(key), b.encode(data, 0))
	})
}

// RemoveMembers removes members from the JSON set at key inside a single
// transaction, deleting the record once it is empty.
func (b *BoltStore) RemoveMembers(_ context.Context, key string, members []string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketValues)

		raw := bkt.Get([]byte(key))
		if raw == nil {
			return nil
		}
		v, ok := b.decode(raw, b.now())
		if !ok {
			return bkt.Delete([]byte(key))
		}
		var current []string
		if err := json.Unmarshal(v, &current); err != nil {
			return fmt.Errorf("decoding set %q: %w", key, err)
		}

		kept := slices.DeleteFunc(current, func(m string) bool {
			return slices.Contains(members, m)
		})
		if len(kept) == 0 {
			return bkt.Delete([]byte(key))
		}
		data, err := json.Marshal(kept)
		if err != nil {
			return fmt.Errorf("encoding set %q: %w", key, err)
		}
		return bkt.Put([]byte(key), b.encode(data, 0))
	})
}

// Members returns the set at key.
func (b *BoltStore) Members(ctx context.Context, key string) ([]string, error) {
	data, err := b.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("decoding set %q: %w", key, err)
	}
	return members, nil
}

// Keys lists every unexpired key.
func (b *BoltStore) Keys(_ context.Context) ([]string, error) {
	var keys []string
	now := b.now()
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketValues).ForEach(func(k, v []byte) error {
			if _, ok := b.decode(v, now); ok {
				keys = append(keys, string(k))
			}
			return nil
		})
	})
	return keys, err
}

// Ping checks the database is open.
func (b *BoltStore) Ping(_ context.Context) error {
	return b.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketValues) == nil {
			return errors.New("bolt store: values bucket missing")
		}
		return nil
	})
}

// PurgeExpired deletes every value whose expiry has passed.
func (b *BoltStore) PurgeExpired(_ context.Context) (int, error) {
	now := b.now()
	purged := 0
	err := b.db.Update(func(tx *bbolt.Tx) error {
		bkt := tx.Bucket(bucketValues)
		var expired [][]byte
		if err := bkt.ForEach(func(k, v []byte) error {
			if _, ok := b.decode(v, now); !ok {
				expired = append(expired, slices.Clone(k))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range expired {
			if err := bkt.Delete(k); err != nil {
				return err
			}
		}
		purged = len(expired)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging expired values: %w", err)
	}
	if purged > 0 {
		b.logger.Debug("purged expired values", "count", purged)
	}
	return purged, nil
}

// Close closes the database.
func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing bolt store")
	return b.db.Close()
}
