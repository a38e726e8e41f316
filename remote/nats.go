package remote

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// DefaultNATSBucket is the KV bucket used when none is configured.
	DefaultNATSBucket = "tiercache"

	// DefaultMaxSetRetries bounds compare-and-set attempts when adding to a set.
	DefaultMaxSetRetries = 10

	pingKey = "__ping__"
)

// kvBucket is the subset of a JetStream key-value bucket the store needs.
type kvBucket interface {
	get(ctx context.Context, key string) ([]byte, uint64, error)
	put(ctx context.Context, key string, value []byte) error
	create(ctx context.Context, key string, value []byte) error
	update(ctx context.Context, key string, value []byte, revision uint64) error
	// delete removes key; a non-zero revision makes it conditional.
	delete(ctx context.Context, key string, revision uint64) error
	keys(ctx context.Context) ([]string, error)
}

// NATSStore is a Store backed by a NATS JetStream key-value bucket.
//
// NATS keys are restricted to a small alphabet, so cache keys are stored
// base64url-encoded. The bucket has a single TTL; per-entry expiry is left to
// the tier's logical check on read.
type NATSStore struct {
	bucket     kvBucket
	conn       *nats.Conn
	maxRetries uint
	logger     *slog.Logger
}

// NATSOption configures a NATSStore.
type NATSOption func(*natsOptions)

type natsOptions struct {
	bucketTTL  time.Duration
	maxRetries uint
	logger     *slog.Logger
	natsOpts   []nats.Option
}

// WithBucketTTL sets the maximum age of any value in the bucket. Zero keeps values forever.
func WithBucketTTL(d time.Duration) NATSOption {
	return func(o *natsOptions) {
		o.bucketTTL = d
	}
}

// WithMaxSetRetries bounds compare-and-set attempts in AddMember.
func WithMaxSetRetries(n uint) NATSOption {
	return func(o *natsOptions) {
		if n > 0 {
			o.maxRetries = n
		}
	}
}

// WithNATSLogger sets the logger for the store.
func WithNATSLogger(logger *slog.Logger) NATSOption {
	return func(o *natsOptions) {
		o.logger = logger
	}
}

// WithNATSConnOptions passes options through to nats.Connect.
func WithNATSConnOptions(opts ...nats.Option) NATSOption {
	return func(o *natsOptions) {
		o.natsOpts = append(o.natsOpts, opts...)
	}
}

func buildNATSOptions(opts []NATSOption) natsOptions {
	o := natsOptions{
		maxRetries: DefaultMaxSetRetries,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// DialNATS connects to url and opens (creating if needed) the KV bucket.
func DialNATS(ctx context.Context, url, bucket string, opts ...NATSOption) (*NATSStore, error) {
	o := buildNATSOptions(opts)
	if bucket == "" {
		bucket = DefaultNATSBucket
	}

	connOpts := append([]nats.Option{nats.Name("tiercache")}, o.natsOpts...)
	nc, err := nats.Connect(url, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("creating jetstream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "tiercache shared tier",
		TTL:         o.bucketTTL,
		History:     1,
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("opening kv bucket %s: %w", bucket, err)
	}

	o.logger.Debug("opened nats store", "url", url, "bucket", bucket, "bucket_ttl", o.bucketTTL)
	s := newNATSStore(&jsBucket{kv: kv}, o)
	s.conn = nc
	return s, nil
}

// NewNATSStore wraps an existing KV bucket. The caller keeps ownership of the connection.
func NewNATSStore(kv jetstream.KeyValue, opts ...NATSOption) *NATSStore {
	return newNATSStore(&jsBucket{kv: kv}, buildNATSOptions(opts))
}

func newNATSStore(b kvBucket, o natsOptions) *NATSStore {
	return &NATSStore{
		bucket:     b,
		maxRetries: o.maxRetries,
		logger:     o.logger,
	}
}

func encodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeKey(key string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(key)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Get returns the value at key, or ErrNotFound.
func (s *NATSStore) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := s.bucket.get(ctx, encodeKey(key))
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Put stores value at key. ttl is ignored; the bucket TTL applies.
func (s *NATSStore) Put(ctx context.Context, key string, value []byte, _ time.Duration) error {
	return s.bucket.put(ctx, encodeKey(key), value)
}

// Delete removes key, returning ErrNotFound if it was absent.
func (s *NATSStore) Delete(ctx context.Context, key string) error {
	k := encodeKey(key)
	if _, _, err := s.bucket.get(ctx, k); err != nil {
		return err
	}
	return s.bucket.delete(ctx, k, 0)
}

// AddMember adds member to the JSON set at key using optimistic concurrency:
// read the current revision, write conditionally, and retry with backoff when
// another writer got there first.
//
// The set is rewritten even when member is already present so the record's
// age under a bucket TTL tracks its most recent member.
func (s *NATSStore) AddMember(ctx context.Context, key, member string) error {
	if err := s.retrySet(ctx, key, func() error {
		return s.addMemberOnce(ctx, encodeKey(key), member)
	}); err != nil {
		return fmt.Errorf("adding member to %q: %w", key, err)
	}
	return nil
}

// RemoveMembers removes members from the JSON set at key with the same
// compare-and-set loop as AddMember. An emptied set is deleted at the
// revision that was read, so a concurrent add is never lost.
func (s *NATSStore) RemoveMembers(ctx context.Context, key string, members []string) error {
	if err := s.retrySet(ctx, key, func() error {
		return s.removeMembersOnce(ctx, encodeKey(key), members)
	}); err != nil {
		return fmt.Errorf("removing members from %q: %w", key, err)
	}
	return nil
}

func (s *NATSStore) retrySet(ctx context.Context, key string, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := op()
		if err == nil || errors.Is(err, ErrConflict) {
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(s.maxRetries))
	if errors.Is(err, ErrConflict) {
		s.logger.Warn("set update kept conflicting", "key", key, "attempts", attempts)
	}
	return err
}

func (s *NATSStore) removeMembersOnce(ctx context.Context, k string, members []string) error {
	data, rev, err := s.bucket.get(ctx, k)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var current []string
	if err := json.Unmarshal(data, &current); err != nil {
		return fmt.Errorf("decoding set: %w", err)
	}
	kept := slices.DeleteFunc(current, func(m string) bool {
		return slices.Contains(members, m)
	})
	if len(kept) == 0 {
		return s.bucket.delete(ctx, k, rev)
	}
	value, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	return s.bucket.update(ctx, k, value, rev)
}

func (s *NATSStore) addMemberOnce(ctx context.Context, k, member string) error {
	data, rev, err := s.bucket.get(ctx, k)
	if errors.Is(err, ErrNotFound) {
		value, err := json.Marshal([]string{member})
		if err != nil {
			return err
		}
		return s.bucket.create(ctx, k, value)
	}
	if err != nil {
		return err
	}

	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return fmt.Errorf("decoding set: %w", err)
	}
	if !slices.Contains(members, member) {
		members = append(members, member)
	}
	value, err := json.Marshal(members)
	if err != nil {
		return err
	}
	return s.bucket.update(ctx, k, value, rev)
}

// Members returns the set at key.
func (s *NATSStore) Members(ctx context.Context, key string) ([]string, error) {
	data, _, err := s.bucket.get(ctx, encodeKey(key))
	if err != nil {
		return nil, err
	}
	var members []string
	if err := json.Unmarshal(data, &members); err != nil {
		return nil, fmt.Errorf("decoding set %q: %w", key, err)
	}
	return members, nil
}

// Keys lists every key in the bucket.
func (s *NATSStore) Keys(ctx context.Context) ([]string, error) {
	raw, err := s.bucket.keys(ctx)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(raw))
	for _, k := range raw {
		if k == pingKey {
			continue
		}
		dk, err := decodeKey(k)
		if err != nil {
			s.logger.Debug("skipping foreign key in bucket", "key", k)
			continue
		}
		keys = append(keys, dk)
	}
	return keys, nil
}

// Ping issues a read; a missing key still proves the server answered.
func (s *NATSStore) Ping(ctx context.Context) error {
	_, _, err := s.bucket.get(ctx, pingKey)
	if err == nil || errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// Close drains the connection if the store opened it.
func (s *NATSStore) Close() error {
	if s.conn == nil {
		return nil
	}
	s.logger.Debug("closing nats store")
	return s.conn.Drain()
}

// jsBucket adapts jetstream.KeyValue to kvBucket, mapping NATS errors onto
// ErrNotFound and ErrConflict.
type jsBucket struct {
	kv jetstream.KeyValue
}

func (b *jsBucket) get(ctx context.Context, key string) ([]byte, uint64, error) {
	entry, err := b.kv.Get(ctx, key)
	if err != nil {
		return nil, 0, mapNATSError(err)
	}
	return entry.Value(), entry.Revision(), nil
}

func (b *jsBucket) put(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Put(ctx, key, value)
	return mapNATSError(err)
}

func (b *jsBucket) create(ctx context.Context, key string, value []byte) error {
	_, err := b.kv.Create(ctx, key, value)
	return mapNATSError(err)
}

func (b *jsBucket) update(ctx context.Context, key string, value []byte, revision uint64) error {
	_, err := b.kv.Update(ctx, key, value, revision)
	return mapNATSError(err)
}

func (b *jsBucket) delete(ctx context.Context, key string, revision uint64) error {
	if revision > 0 {
		return mapNATSError(b.kv.Delete(ctx, key, jetstream.LastRevision(revision)))
	}
	return mapNATSError(b.kv.Delete(ctx, key))
}

func (b *jsBucket) keys(ctx context.Context) ([]string, error) {
	lister, err := b.kv.ListKeys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil, nil
		}
		return nil, mapNATSError(err)
	}
	defer func() { _ = lister.Stop() }()

	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

func mapNATSError(err error) error {
	switch {
	case err == nil:
		return nil
	case isNotFound(err):
		return ErrNotFound
	case isConflict(err):
		return ErrConflict
	default:
		return err
	}
}

func isNotFound(err error) bool {
	if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "key not found") || strings.Contains(msg, "10037")
}

// isConflict also matches on server error text; the JetStream API error
// codes are not always wrapped into the typed errors.
func isConflict(err error) bool {
	if errors.Is(err, jetstream.ErrKeyExists) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "wrong last sequence") ||
		strings.Contains(msg, "10071") ||
		strings.Contains(msg, "key exists") ||
		strings.Contains(msg, "10058")
}
