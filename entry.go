// Package tiercache holds the types shared by every cache tier: the stored
// Entry, its per-write Config, hit/miss Stats and the integrity checksum.
package tiercache

import (
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

const (
	// CompressionThreshold is the minimum payload size before compression is considered.
	CompressionThreshold = 1024

	// MaxDecompressedSize caps decompression to guard against compression bombs.
	MaxDecompressedSize = 64 * 1024 * 1024
)

// ErrCorrupted is returned when a payload fails checksum verification or
// cannot be decoded.
var ErrCorrupted = errors.New("entry corrupted")

// Entry is the value wrapper stored in every tier. Tiers never share an Entry
// by reference: each write builds its own.
type Entry struct {
	// Payload is the serialised value, zstd-compressed when Compressed is set.
	Payload []byte

	WrittenAt            time.Time
	TTL                  time.Duration
	StaleWhileRevalidate time.Duration
	Tags                 []string

	// Checksum is the hex BLAKE3 digest of Payload as stored.
	Checksum   string
	Compressed bool
}

// NewEntry builds an entry for value written at now. cfg must already have
// defaults applied.
func NewEntry(value []byte, cfg Config, now time.Time) *Entry {
	payload := slices.Clone(value)
	compressed := false
	if cfg.Compress && len(payload) >= CompressionThreshold {
		if enc, err := zstdEncoder(); err == nil {
			if out := enc.EncodeAll(payload, nil); len(out) < len(payload) {
				payload = out
				compressed = true
			}
		}
	}

	return &Entry{
		Payload:              payload,
		WrittenAt:            now,
		TTL:                  cfg.TTL,
		StaleWhileRevalidate: cfg.StaleWhileRevalidate,
		Tags:                 slices.Clone(cfg.Tags),
		Checksum:             Checksum(payload),
		Compressed:           compressed,
	}
}

// IsExpired reports whether more than TTL has elapsed since the entry was written.
func (e *Entry) IsExpired(now time.Time) bool {
	return now.Sub(e.WrittenAt) > e.TTL
}

// ExpiresAt is the last instant the entry is still fresh.
func (e *Entry) ExpiresAt() time.Time {
	return e.WrittenAt.Add(e.TTL)
}

// StaleUntil is the advisory deadline past expiry during which callers may
// keep serving an old value while they refresh it.
func (e *Entry) StaleUntil() time.Time {
	return e.ExpiresAt().Add(e.StaleWhileRevalidate)
}

// HasAnyTag reports whether the entry carries at least one of tags.
func (e *Entry) HasAnyTag(tags []string) bool {
	for _, t := range tags {
		if slices.Contains(e.Tags, t) {
			return true
		}
	}
	return false
}

// Verify checks the stored checksum against the payload.
func (e *Entry) Verify() error {
	if !VerifyChecksum(e.Payload, e.Checksum) {
		return ErrCorrupted
	}
	return nil
}

// Value verifies the checksum and returns a fresh copy of the serialised value.
func (e *Entry) Value() ([]byte, error) {
	if err := e.Verify(); err != nil {
		return nil, err
	}
	if !e.Compressed {
		return slices.Clone(e.Payload), nil
	}
	dec, err := zstdDecoder()
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	out, err := dec.DecodeAll(e.Payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decompressing payload: %v", ErrCorrupted, err)
	}
	return out, nil
}

// Item is a verified value read from a tier together with its entry metadata.
type Item struct {
	Value      []byte
	WrittenAt  time.Time
	ExpiresAt  time.Time
	StaleUntil time.Time
	Tags       []string
}

// Item verifies the entry and returns its value and metadata.
func (e *Entry) Item() (*Item, error) {
	v, err := e.Value()
	if err != nil {
		return nil, err
	}
	return &Item{
		Value:      v,
		WrittenAt:  e.WrittenAt,
		ExpiresAt:  e.ExpiresAt(),
		StaleUntil: e.StaleUntil(),
		Tags:       slices.Clone(e.Tags),
	}, nil
}

var (
	zstdEncoder = sync.OnceValues(func() (*zstd.Encoder, error) {
		return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	zstdDecoder = sync.OnceValues(func() (*zstd.Decoder, error) {
		return zstd.NewReader(nil, zstd.WithDecoderMaxMemory(MaxDecompressedSize))
	})
)
