package tiercache

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 hash in bytes (256 bits).
const HashSize = 32

// Hash represents a BLAKE3 256-bit digest of an entry payload.
type Hash [HashSize]byte

// String returns the hex-encoded representation of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns a shortened hex representation for display.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// IsZero returns true if the hash is all zeros (uninitialized).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// ParseHash parses a hex-encoded hash string.
func ParseHash(s string) (Hash, error) {
	var h Hash
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, err
	}
	return h, nil
}

// HashBytes computes the BLAKE3 hash of the given bytes.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// Checksum returns the hex BLAKE3 checksum stored alongside an entry payload.
func Checksum(data []byte) string {
	return HashBytes(data).String()
}

// VerifyChecksum reports whether checksum matches a freshly computed checksum of data.
func VerifyChecksum(data []byte, checksum string) bool {
	want, err := ParseHash(checksum)
	if err != nil {
		return false
	}
	got := HashBytes(data)
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}
