package tiercache

import (
	"bytes"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// MagicBytes prefixes every encoded entry.
var MagicBytes = []byte("TCE1")

const (
	fieldWrittenAt  protowire.Number = 1
	fieldTTL        protowire.Number = 2
	fieldTags       protowire.Number = 3
	fieldChecksum   protowire.Number = 4
	fieldCompressed protowire.Number = 5
	fieldPayload    protowire.Number = 6
	fieldSWR        protowire.Number = 7
)

// MarshalEntry encodes an entry for tiers that store bytes.
// Format: MAGIC (4 bytes) | protobuf wire fields.
func MarshalEntry(e *Entry) []byte {
	b := make([]byte, 0, len(MagicBytes)+len(e.Payload)+len(e.Checksum)+64)
	b = append(b, MagicBytes...)

	b = protowire.AppendTag(b, fieldWrittenAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.WrittenAt.UnixNano())) //nolint:gosec // round-trips through int64
	b = protowire.AppendTag(b, fieldTTL, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.TTL)) //nolint:gosec // ttl is validated non-negative
	b = protowire.AppendTag(b, fieldSWR, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.StaleWhileRevalidate)) //nolint:gosec // validated non-negative
	for _, tag := range e.Tags {
		b = protowire.AppendTag(b, fieldTags, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	b = protowire.AppendTag(b, fieldChecksum, protowire.BytesType)
	b = protowire.AppendString(b, e.Checksum)
	if e.Compressed {
		b = protowire.AppendTag(b, fieldCompressed, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeBool(true))
	}
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	return b
}

// UnmarshalEntry decodes bytes written by MarshalEntry. Malformed input is
// reported as ErrCorrupted. The checksum is not verified here.
func UnmarshalEntry(data []byte) (*Entry, error) {
	if !bytes.HasPrefix(data, MagicBytes) {
		return nil, fmt.Errorf("%w: invalid magic bytes", ErrCorrupted)
	}
	b := data[len(MagicBytes):]

	e := &Entry{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", ErrCorrupted, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType && (num == fieldWrittenAt || num == fieldTTL || num == fieldSWR || num == fieldCompressed):
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorrupted, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldWrittenAt:
				e.WrittenAt = time.Unix(0, int64(v)) //nolint:gosec // written from UnixNano
			case fieldTTL:
				e.TTL = time.Duration(v) //nolint:gosec // written from a non-negative duration
			case fieldSWR:
				e.StaleWhileRevalidate = time.Duration(v) //nolint:gosec // written from a non-negative duration
			case fieldCompressed:
				e.Compressed = protowire.DecodeBool(v)
			}
		case typ == protowire.BytesType && (num == fieldTags || num == fieldChecksum || num == fieldPayload):
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorrupted, num, protowire.ParseError(n))
			}
			b = b[n:]
			switch num {
			case fieldTags:
				e.Tags = append(e.Tags, string(v))
			case fieldChecksum:
				e.Checksum = string(v)
			case fieldPayload:
				e.Payload = bytes.Clone(v)
			}
		default:
			// Unknown field: skip it so newer writers stay readable.
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("%w: field %d: %v", ErrCorrupted, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}

	if e.Checksum == "" {
		return nil, fmt.Errorf("%w: missing checksum", ErrCorrupted)
	}
	if e.Payload == nil {
		e.Payload = []byte{}
	}
	return e, nil
}
