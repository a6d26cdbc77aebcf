// Package dbformat provides the internal key format used by the storage core.
//
// An internal key consists of:
//   - User key (arbitrary bytes)
//   - 8-byte trailer: (sequence_number << 8) | value_type, little-endian
//
// SSTable metadata carries key ranges in this form, and the memtable orders
// its entries by it.
package dbformat

import (
	"bytes"
	"errors"

	"github.com/aalhour/zonekv/internal/encoding"
)

// SequenceNumber is a 56-bit sequence number (stored in the upper 56 bits
// of the 64-bit trailer).
type SequenceNumber uint64

// MaxSequenceNumber is the maximum valid sequence number (2^56 - 1).
const MaxSequenceNumber SequenceNumber = (1 << 56) - 1

// NumInternalBytes is the size of the internal key trailer (sequence + type).
const NumInternalBytes = 8

// ValueType represents the type of a key-value record.
// These values are embedded in the on-disk format and MUST NOT change.
type ValueType uint8

const (
	// TypeDeletion marks a key as deleted.
	TypeDeletion ValueType = 0x00

	// TypeValue is a regular key-value entry.
	TypeValue ValueType = 0x01

	// TypeMaxValid should stay after the last valid type.
	TypeMaxValid ValueType = 0x02
)

// ValueTypeForSeek is used when seeking to a user key: we seek to the entry
// with the largest possible trailer for that key.
const ValueTypeForSeek = TypeValue

// ErrCorruptedKey is returned when an internal key is malformed.
var ErrCorruptedKey = errors.New("dbformat: corrupted internal key")

// PackTrailer packs a sequence number and value type into the 8-byte trailer.
func PackTrailer(seq SequenceNumber, t ValueType) uint64 {
	return uint64(seq)<<8 | uint64(t)
}

// AppendInternalKey appends the internal key for (userKey, seq, t) to dst.
func AppendInternalKey(dst []byte, userKey []byte, seq SequenceNumber, t ValueType) []byte {
	dst = append(dst, userKey...)
	return encoding.AppendFixed64(dst, PackTrailer(seq, t))
}

// MakeInternalKey builds a fresh internal key for (userKey, seq, t).
func MakeInternalKey(userKey []byte, seq SequenceNumber, t ValueType) []byte {
	return AppendInternalKey(make([]byte, 0, len(userKey)+NumInternalBytes), userKey, seq, t)
}

// ParsedInternalKey is a decomposed internal key.
type ParsedInternalKey struct {
	UserKey  []byte
	Sequence SequenceNumber
	Type     ValueType
}

// ParseInternalKey decomposes an internal key.
// The returned UserKey aliases the input.
func ParseInternalKey(key []byte) (ParsedInternalKey, error) {
	if len(key) < NumInternalBytes {
		return ParsedInternalKey{}, ErrCorruptedKey
	}
	trailer := encoding.DecodeFixed64(key[len(key)-NumInternalBytes:])
	t := ValueType(trailer & 0xff)
	if t >= TypeMaxValid {
		return ParsedInternalKey{}, ErrCorruptedKey
	}
	return ParsedInternalKey{
		UserKey:  key[:len(key)-NumInternalBytes],
		Sequence: SequenceNumber(trailer >> 8),
		Type:     t,
	}, nil
}

// ExtractUserKey strips the trailer from an internal key.
// REQUIRES: len(key) >= NumInternalBytes.
func ExtractUserKey(key []byte) []byte {
	return key[:len(key)-NumInternalBytes]
}

// Comparator defines a total order over user keys.
//
// Implementations MUST be safe for concurrent use.
type Comparator interface {
	// Compare returns <0, 0, >0 as a sorts before, equal to, after b.
	Compare(a, b []byte) int

	// Name identifies the comparator; persisted in the manifest so an
	// incompatible open can be rejected.
	Name() string
}

type bytewiseComparator struct{}

func (bytewiseComparator) Compare(a, b []byte) int { return bytes.Compare(a, b) }
func (bytewiseComparator) Name() string            { return "zonekv.BytewiseComparator" }

// BytewiseComparator orders user keys lexicographically by raw bytes.
var BytewiseComparator Comparator = bytewiseComparator{}

// InternalKeyComparator orders internal keys by user key ascending, then
// sequence number descending, then type descending, so the newest entry for
// a user key sorts first.
type InternalKeyComparator struct {
	User Comparator
}

// NewInternalKeyComparator wraps a user comparator. A nil user comparator
// defaults to BytewiseComparator.
func NewInternalKeyComparator(user Comparator) InternalKeyComparator {
	if user == nil {
		user = BytewiseComparator
	}
	return InternalKeyComparator{User: user}
}

// Compare implements the internal key order.
func (c InternalKeyComparator) Compare(a, b []byte) int {
	if r := c.User.Compare(ExtractUserKey(a), ExtractUserKey(b)); r != 0 {
		return r
	}
	ta := encoding.DecodeFixed64(a[len(a)-NumInternalBytes:])
	tb := encoding.DecodeFixed64(b[len(b)-NumInternalBytes:])
	switch {
	case ta > tb:
		return -1
	case ta < tb:
		return 1
	default:
		return 0
	}
}

// Name implements Comparator.
func (c InternalKeyComparator) Name() string {
	return "zonekv.InternalKeyComparator:" + c.User.Name()
}
