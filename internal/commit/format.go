// Package commit provides the record commit codec: a fragmenting,
// CRC-protected, block-aligned framing for variable-length payloads written
// into a sequential zone log.
//
// Record Format:
//
//	+----------+---------+------+---------+----------------+
//	| CRC (4B) | Len(3B) | Type | Payload | zero fill      |
//	+----------+---------+------+---------+----------------+
//
// Each record occupies a whole number of LBAs. The length is a 24-bit
// little-endian value packed at offsets 4..6; the record type occupies
// offset 7. The CRC is computed over the type byte followed by the payload
// and masked with checksum.Mask before storage.
//
// Payloads larger than one LBA minus the header are split across consecutive
// records typed First, Middle*, Last. A single-fragment payload uses Full.
package commit

// HeaderSize is the byte size of a record header:
// checksum (4) + length (3) + type (1).
const HeaderSize = 8

// MaxFragmentLength is the largest payload length one fragment can carry,
// limited by the 24-bit length field.
const MaxFragmentLength = 1<<24 - 1

// RecordType represents the type of a physical record.
// These values are embedded in the on-disk format and MUST NOT change.
type RecordType uint8

const (
	// InvalidType marks an unreadable or corrupt record. Never written.
	InvalidType RecordType = 0

	// FullType indicates a complete record in a single fragment.
	FullType RecordType = 1

	// FirstType indicates the first fragment of a fragmented record.
	FirstType RecordType = 2

	// MiddleType indicates a middle fragment of a fragmented record.
	MiddleType RecordType = 3

	// LastType indicates the final fragment of a fragmented record.
	LastType RecordType = 4

	// maxRecordType is the largest valid on-disk record type.
	maxRecordType = LastType
)

// String returns the string representation of a RecordType.
func (t RecordType) String() string {
	switch t {
	case InvalidType:
		return "InvalidType"
	case FullType:
		return "FullType"
	case FirstType:
		return "FirstType"
	case MiddleType:
		return "MiddleType"
	case LastType:
		return "LastType"
	default:
		return "UnknownType"
	}
}
