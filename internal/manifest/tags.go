// Package manifest provides encoding and decoding for version edits: the
// metadata deltas (new and deleted tables, compaction pointers, sequence
// numbers) replayed from the manifest log during recovery.
package manifest

// Tag identifies a serialized VersionEdit field.
// These numbers are written to disk and MUST NOT change.
type Tag uint32

const (
	// TagComparator carries the comparator name.
	TagComparator Tag = 1

	// TagLastSequence carries the last used sequence number.
	TagLastSequence Tag = 2

	// TagNextSSTableNumber carries the next table number to allocate.
	TagNextSSTableNumber Tag = 3

	// TagCompactPointer carries a per-level compaction pointer key.
	TagCompactPointer Tag = 4

	// TagDeletedRange carries a deleted table number range.
	TagDeletedRange Tag = 5

	// TagDeletedSSTable carries the full metadata of a deleted LN table.
	TagDeletedSSTable Tag = 6

	// TagNewSSTable carries the full metadata of a new table.
	TagNewSSTable Tag = 7

	// TagFragmentedData carries an opaque per-level recovery blob.
	TagFragmentedData Tag = 8
)

// String returns the name of the tag.
func (t Tag) String() string {
	switch t {
	case TagComparator:
		return "Comparator"
	case TagLastSequence:
		return "LastSequence"
	case TagNextSSTableNumber:
		return "NextSSTableNumber"
	case TagCompactPointer:
		return "CompactPointer"
	case TagDeletedRange:
		return "DeletedRange"
	case TagDeletedSSTable:
		return "DeletedSSTable"
	case TagNewSSTable:
		return "NewSSTable"
	case TagFragmentedData:
		return "FragmentedData"
	default:
		return "UnknownTag"
	}
}

// MaxLevels is the number of LSM levels the codec accepts: L0 plus up to
// seven higher levels.
const MaxLevels = 8

// MaxLBARegions is the maximum number of (lba, size) regions an LN table may
// be fragmented into.
const MaxLBARegions = 8
