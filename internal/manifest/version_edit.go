// version_edit.go implements VersionEdit encoding and decoding.
//
// A VersionEdit describes a set of changes to the LSM version. It is framed
// by the commit codec and appended to the manifest log, then replayed during
// recovery. Fields appear as (tag varint, payload); integers are varints,
// levels are single bytes, byte strings are length-prefixed. Decoding
// rejects an unknown tag, a missing field, and trailing bytes.
package manifest

import (
	"errors"
	"fmt"

	"github.com/aalhour/zonekv/internal/encoding"
)

// ErrCorruption is the sentinel wrapped by all VersionEdit decode failures.
var ErrCorruption = errors.New("manifest: corrupt version edit")

func corruptionf(reason string) error {
	return fmt.Errorf("%w: %s", ErrCorruption, reason)
}

// CompactPointer records where compaction of a level should resume.
type CompactPointer struct {
	Level uint8
	Key   []byte // internal key form
}

// LevelMeta pairs a table's metadata with its level.
type LevelMeta struct {
	Level uint8
	Meta  Meta
}

// DeletedTableEntry identifies a deleted table without its metadata.
type DeletedTableEntry struct {
	Level  uint8
	Number uint64
}

// FragmentedData is an opaque per-level recovery blob, used by region
// allocators to persist their free-list state.
type FragmentedData struct {
	Level uint8
	Data  []byte
}

// VersionEdit represents a single delta to the LSM version.
type VersionEdit struct {
	Comparator    string
	HasComparator bool

	LastSequence    uint64
	HasLastSequence bool

	NextSSTableNumber    uint64
	HasNextSSTableNumber bool

	CompactPointers []CompactPointer

	DeletedRange    [2]uint64
	HasDeletedRange bool

	// DeletedTables tracks all deletions in memory; only the LN entries
	// carry metadata and are persisted (L0 deletion is implied by tail
	// reclamation of its log).
	DeletedTables          []DeletedTableEntry
	DeletedTablesPersisted []LevelMeta

	NewTables []LevelMeta

	FragmentedData []FragmentedData
}

// NewVersionEdit creates an empty edit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{}
}

// Clear resets the edit to its initial state.
func (ve *VersionEdit) Clear() {
	*ve = VersionEdit{}
}

// SetComparatorName records the comparator name.
func (ve *VersionEdit) SetComparatorName(name string) {
	ve.Comparator = name
	ve.HasComparator = true
}

// SetLastSequence records the last used sequence number.
func (ve *VersionEdit) SetLastSequence(seq uint64) {
	ve.LastSequence = seq
	ve.HasLastSequence = true
}

// SetNextSSTableNumber records the next table number to allocate.
func (ve *VersionEdit) SetNextSSTableNumber(n uint64) {
	ve.NextSSTableNumber = n
	ve.HasNextSSTableNumber = true
}

// AddCompactPointer records a compaction pointer for a level.
func (ve *VersionEdit) AddCompactPointer(level uint8, key []byte) {
	ve.CompactPointers = append(ve.CompactPointers, CompactPointer{Level: level, Key: key})
}

// SetDeletedRange records a deleted table number range.
func (ve *VersionEdit) SetDeletedRange(first, last uint64) {
	ve.DeletedRange = [2]uint64{first, last}
	ve.HasDeletedRange = true
}

// AddTable records a new table at the given level.
func (ve *VersionEdit) AddTable(level uint8, m *Meta) {
	ve.NewTables = append(ve.NewTables, LevelMeta{Level: level, Meta: m.Copy()})
}

// RemoveTable records the deletion of a table. LN deletions keep the full
// metadata so their regions can be reclaimed on replay.
func (ve *VersionEdit) RemoveTable(level uint8, m *Meta) {
	ve.DeletedTables = append(ve.DeletedTables, DeletedTableEntry{Level: level, Number: m.Number})
	if level != 0 {
		ve.DeletedTablesPersisted = append(ve.DeletedTablesPersisted, LevelMeta{Level: level, Meta: m.Copy()})
	}
}

// AddFragmentedData records an opaque recovery blob for a level.
func (ve *VersionEdit) AddFragmentedData(level uint8, data []byte) {
	ve.FragmentedData = append(ve.FragmentedData, FragmentedData{Level: level, Data: append([]byte(nil), data...)})
}

func appendMeta(dst []byte, level uint8, m *Meta) []byte {
	dst = encoding.AppendVarint64(dst, m.Number)
	if level == 0 {
		dst = encoding.AppendVarint64(dst, m.L0.LBA)
	} else {
		dst = encoding.AppendFixed8(dst, m.LN.Regions)
		for j := uint8(0); j < m.LN.Regions; j++ {
			dst = encoding.AppendVarint64(dst, m.LN.LBAs[j])
			dst = encoding.AppendVarint64(dst, m.LN.RegionSizes[j])
		}
	}
	dst = encoding.AppendVarint64(dst, m.Numbers)
	dst = encoding.AppendVarint64(dst, m.LbaCount)
	dst = encoding.AppendLengthPrefixedSlice(dst, m.Smallest)
	dst = encoding.AppendLengthPrefixedSlice(dst, m.Largest)
	return dst
}

// EncodeTo encodes the edit to a byte slice.
func (ve *VersionEdit) EncodeTo() []byte {
	var dst []byte

	if ve.HasComparator {
		dst = encoding.AppendVarint32(dst, uint32(TagComparator))
		dst = encoding.AppendLengthPrefixedSlice(dst, []byte(ve.Comparator))
	}
	if ve.HasLastSequence {
		dst = encoding.AppendVarint32(dst, uint32(TagLastSequence))
		dst = encoding.AppendVarint64(dst, ve.LastSequence)
	}
	if ve.HasNextSSTableNumber {
		dst = encoding.AppendVarint32(dst, uint32(TagNextSSTableNumber))
		dst = encoding.AppendVarint64(dst, ve.NextSSTableNumber)
	}

	for _, cp := range ve.CompactPointers {
		dst = encoding.AppendVarint32(dst, uint32(TagCompactPointer))
		dst = encoding.AppendFixed8(dst, cp.Level)
		dst = encoding.AppendLengthPrefixedSlice(dst, cp.Key)
	}

	if ve.HasDeletedRange {
		dst = encoding.AppendVarint32(dst, uint32(TagDeletedRange))
		dst = encoding.AppendVarint64(dst, ve.DeletedRange[0])
		dst = encoding.AppendVarint64(dst, ve.DeletedRange[1])
	}

	for i := range ve.DeletedTablesPersisted {
		del := &ve.DeletedTablesPersisted[i]
		dst = encoding.AppendVarint32(dst, uint32(TagDeletedSSTable))
		dst = encoding.AppendFixed8(dst, del.Level)
		dst = appendMeta(dst, del.Level, &del.Meta)
	}

	for i := range ve.NewTables {
		nt := &ve.NewTables[i]
		dst = encoding.AppendVarint32(dst, uint32(TagNewSSTable))
		dst = encoding.AppendFixed8(dst, nt.Level)
		dst = appendMeta(dst, nt.Level, &nt.Meta)
	}

	for _, frag := range ve.FragmentedData {
		dst = encoding.AppendVarint32(dst, uint32(TagFragmentedData))
		dst = encoding.AppendFixed8(dst, frag.Level)
		dst = encoding.AppendLengthPrefixedSlice(dst, frag.Data)
	}

	return dst
}

func getLevel(s *encoding.Slice) (uint8, bool) {
	v, ok := s.GetFixed8()
	if !ok || v >= MaxLevels {
		return 0, false
	}
	return v, true
}

func decodeMeta(s *encoding.Slice, level uint8, m *Meta) bool {
	var ok bool
	if m.Number, ok = s.GetVarint64(); !ok {
		return false
	}
	if level == 0 {
		if m.L0.LBA, ok = s.GetVarint64(); !ok {
			return false
		}
	} else {
		if m.LN.Regions, ok = s.GetFixed8(); !ok || m.LN.Regions > MaxLBARegions {
			return false
		}
		for j := uint8(0); j < m.LN.Regions; j++ {
			if m.LN.LBAs[j], ok = s.GetVarint64(); !ok {
				return false
			}
			if m.LN.RegionSizes[j], ok = s.GetVarint64(); !ok {
				return false
			}
		}
	}
	if m.Numbers, ok = s.GetVarint64(); !ok {
		return false
	}
	if m.LbaCount, ok = s.GetVarint64(); !ok {
		return false
	}
	smallest, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return false
	}
	largest, ok := s.GetLengthPrefixedSlice()
	if !ok {
		return false
	}
	m.Smallest = append([]byte(nil), smallest...)
	m.Largest = append([]byte(nil), largest...)
	return true
}

// DecodeFrom decodes an edit from src.
// Returns an error wrapping ErrCorruption on an unknown tag, a missing
// field, or trailing bytes.
func (ve *VersionEdit) DecodeFrom(src []byte) error {
	ve.Clear()
	s := encoding.NewSlice(src)

	for s.Remaining() > 0 {
		tagVal, ok := s.GetVarint32()
		if !ok {
			return corruptionf("invalid tag")
		}
		switch Tag(tagVal) {
		case TagComparator:
			name, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return corruptionf("comparator name")
			}
			ve.Comparator = string(name)
			ve.HasComparator = true

		case TagLastSequence:
			seq, ok := s.GetVarint64()
			if !ok {
				return corruptionf("last sequence number")
			}
			ve.LastSequence = seq
			ve.HasLastSequence = true

		case TagNextSSTableNumber:
			n, ok := s.GetVarint64()
			if !ok {
				return corruptionf("next sstable number")
			}
			ve.NextSSTableNumber = n
			ve.HasNextSSTableNumber = true

		case TagCompactPointer:
			level, ok := getLevel(s)
			if !ok {
				return corruptionf("compaction pointer")
			}
			key, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return corruptionf("compaction pointer")
			}
			ve.CompactPointers = append(ve.CompactPointers, CompactPointer{
				Level: level,
				Key:   append([]byte(nil), key...),
			})

		case TagDeletedRange:
			first, ok := s.GetVarint64()
			if !ok {
				return corruptionf("deleted sstable range")
			}
			last, ok := s.GetVarint64()
			if !ok {
				return corruptionf("deleted sstable range")
			}
			ve.DeletedRange = [2]uint64{first, last}
			ve.HasDeletedRange = true

		case TagDeletedSSTable:
			var m Meta
			level, ok := getLevel(s)
			if !ok || !decodeMeta(s, level, &m) {
				return corruptionf("deleted sstable entry")
			}
			ve.DeletedTablesPersisted = append(ve.DeletedTablesPersisted, LevelMeta{Level: level, Meta: m})

		case TagNewSSTable:
			var m Meta
			level, ok := getLevel(s)
			if !ok || !decodeMeta(s, level, &m) {
				return corruptionf("new sstable entry")
			}
			ve.NewTables = append(ve.NewTables, LevelMeta{Level: level, Meta: m})

		case TagFragmentedData:
			level, ok := getLevel(s)
			if !ok {
				return corruptionf("fragmented log")
			}
			data, ok := s.GetLengthPrefixedSlice()
			if !ok {
				return corruptionf("fragmented log")
			}
			ve.FragmentedData = append(ve.FragmentedData, FragmentedData{
				Level: level,
				Data:  append([]byte(nil), data...),
			})

		default:
			return corruptionf("unknown or unsupported tag")
		}
	}
	return nil
}
