// ln_iterator.go implements iteration across the sorted tables of one LN
// level: an index iterator whose values are encoded region descriptors, and
// the two-level iterator that opens each table lazily.
package sstable

import (
	"bytes"
	"fmt"

	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/encoding"
	"github.com/aalhour/zonekv/internal/manifest"
)

// LNZoneIterator iterates the sorted meta list of one LN level. Key is the
// table's largest internal key; Value encodes the table's location so a
// two-level iterator can open it.
type LNZoneIterator struct {
	cmp   dbformat.Comparator
	level uint8
	slist []*manifest.Meta
	index int // len(slist) when invalid
}

// NewLNZoneIterator creates an index iterator over a level's sorted tables.
func NewLNZoneIterator(cmp dbformat.Comparator, slist []*manifest.Meta, level uint8) *LNZoneIterator {
	return &LNZoneIterator{
		cmp:   cmp,
		level: level,
		slist: slist,
		index: len(slist),
	}
}

// Valid returns true if positioned at a table.
func (it *LNZoneIterator) Valid() bool {
	return it.index < len(it.slist)
}

// Key returns the largest internal key of the current table.
func (it *LNZoneIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.slist[it.index].Largest
}

// Value encodes the current table's location descriptor.
func (it *LNZoneIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return EncodeLNHandle(it.slist[it.index], it.level)
}

// Seek positions at the first table whose largest key is >= target.
func (it *LNZoneIterator) Seek(target []byte) {
	it.index = FindSSTableIndex(it.cmp, it.slist, target)
}

// SeekToFirst positions at the first table.
func (it *LNZoneIterator) SeekToFirst() { it.index = 0 }

// SeekToLast positions at the last table.
func (it *LNZoneIterator) SeekToLast() {
	if len(it.slist) == 0 {
		it.index = 0
		return
	}
	it.index = len(it.slist) - 1
}

// Next advances to the next table. REQUIRES: Valid()
func (it *LNZoneIterator) Next() {
	if it.Valid() {
		it.index++
	}
}

// Prev moves to the previous table. REQUIRES: Valid()
func (it *LNZoneIterator) Prev() {
	if it.index == 0 {
		it.index = len(it.slist)
		return
	}
	it.index--
}

// EncodeLNHandle packs a table's location descriptor into an opaque value:
// region count, (lba, size) pairs, lba count, level, table number.
func EncodeLNHandle(m *manifest.Meta, level uint8) []byte {
	out := make([]byte, 0, 1+16*int(m.LN.Regions)+17)
	out = encoding.AppendFixed8(out, m.LN.Regions)
	for i := uint8(0); i < m.LN.Regions; i++ {
		out = encoding.AppendFixed64(out, m.LN.LBAs[i])
		out = encoding.AppendFixed64(out, m.LN.RegionSizes[i])
	}
	out = encoding.AppendFixed64(out, m.LbaCount)
	out = encoding.AppendFixed8(out, level)
	out = encoding.AppendFixed64(out, m.Number)
	return out
}

// DecodeLNHandle unpacks a descriptor produced by EncodeLNHandle.
func DecodeLNHandle(handle []byte) (*manifest.Meta, uint8, error) {
	s := encoding.NewSlice(handle)
	m := &manifest.Meta{}
	var ok bool
	if m.LN.Regions, ok = s.GetFixed8(); !ok || m.LN.Regions > manifest.MaxLBARegions {
		return nil, 0, fmt.Errorf("%w: bad LN handle region count", ErrCorruption)
	}
	for i := uint8(0); i < m.LN.Regions; i++ {
		if m.LN.LBAs[i], ok = s.GetFixed64(); !ok {
			return nil, 0, fmt.Errorf("%w: short LN handle", ErrCorruption)
		}
		if m.LN.RegionSizes[i], ok = s.GetFixed64(); !ok {
			return nil, 0, fmt.Errorf("%w: short LN handle", ErrCorruption)
		}
	}
	var level uint8
	if m.LbaCount, ok = s.GetFixed64(); !ok {
		return nil, 0, fmt.Errorf("%w: short LN handle", ErrCorruption)
	}
	if level, ok = s.GetFixed8(); !ok {
		return nil, 0, fmt.Errorf("%w: short LN handle", ErrCorruption)
	}
	if m.Number, ok = s.GetFixed64(); !ok {
		return nil, 0, fmt.Errorf("%w: short LN handle", ErrCorruption)
	}
	return m, level, nil
}

// OpenZoneFunc opens a data iterator for an encoded location descriptor.
type OpenZoneFunc func(handle []byte, cmp dbformat.Comparator) (Iterator, error)

// GetLNIterator opens a table iterator from an encoded handle.
func (m *Manager) GetLNIterator(handle []byte, cmp dbformat.Comparator) (Iterator, error) {
	meta, level, err := DecodeLNHandle(handle)
	if err != nil {
		return nil, err
	}
	return m.NewIterator(level, meta, cmp)
}

// LNIterator chains an index iterator over a level's tables with data
// iterators over each table, opened lazily.
type LNIterator struct {
	indexIter  *LNZoneIterator
	dataIter   Iterator
	openZone   OpenZoneFunc
	cmp        dbformat.Comparator
	dataHandle []byte
}

// NewLNIterator creates a two-level iterator over one LN level.
func NewLNIterator(indexIter *LNZoneIterator, openZone OpenZoneFunc, cmp dbformat.Comparator) *LNIterator {
	return &LNIterator{
		indexIter: indexIter,
		openZone:  openZone,
		cmp:       cmp,
	}
}

// Valid returns true if positioned at an entry.
func (it *LNIterator) Valid() bool {
	return it.dataIter != nil && it.dataIter.Valid()
}

// Key returns the internal key at the current position.
func (it *LNIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	return it.dataIter.Key()
}

// Value returns the value at the current position.
func (it *LNIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.dataIter.Value()
}

// Seek positions at the first entry with internal key >= target.
func (it *LNIterator) Seek(target []byte) {
	it.indexIter.Seek(target)
	it.initDataZone()
	if it.dataIter != nil {
		it.dataIter.Seek(target)
	}
	it.skipEmptyDataZonesForward()
}

// SeekToFirst positions at the first entry of the level.
func (it *LNIterator) SeekToFirst() {
	it.indexIter.SeekToFirst()
	it.initDataZone()
	if it.dataIter != nil {
		it.dataIter.SeekToFirst()
	}
	it.skipEmptyDataZonesForward()
}

// SeekToLast positions at the last entry of the level.
func (it *LNIterator) SeekToLast() {
	it.indexIter.SeekToLast()
	it.initDataZone()
	if it.dataIter != nil {
		it.dataIter.SeekToLast()
	}
	it.skipEmptyDataZonesBackward()
}

// Next advances to the next entry, crossing table boundaries.
// REQUIRES: Valid()
func (it *LNIterator) Next() {
	if it.dataIter != nil {
		it.dataIter.Next()
	}
	it.skipEmptyDataZonesForward()
}

// Prev moves to the previous entry, crossing table boundaries.
// REQUIRES: Valid()
func (it *LNIterator) Prev() {
	if it.dataIter != nil {
		it.dataIter.Prev()
	}
	it.skipEmptyDataZonesBackward()
}

func (it *LNIterator) skipEmptyDataZonesForward() {
	for it.dataIter == nil || !it.dataIter.Valid() {
		if !it.indexIter.Valid() {
			it.setDataIterator(nil)
			return
		}
		it.indexIter.Next()
		it.initDataZone()
		if it.dataIter != nil {
			it.dataIter.SeekToFirst()
		}
	}
}

func (it *LNIterator) skipEmptyDataZonesBackward() {
	for it.dataIter == nil || !it.dataIter.Valid() {
		if !it.indexIter.Valid() {
			it.setDataIterator(nil)
			return
		}
		it.indexIter.Prev()
		it.initDataZone()
		if it.dataIter != nil {
			it.dataIter.SeekToLast()
		}
	}
}

func (it *LNIterator) setDataIterator(dataIter Iterator) {
	it.dataIter = dataIter
}

func (it *LNIterator) initDataZone() {
	if !it.indexIter.Valid() {
		it.setDataIterator(nil)
		return
	}
	handle := it.indexIter.Value()
	if it.dataIter != nil && bytes.Equal(handle, it.dataHandle) {
		return
	}
	dataIter, err := it.openZone(handle, it.cmp)
	if err != nil {
		it.setDataIterator(nil)
		return
	}
	it.dataHandle = append(it.dataHandle[:0], handle...)
	it.setDataIterator(dataIter)
}
