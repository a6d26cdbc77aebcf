// iterator.go implements table decoding and iteration.
package sstable

import (
	"fmt"

	"github.com/aalhour/zonekv/internal/checksum"
	"github.com/aalhour/zonekv/internal/compression"
	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/encoding"
	"github.com/aalhour/zonekv/internal/logging"
)

// Iterator iterates the entries of one table in internal key order.
type Iterator interface {
	// Valid returns true if positioned at an entry.
	Valid() bool

	// SeekToFirst positions at the first entry.
	SeekToFirst()

	// SeekToLast positions at the last entry.
	SeekToLast()

	// Seek positions at the first entry with internal key >= target.
	Seek(target []byte)

	// Next advances the iterator. REQUIRES: Valid()
	Next()

	// Prev moves backwards. REQUIRES: Valid()
	Prev()

	// Key returns the internal key at the current position.
	Key() []byte

	// Value returns the value at the current position.
	Value() []byte
}

// decodeTable extracts the entry stream and entry count from raw table
// bytes as read from the device (padded to whole LBAs).
//
// A damaged header or checksum yields an empty table with a warning: the
// caller keeps iterating and observes no entries.
func decodeTable(data []byte, useEncoding bool, ctype compression.Type, logger logging.Logger) (entries []byte, count uint64) {
	if useEncoding {
		if uint64(len(data)) < encodedHeaderSize+checksum.TableChecksumSize {
			logger.Warnf(logging.NSL0+"table too short for encoded header: %d bytes", len(data))
			return nil, 0
		}
		size := encoding.DecodeFixed64(data[0:8])
		count = encoding.DecodeFixed64(data[8:16])
		compLen := encoding.DecodeFixed64(data[16:24])
		if size == 0 || count == 0 {
			logger.Warnf(logging.NSL0+"corrupt encoded table header size=%d count=%d", size, count)
			return nil, 0
		}
		end := encodedHeaderSize + compLen
		if end+checksum.TableChecksumSize > uint64(len(data)) {
			logger.Warnf(logging.NSL0+"encoded table truncated: compLen=%d in %d bytes", compLen, len(data))
			return nil, 0
		}
		stored := encoding.DecodeFixed64(data[end : end+checksum.TableChecksumSize])
		if stored != checksum.TableChecksum(data[:end]) {
			logger.Warnf(logging.NSL0 + "encoded table content checksum mismatch")
			return nil, 0
		}
		decoded, err := compression.Decompress(ctype, data[encodedHeaderSize:end])
		if err != nil || uint64(len(decoded)) != size {
			logger.Warnf(logging.NSL0+"entry block decompression failed: %v", err)
			return nil, 0
		}
		return decoded, count
	}

	if uint64(len(data)) < plainHeaderSize+checksum.TableChecksumSize {
		logger.Warnf(logging.NSL0+"table too short for plain header: %d bytes", len(data))
		return nil, 0
	}
	count = uint64(encoding.DecodeFixed32(data[0:4]))
	entryBytes := uint64(encoding.DecodeFixed32(data[4:8]))
	if count == 0 {
		logger.Warnf(logging.NSL0 + "corrupt plain table header count=0")
		return nil, 0
	}
	end := plainHeaderSize + entryBytes
	if end+checksum.TableChecksumSize > uint64(len(data)) {
		logger.Warnf(logging.NSL0+"plain table truncated: entryBytes=%d in %d bytes", entryBytes, len(data))
		return nil, 0
	}
	stored := encoding.DecodeFixed64(data[end : end+checksum.TableChecksumSize])
	if stored != checksum.TableChecksum(data[:end]) {
		logger.Warnf(logging.NSL0 + "plain table content checksum mismatch")
		return nil, 0
	}
	return data[plainHeaderSize:end], count
}

// tableIterator iterates a decoded entry stream.
type tableIterator struct {
	entries []byte
	offsets []int // start offset of each entry
	icmp    dbformat.InternalKeyComparator
	index   int // current entry, len(offsets) when invalid
}

// newTableIterator indexes the entry stream and returns an iterator.
// A stream that does not parse into `count` entries yields an empty
// iterator with a warning.
func newTableIterator(entries []byte, count uint64, cmp dbformat.Comparator, logger logging.Logger) *tableIterator {
	it := &tableIterator{
		entries: entries,
		icmp:    dbformat.NewInternalKeyComparator(cmp),
	}
	pos := 0
	for i := uint64(0); i < count; i++ {
		start := pos
		keyLen, n, err := encoding.DecodeVarint32(entries[pos:])
		if err != nil {
			logger.Warnf(logging.NSL0+"entry %d key length unreadable", i)
			return &tableIterator{icmp: it.icmp}
		}
		pos += n + int(keyLen)
		if pos > len(entries) {
			logger.Warnf(logging.NSL0+"entry %d key overruns stream", i)
			return &tableIterator{icmp: it.icmp}
		}
		valLen, n, err := encoding.DecodeVarint32(entries[pos:])
		if err != nil {
			logger.Warnf(logging.NSL0+"entry %d value length unreadable", i)
			return &tableIterator{icmp: it.icmp}
		}
		pos += n + int(valLen)
		if pos > len(entries) {
			logger.Warnf(logging.NSL0+"entry %d value overruns stream", i)
			return &tableIterator{icmp: it.icmp}
		}
		it.offsets = append(it.offsets, start)
	}
	it.index = len(it.offsets)
	return it
}

// entryAt parses the entry starting at offsets[i].
func (it *tableIterator) entryAt(i int) (key, value []byte) {
	s := encoding.NewSlice(it.entries[it.offsets[i]:])
	key, _ = s.GetLengthPrefixedSlice()
	value, _ = s.GetLengthPrefixedSlice()
	return key, value
}

func (it *tableIterator) Valid() bool {
	return it.index < len(it.offsets)
}

func (it *tableIterator) SeekToFirst() {
	it.index = 0
}

func (it *tableIterator) SeekToLast() {
	if len(it.offsets) == 0 {
		it.index = 0
		return
	}
	it.index = len(it.offsets) - 1
}

// Seek binary searches for the first entry with internal key >= target.
func (it *tableIterator) Seek(target []byte) {
	lo, hi := 0, len(it.offsets)
	for lo < hi {
		mid := (lo + hi) / 2
		key, _ := it.entryAt(mid)
		if it.icmp.Compare(key, target) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	it.index = lo
}

func (it *tableIterator) Next() {
	if it.index < len(it.offsets) {
		it.index++
	}
}

func (it *tableIterator) Prev() {
	if it.index == 0 {
		it.index = len(it.offsets)
		return
	}
	it.index--
}

func (it *tableIterator) Key() []byte {
	if !it.Valid() {
		return nil
	}
	key, _ := it.entryAt(it.index)
	return key
}

func (it *tableIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	_, value := it.entryAt(it.index)
	return value
}

// newIteratorFromTable decodes raw table bytes and returns an iterator.
func newIteratorFromTable(data []byte, useEncoding bool, ctype compression.Type, cmp dbformat.Comparator, logger logging.Logger) Iterator {
	entries, count := decodeTable(data, useEncoding, ctype, logger)
	return newTableIterator(entries, count, cmp, logger)
}

// getFromTable runs a point lookup by seeking the given table iterator.
func getFromTable(it Iterator, icmp dbformat.InternalKeyComparator, key []byte) ([]byte, EntryStatus, error) {
	it.Seek(key)
	if !it.Valid() {
		return nil, EntryNotFound, nil
	}
	parsed, err := dbformat.ParseInternalKey(it.Key())
	if err != nil {
		return nil, EntryNotFound, fmt.Errorf("%w: corrupt key in table", ErrCorruption)
	}
	if icmp.User.Compare(parsed.UserKey, dbformat.ExtractUserKey(key)) != 0 {
		return nil, EntryNotFound, nil
	}
	if parsed.Type == dbformat.TypeDeletion {
		return nil, EntryDeleted, nil
	}
	value := append([]byte(nil), it.Value()...)
	return value, EntryFound, nil
}
