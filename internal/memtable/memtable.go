// memtable.go implements the write buffer flushed into L0 tables.
//
// Entry format stored in the SkipList:
//
//	internal_key_size : varint32 (length of internal_key)
//	internal_key      : internal_key_size bytes (user_key + 8-byte seq+type)
//	value_size        : varint32 (length of value)
//	value             : value_size bytes
package memtable

import (
	"sync"
	"sync/atomic"

	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/encoding"
)

// MemTable holds writes in sorted order until they are flushed into L0.
type MemTable struct {
	skiplist *SkipList
	compare  dbformat.Comparator

	memoryUsage int64

	// Mutex for write synchronization; reads are lock-free.
	mu sync.Mutex
}

// NewMemTable creates a new MemTable ordered by the given user comparator.
// A nil comparator defaults to bytewise ordering.
func NewMemTable(cmp dbformat.Comparator) *MemTable {
	if cmp == nil {
		cmp = dbformat.BytewiseComparator
	}
	mt := &MemTable{compare: cmp}
	mt.skiplist = NewSkipList(func(a, b []byte) int {
		return compareEntries(a, b, cmp)
	})
	return mt
}

// compareEntries orders memtable entries by internal key: user key
// ascending, then sequence number descending.
func compareEntries(a, b []byte, userCmp dbformat.Comparator) int {
	ka := extractInternalKey(a)
	kb := extractInternalKey(b)
	icmp := dbformat.InternalKeyComparator{User: userCmp}
	return icmp.Compare(ka, kb)
}

// extractInternalKey returns the internal key of an entry, or nil if the
// entry is malformed.
func extractInternalKey(entry []byte) []byte {
	keyLen, n, err := encoding.DecodeVarint32(entry)
	if err != nil || n+int(keyLen) > len(entry) {
		return nil
	}
	return entry[n : n+int(keyLen)]
}

// Add inserts an entry. Duplicate (key, seq, type) triples are forbidden.
func (mt *MemTable) Add(seq dbformat.SequenceNumber, typ dbformat.ValueType, key, value []byte) {
	internalKey := dbformat.MakeInternalKey(key, seq, typ)

	entry := make([]byte, 0,
		encoding.VarintLength(uint64(len(internalKey)))+len(internalKey)+
			encoding.VarintLength(uint64(len(value)))+len(value))
	entry = encoding.AppendVarint32(entry, uint32(len(internalKey)))
	entry = append(entry, internalKey...)
	entry = encoding.AppendVarint32(entry, uint32(len(value)))
	entry = append(entry, value...)

	mt.mu.Lock()
	mt.skiplist.Insert(entry)
	mt.mu.Unlock()
	atomic.AddInt64(&mt.memoryUsage, int64(len(entry)))
}

// Get looks up the newest entry for key visible at seq.
// Returns (value, true, false) for a live value, (nil, true, true) for a
// deletion, and (nil, false, false) when the key is absent.
func (mt *MemTable) Get(key []byte, seq dbformat.SequenceNumber) (value []byte, found bool, deleted bool) {
	lookup := dbformat.MakeInternalKey(key, seq, dbformat.ValueTypeForSeek)
	var lookupEntry []byte
	lookupEntry = encoding.AppendVarint32(lookupEntry, uint32(len(lookup)))
	lookupEntry = append(lookupEntry, lookup...)

	it := mt.skiplist.NewIterator()
	it.Seek(lookupEntry)
	if !it.Valid() {
		return nil, false, false
	}
	entryKey, entryValue, entrySeq, entryType, ok := parseEntry(it.Key())
	if !ok || mt.compare.Compare(entryKey, key) != 0 || entrySeq > seq {
		return nil, false, false
	}
	if entryType == dbformat.TypeDeletion {
		return nil, true, true
	}
	return entryValue, true, false
}

// parseEntry decomposes a memtable entry.
func parseEntry(entry []byte) (key, value []byte, seq dbformat.SequenceNumber, typ dbformat.ValueType, ok bool) {
	s := encoding.NewSlice(entry)
	internalKey, got := s.GetLengthPrefixedSlice()
	if !got {
		return nil, nil, 0, 0, false
	}
	parsed, err := dbformat.ParseInternalKey(internalKey)
	if err != nil {
		return nil, nil, 0, 0, false
	}
	value, got = s.GetLengthPrefixedSlice()
	if !got {
		return nil, nil, 0, 0, false
	}
	return parsed.UserKey, value, parsed.Sequence, parsed.Type, true
}

// ApproximateMemoryUsage returns the bytes held by entries.
func (mt *MemTable) ApproximateMemoryUsage() int64 {
	return atomic.LoadInt64(&mt.memoryUsage)
}

// Count returns the number of entries.
func (mt *MemTable) Count() int64 {
	return mt.skiplist.Count()
}

// Empty returns true if the memtable has no entries.
func (mt *MemTable) Empty() bool {
	return mt.Count() == 0
}

// NewIterator returns an iterator over the memtable in internal key order.
func (mt *MemTable) NewIterator() *MemTableIterator {
	return &MemTableIterator{iter: mt.skiplist.NewIterator()}
}

// MemTableIterator iterates entries in internal key order.
// Key returns the internal key; Value the entry's value.
type MemTableIterator struct {
	iter *Iterator

	parsed    bool
	key       []byte
	value     []byte
	sequence  dbformat.SequenceNumber
	valueType dbformat.ValueType
}

// Valid returns true if positioned at an entry.
func (it *MemTableIterator) Valid() bool {
	return it.iter.Valid()
}

// SeekToFirst positions at the first entry.
func (it *MemTableIterator) SeekToFirst() {
	it.iter.SeekToFirst()
	it.parsed = false
}

// SeekToLast positions at the last entry.
func (it *MemTableIterator) SeekToLast() {
	it.iter.SeekToLast()
	it.parsed = false
}

// Seek positions at the first entry with internal key >= target.
func (it *MemTableIterator) Seek(target []byte) {
	var lookup []byte
	lookup = encoding.AppendVarint32(lookup, uint32(len(target)))
	lookup = append(lookup, target...)
	it.iter.Seek(lookup)
	it.parsed = false
}

// Next advances the iterator.
// REQUIRES: Valid()
func (it *MemTableIterator) Next() {
	it.iter.Next()
	it.parsed = false
}

// Key returns the internal key at the current position.
// REQUIRES: Valid()
func (it *MemTableIterator) Key() []byte {
	it.parseCurrentEntry()
	return it.key
}

// Value returns the value at the current position.
// REQUIRES: Valid()
func (it *MemTableIterator) Value() []byte {
	it.parseCurrentEntry()
	return it.value
}

// Sequence returns the sequence number at the current position.
func (it *MemTableIterator) Sequence() dbformat.SequenceNumber {
	it.parseCurrentEntry()
	return it.sequence
}

// Type returns the value type at the current position.
func (it *MemTableIterator) Type() dbformat.ValueType {
	it.parseCurrentEntry()
	return it.valueType
}

func (it *MemTableIterator) parseCurrentEntry() {
	if it.parsed || !it.iter.Valid() {
		return
	}
	entry := it.iter.Key()
	s := encoding.NewSlice(entry)
	internalKey, ok := s.GetLengthPrefixedSlice()
	if !ok {
		it.key, it.value = nil, nil
		return
	}
	parsed, err := dbformat.ParseInternalKey(internalKey)
	if err != nil {
		it.key, it.value = nil, nil
		return
	}
	value, ok := s.GetLengthPrefixedSlice()
	if !ok {
		it.key, it.value = nil, nil
		return
	}
	it.key = internalKey
	it.value = value
	it.sequence = parsed.Sequence
	it.valueType = parsed.Type
	it.parsed = true
}
