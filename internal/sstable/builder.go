// builder.go implements the SSTable builder.
//
// Table layout (plain):
//
//	+------------+----------------+---------+------------+
//	| count (4B) | entryBytes(4B) | entries | XXH3 (8B)  |
//	+------------+----------------+---------+------------+
//
// Table layout (encoded):
//
//	+-----------+------------+--------------+------------+------------+
//	| size (8B) | count (8B) | compLen (8B) | compressed | XXH3 (8B)  |
//	+-----------+------------+--------------+------------+------------+
//
// Entries are (varint32 keyLen, internal key, varint32 valueLen, value),
// in internal key order. The encoded layout compresses the entry stream as
// one block; `size` is its uncompressed byte length. The trailing XXH3-64
// covers every preceding byte. The store pads the table to whole LBAs on
// append.
package sstable

import (
	"fmt"

	"github.com/aalhour/zonekv/internal/checksum"
	"github.com/aalhour/zonekv/internal/compression"
	"github.com/aalhour/zonekv/internal/encoding"
	"github.com/aalhour/zonekv/internal/manifest"
)

// plainHeaderSize is the header size of a plain table.
const plainHeaderSize = 8

// encodedHeaderSize is the header size of an encoded table.
const encodedHeaderSize = 24

// TableBuilder accumulates ordered entries and seals them into one table.
type TableBuilder struct {
	table       TableWriter
	meta        *manifest.Meta
	useEncoding bool
	compression compression.Type

	entries []byte
	count   uint64
	sstable []byte // set by Finalise
	sealed  bool
}

// NewTableBuilder creates a builder that flushes into the given store.
func NewTableBuilder(table TableWriter, meta *manifest.Meta, useEncoding bool, ctype compression.Type) *TableBuilder {
	return &TableBuilder{
		table:       table,
		meta:        meta,
		useEncoding: useEncoding,
		compression: ctype,
	}
}

// Apply adds one entry. Keys must arrive in internal key order.
func (b *TableBuilder) Apply(key, value []byte) error {
	if b.sealed {
		return fmt.Errorf("%w: apply on sealed builder", ErrInvalidArgument)
	}
	if b.count == 0 {
		b.meta.Smallest = append([]byte(nil), key...)
	}
	b.meta.Largest = append(b.meta.Largest[:0], key...)

	b.entries = encoding.AppendVarint32(b.entries, uint32(len(key)))
	b.entries = append(b.entries, key...)
	b.entries = encoding.AppendVarint32(b.entries, uint32(len(value)))
	b.entries = append(b.entries, value...)
	b.count++
	b.meta.Numbers = b.count
	return nil
}

// EstimateSizeImpact returns the byte cost of adding (key, value).
func (b *TableBuilder) EstimateSizeImpact(key, value []byte) uint64 {
	return uint64(encoding.VarintLength(uint64(len(key)))) + uint64(len(key)) +
		uint64(encoding.VarintLength(uint64(len(value)))) + uint64(len(value))
}

// GetSize returns the byte size the table would currently occupy before
// padding.
func (b *TableBuilder) GetSize() uint64 {
	if b.count == 0 {
		return 0
	}
	header := uint64(plainHeaderSize)
	if b.useEncoding {
		header = encodedHeaderSize
	}
	return header + uint64(len(b.entries)) + checksum.TableChecksumSize
}

// Count returns the number of entries applied.
func (b *TableBuilder) Count() uint64 {
	return b.count
}

// Meta returns the metadata the builder fills in.
func (b *TableBuilder) Meta() *manifest.Meta {
	return b.meta
}

// Finalise seals the builder and assembles the table bytes.
func (b *TableBuilder) Finalise() error {
	if b.sealed {
		return fmt.Errorf("%w: finalise on sealed builder", ErrInvalidArgument)
	}
	b.sealed = true

	var out []byte
	if b.useEncoding {
		compressed, err := compression.Compress(b.compression, b.entries)
		if err != nil {
			return fmt.Errorf("compress entry block: %w", err)
		}
		out = make([]byte, 0, encodedHeaderSize+len(compressed)+checksum.TableChecksumSize)
		out = encoding.AppendFixed64(out, uint64(len(b.entries)))
		out = encoding.AppendFixed64(out, b.count)
		out = encoding.AppendFixed64(out, uint64(len(compressed)))
		out = append(out, compressed...)
	} else {
		out = make([]byte, 0, plainHeaderSize+len(b.entries)+checksum.TableChecksumSize)
		out = encoding.AppendFixed32(out, uint32(b.count))
		out = encoding.AppendFixed32(out, uint32(len(b.entries)))
		out = append(out, b.entries...)
	}
	out = encoding.AppendFixed64(out, checksum.TableChecksum(out))
	b.sstable = out
	return nil
}

// Flush appends the sealed table through the store, filling in the
// metadata's location and extent.
// REQUIRES: Finalise succeeded.
func (b *TableBuilder) Flush() error {
	if !b.sealed || b.sstable == nil {
		return fmt.Errorf("%w: flush before finalise", ErrInvalidArgument)
	}
	return b.table.WriteSSTable(b.sstable, b.meta)
}
