// Package sstable implements SSTable storage on zoned devices: table
// building and encoding, the L0 circular-log tables with their reader pools
// and deferred flush workers, the region-fragmented LN table, and the
// manager that owns one table store per level.
package sstable

import (
	"errors"

	"github.com/aalhour/zonekv/internal/compression"
	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/logging"
	"github.com/aalhour/zonekv/internal/manifest"
	"github.com/aalhour/zonekv/internal/zns"
)

var (
	// ErrCorruption is returned for invalid metadata, duplicate table
	// numbers, and damaged table content.
	ErrCorruption = errors.New("sstable: corruption")

	// ErrIO is returned when a device read or append fails underneath a
	// table operation.
	ErrIO = errors.New("sstable: i/o error")

	// ErrNoSpace is returned when a table store cannot hold the content.
	ErrNoSpace = errors.New("sstable: no space left")

	// ErrInvalidArgument is returned for a bad level or lane.
	ErrInvalidArgument = errors.New("sstable: invalid argument")
)

// EntryStatus reports the outcome of a point lookup in one table.
type EntryStatus int

const (
	// EntryNotFound means the table holds no entry for the key.
	EntryNotFound EntryStatus = iota

	// EntryFound means a live value was found.
	EntryFound

	// EntryDeleted means the newest entry for the key is a deletion.
	EntryDeleted
)

// Config carries the tunables of the table stores.
type Config struct {
	// Lanes is the number of parallel L0 circular logs.
	Lanes uint8

	// L0Zones is the number of zones reserved for all L0 logs together.
	L0Zones uint64

	// MinZonesPerLevel is the minimum zone count for L0 and LN each.
	MinZonesPerLevel uint64

	// L0Readers bounds concurrent readers per L0 log.
	L0Readers uint8

	// LNReaders bounds concurrent readers on the LN store.
	LNReaders uint8

	// MaxBytesSSTableL0 is the target table size in L0. Tables are cut at
	// the first entry that would push the size past this, rounded to LBAs.
	MaxBytesSSTableL0 uint64

	// UseTableEncoding selects the compressed-header table encoding.
	UseTableEncoding bool

	// Compression is the entry-block compression used with table encoding.
	Compression compression.Type

	// AllowDeferredFlushes moves L0 table writes during a flush onto a
	// background worker.
	AllowDeferredFlushes bool

	// MaxDeferredFlushes bounds the deferred-flush mailbox.
	MaxDeferredFlushes int

	// Logger receives component logs. Defaults to a WARN stderr logger.
	Logger logging.Logger
}

// DefaultConfig returns the default table store configuration.
func DefaultConfig() Config {
	return Config{
		Lanes:                1,
		L0Zones:              100,
		MinZonesPerLevel:     5,
		L0Readers:            4,
		LNReaders:            4,
		MaxBytesSSTableL0:    512 << 20,
		UseTableEncoding:     true,
		Compression:          compression.Snappy,
		AllowDeferredFlushes: true,
		MaxDeferredFlushes:   4,
		Logger:               nil,
	}
}

// TableWriter appends finished table content to a store and fills in the
// location fields of the metadata. Builders flush through this.
type TableWriter interface {
	WriteSSTable(content []byte, meta *manifest.Meta) error
}

// SSTable is the capability interface shared by the L0 and LN table stores.
type SSTable interface {
	TableWriter

	// ReadSSTable reads the whole table described by meta into memory.
	ReadSSTable(meta *manifest.Meta) ([]byte, error)

	// Get looks up key in the table described by meta.
	Get(icmp dbformat.InternalKeyComparator, key []byte, meta *manifest.Meta) ([]byte, EntryStatus, error)

	// NewBuilder returns a builder whose finished table lands in this store.
	NewBuilder(meta *manifest.Meta) *TableBuilder

	// NewIterator returns an iterator over the table described by meta.
	NewIterator(meta *manifest.Meta, cmp dbformat.Comparator) (Iterator, error)

	// InvalidateSSZone releases the storage of the table described by meta.
	InvalidateSSZone(meta *manifest.Meta) error

	// EnoughSpaceAvailable reports whether content of the given byte size fits.
	EnoughSpaceAvailable(size uint64) bool

	// SpaceAvailable returns the free space in bytes.
	SpaceAvailable() uint64

	// Recover rebuilds the store's persistent pointers at startup.
	Recover() error

	// Diagnostics returns the store's I/O counters.
	Diagnostics() zns.Diagnostics
}
