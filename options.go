package zonekv

import (
	"errors"
	"fmt"

	"github.com/aalhour/zonekv/internal/compression"
	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/logging"
	"github.com/aalhour/zonekv/internal/sstable"
)

// CompressionType selects the entry-block compression of encoded tables.
type CompressionType = compression.Type

// Compression types.
const (
	NoCompression     = compression.None
	SnappyCompression = compression.Snappy
	LZ4Compression    = compression.LZ4
	ZstdCompression   = compression.Zstd
)

// ErrInvalidOptions is returned by Options.Validate.
var ErrInvalidOptions = errors.New("zonekv: invalid options")

// Options contains the configuration of the storage core.
type Options struct {
	// Lanes is the number of parallel L0 circular logs. More lanes allow
	// concurrent flushes at the cost of splitting the L0 zone budget.
	// Default: 1
	Lanes uint8

	// L0Zones is the number of zones to reserve for all L0 logs together.
	// Default: 100
	L0Zones uint64

	// MinZonesPerLevel is the minimum zone count for L0 and LN each.
	// Default: 5
	MinZonesPerLevel uint64

	// L0Readers bounds the number of concurrent reads on one L0 log.
	// Default: 4
	L0Readers uint8

	// LNReaders bounds the number of concurrent reads on the LN store.
	// Default: 4
	LNReaders uint8

	// CommitReaders bounds the number of concurrent readers of the commit
	// codec used for the manifest log.
	// Default: 4
	CommitReaders uint8

	// KeepCommitBuffer retains the commit codec's write and read buffers
	// between operations instead of releasing them.
	// Default: true
	KeepCommitBuffer bool

	// MaxBytesSSTableL0 is the target table size in L0, rounded up to
	// whole LBAs. It determines how many tables one flush produces.
	// Default: 512MB
	MaxBytesSSTableL0 uint64

	// UseSSTableEncoding selects the compressed-header table encoding.
	// Default: true
	UseSSTableEncoding bool

	// Compression is the entry-block compression used when encoding is on.
	// Default: Snappy
	Compression CompressionType

	// FlushesAllowDeferringWrites moves table writes during a flush onto a
	// background worker so the flush can keep merging.
	// Default: true
	FlushesAllowDeferringWrites bool

	// FlushingMaximumDeferredWrites bounds how many tables may be queued
	// for the deferred writer. Setting this too high can exhaust memory.
	// Default: 4
	FlushingMaximumDeferredWrites int

	// Comparator defines the order of user keys.
	// If nil, a bytewise comparator is used.
	Comparator dbformat.Comparator

	// Logger receives component logs.
	// If nil, a WARN-level stderr logger is used.
	Logger logging.Logger
}

// DefaultOptions returns the default configuration.
func DefaultOptions() *Options {
	return &Options{
		Lanes:                         1,
		L0Zones:                       100,
		MinZonesPerLevel:              5,
		L0Readers:                     4,
		LNReaders:                     4,
		CommitReaders:                 4,
		KeepCommitBuffer:              true,
		MaxBytesSSTableL0:             512 << 20,
		UseSSTableEncoding:            true,
		Compression:                   SnappyCompression,
		FlushesAllowDeferringWrites:   true,
		FlushingMaximumDeferredWrites: 4,
	}
}

// Validate checks the options for consistency.
func (o *Options) Validate() error {
	if o.Lanes == 0 {
		return fmt.Errorf("%w: Lanes must be at least 1", ErrInvalidOptions)
	}
	if o.L0Readers == 0 || o.LNReaders == 0 || o.CommitReaders == 0 {
		return fmt.Errorf("%w: reader pools must have at least one slot", ErrInvalidOptions)
	}
	if o.MaxBytesSSTableL0 == 0 {
		return fmt.Errorf("%w: MaxBytesSSTableL0 must be positive", ErrInvalidOptions)
	}
	if o.FlushesAllowDeferringWrites && o.FlushingMaximumDeferredWrites <= 0 {
		return fmt.Errorf("%w: deferred flushes need a positive queue bound", ErrInvalidOptions)
	}
	if !o.FlushesAllowDeferringWrites && o.FlushingMaximumDeferredWrites != 0 {
		return fmt.Errorf("%w: deferred queue bound set but deferring disabled", ErrInvalidOptions)
	}
	if !o.Compression.IsSupported() {
		return fmt.Errorf("%w: unsupported compression %s", ErrInvalidOptions, o.Compression)
	}
	return nil
}

// tableConfig translates the options into the table store configuration.
func (o *Options) tableConfig() sstable.Config {
	return sstable.Config{
		Lanes:                o.Lanes,
		L0Zones:              o.L0Zones,
		MinZonesPerLevel:     o.MinZonesPerLevel,
		L0Readers:            o.L0Readers,
		LNReaders:            o.LNReaders,
		MaxBytesSSTableL0:    o.MaxBytesSSTableL0,
		UseTableEncoding:     o.UseSSTableEncoding,
		Compression:          o.Compression,
		AllowDeferredFlushes: o.FlushesAllowDeferringWrites,
		MaxDeferredFlushes:   o.FlushingMaximumDeferredWrites,
		Logger:               o.Logger,
	}
}
