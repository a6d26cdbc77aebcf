package zonekv

import (
	"errors"
	"fmt"
	"io"

	"github.com/aalhour/zonekv/internal/commit"
	"github.com/aalhour/zonekv/internal/logging"
	"github.com/aalhour/zonekv/internal/manifest"
	"github.com/aalhour/zonekv/internal/memtable"
	"github.com/aalhour/zonekv/internal/sstable"
	"github.com/aalhour/zonekv/internal/zns"
)

// Re-exported types of the public surface.
type (
	// Meta describes one SSTable's identity, location, and key range.
	Meta = manifest.Meta

	// VersionEdit is a metadata delta logged to the manifest.
	VersionEdit = manifest.VersionEdit

	// MemTable is the sorted write buffer flushed into L0.
	MemTable = memtable.MemTable

	// DeviceInfo holds the zoned device constants.
	DeviceInfo = zns.DeviceInfo

	// Device is the raw zoned device interface.
	Device = zns.Device
)

// NewVersionEdit creates an empty version edit.
func NewVersionEdit() *VersionEdit { return manifest.NewVersionEdit() }

// NewMemTable creates a memtable ordered by the options' comparator.
func NewMemTable(opts *Options) *MemTable { return memtable.NewMemTable(opts.Comparator) }

// NewMemDevice creates an in-memory zoned device, for tests and tooling.
func NewMemDevice(info DeviceInfo) (Device, error) { return zns.NewMemDevice(info) }

// manifestZones is the zone count reserved for the manifest log at the
// start of the device.
const manifestZones = 4

// Store assembles the storage core over one zoned device: the manifest
// commit log at the front of the device and the table stores behind it.
type Store struct {
	opts   *Options
	info   zns.DeviceInfo
	logger logging.Logger

	manifestLog *zns.CircularLog
	committer   *commit.Committer
	manager     *sstable.Manager
}

// Open lays the storage core out on a device: zones [0, manifestZones) hold
// the manifest log, the rest is divided between the L0 lanes and LN.
func Open(dev Device, opts *Options) (*Store, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := logging.OrDefault(opts.Logger)

	manifestLog, err := zns.NewCircularLog(dev, 0, manifestZones, opts.CommitReaders, logger)
	if err != nil {
		return nil, fmt.Errorf("manifest log: %w", err)
	}
	manager, err := sstable.NewManager(dev, manifestZones, dev.Info().ZoneCount, opts.tableConfig())
	if err != nil {
		return nil, fmt.Errorf("table manager: %w", err)
	}
	return &Store{
		opts:        opts,
		info:        dev.Info(),
		logger:      logger,
		manifestLog: manifestLog,
		committer:   commit.NewCommitter(manifestLog, opts.KeepCommitBuffer, logger),
		manager:     manager,
	}, nil
}

// Manager exposes the table manager.
func (s *Store) Manager() *sstable.Manager { return s.manager }

// Committer exposes the manifest log's commit codec.
func (s *Store) Committer() *commit.Committer { return s.committer }

// FlushMemTable flushes a memtable into the given lane and returns the
// produced table metadata in on-log order.
func (s *Store) FlushMemTable(mem *MemTable, lane uint8) ([]Meta, error) {
	var metas []Meta
	if err := s.manager.FlushMemTable(mem, &metas, lane); err != nil {
		return nil, err
	}
	return metas, nil
}

// LogEdit frames a version edit and appends it to the manifest log.
func (s *Store) LogEdit(ve *VersionEdit) error {
	if _, err := s.committer.SafeCommit(ve.EncodeTo()); err != nil {
		return fmt.Errorf("logging version edit: %w", err)
	}
	return nil
}

// ReplayEdits decodes every version edit in the manifest log in append
// order and hands each to fn. Replay stops at the first decode failure or
// fn error.
func (s *Store) ReplayEdits(fn func(*VersionEdit) error) error {
	begin := s.manifestLog.GetWriteTail()
	end := s.manifestLog.GetWriteHead()
	if begin == end {
		return nil
	}
	reader, err := s.committer.NewReader(0, begin, end)
	if err != nil {
		return err
	}
	defer reader.Close()
	for {
		record, err := reader.ReadRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		ve := manifest.NewVersionEdit()
		if err := ve.DecodeFrom(record); err != nil {
			s.logger.Errorf(logging.NSRecovery+"manifest replay: %v", err)
			return err
		}
		if err := fn(ve); err != nil {
			return err
		}
	}
}

// Recover rebuilds the manifest log pointers and all table stores.
// lnRecovery is the LN zone map blob from the last fragmented-data edit,
// or nil.
func (s *Store) Recover(lnRecovery []byte) error {
	if err := s.manifestLog.RecoverPointers(); err != nil {
		return fmt.Errorf("recovering manifest log: %w", err)
	}
	return s.manager.Recover(lnRecovery)
}

// Diagnostics snapshots the I/O counters of the manifest log and every
// table store.
func (s *Store) Diagnostics() []zns.Diagnostics {
	diags := []zns.Diagnostics{s.manifestLog.Diagnostics("manifest")}
	return append(diags, s.manager.IODiagnostics()...)
}
