// l0.go implements the L0 table store: one circular zone log holding whole
// SSTables, a bounded pool of concurrent readers, an optional deferred
// flush worker, and whole-zone tail reclamation.
package sstable

import (
	"fmt"
	"sync"

	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/logging"
	"github.com/aalhour/zonekv/internal/manifest"
	"github.com/aalhour/zonekv/internal/memtable"
	"github.com/aalhour/zonekv/internal/zns"
)

// L0Table owns one circular L0 log.
//
// Concurrency: one flush driver at a time, any number of reader threads up
// to the pool size, and at most one deferred flush worker.
type L0Table struct {
	log  *zns.CircularLog
	info zns.DeviceInfo
	cfg  Config

	// LBA bounds of the log, const after init.
	minZoneHead uint64
	maxZoneHead uint64

	logger logging.Logger

	// Reader pool: readQueue[i] counts the holders of slot i (0 or 1).
	mu        sync.Mutex
	cv        *sync.Cond
	readQueue []uint8

	deferred deferredFlush
}

// deferredFlush is the mailbox between the flush driver (producer) and the
// deferred flush worker (consumer).
type deferredFlush struct {
	mu    sync.Mutex
	cv    *sync.Cond
	queue []*TableBuilder
	index int
	last  bool
	done  bool
	err   error // first flush error, surfaced to the driver at drain
	metas *[]manifest.Meta
}

// NewL0Table creates an L0 table store over the zone range
// [minZone, maxZone).
func NewL0Table(dev zns.Device, minZone, maxZone uint64, cfg Config) (*L0Table, error) {
	logger := logging.OrDefault(cfg.Logger)
	log, err := zns.NewCircularLog(dev, minZone, maxZone, cfg.L0Readers, logger)
	if err != nil {
		return nil, err
	}
	t := &L0Table{
		log:         log,
		info:        dev.Info(),
		cfg:         cfg,
		minZoneHead: minZone * dev.Info().ZoneCap,
		maxZoneHead: maxZone * dev.Info().ZoneCap,
		logger:      logger,
		readQueue:   make([]uint8, cfg.L0Readers),
	}
	t.cv = sync.NewCond(&t.mu)
	t.deferred.cv = sync.NewCond(&t.deferred.mu)
	return t, nil
}

// Recover rebuilds the log's write pointers from the device.
func (t *L0Table) Recover() error {
	return t.log.RecoverPointers()
}

// NewBuilder returns a builder whose finished table lands in this log.
func (t *L0Table) NewBuilder(meta *manifest.Meta) *TableBuilder {
	return NewTableBuilder(t, meta, t.cfg.UseTableEncoding, t.cfg.Compression)
}

// EnoughSpaceAvailable reports whether content of the given byte size fits.
func (t *L0Table) EnoughSpaceAvailable(size uint64) bool {
	return t.log.SpaceLeft(size)
}

// SpaceAvailable returns the free space in bytes.
func (t *L0Table) SpaceAvailable() uint64 {
	return t.log.SpaceAvailable() * t.info.LBASize
}

// GetHead returns the log's write head.
func (t *L0Table) GetHead() uint64 { return t.log.GetWriteHead() }

// GetTail returns the log's write tail.
func (t *L0Table) GetTail() uint64 { return t.log.GetWriteTail() }

// Diagnostics returns the log's I/O counters.
func (t *L0Table) Diagnostics() zns.Diagnostics {
	return t.log.Diagnostics("L0")
}

// WriteSSTable appends table content at the write head.
// The caller must have checked EnoughSpaceAvailable; the location and
// extent are recorded in meta.
func (t *L0Table) WriteSSTable(content []byte, meta *manifest.Meta) error {
	if !t.EnoughSpaceAvailable(uint64(len(content))) {
		t.logger.Errorf(logging.NSL0 + "out of space")
		return fmt.Errorf("%w: L0 table of %d bytes", ErrNoSpace, len(content))
	}
	meta.L0.LBA = t.log.GetWriteHead()
	lbas, err := t.log.Append(content)
	if err != nil {
		return fmt.Errorf("%w: appending table %d: %v", ErrIO, meta.Number, err)
	}
	meta.LbaCount = lbas
	return nil
}

// acquireReader blocks until a reader slot is free and claims it.
func (t *L0Table) acquireReader() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for {
		for i := range t.readQueue {
			if t.readQueue[i] == 0 {
				t.readQueue[i]++
				return uint8(i)
			}
		}
		t.cv.Wait()
	}
}

// releaseReader returns a slot to the pool.
// REQUIRES: the slot is held.
func (t *L0Table) releaseReader(slot uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(slot) >= len(t.readQueue) || t.readQueue[slot] == 0 {
		panic("sstable: releasing a reader slot that is not held")
	}
	t.readQueue[slot] = 0
	// Broadcast, not signal: multiple waiters may be eligible and a lost
	// wakeup would strand them.
	t.cv.Broadcast()
}

// ReadSSTable reads the whole table described by meta into memory.
func (t *L0Table) ReadSSTable(meta *manifest.Meta) ([]byte, error) {
	if meta.L0.LBA < t.minZoneHead || meta.L0.LBA >= t.maxZoneHead ||
		meta.LbaCount > t.maxZoneHead-t.minZoneHead {
		t.logger.Errorf(logging.NSL0+"invalid metadata for table %d: lba=%d count=%d",
			meta.Number, meta.L0.LBA, meta.LbaCount)
		return nil, fmt.Errorf("%w: invalid metadata for table %d", ErrCorruption, meta.Number)
	}
	slot := t.acquireReader()
	defer t.releaseReader(slot)

	data := make([]byte, meta.LbaCount*t.info.LBASize)
	if err := t.log.Read(meta.L0.LBA, data, slot); err != nil {
		t.logger.Errorf(logging.NSL0+"failed reading table %d at lba %d (%d LBAs): %v",
			meta.Number, meta.L0.LBA, meta.LbaCount, err)
		return nil, fmt.Errorf("%w: reading table %d: %v", ErrIO, meta.Number, err)
	}
	return data, nil
}

// NewIterator reads the table described by meta and returns an iterator
// over it. A corrupt header logs a warning and iterates as empty.
func (t *L0Table) NewIterator(meta *manifest.Meta, cmp dbformat.Comparator) (Iterator, error) {
	data, err := t.ReadSSTable(meta)
	if err != nil {
		return nil, err
	}
	return newIteratorFromTable(data, t.cfg.UseTableEncoding, t.cfg.Compression, cmp, t.logger), nil
}

// Get looks up key in the table described by meta.
func (t *L0Table) Get(icmp dbformat.InternalKeyComparator, key []byte, meta *manifest.Meta) ([]byte, EntryStatus, error) {
	it, err := t.NewIterator(meta, icmp.User)
	if err != nil {
		return nil, EntryNotFound, err
	}
	return getFromTable(it, icmp, key)
}

// deferFlushWrite is the deferred flush worker. It drains the mailbox FIFO,
// flushing each builder and publishing its metadata, until the producer
// sets the last flag and the queue is empty.
func (t *L0Table) deferFlushWrite() {
	d := &t.deferred
	d.mu.Lock()
	for {
		for d.index >= len(d.queue) && !d.last {
			d.cv.Wait()
		}
		if d.index >= len(d.queue) {
			break
		}
		current := d.queue[d.index]
		d.mu.Unlock()

		var err error
		if current == nil {
			t.logger.Errorf(logging.NSFlush + "deferred flush: nil builder")
			err = fmt.Errorf("%w: nil builder in deferred flush queue", ErrCorruption)
		} else {
			err = current.Flush()
		}

		d.mu.Lock()
		if err != nil {
			t.logger.Errorf(logging.NSFlush+"deferred flush: error writing table: %v", err)
			if d.err == nil {
				d.err = err
			}
		} else {
			*d.metas = append(*d.metas, *current.Meta())
			d.queue[d.index] = nil
		}
		d.index++
		d.cv.Broadcast()
	}
	d.done = true
	d.cv.Broadcast()
	d.mu.Unlock()
}

// flushTable hands a sealed builder off for writing: inline when deferred
// writes are disabled, through the mailbox otherwise.
func (t *L0Table) flushTable(builder *TableBuilder, metas *[]manifest.Meta) error {
	if t.cfg.AllowDeferredFlushes {
		d := &t.deferred
		d.mu.Lock()
		// The worker's mailbox may be full; be polite and wait.
		for len(d.queue)-d.index > t.cfg.MaxDeferredFlushes {
			d.cv.Wait()
		}
		d.queue = append(d.queue, builder)
		d.cv.Broadcast()
		d.mu.Unlock()
		return nil
	}

	if err := builder.Flush(); err != nil {
		t.logger.Errorf(logging.NSFlush+"error writing table: %v", err)
		return err
	}
	*metas = append(*metas, *builder.Meta())
	return nil
}

// FlushMemTable drives a memtable iterator into one or more table builders
// and lands the finished tables in this log. Produced metadata is appended
// to metas with its log number stamped to lane.
func (t *L0Table) FlushMemTable(mem *memtable.MemTable, metas *[]manifest.Meta, lane uint8) error {
	// Spawn the worker if deferred writes are on.
	if t.cfg.AllowDeferredFlushes {
		d := &t.deferred
		d.mu.Lock()
		d.metas = metas
		d.queue = nil
		d.index = 0
		d.last = false
		d.done = false
		d.err = nil
		d.mu.Unlock()
		go t.deferFlushWrite()
	}

	newMeta := &manifest.Meta{}
	builder := t.NewBuilder(newMeta)

	iter := mem.NewIterator()
	iter.SeekToFirst()
	if !iter.Valid() {
		t.logger.Errorf(logging.NSL0 + "no valid iterator in the memtable")
		err := fmt.Errorf("%w: no valid iterator in the memtable", ErrCorruption)
		t.drainDeferred(err)
		return err
	}

	lbaSize := t.info.LBASize
	capLBAs := (t.cfg.MaxBytesSSTableL0 + lbaSize - 1) / lbaSize
	var err error
	for ; iter.Valid() && err == nil; iter.Next() {
		key := iter.Key()
		value := iter.Value()
		if err = builder.Apply(key, value); err != nil {
			break
		}
		// Cut the table when the next entry would push it past the cap,
		// keeping tables LBA aligned.
		projected := builder.GetSize() + builder.EstimateSizeImpact(key, value)
		if (projected+lbaSize-1)/lbaSize >= capLBAs {
			if err = builder.Finalise(); err != nil {
				break
			}
			if err = t.flushTable(builder, metas); err != nil {
				t.logger.Errorf(logging.NSL0+"error flushing table: %v", err)
				break
			}
			newMeta = &manifest.Meta{}
			builder = t.NewBuilder(newMeta)
		}
	}

	// Write the last remaining table.
	if err == nil && builder.GetSize() > 0 {
		if err = builder.Finalise(); err == nil {
			err = t.flushTable(builder, metas)
		}
		if err != nil {
			t.logger.Errorf(logging.NSL0+"error flushing table: %v", err)
		}
	}

	if deferredErr := t.drainDeferred(err); err == nil {
		err = deferredErr
	}

	// Force the log number of all created metas.
	for i := range *metas {
		(*metas)[i].L0.LogNumber = lane
	}
	return err
}

// drainDeferred shuts the worker down cooperatively and returns the first
// deferred flush error.
func (t *L0Table) drainDeferred(driveErr error) error {
	if !t.cfg.AllowDeferredFlushes {
		return nil
	}
	d := &t.deferred
	d.mu.Lock()
	d.last = true
	d.cv.Broadcast()
	for !d.done {
		d.cv.Wait()
	}
	err := d.err
	d.mu.Unlock()
	if driveErr == nil && err != nil {
		t.logger.Errorf(logging.NSFlush+"deferred flush failed: %v", err)
	}
	return err
}

// InvalidateSSZone resets the zones covering one table.
// Only valid when the table sits exactly at the write tail and covers whole
// zones; TryInvalidateZones is the general path.
func (t *L0Table) InvalidateSSZone(meta *manifest.Meta) error {
	return t.log.ConsumeTail(meta.L0.LBA, meta.L0.LBA+meta.LbaCount)
}

// TryInvalidateZones reclaims the storage of the given tables.
//
// The tables must be sorted in on-log order. Reclamation only happens when
// the first victim sits at the write tail: the contiguous run of victims is
// measured in blocks from the start of the tail zone, and every span that
// completes a zone boundary is reset at the device. When the last completed
// span straddles a boundary, the overhang is carved into a synthetic
// remainder entry describing the surviving blocks. Victims past the last
// zone crossing, and everything after a gap, are returned untouched in
// remainingMetas.
func (t *L0Table) TryInvalidateZones(metas []*manifest.Meta) (remainingMetas []*manifest.Meta, err error) {
	if len(metas) == 0 {
		return nil, fmt.Errorf("%w: no tables to invalidate", ErrCorruption)
	}
	prev := metas[0]
	writeTail := t.log.GetWriteTail()

	// The first victim must sit at the write tail, or nothing moves.
	if writeTail != prev.L0.LBA {
		remainingMetas = append(remainingMetas, metas...)
		return remainingMetas, nil
	}

	zoneCap := t.info.ZoneCap
	// Count from the start of the tail zone through the first victim.
	blocks := prev.L0.LBA - (prev.L0.LBA/zoneCap)*zoneCap + prev.LbaCount

	// Walk the contiguous run. Each time the running count crosses a zone
	// boundary, fold it into blocksToDelete and restart the count; only
	// victims below upto are consumed.
	upto := 0
	blocksToDelete := uint64(0)
	remainderNumber := prev.Number
	// The first victim alone may already complete the tail zone.
	if blocks >= zoneCap {
		blocksToDelete = blocks
		upto = 1
		blocks = 0
	}
	for i := 1; i < len(metas); i++ {
		m := metas[i]
		if prev.Number == m.Number {
			t.logger.Errorf(logging.NSL0 + "reset of two tables with the same number")
			return nil, fmt.Errorf("%w: duplicate table number %d", ErrCorruption, m.Number)
		}
		if t.log.WrappedAddr(prev.L0.LBA+prev.LbaCount) != m.L0.LBA {
			break
		}
		blocks += m.LbaCount
		prev = m
		if blocks >= zoneCap {
			remainderNumber = prev.Number
			blocksToDelete += blocks
			upto = i + 1
			blocks = 0
		}
	}

	// Only whole zones can be reset. When the last crossing straddled a
	// zone boundary, the overhang survives as a synthetic remainder table
	// at the new tail; every victim past the last crossing stays live
	// under its own identity.
	if blocksToDelete%zoneCap != 0 {
		safe := (blocksToDelete / zoneCap) * zoneCap
		mock := metas[0].Copy()
		mock.Number = remainderNumber
		mock.LbaCount = blocksToDelete - safe
		mock.L0.LBA = t.log.WrappedAddr(writeTail + safe)
		remainingMetas = append(remainingMetas, &mock)
		blocksToDelete = safe
	}
	if blocksToDelete > 0 {
		if err := t.log.ConsumeTail(writeTail, writeTail+blocksToDelete); err != nil {
			t.logger.Errorf(logging.NSL0+"failed resetting tail: %v", err)
			return remainingMetas, fmt.Errorf("%w: resetting tail: %v", ErrIO, err)
		}
	}
	remainingMetas = append(remainingMetas, metas[upto:]...)
	return remainingMetas, nil
}
