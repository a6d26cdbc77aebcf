// ln.go implements the LN table store for levels above L0.
//
// LN tables do not live in a circular log: each table occupies up to
// MaxLBARegions contiguous zone runs, allocated from a free-zone map and
// reclaimed zone-by-zone when the table is invalidated. The free-zone map
// is persisted through the manifest's fragmented-data blobs.
package sstable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/encoding"
	"github.com/aalhour/zonekv/internal/logging"
	"github.com/aalhour/zonekv/internal/manifest"
	"github.com/aalhour/zonekv/internal/zns"
)

// LNTable owns the zone range [minZone, maxZone) shared by all levels
// above L0.
type LNTable struct {
	dev  zns.Device
	info zns.DeviceInfo
	cfg  Config

	minZone uint64
	maxZone uint64

	logger logging.Logger

	// Reader pool, same discipline as L0.
	mu        sync.Mutex
	cv        *sync.Cond
	readQueue []uint8

	// zone allocation state, guarded by mu.
	used []bool // per zone in [minZone, maxZone)

	appendOps     atomic.Uint64
	bytesAppended atomic.Uint64
	readOps       atomic.Uint64
	bytesRead     atomic.Uint64
	zoneResets    atomic.Uint64
}

// NewLNTable creates an LN table store over [minZone, maxZone).
func NewLNTable(dev zns.Device, minZone, maxZone uint64, cfg Config) (*LNTable, error) {
	info := dev.Info()
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if minZone >= maxZone || maxZone > info.ZoneCount {
		return nil, fmt.Errorf("%w: zone range [%d, %d)", ErrInvalidArgument, minZone, maxZone)
	}
	t := &LNTable{
		dev:       dev,
		info:      info,
		cfg:       cfg,
		minZone:   minZone,
		maxZone:   maxZone,
		logger:    logging.OrDefault(cfg.Logger),
		readQueue: make([]uint8, cfg.LNReaders),
		used:      make([]bool, maxZone-minZone),
	}
	t.cv = sync.NewCond(&t.mu)
	return t, nil
}

// Recover rebuilds the free-zone map from the device's write pointers.
// RecoverFrom replays a persisted free-zone map instead.
func (t *LNTable) Recover() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.used {
		wp, err := t.dev.ZoneWritePointer(t.minZone + uint64(i))
		if err != nil {
			return fmt.Errorf("zone %d write pointer: %w", t.minZone+uint64(i), err)
		}
		t.used[i] = wp != 0
	}
	return nil
}

// Encode serializes the free-zone map for the manifest.
func (t *LNTable) Encode() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := encoding.AppendVarint64(nil, uint64(len(t.used)))
	for _, u := range t.used {
		b := byte(0)
		if u {
			b = 1
		}
		out = append(out, b)
	}
	return out
}

// RecoverFrom replays a free-zone map serialized by Encode.
// An empty blob is a no-op.
func (t *LNTable) RecoverFrom(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	s := encoding.NewSlice(data)
	count, ok := s.GetVarint64()
	if !ok || count != uint64(len(t.used)) || s.Remaining() != int(count) {
		t.logger.Errorf(logging.NSLN + "cannot recover LN zone map")
		return fmt.Errorf("%w: LN zone map of wrong shape", ErrCorruption)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.used {
		b, _ := s.GetFixed8()
		t.used[i] = b != 0
	}
	return nil
}

// zoneBytes returns the byte capacity of one zone.
func (t *LNTable) zoneBytes() uint64 {
	return t.info.ZoneCap * t.info.LBASize
}

// EnoughSpaceAvailable reports whether content of the given byte size fits
// in at most MaxLBARegions free runs.
func (t *LNTable) EnoughSpaceAvailable(size uint64) bool {
	needed := (size + t.zoneBytes() - 1) / t.zoneBytes()
	t.mu.Lock()
	defer t.mu.Unlock()
	runs := 0
	available := uint64(0)
	i := 0
	for i < len(t.used) && runs < manifest.MaxLBARegions {
		if t.used[i] {
			i++
			continue
		}
		runs++
		for i < len(t.used) && !t.used[i] {
			available++
			i++
		}
		if available >= needed {
			return true
		}
	}
	return available >= needed
}

// SpaceAvailable returns the free space in bytes.
func (t *LNTable) SpaceAvailable() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	free := uint64(0)
	for _, u := range t.used {
		if !u {
			free++
		}
	}
	return free * t.zoneBytes()
}

// Diagnostics returns the store's I/O counters.
func (t *LNTable) Diagnostics() zns.Diagnostics {
	return zns.Diagnostics{
		Name:          "LN",
		AppendOps:     t.appendOps.Load(),
		BytesAppended: t.bytesAppended.Load(),
		ReadOps:       t.readOps.Load(),
		BytesRead:     t.bytesRead.Load(),
		ZoneResets:    t.zoneResets.Load(),
	}
}

// NewBuilder returns a builder whose finished table lands in this store.
func (t *LNTable) NewBuilder(meta *manifest.Meta) *TableBuilder {
	return NewTableBuilder(t, meta, t.cfg.UseTableEncoding, t.cfg.Compression)
}

// allocateRegions claims free-zone runs covering `zones` zones.
// Returns (startZone, zoneCount) pairs, at most MaxLBARegions of them.
func (t *LNTable) allocateRegions(zones uint64) ([][2]uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var regions [][2]uint64
	remaining := zones
	i := 0
	for i < len(t.used) && remaining > 0 {
		if t.used[i] {
			i++
			continue
		}
		if len(regions) == manifest.MaxLBARegions {
			break
		}
		start := i
		length := uint64(0)
		for i < len(t.used) && !t.used[i] && length < remaining {
			t.used[i] = true
			length++
			i++
		}
		regions = append(regions, [2]uint64{t.minZone + uint64(start), length})
		remaining -= length
	}
	if remaining > 0 {
		// Roll back the claim.
		for _, r := range regions {
			for z := r[0]; z < r[0]+r[1]; z++ {
				t.used[z-t.minZone] = false
			}
		}
		return nil, fmt.Errorf("%w: LN table of %d zones in %d regions", ErrNoSpace, zones, manifest.MaxLBARegions)
	}
	return regions, nil
}

// WriteSSTable writes table content across up to MaxLBARegions zone runs
// and records the regions in meta.
func (t *LNTable) WriteSSTable(content []byte, meta *manifest.Meta) error {
	lbaSize := t.info.LBASize
	totalLBAs := (uint64(len(content)) + lbaSize - 1) / lbaSize
	zones := (totalLBAs + t.info.ZoneCap - 1) / t.info.ZoneCap
	regions, err := t.allocateRegions(zones)
	if err != nil {
		t.logger.Errorf(logging.NSLN+"out of space: %v", err)
		return err
	}

	padded := content
	if uint64(len(content))%lbaSize != 0 {
		padded = make([]byte, totalLBAs*lbaSize)
		copy(padded, content)
	}

	meta.LN.Regions = 0
	meta.LbaCount = totalLBAs
	written := uint64(0) // LBAs written so far
	for _, r := range regions {
		regionLBAs := r[1] * t.info.ZoneCap
		if regionLBAs > totalLBAs-written {
			regionLBAs = totalLBAs - written
		}
		meta.LN.LBAs[meta.LN.Regions] = r[0] * t.info.ZoneCap
		meta.LN.RegionSizes[meta.LN.Regions] = regionLBAs
		meta.LN.Regions++

		for z := uint64(0); z < r[1] && written < totalLBAs; z++ {
			zone := r[0] + z
			zoneLBAs := t.info.ZoneCap
			if zoneLBAs > totalLBAs-written {
				zoneLBAs = totalLBAs - written
			}
			for off := uint64(0); off < zoneLBAs; {
				chunk := zoneLBAs - off
				if chunk*lbaSize > t.info.ZASL {
					chunk = t.info.ZASL / lbaSize
				}
				data := padded[written*lbaSize : (written+chunk)*lbaSize]
				if _, err := t.dev.Append(zone, data); err != nil {
					return fmt.Errorf("%w: appending table %d to zone %d: %v", ErrIO, meta.Number, zone, err)
				}
				t.appendOps.Add(1)
				t.bytesAppended.Add(chunk * lbaSize)
				off += chunk
				written += chunk
			}
		}
	}
	return nil
}

// acquireReader blocks until a reader slot is free and claims it.
func (t *LNTable) acquireReader() uint8 {
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
func (t *LNTable) releaseReader(slot uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(slot) >= len(t.readQueue) || t.readQueue[slot] == 0 {
		panic("sstable: releasing a reader slot that is not held")
	}
	t.readQueue[slot] = 0
	t.cv.Broadcast()
}

// ReadSSTable stitches the table's regions back into one buffer.
func (t *LNTable) ReadSSTable(meta *manifest.Meta) ([]byte, error) {
	if meta.LN.Regions == 0 || meta.LN.Regions > manifest.MaxLBARegions {
		return nil, fmt.Errorf("%w: invalid region count %d for table %d", ErrCorruption, meta.LN.Regions, meta.Number)
	}
	slot := t.acquireReader()
	defer t.releaseReader(slot)

	lbaSize := t.info.LBASize
	data := make([]byte, meta.LbaCount*lbaSize)
	filled := uint64(0)
	for i := uint8(0); i < meta.LN.Regions; i++ {
		lba := meta.LN.LBAs[i]
		size := meta.LN.RegionSizes[i] * lbaSize
		if filled+size > uint64(len(data)) {
			return nil, fmt.Errorf("%w: regions overrun lba count for table %d", ErrCorruption, meta.Number)
		}
		for off := uint64(0); off < size; {
			chunk := size - off
			if chunk > t.info.MDTS {
				chunk = t.info.MDTS
			}
			if err := t.dev.ReadAt(lba*lbaSize+off, data[filled+off:filled+off+chunk]); err != nil {
				return nil, fmt.Errorf("%w: reading table %d region %d: %v", ErrIO, meta.Number, i, err)
			}
			t.readOps.Add(1)
			t.bytesRead.Add(chunk)
			off += chunk
		}
		filled += size
	}
	return data, nil
}

// NewIterator reads the table described by meta and returns an iterator.
func (t *LNTable) NewIterator(meta *manifest.Meta, cmp dbformat.Comparator) (Iterator, error) {
	data, err := t.ReadSSTable(meta)
	if err != nil {
		return nil, err
	}
	return newIteratorFromTable(data, t.cfg.UseTableEncoding, t.cfg.Compression, cmp, t.logger), nil
}

// Get looks up key in the table described by meta.
func (t *LNTable) Get(icmp dbformat.InternalKeyComparator, key []byte, meta *manifest.Meta) ([]byte, EntryStatus, error) {
	it, err := t.NewIterator(meta, icmp.User)
	if err != nil {
		return nil, EntryNotFound, err
	}
	return getFromTable(it, icmp, key)
}

// InvalidateSSZone resets the zones of the table described by meta and
// returns them to the free map.
func (t *LNTable) InvalidateSSZone(meta *manifest.Meta) error {
	for i := uint8(0); i < meta.LN.Regions; i++ {
		firstZone := meta.LN.LBAs[i] / t.info.ZoneCap
		zones := (meta.LN.RegionSizes[i] + t.info.ZoneCap - 1) / t.info.ZoneCap
		for z := firstZone; z < firstZone+zones; z++ {
			if z < t.minZone || z >= t.maxZone {
				return fmt.Errorf("%w: region zone %d outside [%d, %d)", ErrCorruption, z, t.minZone, t.maxZone)
			}
			if err := t.dev.ResetZone(z); err != nil {
				return fmt.Errorf("%w: resetting zone %d: %v", ErrIO, z, err)
			}
			t.zoneResets.Add(1)
			t.mu.Lock()
			t.used[z-t.minZone] = false
			t.mu.Unlock()
		}
	}
	return nil
}
