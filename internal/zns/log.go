// log.go implements the circular zone log: a sequential append-only log over
// a contiguous zone range with wrap-around addressing, a bounded set of
// reader slots, and whole-zone tail reclamation.
package zns

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/aalhour/zonekv/internal/logging"
)

// Diagnostics is a snapshot of the I/O counters of one log.
type Diagnostics struct {
	Name          string
	AppendOps     uint64
	BytesAppended uint64
	ReadOps       uint64
	BytesRead     uint64
	ZoneResets    uint64
}

// CircularLog is a sequential log over the zone range [minZone, maxZone).
//
// Addresses are absolute LBAs in [minZone*ZoneCap, maxZone*ZoneCap) and wrap
// around the range. The write head is the next append position; the write
// tail is the oldest live position. Appends and tail consumes must be
// externally serialized (one writer); reads are safe from up to `readers`
// concurrent callers, one per slot.
type CircularLog struct {
	dev     Device
	info    DeviceInfo
	minZone uint64
	maxZone uint64
	readers uint8
	logger  logging.Logger

	mu   sync.Mutex
	head uint64 // next append LBA
	tail uint64 // oldest live LBA
	used uint64 // live LBAs

	appendOps     atomic.Uint64
	bytesAppended atomic.Uint64
	readOps       atomic.Uint64
	bytesRead     atomic.Uint64
	zoneResets    atomic.Uint64
}

// NewCircularLog creates a log over [minZone, maxZone) with the given number
// of reader slots.
func NewCircularLog(dev Device, minZone, maxZone uint64, readers uint8, logger logging.Logger) (*CircularLog, error) {
	info := dev.Info()
	if err := info.Validate(); err != nil {
		return nil, err
	}
	if minZone >= maxZone || maxZone > info.ZoneCount {
		return nil, fmt.Errorf("%w: zone range [%d, %d)", ErrOutOfRange, minZone, maxZone)
	}
	if readers == 0 {
		return nil, fmt.Errorf("%w: zero reader slots", ErrBadReaderSlot)
	}
	return &CircularLog{
		dev:     dev,
		info:    info,
		minZone: minZone,
		maxZone: maxZone,
		readers: readers,
		logger:  logging.OrDefault(logger),
		head:    minZone * info.ZoneCap,
		tail:    minZone * info.ZoneCap,
	}, nil
}

// Info returns the device constants.
func (l *CircularLog) Info() DeviceInfo { return l.info }

// NumberOfReaders returns the size of the reader slot pool.
func (l *CircularLog) NumberOfReaders() uint8 { return l.readers }

// MinLBA returns the first LBA of the log range.
func (l *CircularLog) MinLBA() uint64 { return l.minZone * l.info.ZoneCap }

// MaxLBA returns one past the last LBA of the log range.
func (l *CircularLog) MaxLBA() uint64 { return l.maxZone * l.info.ZoneCap }

// size returns the log capacity in LBAs.
func (l *CircularLog) size() uint64 { return (l.maxZone - l.minZone) * l.info.ZoneCap }

// WrappedAddr wraps x into the log's LBA range.
func (l *CircularLog) WrappedAddr(x uint64) uint64 {
	min := l.MinLBA()
	return min + (x-min)%l.size()
}

// GetWriteHead returns the current append position.
func (l *CircularLog) GetWriteHead() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}

// GetWriteTail returns the oldest live position.
func (l *CircularLog) GetWriteTail() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.tail
}

// SpaceAvailable returns the number of free LBAs.
func (l *CircularLog) SpaceAvailable() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.size() - l.used
}

// SpaceLeft reports whether `bytes` more bytes fit in the log.
func (l *CircularLog) SpaceLeft(bytes uint64) bool {
	needed := (bytes + l.info.LBASize - 1) / l.info.LBASize
	return needed <= l.SpaceAvailable()
}

// Append writes data at the write head and advances it. The data is padded
// with zeroes to a whole number of LBAs; appends are split at zone
// boundaries and at the device's ZASL. Returns the number of LBAs written.
func (l *CircularLog) Append(data []byte) (uint64, error) {
	lbaSize := l.info.LBASize
	lbas := (uint64(len(data)) + lbaSize - 1) / lbaSize
	if lbas == 0 {
		return 0, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if lbas > l.size()-l.used {
		return 0, fmt.Errorf("%w: append of %d LBAs, %d free", ErrNoSpace, lbas, l.size()-l.used)
	}

	padded := data
	if uint64(len(data))%lbaSize != 0 {
		padded = make([]byte, lbas*lbaSize)
		copy(padded, data)
	}

	written := uint64(0)
	for written < lbas {
		zone := l.head / l.info.ZoneCap
		zoneRemaining := (zone+1)*l.info.ZoneCap - l.head
		chunk := lbas - written
		if chunk > zoneRemaining {
			chunk = zoneRemaining
		}
		if chunk*lbaSize > l.info.ZASL {
			chunk = l.info.ZASL / lbaSize
		}
		off := written * lbaSize
		n, err := l.dev.Append(zone, padded[off:off+chunk*lbaSize])
		if err != nil {
			return written, fmt.Errorf("append at lba %d: %w", l.head, err)
		}
		l.appendOps.Add(1)
		l.bytesAppended.Add(n * lbaSize)
		written += n
		l.head = l.WrappedAddr(l.head + n)
		l.used += n
	}
	return written, nil
}

// Read fills p starting at the given LBA using the given reader slot.
// The range may wrap around the end of the log; reads are split at the
// device's MDTS.
func (l *CircularLog) Read(lba uint64, p []byte, slot uint8) error {
	if slot >= l.readers {
		return fmt.Errorf("%w: slot %d of %d", ErrBadReaderSlot, slot, l.readers)
	}
	if lba < l.MinLBA() || lba >= l.MaxLBA() {
		return fmt.Errorf("%w: read at lba %d", ErrOutOfRange, lba)
	}
	lbaSize := l.info.LBASize
	cursor := lba
	remaining := p
	for len(remaining) > 0 {
		untilWrap := (l.MaxLBA() - cursor) * lbaSize
		chunk := uint64(len(remaining))
		if chunk > untilWrap {
			chunk = untilWrap
		}
		if chunk > l.info.MDTS {
			chunk = l.info.MDTS
		}
		if err := l.dev.ReadAt(cursor*lbaSize, remaining[:chunk]); err != nil {
			return fmt.Errorf("read at lba %d: %w", cursor, err)
		}
		l.readOps.Add(1)
		l.bytesRead.Add(chunk)
		remaining = remaining[chunk:]
		cursor = l.WrappedAddr(cursor + (chunk+lbaSize-1)/lbaSize)
	}
	return nil
}

// ConsumeTail resets the whole zones covering [from, to) and advances the
// write tail to `to`. `from` must equal the write tail and the range must be
// a whole number of zones. `to` may exceed MaxLBA to express wrap-around.
func (l *CircularLog) ConsumeTail(from, to uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from != l.tail {
		return fmt.Errorf("%w: consume from %d, tail %d", ErrNotAtTail, from, l.tail)
	}
	if to < from || (to-from)%l.info.ZoneCap != 0 {
		return fmt.Errorf("%w: consume [%d, %d)", ErrNotZoneAligned, from, to)
	}
	count := to - from
	if count > l.used {
		return fmt.Errorf("%w: consume of %d LBAs, %d live", ErrOutOfRange, count, l.used)
	}
	for z := from; z < to; z += l.info.ZoneCap {
		zone := l.WrappedAddr(z) / l.info.ZoneCap
		if err := l.dev.ResetZone(zone); err != nil {
			return fmt.Errorf("reset zone %d: %w", zone, err)
		}
		l.zoneResets.Add(1)
	}
	l.tail = l.WrappedAddr(to)
	l.used -= count
	return nil
}

// RecoverPointers reconstructs the write head and tail from the device's
// zone write pointers at startup.
func (l *CircularLog) RecoverPointers() error {
	zones := l.maxZone - l.minZone
	wps := make([]uint64, zones)
	empty := true
	for i := uint64(0); i < zones; i++ {
		wp, err := l.dev.ZoneWritePointer(l.minZone + i)
		if err != nil {
			return fmt.Errorf("zone %d write pointer: %w", l.minZone+i, err)
		}
		wps[i] = wp
		if wp != 0 {
			empty = false
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if empty {
		l.head = l.MinLBA()
		l.tail = l.MinLBA()
		l.used = 0
		l.logger.Debugf(logging.NSRecovery + "log empty, pointers reset")
		return nil
	}

	// The tail is the first written zone whose circular predecessor is
	// empty. A fully written log keeps its tail at the range start.
	tailZone := uint64(0)
	for i := uint64(0); i < zones; i++ {
		prev := (i + zones - 1) % zones
		if wps[i] != 0 && wps[prev] == 0 {
			tailZone = i
			break
		}
	}
	// The head sits after the last written block of the contiguous run
	// that starts at the tail.
	headZone := tailZone
	run := uint64(0)
	for run < zones && wps[headZone] != 0 {
		run++
		if wps[headZone] < l.info.ZoneCap {
			break
		}
		headZone = (headZone + 1) % zones
	}
	last := (tailZone + run - 1) % zones
	l.tail = l.MinLBA() + tailZone*l.info.ZoneCap
	l.head = l.WrappedAddr(l.MinLBA() + last*l.info.ZoneCap + wps[last])
	switch {
	case l.head == l.tail && run == zones:
		l.used = l.size()
	case l.head >= l.tail:
		l.used = l.head - l.tail
	default:
		l.used = l.size() - (l.tail - l.head)
	}
	l.logger.Infof(logging.NSRecovery+"recovered log pointers head=%d tail=%d used=%d", l.head, l.tail, l.used)
	return nil
}

// Diagnostics returns a snapshot of the I/O counters.
func (l *CircularLog) Diagnostics(name string) Diagnostics {
	return Diagnostics{
		Name:          name,
		AppendOps:     l.appendOps.Load(),
		BytesAppended: l.bytesAppended.Load(),
		ReadOps:       l.readOps.Load(),
		BytesRead:     l.bytesRead.Load(),
		ZoneResets:    l.zoneResets.Load(),
	}
}
