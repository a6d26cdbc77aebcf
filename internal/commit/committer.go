// committer.go implements the write side of the commit codec.
package commit

import (
	"errors"
	"fmt"

	"github.com/aalhour/zonekv/internal/checksum"
	"github.com/aalhour/zonekv/internal/encoding"
	"github.com/aalhour/zonekv/internal/logging"
	"github.com/aalhour/zonekv/internal/zns"
)

var (
	// ErrNoSpace is returned by SafeCommit when the log reports fewer free
	// LBAs than the payload needs.
	ErrNoSpace = errors.New("commit: no space left")

	// ErrInvalidArgument is returned for a bad reader slot or LBA range.
	ErrInvalidArgument = errors.New("commit: invalid argument")
)

// Committer frames payloads into CRC-protected, LBA-aligned records and
// appends them through a circular zone log.
//
// The write buffer and write path are not thread-safe: one caller per
// Committer. Read buffers are partitioned per reader slot; each slot serves
// one reader at a time.
type Committer struct {
	log     *zns.CircularLog
	lbaSize uint64
	logger  logging.Logger

	// Pre-computed CRC32C seed for each record type.
	typeCRC [maxRecordType + 1]uint32

	// keepBuffer retains the write and read buffers between operations.
	keepBuffer bool
	writeBuf   []byte
	readBuf    [][]byte // one buffer per reader slot
}

// NewCommitter creates a Committer over the given log.
func NewCommitter(log *zns.CircularLog, keepBuffer bool, logger logging.Logger) *Committer {
	c := &Committer{
		log:        log,
		lbaSize:    log.Info().LBASize,
		logger:     logging.OrDefault(logger),
		keepBuffer: keepBuffer,
		readBuf:    make([][]byte, log.NumberOfReaders()),
	}
	for i := range c.typeCRC {
		c.typeCRC[i] = checksum.Value([]byte{byte(i)})
	}
	return c
}

// SpaceNeeded returns the estimated byte count for a payload of dataSize
// bytes, rounded up to whole LBAs. It counts one header per lbaSize payload
// bytes, so for large payloads it can be below encodedSize, the size the
// encoder writes.
func (c *Committer) SpaceNeeded(dataSize uint64) uint64 {
	fragments := (dataSize + c.lbaSize - 1) / c.lbaSize
	if fragments == 0 {
		fragments = 1
	}
	needed := fragments*HeaderSize + dataSize
	return ((needed + c.lbaSize - 1) / c.lbaSize) * c.lbaSize
}

// SpaceEnough reports whether the log has room for a payload of dataSize
// bytes.
func (c *Committer) SpaceEnough(dataSize uint64) bool {
	return c.log.SpaceLeft(c.SpaceNeeded(dataSize))
}

// encodedSize returns the exact byte size of the encoded form: one LBA per
// fragment, each fragment carrying at most lbaSize-HeaderSize payload bytes.
func (c *Committer) encodedSize(dataSize uint64) uint64 {
	avail := c.lbaSize - HeaderSize
	fragments := (dataSize + avail - 1) / avail
	if fragments == 0 {
		fragments = 1
	}
	return fragments * c.lbaSize
}

// encode fills dst with the framed form of data.
// REQUIRES: len(dst) == encodedSize(len(data)) and dst is zeroed.
func (c *Committer) encode(dst, data []byte) {
	avail := c.lbaSize - HeaderSize
	walker := uint64(0)
	left := uint64(len(data))
	begin := true
	for {
		fragmentLength := left
		if fragmentLength > avail {
			fragmentLength = avail
		}

		end := left == fragmentLength
		var recordType RecordType
		switch {
		case begin && end:
			recordType = FullType
		case begin:
			recordType = FirstType
		case end:
			recordType = LastType
		default:
			recordType = MiddleType
		}

		payload := data[uint64(len(data))-left:][:fragmentLength]
		copy(dst[walker+HeaderSize:], payload)
		// 24-bit little-endian length at offsets 4..6, type at offset 7.
		dst[walker+4] = byte(fragmentLength)
		dst[walker+5] = byte(fragmentLength >> 8)
		dst[walker+6] = byte(fragmentLength >> 16)
		dst[walker+7] = byte(recordType)
		crc := checksum.Extend(c.typeCRC[recordType], payload)
		encoding.EncodeFixed32(dst[walker:], checksum.Mask(crc))

		walker += c.lbaSize
		left -= fragmentLength
		begin = false
		if left == 0 {
			return
		}
	}
}

// CommitToBuffer frames data into a caller-owned byte slice without
// performing any I/O.
func (c *Committer) CommitToBuffer(data []byte) []byte {
	out := make([]byte, c.encodedSize(uint64(len(data))))
	c.encode(out, data)
	return out
}

// Commit frames data and appends it through the log.
// Returns the number of LBAs appended.
func (c *Committer) Commit(data []byte) (uint64, error) {
	size := c.encodedSize(uint64(len(data)))
	if uint64(cap(c.writeBuf)) >= size {
		c.writeBuf = c.writeBuf[:size]
		clear(c.writeBuf)
	} else {
		c.writeBuf = make([]byte, size)
	}
	c.encode(c.writeBuf, data)

	lbas, err := c.log.Append(c.writeBuf)
	if !c.keepBuffer {
		c.writeBuf = nil
	}
	if err != nil {
		c.logger.Errorf(logging.NSCommit+"fatal append error: %v", err)
		return lbas, fmt.Errorf("commit append: %w", err)
	}
	return lbas, nil
}

// SafeCommit is Commit guarded by a space check.
func (c *Committer) SafeCommit(data []byte) (uint64, error) {
	if !c.SpaceEnough(uint64(len(data))) {
		c.logger.Errorf(logging.NSCommit + "no space left for commit")
		return 0, ErrNoSpace
	}
	return c.Commit(data)
}
