// reader.go implements the read side of the commit codec.
//
// A reader iterates the records in a contiguous LBA range, reassembling
// fragmented payloads. A CRC mismatch or unreadable header terminates the
// iteration as if at end-of-log; orphan Middle/Last fragments are dropped
// with a warning (resync at log boundaries).
package commit

import (
	"fmt"
	"io"

	"github.com/aalhour/zonekv/internal/checksum"
	"github.com/aalhour/zonekv/internal/encoding"
	"github.com/aalhour/zonekv/internal/logging"
)

// Reader reads logical records back from a device LBA range.
//
// A Reader holds one of the committer's reader slots; the slot's buffer is
// owned by the Reader until Close.
type Reader struct {
	c      *Committer
	slot   uint8
	begin  uint64 // first LBA of the range
	end    uint64 // one past the last LBA
	cursor uint64

	scratch []byte
}

// NewReader opens a reader over the LBA range [begin, end) using the given
// reader slot.
func (c *Committer) NewReader(slot uint8, begin, end uint64) (*Reader, error) {
	if begin >= end || int(slot) >= len(c.readBuf) {
		return nil, fmt.Errorf("%w: slot %d range [%d, %d)", ErrInvalidArgument, slot, begin, end)
	}
	if uint64(cap(c.readBuf[slot])) < c.lbaSize {
		c.readBuf[slot] = make([]byte, c.lbaSize)
	}
	return &Reader{
		c:      c,
		slot:   slot,
		begin:  begin,
		end:    end,
		cursor: begin,
	}, nil
}

// Close releases the reader's slot buffer (unless the committer keeps
// buffers for reuse).
func (r *Reader) Close() {
	if !r.c.keepBuffer {
		r.c.readBuf[r.slot] = nil
	}
	r.scratch = nil
}

// ReadRecord reads the next logical record.
// Returns io.EOF when the range is exhausted or iteration terminates at a
// corrupt record. The returned slice is valid until the next call.
func (r *Reader) ReadRecord() ([]byte, error) {
	r.scratch = r.scratch[:0]
	inFragmentedRecord := false

	for r.cursor < r.end && r.cursor >= r.begin {
		lbaSize := r.c.lbaSize
		avail := (r.end - r.cursor) * lbaSize

		// Read the header LBA first; it bounds how much more to read.
		buf := r.c.readBuf[r.slot][:lbaSize]
		if err := r.c.log.Read(r.cursor, buf, r.slot); err != nil {
			return nil, fmt.Errorf("read record header at lba %d: %w", r.cursor, err)
		}

		length := uint64(buf[4]) | uint64(buf[5])<<8 | uint64(buf[6])<<16
		recordType := RecordType(buf[7])
		if recordType > maxRecordType {
			recordType = InvalidType
		}

		// A record that spans multiple LBAs and fits in the range needs
		// a larger slot buffer and a re-read.
		if HeaderSize+length > lbaSize && HeaderSize+length <= avail {
			need := ((HeaderSize + length + lbaSize - 1) / lbaSize) * lbaSize
			if uint64(cap(r.c.readBuf[r.slot])) < need {
				r.c.readBuf[r.slot] = make([]byte, need)
			}
			buf = r.c.readBuf[r.slot][:need]
			if err := r.c.log.Read(r.cursor, buf, r.slot); err != nil {
				return nil, fmt.Errorf("read record body at lba %d: %w", r.cursor, err)
			}
		}

		if HeaderSize+length > uint64(len(buf)) || HeaderSize+length > avail {
			recordType = InvalidType
		}

		if recordType != InvalidType {
			expected := checksum.Unmask(encoding.DecodeFixed32(buf[:4]))
			actual := checksum.Value(buf[7 : 7+1+length])
			if actual != expected {
				r.c.logger.Errorf(logging.NSCommit+"corrupt crc len=%d type=%d cursor=%d end=%d",
					length, buf[7], r.cursor, r.end)
				recordType = InvalidType
			}
		}

		step := (HeaderSize + length + lbaSize - 1) / lbaSize
		if step == 0 {
			step = 1
		}
		r.cursor += step

		switch recordType {
		case FullType:
			r.scratch = append(r.scratch[:0], buf[HeaderSize:HeaderSize+length]...)
			return r.scratch, nil
		case FirstType:
			r.scratch = append(r.scratch[:0], buf[HeaderSize:HeaderSize+length]...)
			inFragmentedRecord = true
		case MiddleType:
			if !inFragmentedRecord {
				r.c.logger.Warnf(logging.NSCommit+"dropping orphan middle fragment at lba %d", r.cursor-step)
				continue
			}
			r.scratch = append(r.scratch, buf[HeaderSize:HeaderSize+length]...)
		case LastType:
			if !inFragmentedRecord {
				r.c.logger.Warnf(logging.NSCommit+"dropping orphan last fragment at lba %d", r.cursor-step)
				continue
			}
			r.scratch = append(r.scratch, buf[HeaderSize:HeaderSize+length]...)
			return r.scratch, nil
		default:
			r.scratch = r.scratch[:0]
			return nil, io.EOF
		}
	}
	return nil, io.EOF
}

// StringReader reads logical records from an in-memory encoding, as produced
// by CommitToBuffer. Semantics match Reader except the cursor is a byte
// offset and each step advances to the next LBA boundary.
type StringReader struct {
	lbaSize uint64
	logger  logging.Logger
	data    []byte
	cursor  uint64

	scratch []byte
}

// NewStringReader opens a reader over an in-memory encoded buffer.
func (c *Committer) NewStringReader(data []byte) *StringReader {
	return &StringReader{
		lbaSize: c.lbaSize,
		logger:  c.logger,
		data:    data,
	}
}

// NewStringReader opens an in-memory record reader without a committer,
// for tooling that inspects dumped log bytes.
func NewStringReader(data []byte, lbaSize uint64, logger logging.Logger) *StringReader {
	return &StringReader{
		lbaSize: lbaSize,
		logger:  logging.OrDefault(logger),
		data:    data,
	}
}

// ReadRecord reads the next logical record.
// Returns io.EOF when the buffer is exhausted or iteration terminates at a
// corrupt record.
func (r *StringReader) ReadRecord() ([]byte, error) {
	r.scratch = r.scratch[:0]
	inFragmentedRecord := false
	end := uint64(len(r.data))

	for r.cursor < end {
		avail := end - r.cursor
		if avail < HeaderSize {
			return nil, io.EOF
		}
		buf := r.data[r.cursor:]

		length := uint64(buf[4]) | uint64(buf[5])<<8 | uint64(buf[6])<<16
		recordType := RecordType(buf[7])
		if recordType > maxRecordType {
			recordType = InvalidType
		}
		if HeaderSize+length > avail {
			recordType = InvalidType
		}

		if recordType != InvalidType {
			expected := checksum.Unmask(encoding.DecodeFixed32(buf[:4]))
			actual := checksum.Value(buf[7 : 7+1+length])
			if actual != expected {
				r.logger.Errorf(logging.NSCommit+"corrupt crc len=%d type=%d cursor=%d end=%d",
					length, buf[7], r.cursor, end)
				recordType = InvalidType
			}
		}

		// Advance to the next LBA boundary past this record.
		r.cursor += ((length + HeaderSize + r.lbaSize - 1) / r.lbaSize) * r.lbaSize

		switch recordType {
		case FullType:
			r.scratch = append(r.scratch[:0], buf[HeaderSize:HeaderSize+length]...)
			return r.scratch, nil
		case FirstType:
			r.scratch = append(r.scratch[:0], buf[HeaderSize:HeaderSize+length]...)
			inFragmentedRecord = true
		case MiddleType:
			if !inFragmentedRecord {
				r.logger.Warnf(logging.NSCommit + "dropping orphan middle fragment")
				continue
			}
			r.scratch = append(r.scratch, buf[HeaderSize:HeaderSize+length]...)
		case LastType:
			if !inFragmentedRecord {
				r.logger.Warnf(logging.NSCommit + "dropping orphan last fragment")
				continue
			}
			r.scratch = append(r.scratch, buf[HeaderSize:HeaderSize+length]...)
			return r.scratch, nil
		default:
			r.scratch = r.scratch[:0]
			return nil, io.EOF
		}
	}
	return nil, io.EOF
}
