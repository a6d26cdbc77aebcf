package commit

import (
	"bytes"
	"errors"
	"io"
	"math/rand"
	"testing"

	"github.com/aalhour/zonekv/internal/logging"
	"github.com/aalhour/zonekv/internal/zns"
)

func testDevice(t *testing.T, lbaSize, zoneCap, zoneCount uint64) *zns.MemDevice {
	t.Helper()
	dev, err := zns.NewMemDevice(zns.DeviceInfo{
		LBASize:   lbaSize,
		ZoneCap:   zoneCap,
		ZoneCount: zoneCount,
		ZASL:      lbaSize * 16,
		MDTS:      lbaSize * 32,
	})
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	return dev
}

func testCommitter(t *testing.T, lbaSize, zoneCap, zoneCount uint64, keepBuffer bool) *Committer {
	t.Helper()
	dev := testDevice(t, lbaSize, zoneCap, zoneCount)
	log, err := zns.NewCircularLog(dev, 0, zoneCount, 4, logging.Discard)
	if err != nil {
		t.Fatalf("NewCircularLog: %v", err)
	}
	return NewCommitter(log, keepBuffer, logging.Discard)
}

func randomPayload(n int, seed int64) []byte {
	r := rand.New(rand.NewSource(seed))
	p := make([]byte, n)
	r.Read(p)
	return p
}

func TestSpaceNeededProperties(t *testing.T) {
	c := testCommitter(t, 4096, 64, 8, false)
	sizes := []uint64{0, 1, 100, 4087, 4088, 4089, 4096, 12345, 1 << 20}
	for _, n := range sizes {
		needed := c.SpaceNeeded(n)
		if needed%4096 != 0 {
			t.Errorf("SpaceNeeded(%d) = %d, not LBA aligned", n, needed)
		}
		if needed < n+HeaderSize {
			t.Errorf("SpaceNeeded(%d) = %d < n + header", n, needed)
		}
	}
	if got := c.SpaceNeeded(0); got != 4096 {
		t.Errorf("SpaceNeeded(0) = %d, want one LBA", got)
	}
}

func TestSingleLaneRoundTrip(t *testing.T) {
	// lba_size=4096, zone_cap=64; payload lengths {1, 100, 4088, 4089, 12345}.
	c := testCommitter(t, 4096, 64, 8, false)

	payloads := [][]byte{
		randomPayload(1, 1),
		randomPayload(100, 2),
		randomPayload(4088, 3),
		randomPayload(4089, 4),
		randomPayload(12345, 5),
	}
	var total uint64
	for i, p := range payloads {
		lbas, err := c.Commit(p)
		if err != nil {
			t.Fatalf("Commit(payload %d): %v", i, err)
		}
		total += lbas
	}

	r, err := c.NewReader(0, 0, total)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	for i, want := range payloads {
		got, err := r.ReadRecord()
		if err != nil {
			t.Fatalf("ReadRecord %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("record %d differs: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Errorf("after last record err = %v, want io.EOF", err)
	}
}

func TestFragmentTypes(t *testing.T) {
	// lba_size=512: payload-per-LBA is 504, so a 1500-byte payload becomes
	// three records typed First, Middle, Last.
	c := testCommitter(t, 512, 64, 8, false)
	payload := randomPayload(1500, 7)

	enc := c.CommitToBuffer(payload)
	if len(enc) != 3*512 {
		t.Fatalf("encoded size = %d, want 3 LBAs", len(enc))
	}
	types := []RecordType{RecordType(enc[7]), RecordType(enc[512+7]), RecordType(enc[1024+7])}
	want := []RecordType{FirstType, MiddleType, LastType}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("fragment %d type = %s, want %s", i, types[i], want[i])
		}
	}

	r := c.NewStringReader(enc)
	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Error("fragmented payload did not reassemble")
	}
}

func TestBoundaryPayloads(t *testing.T) {
	c := testCommitter(t, 4096, 64, 16, false)

	t.Run("Empty", func(t *testing.T) {
		enc := c.CommitToBuffer(nil)
		if len(enc) != 4096 {
			t.Fatalf("encoded size = %d, want one LBA", len(enc))
		}
		if RecordType(enc[7]) != FullType {
			t.Errorf("type = %s, want FullType", RecordType(enc[7]))
		}
		if enc[4] != 0 || enc[5] != 0 || enc[6] != 0 {
			t.Error("length field not zero")
		}
		r := c.NewStringReader(enc)
		got, err := r.ReadRecord()
		if err != nil || len(got) != 0 {
			t.Errorf("ReadRecord = (%d bytes, %v)", len(got), err)
		}
	})

	t.Run("ExactFit", func(t *testing.T) {
		p := randomPayload(4096-HeaderSize, 11)
		enc := c.CommitToBuffer(p)
		if len(enc) != 4096 {
			t.Fatalf("encoded size = %d, want one LBA", len(enc))
		}
		if RecordType(enc[7]) != FullType {
			t.Errorf("type = %s, want FullType", RecordType(enc[7]))
		}
	})

	t.Run("OneOver", func(t *testing.T) {
		p := randomPayload(4096-HeaderSize+1, 12)
		enc := c.CommitToBuffer(p)
		if len(enc) != 2*4096 {
			t.Fatalf("encoded size = %d, want two LBAs", len(enc))
		}
		if RecordType(enc[7]) != FirstType || RecordType(enc[4096+7]) != LastType {
			t.Error("expected First then Last")
		}
		r := c.NewStringReader(enc)
		got, err := r.ReadRecord()
		if err != nil || !bytes.Equal(got, p) {
			t.Errorf("round trip failed: %v", err)
		}
	})
}

func TestDeviceEmptyPayloadDoesNotStall(t *testing.T) {
	c := testCommitter(t, 4096, 64, 8, false)
	if _, err := c.Commit(nil); err != nil {
		t.Fatalf("Commit(nil): %v", err)
	}
	if _, err := c.Commit([]byte("after")); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	r, err := c.NewReader(0, 0, 2)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	got, err := r.ReadRecord()
	if err != nil || len(got) != 0 {
		t.Fatalf("first record = (%d bytes, %v), want empty", len(got), err)
	}
	got, err = r.ReadRecord()
	if err != nil || string(got) != "after" {
		t.Fatalf("second record = (%q, %v)", got, err)
	}
	if _, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestCRCCorruptionTerminatesIteration(t *testing.T) {
	// Write a fragmented payload, flip a byte in the middle fragment, and
	// expect the reader to stop without emitting anything.
	lbaSize := uint64(512)
	c := testCommitter(t, lbaSize, 64, 8, false)
	payload := randomPayload(1500, 21)
	lbas, err := c.Commit(payload)
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if lbas != 3 {
		t.Fatalf("lbas = %d, want 3", lbas)
	}

	// Corrupt one payload byte of the Middle record in a freshly encoded
	// copy and append that copy to a second, empty log.
	dev := testDevice(t, lbaSize, 64, 8)
	log, err := zns.NewCircularLog(dev, 0, 8, 4, logging.Discard)
	if err != nil {
		t.Fatalf("NewCircularLog: %v", err)
	}
	c2 := NewCommitter(log, false, logging.Discard)
	enc := c2.CommitToBuffer(payload)
	enc[lbaSize+HeaderSize+10] ^= 0x01
	if _, err := log.Append(enc); err != nil {
		t.Fatalf("Append: %v", err)
	}

	r, err := c2.NewReader(0, 0, 3)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	if rec, err := r.ReadRecord(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadRecord = (%d bytes, %v), want io.EOF", len(rec), err)
	}
}

func TestBitFlipNeverYieldsWrongPayload(t *testing.T) {
	c := testCommitter(t, 512, 64, 8, false)
	payload := randomPayload(700, 33) // First + Last
	enc := c.CommitToBuffer(payload)

	for i := 0; i < len(enc); i++ {
		for bit := uint(0); bit < 8; bit += 3 {
			corrupted := append([]byte{}, enc...)
			corrupted[i] ^= 1 << bit
			r := c.NewStringReader(corrupted)
			for {
				rec, err := r.ReadRecord()
				if err != nil {
					break
				}
				if !bytes.Equal(rec, payload) {
					// A flip confined to zero padding keeps the
					// record bytes intact; anything else must not
					// decode to a different payload.
					t.Fatalf("byte %d bit %d: decoder returned a wrong payload", i, bit)
				}
			}
		}
	}
}

func TestSequentialCommitsKeepOrder(t *testing.T) {
	c := testCommitter(t, 4096, 64, 8, true)
	p1 := randomPayload(300, 41)
	p2 := randomPayload(9000, 42)

	lbas1, err := c.Commit(p1)
	if err != nil {
		t.Fatalf("Commit p1: %v", err)
	}
	lbas2, err := c.Commit(p2)
	if err != nil {
		t.Fatalf("Commit p2: %v", err)
	}

	r, err := c.NewReader(1, 0, lbas1+lbas2)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()
	got1, err := r.ReadRecord()
	if err != nil || !bytes.Equal(got1, p1) {
		t.Fatalf("first record mismatch: %v", err)
	}
	got2, err := r.ReadRecord()
	if err != nil || !bytes.Equal(got2, p2) {
		t.Fatalf("second record mismatch: %v", err)
	}
}

func TestSafeCommitNoSpace(t *testing.T) {
	c := testCommitter(t, 512, 8, 2, false) // 16 LBAs total
	big := randomPayload(16*512, 51)
	if _, err := c.SafeCommit(big); !errors.Is(err, ErrNoSpace) {
		t.Errorf("err = %v, want ErrNoSpace", err)
	}
	// A fitting payload still commits.
	if _, err := c.SafeCommit(randomPayload(500, 52)); err != nil {
		t.Errorf("SafeCommit: %v", err)
	}
}

func TestNewReaderValidation(t *testing.T) {
	c := testCommitter(t, 512, 8, 4, false)
	if _, err := c.NewReader(0, 5, 5); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty range err = %v, want ErrInvalidArgument", err)
	}
	if _, err := c.NewReader(9, 0, 5); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad slot err = %v, want ErrInvalidArgument", err)
	}
}

func TestOrphanFragmentsResync(t *testing.T) {
	c := testCommitter(t, 512, 64, 8, false)
	payload := randomPayload(1500, 61) // First, Middle, Last
	enc := c.CommitToBuffer(payload)
	full := c.CommitToBuffer([]byte("whole"))

	// Drop the First fragment: the reader must skip the orphan Middle and
	// Last and then deliver the following Full record.
	stream := append(append([]byte{}, enc[512:]...), full...)
	r := c.NewStringReader(stream)
	got, err := r.ReadRecord()
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if string(got) != "whole" {
		t.Errorf("record = %q, want %q", got, "whole")
	}
}

func TestKeepBufferReuse(t *testing.T) {
	c := testCommitter(t, 512, 64, 8, true)
	if _, err := c.Commit(randomPayload(2000, 71)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c.writeBuf == nil {
		t.Fatal("keepBuffer did not retain the write buffer")
	}
	before := cap(c.writeBuf)
	if _, err := c.Commit(randomPayload(600, 72)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if cap(c.writeBuf) != before {
		t.Error("keepBuffer reallocated a smaller commit")
	}

	c2 := testCommitter(t, 512, 64, 8, false)
	if _, err := c2.Commit(randomPayload(100, 73)); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if c2.writeBuf != nil {
		t.Error("write buffer retained with keepBuffer disabled")
	}
}

func TestRecordTypeString(t *testing.T) {
	tests := []struct {
		t    RecordType
		want string
	}{
		{InvalidType, "InvalidType"},
		{FullType, "FullType"},
		{FirstType, "FirstType"},
		{MiddleType, "MiddleType"},
		{LastType, "LastType"},
		{RecordType(200), "UnknownType"},
	}
	for _, tt := range tests {
		if got := tt.t.String(); got != tt.want {
			t.Errorf("RecordType(%d).String() = %q, want %q", tt.t, got, tt.want)
		}
	}
}
