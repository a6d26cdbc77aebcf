package sstable

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/manifest"
	"github.com/aalhour/zonekv/internal/memtable"
	"github.com/aalhour/zonekv/internal/zns"
)

func newTestManager(t *testing.T, lanes uint8, zones uint64) *Manager {
	t.Helper()
	dev, err := zns.NewMemDevice(zns.DeviceInfo{
		LBASize:   512,
		ZoneCap:   8,
		ZoneCount: zones,
		ZASL:      2048,
		MDTS:      4096,
	})
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	cfg := testL0Config()
	cfg.Lanes = lanes
	cfg.L0Zones = 8
	cfg.MinZonesPerLevel = 2
	m, err := NewManager(dev, 0, zones, cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m
}

func TestManagerZoneDivision(t *testing.T) {
	m := newTestManager(t, 2, 16)
	if m.Lanes() != 2 {
		t.Fatalf("Lanes = %d", m.Lanes())
	}
	// Two lanes of 4 zones each, LN takes zones 8..16.
	layout := m.LayoutDivisionString()
	for _, want := range []string{"L0-0", "L0-1", "LN"} {
		if !strings.Contains(layout, want) {
			t.Errorf("layout missing %q:\n%s", want, layout)
		}
	}
	if m.lnRange != [2]uint64{8, 16} {
		t.Errorf("LN range = %v", m.lnRange)
	}
}

func TestManagerRejectsTightRanges(t *testing.T) {
	dev, err := zns.NewMemDevice(zns.DeviceInfo{
		LBASize: 512, ZoneCap: 8, ZoneCount: 16, ZASL: 2048, MDTS: 4096,
	})
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	cfg := testL0Config()
	cfg.MinZonesPerLevel = 5
	if _, err := NewManager(dev, 0, 8, cfg); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("err = %v, want ErrInvalidArgument", err)
	}
	cfg.Lanes = 0
	if _, err := NewManager(dev, 0, 16, cfg); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero lanes err = %v, want ErrInvalidArgument", err)
	}
}

func TestManagerFlushAndGetPerLane(t *testing.T) {
	m := newTestManager(t, 2, 24)
	icmp := dbformat.NewInternalKeyComparator(nil)

	for lane := uint8(0); lane < 2; lane++ {
		mem := memtable.NewMemTable(nil)
		key := fmt.Sprintf("lane%d-key", lane)
		mem.Add(1, dbformat.TypeValue, []byte(key), []byte("value"))
		var metas []manifest.Meta
		if err := m.FlushMemTable(mem, &metas, lane); err != nil {
			t.Fatalf("FlushMemTable(lane %d): %v", lane, err)
		}
		if len(metas) != 1 || metas[0].L0.LogNumber != lane {
			t.Fatalf("lane %d metas = %+v", lane, metas)
		}

		lookup := dbformat.MakeInternalKey([]byte(key), dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
		v, status, err := m.Get(0, icmp, lookup, &metas[0])
		if err != nil || status != EntryFound || string(v) != "value" {
			t.Errorf("Get(lane %d) = (%q, %v, %v)", lane, v, status, err)
		}
	}
}

func TestManagerDispatchValidation(t *testing.T) {
	m := newTestManager(t, 1, 16)
	meta := &manifest.Meta{}
	if _, err := m.ReadSSTable(manifest.MaxLevels, meta); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad level err = %v", err)
	}
	meta.L0.LogNumber = 5
	if _, err := m.ReadSSTable(0, meta); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("bad lane err = %v", err)
	}
	if err := m.DeleteLNTable(0, meta); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("LN delete at level 0 err = %v", err)
	}
}

func TestManagerCopySSTableToLN(t *testing.T) {
	m := newTestManager(t, 1, 24)
	icmp := dbformat.NewInternalKeyComparator(nil)

	mem := memtable.NewMemTable(nil)
	for i := 0; i < 20; i++ {
		mem.Add(dbformat.SequenceNumber(i+1), dbformat.TypeValue,
			fmt.Appendf(nil, "copy%03d", i), []byte("v"))
	}
	var metas []manifest.Meta
	if err := m.FlushMemTable(mem, &metas, 0); err != nil {
		t.Fatalf("FlushMemTable: %v", err)
	}

	newMeta, err := m.CopySSTable(0, 1, &metas[0])
	if err != nil {
		t.Fatalf("CopySSTable: %v", err)
	}
	if newMeta.LN.Regions == 0 {
		t.Error("copied table has no LN regions")
	}

	lookup := dbformat.MakeInternalKey([]byte("copy005"), dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
	v, status, err := m.Get(1, icmp, lookup, newMeta)
	if err != nil || status != EntryFound || string(v) != "v" {
		t.Errorf("Get from LN copy = (%q, %v, %v)", v, status, err)
	}

	// LN to LN copies are lazy: same location, fresh metadata.
	again, err := m.CopySSTable(1, 2, newMeta)
	if err != nil {
		t.Fatalf("LN copy: %v", err)
	}
	if again.LN != newMeta.LN {
		t.Error("lazy copy moved the table")
	}
}

func TestManagerDeleteL0DistributesAcrossLanes(t *testing.T) {
	m := newTestManager(t, 2, 24)

	var all []*manifest.Meta
	for lane := uint8(0); lane < 2; lane++ {
		log, err := m.GetL0Log(lane)
		if err != nil {
			t.Fatalf("GetL0Log: %v", err)
		}
		// One whole zone per lane (8 LBAs).
		meta := &manifest.Meta{Number: uint64(lane + 1)}
		if err := log.WriteSSTable(rawTable(8, byte(lane)), meta); err != nil {
			t.Fatalf("WriteSSTable: %v", err)
		}
		meta.L0.LogNumber = lane
		all = append(all, meta)
	}

	remaining, err := m.DeleteL0Tables(all)
	if err != nil {
		t.Fatalf("DeleteL0Tables: %v", err)
	}
	if len(remaining) != 0 {
		t.Errorf("remaining = %d", len(remaining))
	}
	for lane := uint8(0); lane < 2; lane++ {
		log, _ := m.GetL0Log(lane)
		if d := log.Diagnostics(); d.ZoneResets != 1 {
			t.Errorf("lane %d zone resets = %d, want 1", lane, d.ZoneResets)
		}
	}
}

func TestManagerSpaceAndDiagnostics(t *testing.T) {
	m := newTestManager(t, 1, 16)
	if f := m.GetFractionFilled(0); f != 0 {
		t.Errorf("empty L0 fraction = %f", f)
	}
	if f := m.GetFractionFilled(1); f != 0 {
		t.Errorf("empty LN fraction = %f", f)
	}
	if !m.EnoughSpaceAvailable(0, 512) || !m.EnoughSpaceAvailable(1, 512) {
		t.Error("empty stores report no space")
	}

	log, _ := m.GetL0Log(0)
	meta := &manifest.Meta{Number: 1}
	if err := log.WriteSSTable(rawTable(8, 1), meta); err != nil {
		t.Fatalf("WriteSSTable: %v", err)
	}
	if f := m.GetFractionFilled(0); f <= 0 {
		t.Errorf("fraction after write = %f", f)
	}
	free, err := m.SpaceRemainingL0(0)
	if err != nil || free == 0 {
		t.Errorf("SpaceRemainingL0 = (%d, %v)", free, err)
	}
	if m.SpaceRemainingLN() == 0 {
		t.Error("SpaceRemainingLN = 0")
	}
	if got := m.BytesInLevel([]*manifest.Meta{meta}); got != 8*512 {
		t.Errorf("BytesInLevel = %d", got)
	}

	diags := m.IODiagnostics()
	if len(diags) != 2 || diags[0].Name != "L0-0" || diags[1].Name != "LN" {
		t.Errorf("diagnostics = %+v", diags)
	}
	if diags[0].AppendOps == 0 {
		t.Error("L0 diagnostics saw no appends")
	}
}

func TestManagerRecoveryRoundTrip(t *testing.T) {
	dev, err := zns.NewMemDevice(zns.DeviceInfo{
		LBASize: 512, ZoneCap: 8, ZoneCount: 24, ZASL: 2048, MDTS: 4096,
	})
	if err != nil {
		t.Fatalf("NewMemDevice: %v", err)
	}
	cfg := testL0Config()
	cfg.Lanes = 1
	cfg.L0Zones = 8
	cfg.MinZonesPerLevel = 2
	m, err := NewManager(dev, 0, 24, cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	log, _ := m.GetL0Log(0)
	l0meta := &manifest.Meta{Number: 1}
	if err := log.WriteSSTable(rawTable(8, 0x55), l0meta); err != nil {
		t.Fatalf("WriteSSTable: %v", err)
	}
	lnContent := bytes.Repeat([]byte{0x66}, 8*512)
	lnMeta := &manifest.Meta{Number: 2}
	if err := m.LN().WriteSSTable(lnContent, lnMeta); err != nil {
		t.Fatalf("LN WriteSSTable: %v", err)
	}
	recovery := m.GetRecoveryData()

	reopened, err := NewManager(dev, 0, 24, cfg)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := reopened.Recover(recovery); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	relog, _ := reopened.GetL0Log(0)
	if relog.GetHead() != 8 {
		t.Errorf("recovered L0 head = %d", relog.GetHead())
	}
	if reopened.LN().SpaceAvailable() != m.LN().SpaceAvailable() {
		t.Error("recovered LN space differs")
	}
}

func TestFindSSTableIndex(t *testing.T) {
	var metas []*manifest.Meta
	for i := 0; i < 5; i++ {
		m := &manifest.Meta{Number: uint64(i)}
		m.Smallest = dbformat.MakeInternalKey(fmt.Appendf(nil, "k%d0", i), 1, dbformat.TypeValue)
		m.Largest = dbformat.MakeInternalKey(fmt.Appendf(nil, "k%d9", i), 1, dbformat.TypeValue)
		metas = append(metas, m)
	}
	if !sort.SliceIsSorted(metas, func(i, j int) bool {
		return bytes.Compare(metas[i].Largest, metas[j].Largest) < 0
	}) {
		t.Fatal("test metas not sorted")
	}

	lookup := func(key string) int {
		ik := dbformat.MakeInternalKey([]byte(key), 1, dbformat.TypeValue)
		return FindSSTableIndex(dbformat.BytewiseComparator, metas, ik)
	}
	if got := lookup("k05"); got != 0 {
		t.Errorf("FindSSTableIndex(k05) = %d, want 0", got)
	}
	if got := lookup("k25"); got != 2 {
		t.Errorf("FindSSTableIndex(k25) = %d, want 2", got)
	}
	if got := lookup("k45"); got != 4 {
		t.Errorf("FindSSTableIndex(k45) = %d, want 4", got)
	}
	if got := lookup("k99"); got != 5 {
		t.Errorf("FindSSTableIndex(k99) = %d, want len", got)
	}
}

func TestLNIteratorsAcrossTables(t *testing.T) {
	m := newTestManager(t, 1, 32)

	// Build two LN tables over disjoint key ranges.
	var metas []*manifest.Meta
	for tbl := 0; tbl < 2; tbl++ {
		meta := &manifest.Meta{Number: uint64(tbl + 1)}
		b := m.LN().NewBuilder(meta)
		for i := 0; i < 10; i++ {
			key := dbformat.MakeInternalKey(
				fmt.Appendf(nil, "t%d-%02d", tbl, i), dbformat.SequenceNumber(10*tbl+i+1), dbformat.TypeValue)
			if err := b.Apply(key, fmt.Appendf(nil, "v%d-%d", tbl, i)); err != nil {
				t.Fatalf("Apply: %v", err)
			}
		}
		if err := b.Finalise(); err != nil {
			t.Fatalf("Finalise: %v", err)
		}
		if err := b.Flush(); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		metas = append(metas, meta)
	}

	indexIter := NewLNZoneIterator(dbformat.BytewiseComparator, metas, 1)
	it := NewLNIterator(indexIter, m.GetLNIterator, nil)

	var keys []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		keys = append(keys, string(dbformat.ExtractUserKey(it.Key())))
	}
	if len(keys) != 20 {
		t.Fatalf("iterated %d keys, want 20", len(keys))
	}
	if !sort.StringsAreSorted(keys) {
		t.Error("keys not in order across tables")
	}
	if keys[0] != "t0-00" || keys[19] != "t1-09" {
		t.Errorf("boundary keys = %q, %q", keys[0], keys[19])
	}

	// Seek into the second table.
	target := dbformat.MakeInternalKey([]byte("t1-05"), dbformat.MaxSequenceNumber, dbformat.ValueTypeForSeek)
	it.Seek(target)
	if !it.Valid() {
		t.Fatal("Seek into second table invalid")
	}
	if got := string(dbformat.ExtractUserKey(it.Key())); got != "t1-05" {
		t.Errorf("Seek landed on %q", got)
	}
}

func TestLNHandleRoundTrip(t *testing.T) {
	m := &manifest.Meta{Number: 42, LbaCount: 24}
	m.LN.Regions = 2
	m.LN.LBAs = [manifest.MaxLBARegions]uint64{100, 300}
	m.LN.RegionSizes = [manifest.MaxLBARegions]uint64{16, 8}

	handle := EncodeLNHandle(m, 3)
	got, level, err := DecodeLNHandle(handle)
	if err != nil {
		t.Fatalf("DecodeLNHandle: %v", err)
	}
	if level != 3 || got.Number != 42 || got.LbaCount != 24 || got.LN != m.LN {
		t.Errorf("decoded = %+v level %d", got, level)
	}

	if _, _, err := DecodeLNHandle(handle[:5]); !errors.Is(err, ErrCorruption) {
		t.Errorf("short handle err = %v", err)
	}
}
