// manager.go implements the table manager: one L0 table store per lane plus
// the shared LN store, with the zone-range division between them.
package sstable

import (
	"fmt"
	"strings"

	"github.com/aalhour/zonekv/internal/dbformat"
	"github.com/aalhour/zonekv/internal/logging"
	"github.com/aalhour/zonekv/internal/manifest"
	"github.com/aalhour/zonekv/internal/memtable"
	"github.com/aalhour/zonekv/internal/zns"
)

// Manager owns the table stores of every level and dispatches operations by
// level and lane.
type Manager struct {
	info   zns.DeviceInfo
	cfg    Config
	logger logging.Logger

	lanes []*L0Table
	ln    *LNTable

	// laneRanges[i] and lnRange hold the zone bounds of each store.
	laneRanges [][2]uint64
	lnRange    [2]uint64
}

// NewManager divides the zone range [minZone, maxZone) between the L0 lanes
// and LN, and creates the table stores.
//
// The L0 zone budget is split evenly across lanes; LN takes the remainder.
func NewManager(dev zns.Device, minZone, maxZone uint64, cfg Config) (*Manager, error) {
	logger := logging.OrDefault(cfg.Logger)
	if cfg.Lanes == 0 {
		return nil, fmt.Errorf("%w: zero lanes", ErrInvalidArgument)
	}
	numZones := maxZone - minZone
	if minZone > maxZone || numZones < 2*cfg.MinZonesPerLevel {
		logger.Errorf(logging.NSL0+"not enough zones assigned %d/%d", numZones, 2*cfg.MinZonesPerLevel)
		return nil, fmt.Errorf("%w: %d zones for L0+LN", ErrInvalidArgument, numZones)
	}

	m := &Manager{
		info:   dev.Info(),
		cfg:    cfg,
		logger: logger,
	}

	// Distribute zones for L0.
	zoneHead := minZone
	zoneStep := cfg.L0Zones
	if zoneStep < cfg.MinZonesPerLevel {
		zoneStep = cfg.MinZonesPerLevel
	}
	zoneStep /= uint64(cfg.Lanes)
	if zoneStep == 0 {
		return nil, fmt.Errorf("%w: %d L0 zones across %d lanes", ErrInvalidArgument, cfg.L0Zones, cfg.Lanes)
	}
	for i := uint8(0); i < cfg.Lanes; i++ {
		lane, err := NewL0Table(dev, zoneHead, zoneHead+zoneStep, cfg)
		if err != nil {
			return nil, err
		}
		m.lanes = append(m.lanes, lane)
		m.laneRanges = append(m.laneRanges, [2]uint64{zoneHead, zoneHead + zoneStep})
		zoneHead += zoneStep
	}

	// LN gets the remainder.
	if maxZone-zoneHead < cfg.MinZonesPerLevel {
		return nil, fmt.Errorf("%w: %d zones left for LN", ErrInvalidArgument, maxZone-zoneHead)
	}
	ln, err := NewLNTable(dev, zoneHead, maxZone, cfg)
	if err != nil {
		return nil, err
	}
	m.ln = ln
	m.lnRange = [2]uint64{zoneHead, maxZone}
	return m, nil
}

// Lanes returns the number of parallel L0 logs.
func (m *Manager) Lanes() uint8 {
	return uint8(len(m.lanes))
}

// tableFor resolves the store holding a table.
func (m *Manager) tableFor(level uint8, meta *manifest.Meta) (SSTable, error) {
	if level >= manifest.MaxLevels {
		return nil, fmt.Errorf("%w: level %d", ErrInvalidArgument, level)
	}
	if level == 0 {
		if int(meta.L0.LogNumber) >= len(m.lanes) {
			return nil, fmt.Errorf("%w: lane %d of %d", ErrInvalidArgument, meta.L0.LogNumber, len(m.lanes))
		}
		return m.lanes[meta.L0.LogNumber], nil
	}
	return m.ln, nil
}

// Get looks up key in the table described by meta.
func (m *Manager) Get(level uint8, icmp dbformat.InternalKeyComparator, key []byte, meta *manifest.Meta) ([]byte, EntryStatus, error) {
	table, err := m.tableFor(level, meta)
	if err != nil {
		return nil, EntryNotFound, err
	}
	return table.Get(icmp, key, meta)
}

// ReadSSTable reads the whole table described by meta into memory.
func (m *Manager) ReadSSTable(level uint8, meta *manifest.Meta) ([]byte, error) {
	table, err := m.tableFor(level, meta)
	if err != nil {
		return nil, err
	}
	return table.ReadSSTable(meta)
}

// NewIterator returns an iterator over the table described by meta.
func (m *Manager) NewIterator(level uint8, meta *manifest.Meta, cmp dbformat.Comparator) (Iterator, error) {
	table, err := m.tableFor(level, meta)
	if err != nil {
		return nil, err
	}
	return table.NewIterator(meta, cmp)
}

// NewBuilder returns a builder for a table at the given level.
func (m *Manager) NewBuilder(level uint8, meta *manifest.Meta) (*TableBuilder, error) {
	table, err := m.tableFor(level, meta)
	if err != nil {
		return nil, err
	}
	return table.NewBuilder(meta), nil
}

// GetL0Log returns the L0 store of one lane.
func (m *Manager) GetL0Log(lane uint8) (*L0Table, error) {
	if int(lane) >= len(m.lanes) {
		return nil, fmt.Errorf("%w: lane %d of %d", ErrInvalidArgument, lane, len(m.lanes))
	}
	return m.lanes[lane], nil
}

// LN returns the LN store.
func (m *Manager) LN() *LNTable {
	return m.ln
}

// FlushMemTable flushes a memtable into the given lane's L0 log.
func (m *Manager) FlushMemTable(mem *memtable.MemTable, metas *[]manifest.Meta, lane uint8) error {
	log, err := m.GetL0Log(lane)
	if err != nil {
		return err
	}
	return log.FlushMemTable(mem, metas, lane)
}

// DeleteL0Tables distributes the victims across their lanes and attempts
// tail reclamation in each; tables that cannot be reclaimed are returned.
func (m *Manager) DeleteL0Tables(metasToDelete []*manifest.Meta) (remaining []*manifest.Meta, err error) {
	if len(m.lanes) == 1 {
		remaining, err = m.lanes[0].TryInvalidateZones(metasToDelete)
		if err != nil {
			m.logger.Errorf(logging.NSL0+"resetting tables from L0-0 log: %v", err)
		}
		return remaining, err
	}
	for lane := range m.lanes {
		var metasForLog []*manifest.Meta
		for _, meta := range metasToDelete {
			if int(meta.L0.LogNumber) == lane {
				metasForLog = append(metasForLog, meta)
			}
		}
		if len(metasForLog) == 0 {
			continue
		}
		laneRemaining, laneErr := m.lanes[lane].TryInvalidateZones(metasForLog)
		remaining = append(remaining, laneRemaining...)
		if laneErr != nil {
			m.logger.Errorf(logging.NSL0+"resetting tables from L0 log %d: %v", lane, laneErr)
			return remaining, laneErr
		}
	}
	return remaining, nil
}

// DeleteLNTable releases the storage of one LN table.
func (m *Manager) DeleteLNTable(level uint8, meta *manifest.Meta) error {
	if level == 0 || level >= manifest.MaxLevels {
		m.logger.Errorf(logging.NSLN+"invalid level %d for LN delete", level)
		return fmt.Errorf("%w: level %d", ErrInvalidArgument, level)
	}
	return m.ln.InvalidateSSZone(meta)
}

// CopySSTable moves a table's content to LN.
// Tables already in LN are copied lazily: only the metadata moves.
func (m *Manager) CopySSTable(fromLevel, toLevel uint8, meta *manifest.Meta) (*manifest.Meta, error) {
	if toLevel == 0 || toLevel >= manifest.MaxLevels {
		return nil, fmt.Errorf("%w: copy to level %d", ErrInvalidArgument, toLevel)
	}
	newMeta := meta.Copy()
	if fromLevel != 0 {
		// All LN levels share one store; nothing to rewrite.
		return &newMeta, nil
	}
	content, err := m.ReadSSTable(fromLevel, meta)
	if err != nil || len(content) == 0 {
		m.logger.Errorf(logging.NSL0 + "table cannot be read or is empty")
		if err == nil {
			err = fmt.Errorf("%w: empty table %d", ErrCorruption, meta.Number)
		}
		return nil, err
	}
	if err := m.ln.WriteSSTable(content, &newMeta); err != nil {
		return nil, err
	}
	return &newMeta, nil
}

// RecoverL0 rebuilds every lane's log pointers.
func (m *Manager) RecoverL0() error {
	for i, lane := range m.lanes {
		if err := lane.Recover(); err != nil {
			m.logger.Errorf(logging.NSRecovery+"cannot recover L0-%d: %v", i, err)
			return err
		}
	}
	return nil
}

// RecoverLN replays the LN store's persisted zone map.
func (m *Manager) RecoverLN(recoveryData []byte) error {
	if err := m.ln.RecoverFrom(recoveryData); err != nil {
		m.logger.Errorf(logging.NSRecovery+"cannot recover LN: %v", err)
		return err
	}
	return nil
}

// Recover rebuilds all stores. If L0 fails, LN is not attempted.
func (m *Manager) Recover(recoveryData []byte) error {
	if err := m.RecoverL0(); err != nil {
		return err
	}
	return m.RecoverLN(recoveryData)
}

// GetRecoveryData serializes the LN store's zone map for the manifest.
func (m *Manager) GetRecoveryData() []byte {
	return m.ln.Encode()
}

// EnoughSpaceAvailable reports whether content of the given byte size fits
// at the given level.
func (m *Manager) EnoughSpaceAvailable(level uint8, size uint64) bool {
	if level == 0 {
		for _, lane := range m.lanes {
			if !lane.EnoughSpaceAvailable(size) {
				return false
			}
		}
		return true
	}
	return m.ln.EnoughSpaceAvailable(size)
}

// GetFractionFilled returns the used fraction of a level's store.
func (m *Manager) GetFractionFilled(level uint8) float64 {
	var availableLBAs, totalLBAs uint64
	if level == 0 {
		for i, lane := range m.lanes {
			availableLBAs += lane.SpaceAvailable() / m.info.LBASize
			totalLBAs += (m.laneRanges[i][1] - m.laneRanges[i][0]) * m.info.ZoneCap
		}
	} else {
		availableLBAs = m.ln.SpaceAvailable() / m.info.LBASize
		totalLBAs = (m.lnRange[1] - m.lnRange[0]) * m.info.ZoneCap
	}
	if totalLBAs == 0 {
		return 0
	}
	return float64(totalLBAs-availableLBAs) / float64(totalLBAs)
}

// SpaceRemainingL0 returns the free LBAs of one lane.
func (m *Manager) SpaceRemainingL0(lane uint8) (uint64, error) {
	log, err := m.GetL0Log(lane)
	if err != nil {
		return 0, err
	}
	return log.SpaceAvailable() / m.info.LBASize, nil
}

// SpaceRemainingLN returns the free LBAs of the LN store.
func (m *Manager) SpaceRemainingLN() uint64 {
	return m.ln.SpaceAvailable() / m.info.LBASize
}

// BytesInLevel sums the device bytes occupied by the given tables.
func (m *Manager) BytesInLevel(metas []*manifest.Meta) uint64 {
	total := uint64(0)
	for _, meta := range metas {
		total += meta.LbaCount * m.info.LBASize
	}
	return total
}

// IODiagnostics snapshots the I/O counters of every store.
func (m *Manager) IODiagnostics() []zns.Diagnostics {
	var diags []zns.Diagnostics
	for i, lane := range m.lanes {
		d := lane.Diagnostics()
		d.Name = fmt.Sprintf("L0-%d", i)
		diags = append(diags, d)
	}
	diags = append(diags, m.ln.Diagnostics())
	return diags
}

// LayoutDivisionString renders the zone division for diagnostics output.
func (m *Manager) LayoutDivisionString() string {
	var b strings.Builder
	for i, r := range m.laneRanges {
		fmt.Fprintf(&b, "%-15s%25d%25d\n", fmt.Sprintf("L0-%d", i), r[0], r[1])
	}
	fmt.Fprintf(&b, "%-15s%25d%25d\n", "LN", m.lnRange[0], m.lnRange[1])
	return b.String()
}

// FindSSTableIndex binary searches a sorted meta list for the first table
// whose largest user key is >= key.
func FindSSTableIndex(cmp dbformat.Comparator, metas []*manifest.Meta, key []byte) int {
	left, right := 0, len(metas)
	for left < right {
		mid := (left + right) / 2
		if cmp.Compare(dbformat.ExtractUserKey(metas[mid].Largest), dbformat.ExtractUserKey(key)) < 0 {
			left = mid + 1
		} else {
			right = mid
		}
	}
	return right
}
