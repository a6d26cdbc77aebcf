// meta.go defines the per-SSTable zone metadata carried by version edits.
package manifest

// L0Location places an L0 table: one contiguous run in one of the parallel
// L0 logs.
type L0Location struct {
	// LBA is the first block of the run.
	LBA uint64

	// LogNumber selects the parallel L0 log the table lives in.
	// Not persisted in version edits; stamped by the flush driver.
	LogNumber uint8
}

// LNLocation places an LN table: up to MaxLBARegions contiguous regions,
// possibly spread across zones.
type LNLocation struct {
	// Regions is the number of live entries in LBAs and RegionSizes.
	Regions uint8

	// LBAs holds the first block of each region.
	LBAs [MaxLBARegions]uint64

	// RegionSizes holds the block count of each region.
	RegionSizes [MaxLBARegions]uint64
}

// Meta describes one SSTable: identity, location, extent, and key range.
type Meta struct {
	// Number is the monotonically assigned table number.
	Number uint64

	// Numbers is the entry count of the table.
	Numbers uint64

	// LbaCount is the total number of LBAs the table occupies.
	LbaCount uint64

	// L0 locates the table when it lives in level 0.
	L0 L0Location

	// LN locates the table when it lives in a higher level.
	LN LNLocation

	// Smallest and Largest bound the key range, in internal key form.
	Smallest []byte
	Largest  []byte
}

// Copy returns a deep copy of m.
func (m *Meta) Copy() Meta {
	out := *m
	out.Smallest = append([]byte(nil), m.Smallest...)
	out.Largest = append([]byte(nil), m.Largest...)
	return out
}
