package manifest

import (
	"bytes"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// TestVersionEditProperties round trips generated edits through the codec.
func TestVersionEditProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50

	properties := gopter.NewProperties(parameters)

	properties.Property("scalar fields survive the round trip", prop.ForAll(
		func(cmp string, seq, next uint64) bool {
			ve := NewVersionEdit()
			ve.SetComparatorName(cmp)
			ve.SetLastSequence(seq)
			ve.SetNextSSTableNumber(next)

			out := NewVersionEdit()
			if err := out.DecodeFrom(ve.EncodeTo()); err != nil {
				return false
			}
			return out.Comparator == cmp && out.LastSequence == seq && out.NextSSTableNumber == next
		},
		gen.AnyString(),
		gen.UInt64(),
		gen.UInt64(),
	))

	properties.Property("L0 tables survive the round trip", prop.ForAll(
		func(number, lba, count, entries uint64, smallest, largest []byte) bool {
			m := &Meta{
				Number:   number,
				Numbers:  entries,
				LbaCount: count,
				L0:       L0Location{LBA: lba},
				Smallest: smallest,
				Largest:  largest,
			}
			ve := NewVersionEdit()
			ve.AddTable(0, m)

			out := NewVersionEdit()
			if err := out.DecodeFrom(ve.EncodeTo()); err != nil {
				return false
			}
			if len(out.NewTables) != 1 {
				return false
			}
			got := out.NewTables[0].Meta
			return got.Number == number && got.L0.LBA == lba &&
				got.LbaCount == count && got.Numbers == entries &&
				bytes.Equal(got.Smallest, smallest) && bytes.Equal(got.Largest, largest)
		},
		gen.UInt64(),
		gen.UInt64(),
		gen.UInt64(),
		gen.UInt64(),
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.UInt8()),
	))

	properties.TestingRun(t)
}
