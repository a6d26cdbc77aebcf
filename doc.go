// Package zonekv implements the storage core of a log-structured key-value
// engine for zoned block devices.
//
// A zoned device is divided into fixed-size zones that must be written
// sequentially and reset in whole-zone units. The core provides:
//
//   - A record commit codec that frames variable-length payloads into
//     CRC-protected, LBA-aligned records in a sequential zone log, and
//     reads them back under concurrent readers.
//   - L0 table stores: circular zone logs that stage flushed memtable
//     tables, bound read parallelism with a reader slot pool, optionally
//     defer table writes to a background worker, and reclaim space by
//     resetting whole zones at the log tail.
//   - An LN table store holding the higher levels in up to eight
//     contiguous zone regions per table.
//   - A version edit codec for the manifest's metadata deltas.
//
// The memtable, the manifest log itself, compaction planning, and the
// device driver are collaborators behind interfaces; see the Store type
// for the assembled core.
package zonekv
