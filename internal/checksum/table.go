// table.go provides the content checksum appended to every built SSTable.
package checksum

import (
	"github.com/zeebo/xxh3"
)

// TableChecksumSize is the byte size of a table content checksum.
const TableChecksumSize = 8

// TableChecksum computes the 64-bit XXH3 content checksum of an encoded
// table. It is appended to the table body and verified on read.
func TableChecksum(data []byte) uint64 {
	return xxh3.Hash(data)
}
