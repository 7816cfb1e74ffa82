// Package sstable implements the immutable, sorted on-disk run: Builder
// writes one (used by memtable flush and by compaction output), Reader
// opens one for point lookups and ordered range iteration. Most of the
// on-disk layout is bit-exact per the storage format spec:
//
//	Header:       4-byte magic "LSMT", 4-byte format version
//	Entries:      N x 9 bytes (key u32 LE, flag u8, value u32 LE)
//	Sparse index: M x 8 bytes (first_key u32 LE, block_offset u32 LE)
//	Bloom bits:   see below — NOT the spec's bit-exact ceil(m/8)-byte array
//	Footer:       40 bytes, see Footer below
//	Trailer:      8-byte footer-offset pointer at EOF-8
//
// The bloom section is the one deliberate departure from a literal reading
// of the spec's "ceil(m/8) bytes, little-endian within each byte" layout.
// This package writes a 4-byte k prefix (this implementation's own,
// predating the one described below) followed by whatever
// bits-and-blooms/bloom/v3's own Filter.WriteTo produces: its own 8-byte m
// and 8-byte k header, then the underlying bitset.BitSet's own 8-byte bit
// length followed by ceil(m/64) 8-byte big-endian words — not a packed
// byte array at all, and considerably larger than ceil(m/8) bytes for most
// m. The footer's "bloom_bits" field still records m (the filter's bit
// count, passed to ReadFilter when reconstructing the filter), but it does
// not describe the
// byte length of what follows — Reader derives that from BloomOffset and
// the trailer's footer offset instead of from bloom_bits. A reader written
// against the spec's literal byte layout (the explicit point of a
// language-independent format) cannot parse this section; see DESIGN.md's
// Open Questions for why this was kept rather than hand-rolled into a
// packed array.
package sstable

import "errors"

const (
	Magic         = "LSMT"
	FormatVersion = uint32(1)

	HeaderSize  = 8
	FooterSize  = 40
	TrailerSize = 8
)

// ID is the monotonically assigned identifier embedded in an SSTable's
// filename ("<id>.sst"). Ids are handed out in increasing order at flush
// and compaction time; among L0 tables, which come only from flushes, a
// higher id is the more recent write.
type ID uint64

var (
	ErrCorrupt      = errors.New("sstable: corrupt")
	ErrNonMonotonic = errors.New("sstable: non-monotonic key")
)

// Footer mirrors the 40-byte on-disk footer.
type Footer struct {
	EntryCount  uint64
	IndexCount  uint64
	BloomBits   uint64
	IndexOffset uint64
	BloomOffset uint64
}

// Meta is the metadata a Builder hands back after Finalize, and that the
// Level Manager keeps around without needing to reopen the file.
type Meta struct {
	ID         ID
	Path       string
	EntryCount uint64
	MinKey     uint32
	MaxKey     uint32
	SizeBytes  int64
}
