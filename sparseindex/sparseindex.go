// Package sparseindex implements the in-memory key→offset table attached to
// each SSTable: one (first_key, byte_offset) pair per block of BlockSize
// entries, binary-searched to bracket the block that might hold a target
// key.
package sparseindex

import "sort"

// BlockSize is the number of entries per data block (B in the spec).
const BlockSize = 128

// Entry is a single sparse index pointer: the first key of a data block and
// that block's byte offset in the SSTable file.
type Entry struct {
	FirstKey    uint32
	BlockOffset uint32
}

// Index is the full sparse index for one SSTable: one Entry per block, kept
// sorted ascending by FirstKey (blocks are written in key order, so entries
// are appended in order and never need re-sorting).
type Index struct {
	entries []Entry
}

// New builds an empty index ready for Append calls from a builder.
func New() *Index {
	return &Index{}
}

// Append records a new block's first key and offset. Callers (SSTable
// builders) must call this in increasing FirstKey order.
func (ix *Index) Append(firstKey uint32, blockOffset uint32) {
	ix.entries = append(ix.entries, Entry{FirstKey: firstKey, BlockOffset: blockOffset})
}

// Entries returns the index entries in block order.
func (ix *Index) Entries() []Entry {
	return ix.entries
}

// Len reports the number of blocks indexed.
func (ix *Index) Len() int {
	return len(ix.entries)
}

// Lookup returns the offset of the single block that might contain key, and
// true if such a block exists. It returns false only when the index is
// empty or key falls before the first indexed block's first key.
func (ix *Index) Lookup(key uint32) (blockOffset uint32, ok bool) {
	if len(ix.entries) == 0 {
		return 0, false
	}
	// Find the last block whose FirstKey <= key.
	i := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].FirstKey > key
	})
	if i == 0 {
		return 0, false
	}
	return ix.entries[i-1].BlockOffset, true
}

// LookupRange returns the index of the first block that might contain a key
// >= lo. Iteration should start there and stop once a block's FirstKey >=
// hi, or scanning finds a key >= hi within a block.
func (ix *Index) LookupRange(lo uint32) (blockIndex int) {
	i := sort.Search(len(ix.entries), func(i int) bool {
		return ix.entries[i].FirstKey > lo
	})
	if i == 0 {
		return 0
	}
	return i - 1
}

// BlockOffsetAt returns the byte offset of the block at position i.
func (ix *Index) BlockOffsetAt(i int) uint32 {
	return ix.entries[i].BlockOffset
}

// FromEntries reconstructs an Index from entries already read off disk.
func FromEntries(entries []Entry) *Index {
	return &Index{entries: entries}
}
