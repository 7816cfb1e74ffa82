package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"iter"
	"os"
	"sync/atomic"

	"github.com/flashdb/flashdb/bloomfilter"
	"github.com/flashdb/flashdb/codec"
	"github.com/flashdb/flashdb/kv"
	"github.com/flashdb/flashdb/sparseindex"
)

// Reader is an opened, immutable SSTable: its footer, sparse index, and
// bloom filter are loaded into memory; data blocks are read from disk on
// demand.
type Reader struct {
	id   ID
	path string
	f    *os.File

	footer Footer
	index  *sparseindex.Index
	bloom  *bloomfilter.Filter

	minKey, maxKey uint32
	dataEnd        int64 // byte offset where the entries region ends

	// refs tracks in-flight readers plus one implicit reference held by the
	// Level Manager while the table is part of a published View. Retire
	// drops the Manager's reference; the file is only deleted once refs
	// reaches zero, so a compaction can retire a table while RANGE scans
	// started against the prior snapshot are still reading it.
	refs    atomic.Int32
	retired atomic.Bool

	// bloomFalsePositives counts Get calls where the bloom filter said the
	// key might be present but the sparse index or block scan proved it
	// absent — the cost MaybeContains's false-positive rate imposes on
	// real lookups, surfaced so STATS can show whether the configured
	// filter size is earning its keep.
	bloomFalsePositives atomic.Int64
}

// Open reads path's footer, sparse index, and bloom filter, and validates
// the header and internal consistency. It fails with ErrCorrupt on a magic
// or version mismatch, or on inconsistent counts/offsets.
func Open(path string, id ID) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := open(f, path, id)
	if err != nil {
		f.Close()
		return nil, err
	}
	return r, nil
}

func open(f *os.File, path string, id ID) (*Reader, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if st.Size() < HeaderSize+FooterSize+TrailerSize {
		return nil, ErrCorrupt
	}

	var hdr [HeaderSize]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		return nil, err
	}
	if string(hdr[0:4]) != Magic {
		return nil, ErrCorrupt
	}
	if binary.LittleEndian.Uint32(hdr[4:8]) != FormatVersion {
		return nil, ErrCorrupt
	}

	var trailer [TrailerSize]byte
	if _, err := f.ReadAt(trailer[:], st.Size()-TrailerSize); err != nil {
		return nil, err
	}
	footerOffset := int64(binary.LittleEndian.Uint64(trailer[:]))
	if footerOffset < HeaderSize || footerOffset+FooterSize > st.Size()-TrailerSize {
		return nil, ErrCorrupt
	}

	var fbuf [FooterSize]byte
	if _, err := f.ReadAt(fbuf[:], footerOffset); err != nil {
		return nil, err
	}
	footer := Footer{
		EntryCount:  binary.LittleEndian.Uint64(fbuf[0:8]),
		IndexCount:  binary.LittleEndian.Uint64(fbuf[8:16]),
		BloomBits:   binary.LittleEndian.Uint64(fbuf[16:24]),
		IndexOffset: binary.LittleEndian.Uint64(fbuf[24:32]),
		BloomOffset: binary.LittleEndian.Uint64(fbuf[32:40]),
	}

	if footer.IndexOffset < HeaderSize || footer.IndexOffset > uint64(footerOffset) {
		return nil, ErrCorrupt
	}
	if footer.BloomOffset < footer.IndexOffset || footer.BloomOffset > uint64(footerOffset) {
		return nil, ErrCorrupt
	}
	if footer.EntryCount*codec.EntrySize != footer.IndexOffset-HeaderSize {
		return nil, ErrCorrupt
	}
	if footer.IndexCount*8 != footer.BloomOffset-footer.IndexOffset {
		return nil, ErrCorrupt
	}

	idxBuf := make([]byte, footer.IndexCount*8)
	if len(idxBuf) > 0 {
		if _, err := f.ReadAt(idxBuf, int64(footer.IndexOffset)); err != nil {
			return nil, err
		}
	}
	entries := make([]sparseindex.Entry, footer.IndexCount)
	for i := range entries {
		off := i * 8
		entries[i] = sparseindex.Entry{
			FirstKey:    binary.LittleEndian.Uint32(idxBuf[off : off+4]),
			BlockOffset: binary.LittleEndian.Uint32(idxBuf[off+4 : off+8]),
		}
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].FirstKey <= entries[i-1].FirstKey {
			return nil, ErrCorrupt
		}
	}

	var kbuf [4]byte
	if _, err := f.ReadAt(kbuf[:], int64(footer.BloomOffset)); err != nil {
		return nil, err
	}
	k := binary.LittleEndian.Uint32(kbuf[:])
	bitsSection := io.NewSectionReader(f, int64(footer.BloomOffset)+4, int64(footerOffset)-(int64(footer.BloomOffset)+4))
	bloom, err := bloomfilter.ReadFilter(k, uint32(footer.BloomBits), bitsSection)
	if err != nil {
		return nil, fmt.Errorf("sstable: reading bloom filter: %w", err)
	}

	var minKey, maxKey uint32
	if footer.EntryCount > 0 {
		var first [codec.EntrySize]byte
		if _, err := f.ReadAt(first[:], HeaderSize); err != nil {
			return nil, err
		}
		minKey = codec.Entry(first[:]).Key

		var last [codec.EntrySize]byte
		lastOff := int64(footer.IndexOffset) - codec.EntrySize
		if _, err := f.ReadAt(last[:], lastOff); err != nil {
			return nil, err
		}
		maxKey = codec.Entry(last[:]).Key
		if minKey > maxKey {
			return nil, ErrCorrupt
		}
	}

	r := &Reader{
		id:      id,
		path:    path,
		f:       f,
		footer:  footer,
		index:   sparseindex.FromEntries(entries),
		bloom:   bloom,
		minKey:  minKey,
		maxKey:  maxKey,
		dataEnd: int64(footer.IndexOffset),
	}
	r.refs.Store(1)
	return r, nil
}

// Acquire registers a new in-flight reader against the table, preventing
// its file from being deleted until a matching Release. Must be called
// before any read on a table obtained from a levels.View that might be
// concurrently retired.
func (r *Reader) Acquire() {
	r.refs.Add(1)
}

// Release drops a reference acquired via Acquire (or the Manager's initial
// reference, dropped by Retire). The file is deleted once the count
// reaches zero and the table has been retired.
func (r *Reader) Release() {
	if r.refs.Add(-1) == 0 && r.retired.Load() {
		r.f.Close()
		os.Remove(r.path)
	}
}

// Retire marks the table as removed from the level structure, dropping the
// Manager's implicit reference. Call once per table when a compaction
// commits a new View that no longer includes it.
func (r *Reader) Retire() {
	r.retired.Store(true)
	r.Release()
}

// ID returns the table's monotonic identifier.
func (r *Reader) ID() ID { return r.id }

// Path returns the table's file path.
func (r *Reader) Path() string { return r.path }

// MinKey returns the smallest key in the table.
func (r *Reader) MinKey() uint32 { return r.minKey }

// MaxKey returns the largest key in the table.
func (r *Reader) MaxKey() uint32 { return r.maxKey }

// EntryCount returns the number of entries in the table.
func (r *Reader) EntryCount() uint64 { return r.footer.EntryCount }

// SizeBytes returns the file size in bytes.
func (r *Reader) SizeBytes() int64 {
	st, err := r.f.Stat()
	if err != nil {
		return 0
	}
	return st.Size()
}

// Overlaps reports whether [lo, hi) intersects the table's key range.
func (r *Reader) Overlaps(lo, hi uint32) bool {
	if r.footer.EntryCount == 0 {
		return false
	}
	return lo <= r.maxKey && r.minKey < hi
}

// OverlapsClosed reports whether [lo, hi] (both bounds inclusive)
// intersects the table's key range. Used by compaction, where lo/hi are
// actual min/max keys drawn from other tables rather than a half-open
// query bound — Overlaps would wrongly exclude a table whose MinKey
// equals hi exactly.
func (r *Reader) OverlapsClosed(lo, hi uint32) bool {
	if r.footer.EntryCount == 0 {
		return false
	}
	return lo <= r.maxKey && r.minKey <= hi
}

// Get performs a point lookup: bloom probe, then sparse-index bracket, then
// a single block scan. It returns ok=false only when the key is definitely
// absent from this table (not whether it's live — a tombstone is returned
// with ok=true and Kind==KindTombstone).
func (r *Reader) Get(key uint32) (kv.Record, bool, error) {
	if r.footer.EntryCount == 0 {
		return kv.Record{}, false, nil
	}
	if !r.bloom.MaybeContains(key) {
		return kv.Record{}, false, nil
	}

	blockOffset, ok := r.index.Lookup(key)
	if !ok {
		r.bloomFalsePositives.Add(1)
		return kv.Record{}, false, nil
	}

	blockEnd := r.blockEndAfter(blockOffset)
	rec, found, err := r.scanBlock(int64(blockOffset), blockEnd, key)
	if err != nil {
		return kv.Record{}, false, err
	}
	if !found {
		r.bloomFalsePositives.Add(1)
	}
	return rec, found, nil
}

// BloomFalsePositives returns the number of Get calls where the bloom
// filter indicated a possible match that the index/block scan then
// disproved.
func (r *Reader) BloomFalsePositives() int64 {
	return r.bloomFalsePositives.Load()
}

func (r *Reader) blockEndAfter(start uint32) int64 {
	entries := r.index.Entries()
	for _, e := range entries {
		if e.BlockOffset > start {
			return int64(e.BlockOffset)
		}
	}
	return r.dataEnd
}

func (r *Reader) scanBlock(start, end int64, key uint32) (kv.Record, bool, error) {
	sr := io.NewSectionReader(r.f, start, end-start)
	for {
		rec, err := codec.Decode(sr)
		if err == io.EOF {
			return kv.Record{}, false, nil
		}
		if err != nil {
			return kv.Record{}, false, ErrCorrupt
		}
		if rec.Key == key {
			return rec, true, nil
		}
		if rec.Key > key {
			return kv.Record{}, false, nil
		}
	}
}

// IterRange yields entries with key in [lo, hi) in ascending order.
func (r *Reader) IterRange(lo, hi uint32) iter.Seq[kv.Record] {
	return func(yield func(kv.Record) bool) {
		if r.footer.EntryCount == 0 || lo >= hi {
			return
		}
		startBlock := r.index.LookupRange(lo)
		start := int64(r.index.BlockOffsetAt(startBlock))
		sr := io.NewSectionReader(r.f, start, r.dataEnd-start)
		for {
			rec, err := codec.Decode(sr)
			if err != nil {
				return
			}
			if rec.Key >= hi {
				return
			}
			if rec.Key < lo {
				continue
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// All yields every entry in the table in ascending order, including one
// keyed math.MaxUint32 — unlike IterRange, which is half-open and would
// silently exclude it. Used by compaction, which needs the entire table
// rather than a bounded slice of it.
func (r *Reader) All() iter.Seq[kv.Record] {
	return func(yield func(kv.Record) bool) {
		if r.footer.EntryCount == 0 {
			return
		}
		sr := io.NewSectionReader(r.f, HeaderSize, r.dataEnd-HeaderSize)
		for {
			rec, err := codec.Decode(sr)
			if err != nil {
				return
			}
			if !yield(rec) {
				return
			}
		}
	}
}

// Close releases the underlying file handle. Callers only do this once no
// reader holds a reference (see levels.View refcounting); closing does not
// delete the file.
func (r *Reader) Close() error {
	return r.f.Close()
}

// Remove closes and deletes the underlying file at once, ignoring the
// refcount. Used by compaction to discard the output tables of a failed
// job; retired tables are deleted by Release instead.
func (r *Reader) Remove() error {
	r.f.Close()
	return os.Remove(r.path)
}
