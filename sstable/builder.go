package sstable

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/flashdb/flashdb/bloomfilter"
	"github.com/flashdb/flashdb/codec"
	"github.com/flashdb/flashdb/kv"
	"github.com/flashdb/flashdb/sparseindex"
)

// Builder consumes a strictly increasing sequence of entries and emits a
// single sealed SSTable file. It is used identically by memtable flush and
// by compaction output — both just need "write these sorted entries out".
type Builder struct {
	f    *os.File
	path string

	index       *sparseindex.Index
	bloom       *bloomfilter.Filter
	blockCount  int
	entryCount  uint64
	haveLastKey bool
	lastKey     uint32
	haveMinMax  bool
	minKey      uint32
	maxKey      uint32

	done bool
}

// NewBuilder creates the output file at path and writes its header.
// expectedEntries sizes the bloom filter; it is a hint, not a hard cap.
func NewBuilder(path string, expectedEntries uint) (*Builder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}

	var hdr [HeaderSize]byte
	copy(hdr[0:4], Magic)
	binary.LittleEndian.PutUint32(hdr[4:8], FormatVersion)
	if _, err := f.Write(hdr[:]); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	return &Builder{
		f:     f,
		path:  path,
		index: sparseindex.New(),
		bloom: bloomfilter.New(expectedEntries, bloomfilter.DefaultFalsePositiveRate),
	}, nil
}

// Add appends the next entry. Entries must arrive in strictly increasing
// key order; a caller that violates this gets ErrNonMonotonic and should
// Abandon the builder.
func (b *Builder) Add(rec kv.Record) error {
	if b.haveLastKey && rec.Key <= b.lastKey {
		return ErrNonMonotonic
	}

	if b.blockCount == 0 {
		offset, err := b.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		b.index.Append(rec.Key, uint32(offset))
	}

	if err := codec.Encode(b.f, rec); err != nil {
		return err
	}

	b.blockCount++
	if b.blockCount == sparseindex.BlockSize {
		b.blockCount = 0
	}

	b.entryCount++
	b.bloom.Insert(rec.Key)

	if !b.haveMinMax {
		b.minKey = rec.Key
		b.haveMinMax = true
	}
	b.maxKey = rec.Key
	b.lastKey = rec.Key
	b.haveLastKey = true

	return nil
}

// EntryCount reports how many entries have been written so far.
func (b *Builder) EntryCount() uint64 {
	return b.entryCount
}

// Finalize writes the sparse index, bloom filter, footer, and trailer, then
// seals and closes the file.
func (b *Builder) Finalize(id ID) (*Meta, error) {
	if b.done {
		return nil, fmt.Errorf("sstable: builder already finalized")
	}
	b.done = true

	indexOffset, err := b.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	for _, e := range b.index.Entries() {
		var buf [8]byte
		binary.LittleEndian.PutUint32(buf[0:4], e.FirstKey)
		binary.LittleEndian.PutUint32(buf[4:8], e.BlockOffset)
		if _, err := b.f.Write(buf[:]); err != nil {
			return nil, err
		}
	}

	bloomOffset, err := b.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	var kbuf [4]byte
	binary.LittleEndian.PutUint32(kbuf[:], uint32(b.bloom.K()))
	if _, err := b.f.Write(kbuf[:]); err != nil {
		return nil, err
	}
	if _, err := b.bloom.WriteTo(b.f); err != nil {
		return nil, err
	}

	footerStart, err := b.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	var footer [FooterSize]byte
	binary.LittleEndian.PutUint64(footer[0:8], b.entryCount)
	binary.LittleEndian.PutUint64(footer[8:16], uint64(b.index.Len()))
	binary.LittleEndian.PutUint64(footer[16:24], uint64(b.bloom.Cap()))
	binary.LittleEndian.PutUint64(footer[24:32], uint64(indexOffset))
	binary.LittleEndian.PutUint64(footer[32:40], uint64(bloomOffset))
	if _, err := b.f.Write(footer[:]); err != nil {
		return nil, err
	}

	var trailer [TrailerSize]byte
	binary.LittleEndian.PutUint64(trailer[:], uint64(footerStart))
	if _, err := b.f.Write(trailer[:]); err != nil {
		return nil, err
	}

	if err := b.f.Sync(); err != nil {
		return nil, err
	}

	size, err := b.f.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, err
	}
	if err := b.f.Close(); err != nil {
		return nil, err
	}

	return &Meta{
		ID:         id,
		Path:       b.path,
		EntryCount: b.entryCount,
		MinKey:     b.minKey,
		MaxKey:     b.maxKey,
		SizeBytes:  size,
	}, nil
}

// Abandon discards a builder that will never be finalized: closes and
// removes its partial output file. Used when a flush or compaction job
// fails mid-write.
func (b *Builder) Abandon() {
	if b.done {
		return
	}
	b.done = true
	b.f.Close()
	os.Remove(b.path)
}
