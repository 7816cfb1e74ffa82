// Package codec implements the fixed-width binary encoding of entries used
// throughout flashdb: 4-byte key, 1-byte kind flag, 4-byte value, exactly 9
// bytes, little-endian. This is the shape of the SSTable data blocks; the
// WAL frames (package wal) and the bulk LOAD files (package loadfile) use
// layouts of their own.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/flashdb/flashdb/kv"
)

// EntrySize is the fixed on-disk size of a single (key, flag, value) entry.
const EntrySize = 4 + 1 + 4

var ErrShortBuffer = fmt.Errorf("codec: buffer shorter than %d bytes", EntrySize)

// Encode writes e to w in the fixed 9-byte layout.
func Encode(w io.Writer, e kv.Record) error {
	var buf [EntrySize]byte
	PutEntry(buf[:], e)
	_, err := w.Write(buf[:])
	return err
}

// Decode reads a single fixed-width entry from r.
func Decode(r io.Reader) (kv.Record, error) {
	var buf [EntrySize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return kv.Record{}, err
	}
	return Entry(buf[:]), nil
}

// PutEntry encodes e into buf, which must be at least EntrySize bytes.
func PutEntry(buf []byte, e kv.Record) {
	binary.LittleEndian.PutUint32(buf[0:4], e.Key)
	buf[4] = byte(e.Kind)
	binary.LittleEndian.PutUint32(buf[5:9], e.Value)
}

// Entry decodes a single fixed-width entry out of buf, which must be at
// least EntrySize bytes. It panics on a short buffer; callers that read
// from untrusted or partial input should check len(buf) first, or use
// Decode which returns an error instead.
func Entry(buf []byte) kv.Record {
	return kv.Record{
		Key:   binary.LittleEndian.Uint32(buf[0:4]),
		Kind:  kv.Kind(buf[4]),
		Value: binary.LittleEndian.Uint32(buf[5:9]),
	}
}

// TryEntry is the non-panicking counterpart of Entry, used when scanning a
// buffer read from disk that might be short due to corruption.
func TryEntry(buf []byte) (kv.Record, error) {
	if len(buf) < EntrySize {
		return kv.Record{}, ErrShortBuffer
	}
	return Entry(buf), nil
}
