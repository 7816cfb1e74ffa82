// Package bloomfilter is the per-SSTable probabilistic membership filter.
// It wraps github.com/bits-and-blooms/bloom/v3 — the same library the
// original SSTable writer built on — in the narrow Insert/MaybeContains
// contract the storage engine needs, keyed on the fixed-width uint32 keys
// this system uses rather than arbitrary byte slices.
package bloomfilter

import (
	"encoding/binary"
	"io"

	"github.com/bits-and-blooms/bloom/v3"
)

// DefaultFalsePositiveRate is the target false-positive rate for a
// freshly-sized filter (spec default: 1%).
const DefaultFalsePositiveRate = 0.01

// Filter is a per-SSTable bloom filter over uint32 keys. False negatives
// are impossible; a positive forces the caller to fall through to a sparse
// index probe.
type Filter struct {
	bf *bloom.BloomFilter
}

// New sizes a filter for expectedEntries keys at the given false-positive
// rate. bloom/v3 derives its k probe locations by double-hashing two
// independent 64-bit base hashes of the key — exactly the scheme this
// component is specified to use.
func New(expectedEntries uint, falsePositiveRate float64) *Filter {
	if expectedEntries == 0 {
		expectedEntries = 1
	}
	if falsePositiveRate <= 0 {
		falsePositiveRate = DefaultFalsePositiveRate
	}
	return &Filter{bf: bloom.NewWithEstimates(expectedEntries, falsePositiveRate)}
}

// Insert adds key to the filter's set.
func (f *Filter) Insert(key uint32) {
	f.bf.Add(keyBytes(key))
}

// MaybeContains reports whether key might be present. A false return is
// definitive proof of absence; a true return requires a block scan to
// confirm.
func (f *Filter) MaybeContains(key uint32) bool {
	return f.bf.Test(keyBytes(key))
}

// K returns the number of hash functions in use.
func (f *Filter) K() uint {
	return f.bf.K()
}

// Cap returns the number of bits in the underlying bit array.
func (f *Filter) Cap() uint {
	return f.bf.Cap()
}

// WriteTo serializes the filter in bloom/v3's own format: its m and k
// header followed by the bit array.
func (f *Filter) WriteTo(w io.Writer) (int64, error) {
	return f.bf.WriteTo(w)
}

// ReadFilter reconstructs a Filter from k hash functions, m bits, and a
// serialized bit array previously produced by WriteTo.
func ReadFilter(k, m uint32, r io.Reader) (*Filter, error) {
	bf := bloom.New(uint(m), uint(k))
	if _, err := bf.ReadFrom(r); err != nil {
		return nil, err
	}
	return &Filter{bf: bf}, nil
}

func keyBytes(key uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], key)
	return b[:]
}
