// Package memtable is the in-memory, ordered write buffer: a skip list
// mapping key to its most recent entry in the current buffering window, with
// one entry per key by construction (a new Put/Delete overwrites the prior
// entry for that key rather than appending).
package memtable

import (
	"sync"

	"github.com/flashdb/flashdb/kv"
)

// entryOverhead approximates the whole in-memory footprint of one entry
// (key, value, sequence, skip list node pointers, forward slice, etc.).
// This is a size *estimate* used only to decide when to flush, not a
// precise accounting contract.
const entryOverhead = 48

// Memtable is a mutable, ordered key→entry map. It is safe for concurrent
// use: writers take a write lock, readers and iterators take a read lock
// (an iterator's read lock is released at the end of Seq iteration, which
// in this codebase always runs out within a single request).
type Memtable struct {
	mu        sync.RWMutex
	sl        *skipList
	sizeBytes int64
	sealed    bool
}

// New creates an empty, mutable memtable.
func New() *Memtable {
	return &Memtable{sl: newSkipList()}
}

// Put inserts or overwrites key's value at sequence seq.
func (m *Memtable) Put(key, val uint32, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sl.put(key, value{kind: kv.KindValue, val: val, seq: seq}) {
		m.sizeBytes += entryOverhead
	}
}

// Delete inserts a tombstone for key at sequence seq.
func (m *Memtable) Delete(key uint32, seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sl.put(key, value{kind: kv.KindTombstone, seq: seq}) {
		m.sizeBytes += entryOverhead
	}
}

// Get returns the most recent entry for key, if any, and the sequence it
// was written at.
func (m *Memtable) Get(key uint32) (rec kv.Record, seq uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, found := m.sl.get(key)
	if !found {
		return kv.Record{}, 0, false
	}
	return kv.Record{Key: key, Kind: v.kind, Value: v.val}, v.seq, true
}

// IterRange calls fn for each entry with key in [lo, hi), ascending, until
// fn returns false or the range is exhausted. The memtable's read lock is
// held for the duration of the call.
func (m *Memtable) IterRange(lo, hi uint32, fn func(rec kv.Record, seq uint64) bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for key, v := range m.sl.iterFrom(lo) {
		if key >= hi {
			return
		}
		if !fn(kv.Record{Key: key, Kind: v.kind, Value: v.val}, v.seq) {
			return
		}
	}
}

// SizeBytes returns the approximate in-memory footprint of the buffered
// entries, used to decide when to seal and flush.
func (m *Memtable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// Count returns the number of distinct keys currently buffered.
func (m *Memtable) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sl.size
}

// Seal marks the memtable read-only. A sealed memtable is still readable
// (it continues to serve GET/RANGE as the "flushing" layer) but must never
// receive further Put/Delete calls.
func (m *Memtable) Seal() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sealed = true
}

// Sealed reports whether Seal has been called.
func (m *Memtable) Sealed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sealed
}

// DrainSorted returns every entry in ascending key order, along with the
// sequence each was written at. It does not mutate or clear the memtable —
// callers flushing to an SSTable builder read this once and then drop their
// reference to the sealed memtable.
func (m *Memtable) DrainSorted() []kv.Ranked {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kv.Ranked, 0, m.sl.size)
	for key, v := range m.sl.all() {
		out = append(out, kv.Ranked{
			Record: kv.Record{Key: key, Kind: v.kind, Value: v.val},
			Rank:   v.seq,
		})
	}
	return out
}
