// Package mergeiter implements the priority-queue-backed k-way merge that
// both RANGE and compaction are built on: any finite set of ascending,
// per-source-deduplicated sequences of ranked entries merges into a single
// ascending sequence with exactly one (highest-rank) entry per key.
package mergeiter

import (
	"container/heap"
	"iter"

	"github.com/flashdb/flashdb/kv"
)

// Source is a pull-based ascending sequence of ranked entries. Every
// concrete entry source in this engine — the mutable memtable, the sealed
// flushing memtable, and each SSTable — implements this same narrow
// contract, so the merger doesn't need to know what it's reading from.
type Source interface {
	// Next returns the next entry in ascending key order, or ok=false when
	// the source is exhausted.
	Next() (kv.Ranked, bool)
}

// FromPull adapts a pull-style next function (as produced by iter.Pull)
// into a Source.
func FromPull(next func() (kv.Ranked, bool)) Source {
	return pullSource{next: next}
}

type pullSource struct {
	next func() (kv.Ranked, bool)
}

func (p pullSource) Next() (kv.Ranked, bool) {
	return p.next()
}

// SliceSource adapts an in-memory, already-ascending slice into a Source.
// Used by engine.Range for the memtable entries it collects up front.
type SliceSource struct {
	entries []kv.Ranked
	pos     int
}

func NewSliceSource(entries []kv.Ranked) *SliceSource {
	return &SliceSource{entries: entries}
}

func (s *SliceSource) Next() (kv.Ranked, bool) {
	if s.pos >= len(s.entries) {
		return kv.Ranked{}, false
	}
	e := s.entries[s.pos]
	s.pos++
	return e, true
}

type item struct {
	cur kv.Ranked
	src Source
}

type pq []*item

func (q pq) Len() int           { return len(q) }
func (q pq) Less(i, j int) bool { return q[i].cur.Key < q[j].cur.Key }
func (q pq) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *pq) Push(x interface{}) { *q = append(*q, x.(*item)) }
func (q *pq) Pop() interface{} {
	old := *q
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return x
}

// Merge performs the k-way merge over sources, emitting one Record per
// distinct key in ascending order: the entry with the highest Rank among
// all sources that hold that key. When dropShadowedTombstones is true (used
// when compacting into the bottom level), a winning tombstone is elided
// entirely rather than emitted — no older shadow can exist below the
// bottom level, so there is nothing left for it to shadow.
func Merge(sources []Source, dropShadowedTombstones bool) iter.Seq[kv.Record] {
	return func(yield func(kv.Record) bool) {
		q := &pq{}
		heap.Init(q)
		for _, s := range sources {
			if e, ok := s.Next(); ok {
				heap.Push(q, &item{cur: e, src: s})
			}
		}

		for q.Len() > 0 {
			top := heap.Pop(q).(*item)
			winner := top.cur
			if e, ok := top.src.Next(); ok {
				top.cur = e
				heap.Push(q, top)
			}

			for q.Len() > 0 && (*q)[0].cur.Key == winner.Key {
				dup := heap.Pop(q).(*item)
				if dup.cur.Rank > winner.Rank {
					winner = dup.cur
				}
				if e, ok := dup.src.Next(); ok {
					dup.cur = e
					heap.Push(q, dup)
				}
			}

			if dropShadowedTombstones && winner.Kind == kv.KindTombstone {
				continue
			}
			if !yield(winner.Record) {
				return
			}
		}
	}
}
