// Package levels owns the LSM level structure: which SSTables exist, which
// level each belongs to, and how readers see a consistent snapshot of that
// structure while compaction mutates it in the background. It generalizes
// the teacher's DiskSegmentManager (which owns one active file plus a list
// of sealed segments behind a mutex) to N levels of many tables each, and
// replaces the teacher's direct-mutex-on-every-read approach with a
// refcounted, atomically-swapped immutable snapshot so RANGE and GET scans
// never block behind a compaction in progress.
package levels

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bits-and-blooms/bitset"

	"github.com/flashdb/flashdb/sstable"
)

// L0CompactionTrigger is the number of L0 tables that triggers a compaction
// of L0 into L1.
const L0CompactionTrigger = 4

// LevelSizeMultiplier (T) and BaseLevelBytes (B) define each level's target
// size as B*T^i, the classic leveled-LSM size ratio.
const (
	LevelSizeMultiplier = 10
	BaseLevelBytes       = 2 * 1024 * 1024
)

// View is an immutable snapshot of the level structure. Readers obtained
// from the same Snapshot() call always see the same set of tables, even if
// compaction commits new levels concurrently.
type View struct {
	levels [][]*sstable.Reader
}

// Levels returns the tables in level i, oldest-appended first. L0 entries
// are not guaranteed disjoint; L1+ are guaranteed disjoint and sorted by
// MinKey.
func (v *View) Levels() [][]*sstable.Reader { return v.levels }

// Depth returns the number of levels created so far; a level that
// compaction has drained stays counted even though it holds no tables.
func (v *View) Depth() int { return len(v.levels) }

// Manager owns the level structure and publishes snapshots of it.
type Manager struct {
	mu        sync.Mutex
	view      atomic.Pointer[View]
	quarantine *bitset.BitSet
	qMu       sync.Mutex
}

// New returns an empty Manager.
func New() *Manager {
	m := &Manager{quarantine: bitset.New(64)}
	m.view.Store(&View{})
	return m
}

// Snapshot returns the current, immutable level structure. Safe to call
// concurrently with Commit.
func (m *Manager) Snapshot() *View {
	return m.view.Load()
}

// Commit atomically replaces the tables of one level whose IDs appear in
// removedIDs with added, publishing a new View. It is the sole mutator of
// level structure; it takes the Manager's own lock, so flushes and the
// compactor may call it concurrently and their commits are serialized.
func (m *Manager) Commit(level int, added []*sstable.Reader, removedIDs []sstable.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.view.Load()
	next := make([][]*sstable.Reader, max(len(cur.levels), level+1))
	copy(next, cur.levels)

	removed := make(map[sstable.ID]bool, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = true
	}

	kept := make([]*sstable.Reader, 0, len(next[level]))
	for _, r := range next[level] {
		if removed[r.ID()] {
			r.Retire()
			continue
		}
		kept = append(kept, r)
	}
	kept = append(kept, added...)

	if level > 0 {
		sort.Slice(kept, func(i, j int) bool { return kept[i].MinKey() < kept[j].MinKey() })
	}
	next[level] = kept

	m.view.Store(&View{levels: next})
}

// Quarantine marks id as corrupt, excluding it from future reads without
// needing to mutate the level structure itself. Compaction does not consult
// the quarantine set, so a quarantined table can still be picked as input.
func (m *Manager) Quarantine(id sstable.ID) {
	m.qMu.Lock()
	defer m.qMu.Unlock()
	m.quarantine.Set(uint(id))
}

// IsQuarantined reports whether id has been marked corrupt.
func (m *Manager) IsQuarantined(id sstable.ID) bool {
	m.qMu.Lock()
	defer m.qMu.Unlock()
	return m.quarantine.Test(uint(id))
}

// QuarantineCount returns the number of tables currently marked corrupt.
func (m *Manager) QuarantineCount() int {
	m.qMu.Lock()
	defer m.qMu.Unlock()
	return int(m.quarantine.Count())
}

// SizeTarget returns the target size in bytes for level i (i >= 1).
func SizeTarget(level int) int64 {
	target := int64(BaseLevelBytes)
	for i := 0; i < level; i++ {
		target *= LevelSizeMultiplier
	}
	return target
}

// LevelBytes sums the on-disk size of every table in level i of v.
func LevelBytes(v *View, level int) int64 {
	if level >= len(v.levels) {
		return 0
	}
	var total int64
	for _, r := range v.levels[level] {
		total += r.SizeBytes()
	}
	return total
}

// NeedsCompaction reports whether level i (within v) has grown past its
// trigger: L0 by table count, L1+ by total byte size against its target.
func NeedsCompaction(v *View, level int) bool {
	if level >= len(v.levels) {
		return false
	}
	if level == 0 {
		return len(v.levels[0]) >= L0CompactionTrigger
	}
	return LevelBytes(v, level) > SizeTarget(level)
}

// Overlapping returns every table in level i of v whose key range overlaps
// the half-open range [lo, hi).
func Overlapping(v *View, level int, lo, hi uint32) []*sstable.Reader {
	if level >= len(v.levels) {
		return nil
	}
	var out []*sstable.Reader
	for _, r := range v.levels[level] {
		if r.Overlaps(lo, hi) {
			out = append(out, r)
		}
	}
	return out
}

// OverlappingClosed returns every table in level i of v whose key range
// overlaps the closed range [lo, hi] — used by compaction, where lo/hi are
// actual min/max keys of the source level rather than a half-open query
// bound.
func OverlappingClosed(v *View, level int, lo, hi uint32) []*sstable.Reader {
	if level >= len(v.levels) {
		return nil
	}
	var out []*sstable.Reader
	for _, r := range v.levels[level] {
		if r.OverlapsClosed(lo, hi) {
			out = append(out, r)
		}
	}
	return out
}
