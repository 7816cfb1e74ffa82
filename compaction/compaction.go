// Package compaction implements the background process that keeps level
// sizes bounded: it merges L0's overlapping tables down into L1, and merges
// an oversized level i into i+1, using mergeiter's k-way merge and dropping
// shadowed tombstones once a key can no longer shadow anything below it.
// It is grounded in the teacher's segmentmanager rotation discipline
// (build a new file, fsync, then swap it in) generalized from "rotate one
// active segment" to "replace a set of input tables with a set of output
// tables." The swap is two Level Manager commits, not one: the outputs join
// the destination level first, then the inputs leave the source level.
package compaction

import (
	"fmt"
	"iter"
	"log"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/flashdb/flashdb/kv"
	"github.com/flashdb/flashdb/levels"
	"github.com/flashdb/flashdb/manifest"
	"github.com/flashdb/flashdb/mergeiter"
	"github.com/flashdb/flashdb/sstable"
)

// TargetTableBytes is the approximate size at which a compaction output
// splits into a new SSTable.
const TargetTableBytes = 2 * 1024 * 1024

// job describes one compaction: tables pulled from sourceLevel (and any
// overlapping tables already resident in destLevel) merged down into
// destLevel.
type job struct {
	sourceLevel int
	destLevel   int
	inputs      []*sstable.Reader
	overlaps    []*sstable.Reader
	bottommost  bool
}

// Compactor runs Tick on a timer until Stop is called.
type Compactor struct {
	mgr    *levels.Manager
	man    *manifest.Manifest
	dir    string
	nextID func() sstable.ID

	stop chan struct{}
	wg   sync.WaitGroup

	// rrCursor tracks, per level i >= 1, the MaxKey of the table last
	// chosen for compaction out of that level — the round-robin position
	// spec.md §4.7 policy #2 requires so a level with a persistently hot
	// key range still makes forward progress across the rest of its keys.
	rrCursor map[int]uint32
}

// New returns a Compactor that writes output tables under dir and allocates
// their IDs from nextID.
func New(mgr *levels.Manager, man *manifest.Manifest, dir string, nextID func() sstable.ID) *Compactor {
	return &Compactor{mgr: mgr, man: man, dir: dir, nextID: nextID, stop: make(chan struct{}), rrCursor: make(map[int]uint32)}
}

// Start runs the compaction loop in a background goroutine, checking for
// work every interval.
func (c *Compactor) Start(interval time.Duration) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				if err := c.Tick(); err != nil {
					log.Printf("compaction: tick failed: %v", err)
				}
			}
		}
	}()
}

// Stop halts the background loop and waits for any in-flight tick to finish.
func (c *Compactor) Stop() {
	close(c.stop)
	c.wg.Wait()
}

// Tick picks at most one eligible level and compacts it, if any level needs
// compaction. It is safe to call directly (as tests do) without Start.
func (c *Compactor) Tick() error {
	v := c.mgr.Snapshot()
	j, ok := c.pickJob(v)
	if !ok {
		return nil
	}
	return c.run(j)
}

// pickJob implements spec.md §4.7's two trigger policies, checked in order:
// an overfull L0 (by table count) takes every L0 table, since L0 ranges
// overlap and none of them can be merged in isolation; an overfull L_i
// (i >= 1, by byte size) instead takes a single table, chosen round-robin
// by key range so a level with a persistently hot range still makes
// progress across its other tables over successive ticks.
func (c *Compactor) pickJob(v *levels.View) (job, bool) {
	depth := v.Depth()

	if levels.NeedsCompaction(v, 0) {
		inputs := append([]*sstable.Reader(nil), v.Levels()[0]...)
		lo, hi := keyRange(inputs)
		overlaps := levels.OverlappingClosed(v, 1, lo, hi)
		return job{
			sourceLevel: 0,
			destLevel:   1,
			inputs:      inputs,
			overlaps:    overlaps,
			bottommost:  1 >= depth-1,
		}, true
	}

	for level := 1; level < depth; level++ {
		if !levels.NeedsCompaction(v, level) {
			continue
		}
		tables := v.Levels()[level]
		if len(tables) == 0 {
			continue
		}
		next := c.pickRoundRobin(level, tables)
		dest := level + 1
		c.rrCursor[level] = next.MaxKey()

		overlaps := levels.OverlappingClosed(v, dest, next.MinKey(), next.MaxKey())
		return job{
			sourceLevel: level,
			destLevel:   dest,
			inputs:      []*sstable.Reader{next},
			overlaps:    overlaps,
			bottommost:  dest >= depth-1,
		}, true
	}
	return job{}, false
}

// pickRoundRobin returns the first table (tables is sorted by MinKey) whose
// range starts after the level's cursor, wrapping back to the first table
// once the cursor has passed every key range. A level with no cursor yet
// starts at its first table.
func (c *Compactor) pickRoundRobin(level int, tables []*sstable.Reader) *sstable.Reader {
	cursor, ok := c.rrCursor[level]
	if !ok {
		return tables[0]
	}
	for _, t := range tables {
		if t.MinKey() > cursor {
			return t
		}
	}
	return tables[0]
}

func keyRange(readers []*sstable.Reader) (lo, hi uint32) {
	lo, hi = math.MaxUint32, 0
	for _, r := range readers {
		if r.MinKey() < lo {
			lo = r.MinKey()
		}
		if r.MaxKey() > hi {
			hi = r.MaxKey()
		}
	}
	return lo, hi
}

func (c *Compactor) run(j job) error {
	all := append(append([]*sstable.Reader(nil), j.inputs...), j.overlaps...)
	sources := make([]mergeiter.Source, 0, len(all))
	for i, r := range all {
		r.Acquire()
		// Destination-level tables hold older data than any input, whatever
		// their IDs, so they rank below every input.
		var rank uint64
		if i < len(j.inputs) {
			rank = uint64(r.ID()) + 1
		}
		sources = append(sources, tableSource(r, rank))
	}
	defer func() {
		for _, r := range all {
			r.Release()
		}
	}()

	outputs, err := c.writeOutputs(j, mergeiter.Merge(sources, j.bottommost))
	if err != nil {
		for _, o := range outputs {
			o.Remove()
		}
		return fmt.Errorf("compaction: write outputs: %w", err)
	}

	removedSource := idsOf(j.inputs)
	removedDest := idsOf(j.overlaps)

	if c.man != nil {
		metas := make([]sstable.Meta, len(outputs))
		for i, o := range outputs {
			metas[i] = sstable.Meta{ID: o.ID(), Path: o.Path(), EntryCount: o.EntryCount(), MinKey: o.MinKey(), MaxKey: o.MaxKey(), SizeBytes: o.SizeBytes()}
		}
		if err := c.man.Append(manifest.Transition{Level: j.destLevel, Added: metas, Removed: append(removedSource, removedDest...)}); err != nil {
			for _, o := range outputs {
				o.Remove()
			}
			return fmt.Errorf("compaction: manifest append: %w", err)
		}
	}

	// Publish the outputs before dropping the inputs: a reader in between
	// sees the merged keys in both levels (the source level is consulted
	// first and wins), never in neither.
	c.mgr.Commit(j.destLevel, outputs, removedDest)
	c.mgr.Commit(j.sourceLevel, nil, removedSource)
	return nil
}

func (c *Compactor) writeOutputs(j job, merged func(func(kv.Record) bool)) ([]*sstable.Reader, error) {
	var outputs []*sstable.Reader
	var b *sstable.Builder
	var id sstable.ID
	// A builder still open when this returns belongs to a failed write;
	// Abandon removes its partial file (it is a no-op once finalized).
	defer func() {
		if b != nil {
			b.Abandon()
		}
	}()

	flush := func() error {
		if b == nil || b.EntryCount() == 0 {
			if b != nil {
				b.Abandon()
			}
			return nil
		}
		meta, err := b.Finalize(id)
		if err != nil {
			return err
		}
		r, err := sstable.Open(meta.Path, id)
		if err != nil {
			return err
		}
		outputs = append(outputs, r)
		return nil
	}

	var approxBytes int64
	for rec := range merged {
		if b == nil {
			// The table's ID is drawn up front so the file is named
			// "<id>.sst" after the ID it is registered under.
			id = c.nextID()
			path := filepath.Join(c.dir, fmt.Sprintf("%d.sst", id))
			var err error
			b, err = sstable.NewBuilder(path, 1024)
			if err != nil {
				return outputs, err
			}
			approxBytes = 0
		}
		if err := b.Add(rec); err != nil {
			return outputs, err
		}
		approxBytes += 9
		if approxBytes >= TargetTableBytes {
			if err := flush(); err != nil {
				return outputs, err
			}
			b = nil
		}
	}
	if err := flush(); err != nil {
		return outputs, err
	}
	return outputs, nil
}

func idsOf(readers []*sstable.Reader) []sstable.ID {
	ids := make([]sstable.ID, len(readers))
	for i, r := range readers {
		ids[i] = r.ID()
	}
	return ids
}

// tableSource adapts a table's full ascending scan into a mergeiter.Source,
// ranking every entry with rank. run gives each input table its ID plus one
// (L0 tables come only from flushes, whose IDs increase in flush order, so
// a higher ID is the more recent write among them) and every destination
// table zero, since a compaction output's ID says nothing about how recent
// its data is.
func tableSource(r *sstable.Reader, rank uint64) mergeiter.Source {
	next, _ := iter.Pull(r.All())
	return mergeiter.FromPull(func() (kv.Ranked, bool) {
		rec, ok := next()
		if !ok {
			return kv.Ranked{}, false
		}
		return kv.Ranked{Record: rec, Rank: rank}, true
	})
}
