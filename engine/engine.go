// Package engine is the storage engine facade: it owns the mutable
// memtable, the single in-flight "flushing" memtable, the write-ahead log,
// the level structure, and the background compactor, and exposes the six
// operations the wire protocol speaks (PUT, GET, DELETE, LOAD, RANGE,
// STATS) as one coherent API. It is grounded in the teacher's top-level
// FlashLog type, which wires together its own segment manager and WAL the
// same way — one facade object, one entry point per operation, no
// operation reaching around it to touch storage directly.
package engine

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flashdb/flashdb/compaction"
	"github.com/flashdb/flashdb/kv"
	"github.com/flashdb/flashdb/levels"
	"github.com/flashdb/flashdb/loadfile"
	"github.com/flashdb/flashdb/manifest"
	"github.com/flashdb/flashdb/memtable"
	"github.com/flashdb/flashdb/mergeiter"
	"github.com/flashdb/flashdb/sstable"
	"github.com/flashdb/flashdb/wal"
)

// MemtableMaxBytes is the approximate size at which the active memtable is
// sealed and flushed to a new L0 SSTable.
const MemtableMaxBytes = 1 * 1024 * 1024

// CompactionInterval is how often the background compactor checks whether
// any level needs compacting.
const CompactionInterval = 500 * time.Millisecond

// Engine is the top-level, concurrency-safe storage engine.
type Engine struct {
	dir string

	mu       sync.RWMutex
	mutable  *memtable.Memtable
	flushing *memtable.Memtable

	wal       *wal.Writer
	mgr       *levels.Manager
	man       *manifest.Manifest
	compactor *compaction.Compactor

	seq      atomic.Uint64
	tableIDs atomic.Uint64

	closing atomic.Bool
}

// Open recovers (or initializes) an engine rooted at dir: it replays the
// manifest to rebuild the level structure, replays the WAL to rebuild the
// memtable, and starts the background compactor.
func Open(dir string) (*Engine, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create data dir: %v", ErrIO, err)
	}

	mgr := levels.New()
	man, err := manifest.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: open manifest: %v", ErrIO, err)
	}

	transitions, err := manifest.Load(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: load manifest: %v", ErrIO, err)
	}

	var maxSeq uint64
	var maxTableID uint64
	level := map[sstable.ID]int{}
	meta := map[sstable.ID]sstable.Meta{}
	for _, t := range transitions {
		if t.NextSeq > maxSeq {
			maxSeq = t.NextSeq
		}
		for _, m := range t.Added {
			level[m.ID] = t.Level
			meta[m.ID] = m
			if uint64(m.ID) > maxTableID {
				maxTableID = uint64(m.ID)
			}
		}
		for _, id := range t.Removed {
			delete(level, id)
			delete(meta, id)
		}
	}

	byLevel := map[int][]*sstable.Reader{}
	for id, lvl := range level {
		m := meta[id]
		r, err := sstable.Open(m.Path, id)
		if err != nil {
			// A table that fails to open during recovery is quarantined
			// rather than aborting startup entirely.
			mgr.Quarantine(id)
			continue
		}
		byLevel[lvl] = append(byLevel[lvl], r)
	}
	for lvl, readers := range byLevel {
		mgr.Commit(lvl, readers, nil)
	}

	walWriter, err := wal.NewWriter(dir, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: open wal: %v", ErrIO, err)
	}

	mutable := memtable.New()
	if err := wal.Replay(dir, func(rec wal.Record) error {
		switch rec.Op {
		case wal.OpPut:
			mutable.Put(rec.Key, rec.Value, rec.Seq)
		case wal.OpDelete:
			mutable.Delete(rec.Key, rec.Seq)
		}
		if rec.Seq > maxSeq {
			maxSeq = rec.Seq
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("%w: replay wal: %v", ErrIO, err)
	}

	e := &Engine{
		dir:     dir,
		mutable: mutable,
		wal:     walWriter,
		mgr:     mgr,
		man:     man,
	}
	e.seq.Store(maxSeq)
	e.tableIDs.Store(maxTableID)

	e.compactor = compaction.New(mgr, man, dir, e.nextTableID)
	e.compactor.Start(CompactionInterval)

	return e, nil
}

func (e *Engine) nextTableID() sstable.ID {
	return sstable.ID(e.tableIDs.Add(1))
}

// Put durably writes key=val and makes it immediately visible to Get/Range.
//
// The WAL append and the memtable write happen under the same lock as any
// WAL rotation a concurrent flush might perform: otherwise a write could
// land in the generation being sealed for flush while being applied to the
// memtable that replaces it, and the sealed generation is deleted once its
// flush commits, silently losing a durably-acknowledged write.
func (e *Engine) Put(key, val uint32) error {
	if e.closing.Load() {
		return ErrShuttingDown
	}

	e.mu.Lock()
	seq := e.seq.Add(1)
	if err := e.wal.Write(wal.Record{Op: wal.OpPut, Key: key, Value: val, Seq: seq}); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.mutable.Put(key, val, seq)
	needsFlush := e.mutable.SizeBytes() >= MemtableMaxBytes && e.flushing == nil
	e.mu.Unlock()

	if needsFlush {
		if err := e.flush(); err != nil {
			return err
		}
	}
	return nil
}

// Delete writes a tombstone for key, making prior values invisible. See
// Put for why the WAL append and memtable write share a lock with flush.
func (e *Engine) Delete(key uint32) error {
	if e.closing.Load() {
		return ErrShuttingDown
	}

	e.mu.Lock()
	seq := e.seq.Add(1)
	if err := e.wal.Write(wal.Record{Op: wal.OpDelete, Key: key, Seq: seq}); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.mutable.Delete(key, seq)
	needsFlush := e.mutable.SizeBytes() >= MemtableMaxBytes && e.flushing == nil
	e.mu.Unlock()

	if needsFlush {
		if err := e.flush(); err != nil {
			return err
		}
	}
	return nil
}

// Get looks up key across the mutable memtable, the flushing memtable (if
// any), L0 newest-to-oldest, then L1+ by key range — the standard LSM read
// path, where the first source holding the key wins outright because each
// later source is, by construction, strictly older.
func (e *Engine) Get(key uint32) (uint32, error) {
	e.mu.RLock()
	mutable, flushing := e.mutable, e.flushing
	e.mu.RUnlock()

	if rec, _, ok := mutable.Get(key); ok {
		return resolve(rec)
	}
	if flushing != nil {
		if rec, _, ok := flushing.Get(key); ok {
			return resolve(rec)
		}
	}

	v := e.mgr.Snapshot()
	levelsList := v.Levels()
	if len(levelsList) > 0 {
		l0 := levelsList[0]
		for i := len(l0) - 1; i >= 0; i-- {
			r := l0[i]
			if e.mgr.IsQuarantined(r.ID()) {
				continue
			}
			r.Acquire()
			rec, ok, err := r.Get(key)
			r.Release()
			if err != nil {
				e.mgr.Quarantine(r.ID())
				continue
			}
			if ok {
				return resolve(rec)
			}
		}
		for level := 1; level < len(levelsList); level++ {
			for _, r := range levelsList[level] {
				if key < r.MinKey() || key > r.MaxKey() {
					continue
				}
				if e.mgr.IsQuarantined(r.ID()) {
					continue
				}
				r.Acquire()
				rec, ok, err := r.Get(key)
				r.Release()
				if err != nil {
					e.mgr.Quarantine(r.ID())
					continue
				}
				if ok {
					return resolve(rec)
				}
				break
			}
		}
	}

	return 0, ErrNotFound
}

func resolve(rec kv.Record) (uint32, error) {
	if rec.Kind == kv.KindTombstone {
		return 0, ErrNotFound
	}
	return rec.Value, nil
}

// Range streams every live key in [lo, hi) in ascending order. The returned
// sequence holds SSTable references for its lifetime; consuming it fully
// (or breaking out of an early range-for) releases them.
func (e *Engine) Range(lo, hi uint32) iter.Seq[kv.Record] {
	return func(yield func(kv.Record) bool) {
		if lo >= hi {
			return
		}

		e.mu.RLock()
		mutable, flushing := e.mutable, e.flushing
		e.mu.RUnlock()

		rank := uint64(math.MaxUint64)
		var sources []mergeiter.Source

		var mutEntries []kv.Ranked
		mutable.IterRange(lo, hi, func(rec kv.Record, seq uint64) bool {
			mutEntries = append(mutEntries, kv.Ranked{Record: rec, Rank: rank})
			return true
		})
		if len(mutEntries) > 0 {
			sources = append(sources, mergeiter.NewSliceSource(mutEntries))
		}
		rank--

		if flushing != nil {
			var flEntries []kv.Ranked
			flushing.IterRange(lo, hi, func(rec kv.Record, seq uint64) bool {
				flEntries = append(flEntries, kv.Ranked{Record: rec, Rank: rank})
				return true
			})
			if len(flEntries) > 0 {
				sources = append(sources, mergeiter.NewSliceSource(flEntries))
			}
			rank--
		}

		v := e.mgr.Snapshot()
		var acquired []*sstable.Reader
		defer func() {
			for _, r := range acquired {
				r.Release()
			}
		}()

		levelsList := v.Levels()
		if len(levelsList) > 0 {
			l0 := levelsList[0]
			for i := len(l0) - 1; i >= 0; i-- {
				r := l0[i]
				if e.mgr.IsQuarantined(r.ID()) || !r.Overlaps(lo, hi) {
					continue
				}
				r.Acquire()
				acquired = append(acquired, r)
				sources = append(sources, tableRangeSource(r, lo, hi, rank))
				rank--
			}
			for level := 1; level < len(levelsList); level++ {
				for _, r := range levelsList[level] {
					if e.mgr.IsQuarantined(r.ID()) || !r.Overlaps(lo, hi) {
						continue
					}
					r.Acquire()
					acquired = append(acquired, r)
					sources = append(sources, tableRangeSource(r, lo, hi, rank))
				}
				rank--
			}
		}

		for rec := range mergeiter.Merge(sources, true) {
			if !yield(rec) {
				return
			}
		}
	}
}

func tableRangeSource(r *sstable.Reader, lo, hi uint32, rank uint64) mergeiter.Source {
	next, _ := iter.Pull(r.IterRange(lo, hi))
	return mergeiter.FromPull(func() (kv.Ranked, bool) {
		rec, ok := next()
		if !ok {
			return kv.Ranked{}, false
		}
		return kv.Ranked{Record: rec, Rank: rank}, true
	})
}

// Load applies a sequence of fixed-width (key, value) uint32 pairs read
// from r as PUTs, in order, via the loadfile package. If r ends mid-pair,
// entries already applied remain visible and Load returns
// (count, ErrBadLoadFile) rather than rolling back — a partial load is
// still a valid, inspectable state. Any other read failure is reported as
// ErrIO.
func (e *Engine) Load(r io.Reader) (int, error) {
	count, err := loadfile.Apply(r, func(p loadfile.Pair) error {
		return e.Put(p.Key, p.Value)
	})
	switch {
	case err == nil:
		return count, nil
	case errors.Is(err, loadfile.ErrBadLoadFile):
		return count, fmt.Errorf("%w: %v", ErrBadLoadFile, err)
	case errors.Is(err, loadfile.ErrIO):
		return count, fmt.Errorf("%w: %v", ErrIO, err)
	default:
		// e.Put's own error (ErrShuttingDown, ErrIO from the WAL, ...);
		// already one of this package's sentinels, pass through unwrapped.
		return count, err
	}
}

func (e *Engine) flush() error {
	e.mu.Lock()
	if e.flushing != nil {
		e.mu.Unlock()
		return nil
	}
	// Rotate before swapping in the new mutable memtable: every write
	// accepted after this point lands in the new active WAL generation,
	// so DeleteSealed below only discards what this flush actually
	// covers, never a write that arrived during the flush.
	if err := e.wal.Rotate(); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.mutable.Seal()
	e.flushing = e.mutable
	e.mutable = memtable.New()
	flushing := e.flushing
	e.mu.Unlock()

	entries := flushing.DrainSorted()
	id := e.nextTableID()
	path := filepath.Join(e.dir, fmt.Sprintf("%d.sst", id))
	b, err := sstable.NewBuilder(path, uint(len(entries)))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	for _, en := range entries {
		if err := b.Add(en.Record); err != nil {
			b.Abandon()
			return fmt.Errorf("%w: %v", ErrIO, err)
		}
	}
	meta, err := b.Finalize(id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	r, err := sstable.Open(meta.Path, id)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	if err := e.man.Append(manifest.Transition{Level: 0, Added: []sstable.Meta{*meta}, NextSeq: e.seq.Load()}); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}
	e.mgr.Commit(0, []*sstable.Reader{r}, nil)

	if err := e.wal.DeleteSealed(); err != nil {
		return fmt.Errorf("%w: %v", ErrIO, err)
	}

	e.mu.Lock()
	e.flushing = nil
	e.mu.Unlock()
	return nil
}

// Close flushes any buffered writes, stops the compactor, and closes the
// WAL and manifest. Once Close has begun, Put, Delete and Load fail with
// ErrShuttingDown; Get and Range do not check for shutdown.
func (e *Engine) Close() error {
	e.closing.Store(true)

	e.mu.RLock()
	hasData := e.mutable.Count() > 0
	e.mu.RUnlock()
	if hasData {
		if err := e.flush(); err != nil {
			return err
		}
	}

	e.compactor.Stop()
	if err := e.wal.Close(); err != nil {
		return err
	}
	return e.man.Close()
}
