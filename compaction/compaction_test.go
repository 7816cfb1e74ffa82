package compaction

import (
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/flashdb/flashdb/kv"
	"github.com/flashdb/flashdb/levels"
	"github.com/flashdb/flashdb/sstable"
)

func idAllocator() func() sstable.ID {
	var n atomic.Uint64
	return func() sstable.ID {
		return sstable.ID(n.Add(1))
	}
}

func buildTable(t *testing.T, dir string, id sstable.ID, recs []kv.Record) *sstable.Reader {
	t.Helper()
	path := filepath.Join(dir, "in.sst")
	b, err := sstable.NewBuilder(path, uint(len(recs)))
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recs {
		if err := b.Add(r); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.Finalize(id); err != nil {
		t.Fatal(err)
	}
	rd, err := sstable.Open(path, id)
	if err != nil {
		t.Fatal(err)
	}
	return rd
}

func val(k, v uint32) kv.Record { return kv.Record{Key: k, Kind: kv.KindValue, Value: v} }
func tomb(k uint32) kv.Record   { return kv.Record{Key: k, Kind: kv.KindTombstone} }

func TestTickMergesL0IntoL1(t *testing.T) {
	root := t.TempDir()
	mgr := levels.New()
	nextID := idAllocator()

	for i := 0; i < levels.L0CompactionTrigger; i++ {
		sub := filepath.Join(root, "in", string(rune('a'+i)))
		mustMkdir(t, sub)
		r := buildTable(t, sub, sstable.ID(100+i), []kv.Record{val(uint32(i), uint32(i*10))})
		mgr.Commit(0, []*sstable.Reader{r}, nil)
	}

	outDir := filepath.Join(root, "out")
	mustMkdir(t, outDir)
	c := New(mgr, nil, outDir, nextID)

	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}

	v := mgr.Snapshot()
	if len(v.Levels()[0]) != 0 {
		t.Fatalf("expected L0 drained, got %d tables", len(v.Levels()[0]))
	}
	if v.Depth() < 2 || len(v.Levels()[1]) == 0 {
		t.Fatalf("expected L1 populated, got %+v", v.Levels())
	}

	var total uint64
	for _, r := range v.Levels()[1] {
		total += r.EntryCount()
	}
	if total != uint64(levels.L0CompactionTrigger) {
		t.Fatalf("expected %d entries in L1, got %d", levels.L0CompactionTrigger, total)
	}
}

func TestCompactionNewestWinsAcrossLevels(t *testing.T) {
	root := t.TempDir()
	mgr := levels.New()
	nextID := idAllocator()

	l1dir := filepath.Join(root, "l1")
	mustMkdir(t, l1dir)
	old := buildTable(t, l1dir, 1, []kv.Record{val(5, 50)})
	mgr.Commit(1, []*sstable.Reader{old}, nil)

	for i := 0; i < levels.L0CompactionTrigger; i++ {
		sub := filepath.Join(root, "l0", string(rune('a'+i)))
		mustMkdir(t, sub)
		key := uint32(i)
		if i == 0 {
			key = 5
		}
		r := buildTable(t, sub, sstable.ID(200+i), []kv.Record{val(key, 999)})
		mgr.Commit(0, []*sstable.Reader{r}, nil)
	}

	outDir := filepath.Join(root, "out")
	mustMkdir(t, outDir)
	c := New(mgr, nil, outDir, nextID)
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}

	v := mgr.Snapshot()
	found := false
	for _, r := range v.Levels()[1] {
		rec, ok, err := r.Get(5)
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			found = true
			if rec.Value != 999 {
				t.Fatalf("expected newer L0 value to win, got %+v", rec)
			}
		}
	}
	if !found {
		t.Fatal("expected key 5 to survive compaction")
	}
}

func TestBottommostCompactionDropsTombstones(t *testing.T) {
	root := t.TempDir()
	mgr := levels.New()
	nextID := idAllocator()

	l1dir := filepath.Join(root, "l1")
	mustMkdir(t, l1dir)
	old := buildTable(t, l1dir, 1, []kv.Record{val(5, 50)})
	mgr.Commit(1, []*sstable.Reader{old}, nil)

	for i := 0; i < levels.L0CompactionTrigger; i++ {
		sub := filepath.Join(root, "l0", string(rune('a'+i)))
		mustMkdir(t, sub)
		key := uint32(i)
		var rec kv.Record
		if i == 0 {
			key = 5
			rec = tomb(key)
		} else {
			rec = val(key, uint32(i))
		}
		r := buildTable(t, sub, sstable.ID(300+i), []kv.Record{rec})
		mgr.Commit(0, []*sstable.Reader{r}, nil)
	}

	outDir := filepath.Join(root, "out")
	mustMkdir(t, outDir)
	c := New(mgr, nil, outDir, nextID)
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}

	v := mgr.Snapshot()
	for _, r := range v.Levels()[1] {
		if _, ok, _ := r.Get(5); ok {
			t.Fatal("expected tombstone for key 5 to be dropped at the bottom level")
		}
	}
}

func TestCompactionPreservesMaxUint32Key(t *testing.T) {
	root := t.TempDir()
	mgr := levels.New()
	nextID := idAllocator()

	for i := 0; i < levels.L0CompactionTrigger; i++ {
		sub := filepath.Join(root, "in", string(rune('a'+i)))
		mustMkdir(t, sub)
		key := uint32(i)
		if i == 0 {
			key = math.MaxUint32
		}
		r := buildTable(t, sub, sstable.ID(400+i), []kv.Record{val(key, uint32(i))})
		mgr.Commit(0, []*sstable.Reader{r}, nil)
	}

	outDir := filepath.Join(root, "out")
	mustMkdir(t, outDir)
	c := New(mgr, nil, outDir, nextID)
	if err := c.Tick(); err != nil {
		t.Fatal(err)
	}

	v := mgr.Snapshot()
	found := false
	for _, r := range v.Levels()[1] {
		if _, ok, err := r.Get(math.MaxUint32); err == nil && ok {
			found = true
		}
	}
	if !found {
		t.Fatal("expected key math.MaxUint32 to survive compaction")
	}
}

// TestPickRoundRobinAdvancesAcrossLevelAndWraps exercises the cursor
// directly against a sorted table list, the shape pickJob always hands it
// (levels.Manager.Commit keeps level>=1 slices sorted by MinKey): each call
// should move past the table just picked, and once every table has been
// visited the cursor wraps back to the first.
func TestPickRoundRobinAdvancesAcrossLevelAndWraps(t *testing.T) {
	root := t.TempDir()
	l1dir := filepath.Join(root, "l1")
	mustMkdir(t, l1dir)

	var tables []*sstable.Reader
	for i, base := range []uint32{0, 100, 200} {
		sub := filepath.Join(l1dir, string(rune('a'+i)))
		mustMkdir(t, sub)
		r := buildTable(t, sub, sstable.ID(500+i), []kv.Record{val(base, 1), val(base+1, 1)})
		tables = append(tables, r)
	}

	c := New(levels.New(), nil, root, idAllocator())

	first := c.pickRoundRobin(1, tables)
	c.rrCursor[1] = first.MaxKey()
	second := c.pickRoundRobin(1, tables)
	c.rrCursor[1] = second.MaxKey()
	third := c.pickRoundRobin(1, tables)
	c.rrCursor[1] = third.MaxKey()
	wrapped := c.pickRoundRobin(1, tables)

	if first.ID() != tables[0].ID() {
		t.Fatalf("expected first pick to be the lowest-range table, got id %d", first.ID())
	}
	if second.ID() != tables[1].ID() || third.ID() != tables[2].ID() {
		t.Fatalf("expected round-robin to visit tables in key order, got ids %d then %d", second.ID(), third.ID())
	}
	if wrapped.ID() != tables[0].ID() {
		t.Fatalf("expected cursor to wrap back to the first table, got id %d", wrapped.ID())
	}
}

func mustMkdir(t *testing.T, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
}
