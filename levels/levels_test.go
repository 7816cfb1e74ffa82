package levels

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/flashdb/flashdb/kv"
	"github.com/flashdb/flashdb/sstable"
)

func buildTable(t *testing.T, dir string, id sstable.ID, keys []uint32) *sstable.Reader {
	t.Helper()
	path := filepath.Join(dir, "table.sst")
	b, err := sstable.NewBuilder(path, uint(len(keys)))
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range keys {
		if err := b.Add(kv.Record{Key: k, Kind: kv.KindValue, Value: k * 10}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.Finalize(id); err != nil {
		t.Fatal(err)
	}
	r, err := sstable.Open(path, id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestCommitPublishesSnapshot(t *testing.T) {
	dir := t.TempDir()
	m := New()

	r1 := buildTable(t, dir, 1, []uint32{1, 2, 3})
	m.Commit(0, []*sstable.Reader{r1}, nil)

	v := m.Snapshot()
	if v.Depth() != 1 || len(v.Levels()[0]) != 1 {
		t.Fatalf("got %+v", v.Levels())
	}
}

func TestCommitReplacesRemoved(t *testing.T) {
	dir := t.TempDir()
	m := New()

	os.MkdirAll(filepath.Join(dir, "a"), 0o755)
	r1 := buildTable(t, filepath.Join(dir, "a"), 1, []uint32{1, 2})
	m.Commit(0, []*sstable.Reader{r1}, nil)

	os.MkdirAll(filepath.Join(dir, "b"), 0o755)
	r2 := buildTable(t, filepath.Join(dir, "b"), 2, []uint32{1, 2, 3})
	m.Commit(1, []*sstable.Reader{r2}, []sstable.ID{1})
	m.Commit(0, nil, []sstable.ID{1})

	v := m.Snapshot()
	if len(v.Levels()[0]) != 0 {
		t.Fatalf("expected level 0 empty after removal, got %+v", v.Levels()[0])
	}
	if len(v.Levels()[1]) != 1 || v.Levels()[1][0].ID() != 2 {
		t.Fatalf("expected level 1 to hold table 2, got %+v", v.Levels()[1])
	}
}

func TestNeedsCompactionL0ByCount(t *testing.T) {
	dir := t.TempDir()
	m := New()
	for i := 0; i < L0CompactionTrigger; i++ {
		sub := filepath.Join(dir, string(rune('a'+i)))
		if err := os.MkdirAll(sub, 0o755); err != nil {
			t.Fatal(err)
		}
		r := buildTable(t, sub, sstable.ID(i+1), []uint32{uint32(i)})
		m.Commit(0, []*sstable.Reader{r}, nil)
	}
	if !NeedsCompaction(m.Snapshot(), 0) {
		t.Fatal("expected L0 to need compaction at trigger count")
	}
}

func TestQuarantine(t *testing.T) {
	m := New()
	if m.IsQuarantined(5) {
		t.Fatal("expected not quarantined initially")
	}
	m.Quarantine(5)
	if !m.IsQuarantined(5) {
		t.Fatal("expected quarantined after Quarantine")
	}
}

func TestOverlapping(t *testing.T) {
	dir := t.TempDir()
	m := New()
	sub := filepath.Join(dir, "a")
	os.MkdirAll(sub, 0o755)
	r := buildTable(t, sub, 1, []uint32{10, 20, 30})
	m.Commit(1, []*sstable.Reader{r}, nil)

	v := m.Snapshot()
	if got := Overlapping(v, 1, 15, 25); len(got) != 1 {
		t.Fatalf("expected overlap, got %v", got)
	}
	if got := Overlapping(v, 1, 100, 200); len(got) != 0 {
		t.Fatalf("expected no overlap, got %v", got)
	}
}

func TestOverlappingClosedIncludesExactBoundary(t *testing.T) {
	dir := t.TempDir()
	m := New()
	sub := filepath.Join(dir, "a")
	os.MkdirAll(sub, 0o755)
	r := buildTable(t, sub, 1, []uint32{30, 40, 50})
	m.Commit(1, []*sstable.Reader{r}, nil)

	v := m.Snapshot()
	// Half-open Overlapping excludes a table whose MinKey equals hi exactly.
	if got := Overlapping(v, 1, 10, 30); len(got) != 0 {
		t.Fatalf("expected half-open exclusion at boundary, got %v", got)
	}
	// OverlappingClosed treats hi as inclusive, so it must be included.
	if got := OverlappingClosed(v, 1, 10, 30); len(got) != 1 {
		t.Fatalf("expected closed-range inclusion at boundary, got %v", got)
	}
}
