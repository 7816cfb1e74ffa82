package mergeiter

import (
	"testing"

	"github.com/flashdb/flashdb/kv"
)

func rec(key uint32, kind kv.Kind, val uint32, rank uint64) kv.Ranked {
	return kv.Ranked{Record: kv.Record{Key: key, Kind: kind, Value: val}, Rank: rank}
}

func collect(t *testing.T, sources []Source, dropTombstones bool) []kv.Record {
	t.Helper()
	var got []kv.Record
	for r := range Merge(sources, dropTombstones) {
		got = append(got, r)
	}
	return got
}

func TestMergeNewestWins(t *testing.T) {
	a := NewSliceSource([]kv.Ranked{rec(1, kv.KindValue, 10, 1), rec(2, kv.KindValue, 20, 1)})
	b := NewSliceSource([]kv.Ranked{rec(1, kv.KindValue, 99, 5)})

	got := collect(t, []Source{a, b}, false)
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if got[0].Key != 1 || got[0].Value != 99 {
		t.Fatalf("expected key 1 to resolve to newer value 99, got %+v", got[0])
	}
	if got[1].Key != 2 || got[1].Value != 20 {
		t.Fatalf("got %+v", got[1])
	}
}

func TestMergeAscendingAcrossSources(t *testing.T) {
	a := NewSliceSource([]kv.Ranked{rec(5, kv.KindValue, 50, 1), rec(9, kv.KindValue, 90, 1)})
	b := NewSliceSource([]kv.Ranked{rec(3, kv.KindValue, 30, 2), rec(4, kv.KindValue, 40, 2)})

	got := collect(t, []Source{a, b}, false)
	want := []uint32{3, 4, 5, 9}
	if len(got) != len(want) {
		t.Fatalf("got %v want keys %v", got, want)
	}
	for i, k := range want {
		if got[i].Key != k {
			t.Fatalf("got %v want keys %v", got, want)
		}
	}
}

func TestMergeDropsShadowedTombstonesAtBottom(t *testing.T) {
	a := NewSliceSource([]kv.Ranked{rec(1, kv.KindValue, 1, 1)})
	b := NewSliceSource([]kv.Ranked{rec(1, kv.KindTombstone, 0, 2)})

	got := collect(t, []Source{a, b}, true)
	if len(got) != 0 {
		t.Fatalf("expected tombstone to be dropped at bottom, got %v", got)
	}

	got = collect(t, []Source{
		NewSliceSource([]kv.Ranked{rec(1, kv.KindValue, 1, 1)}),
		NewSliceSource([]kv.Ranked{rec(1, kv.KindTombstone, 0, 2)}),
	}, false)
	if len(got) != 1 || got[0].Kind != kv.KindTombstone {
		t.Fatalf("expected preserved tombstone, got %v", got)
	}
}

func TestMergeEarlyStop(t *testing.T) {
	a := NewSliceSource([]kv.Ranked{rec(1, kv.KindValue, 1, 1), rec(2, kv.KindValue, 2, 1), rec(3, kv.KindValue, 3, 1)})
	var got []kv.Record
	for r := range Merge([]Source{a}, false) {
		got = append(got, r)
		if len(got) == 1 {
			break
		}
	}
	if len(got) != 1 {
		t.Fatalf("expected early stop after 1 entry, got %d", len(got))
	}
}
