package sparseindex

import "testing"

func TestLookupBracketsBlock(t *testing.T) {
	ix := New()
	ix.Append(0, 0)
	ix.Append(128, 1000)
	ix.Append(256, 2000)

	tests := []struct {
		key        uint32
		wantOffset uint32
		wantOK     bool
	}{
		{0, 0, true},
		{5, 0, true},
		{127, 0, true},
		{128, 1000, true},
		{300, 2000, true},
	}

	for _, tt := range tests {
		off, ok := ix.Lookup(tt.key)
		if ok != tt.wantOK || off != tt.wantOffset {
			t.Fatalf("Lookup(%d) = (%d, %v), want (%d, %v)", tt.key, off, ok, tt.wantOffset, tt.wantOK)
		}
	}
}

func TestLookupEmptyIndex(t *testing.T) {
	ix := New()
	if _, ok := ix.Lookup(42); ok {
		t.Fatal("expected no block for empty index")
	}
}

func TestLookupRangeFindsStartBlock(t *testing.T) {
	ix := New()
	ix.Append(0, 0)
	ix.Append(100, 100)
	ix.Append(200, 200)

	if got := ix.LookupRange(50); got != 0 {
		t.Fatalf("LookupRange(50) = %d, want 0", got)
	}
	if got := ix.LookupRange(150); got != 1 {
		t.Fatalf("LookupRange(150) = %d, want 1", got)
	}
	if got := ix.LookupRange(1000); got != 2 {
		t.Fatalf("LookupRange(1000) = %d, want 2", got)
	}
}
