package codec

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/flashdb/flashdb/kv"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  kv.Record
	}{
		{"value", kv.Record{Key: 1, Kind: kv.KindValue, Value: 100}},
		{"tombstone", kv.Record{Key: 7, Kind: kv.KindTombstone, Value: 0}},
		{"max", kv.Record{Key: 0xFFFFFFFF, Kind: kv.KindValue, Value: 0xFFFFFFFF}},
		{"zero", kv.Record{Key: 0, Kind: kv.KindValue, Value: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Encode(&buf, tt.rec); err != nil {
				t.Fatal(err)
			}
			if buf.Len() != EntrySize {
				t.Fatalf("expected %d bytes, got %d", EntrySize, buf.Len())
			}

			got, err := Decode(&buf)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.rec {
				t.Fatalf("got %+v, want %+v", got, tt.rec)
			}
		})
	}
}

func TestDecodeShortBufferIsUnexpectedEOF(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{1, 2, 3})
	if _, err := Decode(&buf); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected io.ErrUnexpectedEOF decoding short buffer, got %v", err)
	}
}

func TestTryEntryShortBuffer(t *testing.T) {
	if _, err := TryEntry([]byte{1, 2, 3}); err != ErrShortBuffer {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
}

func TestPutEntryEntryRoundTrip(t *testing.T) {
	rec := kv.Record{Key: 42, Kind: kv.KindTombstone, Value: 99}
	buf := make([]byte, EntrySize)
	PutEntry(buf, rec)
	got := Entry(buf)
	if got != rec {
		t.Fatalf("got %+v, want %+v", got, rec)
	}
}
