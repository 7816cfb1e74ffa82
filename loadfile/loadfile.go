// Package loadfile implements the LOAD command's bulk-ingest file format: a
// flat, headerless sequence of 8-byte (key, value) pairs, each a pair of
// little-endian uint32s matching the rest of the on-disk layout's
// endianness. Unlike the SSTable entry format, load files carry only live
// PUTs — no per-record flag byte, since a bulk load has no notion of a
// tombstone.
package loadfile

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrBadLoadFile is returned when the input ends mid-record: a trailing,
// partial 8-byte frame left by a truncated file.
var ErrBadLoadFile = errors.New("loadfile: truncated record")

// ErrIO wraps any read failure other than truncation.
var ErrIO = errors.New("loadfile: io")

// Pair is one decoded (key, value) record.
type Pair struct {
	Key   uint32
	Value uint32
}

// Apply reads fixed-width pairs from r in order, calling apply for each as
// it is decoded. If r ends mid-pair, the pairs already applied remain
// valid and Apply returns (count, ErrBadLoadFile) rather than rolling
// back — a partial load is still a valid, inspectable state. Any other
// read failure is wrapped in ErrIO. If apply returns an error, Apply stops
// and returns that error unwrapped, with count reflecting pairs applied
// before the failure.
func Apply(r io.Reader, apply func(Pair) error) (int, error) {
	var buf [8]byte
	count := 0
	for {
		n, err := io.ReadFull(r, buf[:])
		switch {
		case err == nil:
		case errors.Is(err, io.EOF) && n == 0:
			return count, nil
		case errors.Is(err, io.ErrUnexpectedEOF):
			return count, fmt.Errorf("%w: %v", ErrBadLoadFile, err)
		default:
			return count, fmt.Errorf("%w: %v", ErrIO, err)
		}

		p := Pair{
			Key:   binary.LittleEndian.Uint32(buf[0:4]),
			Value: binary.LittleEndian.Uint32(buf[4:8]),
		}
		if err := apply(p); err != nil {
			return count, err
		}
		count++
	}
}
