package wal

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

// Replay calls fn for every record previously written under dir, in order:
// the sealed generation first (if a flush was interrupted mid-commit,
// leaving both files present), then the active generation. A short or
// corrupt trailing frame — a torn write from a crash mid-append — stops
// replay of that file without error, since the record never reached its
// caller as an acknowledged write.
func Replay(dir string, fn func(Record) error) error {
	if err := replayFile(filepath.Join(dir, SealedFileName), fn); err != nil {
		return err
	}
	return replayFile(filepath.Join(dir, FileName), fn)
}

func replayFile(path string, fn func(Record) error) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		rec, err := Decode(f)
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupt) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}
