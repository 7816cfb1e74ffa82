// Package manifest is the durable record of the level structure: every
// compaction and flush appends one Transition describing which SSTables
// were added to and removed from which level, so the engine can rebuild
// its Level Manager state on restart without rescanning every table file.
// It is grounded in the teacher's segmentmanager/segments append-only log
// discipline (open-or-create, append, fsync), generalized from "rotate a
// log segment" to "append a level transition," and serialized with
// encoding/json one record per line, the serialization the rest of the
// example pack (oarkflow-velocity's audit and backup modules) reaches for.
package manifest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/flashdb/flashdb/sstable"
)

// FileName is the manifest's fixed filename within the data directory.
const FileName = "MANIFEST"

// Transition records one atomic change to the level structure: tables
// added to Level, and tables removed from whichever level held them (a
// compaction lists both its source-level and destination-level inputs
// here). Flush transitions also carry the sequence number watermark in
// effect at the time, so recovery can resume sequence numbering past every
// transition it replays; compaction transitions leave NextSeq zero.
type Transition struct {
	Level   int            `json:"level"`
	Added   []sstable.Meta `json:"added"`
	Removed []sstable.ID   `json:"removed,omitempty"`
	NextSeq uint64         `json:"next_seq"`
}

// Manifest appends Transitions to a durable, append-only log.
type Manifest struct {
	mu    sync.Mutex
	f     *os.File
	count atomic.Int64
}

// Open opens (creating if necessary) the manifest file under dir. The
// transition counter is seeded from whatever transitions already exist on
// disk, so TransitionCount reflects the manifest's full history across a
// restart, not just what this process has appended since Open.
func Open(dir string) (*Manifest, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("manifest: create dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dir, FileName), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("manifest: open: %w", err)
	}
	existing, err := Load(dir)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("manifest: counting existing transitions: %w", err)
	}
	m := &Manifest{f: f}
	m.count.Store(int64(len(existing)))
	return m, nil
}

// Append durably records t as the next transition.
func (m *Manifest) Append(t Transition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("manifest: marshal: %w", err)
	}
	b = append(b, '\n')
	if _, err := m.f.Write(b); err != nil {
		return fmt.Errorf("manifest: write: %w", err)
	}
	if err := m.f.Sync(); err != nil {
		return err
	}
	m.count.Add(1)
	return nil
}

// TransitionCount returns the total number of transitions recorded in the
// manifest, including any replayed from disk at Open.
func (m *Manifest) TransitionCount() int64 {
	return m.count.Load()
}

// Close closes the underlying file.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}

// Load replays every transition previously appended under dir, in order.
// A trailing partial line (a crash mid-append) is discarded rather than
// treated as an error, matching the WAL's torn-write recovery behavior.
func Load(dir string) ([]Transition, error) {
	f, err := os.Open(filepath.Join(dir, FileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: open: %w", err)
	}
	defer f.Close()

	var transitions []Transition
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var t Transition
		if err := json.Unmarshal(line, &t); err != nil {
			break
		}
		transitions = append(transitions, t)
	}
	return transitions, nil
}
