package engine

// Stats summarizes the engine's current state, returned by the STATS
// command.
type Stats struct {
	MemtableEntries int
	MemtableBytes   int64
	FlushingActive  bool
	LevelTableCounts []int
	LevelBytes       []int64
	NextSeq          uint64
	NextTableID      uint64

	// WALBytesWritten is the cumulative number of bytes durably appended
	// to the write-ahead log since the engine was opened.
	WALBytesWritten int64
	// ManifestTransitions is the total number of level transitions
	// recorded in the manifest, including those replayed at Open.
	ManifestTransitions int64
	// QuarantinedTables is the number of SSTables currently excluded from
	// reads after failing to open or decode.
	QuarantinedTables int
	// LevelBloomFalsePositives sums, per level, every Get call across that
	// level's tables where the bloom filter indicated a possible match
	// that the index/block scan then disproved.
	LevelBloomFalsePositives []int64
}

// Stats reports a point-in-time snapshot of the engine's state.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	mutEntries := e.mutable.Count()
	mutBytes := e.mutable.SizeBytes()
	flushing := e.flushing != nil
	e.mu.RUnlock()

	v := e.mgr.Snapshot()
	counts := make([]int, v.Depth())
	sizes := make([]int64, v.Depth())
	bloomFPs := make([]int64, v.Depth())
	for i, lvl := range v.Levels() {
		counts[i] = len(lvl)
		var total int64
		var fps int64
		for _, r := range lvl {
			total += r.SizeBytes()
			fps += r.BloomFalsePositives()
		}
		sizes[i] = total
		bloomFPs[i] = fps
	}

	return Stats{
		MemtableEntries:          mutEntries,
		MemtableBytes:            mutBytes,
		FlushingActive:           flushing,
		LevelTableCounts:         counts,
		LevelBytes:               sizes,
		NextSeq:                  e.seq.Load(),
		NextTableID:              e.tableIDs.Load(),
		WALBytesWritten:          e.wal.BytesWritten(),
		ManifestTransitions:      e.man.TransitionCount(),
		QuarantinedTables:        e.mgr.QuarantineCount(),
		LevelBloomFalsePositives: bloomFPs,
	}
}
