package engine

import "errors"

// The engine's error taxonomy. Callers (the wire protocol server, the CLI)
// switch on these with errors.Is rather than inspecting formatted messages.
var (
	// ErrBadRequest means the caller's input was structurally invalid
	// (e.g. a key out of the protocol's representable range).
	ErrBadRequest = errors.New("engine: bad request")

	// ErrNotFound means a GET target key has no live entry.
	ErrNotFound = errors.New("engine: not found")

	// ErrCorrupt means on-disk state (an SSTable, the WAL, the manifest)
	// failed a consistency check during a read or during recovery.
	ErrCorrupt = errors.New("engine: corrupt data")

	// ErrIO wraps an underlying filesystem error encountered while
	// serving a request.
	ErrIO = errors.New("engine: io failure")

	// ErrBadLoadFile means a LOAD source ended mid-record; entries
	// decoded before the truncation remain applied and visible.
	ErrBadLoadFile = errors.New("engine: malformed load file")

	// ErrShuttingDown means the engine is mid-Close and no longer
	// accepts new requests.
	ErrShuttingDown = errors.New("engine: shutting down")
)
