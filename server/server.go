// Package server exposes an Engine over the line-oriented TCP protocol: one
// request per line, one response per line. It is grounded in the pack's
// oarkflow-velocity TCP server (bufio.Scanner-per-connection, a
// processCommand dispatch switch, a connection registry for clean Stop),
// generalized from its AUTH/PUT/GET/DELETE/CLOSE command set to this
// store's p/g/d/l/r/s commands and error taxonomy.
package server

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/flashdb/flashdb/engine"
)

// ErrBind wraps a net.Listen failure inside Serve. Callers that need to
// distinguish a startup failure (bad address, port already in use) from a
// later accept/runtime failure should check for it with errors.Is before
// treating a Serve error as a runtime fault.
var ErrBind = errors.New("server: bind failed")

// Server accepts connections and serves requests against a single Engine.
type Server struct {
	eng *engine.Engine
	log *log.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	stopping bool
}

// New returns a Server bound to eng. If logger is nil, a default
// "[server] "-prefixed logger writing to stderr is used.
func New(eng *engine.Engine, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}
	return &Server{
		eng:   eng,
		log:   logger,
		conns: make(map[net.Conn]struct{}),
	}
}

// Serve binds addr and blocks accepting connections until Close is called,
// returning nil in that case.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: listen %s: %v", ErrBind, addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	s.log.Printf("listening on %s", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			stopping := s.stopping
			s.mu.Unlock()
			if stopping {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handle(conn)
	}
}

// Close stops accepting new connections, closes every open connection, and
// waits for in-flight requests to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.stopping = true
	ln := s.ln
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) handle(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	w := bufio.NewWriter(conn)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		resp := s.dispatch(line)
		if _, err := w.WriteString(resp); err != nil {
			return
		}
		if err := w.WriteByte('\n'); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERR unknown"
	}

	switch fields[0] {
	case "p":
		return s.doPut(fields[1:])
	case "g":
		return s.doGet(fields[1:])
	case "d":
		return s.doDelete(fields[1:])
	case "l":
		return s.doLoad(fields[1:])
	case "r":
		return s.doRange(fields[1:])
	case "s":
		return s.doStats(fields[1:])
	default:
		return "ERR unknown"
	}
}

func parseU32(s string) (uint32, bool) {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(v), true
}

func (s *Server) doPut(args []string) string {
	if len(args) != 2 {
		return "ERR usage: p <key> <value>"
	}
	key, ok1 := parseU32(args[0])
	val, ok2 := parseU32(args[1])
	if !ok1 || !ok2 {
		return "ERR badint"
	}
	if err := s.eng.Put(key, val); err != nil {
		return wireError(err)
	}
	return "OK"
}

func (s *Server) doGet(args []string) string {
	if len(args) != 1 {
		return "ERR usage: g <key>"
	}
	key, ok := parseU32(args[0])
	if !ok {
		return "ERR badint"
	}
	v, err := s.eng.Get(key)
	if errors.Is(err, engine.ErrNotFound) {
		return "MISS"
	}
	if err != nil {
		return wireError(err)
	}
	return strconv.FormatUint(uint64(v), 10)
}

func (s *Server) doDelete(args []string) string {
	if len(args) != 1 {
		return "ERR usage: d <key>"
	}
	key, ok := parseU32(args[0])
	if !ok {
		return "ERR badint"
	}
	if err := s.eng.Delete(key); err != nil {
		return wireError(err)
	}
	return "OK"
}

func (s *Server) doLoad(args []string) string {
	if len(args) != 1 {
		return "ERR usage: l <path>"
	}
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Sprintf("ERR %v", err)
	}
	defer f.Close()

	n, err := s.eng.Load(f)
	if err != nil {
		return fmt.Sprintf("ERR %v", err)
	}
	return fmt.Sprintf("OK %d", n)
}

func (s *Server) doRange(args []string) string {
	if len(args) != 2 {
		return "ERR usage: r <lo> <hi>"
	}
	lo, ok1 := parseU32(args[0])
	hi, ok2 := parseU32(args[1])
	if !ok1 || !ok2 {
		return "ERR badint"
	}

	var b strings.Builder
	first := true
	for rec := range s.eng.Range(lo, hi) {
		if !first {
			b.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&b, "%d:%d", rec.Key, rec.Value)
	}
	return b.String()
}

func (s *Server) doStats(args []string) string {
	if len(args) != 0 {
		return "ERR usage: s"
	}
	st := s.eng.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "memtable_entries=%d memtable_bytes=%d flushing=%t next_seq=%d next_table_id=%d wal_bytes_written=%d manifest_transitions=%d quarantined_tables=%d",
		st.MemtableEntries, st.MemtableBytes, st.FlushingActive, st.NextSeq, st.NextTableID,
		st.WALBytesWritten, st.ManifestTransitions, st.QuarantinedTables)
	for i, c := range st.LevelTableCounts {
		fmt.Fprintf(&b, " l%d_tables=%d l%d_bytes=%d l%d_bloom_false_positives=%d", i, c, i, st.LevelBytes[i], i, st.LevelBloomFalsePositives[i])
	}
	return b.String()
}

func wireError(err error) string {
	switch {
	case errors.Is(err, engine.ErrBadRequest):
		return fmt.Sprintf("ERR bad_request: %v", err)
	case errors.Is(err, engine.ErrCorrupt):
		return fmt.Sprintf("ERR corrupt: %v", err)
	case errors.Is(err, engine.ErrBadLoadFile):
		return fmt.Sprintf("ERR bad_load_file: %v", err)
	case errors.Is(err, engine.ErrShuttingDown):
		return "ERR shutting_down"
	case errors.Is(err, engine.ErrIO):
		return fmt.Sprintf("ERR io: %v", err)
	default:
		return fmt.Sprintf("ERR %v", err)
	}
}
