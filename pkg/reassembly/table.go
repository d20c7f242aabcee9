package reassembly

import (
	"sort"
	"sync"
)

// Table maps stream names to their reassembly state. Streams are created on
// first use and never removed; memory per stream is bounded by eviction.
//
// Locking: the table RWMutex only guards the map. Every pending-frame
// mutation of a stream happens under that stream's own mutex.
type Table struct {
	mu      sync.RWMutex
	streams map[string]*Stream
}

func NewTable() *Table {
	return &Table{streams: make(map[string]*Stream)}
}

// Stream returns the state for name, creating it if needed.
func (t *Table) Stream(name string) *Stream {
	t.mu.RLock()
	st, ok := t.streams[name]
	t.mu.RUnlock()
	if ok {
		return st
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.streams[name]; ok {
		return st
	}
	st = &Stream{name: name}
	t.streams[name] = st
	return st
}

// Lookup returns the state for name without creating it.
func (t *Table) Lookup(name string) (*Stream, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.streams[name]
	return st, ok
}

// Names lists known streams in lexical order.
func (t *Table) Names() []string {
	t.mu.RLock()
	names := make([]string, 0, len(t.streams))
	for name := range t.streams {
		names = append(names, name)
	}
	t.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Stream holds the frame-id ordered pending frames of one stream name.
type Stream struct {
	name string

	mu      sync.Mutex
	pending []*pendingFrame

	completedAny  bool
	lastCompleted uint32

	// staleRun counts distinct ids in a row rejected as stale.
	staleRun    uint32
	lastStaleID uint32
	generation  uint32
}

func (s *Stream) Name() string { return s.name }

// PendingIDs returns the ids of incomplete frames, oldest first.
func (s *Stream) PendingIDs() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uint32, len(s.pending))
	for i, pf := range s.pending {
		ids[i] = pf.id
	}
	return ids
}

// LastCompleted returns the id of the most recent completed frame.
func (s *Stream) LastCompleted() (uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCompleted, s.completedAny
}

// pendingFrame is a frame with at least one part received. buf is sized for
// totalParts full parts; only the final part may be shorter.
type pendingFrame struct {
	id         uint32
	totalParts uint32
	capacity   int
	received   []bool
	count      uint32
	lastLen    int
	buf        []byte
}

func newPendingFrame(id, totalParts uint32, capacity int) *pendingFrame {
	return &pendingFrame{
		id:         id,
		totalParts: totalParts,
		capacity:   capacity,
		received:   make([]bool, totalParts),
		buf:        make([]byte, int(totalParts)*capacity),
	}
}

func (pf *pendingFrame) complete() bool {
	return pf.count == pf.totalParts
}

// bytes returns the assembled frame trimmed to its real length.
func (pf *pendingFrame) bytes() []byte {
	return pf.buf[:int(pf.totalParts-1)*pf.capacity+pf.lastLen]
}

// removeThrough drops pending[0..i] and returns how many frames other than
// pending[i] were evicted.
func (s *Stream) removeThrough(i int) int {
	n := copy(s.pending, s.pending[i+1:])
	clear(s.pending[n:])
	s.pending = s.pending[:n]
	return i
}

// noteStale records a part of a frame that is not newer than the last
// completed one and reports whether limit distinct such frames arrived in a
// row.
func (s *Stream) noteStale(id, limit uint32) bool {
	if s.staleRun == 0 || id != s.lastStaleID {
		s.staleRun++
		s.lastStaleID = id
	}
	return limit > 0 && s.staleRun >= limit
}

// reset forgets the completion history and drops every pending frame,
// returning how many were dropped.
func (s *Stream) reset() int {
	n := len(s.pending)
	clear(s.pending)
	s.pending = s.pending[:0]
	s.completedAny = false
	s.lastCompleted = 0
	s.staleRun = 0
	s.generation++
	return n
}

func (s *Stream) insertAt(i int, pf *pendingFrame) {
	s.pending = append(s.pending, nil)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = pf
}
