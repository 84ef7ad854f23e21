package server

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/danmuck/transposectl/internal/protocol"
	"github.com/danmuck/transposectl/internal/protocol/upload"
	"github.com/danmuck/transposectl/internal/transpose"
)

var (
	ErrNoData     = errors.New("server: no matrix or configurations loaded")
	ErrAlready    = errors.New("server: transpose already running")
	ErrNoResults  = errors.New("server: no results recorded")
	ErrSessionEnd = errors.New("server: session closed")
)

// State is the externally visible session phase.
type State int

const (
	StateEmpty State = iota
	StateLoaded
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	default:
		return "unknown"
	}
}

// Job is the immutable input handed to one dispatcher run.
type Job struct {
	Matrix  transpose.Matrix
	Configs []int
}

// StatusSnapshot is a consistent read of the progress fields.
type StatusSnapshot struct {
	Busy   bool
	Cursor int
	Total  int
}

// Session is the per-connection compute state.
// All fields are guarded by mu; mu is never held across a transpose run or a
// network write.
type Session struct {
	mu      sync.Mutex
	loaded  bool
	matrix  transpose.Matrix
	digest  uint64
	configs []int
	timings []time.Duration
	cursor  int
	busy    bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewSession() *Session {
	return &Session{}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.busy:
		return StateRunning
	case s.loaded:
		return StateLoaded
	default:
		return StateEmpty
	}
}

// Load replaces the base matrix and configurations and clears prior timings.
func (s *Session) Load(u upload.Upload) error {
	digest := matrixDigest(u.Matrix)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return ErrAlready
	}
	s.loaded = true
	s.matrix = u.Matrix
	s.digest = digest
	s.configs = append([]int(nil), u.Configs...)
	s.timings = nil
	s.cursor = 0
	return nil
}

// Begin marks the session busy and returns the job to run. The returned
// context is cancelled when the session closes.
func (s *Session) Begin(parent context.Context) (context.Context, Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, Job{}, ErrSessionEnd
	}
	if s.matrix.Empty() || len(s.configs) == 0 {
		return nil, Job{}, ErrNoData
	}
	if s.busy {
		return nil, Job{}, ErrAlready
	}
	ctx, cancel := context.WithCancel(parent)
	s.busy = true
	s.cursor = 0
	s.timings = nil
	s.cancel = cancel
	s.done = make(chan struct{})
	job := Job{Matrix: s.matrix, Configs: append([]int(nil), s.configs...)}
	return ctx, job, nil
}

func (s *Session) Status() StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StatusSnapshot{Busy: s.busy, Cursor: s.cursor, Total: len(s.configs)}
}

// StatusReply renders the REQUEST_STATUS answer.
func (s *Session) StatusReply() string {
	st := s.Status()
	if !st.Busy {
		return protocol.ReplyStatusFinished
	}
	return protocol.FormatStatus(st.Cursor+1, st.Total)
}

// Results returns completed timings in submission order with the matrix size.
func (s *Session) Results() (int, []protocol.Timing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timings) == 0 {
		return 0, nil, ErrNoResults
	}
	out := make([]protocol.Timing, len(s.timings))
	for i, d := range s.timings {
		out[i] = protocol.Timing{Threads: s.configs[i], Seconds: d.Seconds()}
	}
	return s.matrix.N, out, nil
}

func (s *Session) Digest() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.digest
}

func (s *Session) advance(i int) {
	s.mu.Lock()
	s.cursor = i
	s.mu.Unlock()
}

func (s *Session) record(d time.Duration) {
	s.mu.Lock()
	s.timings = append(s.timings, d)
	s.mu.Unlock()
}

// finish clears the busy flag and releases waiters on the finished job.
func (s *Session) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.busy = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
}

// Close cancels any running job and returns a channel closed once it stops.
func (s *Session) Close() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.done == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.done
}

// matrixDigest hashes n and the cells in big-endian order, one row at a time.
func matrixDigest(m transpose.Matrix) uint64 {
	h := xxhash.New()
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(m.N))
	_, _ = h.Write(b[:])
	if m.N <= 0 {
		return h.Sum64()
	}
	row := make([]byte, 0, 4*m.N)
	for i := 0; i+m.N <= len(m.Cells); i += m.N {
		row = row[:0]
		for _, v := range m.Cells[i : i+m.N] {
			row = binary.BigEndian.AppendUint32(row, uint32(v))
		}
		_, _ = h.Write(row)
	}
	return h.Sum64()
}
