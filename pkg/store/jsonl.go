package store

import (
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// JSONLStore appends one JSON object per line to a writer. Records are
// queued onto a buffered channel and written by a single goroutine so
// the hot path never touches the file. When the queue is full the
// record is dropped and counted; a slow disk must not stall a call.
type JSONLStore struct {
	ch      chan envelope
	done    chan struct{}
	w       io.Writer
	closer  io.Closer
	log     *slog.Logger
	dropped int64
	mu      sync.Mutex
	closed  bool
}

type envelope struct {
	Kind string      `json:"kind"`
	Call *CallRecord `json:"call,omitempty"`
	Turn *TurnRecord `json:"turn,omitempty"`
}

// NewJSONLStore writes records to w. If w also implements io.Closer it
// is closed by Close.
func NewJSONLStore(w io.Writer, log *slog.Logger) *JSONLStore {
	if log == nil {
		log = slog.Default()
	}
	s := &JSONLStore{
		ch:   make(chan envelope, 256),
		done: make(chan struct{}),
		w:    w,
		log:  log,
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	go s.run()
	return s
}

func (s *JSONLStore) run() {
	defer close(s.done)
	enc := json.NewEncoder(s.w)
	for env := range s.ch {
		if err := enc.Encode(env); err != nil {
			s.log.Error("store write failed", "error", err)
		}
	}
}

func (s *JSONLStore) SaveCall(rec CallRecord) {
	s.enqueue(envelope{Kind: "call", Call: &rec})
}

func (s *JSONLStore) SaveTurn(rec TurnRecord) {
	s.enqueue(envelope{Kind: "turn", Turn: &rec})
}

func (s *JSONLStore) enqueue(env envelope) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	select {
	case s.ch <- env:
	default:
		s.dropped++
		s.log.Warn("store queue full, record dropped", "kind", env.Kind)
	}
	s.mu.Unlock()
}

// Dropped reports how many records were discarded because the queue was
// full.
func (s *JSONLStore) Dropped() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close drains the queue, waits for the writer goroutine, and closes the
// underlying file if it owns one.
func (s *JSONLStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.ch)
	<-s.done
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
