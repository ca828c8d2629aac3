package mock

import (
	"context"
	"sync"

	"github.com/kestrelvoice/kestrel/pkg/adapters/stt"
)

// STT is a scripted speech-to-text adapter for tests and dry runs.
// Each call to Finish pops the next scripted result and emits it as a
// final event; SendAudio just counts bytes.
type STT struct {
	mu        sync.Mutex
	scripts   []stt.Event
	events    chan stt.Event
	started   bool
	closed    bool
	bytesIn   int
	finishes  int
	FinishErr error
	StartErr  error
}

// NewSTT builds a scripted adapter. Events passed here are emitted one
// per Finish call, in order; when the script runs out Finish emits an
// empty final.
func NewSTT(scripts ...stt.Event) *STT {
	return &STT{
		scripts: scripts,
		events:  make(chan stt.Event, 16),
	}
}

func (m *STT) Name() string { return "mock-stt" }

func (m *STT) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return m.StartErr
	}
	m.started = true
	return nil
}

func (m *STT) SendAudio(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bytesIn += len(pcm)
	return nil
}

func (m *STT) Finish() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FinishErr != nil {
		return m.FinishErr
	}
	m.finishes++
	var ev stt.Event
	if len(m.scripts) > 0 {
		ev = m.scripts[0]
		m.scripts = m.scripts[1:]
	} else {
		ev = stt.Event{Final: true}
	}
	if !m.closed {
		m.events <- ev
	}
	return nil
}

// Emit pushes an event mid-stream, e.g. a partial while audio is still
// arriving.
func (m *STT) Emit(ev stt.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.events <- ev
	}
}

func (m *STT) Events() <-chan stt.Event { return m.events }

func (m *STT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
	return nil
}

// BytesIn reports total audio bytes received, for assertions.
func (m *STT) BytesIn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesIn
}

// Finishes reports how many times Finish was called.
func (m *STT) Finishes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.finishes
}
