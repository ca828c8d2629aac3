package mock

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/adapters/tts"
)

// TTS is a scripted text-to-speech adapter. Synthesize streams the
// configured chunks, optionally pacing them so cancellation mid-stream
// can be exercised.
type TTS struct {
	mu         sync.Mutex
	Chunks     [][]byte
	ChunkDelay time.Duration
	// StallAfter, when positive, wedges the stream after that many
	// chunks: no further chunks and no close until ctx is cancelled.
	StallAfter int
	Err        error
	calls      []string
	cancelled  int
}

func NewTTS(chunks ...[]byte) *TTS {
	if len(chunks) == 0 {
		chunks = [][]byte{make([]byte, 320)}
	}
	return &TTS{Chunks: chunks}
}

func (m *TTS) Name() string { return "mock-tts" }

func (m *TTS) Synthesize(ctx context.Context, text string) (<-chan tts.Chunk, error) {
	m.mu.Lock()
	if m.Err != nil {
		err := m.Err
		m.mu.Unlock()
		return nil, err
	}
	m.calls = append(m.calls, text)
	chunks := m.Chunks
	delay := m.ChunkDelay
	stallAfter := m.StallAfter
	m.mu.Unlock()

	out := make(chan tts.Chunk)
	go func() {
		defer close(out)
		for i, pcm := range chunks {
			if stallAfter > 0 && i == stallAfter {
				<-ctx.Done()
				m.mu.Lock()
				m.cancelled++
				m.mu.Unlock()
				return
			}
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					m.mu.Lock()
					m.cancelled++
					m.mu.Unlock()
					return
				}
			}
			select {
			case out <- tts.Chunk{PCM: pcm}:
			case <-ctx.Done():
				m.mu.Lock()
				m.cancelled++
				m.mu.Unlock()
				return
			}
		}
	}()
	return out, nil
}

func (m *TTS) Close() error { return nil }

// Calls returns the synthesized texts in order.
func (m *TTS) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	copy(out, m.calls)
	return out
}

// Cancelled reports how many syntheses were cut short by context
// cancellation.
func (m *TTS) Cancelled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}
