package tts

import "context"

// Chunk is one slice of synthesized linear PCM. A non-nil Err terminates
// the stream.
type Chunk struct {
	PCM []byte
	Err error
}

// StreamingTTS is the capability contract any TTS vendor satisfies.
// Synthesize returns a lazy, ordered, finite stream of PCM chunks. The
// consumer may stop pulling at any point by cancelling ctx; the adapter
// must then release provider-side resources promptly, since barge-in
// depends on this.
type StreamingTTS interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Synthesize starts synthesis of text. The channel closes after the
	// last chunk or after an error chunk.
	Synthesize(ctx context.Context, text string) (<-chan Chunk, error)
	// Close releases any long-lived provider connection.
	Close() error
}

// Config contains vendor-agnostic TTS configuration.
type Config struct {
	StreamID   string
	CallSID    string
	SampleRate int
	Channels   int
}
