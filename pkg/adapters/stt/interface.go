package stt

import "context"

// Event is one transcript update from the recognizer. Partial events are
// best-effort and may be superseded; a final event is stable. SpeechFinal
// marks the recognizer's own end-of-utterance decision.
type Event struct {
	Text        string
	Final       bool
	SpeechFinal bool
	Confidence  float64
	Err         error
}

// StreamingSTT is the capability contract any STT vendor satisfies. One
// stream serves one call. After Finish, the adapter emits exactly one
// terminal final event (possibly empty) and closes Events; the caller
// enforces its own timeout around that.
type StreamingSTT interface {
	// Name returns the adapter name for logging/metrics.
	Name() string
	// Start opens the recognizer connection.
	Start(ctx context.Context) error
	// SendAudio forwards one decoded PCM chunk, in strict arrival order.
	SendAudio(pcm []byte) error
	// Finish signals end-of-audio for the current utterance.
	Finish() error
	// Events returns the ordered transcript event stream.
	Events() <-chan Event
	// Close tears the connection down and releases provider resources.
	Close() error
}

// Config contains vendor-agnostic STT configuration.
type Config struct {
	StreamID   string
	CallSID    string
	TraceID    string
	SampleRate int
	Language   string
}
