package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/metrics"
)

// LatencyObserver stitches per-turn timing events into a single latency
// breakdown log line: utterance end → STT final → LLM reply → first TTS
// audio. One trace per stream+turn; emitted when playback starts or the
// turn fails.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	utteranceEnd time.Time
	sttFinal     time.Time
	llmDone      time.Time
	ttsFirst     time.Time
	traceID      string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	if ev.Tags == nil {
		return
	}
	stream, turn := ev.Tags["stream_id"], ev.Tags["turn"]
	if stream == "" || turn == "" {
		return
	}
	key := stream + "/" + turn
	o.mu.Lock()
	defer o.mu.Unlock()
	t := o.traces[key]
	if t == nil {
		t = &trace{}
		o.traces[key] = t
	}
	if t.traceID == "" {
		t.traceID = ev.Tags["trace_id"]
	}
	switch ev.Name {
	case "utterance_end":
		if t.utteranceEnd.IsZero() {
			t.utteranceEnd = ev.Time
		}
	case "stt_final":
		if t.sttFinal.IsZero() {
			t.sttFinal = ev.Time
		}
	case "llm_reply":
		if t.llmDone.IsZero() {
			t.llmDone = ev.Time
		}
	case "tts_first_audio":
		if t.ttsFirst.IsZero() {
			t.ttsFirst = ev.Time
		}
		o.emitLocked(key, t)
	case "turn_failed":
		o.emitLocked(key, t)
	}
}

func (o *LatencyObserver) emitLocked(key string, t *trace) {
	attrs := []any{"trace", key}
	if t.traceID != "" {
		attrs = append(attrs, "trace_id", t.traceID)
	}
	if !t.utteranceEnd.IsZero() && !t.sttFinal.IsZero() {
		attrs = append(attrs, "stt_final_ms", t.sttFinal.Sub(t.utteranceEnd).Milliseconds())
	}
	if !t.sttFinal.IsZero() && !t.llmDone.IsZero() {
		attrs = append(attrs, "llm_ms", t.llmDone.Sub(t.sttFinal).Milliseconds())
	}
	if !t.llmDone.IsZero() && !t.ttsFirst.IsZero() {
		attrs = append(attrs, "tts_first_audio_ms", t.ttsFirst.Sub(t.llmDone).Milliseconds())
	}
	if !t.utteranceEnd.IsZero() && !t.ttsFirst.IsZero() {
		attrs = append(attrs, "turn_total_ms", t.ttsFirst.Sub(t.utteranceEnd).Milliseconds())
	}
	o.log.Info("turn_latency", attrs...)
	delete(o.traces, key)
}
