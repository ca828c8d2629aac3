package turn

import (
	"context"
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/adapters/stt"
	"github.com/kestrelvoice/kestrel/pkg/bargein"
	"github.com/kestrelvoice/kestrel/pkg/frames"
	"github.com/kestrelvoice/kestrel/pkg/llm"
	"github.com/kestrelvoice/kestrel/pkg/providers/mock"
	"github.com/kestrelvoice/kestrel/pkg/store"
)

var (
	errTranscript = errors.New("recognizer stream broke")
	errSynthesis  = errors.New("voice unavailable")
)

type fakeTransport struct {
	mu     sync.Mutex
	frames []frames.Frame
}

func (f *fakeTransport) Send(fr frames.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, fr)
	return nil
}

func (f *fakeTransport) audioFrames() []frames.AudioFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []frames.AudioFrame
	for _, fr := range f.frames {
		if a, ok := fr.(frames.AudioFrame); ok {
			out = append(out, a)
		}
	}
	return out
}

func (f *fakeTransport) clears() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if c, ok := fr.(frames.ControlFrame); ok && c.Code() == frames.ControlClear {
			n++
		}
	}
	return n
}

type fakeStore struct {
	mu    sync.Mutex
	turns []store.TurnRecord
}

func (f *fakeStore) SaveCall(store.CallRecord) {}
func (f *fakeStore) SaveTurn(rec store.TurnRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns = append(f.turns, rec)
}
func (f *fakeStore) Close() error { return nil }
func (f *fakeStore) records() []store.TurnRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.TurnRecord, len(f.turns))
	copy(out, f.turns)
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func loudPCM(samples int, amplitude int16) []byte {
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(amplitude))
	}
	return out
}

type harness struct {
	ctrl      *Controller
	sttMock   *mock.STT
	ttsMock   *mock.TTS
	llmMock   *mock.LLM
	transport *fakeTransport
	store     *fakeStore
	cancel    context.CancelFunc
}

func newHarness(t *testing.T, cfg Config, llmMock *mock.LLM, ttsMock *mock.TTS, sttMock *mock.STT) *harness {
	t.Helper()
	if sttMock == nil {
		sttMock = mock.NewSTT()
	}
	if ttsMock == nil {
		ttsMock = mock.NewTTS()
	}
	if llmMock == nil {
		llmMock = mock.NewLLM()
	}
	cfg.StreamID = "MZ1"
	cfg.CallSID = "CA1"
	tr := &fakeTransport{}
	st := &fakeStore{}
	ctrl := New(cfg, Deps{
		Transport: tr,
		STT:       sttMock,
		LLM:       llmMock,
		TTS:       ttsMock,
		Store:     st,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		if err := ctrl.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	t.Cleanup(cancel)
	h := &harness{ctrl: ctrl, sttMock: sttMock, ttsMock: ttsMock, llmMock: llmMock, transport: tr, store: st, cancel: cancel}
	waitFor(t, "listening", func() bool { return ctrl.State() == StateListening })
	return h
}

func TestHappyPathTurn(t *testing.T) {
	ttsMock := mock.NewTTS(make([]byte, 320), make([]byte, 320), make([]byte, 160))
	llmMock := mock.NewLLM(llm.Reply{Text: "We are open 9 to 5.", Action: llm.ActionAnswerFact})
	h := newHarness(t, Config{}, llmMock, ttsMock, nil)

	h.sttMock.Emit(stt.Event{Text: "what are your", Final: false})
	h.sttMock.Emit(stt.Event{Text: "what are your hours", Final: true, SpeechFinal: true})

	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })

	rec := h.store.records()[0]
	if rec.Transcript != "what are your hours" {
		t.Errorf("transcript = %q", rec.Transcript)
	}
	if rec.Action != "answer_fact" || rec.Reply != "We are open 9 to 5." {
		t.Errorf("record = %+v", rec)
	}
	if rec.BargedIn || rec.Truncated || rec.Failed {
		t.Errorf("unexpected flags on clean turn: %+v", rec)
	}

	audio := h.transport.audioFrames()
	if len(audio) != 3 {
		t.Fatalf("expected 3 outbound frames, got %d", len(audio))
	}
	for i := 1; i < len(audio); i++ {
		if audio[i].Seq() <= audio[i-1].Seq() {
			t.Fatalf("outbound frames out of order: %d then %d", audio[i-1].Seq(), audio[i].Seq())
		}
	}
	// 320 PCM bytes encode to 160 mulaw bytes.
	if got := len(audio[0].Payload()); got != 160 {
		t.Errorf("encoded frame size = %d, want 160", got)
	}
}

func TestSilenceTimeoutFinalizesUtterance(t *testing.T) {
	sttMock := mock.NewSTT(stt.Event{Text: "hello there", Final: true})
	h := newHarness(t, Config{SilenceTimeout: 50 * time.Millisecond}, nil, nil, sttMock)

	// A partial arms the quiet-period timer; no speech_final ever arrives.
	h.sttMock.Emit(stt.Event{Text: "hello", Final: false})

	waitFor(t, "finish called", func() bool { return h.sttMock.Finishes() == 1 })
	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })
	if rec := h.store.records()[0]; rec.Transcript != "hello there" {
		t.Errorf("transcript = %q", rec.Transcript)
	}
}

func TestBargeInFlushesAndFlagsTurn(t *testing.T) {
	ttsMock := mock.NewTTS(make([]byte, 320), make([]byte, 320), make([]byte, 320), make([]byte, 320))
	ttsMock.ChunkDelay = 30 * time.Millisecond
	cfg := Config{
		BargeIn: bargein.Config{
			EnergyThreshold: 300,
			Window:          40 * time.Millisecond,
			FrameDuration:   20 * time.Millisecond,
		},
	}
	h := newHarness(t, cfg, nil, ttsMock, nil)

	h.sttMock.Emit(stt.Event{Text: "tell me a story", Final: true, SpeechFinal: true})
	waitFor(t, "playing", func() bool { return h.ctrl.State() == StatePlaying })

	// Sustained caller voice while the assistant speaks.
	for i := 0; i < 20 && h.ctrl.State() == StatePlaying; i++ {
		frame := frames.NewAudioFrame("MZ1", int64(i+1), frames.DirectionInbound,
			loudPCM(160, 8000), 8000, 1, nil)
		if err := h.ctrl.Deliver(frame); err != nil {
			t.Fatalf("deliver: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	waitFor(t, "relisten after barge-in", func() bool { return h.ctrl.State() == StateListening })
	waitFor(t, "clear instruction", func() bool { return h.transport.clears() == 1 })
	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })
	if rec := h.store.records()[0]; !rec.BargedIn {
		t.Errorf("barge-in flag not set: %+v", rec)
	}
	waitFor(t, "tts cancelled", func() bool { return h.ttsMock.Cancelled() == 1 })
}

func TestConsecutiveSTTFailuresTakeMessage(t *testing.T) {
	h := newHarness(t, Config{FailureThreshold: 2}, nil, nil, nil)

	// First unusable transcript: spoken clarification, no escalation.
	h.sttMock.Emit(stt.Event{Err: errTranscript})
	waitFor(t, "clarify spoken", func() bool {
		calls := h.ttsMock.Calls()
		return len(calls) == 1 && calls[0] == clarifyLine
	})
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })

	// Second in a row: stop re-asking, take a message.
	h.sttMock.Emit(stt.Event{Err: errTranscript})
	waitFor(t, "take message spoken", func() bool {
		calls := h.ttsMock.Calls()
		return len(calls) == 2 && calls[1] == takeMessageLine
	})
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })

	recs := h.store.records()
	if len(recs) != 3 {
		t.Fatalf("expected 2 failure records + 1 take_message turn, got %d", len(recs))
	}
	if !recs[0].Failed || !recs[1].Failed {
		t.Errorf("failure records not flagged: %+v %+v", recs[0], recs[1])
	}
	final := recs[2]
	if final.Action != string(llm.ActionTakeMessage) || final.Reply != takeMessageLine {
		t.Errorf("escalation record = %+v", final)
	}
	// Failed attempts consume turn numbers; no two records share one.
	if recs[0].Turn != 1 || recs[1].Turn != 2 || final.Turn != 3 {
		t.Errorf("turn numbers = %d %d %d, want 1 2 3", recs[0].Turn, recs[1].Turn, final.Turn)
	}

	// Success resets the counter: one more failure only clarifies.
	h.sttMock.Emit(stt.Event{Text: "hi", Final: true, SpeechFinal: true})
	waitFor(t, "normal turn", func() bool { return len(h.store.records()) == 4 })
	if rec := h.store.records()[3]; rec.Turn != 4 {
		t.Errorf("turn after failures = %d, want 4", rec.Turn)
	}
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })
	h.sttMock.Emit(stt.Event{Err: errTranscript})
	waitFor(t, "clarify again", func() bool {
		calls := h.ttsMock.Calls()
		return len(calls) > 0 && calls[len(calls)-1] == clarifyLine
	})
}

func TestLLMTimeoutSpeaksFallback(t *testing.T) {
	llmMock := mock.NewLLM()
	llmMock.CompleteFn = func(ctx context.Context, req llm.Request) (llm.Reply, error) {
		<-ctx.Done()
		return llm.Reply{}, ctx.Err()
	}
	h := newHarness(t, Config{LLMTimeout: 40 * time.Millisecond}, llmMock, nil, nil)

	h.sttMock.Emit(stt.Event{Text: "book me in", Final: true, SpeechFinal: true})
	waitFor(t, "fallback spoken", func() bool {
		calls := h.ttsMock.Calls()
		return len(calls) == 1 && calls[0] == apologyLine
	})
	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })

	rec := h.store.records()[0]
	if rec.Action != string(llm.ActionTakeMessage) {
		t.Errorf("fallback action = %q", rec.Action)
	}
	if rec.FailReason != "llm_timeout" {
		t.Errorf("fail reason = %q", rec.FailReason)
	}
}

func TestTTSFailureSkipsPlayback(t *testing.T) {
	ttsMock := mock.NewTTS()
	ttsMock.Err = errSynthesis
	h := newHarness(t, Config{}, nil, ttsMock, nil)

	h.sttMock.Emit(stt.Event{Text: "hello", Final: true, SpeechFinal: true})
	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })

	rec := h.store.records()[0]
	if rec.FailReason != "tts_provider" {
		t.Errorf("fail reason = %q", rec.FailReason)
	}
	if got := len(h.transport.audioFrames()); got != 0 {
		t.Errorf("expected no outbound audio, got %d frames", got)
	}
}

func TestHangupMidPlaybackTruncatesTurn(t *testing.T) {
	ttsMock := mock.NewTTS(make([]byte, 320), make([]byte, 320), make([]byte, 320))
	ttsMock.ChunkDelay = 30 * time.Millisecond
	h := newHarness(t, Config{}, nil, ttsMock, nil)

	h.sttMock.Emit(stt.Event{Text: "hello", Final: true, SpeechFinal: true})
	waitFor(t, "playing", func() bool { return h.ctrl.State() == StatePlaying })

	end := frames.NewSystemFrame("MZ1", 1, "call_ended", map[string]string{
		frames.MetaCallEndReason: "caller_hangup",
	})
	if err := h.ctrl.Deliver(end); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	<-h.ctrl.Done()
	if h.ctrl.State() != StateClosed {
		t.Fatalf("state = %s", h.ctrl.State())
	}
	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })
	if rec := h.store.records()[0]; !rec.Truncated {
		t.Errorf("truncation flag not set: %+v", rec)
	}
	sum := h.ctrl.Summary()
	if sum.EndReason != "caller_hangup" || sum.TurnCount != 1 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestGreetingPlaysWithoutTurnRecord(t *testing.T) {
	h := newHarness(t, Config{Greeting: "Thanks for calling North Clinic."}, nil, nil, nil)

	waitFor(t, "greeting spoken", func() bool {
		calls := h.ttsMock.Calls()
		return len(calls) == 1 && calls[0] == "Thanks for calling North Clinic."
	})
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })
	if len(h.store.records()) != 0 {
		t.Errorf("greeting must not produce a turn record")
	}
}

func TestHistoryCarriesAcrossTurns(t *testing.T) {
	llmMock := mock.NewLLM(
		llm.Reply{Text: "Hello!", Action: llm.ActionNone},
		llm.Reply{Text: "We are open 9 to 5.", Action: llm.ActionAnswerFact},
	)
	h := newHarness(t, Config{}, llmMock, nil, nil)

	h.sttMock.Emit(stt.Event{Text: "hi", Final: true, SpeechFinal: true})
	waitFor(t, "first turn", func() bool { return len(h.store.records()) == 1 })
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })

	h.sttMock.Emit(stt.Event{Text: "what are your hours", Final: true, SpeechFinal: true})
	waitFor(t, "second turn", func() bool { return len(h.store.records()) == 2 })

	reqs := h.llmMock.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 llm requests, got %d", len(reqs))
	}
	if len(reqs[1].History) != 1 || reqs[1].History[0].User != "hi" || reqs[1].History[0].Assistant != "Hello!" {
		t.Errorf("history = %+v", reqs[1].History)
	}
}

func TestCompletedTurnsReleaseSynthesisGoroutines(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil, nil)

	// One warmup turn so steady-state helpers count into the baseline.
	h.sttMock.Emit(stt.Event{Text: "hello", Final: true, SpeechFinal: true})
	waitFor(t, "warmup turn", func() bool { return len(h.store.records()) == 1 })
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })

	before := runtime.NumGoroutine()
	for i := 2; i <= 21; i++ {
		h.sttMock.Emit(stt.Event{Text: "hello again", Final: true, SpeechFinal: true})
		n := i
		waitFor(t, "turn record", func() bool { return len(h.store.records()) == n })
		waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })
	}

	time.Sleep(50 * time.Millisecond)
	if after := runtime.NumGoroutine(); after > before+4 {
		t.Fatalf("goroutines grew from %d to %d over 20 turns", before, after)
	}
}

func TestStalledPlaybackTimesOutAndRelistens(t *testing.T) {
	ttsMock := mock.NewTTS(make([]byte, 320), make([]byte, 320), make([]byte, 320))
	ttsMock.StallAfter = 1
	h := newHarness(t, Config{TTSTimeout: 60 * time.Millisecond}, nil, ttsMock, nil)

	h.sttMock.Emit(stt.Event{Text: "tell me everything", Final: true, SpeechFinal: true})
	waitFor(t, "playing", func() bool { return h.ctrl.State() == StatePlaying })
	waitFor(t, "relisten after stall", func() bool { return h.ctrl.State() == StateListening })
	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })

	rec := h.store.records()[0]
	if rec.FailReason != "tts_timeout" {
		t.Errorf("fail reason = %q", rec.FailReason)
	}
	if got := len(h.transport.audioFrames()); got != 1 {
		t.Errorf("expected 1 outbound frame before the stall, got %d", got)
	}
	waitFor(t, "tts stream cancelled", func() bool { return h.ttsMock.Cancelled() == 1 })
}

func TestRepromptNudgesSilentCaller(t *testing.T) {
	cfg := Config{
		RepromptAfter: 40 * time.Millisecond,
		RepromptText:  "You there?",
		RepromptMax:   2,
	}
	h := newHarness(t, cfg, nil, nil, nil)

	waitFor(t, "first reprompt", func() bool {
		calls := h.ttsMock.Calls()
		return len(calls) == 1 && calls[0] == "You there?"
	})
	waitFor(t, "second reprompt", func() bool { return len(h.ttsMock.Calls()) == 2 })

	// Past the cap the caller is left alone.
	time.Sleep(150 * time.Millisecond)
	if got := len(h.ttsMock.Calls()); got != 2 {
		t.Fatalf("reprompts = %d, want 2", got)
	}
	if len(h.store.records()) != 0 {
		t.Errorf("reprompt must not produce a turn record")
	}

	// A completed turn resets the budget.
	h.sttMock.Emit(stt.Event{Text: "sorry, hi", Final: true, SpeechFinal: true})
	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })
	waitFor(t, "reprompt after turn", func() bool { return len(h.ttsMock.Calls()) >= 4 })
}

func TestSummaryCountsActionsAndLatency(t *testing.T) {
	llmMock := mock.NewLLM(
		llm.Reply{Text: "Booked for Tuesday.", Action: llm.ActionSchedule,
			Args: map[string]any{"day": "tuesday"}},
		llm.Reply{Text: "I'll pass that on.", Action: llm.ActionTakeMessage},
	)
	h := newHarness(t, Config{}, llmMock, nil, nil)

	h.sttMock.Emit(stt.Event{Text: "book me tuesday", Final: true, SpeechFinal: true})
	waitFor(t, "first turn", func() bool { return len(h.store.records()) == 1 })
	waitFor(t, "relisten", func() bool { return h.ctrl.State() == StateListening })
	h.sttMock.Emit(stt.Event{Text: "tell them I called", Final: true, SpeechFinal: true})
	waitFor(t, "second turn", func() bool { return len(h.store.records()) == 2 })

	recs := h.store.records()
	if recs[0].Args == nil || recs[0].Args["day"] != "tuesday" {
		t.Errorf("args not recorded: %+v", recs[0].Args)
	}
	if recs[0].LatencyMS < 0 {
		t.Errorf("latency = %d", recs[0].LatencyMS)
	}

	end := frames.NewSystemFrame("MZ1", 1, "call_ended", map[string]string{
		frames.MetaCallEndReason: "caller_hangup",
	})
	if err := h.ctrl.Deliver(end); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	<-h.ctrl.Done()

	sum := h.ctrl.Summary()
	if sum.Summary != "turns: 2, scheduled: 1, messages: 1" {
		t.Errorf("summary line = %q", sum.Summary)
	}
	if sum.LastAction != string(llm.ActionTakeMessage) {
		t.Errorf("last action = %q", sum.LastAction)
	}
}

func TestMalformedFrameDroppedCallContinues(t *testing.T) {
	h := newHarness(t, Config{}, nil, nil, nil)

	bad := frames.NewAudioFrame("MZ1", 1, frames.DirectionInbound, nil, 8000, 1,
		map[string]string{frames.MetaEncoding: "mulaw"})
	if err := h.ctrl.Deliver(bad); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	h.sttMock.Emit(stt.Event{Text: "still here", Final: true, SpeechFinal: true})
	waitFor(t, "turn record", func() bool { return len(h.store.records()) == 1 })
	if h.sttMock.BytesIn() != 0 {
		t.Errorf("malformed frame must not reach stt, got %d bytes", h.sttMock.BytesIn())
	}
}
