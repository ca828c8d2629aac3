package turn

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/adapters/stt"
	"github.com/kestrelvoice/kestrel/pkg/adapters/tts"
	"github.com/kestrelvoice/kestrel/pkg/bargein"
	"github.com/kestrelvoice/kestrel/pkg/codec"
	"github.com/kestrelvoice/kestrel/pkg/convo"
	"github.com/kestrelvoice/kestrel/pkg/errorsx"
	"github.com/kestrelvoice/kestrel/pkg/frames"
	"github.com/kestrelvoice/kestrel/pkg/llm"
	"github.com/kestrelvoice/kestrel/pkg/logging"
	"github.com/kestrelvoice/kestrel/pkg/metrics"
	"github.com/kestrelvoice/kestrel/pkg/store"
)

// Sender delivers outbound frames to the telephony transport.
type Sender interface {
	Send(f frames.Frame) error
}

// Config tunes one call's controller. Zero values fall back to defaults.
type Config struct {
	StreamID   string
	CallSID    string
	FromNumber string
	TraceID    string

	SampleRate     int
	ChunkDuration  time.Duration // inbound PCM is batched to this size before the recognizer
	SilenceTimeout time.Duration // quiet period that ends an utterance
	STTTimeout     time.Duration // waiting for the terminal final after Finish
	LLMTimeout     time.Duration
	TTSTimeout     time.Duration // waiting for the first audio chunk
	BargeInGrace   time.Duration // bound on waiting for a cancelled synthesis

	FailureThreshold int // consecutive unusable transcripts before taking a message
	HistoryLimit     int

	// RepromptAfter nudges a silent caller. Zero disables reprompting.
	RepromptAfter time.Duration
	RepromptText  string
	RepromptMax   int

	Greeting string
	Prompt   convo.PromptConfig
	BargeIn  bargein.Config
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = 8000
	}
	if c.ChunkDuration <= 0 {
		c.ChunkDuration = 200 * time.Millisecond
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 1200 * time.Millisecond
	}
	if c.STTTimeout <= 0 {
		c.STTTimeout = 3 * time.Second
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 8 * time.Second
	}
	if c.TTSTimeout <= 0 {
		c.TTSTimeout = 5 * time.Second
	}
	if c.BargeInGrace <= 0 {
		c.BargeInGrace = 250 * time.Millisecond
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 2
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.RepromptText == "" {
		c.RepromptText = "Are you still there?"
	}
	if c.RepromptMax <= 0 {
		c.RepromptMax = 2
	}
	return c
}

// Deps are the per-call collaborators. STT and TTS instances belong to
// this call; LLM, Store, and Metrics may be shared and must be stateless
// across calls.
type Deps struct {
	Transport Sender
	STT       stt.StreamingSTT
	LLM       llm.Adapter
	TTS       tts.StreamingTTS
	Store     store.Store
	Metrics   metrics.Observer
	FAQ       *convo.FAQ
	Logger    *slog.Logger
}

// Spoken fallbacks used when a provider leg fails. The caller must never
// sit in dead air past one timeout.
const (
	clarifyLine     = "I'm sorry, I didn't catch that. Could you say it again?"
	takeMessageLine = "I'm having trouble hearing you. Let me take a message and someone will call you back."
	apologyLine     = "I'm sorry, I'm having trouble right now. Let me take a message and someone will call you back."
)

type llmResult struct {
	turn  int
	reply llm.Reply
	err   error
}

type ttsEvent struct {
	gen   int
	chunk tts.Chunk
	done  bool
	err   error
}

// Summary is the once-per-call rollup handed to the session manager at
// close.
type Summary struct {
	CallSID    string
	StreamID   string
	FromNumber string
	StartedAt  time.Time
	EndedAt    time.Time
	TurnCount  int
	EndReason  string
	LastAction string
	Summary    string
}

// Controller runs one call's turn loop. All state below the channel
// fields is owned by the Run goroutine; external collaborators interact
// only through Deliver, Hangup, and the atomic state snapshot.
type Controller struct {
	cfg    Config
	deps   Deps
	cdc    codec.Codec
	sttBuf *codec.Buffer
	det    *bargein.Detector
	log    *slog.Logger

	inbox chan frames.Frame
	ctl   chan string
	llmCh chan llmResult
	ttsCh chan ttsEvent

	state   atomic.Int32
	dropped atomic.Int64
	closed  chan struct{}

	// Run-goroutine-owned turn state.
	turn       int
	turnCount  int
	segments   []string
	pending    string
	history    []llm.Exchange
	failures   int
	seq        int64
	utterStart time.Time
	utterEnd   time.Time
	cur        *store.TurnRecord
	gen        int
	ttsCancel  context.CancelFunc
	silence    *time.Timer
	provider   *time.Timer
	reprompt   *time.Timer
	reprompts  int
	scheduled  int
	messages   int
	startedAt  time.Time
	endedAt    time.Time
	endReason  string
	lastAction string
}

func New(cfg Config, deps Deps) *Controller {
	cfg = cfg.withDefaults()
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Store == nil {
		deps.Store = store.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoopObserver{}
	}
	log := logging.NewComponentLogger(deps.Logger, "turn_controller").With(
		slog.String("stream_id", cfg.StreamID),
		slog.String("call_sid", cfg.CallSID))
	cdc := codec.New(cfg.SampleRate, 1)
	c := &Controller{
		cfg:    cfg,
		deps:   deps,
		cdc:    cdc,
		sttBuf: codec.NewBuffer(cdc, int(cfg.ChunkDuration/time.Millisecond)),
		det:    bargein.NewDetector(cfg.BargeIn),
		log:    log,
		inbox:  make(chan frames.Frame, 256),
		ctl:    make(chan string, 4),
		llmCh:  make(chan llmResult, 1),
		ttsCh:  make(chan ttsEvent, 8),
		closed: make(chan struct{}),
	}
	c.state.Store(int32(StateIdle))
	return c
}

// State returns a snapshot of the current state. Safe from any
// goroutine.
func (c *Controller) State() State { return State(c.state.Load()) }

// Done closes when the call reaches the terminal state.
func (c *Controller) Done() <-chan struct{} { return c.closed }

// Deliver hands an inbound frame to the controller. It never blocks: a
// full inbox drops the frame, because stale telephony audio is worse
// than lost telephony audio.
func (c *Controller) Deliver(f frames.Frame) error {
	if c.State() == StateClosed {
		return errorsx.New(errorsx.ReasonTransportClosed, "call closed")
	}
	select {
	case c.inbox <- f:
		return nil
	default:
		c.dropped.Add(1)
		return nil
	}
}

// Hangup requests call teardown with the given reason.
func (c *Controller) Hangup(reason string) {
	select {
	case c.ctl <- reason:
	default:
	}
}

// Summary reports the call rollup. Valid once Done is closed.
func (c *Controller) Summary() Summary {
	return Summary{
		CallSID:    c.cfg.CallSID,
		StreamID:   c.cfg.StreamID,
		FromNumber: c.cfg.FromNumber,
		StartedAt:  c.startedAt,
		EndedAt:    c.endedAt,
		TurnCount:  c.turnCount,
		EndReason:  c.endReason,
		LastAction: c.lastAction,
		Summary:    c.summaryLine(),
	}
}

// Run drives the call until it closes. It owns every state mutation; the
// select loop is the only place provider results, timers, and transport
// frames meet.
func (c *Controller) Run(ctx context.Context) error {
	c.startedAt = time.Now()
	if err := c.deps.STT.Start(ctx); err != nil {
		c.close("stt_connect_failed")
		return errorsx.Wrap(err, errorsx.ReasonSTTConnect)
	}
	c.setState(StateListening, "call started")

	silence := newStoppedTimer()
	provider := newStoppedTimer()
	reprompt := newStoppedTimer()
	defer silence.Stop()
	defer provider.Stop()
	defer reprompt.Stop()
	c.silence = silence
	c.provider = provider
	c.reprompt = reprompt

	if c.cfg.Greeting != "" {
		c.speak(c.cfg.Greeting)
	} else {
		c.armReprompt()
	}

	events := c.deps.STT.Events()
	for c.State() != StateClosed {
		select {
		case <-ctx.Done():
			c.close("engine_shutdown")
		case reason := <-c.ctl:
			c.close(reason)
		case f := <-c.inbox:
			c.onFrame(f)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			c.onSTTEvent(ev)
		case res := <-c.llmCh:
			c.onLLMResult(res)
		case ev := <-c.ttsCh:
			c.onTTSEvent(ev)
		case <-silence.C:
			c.onSilenceTimeout()
		case <-provider.C:
			c.onProviderTimeout()
		case <-reprompt.C:
			c.onRepromptTimeout()
		}
	}
	return nil
}

func (c *Controller) setState(to State, reason string) {
	from := c.State()
	if from == to {
		return
	}
	if !transitionValid(from, to) {
		// Controller bug; force teardown rather than run with a corrupt
		// state machine.
		c.log.Error("invalid state transition",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("reason", reason))
		if to != StateClosed {
			c.close("invariant_violation")
			return
		}
	}
	c.state.Store(int32(to))
	c.log.Debug("state transition",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
}

// --- inbound path ---

func (c *Controller) onFrame(f frames.Frame) {
	switch fr := f.(type) {
	case frames.AudioFrame:
		c.onAudio(fr)
	case frames.ControlFrame:
		if fr.Code() == frames.ControlDTMF {
			c.log.Info("dtmf received", slog.String("digit", fr.Meta()[frames.MetaDTMFDigit]))
		}
	case frames.SystemFrame:
		switch fr.Name() {
		case "call_ended", "transport_closed":
			reason := fr.Meta()[frames.MetaCallEndReason]
			if reason == "" {
				reason = "caller_hangup"
			}
			c.close(reason)
		}
	}
}

func (c *Controller) onAudio(f frames.AudioFrame) {
	pcm := f.Payload()
	if f.Meta()[frames.MetaEncoding] == "mulaw" {
		decoded, err := c.cdc.Decode(pcm)
		if err != nil {
			c.log.Warn("dropping malformed frame", slog.String("error", err.Error()))
			c.event("malformed_frame", nil)
			return
		}
		pcm = decoded
	}

	state := c.State()
	if state == StateClosed || state == StateIdle {
		return
	}
	if chunk := c.sttBuf.Add(pcm); chunk != nil {
		if err := c.deps.STT.SendAudio(chunk); err != nil {
			c.log.Warn("stt send failed", slog.String("error", err.Error()))
		}
	}
	if state == StateListening && c.utterStart.IsZero() && c.pending == "" && len(c.segments) == 0 {
		c.utterStart = time.Now()
	}
	if state == StatePlaying && c.det.Armed() {
		if c.det.Observe(pcm) == bargein.SignalVoiceDetected {
			c.onBargeIn()
		}
	}
}

// --- timers ---

func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}
	return t
}

func resetTimer(t *time.Timer, d time.Duration) {
	stopTimer(t)
	t.Reset(d)
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
