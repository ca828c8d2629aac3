package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/adapters/stt"
	"github.com/kestrelvoice/kestrel/pkg/convo"
	"github.com/kestrelvoice/kestrel/pkg/errorsx"
	"github.com/kestrelvoice/kestrel/pkg/frames"
	"github.com/kestrelvoice/kestrel/pkg/llm"
	"github.com/kestrelvoice/kestrel/pkg/metrics"
	"github.com/kestrelvoice/kestrel/pkg/resilience"
	"github.com/kestrelvoice/kestrel/pkg/store"
)

// --- speech-to-text leg ---

func (c *Controller) onSTTEvent(ev stt.Event) {
	state := c.State()
	if ev.Err != nil {
		if state == StateListening || state == StateTranscribing {
			c.sttFailure(errorsx.ReasonSTTProvider, ev.Err)
		} else {
			c.log.Warn("stt error outside active leg", slog.String("error", ev.Err.Error()))
		}
		return
	}

	switch state {
	case StateListening:
		if ev.Final && ev.Text != "" {
			c.segments = append(c.segments, ev.Text)
		}
		if ev.SpeechFinal {
			c.finishUtterance(ev.Final && ev.Text != "")
			return
		}
		if ev.Text != "" {
			if !ev.Final {
				c.pending = ev.Text
			}
			stopTimer(c.reprompt)
			resetTimer(c.silence, c.cfg.SilenceTimeout)
		}
	case StateTranscribing:
		if !ev.Final {
			return
		}
		if ev.Text != "" {
			c.segments = append(c.segments, ev.Text)
		}
		stopTimer(c.provider)
		c.completeTranscript()
	default:
		// Caller talking while we think or speak; barge-in covers the
		// Playing case, everything else is ignored until the next turn.
		c.log.Debug("transcript outside listening", slog.String("state", state.String()))
	}
}

// finishUtterance ends audio collection for the current turn. When the
// recognizer already delivered its terminal final the transcript is
// complete; otherwise ask it to finalize and wait, bounded.
func (c *Controller) finishUtterance(haveFinal bool) {
	stopTimer(c.silence)
	c.utterEnd = time.Now()
	c.event("utterance_end", nil)
	c.setState(StateTranscribing, "end of utterance")
	if haveFinal {
		c.completeTranscript()
		return
	}
	if rest := c.sttBuf.Flush(); rest != nil {
		if err := c.deps.STT.SendAudio(rest); err != nil {
			c.log.Warn("stt send failed", slog.String("error", err.Error()))
		}
	}
	if err := c.deps.STT.Finish(); err != nil {
		c.sttFailure(errorsx.ReasonSTTProvider, err)
		return
	}
	resetTimer(c.provider, c.cfg.STTTimeout)
}

func (c *Controller) onSilenceTimeout() {
	if c.State() != StateListening {
		return
	}
	c.finishUtterance(false)
}

// armReprompt starts the quiet-caller nudge. Only relevant while
// listening with nothing heard yet; disabled unless configured.
func (c *Controller) armReprompt() {
	if c.cfg.RepromptAfter <= 0 {
		return
	}
	resetTimer(c.reprompt, c.cfg.RepromptAfter)
}

// onRepromptTimeout speaks the nudge line when the caller has said
// nothing at all since listening began. Reprompts are not turns: no
// record is written and the turn counter does not move.
func (c *Controller) onRepromptTimeout() {
	if c.State() != StateListening || c.pending != "" || len(c.segments) > 0 {
		return
	}
	if c.reprompts >= c.cfg.RepromptMax {
		return
	}
	c.reprompts++
	c.log.Info("reprompting silent caller", slog.Int("attempt", c.reprompts))
	c.event("reprompt", nil)
	c.speak(c.cfg.RepromptText)
}

func (c *Controller) onProviderTimeout() {
	switch c.State() {
	case StateTranscribing:
		c.sttFailure(errorsx.ReasonSTTTimeout, errors.New("no final transcript within timeout"))
	case StateSynthesizing:
		c.ttsFailure(errorsx.ReasonTTSTimeout, errors.New("no audio within timeout"))
	case StatePlaying:
		// The stream produced audio and then wedged. Abandon the rest of
		// the reply rather than hold the call in Playing.
		c.log.Warn("tts stream stalled mid-playback")
		c.event("turn_failed", map[string]string{"reason": string(errorsx.ReasonTTSTimeout)})
		if c.cur != nil {
			c.cur.FailReason = string(errorsx.ReasonTTSTimeout)
		}
		c.finishPlayback("tts stalled")
	}
}

func (c *Controller) completeTranscript() {
	transcript := strings.TrimSpace(strings.Join(c.segments, " "))
	if transcript == "" {
		c.sttFailure(errorsx.ReasonSTTProvider, errors.New("empty final transcript"))
		return
	}
	c.failures = 0
	c.reprompts = 0
	c.startReasoning(transcript)
}

// sttFailure covers the no-usable-transcript paths: provider error,
// finalize timeout, and empty finals. After the configured number of
// consecutive misses the call stops re-asking and takes a message.
func (c *Controller) sttFailure(reason errorsx.ReasonCode, err error) {
	c.log.Warn("turn lost to stt failure",
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()))
	c.event("turn_failed", map[string]string{"reason": string(reason)})
	c.turn++ // failed attempts consume a turn number too
	c.deps.Store.SaveTurn(store.TurnRecord{
		CallSID:    c.cfg.CallSID,
		StreamID:   c.cfg.StreamID,
		Turn:       c.turn,
		Failed:     true,
		FailReason: string(reason),
		StartedAt:  c.utterStartOrNow(),
		EndedAt:    time.Now(),
	})

	c.failures++
	c.resetUtterance()
	if c.failures >= c.cfg.FailureThreshold {
		c.failures = 0
		c.turn++
		c.cur = c.newRecord("", takeMessageLine, llm.ActionTakeMessage)
		c.speak(takeMessageLine)
		return
	}
	c.speak(clarifyLine)
}

// --- reasoning leg ---

func (c *Controller) startReasoning(transcript string) {
	c.turn++
	c.event("stt_final", nil)
	c.setState(StateReasoning, "transcript ready")
	c.cur = c.newRecord(transcript, "", llm.ActionNone)

	req := llm.Request{
		Transcript:   transcript,
		History:      append([]llm.Exchange(nil), c.history...),
		SystemPrompt: convo.SystemPrompt(c.cfg.Prompt, time.Now()),
	}
	if c.deps.FAQ != nil {
		req.Facts = c.deps.FAQ.Facts()
	}

	turn := c.turn
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.LLMTimeout)
		defer cancel()
		reply, err := c.deps.LLM.Complete(ctx, req)
		select {
		case c.llmCh <- llmResult{turn: turn, reply: reply, err: err}:
		case <-c.closed:
		}
	}()
}

func (c *Controller) onLLMResult(res llmResult) {
	if res.turn != c.turn || c.State() != StateReasoning {
		return
	}
	if res.err != nil {
		reason := errorsx.ReasonLLMProvider
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			reason = errorsx.ReasonLLMTimeout
		case resilience.IsRateLimit(res.err):
			reason = errorsx.ReasonLLMRateLimit
		}
		c.log.Warn("llm leg failed, speaking fallback",
			slog.String("reason", string(reason)),
			slog.String("error", res.err.Error()))
		c.event("turn_failed", map[string]string{"reason": string(reason)})
		res.reply = llm.Reply{Text: apologyLine, Action: llm.ActionTakeMessage}
		c.cur.FailReason = string(reason)
	}

	c.event("llm_reply", nil)
	c.cur.Reply = res.reply.Text
	c.cur.Action = string(res.reply.Action)
	if len(res.reply.Args) > 0 {
		c.cur.Args = res.reply.Args
	}
	c.history = append(c.history, llm.Exchange{User: c.cur.Transcript, Assistant: res.reply.Text})
	if len(c.history) > c.cfg.HistoryLimit {
		c.history = c.history[len(c.history)-c.cfg.HistoryLimit:]
	}
	if strings.TrimSpace(res.reply.Text) == "" {
		c.finalizeTurn()
		c.relisten("empty reply")
		return
	}
	c.speak(res.reply.Text)
}

// --- synthesis leg ---

// speak starts the synthesis leg for text. Stale chunks from a previous
// synthesis are discarded by generation tag, never replayed.
func (c *Controller) speak(text string) {
	c.setState(StateSynthesizing, "reply ready")
	c.gen++
	gen := c.gen
	resetTimer(c.provider, c.cfg.TTSTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	c.ttsCancel = cancel
	released := make(chan struct{})
	go func() {
		defer close(released)
		ch, err := c.deps.TTS.Synthesize(ctx, text)
		if err != nil {
			c.pushTTS(ttsEvent{gen: gen, err: err})
			return
		}
		for chunk := range ch {
			if chunk.Err != nil {
				c.pushTTS(ttsEvent{gen: gen, err: chunk.Err})
				return
			}
			c.pushTTS(ttsEvent{gen: gen, chunk: chunk})
		}
		c.pushTTS(ttsEvent{gen: gen, done: true})
	}()
	go c.watchRelease(ctx, released)
}

// watchRelease enforces the bounded grace on cancelled synthesis: the
// controller never waits, but a provider that ignores cancellation gets
// logged.
func (c *Controller) watchRelease(ctx context.Context, released <-chan struct{}) {
	<-ctx.Done()
	select {
	case <-released:
	case <-time.After(c.cfg.BargeInGrace):
		c.log.Warn("tts stream not released within grace period",
			slog.Duration("grace", c.cfg.BargeInGrace))
	}
}

func (c *Controller) pushTTS(ev ttsEvent) {
	select {
	case c.ttsCh <- ev:
	case <-c.closed:
	}
}

func (c *Controller) onTTSEvent(ev ttsEvent) {
	if ev.gen != c.gen {
		return
	}
	state := c.State()
	if ev.err != nil {
		if state == StateSynthesizing {
			reason := errorsx.ReasonTTSProvider
			if resilience.IsRateLimit(ev.err) {
				reason = errorsx.ReasonTTSRateLimit
			}
			c.ttsFailure(reason, ev.err)
			return
		}
		c.log.Warn("tts stream broke mid-playback", slog.String("error", ev.err.Error()))
		c.finishPlayback("tts stream error")
		return
	}
	if ev.done {
		if state == StateSynthesizing || state == StatePlaying {
			c.finishPlayback("playback complete")
		}
		return
	}

	if state == StateSynthesizing {
		c.setState(StatePlaying, "first audio chunk")
		c.det.Arm()
		c.event("tts_first_audio", nil)
	}
	c.sendAudio(ev.chunk.PCM)
	// Every chunk pushes the stall watchdog forward; a wedged stream
	// times out instead of holding the call in Playing.
	resetTimer(c.provider, c.cfg.TTSTimeout)
}

func (c *Controller) sendAudio(pcm []byte) {
	encoded, err := c.cdc.Encode(pcm)
	if err != nil {
		c.log.Warn("dropping unencodable chunk", slog.String("error", err.Error()))
		return
	}
	c.seq++
	f := frames.NewAudioFrame(c.cfg.StreamID, c.seq, frames.DirectionOutbound, encoded,
		c.cfg.SampleRate, 1, map[string]string{
			frames.MetaCallSID:  c.cfg.CallSID,
			frames.MetaEncoding: "mulaw",
		})
	if err := c.deps.Transport.Send(f); err != nil {
		c.log.Warn("transport send failed", slog.String("error", err.Error()))
		c.close("transport_send_failed")
	}
}

// ttsFailure means no audio was produced for a reply. The reply text is
// already recorded; skip playback and re-arm listening rather than leave
// the caller in silence.
func (c *Controller) ttsFailure(reason errorsx.ReasonCode, err error) {
	c.log.Warn("tts leg failed, skipping playback",
		slog.String("reason", string(reason)),
		slog.String("error", err.Error()))
	c.event("turn_failed", map[string]string{"reason": string(reason)})
	if c.ttsCancel != nil {
		c.ttsCancel()
	}
	if c.cur != nil {
		c.cur.FailReason = string(reason)
	}
	c.finalizeTurn()
	c.relisten("tts failed")
}

func (c *Controller) finishPlayback(reason string) {
	c.det.Disarm()
	if c.ttsCancel != nil {
		c.ttsCancel()
		c.ttsCancel = nil
	}
	c.finalizeTurn()
	c.relisten(reason)
}

// --- barge-in ---

// onBargeIn handles the caller talking over the assistant: cancel
// synthesis, tell the transport to drop buffered audio, and start
// listening to the new utterance without waiting for provider cleanup.
func (c *Controller) onBargeIn() {
	c.log.Info("barge-in detected", slog.Int("turn", c.turn))
	c.event("barge_in", nil)
	c.det.Disarm()
	if c.ttsCancel != nil {
		c.ttsCancel()
		c.ttsCancel = nil
	}
	c.gen++ // stale chunks already in flight are dropped by tag

	c.seq++
	clear := frames.NewControlFrame(c.cfg.StreamID, c.seq, frames.ControlClear, map[string]string{
		frames.MetaCallSID: c.cfg.CallSID,
		frames.MetaReason:  "barge_in",
	})
	if err := c.deps.Transport.Send(clear); err != nil {
		c.log.Warn("clear instruction failed", slog.String("error", err.Error()))
	}

	if c.cur != nil {
		c.cur.BargedIn = true
	}
	c.finalizeTurn()
	c.relisten("barge-in")
}

// --- turn bookkeeping ---

func (c *Controller) newRecord(transcript, reply string, action llm.Action) *store.TurnRecord {
	return &store.TurnRecord{
		CallSID:    c.cfg.CallSID,
		StreamID:   c.cfg.StreamID,
		Turn:       c.turn,
		Transcript: transcript,
		Reply:      reply,
		Action:     string(action),
		StartedAt:  c.utterStartOrNow(),
	}
}

func (c *Controller) utterStartOrNow() time.Time {
	if !c.utterStart.IsZero() {
		return c.utterStart
	}
	return time.Now()
}

func (c *Controller) finalizeTurn() {
	if c.cur == nil {
		return
	}
	c.cur.EndedAt = time.Now()
	c.cur.LatencyMS = c.cur.EndedAt.Sub(c.cur.StartedAt).Milliseconds()
	c.deps.Store.SaveTurn(*c.cur)
	switch c.cur.Action {
	case string(llm.ActionSchedule):
		c.scheduled++
	case string(llm.ActionTakeMessage):
		c.messages++
	}
	if c.cur.Action != "" && c.cur.Action != string(llm.ActionNone) {
		c.lastAction = c.cur.Action
	}
	c.turnCount++
	c.cur = nil
}

func (c *Controller) relisten(reason string) {
	if c.State() == StateClosed {
		return
	}
	c.resetUtterance()
	c.setState(StateListening, reason)
	c.armReprompt()
}

func (c *Controller) resetUtterance() {
	c.segments = c.segments[:0]
	c.pending = ""
	c.utterStart = time.Time{}
	c.utterEnd = time.Time{}
	stopTimer(c.silence)
	stopTimer(c.provider)
	stopTimer(c.reprompt)
}

// summaryLine condenses the call outcome into one human-readable string
// for the call record.
func (c *Controller) summaryLine() string {
	parts := []string{fmt.Sprintf("turns: %d", c.turnCount)}
	if c.scheduled > 0 {
		parts = append(parts, fmt.Sprintf("scheduled: %d", c.scheduled))
	}
	if c.messages > 0 {
		parts = append(parts, fmt.Sprintf("messages: %d", c.messages))
	}
	return strings.Join(parts, ", ")
}

// close tears the call down from any state. Partial turn data is kept,
// flagged as truncated.
func (c *Controller) close(reason string) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateClosed, reason)
	if c.ttsCancel != nil {
		c.ttsCancel()
		c.ttsCancel = nil
	}
	c.det.Disarm()
	if c.cur != nil {
		c.cur.Truncated = true
		c.finalizeTurn()
	}
	c.finish(reason)
	_ = c.deps.STT.Close()
	_ = c.deps.TTS.Close()
	c.log.Info("call closed",
		slog.String("reason", reason),
		slog.Int("turns", c.turnCount),
		slog.Int64("frames_dropped", c.dropped.Load()))
}

func (c *Controller) finish(reason string) {
	c.endReason = reason
	c.endedAt = time.Now()
	close(c.closed)
}

func (c *Controller) event(name string, extra map[string]string) {
	tags := map[string]string{
		"stream_id": c.cfg.StreamID,
		"turn":      strconv.Itoa(c.turn),
	}
	if c.cfg.TraceID != "" {
		tags["trace_id"] = c.cfg.TraceID
	}
	for k, v := range extra {
		tags[k] = v
	}
	c.deps.Metrics.RecordEvent(metrics.MetricsEvent{
		Name: name,
		Time: time.Now(),
		Tags: tags,
	})
}
