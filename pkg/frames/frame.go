package frames

import "time"

type Kind string

const (
	KindAudio   Kind = "audio"
	KindText    Kind = "text"
	KindControl Kind = "control"
	KindSystem  Kind = "system"
)

// Direction tags which way an audio frame travels relative to the call:
// inbound frames come from the caller, outbound frames are played back.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type ControlCode string

const (
	// ControlClear instructs the transport to drop any buffered outbound
	// audio for the stream (barge-in).
	ControlClear  ControlCode = "clear"
	ControlCancel ControlCode = "cancel"
	ControlDTMF   ControlCode = "dtmf"
)

// Meta keys shared across the pipeline.
const (
	MetaStreamID      = "stream_id"
	MetaCallSID       = "call_sid"
	MetaTraceID       = "trace_id"
	MetaFromNumber    = "from_number"
	MetaSource        = "source"
	MetaReason        = "reason"
	MetaEncoding      = "encoding"
	MetaDTMFDigit     = "dtmf_digit"
	MetaCallEndReason = "call_end_reason"
)

type Frame interface {
	Kind() Kind
	Seq() int64
	Meta() map[string]string
}

// AudioFrame is a fixed-duration slice of audio. Frames are never
// mutated after creation; the payload hands off along the pipeline and
// is not shared between concurrent readers.
type AudioFrame struct {
	seq  int64
	dir  Direction
	data []byte
	rate int
	ch   int
	meta map[string]string
}

func NewAudioFrame(streamID string, seq int64, dir Direction, data []byte, rate, ch int, meta map[string]string) AudioFrame {
	return AudioFrame{
		seq:  seq,
		dir:  dir,
		data: data,
		rate: rate,
		ch:   ch,
		meta: mergeMeta(streamID, meta),
	}
}

func (a AudioFrame) Kind() Kind              { return KindAudio }
func (a AudioFrame) Seq() int64              { return a.seq }
func (a AudioFrame) Direction() Direction    { return a.dir }
func (a AudioFrame) Meta() map[string]string { return cloneMeta(a.meta) }
func (a AudioFrame) Payload() []byte         { return a.data }
func (a AudioFrame) Rate() int               { return a.rate }
func (a AudioFrame) Channels() int           { return a.ch }

// Duration derives the wall-clock length of the frame. μ-law carries one
// byte per sample, linear PCM two.
func (a AudioFrame) Duration() time.Duration {
	if a.rate <= 0 {
		return 0
	}
	samples := len(a.data) / 2
	if a.meta[MetaEncoding] == "mulaw" {
		samples = len(a.data)
	}
	ch := a.ch
	if ch <= 0 {
		ch = 1
	}
	return time.Duration(samples/ch) * time.Second / time.Duration(a.rate)
}

type TextFrame struct {
	seq  int64
	text string
	meta map[string]string
}

func NewTextFrame(streamID string, seq int64, text string, meta map[string]string) TextFrame {
	return TextFrame{
		seq:  seq,
		text: text,
		meta: mergeMeta(streamID, meta),
	}
}

func (t TextFrame) Kind() Kind              { return KindText }
func (t TextFrame) Seq() int64              { return t.seq }
func (t TextFrame) Meta() map[string]string { return cloneMeta(t.meta) }
func (t TextFrame) Text() string            { return t.text }

type ControlFrame struct {
	seq  int64
	code ControlCode
	meta map[string]string
}

func NewControlFrame(streamID string, seq int64, code ControlCode, meta map[string]string) ControlFrame {
	return ControlFrame{
		seq:  seq,
		code: code,
		meta: mergeMeta(streamID, meta),
	}
}

func (c ControlFrame) Kind() Kind              { return KindControl }
func (c ControlFrame) Seq() int64              { return c.seq }
func (c ControlFrame) Meta() map[string]string { return cloneMeta(c.meta) }
func (c ControlFrame) Code() ControlCode       { return c.code }

type SystemFrame struct {
	seq  int64
	name string
	meta map[string]string
}

func NewSystemFrame(streamID string, seq int64, name string, meta map[string]string) SystemFrame {
	return SystemFrame{
		seq:  seq,
		name: name,
		meta: mergeMeta(streamID, meta),
	}
}

func (s SystemFrame) Kind() Kind              { return KindSystem }
func (s SystemFrame) Seq() int64              { return s.seq }
func (s SystemFrame) Meta() map[string]string { return cloneMeta(s.meta) }
func (s SystemFrame) Name() string            { return s.name }

func mergeMeta(streamID string, meta map[string]string) map[string]string {
	out := make(map[string]string, 2+len(meta))
	if streamID != "" {
		out[MetaStreamID] = streamID
	}
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func cloneMeta(meta map[string]string) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
