package store

import "time"

// CallRecord is the durable summary of one phone call. Written when the
// session closes.
type CallRecord struct {
	CallSID    string    `json:"call_sid"`
	StreamID   string    `json:"stream_id"`
	FromNumber string    `json:"from_number,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
	DurationMS int64     `json:"duration_ms"`
	TurnCount  int       `json:"turn_count"`
	EndReason  string    `json:"end_reason,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	LastAction string    `json:"last_action,omitempty"`
}

// TurnRecord is the durable record of one caller/assistant exchange.
// Written when the turn completes, is interrupted, or fails.
type TurnRecord struct {
	CallSID    string         `json:"call_sid"`
	StreamID   string         `json:"stream_id"`
	Turn       int            `json:"turn"`
	Transcript string         `json:"transcript"`
	Reply      string         `json:"reply,omitempty"`
	Action     string         `json:"action,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	BargedIn   bool           `json:"barged_in,omitempty"`
	Truncated  bool           `json:"truncated,omitempty"`
	Failed     bool           `json:"failed,omitempty"`
	FailReason string         `json:"fail_reason,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    time.Time      `json:"ended_at"`
	LatencyMS  int64          `json:"latency_ms,omitempty"`
}

// Store persists call and turn records. Implementations must not block
// the caller: the turn loop runs on a latency budget and persistence is
// fire-and-forget.
type Store interface {
	SaveCall(rec CallRecord)
	SaveTurn(rec TurnRecord)
	Close() error
}

// Noop discards every record. Used in tests and dry runs.
type Noop struct{}

func (Noop) SaveCall(CallRecord) {}
func (Noop) SaveTurn(TurnRecord) {}
func (Noop) Close() error        { return nil }
