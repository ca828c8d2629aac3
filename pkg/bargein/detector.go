package bargein

import (
	"encoding/binary"
	"math"
	"time"
)

// Signal is the outcome of observing one inbound frame.
type Signal int

const (
	SignalNone Signal = iota
	SignalVoiceDetected
)

// Config tunes the energy detector. Zero values fall back to defaults
// chosen to favor recall over precision: cutting the assistant off a
// beat early beats talking over the caller.
type Config struct {
	// EnergyThreshold is the RMS level above which a frame counts as voice.
	EnergyThreshold float64
	// Window is the sliding vote window; voice must dominate it before
	// the detector fires.
	Window time.Duration
	// FrameDuration is the expected duration of each observed frame.
	FrameDuration time.Duration
}

func (c Config) withDefaults() Config {
	if c.EnergyThreshold <= 0 {
		c.EnergyThreshold = 300.0
	}
	if c.Window <= 0 {
		c.Window = 150 * time.Millisecond
	}
	if c.FrameDuration <= 0 {
		c.FrameDuration = 20 * time.Millisecond
	}
	return c
}

// Detector classifies inbound PCM as voice or silence while the
// assistant is speaking. It is armed explicitly by the turn controller
// on entry to playback and disarmed on exit, so echo of the assistant's
// own reply cannot trigger it outside that state. Observe is called
// inline on the inbound path by the controller goroutine; the detector
// is not safe for concurrent use and does not need to be.
type Detector struct {
	cfg     Config
	armed   bool
	votes   []bool
	maxVote int
}

func NewDetector(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	n := int(cfg.Window / cfg.FrameDuration)
	if n < 1 {
		n = 1
	}
	return &Detector{cfg: cfg, maxVote: n}
}

// Arm starts classification with a fresh window.
func (d *Detector) Arm() {
	d.armed = true
	d.votes = d.votes[:0]
}

// Disarm stops classification; Observe becomes a no-op.
func (d *Detector) Disarm() {
	d.armed = false
	d.votes = d.votes[:0]
}

func (d *Detector) Armed() bool { return d.armed }

// Observe feeds one inbound PCM frame. It returns SignalVoiceDetected
// when voice-level energy has held for a majority of the window.
func (d *Detector) Observe(pcm []byte) Signal {
	if !d.armed || len(pcm) < 2 {
		return SignalNone
	}
	d.votes = append(d.votes, rms(pcm) >= d.cfg.EnergyThreshold)
	if len(d.votes) > d.maxVote {
		d.votes = d.votes[len(d.votes)-d.maxVote:]
	}
	voiced := 0
	for _, v := range d.votes {
		if v {
			voiced++
		}
	}
	if voiced*2 >= d.maxVote && len(d.votes) >= d.maxVote/2+1 {
		return SignalVoiceDetected
	}
	return SignalNone
}

func rms(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
