package bargein

import (
	"encoding/binary"
	"testing"
	"time"
)

func pcmFrame(amplitude int16, samples int) []byte {
	buf := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := amplitude
		if i%2 == 1 {
			v = -amplitude
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func TestDetectorFiresOnSustainedVoice(t *testing.T) {
	d := NewDetector(Config{
		EnergyThreshold: 300,
		Window:          100 * time.Millisecond,
		FrameDuration:   20 * time.Millisecond,
	})
	d.Arm()

	voice := pcmFrame(4000, 160)
	var got Signal
	for i := 0; i < 5; i++ {
		got = d.Observe(voice)
		if got == SignalVoiceDetected {
			break
		}
	}
	if got != SignalVoiceDetected {
		t.Fatalf("expected voice detection within one window")
	}
}

func TestDetectorIgnoresSilence(t *testing.T) {
	d := NewDetector(Config{EnergyThreshold: 300, Window: 100 * time.Millisecond, FrameDuration: 20 * time.Millisecond})
	d.Arm()

	silence := pcmFrame(50, 160)
	for i := 0; i < 20; i++ {
		if d.Observe(silence) == SignalVoiceDetected {
			t.Fatalf("silence must not trigger barge-in")
		}
	}
}

func TestDetectorInertWhenDisarmed(t *testing.T) {
	d := NewDetector(Config{EnergyThreshold: 300, Window: 100 * time.Millisecond, FrameDuration: 20 * time.Millisecond})

	voice := pcmFrame(8000, 160)
	for i := 0; i < 20; i++ {
		if d.Observe(voice) != SignalNone {
			t.Fatalf("disarmed detector must not signal")
		}
	}
}

func TestDisarmResetsWindow(t *testing.T) {
	d := NewDetector(Config{EnergyThreshold: 300, Window: 100 * time.Millisecond, FrameDuration: 20 * time.Millisecond})
	d.Arm()

	voice := pcmFrame(4000, 160)
	d.Observe(voice)
	d.Observe(voice)
	d.Disarm()
	d.Arm()

	// A single frame after re-arming must not carry over earlier votes.
	if d.Observe(voice) == SignalVoiceDetected {
		t.Fatalf("votes leaked across disarm")
	}
}
