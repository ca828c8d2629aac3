package codec

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/errorsx"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	c := New(8000, 1)

	// Every μ-law code point except negative zero (0x7F, which decodes
	// to the same sample as 0xFF) survives decode→encode unchanged.
	var encoded []byte
	for i := 0; i < 256; i++ {
		if i == 0x7F {
			continue
		}
		encoded = append(encoded, byte(i))
	}

	pcm, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	back, err := c.Encode(pcm)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	for i := range encoded {
		if back[i] != encoded[i] {
			t.Fatalf("byte %d: got 0x%02x want 0x%02x", i, back[i], encoded[i])
		}
	}
}

func TestDecodeSilence(t *testing.T) {
	c := New(8000, 1)

	// 0xFF is μ-law digital silence.
	pcm, err := c.Decode([]byte{0xFF, 0xFF})
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	for i := 0; i < len(pcm); i += 2 {
		if s := int16(binary.LittleEndian.Uint16(pcm[i:])); s != 0 {
			t.Fatalf("expected silence, got sample %d", s)
		}
	}
}

func TestDecodeRejectsEmptyFrame(t *testing.T) {
	c := New(8000, 1)
	if _, err := c.Decode(nil); !errorsx.HasReason(err, errorsx.ReasonMalformedFrame) {
		t.Fatalf("expected malformed_frame, got %v", err)
	}
}

func TestEncodeRejectsTruncatedFrame(t *testing.T) {
	c := New(8000, 1)
	if _, err := c.Encode([]byte{0x01, 0x02, 0x03}); !errorsx.HasReason(err, errorsx.ReasonMalformedFrame) {
		t.Fatalf("expected malformed_frame for odd pcm length, got %v", err)
	}
}

func TestEncodeClipsExtremes(t *testing.T) {
	c := New(8000, 1)
	pcm := make([]byte, 4)
	hiIn := int16(32767)
	loIn := int16(-32768)
	binary.LittleEndian.PutUint16(pcm[0:], uint16(hiIn))
	binary.LittleEndian.PutUint16(pcm[2:], uint16(loIn))

	encoded, err := c.Encode(pcm)
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	decoded, err := c.Decode(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	hi := int16(binary.LittleEndian.Uint16(decoded[0:]))
	lo := int16(binary.LittleEndian.Uint16(decoded[2:]))
	if hi < 30000 || lo > -30000 {
		t.Fatalf("extremes not preserved within clip range: %d %d", hi, lo)
	}
}

func TestPCMDuration(t *testing.T) {
	c := New(8000, 1)
	// 20ms at 8kHz mono 16-bit = 320 bytes.
	if d := c.PCMDuration(make([]byte, 320)); d != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %s", d)
	}
	if n := c.PCMBytes(20 * time.Millisecond); n != 320 {
		t.Fatalf("expected 320 bytes, got %d", n)
	}
}

func TestBufferChunksAtTarget(t *testing.T) {
	c := New(8000, 1)
	b := NewBuffer(c, 20) // 320 bytes

	if chunk := b.Add(make([]byte, 300)); chunk != nil {
		t.Fatalf("expected nil before target reached")
	}
	chunk := b.Add(make([]byte, 100))
	if len(chunk) != 320 {
		t.Fatalf("expected 320-byte chunk, got %d", len(chunk))
	}
	// 80 bytes remain buffered.
	rest := b.Flush()
	if len(rest) != 80 {
		t.Fatalf("expected 80 remaining bytes, got %d", len(rest))
	}
	if b.Flush() != nil {
		t.Fatalf("expected empty buffer after flush")
	}
}
