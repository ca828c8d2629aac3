package codec

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/errorsx"
)

const (
	ulawBias = 0x84
	ulawClip = 32635
)

// Codec converts between the telephony wire format (G.711 μ-law) and
// 16-bit little-endian linear PCM. It holds no mutable state and is safe
// to share across sessions.
type Codec struct {
	SampleRate int
	Channels   int
}

func New(sampleRate, channels int) Codec {
	if sampleRate <= 0 {
		sampleRate = 8000
	}
	if channels <= 0 {
		channels = 1
	}
	return Codec{SampleRate: sampleRate, Channels: channels}
}

// Decode converts a μ-law frame to linear PCM. Corrupt frames must never
// reach the speech providers, so empty input fails instead of producing
// silent garbage.
func (c Codec) Decode(encoded []byte) ([]byte, error) {
	if len(encoded) == 0 {
		return nil, errorsx.New(errorsx.ReasonMalformedFrame, "empty mulaw frame")
	}
	pcm := make([]byte, len(encoded)*2)
	for i, b := range encoded {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(ulawToLinear(b)))
	}
	return pcm, nil
}

// Encode converts 16-bit linear PCM to μ-law. Odd-length input means a
// truncated sample and is rejected.
func (c Codec) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, errorsx.New(errorsx.ReasonMalformedFrame, "empty pcm frame")
	}
	if len(pcm)%2 != 0 {
		return nil, errorsx.New(errorsx.ReasonMalformedFrame,
			fmt.Sprintf("truncated pcm frame: %d bytes", len(pcm)))
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = linearToUlaw(sample)
	}
	return out, nil
}

// PCMDuration reports the wall-clock length of a linear PCM buffer.
func (c Codec) PCMDuration(pcm []byte) time.Duration {
	samples := len(pcm) / (2 * c.Channels)
	return time.Duration(samples) * time.Second / time.Duration(c.SampleRate)
}

// PCMBytes reports how many linear PCM bytes cover the given duration.
func (c Codec) PCMBytes(d time.Duration) int {
	samples := int(d * time.Duration(c.SampleRate) / time.Second)
	return samples * 2 * c.Channels
}

func ulawToLinear(b byte) int16 {
	u := ^b
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := (int32(mantissa)<<3 + ulawBias) << exponent
	sample -= ulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func linearToUlaw(sample int16) byte {
	sign := byte(0)
	s := int32(sample)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > ulawClip {
		s = ulawClip
	}
	s += ulawBias
	exponent := byte(7)
	for mask := int32(0x4000); mask != 0 && s&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte(s>>(exponent+3)) & 0x0F
	return ^(sign | exponent<<4 | mantissa)
}
