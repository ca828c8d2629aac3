package codec

// Buffer accumulates decoded PCM until a fixed-duration chunk is ready.
// It is owned by a single goroutine and is not safe for concurrent use.
type Buffer struct {
	targetBytes int
	buf         []byte
}

// NewBuffer sizes the buffer for targetMS of audio at the codec's rate.
func NewBuffer(c Codec, targetMS int) *Buffer {
	if targetMS <= 0 {
		targetMS = 300
	}
	bytesPerMS := (c.SampleRate / 1000) * 2 * c.Channels
	return &Buffer{targetBytes: bytesPerMS * targetMS}
}

// Add appends PCM and returns a complete chunk once enough has
// accumulated, nil otherwise. The remainder stays buffered.
func (b *Buffer) Add(pcm []byte) []byte {
	b.buf = append(b.buf, pcm...)
	if len(b.buf) < b.targetBytes {
		return nil
	}
	chunk := make([]byte, b.targetBytes)
	copy(chunk, b.buf)
	b.buf = append(b.buf[:0], b.buf[b.targetBytes:]...)
	return chunk
}

// Flush returns whatever is buffered, or nil when empty.
func (b *Buffer) Flush() []byte {
	if len(b.buf) == 0 {
		return nil
	}
	chunk := make([]byte, len(b.buf))
	copy(chunk, b.buf)
	b.buf = b.buf[:0]
	return chunk
}

func (b *Buffer) Clear() {
	b.buf = b.buf[:0]
}
