package frames

import "sync"

// SeqGen hands out monotonic per-stream sequence numbers. Ordering
// guarantees along the pipeline rely on these being strictly increasing
// within a stream.
type SeqGen struct {
	mu    sync.Mutex
	value map[string]int64
}

func NewSeqGen() *SeqGen {
	return &SeqGen{value: make(map[string]int64)}
}

func (g *SeqGen) Next(streamID string) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	v := g.value[streamID] + 1
	g.value[streamID] = v
	return v
}
