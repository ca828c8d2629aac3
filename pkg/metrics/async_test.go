package metrics

import (
	"sync"
	"testing"
	"time"
)

type countingObserver struct {
	mu    sync.Mutex
	count int
}

func (c *countingObserver) RecordEvent(MetricsEvent) {
	c.mu.Lock()
	c.count++
	c.mu.Unlock()
}

func (c *countingObserver) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func TestAsyncObserverDeliversAndDrains(t *testing.T) {
	inner := &countingObserver{}
	obs := NewAsyncObserver(inner, 16)

	for i := 0; i < 10; i++ {
		obs.RecordEvent(MetricsEvent{Name: "turn_final", Time: time.Now()})
	}
	obs.Close()

	if got := inner.Count(); got != 10 {
		t.Fatalf("expected 10 events after close, got %d", got)
	}
}

func TestAsyncObserverDropsOnOverflowWithoutBlocking(t *testing.T) {
	block := make(chan struct{})
	inner := blockingObserver{release: block}
	obs := NewAsyncObserver(inner, 1)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			obs.RecordEvent(MetricsEvent{Name: "audio_out"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("RecordEvent blocked on a full buffer")
	}
	close(block)
	if obs.Dropped() == 0 {
		t.Fatalf("expected dropped events on overflow")
	}
}

type blockingObserver struct{ release chan struct{} }

func (b blockingObserver) RecordEvent(MetricsEvent) { <-b.release }
