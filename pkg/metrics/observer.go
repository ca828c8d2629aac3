package metrics

import "time"

type MetricsEvent struct {
	Name   string
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type Flusher interface {
	Flush() error
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// MultiObserver fans one event out to several observers.
type MultiObserver struct {
	observers []Observer
}

func NewMultiObserver(obs ...Observer) *MultiObserver {
	return &MultiObserver{observers: obs}
}

func (m *MultiObserver) RecordEvent(ev MetricsEvent) {
	for _, o := range m.observers {
		if o != nil {
			o.RecordEvent(ev)
		}
	}
}
