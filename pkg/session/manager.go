package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/errorsx"
	"github.com/kestrelvoice/kestrel/pkg/frames"
	"github.com/kestrelvoice/kestrel/pkg/logging"
	"github.com/kestrelvoice/kestrel/pkg/store"
	"github.com/kestrelvoice/kestrel/pkg/turn"
)

// Session binds one transport stream to one turn controller for the life
// of a call.
type Session struct {
	CallSID    string
	StreamID   string
	FromNumber string
	Ctrl       *turn.Controller
	Cancel     context.CancelFunc
	Created    time.Time
}

// ControllerFactory builds the per-call controller. The session manager
// owns lifecycle; the factory owns wiring providers to the call.
type ControllerFactory func(ctx context.Context, callSID, streamID, from string) (*turn.Controller, error)

// Manager maps transport connections to controllers one-to-one and
// enforces the concurrent-call ceiling. The ceiling counter is the only
// mutable state shared across calls.
type Manager struct {
	sessions sync.Map // callSID -> *Session
	count    atomic.Int64
	maxCalls int64
	factory  ControllerFactory
	store    store.Store
	log      *slog.Logger
	draining atomic.Bool
}

func NewManager(maxCalls int, factory ControllerFactory, st store.Store, log *slog.Logger) *Manager {
	if maxCalls <= 0 {
		maxCalls = 20
	}
	if log == nil {
		log = slog.Default()
	}
	if st == nil {
		st = store.Noop{}
	}
	return &Manager{
		maxCalls: int64(maxCalls),
		factory:  factory,
		store:    st,
		log:      logging.NewComponentLogger(log, "session_manager"),
	}
}

// Open admits a new call. Capacity is reserved before the controller is
// built so a burst of simultaneous calls cannot overshoot the ceiling;
// rejected calls never disturb established ones.
func (m *Manager) Open(callSID, streamID, from string) (*Session, error) {
	if callSID == "" {
		return nil, errorsx.New(errorsx.ReasonMalformedFrame, "call start without call sid")
	}
	if m.draining.Load() {
		return nil, errorsx.New(errorsx.ReasonCapacityExceeded, "server draining")
	}
	if v, ok := m.sessions.Load(callSID); ok {
		return v.(*Session), nil
	}

	for {
		n := m.count.Load()
		if n >= m.maxCalls {
			m.log.Warn("call rejected at capacity",
				slog.String("call_sid", callSID),
				slog.Int64("active", n))
			return nil, errorsx.New(errorsx.ReasonCapacityExceeded, "concurrent call ceiling reached")
		}
		if m.count.CompareAndSwap(n, n+1) {
			break
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	ctrl, err := m.factory(ctx, callSID, streamID, from)
	if err != nil {
		cancel()
		m.count.Add(-1)
		return nil, err
	}
	sess := &Session{
		CallSID:    callSID,
		StreamID:   streamID,
		FromNumber: from,
		Ctrl:       ctrl,
		Cancel:     cancel,
		Created:    time.Now(),
	}
	if actual, loaded := m.sessions.LoadOrStore(callSID, sess); loaded {
		cancel()
		m.count.Add(-1)
		return actual.(*Session), nil
	}

	go func() {
		if err := ctrl.Run(ctx); err != nil {
			m.log.Error("controller exited with error",
				slog.String("call_sid", callSID),
				slog.String("error", err.Error()))
		}
		m.reap(callSID)
	}()

	m.log.Info("call admitted",
		slog.String("call_sid", callSID),
		slog.String("stream_id", streamID),
		slog.String("from", logging.MaskPhone(from)),
		slog.Int64("active", m.count.Load()))
	return sess, nil
}

// Get resolves the session for a stream's call, if any.
func (m *Manager) Get(callSID string) (*Session, bool) {
	if v, ok := m.sessions.Load(callSID); ok {
		return v.(*Session), true
	}
	return nil, false
}

// Deliver routes an inbound frame to its call.
func (m *Manager) Deliver(callSID string, f frames.Frame) error {
	sess, ok := m.Get(callSID)
	if !ok {
		return errorsx.New(errorsx.ReasonTransportClosed, "no session for call")
	}
	return sess.Ctrl.Deliver(f)
}

// CloseCall requests teardown of one call, e.g. on transport disconnect.
func (m *Manager) CloseCall(callSID, reason string) {
	if sess, ok := m.Get(callSID); ok {
		sess.Ctrl.Hangup(reason)
	}
}

// reap runs exactly once per call, after the controller loop exits: the
// call summary is persisted here and nowhere else.
func (m *Manager) reap(callSID string) {
	v, ok := m.sessions.LoadAndDelete(callSID)
	if !ok {
		return
	}
	sess := v.(*Session)
	sess.Cancel()
	m.count.Add(-1)

	sum := sess.Ctrl.Summary()
	m.store.SaveCall(store.CallRecord{
		CallSID:    sum.CallSID,
		StreamID:   sum.StreamID,
		FromNumber: sum.FromNumber,
		StartedAt:  sum.StartedAt,
		EndedAt:    sum.EndedAt,
		DurationMS: sum.EndedAt.Sub(sum.StartedAt).Milliseconds(),
		TurnCount:  sum.TurnCount,
		EndReason:  sum.EndReason,
		Summary:    sum.Summary,
		LastAction: sum.LastAction,
	})
	m.log.Info("call closed",
		slog.String("call_sid", callSID),
		slog.String("end_reason", sum.EndReason),
		slog.Int("turns", sum.TurnCount),
		slog.Int64("active", m.count.Load()))
}

// Count reports active calls.
func (m *Manager) Count() int64 { return m.count.Load() }

// SetDraining stops admitting new calls; established calls continue.
func (m *Manager) SetDraining(v bool) { m.draining.Store(v) }

// CloseAll hangs up every active call.
func (m *Manager) CloseAll(reason string) {
	m.sessions.Range(func(key, value any) bool {
		value.(*Session).Ctrl.Hangup(reason)
		return true
	})
}

// WaitForEmpty blocks until all calls have closed or ctx expires.
func (m *Manager) WaitForEmpty(ctx context.Context, interval time.Duration) bool {
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if m.Count() == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
