package kestrel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/kestrelvoice/kestrel/pkg/bargein"
	"github.com/kestrelvoice/kestrel/pkg/convo"
	"github.com/kestrelvoice/kestrel/pkg/frames"
	"github.com/kestrelvoice/kestrel/pkg/logging"
	"github.com/kestrelvoice/kestrel/pkg/metrics"
	"github.com/kestrelvoice/kestrel/pkg/observers"
	"github.com/kestrelvoice/kestrel/pkg/runner"
	"github.com/kestrelvoice/kestrel/pkg/session"
	"github.com/kestrelvoice/kestrel/pkg/store"
	"github.com/kestrelvoice/kestrel/pkg/transports"
	"github.com/kestrelvoice/kestrel/pkg/turn"
)

// Engine wires transport, session manager, providers and observability
// into one runnable receptionist. One engine serves many concurrent
// calls; each call gets its own controller and provider connections.
type Engine struct {
	cfg       Config
	providers *ProviderRegistry
	transport transports.Transport
	manager   *session.Manager
	st        store.Store
	asyncObs  *metrics.AsyncObserver
	faq       *convo.FAQ
	runner    *runner.LifecycleRunner
	traceIDs  sync.Map // callSID -> trace id assigned by the transport
	ctx       context.Context
	cancel    context.CancelFunc
	closers   []func() error
}

type EngineOptions struct {
	Config Config
	// Providers defaults to the built-in registry.
	Providers *ProviderRegistry
	// Transport overrides the configured transport; useful for embedding
	// and tests.
	Transport transports.Transport
	// Store overrides the configured store.
	Store store.Store
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	SetDefaultLogger(cfg.LogLevel)
	log := slog.Default()

	slog.Info("kestrel_init",
		"environment", cfg.Environment,
		"stt_provider", cfg.Vendors.STT.Provider,
		"llm_provider", cfg.Vendors.LLM.Provider,
		"tts_provider", cfg.Vendors.TTS.Provider,
		"transport", cfg.Transports.Provider,
	)

	providers := opts.Providers
	if providers == nil {
		providers = NewProviderRegistry()
	}

	e := &Engine{cfg: cfg, providers: providers}

	obsList := []metrics.Observer{observers.NewLatencyObserver(log)}
	if path := strings.TrimSpace(cfg.Observability.MetricsPath); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open metrics file: %w", err)
		}
		e.closers = append(e.closers, f.Close)
		obsList = append(obsList, metrics.NewJSONLObserver(f))
	}
	e.asyncObs = metrics.NewAsyncObserver(metrics.NewMultiObserver(obsList...), cfg.Observability.Buffer)

	st := opts.Store
	if st == nil {
		if path := strings.TrimSpace(cfg.Store.Path); path != "" {
			f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, fmt.Errorf("open store file: %w", err)
			}
			st = store.NewJSONLStore(f, log)
		} else {
			st = store.Noop{}
		}
	}
	e.st = st

	faq, err := convo.LoadFAQ(cfg.Agent.FAQPath)
	if err != nil {
		return nil, fmt.Errorf("load faq: %w", err)
	}
	e.faq = faq
	if faq.Len() > 0 {
		slog.Info("faq_loaded", "entries", faq.Len(), "path", cfg.Agent.FAQPath)
	}

	transport := opts.Transport
	if transport == nil {
		transport, err = providers.BuildTransport(cfg)
		if err != nil {
			return nil, err
		}
	}
	e.transport = transport

	e.manager = session.NewManager(cfg.Engine.MaxCalls, e.buildController, st, log)

	hooks := runner.Hooks{
		OnStart: func() {
			fields := []any{"message", "Kestrel Engine Ready"}
			if rr, ok := transport.(transports.ReadyReporter); ok {
				for k, v := range rr.ReadyFields() {
					fields = append(fields, k, v)
				}
			}
			slog.Info("engine_ready", fields...)
		},
		OnStop: func() {
			e.asyncObs.Close()
			_ = e.st.Close()
			for _, c := range e.closers {
				_ = c()
			}
			slog.Info("shutdown",
				"goroutines", runtime.NumGoroutine(),
				"active_calls", e.manager.Count())
		},
	}

	drainer := runner.DrainerFunc(func() error {
		_ = transport.Stop()
		e.manager.SetDraining(true)
		e.manager.CloseAll("server_shutdown")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		_ = e.manager.WaitForEmpty(ctx, 200*time.Millisecond)
		return nil
	})
	e.runner = runner.NewLifecycleRunner(drainer, hooks, 30*time.Second)

	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e, nil
}

// buildController is the session manager's per-call factory. Provider
// connections are built fresh for each call.
func (e *Engine) buildController(ctx context.Context, callSID, streamID, from string) (*turn.Controller, error) {
	traceID := ""
	if v, ok := e.traceIDs.Load(callSID); ok {
		traceID = v.(string)
	}

	sttAdapter, err := e.providers.BuildSTT(e.cfg, callSID, streamID, traceID)
	if err != nil {
		return nil, err
	}
	llmAdapter, err := e.providers.BuildLLM(e.cfg)
	if err != nil {
		return nil, err
	}
	ttsAdapter, err := e.providers.BuildTTS(e.cfg, callSID, streamID)
	if err != nil {
		return nil, err
	}

	call := e.cfg.Call
	agent := e.cfg.Agent
	cfg := turn.Config{
		StreamID:         streamID,
		CallSID:          callSID,
		FromNumber:       from,
		TraceID:          traceID,
		SampleRate:       e.cfg.Engine.SampleRate,
		ChunkDuration:    time.Duration(call.ChunkMS) * time.Millisecond,
		SilenceTimeout:   time.Duration(call.SilenceTimeoutMS) * time.Millisecond,
		STTTimeout:       time.Duration(call.STTTimeoutMS) * time.Millisecond,
		LLMTimeout:       time.Duration(call.LLMTimeoutMS) * time.Millisecond,
		TTSTimeout:       time.Duration(call.TTSTimeoutMS) * time.Millisecond,
		BargeInGrace:     time.Duration(call.BargeInGraceMS) * time.Millisecond,
		FailureThreshold: call.FailureThreshold,
		HistoryLimit:     call.HistoryLimit,
		RepromptAfter:    time.Duration(call.RepromptAfterMS) * time.Millisecond,
		RepromptText:     call.RepromptText,
		RepromptMax:      call.RepromptMax,
		Greeting:         agent.Greeting,
		Prompt: convo.PromptConfig{
			BusinessName: agent.BusinessName,
			Hours: convo.BusinessHours{
				Start: agent.Hours.Start,
				End:   agent.Hours.End,
				Days:  agent.Hours.Days,
			},
		},
		BargeIn: bargein.Config{
			EnergyThreshold: call.BargeIn.EnergyThreshold,
			Window:          time.Duration(call.BargeIn.WindowMS) * time.Millisecond,
			FrameDuration:   time.Duration(call.BargeIn.FrameMS) * time.Millisecond,
		},
	}
	deps := turn.Deps{
		Transport: e.transport,
		STT:       sttAdapter,
		LLM:       llmAdapter,
		TTS:       ttsAdapter,
		Store:     e.st,
		Metrics:   e.asyncObs,
		FAQ:       e.faq,
		Logger:    slog.Default(),
	}
	return turn.New(cfg, deps), nil
}

// Start brings up the transport and the frame routing loop. It returns
// immediately; the engine runs until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.transport.Start(ctx); err != nil {
		return err
	}
	go e.routeTransport(e.ctx)
	go func() {
		_ = e.runner.Run(ctx)
	}()
	return nil
}

func (e *Engine) Stop() error {
	e.cancel()
	return e.runner.Stop()
}

// Wait blocks until the engine has stopped.
func (e *Engine) Wait() {
	for e.runner.State() != runner.StateStopped {
		time.Sleep(50 * time.Millisecond)
	}
}

// routeTransport moves inbound frames from the transport to their call.
// Call lifecycle frames open and close sessions; everything else is
// delivered to the owning controller.
func (e *Engine) routeTransport(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-e.transport.Recv():
			if !ok {
				return
			}
			meta := f.Meta()
			callSID := meta[frames.MetaCallSID]
			if callSID == "" {
				continue
			}
			if sf, ok := f.(frames.SystemFrame); ok {
				switch sf.Name() {
				case "call_start":
					if tid := meta[frames.MetaTraceID]; tid != "" {
						e.traceIDs.Store(callSID, tid)
					}
					streamID := meta[frames.MetaStreamID]
					from := meta[frames.MetaFromNumber]
					if _, err := e.manager.Open(callSID, streamID, from); err != nil {
						slog.Warn("call_not_admitted",
							"call_sid", callSID,
							"from", logging.MaskPhone(from),
							"error", err.Error())
					}
					e.traceIDs.Delete(callSID)
					continue
				case "call_ended":
					e.manager.CloseCall(callSID, meta[frames.MetaCallEndReason])
					continue
				}
			}
			_ = e.manager.Deliver(callSID, f)
		}
	}
}

func (e *Engine) Manager() *session.Manager           { return e.manager }
func (e *Engine) Transport() transports.Transport     { return e.transport }
func (e *Engine) Config() Config                      { return e.cfg }
func (e *Engine) ProviderRegistry() *ProviderRegistry { return e.providers }

func (e *Engine) Health() error {
	if e.transport == nil {
		return fmt.Errorf("missing transport")
	}
	return nil
}

// SetDefaultLogger installs the process-wide structured logger.
func SetDefaultLogger(level string) {
	lvl := slog.LevelInfo
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	slog.SetDefault(logging.InitLogger(lvl))
}
