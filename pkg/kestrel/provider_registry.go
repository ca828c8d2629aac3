package kestrel

import (
	"fmt"
	"strings"

	"github.com/kestrelvoice/kestrel/pkg/adapters/stt"
	"github.com/kestrelvoice/kestrel/pkg/adapters/tts"
	"github.com/kestrelvoice/kestrel/pkg/configutil"
	"github.com/kestrelvoice/kestrel/pkg/llm"
	"github.com/kestrelvoice/kestrel/pkg/providers/deepgram"
	"github.com/kestrelvoice/kestrel/pkg/providers/elevenlabs"
	"github.com/kestrelvoice/kestrel/pkg/providers/mock"
	"github.com/kestrelvoice/kestrel/pkg/providers/openai"
	"github.com/kestrelvoice/kestrel/pkg/transports"
	mocktransport "github.com/kestrelvoice/kestrel/pkg/transports/mock"
	"github.com/kestrelvoice/kestrel/pkg/transports/twilio"
)

// STTFactory builds a fresh recognizer per call: recognizer connections
// are single-call by contract.
type STTFactory func(cfg Config, callSID, streamID, traceID string) (stt.StreamingSTT, error)
type TTSFactory func(cfg Config, callSID, streamID string) (tts.StreamingTTS, error)
type LLMFactory func(cfg Config) (llm.Adapter, error)
type TransportFactory func(cfg Config) (transports.Transport, error)

// ProviderRegistry maps vendor names from configuration to adapter
// constructors. Built-in vendors are registered by default; embedders may
// add their own before the engine starts.
type ProviderRegistry struct {
	stt        map[string]STTFactory
	tts        map[string]TTSFactory
	llm        map[string]LLMFactory
	transports map[string]TransportFactory
}

func NewProviderRegistry() *ProviderRegistry {
	r := &ProviderRegistry{
		stt:        make(map[string]STTFactory),
		tts:        make(map[string]TTSFactory),
		llm:        make(map[string]LLMFactory),
		transports: make(map[string]TransportFactory),
	}
	r.registerBuiltins()
	return r
}

func (r *ProviderRegistry) RegisterSTT(name string, factory STTFactory) {
	r.stt[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterTTS(name string, factory TTSFactory) {
	r.tts[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterLLM(name string, factory LLMFactory) {
	r.llm[normalize(name)] = factory
}

func (r *ProviderRegistry) RegisterTransport(name string, factory TransportFactory) {
	r.transports[normalize(name)] = factory
}

func (r *ProviderRegistry) BuildSTT(cfg Config, callSID, streamID, traceID string) (stt.StreamingSTT, error) {
	fn := r.stt[normalize(cfg.Vendors.STT.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("stt provider not registered: %s", cfg.Vendors.STT.Provider)
	}
	return fn(cfg, callSID, streamID, traceID)
}

func (r *ProviderRegistry) BuildTTS(cfg Config, callSID, streamID string) (tts.StreamingTTS, error) {
	fn := r.tts[normalize(cfg.Vendors.TTS.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("tts provider not registered: %s", cfg.Vendors.TTS.Provider)
	}
	return fn(cfg, callSID, streamID)
}

func (r *ProviderRegistry) BuildLLM(cfg Config) (llm.Adapter, error) {
	fn := r.llm[normalize(cfg.Vendors.LLM.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("llm provider not registered: %s", cfg.Vendors.LLM.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) BuildTransport(cfg Config) (transports.Transport, error) {
	fn := r.transports[normalize(cfg.Transports.Provider)]
	if fn == nil {
		return nil, fmt.Errorf("transport not registered: %s", cfg.Transports.Provider)
	}
	return fn(cfg)
}

func (r *ProviderRegistry) registerBuiltins() {
	r.RegisterSTT("deepgram", buildDeepgramSTT)
	r.RegisterTTS("elevenlabs", buildElevenLabsTTS)
	r.RegisterLLM("openai", buildOpenAILLM)
	r.RegisterTransport("twilio", buildTwilioTransport)

	// Mocks keep the whole engine runnable without vendor credentials.
	r.RegisterSTT("mock", func(Config, string, string, string) (stt.StreamingSTT, error) {
		return mock.NewSTT(), nil
	})
	r.RegisterTTS("mock", func(Config, string, string) (tts.StreamingTTS, error) {
		return mock.NewTTS(), nil
	})
	r.RegisterLLM("mock", func(Config) (llm.Adapter, error) {
		return mock.NewLLM(), nil
	})
	r.RegisterTransport("mock", func(Config) (transports.Transport, error) {
		return mocktransport.New(), nil
	})
}

func buildDeepgramSTT(cfg Config, callSID, streamID, traceID string) (stt.StreamingSTT, error) {
	settings := cfg.Vendors.STT.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "language", "interim"},
	}); err != nil {
		return nil, fmt.Errorf("vendors.stt.settings: %w", err)
	}
	var s struct {
		APIKey   string `mapstructure:"api_key"`
		Model    string `mapstructure:"model"`
		Language string `mapstructure:"language"`
		Interim  bool   `mapstructure:"interim"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	return deepgram.New(deepgram.Config{
		APIKey:     s.APIKey,
		Model:      s.Model,
		Language:   s.Language,
		SampleRate: cfg.Engine.SampleRate,
		Interim:    s.Interim,
		StreamID:   streamID,
		CallSID:    callSID,
		TraceID:    traceID,
	}), nil
}

func buildElevenLabsTTS(cfg Config, callSID, streamID string) (tts.StreamingTTS, error) {
	settings := cfg.Vendors.TTS.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key", "voice_id"},
		Optional: []string{"model_id", "output_format"},
	}); err != nil {
		return nil, fmt.Errorf("vendors.tts.settings: %w", err)
	}
	var s struct {
		APIKey       string `mapstructure:"api_key"`
		VoiceID      string `mapstructure:"voice_id"`
		ModelID      string `mapstructure:"model_id"`
		OutputFormat string `mapstructure:"output_format"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	return elevenlabs.New(elevenlabs.Config{
		APIKey:       s.APIKey,
		VoiceID:      s.VoiceID,
		ModelID:      s.ModelID,
		OutputFormat: s.OutputFormat,
		SampleRate:   cfg.Engine.SampleRate,
		StreamID:     streamID,
		CallSID:      callSID,
	}), nil
}

func buildOpenAILLM(cfg Config) (llm.Adapter, error) {
	settings := cfg.Vendors.LLM.Settings
	if err := configutil.ValidateSettings(settings, configutil.Schema{
		Required: []string{"api_key"},
		Optional: []string{"model", "base_url"},
	}); err != nil {
		return nil, fmt.Errorf("vendors.llm.settings: %w", err)
	}
	var s struct {
		APIKey  string `mapstructure:"api_key"`
		Model   string `mapstructure:"model"`
		BaseURL string `mapstructure:"base_url"`
	}
	if err := configutil.DecodeSettings(settings, &s); err != nil {
		return nil, err
	}
	adapter := openai.NewAdapter(s.APIKey, s.Model)
	if s.BaseURL != "" {
		adapter.BaseURL = s.BaseURL
	}
	return adapter, nil
}

func buildTwilioTransport(cfg Config) (transports.Transport, error) {
	var tc twilio.Config
	if err := configutil.DecodeSettings(cfg.Transports.Settings, &tc); err != nil {
		return nil, fmt.Errorf("transports.settings: %w", err)
	}
	if err := configutil.RequireString(tc.AuthToken, "transports.settings.auth_token"); err != nil {
		return nil, err
	}
	return twilio.New(tc), nil
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
