package kestrel

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string              `mapstructure:"environment"`
	LogLevel      string              `mapstructure:"log_level"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Call          CallConfig          `mapstructure:"call"`
	Agent         AgentConfig         `mapstructure:"agent"`
	Vendors       VendorsConfig       `mapstructure:"vendors"`
	Transports    TransportsConfig    `mapstructure:"transports"`
	Store         StoreConfig         `mapstructure:"store"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type EngineConfig struct {
	SampleRate int `mapstructure:"sample_rate"`
	MaxCalls   int `mapstructure:"max_calls"`
}

type CallConfig struct {
	ChunkMS          int           `mapstructure:"chunk_ms"`
	SilenceTimeoutMS int           `mapstructure:"silence_timeout_ms"`
	STTTimeoutMS     int           `mapstructure:"stt_timeout_ms"`
	LLMTimeoutMS     int           `mapstructure:"llm_timeout_ms"`
	TTSTimeoutMS     int           `mapstructure:"tts_timeout_ms"`
	BargeInGraceMS   int           `mapstructure:"barge_in_grace_ms"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
	HistoryLimit     int           `mapstructure:"history_limit"`
	RepromptAfterMS  int           `mapstructure:"reprompt_after_ms"`
	RepromptText     string        `mapstructure:"reprompt_text"`
	RepromptMax      int           `mapstructure:"reprompt_max"`
	BargeIn          BargeInConfig `mapstructure:"barge_in"`
}

type BargeInConfig struct {
	EnergyThreshold float64 `mapstructure:"energy_threshold"`
	WindowMS        int     `mapstructure:"window_ms"`
	FrameMS         int     `mapstructure:"frame_ms"`
}

type AgentConfig struct {
	Greeting     string      `mapstructure:"greeting"`
	BusinessName string      `mapstructure:"business_name"`
	Hours        HoursConfig `mapstructure:"hours"`
	FAQPath      string      `mapstructure:"faq_path"`
}

type HoursConfig struct {
	Start string `mapstructure:"start"`
	End   string `mapstructure:"end"`
	Days  []int  `mapstructure:"days"`
}

type VendorConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type VendorsConfig struct {
	STT VendorConfig `mapstructure:"stt"`
	TTS VendorConfig `mapstructure:"tts"`
	LLM VendorConfig `mapstructure:"llm"`
}

type TransportsConfig struct {
	Provider string         `mapstructure:"provider"`
	Settings map[string]any `mapstructure:"settings"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type ObservabilityConfig struct {
	MetricsPath string `mapstructure:"metrics_path"`
	Buffer      int    `mapstructure:"buffer"`
}

func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("environment", "development")
	v.SetDefault("log_level", "info")
	v.SetDefault("engine.sample_rate", 8000)
	v.SetDefault("engine.max_calls", 20)
	v.SetDefault("call.chunk_ms", 200)
	v.SetDefault("call.silence_timeout_ms", 1200)
	v.SetDefault("call.stt_timeout_ms", 3000)
	v.SetDefault("call.llm_timeout_ms", 8000)
	v.SetDefault("call.tts_timeout_ms", 5000)
	v.SetDefault("call.barge_in_grace_ms", 250)
	v.SetDefault("call.failure_threshold", 2)
	v.SetDefault("call.history_limit", 10)
	v.SetDefault("call.reprompt_after_ms", 0)
	v.SetDefault("call.reprompt_text", "Are you still there?")
	v.SetDefault("call.reprompt_max", 2)
	v.SetDefault("call.barge_in.energy_threshold", 300.0)
	v.SetDefault("call.barge_in.window_ms", 150)
	v.SetDefault("call.barge_in.frame_ms", 20)
	v.SetDefault("agent.greeting", "Hello, thanks for calling. How can I help you today?")
	v.SetDefault("agent.hours.start", "09:00")
	v.SetDefault("agent.hours.end", "17:00")
	v.SetDefault("agent.hours.days", []int{1, 2, 3, 4, 5})
	v.SetDefault("observability.buffer", 2048)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal: %w", err)
	}

	expandEnvStrings(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Transports.Provider) == "" {
		return fmt.Errorf("transports.provider is required")
	}
	if strings.TrimSpace(c.Vendors.STT.Provider) == "" {
		return fmt.Errorf("vendors.stt.provider is required")
	}
	if strings.TrimSpace(c.Vendors.TTS.Provider) == "" {
		return fmt.Errorf("vendors.tts.provider is required")
	}
	if strings.TrimSpace(c.Vendors.LLM.Provider) == "" {
		return fmt.Errorf("vendors.llm.provider is required")
	}
	return nil
}

// expandEnvStrings resolves ${VAR} references so API keys can live in the
// environment rather than the config file.
func expandEnvStrings(cfg *Config) {
	expandValue(reflect.ValueOf(cfg))
	cfg.Vendors.STT.Settings = expandSettings(cfg.Vendors.STT.Settings)
	cfg.Vendors.TTS.Settings = expandSettings(cfg.Vendors.TTS.Settings)
	cfg.Vendors.LLM.Settings = expandSettings(cfg.Vendors.LLM.Settings)
	cfg.Transports.Settings = expandSettings(cfg.Transports.Settings)
}

func expandSettings(settings map[string]any) map[string]any {
	if settings == nil {
		return nil
	}
	for k, v := range settings {
		settings[k] = expandAny(v)
	}
	return settings
}

func expandAny(v any) any {
	switch val := v.(type) {
	case string:
		return os.ExpandEnv(val)
	case []any:
		for i := range val {
			val[i] = expandAny(val[i])
		}
		return val
	case map[string]any:
		for k, v := range val {
			val[k] = expandAny(v)
		}
		return val
	default:
		return v
	}
}

func expandValue(v reflect.Value) {
	if !v.IsValid() {
		return
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return
		}
		expandValue(v.Elem())
		return
	}
	switch v.Kind() {
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			expandValue(v.Field(i))
		}
	case reflect.String:
		if v.CanSet() {
			v.SetString(os.ExpandEnv(v.String()))
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			expandValue(v.Index(i))
		}
	}
}
