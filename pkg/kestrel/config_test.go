package kestrel

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalConfig = `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  llm:
    provider: mock
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.SampleRate != 8000 || cfg.Engine.MaxCalls != 20 {
		t.Fatalf("engine defaults = %+v", cfg.Engine)
	}
	if cfg.Call.SilenceTimeoutMS != 1200 || cfg.Call.LLMTimeoutMS != 8000 {
		t.Fatalf("call defaults = %+v", cfg.Call)
	}
	if cfg.Call.FailureThreshold != 2 || cfg.Call.BargeIn.WindowMS != 150 {
		t.Fatalf("call defaults = %+v", cfg.Call)
	}
	if len(cfg.Agent.Hours.Days) != 5 {
		t.Fatalf("hours defaults = %+v", cfg.Agent.Hours)
	}
}

func TestLoadConfigOverridesAndEnvExpansion(t *testing.T) {
	t.Setenv("KESTREL_TEST_KEY", "sk-test")
	cfg, err := LoadConfig(writeConfig(t, `
environment: production
transports:
  provider: mock
vendors:
  stt:
    provider: deepgram
    settings:
      api_key: ${KESTREL_TEST_KEY}
  tts:
    provider: mock
  llm:
    provider: mock
call:
  silence_timeout_ms: 900
  failure_threshold: 3
agent:
  business_name: Acme Plumbing
  hours:
    start: "08:30"
    end: "18:00"
    days: [1, 2, 3]
`))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Call.SilenceTimeoutMS != 900 || cfg.Call.FailureThreshold != 3 {
		t.Fatalf("overrides not applied: %+v", cfg.Call)
	}
	if got := cfg.Vendors.STT.Settings["api_key"]; got != "sk-test" {
		t.Fatalf("env not expanded: %v", got)
	}
	if cfg.Agent.BusinessName != "Acme Plumbing" || cfg.Agent.Hours.Start != "08:30" {
		t.Fatalf("agent = %+v", cfg.Agent)
	}
	if len(cfg.Agent.Hours.Days) != 3 {
		t.Fatalf("days = %v", cfg.Agent.Hours.Days)
	}
}

func TestLoadConfigRejectsMissingProviders(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `
transports:
  provider: mock
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`))
	if err == nil {
		t.Fatal("expected validation error for missing llm provider")
	}
}
