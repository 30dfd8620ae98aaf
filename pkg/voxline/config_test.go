package voxline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndExpansion(t *testing.T) {
	t.Setenv("TEST_VOX_TOKEN", "sekrit")
	path := writeConfig(t, `
base_prompt: "You are a helpful receptionist."
auth:
  token: ${TEST_VOX_TOKEN}
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
  agent:
    provider: mock
    settings:
      reply: "hello ${TEST_VOX_TOKEN}"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.ServerAddr != ":8080" || cfg.Server.Path != "/call" {
		t.Fatalf("server defaults missing: %+v", cfg.Server)
	}
	if cfg.LogLevel != "info" || cfg.Call.TranscriptTimeoutMS != 10000 {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if cfg.Auth.Token != "sekrit" {
		t.Fatalf("env expansion failed: %q", cfg.Auth.Token)
	}
	if got := cfg.Vendors.Agent.Settings["reply"]; got != "hello sekrit" {
		t.Fatalf("nested settings expansion failed: %v", got)
	}
}

func TestLoadConfigRequiresProviders(t *testing.T) {
	path := writeConfig(t, `
vendors:
  stt:
    provider: mock
  tts:
    provider: mock
`)
	_, err := LoadConfig(path)
	if err == nil || !strings.Contains(err.Error(), "vendors.agent.provider") {
		t.Fatalf("expected missing agent provider, got %v", err)
	}
}

func TestDefaultRegistryBuildsMocks(t *testing.T) {
	r := DefaultRegistry()

	transcriber, err := r.BuildSTT(VendorConfig{Provider: "Mock"}, "c1")
	if err != nil {
		t.Fatalf("stt: %v", err)
	}
	transcriber.Destroy()

	speaker, err := r.BuildTTS(VendorConfig{
		Provider: "mock",
		Settings: map[string]any{"chunks_per_turn": 3},
	}, "c1")
	if err != nil {
		t.Fatalf("tts: %v", err)
	}
	speaker.Destroy()

	responder, err := r.BuildAgent(VendorConfig{Provider: "mock"}, "c1")
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	responder.Destroy()
}

func TestRegistryRejectsUnknownAndBadSettings(t *testing.T) {
	r := DefaultRegistry()

	if _, err := r.BuildSTT(VendorConfig{Provider: "whisperx"}, "c1"); err == nil {
		t.Fatalf("unknown provider must fail")
	}

	// Real vendors validate their settings schema up front.
	_, err := r.BuildTTS(VendorConfig{
		Provider: "elevenlabs",
		Settings: map[string]any{"api_key": "k"},
	}, "c1")
	if err == nil || !strings.Contains(err.Error(), "voice_id") {
		t.Fatalf("expected missing voice_id, got %v", err)
	}

	_, err = r.BuildAgent(VendorConfig{
		Provider: "openai",
		Settings: map[string]any{"api_key": "k", "temperature": 1},
	}, "c1")
	if err == nil || !strings.Contains(err.Error(), "unknown") {
		t.Fatalf("expected unknown key rejection, got %v", err)
	}
}
