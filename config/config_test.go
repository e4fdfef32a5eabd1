package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaultsAndEnv(t *testing.T) {
	t.Setenv("TEST_ASR_ACCESS_KEY", "secret-access")
	path := writeConfig(t, `
websocket:
  port: 9000
  auth:
    enabled: true
    tokens:
      - token: abc
        name: toy-1
asr:
  app_key: app
  access_key: ${TEST_ASR_ACCESS_KEY}
tts:
  appid: "123"
  token: tok
  voice_type: zh_female
llm:
  api_key: key
  model: doubao-pro
log:
  enable_console: false
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.ConfigPath != path {
		t.Fatalf("ConfigPath = %q", cfg.ConfigPath)
	}
	if cfg.ASR.AccessKey != "secret-access" {
		t.Fatalf("env not expanded: %q", cfg.ASR.AccessKey)
	}
	if cfg.Addr() != "0.0.0.0:9000" || cfg.WebSocket.Path != "/ws/voice_chat" {
		t.Fatalf("websocket defaults lost: %+v", cfg.WebSocket)
	}
	if cfg.ASR.URL == "" || cfg.ASR.ResourceID != "volc.bigasr.sauc.duration" || cfg.ASR.SampleRate != 16000 {
		t.Fatalf("asr defaults lost: %+v", cfg.ASR)
	}
	if cfg.TTS.Encoding != "pcm" || cfg.TTS.Rate != 16000 || cfg.TTS.SpeedRatio != 1.0 {
		t.Fatalf("tts defaults lost: %+v", cfg.TTS)
	}
	if !strings.HasPrefix(cfg.LLM.URL, "https://ark.cn-beijing.volces.com") {
		t.Fatalf("llm url default lost: %q", cfg.LLM.URL)
	}
	if cfg.Log.EnableConsole || cfg.Log.LogLevel != "info" {
		t.Fatalf("log config = %+v", cfg.Log)
	}
	if name, ok := cfg.WebSocket.Auth.TokenName("abc"); !ok || name != "toy-1" {
		t.Fatalf("TokenName = %q, %v", name, ok)
	}
	if _, ok := cfg.WebSocket.Auth.TokenName("nope"); ok {
		t.Fatalf("unknown token accepted")
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
}

func TestValidateReportsMissingCredentials(t *testing.T) {
	cfg := Default()
	cfg.WebSocket.AudioFormat = "mp3"
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"audio_format", "asr.app_key", "tts.appid", "llm.api_key"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q should mention %s", err, want)
		}
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := LoadConfig(writeConfig(t, "websocket: [")); err == nil {
		t.Fatalf("expected error for invalid yaml")
	}
}
