package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/tartuvoice/helisild/internal/config"
)

func TestValidate_MissingSidecarCommand(t *testing.T) {
	t.Parallel()
	yaml := `
sidecar:
  workdir: /opt/helisild/sidecar
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing sidecar command, got nil")
	}
	if !strings.Contains(err.Error(), "sidecar.command is required") {
		t.Errorf("error should mention sidecar.command, got: %v", err)
	}
}

func TestValidate_MissingWorkdir(t *testing.T) {
	t.Parallel()
	yaml := `
sidecar:
  command: ["python3"]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for missing workdir, got nil")
	}
	if !strings.Contains(err.Error(), "sidecar.workdir is required") {
		t.Errorf("error should mention sidecar.workdir, got: %v", err)
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
log:
  level: bananas
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log.level") {
		t.Errorf("error should mention log.level, got: %v", err)
	}
}

func TestValidate_InvalidSTTMode(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
stt:
  mode: vosk
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid stt mode, got nil")
	}
	if !strings.Contains(err.Error(), "stt.mode") {
		t.Errorf("error should mention stt.mode, got: %v", err)
	}
}

func TestValidate_WyomingRequiresHostAndPort(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
stt:
  mode: wyoming
  wyoming_host: ""
  wyoming_port: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for wyoming without host/port, got nil")
	}
	if !strings.Contains(err.Error(), "stt.wyoming_host is required") {
		t.Errorf("error should mention wyoming_host, got: %v", err)
	}
	if !strings.Contains(err.Error(), "stt.wyoming_port") {
		t.Errorf("error should mention wyoming_port, got: %v", err)
	}
}

func TestValidate_SherpaRequiresModelDir(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
stt:
  mode: sherpa
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for sherpa without model_dir, got nil")
	}
	if !strings.Contains(err.Error(), "stt.model_dir is required") {
		t.Errorf("error should mention model_dir, got: %v", err)
	}
}

func TestValidate_SpeedOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
tts:
  speed: 3.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for tts speed out of range, got nil")
	}
	if !strings.Contains(err.Error(), "out of range [0.5, 2.0]") {
		t.Errorf("error should mention the valid range, got: %v", err)
	}
}

func TestValidate_NonPositiveTimeouts(t *testing.T) {
	t.Parallel()
	yaml := `
sidecar:
  command: ["python3"]
  workdir: /opt/helisild/sidecar
  startup_timeout_ms: 0
  shutdown_grace_ms: -5
session:
  debounce_ms: 0
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for non-positive timeouts, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{
		"sidecar.startup_timeout_ms must be positive",
		"sidecar.shutdown_grace_ms must be positive",
		"session.debounce_ms must be positive",
	} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should contain %q, got: %v", want, err)
		}
	}
}

func TestValidate_ThresholdOutOfRange(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
session:
  stop_phrase_threshold: 1.5
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for threshold out of range, got nil")
	}
	if !strings.Contains(err.Error(), "stop_phrase_threshold") {
		t.Errorf("error should mention stop_phrase_threshold, got: %v", err)
	}
}

func TestValidate_LLMAgentRequiresProviderAndModel(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
agent:
  mode: llm
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for llm agent without provider/model, got nil")
	}
	if !strings.Contains(err.Error(), "agent.provider is required") {
		t.Errorf("error should mention agent.provider, got: %v", err)
	}
	if !strings.Contains(err.Error(), "agent.model is required") {
		t.Errorf("error should mention agent.model, got: %v", err)
	}
}

func TestValidate_InvalidAgentMode(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
agent:
  mode: telepathy
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid agent mode, got nil")
	}
	if !strings.Contains(err.Error(), "agent.mode") {
		t.Errorf("error should mention agent.mode, got: %v", err)
	}
}

func TestValidate_FileBackendRequiresDir(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
transcripts:
  backend: file
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for file backend without dir, got nil")
	}
	if !strings.Contains(err.Error(), "transcripts.dir is required") {
		t.Errorf("error should mention transcripts.dir, got: %v", err)
	}
}

func TestValidate_PostgresBackendRequiresDSN(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
transcripts:
  backend: postgres
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for postgres backend without DSN, got nil")
	}
	if !strings.Contains(err.Error(), "transcripts.postgres_dsn is required") {
		t.Errorf("error should mention postgres_dsn, got: %v", err)
	}
}

func TestValidate_MonitorRequiresListenAddr(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
monitor:
  enabled: true
  listen_addr: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for enabled monitor without listen_addr, got nil")
	}
	if !strings.Contains(err.Error(), "monitor.listen_addr is required") {
		t.Errorf("error should mention listen_addr, got: %v", err)
	}
}

func TestValidate_CallsRequireBotToken(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
calls:
  - guild_id: "1"
    channel_id: "2"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for calls without bot token, got nil")
	}
	if !strings.Contains(err.Error(), "discord.bot_token is required") {
		t.Errorf("error should mention discord.bot_token, got: %v", err)
	}
}

func TestValidate_CallMissingIDs(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
discord:
  bot_token: tok
calls:
  - guild_id: "1"
  - channel_id: "2"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors for incomplete call entries, got nil")
	}
	if !strings.Contains(err.Error(), "calls[0].channel_id is required") {
		t.Errorf("error should mention calls[0].channel_id, got: %v", err)
	}
	if !strings.Contains(err.Error(), "calls[1].guild_id is required") {
		t.Errorf("error should mention calls[1].guild_id, got: %v", err)
	}
}

func TestValidate_DuplicateCalls(t *testing.T) {
	t.Parallel()
	yaml := minimalYAML + `
discord:
  bot_token: tok
calls:
  - guild_id: "1"
    channel_id: "2"
  - guild_id: "1"
    channel_id: "2"
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for duplicate call entries, got nil")
	}
	if !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("error should mention duplicate, got: %v", err)
	}
}

func TestValidate_RestartBackoffOrdering(t *testing.T) {
	t.Parallel()
	yaml := `
sidecar:
  command: ["python3"]
  workdir: /opt/helisild/sidecar
  restart:
    backoff_ms: 5000
    max_backoff_ms: 1000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for max_backoff_ms < backoff_ms, got nil")
	}
	if !strings.Contains(err.Error(), "max_backoff_ms") {
		t.Errorf("error should mention max_backoff_ms, got: %v", err)
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
log:
  level: silly
sidecar:
  workdir: ""
tts:
  speaker: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log.level", "sidecar.command", "sidecar.workdir", "tts.speaker"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should contain %q, got: %v", want, err)
		}
	}
}

func TestValidLLMProviders(t *testing.T) {
	t.Parallel()
	if len(config.ValidLLMProviders) == 0 {
		t.Fatal("ValidLLMProviders should not be empty")
	}
	if !slices.Contains(config.ValidLLMProviders, "openai") {
		t.Error("ValidLLMProviders should contain \"openai\"")
	}
}
