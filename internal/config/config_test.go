package config_test

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/tartuvoice/helisild/internal/config"
	"github.com/tartuvoice/helisild/pkg/wire"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
log:
  level: debug

sidecar:
  command: ["python3", "-m", "helisild_sidecar"]
  workdir: /opt/helisild/sidecar
  startup_timeout_ms: 20000
  shutdown_grace_ms: 3000
  restart:
    enabled: true
    max_attempts: 3
    backoff_ms: 1000
    max_backoff_ms: 10000

stt:
  mode: sherpa
  model_dir: /opt/models/et

tts:
  api_url: http://tts.internal:8111/v2
  speaker: tambet
  speed: 1.2

session:
  debounce_ms: 1500
  min_flush_chars: 30
  stop_phrases: ["ole vait", "aitab"]
  stop_phrase_threshold: 0.85

agent:
  mode: llm
  provider: ollama
  model: llama3.2
  system_prompt: Sa oled abivalmis eestikeelne hääleassistent.

discord:
  bot_token: tok-123

transcripts:
  backend: file
  dir: /var/lib/helisild/transcripts

preflight:
  enabled: false

monitor:
  enabled: true
  listen_addr: 127.0.0.1:9900

calls:
  - guild_id: "100200300"
    channel_id: "400500600"
`

const minimalYAML = `
sidecar:
  command: ["python3", "-m", "helisild_sidecar"]
  workdir: /opt/helisild/sidecar
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != config.LogDebug {
		t.Errorf("log.level: got %q, want %q", cfg.Log.Level, config.LogDebug)
	}
	if len(cfg.Sidecar.Command) != 3 || cfg.Sidecar.Command[0] != "python3" {
		t.Errorf("sidecar.command: got %v", cfg.Sidecar.Command)
	}
	if cfg.Sidecar.Workdir != "/opt/helisild/sidecar" {
		t.Errorf("sidecar.workdir: got %q", cfg.Sidecar.Workdir)
	}
	if got := cfg.Sidecar.StartupTimeout(); got != 20*time.Second {
		t.Errorf("startup timeout: got %v, want 20s", got)
	}
	if got := cfg.Sidecar.ShutdownGrace(); got != 3*time.Second {
		t.Errorf("shutdown grace: got %v, want 3s", got)
	}
	if cfg.Sidecar.Restart.MaxAttempts != 3 {
		t.Errorf("restart.max_attempts: got %d, want 3", cfg.Sidecar.Restart.MaxAttempts)
	}
	if cfg.STT.Mode != wire.STTModeSherpa {
		t.Errorf("stt.mode: got %q, want sherpa", cfg.STT.Mode)
	}
	if cfg.STT.ModelDir != "/opt/models/et" {
		t.Errorf("stt.model_dir: got %q", cfg.STT.ModelDir)
	}
	if cfg.TTS.Speaker != "tambet" || cfg.TTS.Speed != 1.2 {
		t.Errorf("tts: got %+v", cfg.TTS)
	}
	if got := cfg.Session.Debounce(); got != 1500*time.Millisecond {
		t.Errorf("session debounce: got %v, want 1.5s", got)
	}
	if len(cfg.Session.StopPhrases) != 2 {
		t.Errorf("stop_phrases: got %v", cfg.Session.StopPhrases)
	}
	if cfg.Agent.Mode != config.AgentLLM || cfg.Agent.Provider != "ollama" {
		t.Errorf("agent: got %+v", cfg.Agent)
	}
	if cfg.Discord.BotToken != "tok-123" {
		t.Errorf("discord.bot_token: got %q", cfg.Discord.BotToken)
	}
	if cfg.Transcripts.Backend != config.TranscriptFile {
		t.Errorf("transcripts.backend: got %q", cfg.Transcripts.Backend)
	}
	if cfg.Preflight.IsEnabled() {
		t.Error("preflight should be disabled")
	}
	if cfg.Monitor.ListenAddr != "127.0.0.1:9900" {
		t.Errorf("monitor.listen_addr: got %q", cfg.Monitor.ListenAddr)
	}
	if len(cfg.Calls) != 1 || cfg.Calls[0].GuildID != "100200300" {
		t.Errorf("calls: got %+v", cfg.Calls)
	}
}

func TestLoadFromReader_DefaultsApplied(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Log.Level != config.LogInfo {
		t.Errorf("log.level default: got %q, want info", cfg.Log.Level)
	}
	if got := cfg.Sidecar.StartupTimeout(); got != 15*time.Second {
		t.Errorf("startup timeout default: got %v, want 15s", got)
	}
	if got := cfg.Sidecar.ShutdownGrace(); got != 5*time.Second {
		t.Errorf("shutdown grace default: got %v, want 5s", got)
	}
	if !cfg.Sidecar.Restart.IsEnabled() {
		t.Error("restart should default to enabled")
	}
	if got := cfg.Sidecar.Restart.Backoff(); got != 2*time.Second {
		t.Errorf("restart backoff default: got %v, want 2s", got)
	}
	if got := cfg.Sidecar.Restart.MaxBackoff(); got != 30*time.Second {
		t.Errorf("restart max backoff default: got %v, want 30s", got)
	}
	if cfg.STT.Mode != wire.STTModeWyoming {
		t.Errorf("stt.mode default: got %q, want wyoming", cfg.STT.Mode)
	}
	if cfg.STT.WyomingHost != "localhost" || cfg.STT.WyomingPort != 10300 {
		t.Errorf("wyoming defaults: got %s:%d", cfg.STT.WyomingHost, cfg.STT.WyomingPort)
	}
	if cfg.TTS.APIURL != "http://localhost:8111/v2" {
		t.Errorf("tts.api_url default: got %q", cfg.TTS.APIURL)
	}
	if cfg.TTS.Speaker != "mari" || cfg.TTS.Speed != 1.0 {
		t.Errorf("tts defaults: got %+v", cfg.TTS)
	}
	if got := cfg.Session.Debounce(); got != 2*time.Second {
		t.Errorf("debounce default: got %v, want 2s", got)
	}
	if cfg.Session.MinFlushChars != 20 {
		t.Errorf("min_flush_chars default: got %d, want 20", cfg.Session.MinFlushChars)
	}
	if cfg.Session.StopPhraseThreshold != 0.80 {
		t.Errorf("stop_phrase_threshold default: got %.2f, want 0.80", cfg.Session.StopPhraseThreshold)
	}
	if cfg.Agent.Mode != config.AgentExternal {
		t.Errorf("agent.mode default: got %q, want external", cfg.Agent.Mode)
	}
	if cfg.Transcripts.Backend != config.TranscriptNone {
		t.Errorf("transcripts.backend default: got %q, want none", cfg.Transcripts.Backend)
	}
	if !cfg.Monitor.IsEnabled() || cfg.Monitor.ListenAddr != "127.0.0.1:8787" {
		t.Errorf("monitor defaults: got %+v", cfg.Monitor)
	}
	if !cfg.Preflight.IsEnabled() {
		t.Error("preflight should default to enabled")
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	yaml := minimalYAML + `
sidcar_typo:
  command: ["oops"]
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for unknown top-level key, got nil")
	}
	if !strings.Contains(err.Error(), "decode yaml") {
		t.Errorf("error should come from the decoder, got: %v", err)
	}
}

func TestLoadFromReader_EmptyFailsValidation(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err == nil {
		t.Fatal("expected validation error for empty config, got nil")
	}
	if !strings.Contains(err.Error(), "sidecar.command is required") {
		t.Errorf("error should mention sidecar.command, got: %v", err)
	}
}

// ── wire conversion ──────────────────────────────────────────────────────────

func TestSTTSettings(t *testing.T) {
	c := config.STTConfig{
		Mode:        wire.STTModeWyoming,
		WyomingHost: "stt.internal",
		WyomingPort: 10301,
	}
	got := c.Settings()
	want := wire.STTSettings{Mode: wire.STTModeWyoming, WyomingHost: "stt.internal", WyomingPort: 10301}
	if got != want {
		t.Errorf("Settings(): got %+v, want %+v", got, want)
	}
}

func TestTTSSettings(t *testing.T) {
	c := config.TTSConfig{APIURL: "http://localhost:8111/v2", Speaker: "mari", Speed: 0.9}
	got := c.Settings()
	want := wire.TTSSettings{APIURL: "http://localhost:8111/v2", Speaker: "mari", Speed: 0.9}
	if got != want {
		t.Errorf("Settings(): got %+v, want %+v", got, want)
	}
}

func TestRestartEnabledExplicitFalse(t *testing.T) {
	yaml := `
sidecar:
  command: ["python3", "-m", "helisild_sidecar"]
  workdir: /opt/helisild/sidecar
  restart:
    enabled: false
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Sidecar.Restart.IsEnabled() {
		t.Error("restart.enabled: false should disable restarts")
	}
}

func TestLogLevelSlog(t *testing.T) {
	cases := map[config.LogLevel]slog.Level{
		config.LogDebug:        slog.LevelDebug,
		config.LogInfo:         slog.LevelInfo,
		config.LogWarn:         slog.LevelWarn,
		config.LogError:        slog.LevelError,
		config.LogLevel("bad"): slog.LevelInfo,
	}
	for in, want := range cases {
		if got := in.Slog(); got != want {
			t.Errorf("LogLevel(%q).Slog(): got %v, want %v", in, got, want)
		}
	}
}
