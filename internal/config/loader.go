package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/tartuvoice/helisild/pkg/wire"
)

// ValidLLMProviders lists known provider names for the built-in agent runner.
// Used by [Validate] to warn about unrecognised provider names.
var ValidLLMProviders = []string{
	"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r and validates the result.
// The YAML is decoded over [Default], so keys absent from the document keep
// their documented defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Log
	if cfg.Log.Level != "" && !cfg.Log.Level.IsValid() {
		errs = append(errs, fmt.Errorf("log.level %q is invalid; valid values: debug, info, warn, error", cfg.Log.Level))
	}

	// Sidecar
	if len(cfg.Sidecar.Command) == 0 {
		errs = append(errs, errors.New("sidecar.command is required"))
	}
	if cfg.Sidecar.Workdir == "" {
		errs = append(errs, errors.New("sidecar.workdir is required"))
	}
	if cfg.Sidecar.StartupTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("sidecar.startup_timeout_ms must be positive, got %d", cfg.Sidecar.StartupTimeoutMS))
	}
	if cfg.Sidecar.ShutdownGraceMS <= 0 {
		errs = append(errs, fmt.Errorf("sidecar.shutdown_grace_ms must be positive, got %d", cfg.Sidecar.ShutdownGraceMS))
	}
	if cfg.Sidecar.Restart.IsEnabled() {
		if cfg.Sidecar.Restart.MaxAttempts <= 0 {
			errs = append(errs, fmt.Errorf("sidecar.restart.max_attempts must be positive, got %d", cfg.Sidecar.Restart.MaxAttempts))
		}
		if cfg.Sidecar.Restart.BackoffMS <= 0 {
			errs = append(errs, fmt.Errorf("sidecar.restart.backoff_ms must be positive, got %d", cfg.Sidecar.Restart.BackoffMS))
		}
		if cfg.Sidecar.Restart.MaxBackoffMS < cfg.Sidecar.Restart.BackoffMS {
			errs = append(errs, fmt.Errorf("sidecar.restart.max_backoff_ms %d is less than backoff_ms %d", cfg.Sidecar.Restart.MaxBackoffMS, cfg.Sidecar.Restart.BackoffMS))
		}
	}

	// STT
	if cfg.STT.Mode != "" && !cfg.STT.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("stt.mode %q is invalid; valid values: wyoming, sherpa", cfg.STT.Mode))
	}
	if cfg.STT.Mode == wire.STTModeWyoming {
		if cfg.STT.WyomingHost == "" {
			errs = append(errs, errors.New("stt.wyoming_host is required when mode is wyoming"))
		}
		if cfg.STT.WyomingPort < 1 || cfg.STT.WyomingPort > 65535 {
			errs = append(errs, fmt.Errorf("stt.wyoming_port %d is out of range [1, 65535]", cfg.STT.WyomingPort))
		}
	}
	if cfg.STT.Mode == wire.STTModeSherpa && cfg.STT.ModelDir == "" {
		errs = append(errs, errors.New("stt.model_dir is required when mode is sherpa"))
	}

	// TTS
	if cfg.TTS.APIURL == "" {
		errs = append(errs, errors.New("tts.api_url is required"))
	}
	if cfg.TTS.Speaker == "" {
		errs = append(errs, errors.New("tts.speaker is required"))
	}
	if cfg.TTS.Speed != 0 {
		if cfg.TTS.Speed < 0.5 || cfg.TTS.Speed > 2.0 {
			errs = append(errs, fmt.Errorf("tts.speed %.2f is out of range [0.5, 2.0]", cfg.TTS.Speed))
		}
	}

	// Session
	if cfg.Session.DebounceMS <= 0 {
		errs = append(errs, fmt.Errorf("session.debounce_ms must be positive, got %d", cfg.Session.DebounceMS))
	}
	if cfg.Session.MinFlushChars < 0 {
		errs = append(errs, fmt.Errorf("session.min_flush_chars must not be negative, got %d", cfg.Session.MinFlushChars))
	}
	if cfg.Session.StopPhraseThreshold <= 0 || cfg.Session.StopPhraseThreshold > 1 {
		errs = append(errs, fmt.Errorf("session.stop_phrase_threshold %.2f is out of range (0, 1]", cfg.Session.StopPhraseThreshold))
	} else if len(cfg.Session.StopPhrases) > 0 && cfg.Session.StopPhraseThreshold < 0.5 {
		slog.Warn("stop phrase threshold is very low; unrelated speech may trigger barge-in",
			"threshold", cfg.Session.StopPhraseThreshold,
		)
	}

	// Agent
	if cfg.Agent.Mode != "" && !cfg.Agent.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("agent.mode %q is invalid; valid values: external, llm", cfg.Agent.Mode))
	}
	if cfg.Agent.Mode == AgentLLM {
		if cfg.Agent.Provider == "" {
			errs = append(errs, errors.New("agent.provider is required when mode is llm"))
		}
		if cfg.Agent.Model == "" {
			errs = append(errs, errors.New("agent.model is required when mode is llm"))
		}
	}
	validateProviderName(cfg.Agent.Provider)

	// Transcripts
	if cfg.Transcripts.Backend != "" && !cfg.Transcripts.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("transcripts.backend %q is invalid; valid values: none, file, postgres", cfg.Transcripts.Backend))
	}
	if cfg.Transcripts.Backend == TranscriptFile && cfg.Transcripts.Dir == "" {
		errs = append(errs, errors.New("transcripts.dir is required when backend is file"))
	}
	if cfg.Transcripts.Backend == TranscriptPostgres && cfg.Transcripts.PostgresDSN == "" {
		errs = append(errs, errors.New("transcripts.postgres_dsn is required when backend is postgres"))
	}

	// Monitor
	if cfg.Monitor.IsEnabled() && cfg.Monitor.ListenAddr == "" {
		errs = append(errs, errors.New("monitor.listen_addr is required when the monitor is enabled"))
	}

	// Discord / calls
	if len(cfg.Calls) > 0 && cfg.Discord.BotToken == "" {
		errs = append(errs, errors.New("discord.bot_token is required when calls are configured"))
	}
	if cfg.Preflight.IsEnabled() && cfg.Discord.BotToken == "" && len(cfg.Calls) == 0 {
		slog.Warn("preflight is enabled but discord.bot_token is empty; Discord checks will be skipped")
	}

	// Duplicate call detection
	channelsSeen := make(map[string]int, len(cfg.Calls))

	for i, call := range cfg.Calls {
		prefix := fmt.Sprintf("calls[%d]", i)
		if call.GuildID == "" {
			errs = append(errs, fmt.Errorf("%s.guild_id is required", prefix))
		}
		if call.ChannelID == "" {
			errs = append(errs, fmt.Errorf("%s.channel_id is required", prefix))
		}
		if call.GuildID != "" && call.ChannelID != "" {
			key := call.GuildID + "/" + call.ChannelID
			if prev, ok := channelsSeen[key]; ok {
				errs = append(errs, fmt.Errorf("%s channel %q is a duplicate of calls[%d]", prefix, call.ChannelID, prev))
			}
			channelsSeen[key] = i
		}
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidLLMProviders] list.
func validateProviderName(name string) {
	if name == "" {
		return
	}
	if slices.Contains(ValidLLMProviders, name) {
		return
	}
	slog.Warn("unknown agent provider; may be a typo or a third-party provider",
		"name", name,
		"known", ValidLLMProviders,
	)
}
