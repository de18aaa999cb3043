package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"voice_llm":    {"anyllm", "openai", "anthropic", "ollama"},
	"director_llm": {"openai", "anyllm"},
	"analysis_llm": {"anyllm", "openai"},
	"stt":          {"deepgram"},
	"tts":          {"elevenlabs", "coqui"},
	"embeddings":   {"openai", "ollama"},
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
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills in scheduler.max_call_minutes (15) and
// memory.embedding_dimensions (1536) when they are unset. No default model
// is filled in for any provider entry.
func applyDefaults(cfg *Config) {
	if cfg.Scheduler.MaxCallMinutes == 0 {
		cfg.Scheduler.MaxCallMinutes = 15
	}
	if cfg.Memory.EmbeddingDimensions <= 0 {
		cfg.Memory.EmbeddingDimensions = 1536
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider name validation — warn for unknown provider names.
	validateProviderName("voice_llm", cfg.Providers.VoiceLLM.Name)
	validateProviderName("director_llm", cfg.Providers.DirectorLLM.Name)
	validateProviderName("analysis_llm", cfg.Providers.AnalysisLLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	validateProviderName("tts", cfg.Providers.TTS.Name)
	validateProviderName("embeddings", cfg.Providers.Embeddings.Name)

	if cfg.Providers.VoiceLLM.Name == "" {
		errs = append(errs, errors.New("providers.voice_llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	if cfg.Providers.TTS.Name == "" {
		errs = append(errs, errors.New("providers.tts.name is required"))
	}

	// Telephony
	if cfg.Telephony.AccountID == "" || cfg.Telephony.AuthToken == "" {
		errs = append(errs, errors.New("telephony.telephony_account_id and telephony_auth_token are required"))
	}
	if cfg.Telephony.Number == "" {
		errs = append(errs, errors.New("telephony.telephony_number is required"))
	}

	// Database
	if cfg.Database.PostgresDSN == "" {
		errs = append(errs, errors.New("database.postgres_dsn is required"))
	}

	if cfg.Scheduler.MaxCallMinutes < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_call_minutes %d must be non-negative", cfg.Scheduler.MaxCallMinutes))
	}

	if cfg.Voice.Speed != 0 && (cfg.Voice.Speed < 0.5 || cfg.Voice.Speed > 2.0) {
		errs = append(errs, fmt.Errorf("voice.tts_speed %.2f is out of range [0.5, 2.0]", cfg.Voice.Speed))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name — may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
