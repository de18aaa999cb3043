package config_test

import (
	"testing"

	"github.com/careline-ai/careline/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Voice:  config.VoiceConfig{VoiceID: "sage-v1", Speed: 1.0},
	}
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged {
		t.Error("expected LogLevelChanged=false for identical configs")
	}
	if d.VoiceChanged {
		t.Error("expected VoiceChanged=false for identical configs")
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelInfo}}
	updated := &config.Config{Server: config.ServerConfig{LogLevel: config.LogLevelDebug}}

	d := config.Diff(old, updated)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogLevelDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_VoiceStabilityChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Voice: config.VoiceConfig{VoiceID: "sage-v1", Stability: 0.4}}
	updated := &config.Config{Voice: config.VoiceConfig{VoiceID: "sage-v1", Stability: 0.8}}

	d := config.Diff(old, updated)
	if !d.VoiceChanged {
		t.Error("expected VoiceChanged=true")
	}
	if d.NewVoice.Stability != 0.8 {
		t.Errorf("expected NewVoice.Stability=0.8, got %v", d.NewVoice.Stability)
	}
}

func TestDiff_VoiceIDChanged(t *testing.T) {
	t.Parallel()
	old := &config.Config{Voice: config.VoiceConfig{VoiceID: "v1"}}
	updated := &config.Config{Voice: config.VoiceConfig{VoiceID: "v2"}}

	d := config.Diff(old, updated)
	if !d.VoiceChanged {
		t.Error("expected VoiceChanged=true")
	}
	if d.NewVoice.VoiceID != "v2" {
		t.Errorf("expected NewVoice.VoiceID=v2, got %q", d.NewVoice.VoiceID)
	}
}

func TestDiff_TelephonyChangeIsNotTracked(t *testing.T) {
	t.Parallel()
	old := &config.Config{Telephony: config.TelephonyConfig{AuthToken: "old"}}
	updated := &config.Config{Telephony: config.TelephonyConfig{AuthToken: "new"}}

	d := config.Diff(old, updated)
	if d.LogLevelChanged || d.VoiceChanged {
		t.Error("telephony credential changes require a restart and must not surface as a hot-reloadable diff")
	}
}

func TestDiff_MultipleChanges(t *testing.T) {
	t.Parallel()
	old := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelInfo},
		Voice:  config.VoiceConfig{VoiceID: "v1"},
	}
	updated := &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogLevelWarn},
		Voice:  config.VoiceConfig{VoiceID: "v2"},
	}

	d := config.Diff(old, updated)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if !d.VoiceChanged {
		t.Error("expected VoiceChanged=true")
	}
	if d.NewLogLevel != config.LogLevelWarn {
		t.Errorf("expected NewLogLevel=warn, got %q", d.NewLogLevel)
	}
	if d.NewVoice.VoiceID != "v2" {
		t.Errorf("expected NewVoice.VoiceID=v2, got %q", d.NewVoice.VoiceID)
	}
}
